// Package runner provides optional tooling for running persistent subscription
// consumers. It connects each consumer to its group, hands deliveries to the
// consumer's handler on a bounded worker pool and acknowledges them.
package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/subscription"
)

var (
	// ErrNoConsumers indicates that no consumers were provided to run.
	ErrNoConsumers = errors.New("no consumers provided")

	// ErrInvalidConsumer indicates a consumer is missing required fields.
	ErrInvalidConsumer = errors.New("invalid consumer")
)

// Handler processes one delivery. A nil error acknowledges the event when
// the consumer runs in AutoAck mode; an error negatively acknowledges it
// with subscription.NakRetry.
type Handler interface {
	EventAppeared(ctx context.Context, sub *subscription.Subscription, d *subscription.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sub *subscription.Subscription, d *subscription.Delivery) error

// EventAppeared implements Handler.
func (f HandlerFunc) EventAppeared(ctx context.Context, sub *subscription.Subscription, d *subscription.Delivery) error {
	return f(ctx, sub, d)
}

// Consumer describes one subscriber of a persistent subscription group.
type Consumer struct {
	Handler Handler

	// Dropped is called once when the subscription ends, with the reason
	// and the error that ended it, if any.
	Dropped func(stream, group string, reason subscription.DropReason, err error)

	// Credentials are checked for read access when connecting.
	Credentials *es.UserCredentials

	Stream string
	Group  string

	// BufferSize is the number of unanswered events the consumer may hold.
	BufferSize int

	// Concurrency bounds how many deliveries are handled at once. Defaults to 1.
	Concurrency int

	// AutoAck acknowledges each event once its handler returns nil.
	// Otherwise the handler acknowledges through the Subscription itself.
	AutoAck bool
}

// Connector opens subscriber connections. It is satisfied by
// *subscription.Manager.
type Connector interface {
	Connect(ctx context.Context, stream, group string, opts subscription.ConnectOptions) (*subscription.Subscription, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a logger for the runner.
func WithLogger(logger es.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner orchestrates multiple consumers concurrently.
//
// Example:
//
//	manager, _ := subscription.NewManager(eng)
//	r := runner.New(manager)
//	err := r.Run(ctx, []runner.Consumer{
//	    {Stream: "orders", Group: "billing", Handler: billing, AutoAck: true},
//	    {Stream: "orders", Group: "shipping", Handler: shipping, AutoAck: true, Concurrency: 4},
//	})
type Runner struct {
	connector Connector
	logger    es.Logger
}

// New creates a new consumer runner.
func New(connector Connector, opts ...Option) *Runner {
	r := &Runner{connector: connector}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run runs the consumers until the context is canceled or any of them fails.
// A failing consumer cancels the others and its error is returned.
// A consumer that ends its own subscription with subscription.NakStop
// finishes without error.
func (r *Runner) Run(ctx context.Context, consumers []Consumer) error {
	if len(consumers) == 0 {
		return ErrNoConsumers
	}
	for i, c := range consumers {
		if c.Handler == nil || c.Stream == "" || c.Group == "" {
			return fmt.Errorf("%w: consumer at index %d needs a stream, group and handler", ErrInvalidConsumer, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error {
			if err := r.consume(gctx, c); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer %s/%s failed: %w", c.Stream, c.Group, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) consume(ctx context.Context, c Consumer) error {
	sub, err := r.connector.Connect(ctx, c.Stream, c.Group, subscription.ConnectOptions{
		Credentials: c.Credentials,
		BufferSize:  c.BufferSize,
	})
	if err != nil {
		return err
	}

	if r.logger != nil {
		r.logger.Info(ctx, "consumer connected", "stream", c.Stream, "group", c.Group)
	}

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(concurrency)

	loopErr := r.deliver(wctx, workers, sub, c)
	sub.Close()
	if err := workers.Wait(); err != nil {
		loopErr = err
	}

	reason := sub.Reason()
	if reason == subscription.DropReasonStopped {
		loopErr = nil
	}
	if c.Dropped != nil {
		c.Dropped(c.Stream, c.Group, reason, loopErr)
	}
	if r.logger != nil {
		r.logger.Info(ctx, "consumer stopped", "stream", c.Stream, "group", c.Group, "reason", reason.String())
	}
	return loopErr
}

// deliver hands events to the worker pool until the subscription is
// dropped or ctx is canceled.
func (r *Runner) deliver(ctx context.Context, workers *errgroup.Group, sub *subscription.Subscription, c Consumer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			workers.Go(func() error {
				return r.handle(ctx, sub, c, d)
			})
		}
	}
}

func (r *Runner) handle(ctx context.Context, sub *subscription.Subscription, c Consumer, d *subscription.Delivery) error {
	id := d.Event.EventID

	var err error
	if herr := c.Handler.EventAppeared(ctx, sub, d); herr != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "event handler failed", "stream", c.Stream, "group", c.Group,
				"event_number", d.Event.EventNumber, "retry", d.RetryCount, "error", herr)
		}
		err = sub.Nak(ctx, subscription.NakRetry, herr.Error(), id)
	} else if c.AutoAck {
		err = sub.Ack(ctx, id)
	}

	// the event is redelivered once the subscription or the run is gone
	if errors.Is(err, subscription.ErrSubscriptionDropped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
