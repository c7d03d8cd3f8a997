package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
)

// Delivery is an event handed to a subscriber.
type Delivery struct {
	// Event is the recorded event.
	Event es.RecordedEvent

	// RetryCount is how many times the event was delivered before.
	RetryCount int
}

// subscriber is the group's view of a connected Subscription. Its fields
// are owned by the group goroutine.
type subscriber struct {
	id         uuid.UUID
	handle     *Subscription
	deliveries chan *Delivery
	capacity   int
	inFlight   int
}

func (s *subscriber) hasCapacity() bool {
	return s.inFlight < s.capacity
}

// Subscription is one consumer connection to a persistent subscription group.
// Events arrive on Events; each must be answered with Ack or Nak, otherwise
// it is retried after the group's MessageTimeout.
type Subscription struct {
	stream string
	group  string
	sub    *subscriber
	g      *group

	done     chan struct{}
	dropOnce sync.Once
	reason   DropReason
}

// Stream returns the subscribed stream.
func (s *Subscription) Stream() string {
	return s.stream
}

// Group returns the group name.
func (s *Subscription) Group() string {
	return s.group
}

// Events returns the delivery channel. It is closed when the subscription
// is dropped.
func (s *Subscription) Events() <-chan *Delivery {
	return s.sub.deliveries
}

// Ack marks events as handled.
func (s *Subscription) Ack(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.send(ctx, func(g *group) {
		g.ack(s.sub, ids)
	})
}

// Nak reports events the consumer could not handle.
func (s *Subscription) Nak(ctx context.Context, action NakAction, reason string, ids ...uuid.UUID) error {
	switch action {
	case NakPark, NakRetry, NakSkip, NakStop:
	default:
		return fmt.Errorf("invalid nak action %d", int(action))
	}
	if len(ids) == 0 && action != NakStop {
		return nil
	}
	return s.send(ctx, func(g *group) {
		g.nak(s.sub, action, reason, ids)
	})
}

// Close disconnects the subscription. Its in-flight events are redelivered
// to the remaining subscribers.
func (s *Subscription) Close() {
	_ = s.g.do(context.Background(), func(g *group) {
		g.drop(s.sub, DropReasonUnsubscribed)
	})
}

// Done is closed when the subscription is dropped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the subscription was dropped. It is only meaningful
// once Done is closed.
func (s *Subscription) Reason() DropReason {
	<-s.done
	return s.reason
}

// Err returns nil while connected or after Close, otherwise an error
// wrapping ErrSubscriptionDropped.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if s.reason == DropReasonUnsubscribed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionDropped, s.reason)
}

func (s *Subscription) send(ctx context.Context, fn func(g *group)) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrSubscriptionDropped, s.reason)
	default:
	}
	return s.g.do(ctx, fn)
}

// markDropped is called by the group goroutine.
func (s *Subscription) markDropped(reason DropReason) {
	s.dropOnce.Do(func() {
		s.reason = reason
		close(s.sub.deliveries)
		close(s.done)
	})
}
