package subscription

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// message is an event read for the group, queued or in flight.
type message struct {
	deadline   time.Time
	owner      *subscriber
	event      es.RecordedEvent
	retryCount int

	// replay marks parked events being redelivered; they sit below the
	// checkpoint and do not move it.
	replay bool
}

// group is the delivery task of one persistent subscription group. All of
// its state is owned by the run goroutine; other goroutines reach it through
// do.
type group struct {
	backend Backend
	store   *groupStore
	logger  es.Logger
	metrics *metrics
	creds   *es.UserCredentials
	limiter *rate.Limiter
	picker  picker
	control chan func(*group)
	done    chan struct{}
	stopErr error

	inFlight map[uuid.UUID]*message
	handled  map[int64]struct{}

	stream   string
	name     string
	subs     []*subscriber
	queue    []*message
	settings Settings

	lastPersist  time.Time
	pollInterval time.Duration

	// readPos is the next event number to read.
	readPos int64
	// checkpoint is the last event of the contiguous handled prefix.
	checkpoint int64
	// persisted is the checkpoint last written to storage.
	persisted int64

	caughtUp bool
	exit     bool
}

func newGroup(m *Manager, row groupRow) *group {
	return &group{
		backend:      m.backend,
		store:        m.store,
		logger:       m.config.Logger,
		metrics:      m.metrics,
		creds:        m.config.Credentials,
		limiter:      rate.NewLimiter(rate.Every(m.config.PollInterval), 1),
		picker:       newPicker(row.settings.NamedConsumerStrategy),
		control:      make(chan func(*group)),
		done:         make(chan struct{}),
		inFlight:     make(map[uuid.UUID]*message),
		handled:      make(map[int64]struct{}),
		stream:       row.stream,
		name:         row.group,
		settings:     row.settings,
		lastPersist:  time.Now(),
		pollInterval: m.config.PollInterval,
		readPos:      row.checkpoint + 1,
		checkpoint:   row.checkpoint,
		persisted:    row.checkpoint,
	}
}

// do runs fn on the group goroutine and waits for it to finish.
func (g *group) do(ctx context.Context, fn func(*group)) error {
	finished := make(chan struct{})
	cmd := func(g *group) {
		fn(g)
		close(finished)
	}

	select {
	case g.control <- cmd:
	case <-g.done:
		return g.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-g.done:
		select {
		case <-finished:
			return nil
		default:
			return g.stopErr
		}
	}
}

func (g *group) run(ctx context.Context) {
	defer close(g.done)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	if g.logger != nil {
		g.logger.Debug(ctx, "subscription group started", "stream", g.stream, "group", g.name, "checkpoint", g.checkpoint)
	}

	for !g.exit {
		g.fill(ctx)
		if g.exit {
			return
		}
		g.dispatch()

		select {
		case <-ctx.Done():
			g.shutdown(ctx, DropReasonShutdown)
		case fn := <-g.control:
			fn(g)
		case now := <-ticker.C:
			g.expire(ctx, now)
			g.checkpointIfDue(ctx, true)
		}
	}
}

// fill reads forward until the buffer is full or the stream is exhausted.
// Once caught up, reads are paced by the poll limiter.
func (g *group) fill(ctx context.Context) {
	if len(g.subs) == 0 || ctx.Err() != nil {
		return
	}

	for len(g.queue) < g.settings.BufferSize {
		if g.caughtUp && !g.limiter.Allow() {
			return
		}

		count := min(g.settings.ReadBatchSize, g.settings.BufferSize-len(g.queue))
		slice, err := g.backend.ReadCommittedStreamEventsForward(ctx, g.stream, g.readPos, count, g.creds)
		if err != nil {
			g.caughtUp = true
			if g.connectionLost(ctx, err) {
				return
			}
			if g.logger != nil && ctx.Err() == nil {
				if errors.Is(err, store.ErrTransactionInProgress) {
					g.logger.Debug(ctx, "subscription read deferred by open transaction", "stream", g.stream, "group", g.name)
				} else {
					g.logger.Error(ctx, "subscription read failed", "stream", g.stream, "group", g.name, "from", g.readPos, "error", err)
				}
			}
			return
		}
		if slice.Status != store.SliceReadSuccess || len(slice.Events) == 0 {
			g.caughtUp = true
			return
		}

		for i := range slice.Events {
			g.queue = append(g.queue, &message{event: slice.Events[i]})
		}
		g.readPos = slice.Events[len(slice.Events)-1].EventNumber + 1
		g.caughtUp = len(slice.Events) < count
		if g.caughtUp {
			return
		}
	}
}

// dispatch hands queued events to subscribers while the strategy finds one
// with free capacity.
func (g *group) dispatch() {
	defer g.metrics.setInFlight(g.stream, g.name, len(g.inFlight))

	for len(g.queue) > 0 && len(g.inFlight) < g.settings.LiveBufferSize {
		msg := g.queue[0]
		sub := g.picker.pick(g.subs, msg)
		if sub == nil {
			return
		}

		select {
		case sub.deliveries <- &Delivery{Event: msg.event, RetryCount: msg.retryCount}:
		default:
			// the channel still holds deliveries that already timed out
			return
		}

		g.queue = g.queue[1:]
		msg.owner = sub
		msg.deadline = time.Time{}
		if g.settings.MessageTimeout > 0 {
			msg.deadline = time.Now().Add(g.settings.MessageTimeout)
		}
		sub.inFlight++
		g.inFlight[msg.event.EventID] = msg
		g.metrics.recordDelivered(g.stream, g.name)
	}
}

func (g *group) connect(sub *subscriber) error {
	if g.settings.MaxSubscriberCount > 0 && len(g.subs) >= g.settings.MaxSubscriberCount {
		return ErrMaxSubscribersReached
	}
	g.subs = append(g.subs, sub)
	g.metrics.setConnected(g.stream, g.name, len(g.subs))

	if g.logger != nil {
		g.logger.Info(context.Background(), "subscriber connected",
			"stream", g.stream, "group", g.name, "subscriber", sub.id, "connections", len(g.subs))
	}
	return nil
}

// drop disconnects sub and requeues its in-flight events.
func (g *group) drop(sub *subscriber, reason DropReason) {
	idx := -1
	for i, s := range g.subs {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	g.subs = append(g.subs[:idx], g.subs[idx+1:]...)

	var orphans []*message
	for _, msg := range g.inFlight {
		if msg.owner == sub {
			orphans = append(orphans, msg)
		}
	}
	for _, msg := range orphans {
		g.release(msg)
	}
	g.requeue(orphans)

	sub.handle.markDropped(reason)
	g.metrics.setConnected(g.stream, g.name, len(g.subs))
	g.metrics.setInFlight(g.stream, g.name, len(g.inFlight))

	if g.logger != nil {
		g.logger.Info(context.Background(), "subscriber dropped",
			"stream", g.stream, "group", g.name, "subscriber", sub.id, "reason", reason.String(), "requeued", len(orphans))
	}
}

func (g *group) ack(sub *subscriber, ids []uuid.UUID) {
	for _, id := range ids {
		msg, ok := g.inFlight[id]
		if !ok || msg.owner != sub {
			continue
		}
		g.release(msg)
		g.markHandled(msg)
		g.metrics.recordAcked(g.stream, g.name)
	}
	g.checkpointIfDue(context.Background(), false)
}

func (g *group) nak(sub *subscriber, action NakAction, reason string, ids []uuid.UUID) {
	ctx := context.Background()

	var retries []*message
	for _, id := range ids {
		msg, ok := g.inFlight[id]
		if !ok || msg.owner != sub {
			continue
		}
		g.metrics.recordNak(g.stream, g.name, action)

		switch action {
		case NakPark:
			g.release(msg)
			g.park(ctx, msg, reason)
		case NakRetry:
			g.release(msg)
			retries = append(retries, msg)
		case NakSkip:
			g.release(msg)
			g.markHandled(msg)
		}
	}
	g.retry(ctx, retries, reason)

	if action == NakStop {
		g.drop(sub, DropReasonStopped)
	}
	g.checkpointIfDue(ctx, false)
}

// expire retries in-flight events whose message timeout has passed.
func (g *group) expire(ctx context.Context, now time.Time) {
	var expired []*message
	for _, msg := range g.inFlight {
		if !msg.deadline.IsZero() && now.After(msg.deadline) {
			expired = append(expired, msg)
		}
	}
	if len(expired) == 0 {
		return
	}

	for _, msg := range expired {
		if g.logger != nil {
			g.logger.Debug(ctx, "message timed out", "stream", g.stream, "group", g.name, "event_number", msg.event.EventNumber)
		}
		g.release(msg)
	}
	g.retry(ctx, expired, "message timeout")
}

// retry requeues msgs, parking those that used up their retries.
func (g *group) retry(ctx context.Context, msgs []*message, reason string) {
	var again []*message
	for _, msg := range msgs {
		if msg.retryCount >= g.settings.MaxRetryCount {
			g.park(ctx, msg, reason)
			continue
		}
		msg.retryCount++
		again = append(again, msg)
	}
	g.requeue(again)
}

func (g *group) park(ctx context.Context, msg *message, reason string) {
	if err := g.store.park(ctx, g.stream, g.name, msg.event); err != nil {
		if g.connectionLost(ctx, err) {
			return
		}
		if g.logger != nil {
			g.logger.Error(ctx, "failed to park event", "stream", g.stream, "group", g.name, "event_number", msg.event.EventNumber, "error", err)
		}
		g.requeue([]*message{msg})
		return
	}
	g.markHandled(msg)
	g.metrics.recordParked(g.stream, g.name)

	if g.logger != nil {
		g.logger.Info(ctx, "event parked", "stream", g.stream, "group", g.name, "event_number", msg.event.EventNumber, "reason", reason)
	}
}

// release removes msg from the in-flight set.
func (g *group) release(msg *message) {
	delete(g.inFlight, msg.event.EventID)
	if msg.owner != nil {
		msg.owner.inFlight--
		msg.owner = nil
	}
}

// requeue puts msgs at the front of the queue in event-number order.
func (g *group) requeue(msgs []*message) {
	if len(msgs) == 0 {
		return
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].event.EventNumber < msgs[j].event.EventNumber
	})
	queue := make([]*message, 0, len(msgs)+len(g.queue))
	queue = append(queue, msgs...)
	g.queue = append(queue, g.queue...)
}

// markHandled records msg as finished and advances the checkpoint over the
// contiguous handled prefix.
func (g *group) markHandled(msg *message) {
	if msg.replay {
		return
	}
	n := msg.event.EventNumber
	if n <= g.checkpoint {
		return
	}
	g.handled[n] = struct{}{}
	for {
		next := g.checkpoint + 1
		if _, ok := g.handled[next]; !ok {
			return
		}
		delete(g.handled, next)
		g.checkpoint = next
	}
}

// checkpointIfDue persists the checkpoint when MaxCheckPointCount events are
// pending, or CheckPointAfter has elapsed and either MinCheckPointCount is
// reached or the call comes from the idle ticker.
func (g *group) checkpointIfDue(ctx context.Context, idle bool) {
	pending := g.checkpoint - g.persisted
	if pending <= 0 {
		return
	}
	elapsed := time.Since(g.lastPersist) >= g.settings.CheckPointAfter

	switch {
	case pending >= int64(g.settings.MaxCheckPointCount):
	case elapsed && (idle || pending >= int64(g.settings.MinCheckPointCount)):
	default:
		return
	}
	g.persist(ctx)
}

func (g *group) persist(ctx context.Context) {
	if g.checkpoint == g.persisted {
		return
	}
	if err := g.store.saveCheckpoint(ctx, g.stream, g.name, g.checkpoint); err != nil {
		if g.connectionLost(ctx, err) {
			return
		}
		if g.logger != nil {
			if errors.Is(err, store.ErrTransactionInProgress) {
				g.logger.Debug(ctx, "checkpoint deferred by open transaction", "stream", g.stream, "group", g.name)
				return
			}
			g.logger.Error(ctx, "failed to save checkpoint", "stream", g.stream, "group", g.name, "checkpoint", g.checkpoint, "error", err)
		}
		return
	}
	g.persisted = g.checkpoint
	g.lastPersist = time.Now()

	if g.logger != nil {
		g.logger.Debug(ctx, "checkpoint saved", "stream", g.stream, "group", g.name, "checkpoint", g.checkpoint)
	}
}

// replay loads the parked events and queues them ahead of live events.
func (g *group) replay(ctx context.Context) (int, error) {
	parked, err := g.store.parked(ctx, g.stream, g.name)
	if err != nil {
		return 0, err
	}

	msgs := make([]*message, 0, len(parked))
	for _, p := range parked {
		result, err := g.backend.ReadCommittedEvent(ctx, g.stream, p.eventNumber, g.creds)
		if err != nil {
			return 0, err
		}
		if result.Status != store.EventReadSuccess {
			if g.logger != nil {
				g.logger.Info(ctx, "parked event no longer readable", "stream", g.stream, "group", g.name,
					"event_number", p.eventNumber, "status", result.Status.String())
			}
			continue
		}
		msgs = append(msgs, &message{event: *result.Event, replay: true})
	}

	if err := g.store.clearParked(ctx, g.stream, g.name); err != nil {
		return 0, err
	}
	g.requeue(msgs)

	if g.logger != nil {
		g.logger.Info(ctx, "parked events replayed", "stream", g.stream, "group", g.name, "count", len(msgs))
	}
	return len(msgs), nil
}

func (g *group) update(settings Settings) {
	if settings.NamedConsumerStrategy != g.settings.NamedConsumerStrategy {
		g.picker = newPicker(settings.NamedConsumerStrategy)
	}
	g.settings = settings
}

func (g *group) info(ctx context.Context) (Info, error) {
	parked, err := g.store.countParked(ctx, g.stream, g.name)
	if err != nil {
		return Info{}, err
	}
	status := StatusIdle
	if len(g.subs) > 0 {
		status = StatusLive
	}
	return Info{
		Stream:             g.stream,
		Group:              g.name,
		Status:             status,
		Settings:           g.settings,
		ConnectionCount:    len(g.subs),
		Checkpoint:         g.checkpoint,
		ParkedMessageCount: parked,
		InFlightCount:      len(g.inFlight),
		BufferedCount:      len(g.queue),
	}, nil
}

// shutdown drops every subscriber and stops the group. The checkpoint is
// flushed unless the group was deleted or its connection is gone.
func (g *group) shutdown(ctx context.Context, reason DropReason) {
	g.exit = true
	for len(g.subs) > 0 {
		g.drop(g.subs[0], reason)
	}

	switch reason {
	case DropReasonDeleted:
		g.stopErr = ErrSubscriptionNotFound
	case DropReasonConnectionClosed:
		g.stopErr = store.ErrClosed
	default:
		g.stopErr = ErrManagerClosed
		g.persist(context.WithoutCancel(ctx))
	}
}

// connectionLost stops the group when err shows the store was closed.
func (g *group) connectionLost(ctx context.Context, err error) bool {
	if !errors.Is(err, store.ErrClosed) {
		return false
	}
	if !g.exit {
		if g.logger != nil {
			g.logger.Error(ctx, "subscription connection closed", "stream", g.stream, "group", g.name)
		}
		g.shutdown(ctx, DropReasonConnectionClosed)
	}
	return true
}
