package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/sqlite"
	"github.com/getpup/pupstore/es/engine"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
)

const receiveTimeout = 5 * time.Second

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "subscriptions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	config := migrations.DefaultConfig()
	stmts, err := migrations.Statements(migrations.AdapterSQLite, &config)
	require.NoError(t, err)
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	users := map[string][]string{"admin": {"$admins"}, "guest": {}}
	e, err := engine.New(context.Background(), db, sqlite.NewDialect(),
		engine.WithRoleResolver(es.NewStaticRoleResolver(users)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func newTestManager(t *testing.T, e *engine.Engine, opts ...Option) *Manager {
	t.Helper()

	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	m, err := NewManager(e, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testSettings reads from the start and checkpoints on every handled event.
func testSettings() Settings {
	s := DefaultSettings()
	s.StartFrom = 0
	s.CheckPointAfter = 0
	s.MinCheckPointCount = 1
	return s
}

func appendEvents(t *testing.T, e *engine.Engine, stream string, n int) []es.EventData {
	t.Helper()
	events := make([]es.EventData, n)
	for i := range events {
		events[i] = es.NewEventData("OrderPlaced", true, []byte(fmt.Sprintf(`{"n":%d}`, i)), nil)
	}
	_, err := e.AppendToStream(context.Background(), stream, es.Any(), events, nil)
	require.NoError(t, err)
	return events
}

func receive(t *testing.T, sub *Subscription) *Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Events():
		require.True(t, ok, "subscription dropped")
		return d
	case <-time.After(receiveTimeout):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func connect(t *testing.T, m *Manager, stream, group string, bufferSize int) *Subscription {
	t.Helper()
	sub, err := m.Connect(context.Background(), stream, group, ConnectOptions{BufferSize: bufferSize})
	require.NoError(t, err)
	return sub
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 3)

	require.NoError(t, m.Create(ctx, "orders", "current", DefaultSettings()))
	require.NoError(t, m.Create(ctx, "orders", "from-start", testSettings()))
	require.NoError(t, m.Create(ctx, "invoices", "billing", DefaultSettings()))

	err := m.Create(ctx, "orders", "current", DefaultSettings())
	require.ErrorIs(t, err, ErrSubscriptionExists)

	info, err := m.Info(ctx, "orders", "current")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Checkpoint)
	assert.Equal(t, StatusIdle, info.Status)
	assert.Equal(t, RoundRobin, info.Settings.NamedConsumerStrategy)

	info, err = m.Info(ctx, "orders", "from-start")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), info.Checkpoint)

	info, err = m.Info(ctx, "invoices", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), info.Checkpoint, "absent stream starts before the first event")

	all, err := m.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "invoices", all[0].Stream)

	forOrders, err := m.ListForStream(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, forOrders, 2)
	assert.Equal(t, "current", forOrders[0].Group)
	assert.Equal(t, "from-start", forOrders[1].Group)
}

func TestCreate_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestEngine(t))

	bad := DefaultSettings()
	bad.ReadBatchSize = 0

	tests := []struct {
		name     string
		stream   string
		group    string
		settings Settings
	}{
		{name: "empty stream", group: "g", settings: DefaultSettings()},
		{name: "empty group", stream: "orders", settings: DefaultSettings()},
		{name: "invalid settings", stream: "orders", group: "g", settings: bad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Create(ctx, tt.stream, tt.group, tt.settings)
			require.ErrorIs(t, err, store.ErrInvalidArgument)
		})
	}
}

func TestUnknownGroup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestEngine(t))

	_, err := m.Connect(ctx, "orders", "missing", ConnectOptions{})
	require.ErrorIs(t, err, ErrSubscriptionNotFound)

	_, err = m.Info(ctx, "orders", "missing")
	require.ErrorIs(t, err, ErrSubscriptionNotFound)

	require.ErrorIs(t, m.Update(ctx, "orders", "missing", DefaultSettings()), ErrSubscriptionNotFound)
	require.ErrorIs(t, m.Delete(ctx, "orders", "missing"), ErrSubscriptionNotFound)
	require.ErrorIs(t, m.ReplayParked(ctx, "orders", "missing"), ErrSubscriptionNotFound)
}

func TestDeliverAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	written := appendEvents(t, e, "orders", 5)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	for i := 0; i < 5; i++ {
		d := receive(t, sub)
		assert.Equal(t, int64(i), d.Event.EventNumber)
		assert.Equal(t, written[i].EventID, d.Event.EventID)
		assert.Equal(t, 0, d.RetryCount)
		require.NoError(t, sub.Ack(ctx, d.Event.EventID))
	}

	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, StatusLive, info.Status)
	assert.Equal(t, 1, info.ConnectionCount)
	assert.Equal(t, int64(4), info.Checkpoint)
	assert.Equal(t, 0, info.InFlightCount)

	require.NoError(t, m.Close())
	<-sub.Done()
	assert.Equal(t, DropReasonShutdown, sub.Reason())
	require.ErrorIs(t, sub.Err(), ErrSubscriptionDropped)

	// a fresh manager resumes from the stored checkpoint
	m2 := newTestManager(t, e)
	info, err = m2.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Checkpoint)
}

func TestDeliver_LiveEvents(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 2)

	require.NoError(t, m.Create(ctx, "orders", "billing", DefaultSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	appendEvents(t, e, "orders", 1)
	d := receive(t, sub)
	assert.Equal(t, int64(2), d.Event.EventNumber, "starts after the events present at creation")
}

func TestCheckpoint_ContiguousPrefix(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 3)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = receive(t, sub).Event.EventID
	}

	require.NoError(t, sub.Ack(ctx, ids[1], ids[2]))
	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), info.Checkpoint, "event 0 is still outstanding")
	assert.Equal(t, 1, info.InFlightCount)

	require.NoError(t, sub.Ack(ctx, ids[0]))
	info, err = m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Checkpoint)
}

func TestNak_RetryThenPark(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 1)

	settings := testSettings()
	settings.MaxRetryCount = 1
	require.NoError(t, m.Create(ctx, "orders", "billing", settings))
	sub := connect(t, m, "orders", "billing", 10)

	d := receive(t, sub)
	require.NoError(t, sub.Nak(ctx, NakRetry, "boom", d.Event.EventID))

	d = receive(t, sub)
	assert.Equal(t, int64(0), d.Event.EventNumber)
	assert.Equal(t, 1, d.RetryCount)
	require.NoError(t, sub.Nak(ctx, NakRetry, "boom", d.Event.EventID))

	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ParkedMessageCount)
	assert.Equal(t, int64(0), info.Checkpoint, "parking counts as handled")
	assert.Equal(t, 0, info.InFlightCount)
}

func TestNak_ParkAndSkip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 2)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	first := receive(t, sub)
	second := receive(t, sub)
	require.NoError(t, sub.Nak(ctx, NakPark, "poison", first.Event.EventID))
	require.NoError(t, sub.Nak(ctx, NakSkip, "", second.Event.EventID))

	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ParkedMessageCount)
	assert.Equal(t, int64(1), info.Checkpoint)

	require.Error(t, sub.Nak(ctx, NakUnknown, "", first.Event.EventID))
}

func TestReplayParked(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 3)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	var parked []uuid.UUID
	for i := 0; i < 3; i++ {
		d := receive(t, sub)
		if d.Event.EventNumber == 1 {
			require.NoError(t, sub.Ack(ctx, d.Event.EventID))
			continue
		}
		parked = append(parked, d.Event.EventID)
	}
	// park in reverse to check replay restores event order
	require.NoError(t, sub.Nak(ctx, NakPark, "later", parked[1]))
	require.NoError(t, sub.Nak(ctx, NakPark, "later", parked[0]))

	require.NoError(t, m.ReplayParked(ctx, "orders", "billing"))

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, int64(0), first.Event.EventNumber)
	assert.Equal(t, int64(2), second.Event.EventNumber)

	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.ParkedMessageCount)
	assert.Equal(t, int64(2), info.Checkpoint)

	require.NoError(t, sub.Ack(ctx, first.Event.EventID, second.Event.EventID))
	info, err = m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Checkpoint, "replayed events do not move the checkpoint")
}

func TestMessageTimeout_Redelivers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 1)

	settings := testSettings()
	settings.MessageTimeout = 50 * time.Millisecond
	require.NoError(t, m.Create(ctx, "orders", "billing", settings))
	sub := connect(t, m, "orders", "billing", 10)

	first := receive(t, sub)
	assert.Equal(t, 0, first.RetryCount)

	again := receive(t, sub)
	assert.Equal(t, first.Event.EventID, again.Event.EventID)
	assert.Equal(t, 1, again.RetryCount)

	require.NoError(t, sub.Ack(ctx, again.Event.EventID))
	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Checkpoint)
}

func TestMaxSubscriberCount(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)

	settings := testSettings()
	settings.MaxSubscriberCount = 1
	require.NoError(t, m.Create(ctx, "orders", "billing", settings))

	first := connect(t, m, "orders", "billing", 10)
	_, err := m.Connect(ctx, "orders", "billing", ConnectOptions{})
	require.ErrorIs(t, err, ErrMaxSubscribersReached)

	first.Close()
	<-first.Done()
	require.NoError(t, first.Err())
	assert.Equal(t, DropReasonUnsubscribed, first.Reason())

	connect(t, m, "orders", "billing", 10)
}

func TestRoundRobin(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	a := connect(t, m, "orders", "billing", 10)
	b := connect(t, m, "orders", "billing", 10)
	appendEvents(t, e, "orders", 4)

	assert.Equal(t, int64(0), receive(t, a).Event.EventNumber)
	assert.Equal(t, int64(1), receive(t, b).Event.EventNumber)
	assert.Equal(t, int64(2), receive(t, a).Event.EventNumber)
	assert.Equal(t, int64(3), receive(t, b).Event.EventNumber)
}

func TestDispatchToSingle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)

	settings := testSettings()
	settings.NamedConsumerStrategy = DispatchToSingle
	require.NoError(t, m.Create(ctx, "orders", "billing", settings))
	a := connect(t, m, "orders", "billing", 2)
	b := connect(t, m, "orders", "billing", 10)
	appendEvents(t, e, "orders", 3)

	assert.Equal(t, int64(0), receive(t, a).Event.EventNumber)
	assert.Equal(t, int64(1), receive(t, a).Event.EventNumber)
	assert.Equal(t, int64(2), receive(t, b).Event.EventNumber, "overflow moves to the next subscriber")
}

func TestNakStop_RequeuesToOthers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)

	settings := testSettings()
	settings.NamedConsumerStrategy = DispatchToSingle
	require.NoError(t, m.Create(ctx, "orders", "billing", settings))
	a := connect(t, m, "orders", "billing", 10)
	b := connect(t, m, "orders", "billing", 10)
	appendEvents(t, e, "orders", 1)

	d := receive(t, a)
	require.NoError(t, a.Nak(ctx, NakStop, "shutting down", d.Event.EventID))

	<-a.Done()
	assert.Equal(t, DropReasonStopped, a.Reason())
	require.ErrorIs(t, a.Ack(ctx, d.Event.EventID), ErrSubscriptionDropped)

	redelivered := receive(t, b)
	assert.Equal(t, d.Event.EventID, redelivered.Event.EventID)
	assert.Equal(t, 0, redelivered.RetryCount)
}

func TestUpdate_KeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 2)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)
	require.NoError(t, sub.Ack(ctx, receive(t, sub).Event.EventID))

	updated := testSettings()
	updated.MaxRetryCount = 3
	updated.NamedConsumerStrategy = Pinned
	require.NoError(t, m.Update(ctx, "orders", "billing", updated))

	info, err := m.Info(ctx, "orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Checkpoint)
	assert.Equal(t, 3, info.Settings.MaxRetryCount)
	assert.Equal(t, Pinned, info.Settings.NamedConsumerStrategy)

	assert.Equal(t, int64(1), receive(t, sub).Event.EventNumber)
}

func TestDelete_DropsSubscribers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	require.NoError(t, m.Delete(ctx, "orders", "billing"))

	select {
	case <-sub.Done():
	case <-time.After(receiveTimeout):
		t.Fatal("subscription not dropped")
	}
	assert.Equal(t, DropReasonDeleted, sub.Reason())
	require.ErrorIs(t, sub.Err(), ErrSubscriptionDropped)

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err := m.Info(ctx, "orders", "billing")
	require.ErrorIs(t, err, ErrSubscriptionNotFound)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()), "name is free again")
}

func TestDeliver_SkipsUncommittedTransaction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 1)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	d := receive(t, sub)
	require.NoError(t, sub.Ack(ctx, d.Event.EventID))
	require.Eventually(t, func() bool {
		info, err := m.Info(ctx, "orders", "billing")
		return err == nil && info.Checkpoint == 0
	}, receiveTimeout, 10*time.Millisecond)

	tx, err := e.StartTransaction(ctx, "orders", es.Exact(0), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Write(ctx, es.NewEventData("OrderDraft", true, []byte(`{}`), nil)))

	select {
	case d := <-sub.Events():
		t.Fatalf("delivered uncommitted event %d %s", d.Event.EventNumber, d.Event.EventType)
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, tx.Rollback(ctx))

	_, err = e.AppendToStream(ctx, "orders", es.Exact(0),
		[]es.EventData{es.NewEventData("OrderShipped", true, []byte(`{}`), nil)}, nil)
	require.NoError(t, err)

	d = receive(t, sub)
	assert.Equal(t, int64(1), d.Event.EventNumber)
	assert.Equal(t, "OrderShipped", d.Event.EventType)
	require.NoError(t, sub.Ack(ctx, d.Event.EventID))

	require.Eventually(t, func() bool {
		info, err := m.Info(ctx, "orders", "billing")
		return err == nil && info.Checkpoint == 1
	}, receiveTimeout, 10*time.Millisecond)
}

func TestEngineClose_DropsSubscribers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	require.NoError(t, e.Close(ctx))

	select {
	case <-sub.Done():
	case <-time.After(receiveTimeout):
		t.Fatal("subscription still live after the engine closed")
	}
	assert.Equal(t, DropReasonConnectionClosed, sub.Reason())
	require.ErrorIs(t, sub.Err(), ErrSubscriptionDropped)

	_, err := m.Connect(ctx, "orders", "billing", ConnectOptions{})
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestConnect_ChecksReadAccess(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	m := newTestManager(t, e)
	appendEvents(t, e, "orders", 1)

	admin, err := es.NewUserCredentials("admin", "secret")
	require.NoError(t, err)
	guest, err := es.NewUserCredentials("guest", "secret")
	require.NoError(t, err)

	_, err = e.SetStreamMetadata(ctx, "orders", es.Any(), []byte(`{"$acl":{"$r":"$admins"}}`), admin)
	require.NoError(t, err)
	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))

	_, err = m.Connect(ctx, "orders", "billing", ConnectOptions{Credentials: guest})
	require.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = m.Connect(ctx, "orders", "billing", ConnectOptions{Credentials: admin})
	require.NoError(t, err)
}

func TestClosedManager(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newTestEngine(t))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.ErrorIs(t, m.Create(ctx, "orders", "billing", DefaultSettings()), ErrManagerClosed)
	_, err := m.Connect(ctx, "orders", "billing", ConnectOptions{})
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	reg := prometheus.NewRegistry()
	m := newTestManager(t, e, WithRegisterer(reg))
	appendEvents(t, e, "orders", 2)

	require.NoError(t, m.Create(ctx, "orders", "billing", testSettings()))
	sub := connect(t, m, "orders", "billing", 10)

	first := receive(t, sub)
	second := receive(t, sub)
	require.NoError(t, sub.Ack(ctx, first.Event.EventID))
	require.NoError(t, sub.Nak(ctx, NakPark, "bad", second.Event.EventID))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.delivered.WithLabelValues("orders", "billing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.acked.WithLabelValues("orders", "billing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.naked.WithLabelValues("orders", "billing", "Park")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.parked.WithLabelValues("orders", "billing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.connected.WithLabelValues("orders", "billing")))

	// a second manager on the same registry shares the collectors
	_, err := NewManager(e, WithRegisterer(reg))
	require.NoError(t, err)
}
