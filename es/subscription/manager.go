// Package subscription implements persistent subscriptions: named consumer
// groups over a stream whose progress is checkpointed in the store, with
// at-least-once delivery, acknowledgements, retries and a parked set for
// events that keep failing.
//
// Each active group runs one delivery goroutine. Subscribers receive events
// on a channel and answer with Ack or Nak; both, like every other operation
// on a group, reach the delivery goroutine through its control channel.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// Backend is the event store a Manager reads from. It is satisfied by
// *engine.Engine.
//
// Subscriptions only ever see committed events. While the store has an open
// transaction, the reads and WithDBTX fail with store.ErrTransactionInProgress
// and delivery pauses until it ends. Once the store is closed they fail with
// store.ErrClosed and every group drops its subscribers with
// DropReasonConnectionClosed.
type Backend interface {
	ReadCommittedEvent(ctx context.Context, stream string, eventNumber int64, creds *es.UserCredentials) (store.EventReadResult, error)
	ReadCommittedStreamEventsForward(ctx context.Context, stream string, start int64, count int, creds *es.UserCredentials) (store.StreamEventsSlice, error)

	// WithDBTX runs fn on the store's connection, outside any transaction.
	WithDBTX(ctx context.Context, fn func(db es.DBTX) error) error

	Dialect() store.Dialect
	Tables() store.Tables
}

// Config contains configuration for the manager.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger

	// Registerer receives the subscription metrics. If nil, metrics are disabled.
	Registerer prometheus.Registerer

	// Credentials are used by delivery tasks to read streams.
	Credentials *es.UserCredentials

	// PollInterval paces reads once a group has caught up with its stream.
	PollInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 100 * time.Millisecond,
	}
}

// Option is a functional option for configuring a Manager.
type Option func(*Config)

// WithLogger sets a logger for the manager.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRegisterer registers the subscription metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = reg
	}
}

// WithCredentials sets the credentials delivery tasks read with.
func WithCredentials(creds *es.UserCredentials) Option {
	return func(c *Config) {
		c.Credentials = creds
	}
}

// WithPollInterval sets how often a caught-up group polls for new events.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// ConnectOptions configures one subscriber connection.
type ConnectOptions struct {
	// Credentials are checked for read access to the stream.
	Credentials *es.UserCredentials

	// BufferSize is the number of events the subscriber may hold unanswered.
	// Defaults to DefaultConnectBufferSize.
	BufferSize int
}

// DefaultConnectBufferSize is the subscriber buffer used when none is given.
const DefaultConnectBufferSize = 10

type groupKey struct {
	stream string
	group  string
}

// Manager owns the persistent subscription groups of one store.
type Manager struct {
	backend Backend
	store   *groupStore
	metrics *metrics
	ctx     context.Context
	cancel  context.CancelFunc
	groups  map[groupKey]*group
	config  Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewManager creates a manager over backend.
func NewManager(backend Backend, opts ...Option) (*Manager, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	m, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		backend: backend,
		store:   newGroupStore(backend),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		groups:  make(map[groupKey]*group),
		config:  config,
	}, nil
}

// Create creates a group on stream.
// Returns ErrSubscriptionExists if the group is already defined.
func (m *Manager) Create(ctx context.Context, stream, groupName string, settings Settings) error {
	if err := validateNames(stream, groupName); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrManagerClosed
	}

	checkpoint := settings.StartFrom - 1
	if settings.StartFrom == StartFromCurrent {
		result, err := m.backend.ReadCommittedEvent(ctx, stream, -1, m.config.Credentials)
		if err != nil {
			return err
		}
		checkpoint = -1
		if result.Status == store.EventReadSuccess {
			checkpoint = result.Event.EventNumber
		}
	}

	err := m.store.create(ctx, groupRow{stream: stream, group: groupName, settings: settings, checkpoint: checkpoint})
	if err != nil {
		return err
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "subscription group created", "stream", stream, "group", groupName, "checkpoint", checkpoint)
	}
	return nil
}

// Update replaces the settings of a group, keeping its checkpoint.
// An active group applies them immediately.
func (m *Manager) Update(ctx context.Context, stream, groupName string, settings Settings) error {
	if err := validateNames(stream, groupName); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := m.store.updateSettings(ctx, stream, groupName, settings); err != nil {
		return err
	}

	if g := m.live(stream, groupName); g != nil {
		if err := g.do(ctx, func(g *group) { g.update(settings) }); err != nil {
			return err
		}
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "subscription group updated", "stream", stream, "group", groupName)
	}
	return nil
}

// Delete removes a group and its parked events. Connected subscribers are
// dropped with DropReasonDeleted.
func (m *Manager) Delete(ctx context.Context, stream, groupName string) error {
	if err := validateNames(stream, groupName); err != nil {
		return err
	}
	if err := m.store.delete(ctx, stream, groupName); err != nil {
		return err
	}

	key := groupKey{stream, groupName}
	m.mu.Lock()
	g := m.groups[key]
	delete(m.groups, key)
	m.mu.Unlock()

	if g != nil {
		_ = g.do(ctx, func(g *group) { g.shutdown(ctx, DropReasonDeleted) })
		select {
		case <-g.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "subscription group deleted", "stream", stream, "group", groupName)
	}
	return nil
}

// Connect joins the group as a new subscriber.
// Returns ErrMaxSubscribersReached when the group is full.
func (m *Manager) Connect(ctx context.Context, stream, groupName string, opts ConnectOptions) (*Subscription, error) {
	if err := validateNames(stream, groupName); err != nil {
		return nil, err
	}
	if opts.BufferSize < 0 {
		return nil, store.InvalidArgument("buffer size cannot be negative")
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultConnectBufferSize
	}

	if _, err := m.backend.ReadCommittedEvent(ctx, stream, -1, opts.Credentials); err != nil {
		return nil, err
	}

	g, err := m.activate(ctx, stream, groupName)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		stream: stream,
		group:  groupName,
		g:      g,
		done:   make(chan struct{}),
	}
	s.sub = &subscriber{
		id:         uuid.New(),
		handle:     s,
		deliveries: make(chan *Delivery, opts.BufferSize),
		capacity:   opts.BufferSize,
	}

	var connErr error
	if err := g.do(ctx, func(g *group) { connErr = g.connect(s.sub) }); err != nil {
		return nil, err
	}
	if connErr != nil {
		return nil, connErr
	}
	return s, nil
}

// ReplayParked requeues every parked event of the group for delivery in
// event-number order and clears the parked set.
func (m *Manager) ReplayParked(ctx context.Context, stream, groupName string) error {
	if err := validateNames(stream, groupName); err != nil {
		return err
	}
	g, err := m.activate(ctx, stream, groupName)
	if err != nil {
		return err
	}

	var replayErr error
	if err := g.do(ctx, func(g *group) { _, replayErr = g.replay(ctx) }); err != nil {
		return err
	}
	return replayErr
}

// Info describes one group.
func (m *Manager) Info(ctx context.Context, stream, groupName string) (Info, error) {
	if err := validateNames(stream, groupName); err != nil {
		return Info{}, err
	}
	row, err := m.store.load(ctx, stream, groupName)
	if err != nil {
		return Info{}, err
	}
	return m.info(ctx, row)
}

// ListAll describes every group.
func (m *Manager) ListAll(ctx context.Context) ([]Info, error) {
	return m.list(ctx, "")
}

// ListForStream describes the groups of one stream.
func (m *Manager) ListForStream(ctx context.Context, stream string) ([]Info, error) {
	if stream == "" {
		return nil, store.InvalidArgument("stream cannot be empty")
	}
	return m.list(ctx, stream)
}

func (m *Manager) list(ctx context.Context, stream string) ([]Info, error) {
	rows, err := m.store.list(ctx, stream)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(rows))
	for _, row := range rows {
		info, err := m.info(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *Manager) info(ctx context.Context, row groupRow) (Info, error) {
	if g := m.live(row.stream, row.group); g != nil {
		var (
			info    Info
			infoErr error
		)
		err := g.do(ctx, func(g *group) { info, infoErr = g.info(ctx) })
		if err == nil {
			return info, infoErr
		}
	}

	parked, err := m.store.countParked(ctx, row.stream, row.group)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Stream:             row.stream,
		Group:              row.group,
		Status:             StatusIdle,
		Settings:           row.settings,
		Checkpoint:         row.checkpoint,
		ParkedMessageCount: parked,
	}, nil
}

// Close stops every delivery task, dropping subscribers with
// DropReasonShutdown and flushing checkpoints.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if m.config.Logger != nil {
		m.config.Logger.Info(context.Background(), "subscription manager closed")
	}
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) live(stream, groupName string) *group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[groupKey{stream, groupName}]
}

// activate returns the running group, starting its delivery task if needed.
// A task that stops on its own removes itself, so the next call starts afresh.
func (m *Manager) activate(ctx context.Context, stream, groupName string) (*group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	key := groupKey{stream, groupName}
	if g, ok := m.groups[key]; ok {
		return g, nil
	}

	row, err := m.store.load(ctx, stream, groupName)
	if err != nil {
		return nil, err
	}

	g := newGroup(m, row)
	m.groups[key] = g
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		g.run(m.ctx)

		m.mu.Lock()
		if m.groups[key] == g {
			delete(m.groups, key)
		}
		m.mu.Unlock()
	}()
	return g, nil
}

func validateNames(stream, groupName string) error {
	if stream == "" {
		return store.InvalidArgument("stream cannot be empty")
	}
	if groupName == "" {
		return store.InvalidArgument("group cannot be empty")
	}
	if len(groupName) > 255 {
		return fmt.Errorf("%w: group name longer than 255 bytes", store.ErrInvalidArgument)
	}
	return nil
}
