// Package engine implements the event store over a single relational
// database connection: stream catalog and ACL checks, optimistic-concurrency
// appends, reads, explicit transactions, stream metadata and system settings.
//
// An Engine owns one dedicated connection. Operations are serialized on it,
// and the explicit transaction (at most one at a time) runs on the same
// connection. While it is open, writes outside it fail with
// store.ErrTransactionInProgress; reads see its uncommitted events, except
// the committed-only reads used by persistent subscriptions, which fail
// with the same error instead.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = store.ErrClosed

// Config contains configuration for the engine.
// Configuration is immutable after construction.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// RoleResolver maps credentials to roles. Defaults to an empty static resolver.
	RoleResolver es.RoleResolver

	// DefaultCredentials are used when an operation is called without credentials.
	DefaultCredentials *es.UserCredentials

	// Tables names the storage tables
	Tables store.Tables

	// SettingsCacheTTL is how long system settings are cached between reads.
	SettingsCacheTTL time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Tables:           store.DefaultTables(),
		SettingsCacheTTL: time.Minute,
		Logger:           nil, // No logging by default
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*Config)

// WithLogger sets a logger for the engine.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTables sets custom table names.
func WithTables(tables store.Tables) Option {
	return func(c *Config) {
		c.Tables = tables
	}
}

// WithRoleResolver sets the resolver used to look up caller roles.
func WithRoleResolver(resolver es.RoleResolver) Option {
	return func(c *Config) {
		c.RoleResolver = resolver
	}
}

// WithDefaultCredentials sets the credentials used when a call passes nil.
func WithDefaultCredentials(creds *es.UserCredentials) Option {
	return func(c *Config) {
		c.DefaultCredentials = creds
	}
}

// WithSettingsCacheTTL sets how long system settings are cached.
func WithSettingsCacheTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.SettingsCacheTTL = ttl
	}
}

// NewConfig creates a new engine configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.RoleResolver == nil {
		config.RoleResolver = es.NewStaticRoleResolver(nil)
	}
	return config
}

// Engine is the event store. It is safe for concurrent use; operations are
// serialized on its connection.
type Engine struct {
	conn     *sql.Conn
	tx       *sql.Tx
	dialect  store.Dialect
	locks    *lockRegistry
	settings *cache.Cache
	q        queries
	config   Config
	mu       sync.Mutex
	closed   bool
}

// New creates an engine on a dedicated connection taken from db.
// The connection is returned to the pool by Close.
func New(ctx context.Context, db *sql.DB, dialect store.Dialect, opts ...Option) (*Engine, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	config := NewConfig(opts...)
	e := &Engine{
		conn:     conn,
		dialect:  dialect,
		locks:    newLockRegistry(),
		settings: cache.New(config.SettingsCacheTTL, 2*config.SettingsCacheTTL),
		q:        buildQueries(config.Tables, dialect),
		config:   config,
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "event store engine started", "dialect", dialect.Name())
	}
	return e, nil
}

// Dialect returns the storage dialect.
func (e *Engine) Dialect() store.Dialect {
	return e.dialect
}

// Tables returns the configured table names.
func (e *Engine) Tables() store.Tables {
	return e.config.Tables
}

// WithDBTX runs fn on the engine's connection. Collaborators sharing the
// connection use it for their own tables. It never joins the engine
// transaction: while one is open it returns store.ErrTransactionInProgress.
func (e *Engine) WithDBTX(ctx context.Context, fn func(db es.DBTX) error) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.tx != nil {
		return store.ErrTransactionInProgress
	}
	return fn(e.conn)
}

// Close rolls back an open transaction, releases stream locks and returns
// the connection to the pool. Outstanding transactions become invalid.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.tx != nil {
		if err := e.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("failed to roll back transaction: %w", err))
		}
		e.tx = nil
	}
	for _, lock := range e.locks.drain() {
		if err := e.dialect.ReleaseStreamLock(ctx, e.conn, lock.stream); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "event store engine closed")
	}
	return errors.Join(errs...)
}

// dbtx returns the open transaction, or the connection when there is none.
// Callers must hold e.mu.
func (e *Engine) dbtx() es.DBTX {
	if e.tx != nil {
		return e.tx
	}
	return e.conn
}

// readTX returns the handle a read runs on. Committed reads refuse to run
// while the engine transaction is open, since the connection would show its
// uncommitted events. Callers must hold e.mu.
func (e *Engine) readTX(committed bool) (es.DBTX, error) {
	if committed && e.tx != nil {
		return nil, store.ErrTransactionInProgress
	}
	return e.dbtx(), nil
}

// inTx runs fn in its own storage transaction. It fails with
// store.ErrTransactionInProgress while the engine transaction is open, so a
// write never rides on a transaction that may still be rolled back.
// Callers must hold e.mu.
func (e *Engine) inTx(ctx context.Context, fn func(db es.DBTX) error) error {
	if e.tx != nil {
		return store.ErrTransactionInProgress
	}

	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// caller is the identity an operation is authorized for.
type caller struct {
	roles   []string
	trusted bool
}

// internal bypasses ACL checks for the engine's own bookkeeping writes.
var internal = caller{trusted: true}

// callerFor resolves the roles of creds, falling back to the default credentials.
func (e *Engine) callerFor(ctx context.Context, creds *es.UserCredentials) (caller, error) {
	if creds == nil {
		creds = e.config.DefaultCredentials
	}
	roles, err := e.config.RoleResolver.Roles(ctx, creds)
	if err != nil {
		return caller{}, fmt.Errorf("failed to resolve roles: %w", err)
	}
	return caller{roles: roles}, nil
}

// begin locks the engine for one operation.
func (e *Engine) begin() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	return nil
}
