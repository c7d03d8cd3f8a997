package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

// txLock is the registry entry of an open transaction.
type txLock struct {
	overrides acl.StreamACL
	stream    string
	streamID  int64
	// version is the last event number written so far, -1 for an empty stream.
	version  int64
	position int64
	id       uuid.UUID
	exists   bool
	// aborted is set when a failed write could not be undone.
	aborted bool
}

// writeSavepoint brackets each transactional write.
const writeSavepoint = "pupstore_write"

// lockRegistry tracks open transactions by stream and by id.
type lockRegistry struct {
	byStream map[string]*txLock
	byID     map[uuid.UUID]*txLock
	mu       sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{
		byStream: make(map[string]*txLock),
		byID:     make(map[uuid.UUID]*txLock),
	}
}

func (r *lockRegistry) isLocked(stream string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byStream[stream]
	return ok
}

func (r *lockRegistry) register(lock *txLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStream[lock.stream] = lock
	r.byID[lock.id] = lock
}

func (r *lockRegistry) get(id uuid.UUID) (*txLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.byID[id]
	return lock, ok
}

func (r *lockRegistry) remove(lock *txLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byStream, lock.stream)
	delete(r.byID, lock.id)
}

func (r *lockRegistry) drain() []*txLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	locks := make([]*txLock, 0, len(r.byID))
	for _, lock := range r.byID {
		locks = append(locks, lock)
	}
	r.byStream = make(map[string]*txLock)
	r.byID = make(map[uuid.UUID]*txLock)
	return locks
}

// Transaction is an exclusive, multi-write append to one stream.
// It is valid until Commit, Rollback or the engine's Close.
type Transaction struct {
	engine *Engine
	stream string
	id     uuid.UUID
}

// ID returns the transaction id.
func (t *Transaction) ID() uuid.UUID {
	return t.id
}

// Stream returns the stream the transaction writes to.
func (t *Transaction) Stream() string {
	return t.stream
}

// Write appends events within the transaction.
func (t *Transaction) Write(ctx context.Context, events ...es.EventData) error {
	return t.engine.TransactionalWrite(ctx, t.id, events)
}

// Commit commits the transaction and releases the stream lock.
func (t *Transaction) Commit(ctx context.Context) (store.WriteResult, error) {
	return t.engine.CommitTransaction(ctx, t.id)
}

// Rollback discards the transaction and releases the stream lock.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.engine.RollbackTransaction(ctx, t.id)
}

// StartTransaction takes the stream lock, checks write access and the
// expected version, and opens a storage transaction on the engine's
// connection. Until the transaction ends, appends to the stream fail with
// store.ErrLockAlreadyHeld.
func (e *Engine) StartTransaction(ctx context.Context, stream string, expected es.ExpectedVersion, creds *es.UserCredentials) (*Transaction, error) {
	if stream == "" {
		return nil, store.InvalidArgument("stream cannot be empty")
	}

	c, err := e.callerFor(ctx, creds)
	if err != nil {
		return nil, err
	}

	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.locks.isLocked(stream) {
		return nil, fmt.Errorf("%w: stream %q", store.ErrLockAlreadyHeld, stream)
	}
	if e.tx != nil {
		return nil, store.ErrTransactionInProgress
	}

	if err := e.dialect.AcquireStreamLock(ctx, e.conn, stream); err != nil {
		return nil, err
	}

	lock, err := e.prepareLock(ctx, stream, expected, c)
	if err != nil {
		e.releaseStreamLock(ctx, stream)
		return nil, err
	}

	e.locks.register(lock)
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		e.locks.remove(lock)
		e.releaseStreamLock(ctx, stream)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	e.tx = tx

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "transaction started",
			"stream", stream,
			"transaction_id", lock.id,
			"version", lock.version)
	}

	return &Transaction{engine: e, stream: stream, id: lock.id}, nil
}

func (e *Engine) prepareLock(ctx context.Context, stream string, expected es.ExpectedVersion, c caller) (*txLock, error) {
	info, err := e.resolve(ctx, e.conn, stream, acl.OpWrite, c)
	if err != nil {
		return nil, err
	}

	current := int64(-1)
	if info.exists {
		current, err = e.lastEventNumber(ctx, e.conn, info.id)
		if err != nil {
			return nil, err
		}
	}
	if !expected.Matches(info.exists, current) {
		return nil, &store.WrongExpectedVersionError{Stream: stream, Expected: expected, Actual: current}
	}

	return &txLock{
		id:        uuid.New(),
		stream:    stream,
		streamID:  info.id,
		exists:    info.exists,
		overrides: info.overrides,
		version:   current,
		position:  -1,
	}, nil
}

// TransactionalWrite appends events within the transaction id. Event numbers
// continue from the version tracked since StartTransaction. A failed write
// leaves nothing behind, and the transaction stays usable.
func (e *Engine) TransactionalWrite(ctx context.Context, id uuid.UUID, events []es.EventData) error {
	if err := validateEvents(events); err != nil {
		return err
	}

	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	lock, ok := e.locks.get(id)
	if !ok {
		return store.ErrNoSuchTransaction
	}
	if e.tx == nil {
		return store.ErrNotInTransaction
	}
	if lock.aborted {
		return store.ErrTransactionAborted
	}

	expected := es.EmptyStream()
	if lock.version >= 0 {
		expected = es.Exact(lock.version)
	}

	streamID := lock.streamID
	var result store.WriteResult
	err := e.savepoint(ctx, lock, func() error {
		if !lock.exists {
			info := streamInfo{name: lock.stream, overrides: lock.overrides}
			if err := e.createStream(ctx, e.tx, &info); err != nil {
				return err
			}
			streamID = info.id
		}

		var err error
		result, err = e.insertEvents(ctx, e.tx, lock.stream, streamID, lock.version, expected, events)
		return err
	})
	if err != nil {
		return err
	}

	lock.streamID = streamID
	lock.exists = true
	lock.version = result.NextExpectedVersion
	lock.position = result.LogPosition
	return nil
}

// savepoint runs fn inside a savepoint of the engine transaction, undoing
// its writes when it fails. If the undo itself fails the transaction is
// marked aborted and can only be rolled back. Callers must hold e.mu.
func (e *Engine) savepoint(ctx context.Context, lock *txLock, fn func() error) error {
	if _, err := e.tx.ExecContext(ctx, "SAVEPOINT "+writeSavepoint); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		undo := context.WithoutCancel(ctx)
		if _, rbErr := e.tx.ExecContext(undo, "ROLLBACK TO SAVEPOINT "+writeSavepoint); rbErr != nil {
			lock.aborted = true
			if e.config.Logger != nil {
				e.config.Logger.Error(ctx, "transaction aborted", "stream", lock.stream, "transaction_id", lock.id, "error", rbErr)
			}
			return errors.Join(err, fmt.Errorf("%w: %v", store.ErrTransactionAborted, rbErr))
		}
		_, _ = e.tx.ExecContext(undo, "RELEASE SAVEPOINT "+writeSavepoint)
		return err
	}

	if _, err := e.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+writeSavepoint); err != nil {
		lock.aborted = true
		return fmt.Errorf("%w: failed to release savepoint: %v", store.ErrTransactionAborted, err)
	}
	return nil
}

// CommitTransaction commits the transaction id and releases its stream lock.
func (e *Engine) CommitTransaction(ctx context.Context, id uuid.UUID) (store.WriteResult, error) {
	if err := e.begin(); err != nil {
		return store.WriteResult{}, err
	}
	defer e.mu.Unlock()

	lock, ok := e.locks.get(id)
	if !ok {
		return store.WriteResult{}, store.ErrNoSuchTransaction
	}
	if e.tx == nil {
		return store.WriteResult{}, store.ErrNotInTransaction
	}

	if lock.aborted {
		_ = e.tx.Rollback()
		e.tx = nil
		e.locks.remove(lock)
		e.releaseStreamLock(ctx, lock.stream)
		return store.WriteResult{}, store.ErrTransactionAborted
	}

	err := e.tx.Commit()
	e.tx = nil
	e.locks.remove(lock)
	e.releaseStreamLock(ctx, lock.stream)
	if err != nil {
		e.settings.Flush()
		return store.WriteResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.invalidateSettings(lock.stream)
	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "transaction committed",
			"stream", lock.stream,
			"transaction_id", id,
			"version", lock.version)
	}

	return store.WriteResult{NextExpectedVersion: lock.version, LogPosition: lock.position}, nil
}

// RollbackTransaction discards the transaction id and releases its stream lock.
func (e *Engine) RollbackTransaction(ctx context.Context, id uuid.UUID) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	lock, ok := e.locks.get(id)
	if !ok {
		return store.ErrNoSuchTransaction
	}
	if e.tx == nil {
		return store.ErrNotInTransaction
	}

	err := e.tx.Rollback()
	e.tx = nil
	e.locks.remove(lock)
	e.releaseStreamLock(ctx, lock.stream)
	// A transaction on $settings may have been read through the cache.
	e.settings.Flush()

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "transaction rolled back", "stream", lock.stream, "transaction_id", id)
	}
	return nil
}

func (e *Engine) releaseStreamLock(ctx context.Context, stream string) {
	if err := e.dialect.ReleaseStreamLock(ctx, e.conn, stream); err != nil {
		if e.config.Logger != nil {
			e.config.Logger.Error(ctx, "failed to release stream lock", "stream", stream, "error", err)
		}
	}
}
