package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

// ReadEvent reads a single event. eventNumber -1 reads the last event.
// While a transaction is open on the engine it sees the transaction's events.
func (e *Engine) ReadEvent(ctx context.Context, stream string, eventNumber int64, creds *es.UserCredentials) (store.EventReadResult, error) {
	return e.readEvent(ctx, stream, eventNumber, creds, false)
}

// ReadCommittedEvent is ReadEvent restricted to committed events. It fails
// with store.ErrTransactionInProgress while a transaction is open.
func (e *Engine) ReadCommittedEvent(ctx context.Context, stream string, eventNumber int64, creds *es.UserCredentials) (store.EventReadResult, error) {
	return e.readEvent(ctx, stream, eventNumber, creds, true)
}

func (e *Engine) readEvent(ctx context.Context, stream string, eventNumber int64, creds *es.UserCredentials, committed bool) (store.EventReadResult, error) {
	if stream == "" {
		return store.EventReadResult{}, store.InvalidArgument("stream cannot be empty")
	}
	if eventNumber < -1 {
		return store.EventReadResult{}, store.InvalidArgument("event number %d out of range", eventNumber)
	}

	c, err := e.callerFor(ctx, creds)
	if err != nil {
		return store.EventReadResult{}, err
	}

	if err := e.begin(); err != nil {
		return store.EventReadResult{}, err
	}
	defer e.mu.Unlock()

	db, err := e.readTX(committed)
	if err != nil {
		return store.EventReadResult{}, err
	}
	result := store.EventReadResult{Stream: stream, EventNumber: eventNumber}

	info, err := e.resolve(ctx, db, stream, acl.OpRead, c)
	switch {
	case errors.Is(err, store.ErrStreamDeleted):
		result.Status = store.EventReadStreamDeleted
		return result, nil
	case err != nil:
		return store.EventReadResult{}, err
	case !info.exists:
		result.Status = store.EventReadNoStream
		return result, nil
	}

	var row *sql.Row
	if eventNumber == -1 {
		row = db.QueryRowContext(ctx, e.q.readLast, info.id)
	} else {
		row = db.QueryRowContext(ctx, e.q.readEvent, info.id, eventNumber)
	}

	event, err := e.scanEvent(row, stream)
	if errors.Is(err, sql.ErrNoRows) {
		result.Status = store.EventReadNotFound
		return result, nil
	}
	if err != nil {
		return store.EventReadResult{}, err
	}

	result.Status = store.EventReadSuccess
	result.Event = &event
	result.EventNumber = event.EventNumber
	return result, nil
}

// ReadStreamEventsForward reads up to count events starting at start.
func (e *Engine) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int, creds *es.UserCredentials) (store.StreamEventsSlice, error) {
	if err := validateSlice(stream, start, count); err != nil {
		return store.StreamEventsSlice{}, err
	}
	return e.readSlice(ctx, stream, start, count, store.Forward, creds, false)
}

// ReadCommittedStreamEventsForward is ReadStreamEventsForward restricted to
// committed events. It fails with store.ErrTransactionInProgress while a
// transaction is open.
func (e *Engine) ReadCommittedStreamEventsForward(ctx context.Context, stream string, start int64, count int, creds *es.UserCredentials) (store.StreamEventsSlice, error) {
	if err := validateSlice(stream, start, count); err != nil {
		return store.StreamEventsSlice{}, err
	}
	return e.readSlice(ctx, stream, start, count, store.Forward, creds, true)
}

// ReadStreamEventsBackward reads up to count events from start downwards.
// A start of store.StreamEnd, or any start past the last event, reads from
// the last event.
func (e *Engine) ReadStreamEventsBackward(ctx context.Context, stream string, start int64, count int, creds *es.UserCredentials) (store.StreamEventsSlice, error) {
	if err := validateSlice(stream, start, count); err != nil {
		return store.StreamEventsSlice{}, err
	}
	return e.readSlice(ctx, stream, start, count, store.Backward, creds, false)
}

func validateSlice(stream string, start int64, count int) error {
	if stream == "" {
		return store.InvalidArgument("stream cannot be empty")
	}
	if start < 0 {
		return store.InvalidArgument("start %d out of range", start)
	}
	if count < 0 {
		return store.InvalidArgument("count %d out of range", count)
	}
	if count > store.MaxReadSize {
		return store.InvalidArgument("count %d exceeds max read size %d", count, store.MaxReadSize)
	}
	return nil
}

func (e *Engine) readSlice(ctx context.Context, stream string, start int64, count int, direction store.ReadDirection, creds *es.UserCredentials, committed bool) (store.StreamEventsSlice, error) {
	c, err := e.callerFor(ctx, creds)
	if err != nil {
		return store.StreamEventsSlice{}, err
	}

	if err := e.begin(); err != nil {
		return store.StreamEventsSlice{}, err
	}
	defer e.mu.Unlock()

	db, err := e.readTX(committed)
	if err != nil {
		return store.StreamEventsSlice{}, err
	}
	slice := store.StreamEventsSlice{
		Stream:          stream,
		FromEventNumber: start,
		NextEventNumber: start,
		LastEventNumber: -1,
		Direction:       direction,
		IsEndOfStream:   true,
		Events:          []es.RecordedEvent{},
	}

	info, err := e.resolve(ctx, db, stream, acl.OpRead, c)
	switch {
	case errors.Is(err, store.ErrStreamDeleted):
		slice.Status = store.SliceReadStreamDeleted
		return slice, nil
	case err != nil:
		return store.StreamEventsSlice{}, err
	case !info.exists:
		slice.Status = store.SliceReadStreamNotFound
		return slice, nil
	}

	last, err := e.lastEventNumber(ctx, db, info.id)
	if err != nil {
		return store.StreamEventsSlice{}, err
	}
	slice.LastEventNumber = last

	query := e.q.readForward
	if direction == store.Backward {
		query = e.q.readBackward
		if start > last {
			start = last
		}
	}

	if count > 0 && start >= 0 {
		slice.Events, err = e.queryEvents(ctx, db, stream, query, info.id, start, count)
		if err != nil {
			return store.StreamEventsSlice{}, err
		}
	}

	if direction == store.Forward {
		// start may be near math.MaxInt64, so compare before adding
		next := last + 1
		if remaining := last + 1 - start; remaining > int64(count) {
			next = start + int64(count)
		}
		slice.NextEventNumber = next
		slice.IsEndOfStream = next > last
	} else {
		next := start
		if n := len(slice.Events); n > 0 {
			next = slice.Events[n-1].EventNumber - 1
		}
		slice.NextEventNumber = next
		slice.IsEndOfStream = next < 0
	}

	slice.Status = store.SliceReadSuccess
	return slice, nil
}

func (e *Engine) queryEvents(ctx context.Context, db es.DBTX, stream, query string, streamID, start int64, count int) ([]es.RecordedEvent, error) {
	rows, err := db.QueryContext(ctx, query, streamID, start, count)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()

	events := make([]es.RecordedEvent, 0, min(count, 64))
	for rows.Next() {
		event, err := e.scanEvent(rows, stream)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// readLastByName reads the last event of a stream without access checks.
func (e *Engine) readLastByName(ctx context.Context, db es.DBTX, stream string) (es.RecordedEvent, bool, error) {
	event, err := e.scanEvent(db.QueryRowContext(ctx, e.q.readLastByName, stream), stream)
	if errors.Is(err, sql.ErrNoRows) {
		return es.RecordedEvent{}, false, nil
	}
	if err != nil {
		return es.RecordedEvent{}, false, err
	}
	return event, true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (e *Engine) scanEvent(row scanner, stream string) (es.RecordedEvent, error) {
	var (
		event     es.RecordedEvent
		eventID   string
		createdAt interface{}
	)
	err := row.Scan(
		&event.Position,
		&event.EventNumber,
		&eventID,
		&event.EventType,
		&event.IsJSON,
		&event.Data,
		&event.Metadata,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.RecordedEvent{}, err
		}
		return es.RecordedEvent{}, fmt.Errorf("failed to scan event: %w", err)
	}

	event.EventID, err = uuid.Parse(eventID)
	if err != nil {
		return es.RecordedEvent{}, fmt.Errorf("failed to parse event ID: %w", err)
	}
	event.Created, err = e.dialect.ParseTime(createdAt)
	if err != nil {
		return es.RecordedEvent{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	event.Stream = stream
	return event, nil
}
