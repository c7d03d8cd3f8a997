package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

// AppendToStream appends events to a stream after checking write access and
// the expected version. Events are numbered consecutively from the stream's
// current version + 1.
//
// Returns *store.WrongExpectedVersionError when the stream is not in the
// expected state, including when a concurrent writer claimed the same event
// numbers first.
func (e *Engine) AppendToStream(ctx context.Context, stream string, expected es.ExpectedVersion, events []es.EventData, creds *es.UserCredentials) (store.WriteResult, error) {
	if stream == "" {
		return store.WriteResult{}, store.InvalidArgument("stream cannot be empty")
	}
	if err := validateEvents(events); err != nil {
		return store.WriteResult{}, err
	}

	c, err := e.callerFor(ctx, creds)
	if err != nil {
		return store.WriteResult{}, err
	}

	if err := e.begin(); err != nil {
		return store.WriteResult{}, err
	}
	defer e.mu.Unlock()

	if e.locks.isLocked(stream) {
		return store.WriteResult{}, fmt.Errorf("%w: stream %q", store.ErrLockAlreadyHeld, stream)
	}

	var result store.WriteResult
	err = e.inTx(ctx, func(db es.DBTX) error {
		var err error
		result, err = e.appendEvents(ctx, db, stream, expected, events, c)
		return err
	})
	if err != nil {
		if e.config.Logger != nil {
			e.config.Logger.Error(ctx, "append failed", "stream", stream, "error", err)
		}
		return store.WriteResult{}, err
	}

	e.invalidateSettings(stream)
	return result, nil
}

// appendEvents resolves, validates and inserts. Callers must hold e.mu and
// run it inside a storage transaction.
func (e *Engine) appendEvents(ctx context.Context, db es.DBTX, stream string, expected es.ExpectedVersion, events []es.EventData, c caller) (store.WriteResult, error) {
	info, err := e.resolve(ctx, db, stream, acl.OpWrite, c)
	if err != nil {
		return store.WriteResult{}, err
	}

	current := int64(-1)
	if info.exists {
		current, err = e.lastEventNumber(ctx, db, info.id)
		if err != nil {
			return store.WriteResult{}, err
		}
	}

	if !expected.Matches(info.exists, current) {
		return store.WriteResult{}, &store.WrongExpectedVersionError{
			Stream:   stream,
			Expected: expected,
			Actual:   current,
		}
	}

	if !info.exists {
		if err := e.createStream(ctx, db, &info); err != nil {
			return store.WriteResult{}, err
		}
	}

	return e.insertEvents(ctx, db, stream, info.id, current, expected, events)
}

// validateEvents checks a whole batch before any of it is written.
func validateEvents(events []es.EventData) error {
	if len(events) == 0 {
		return store.ErrNoEvents
	}
	for i := range events {
		if events[i].EventType == "" {
			return store.InvalidArgument("event %d: event type cannot be empty", i)
		}
	}
	return nil
}

// insertEvents writes events numbered from current+1. Events must have
// passed validateEvents.
func (e *Engine) insertEvents(ctx context.Context, db es.DBTX, stream string, streamID, current int64, expected es.ExpectedVersion, events []es.EventData) (store.WriteResult, error) {
	created := e.dialect.TimeValue(now())
	result := store.WriteResult{NextExpectedVersion: current, LogPosition: -1}

	for i := range events {
		event := &events[i]
		eventID := event.EventID
		if eventID == uuid.Nil {
			eventID = uuid.New()
		}
		data := event.Data
		if data == nil {
			data = []byte{}
		}

		number := current + 1 + int64(i)
		position, err := e.dialect.InsertReturningID(ctx, db, e.q.insertEvent, "global_position",
			streamID,
			number,
			eventID.String(),
			event.EventType,
			event.IsJSON,
			data,
			event.Metadata,
			created,
		)
		if err != nil {
			if e.dialect.IsUniqueViolation(err) {
				if e.config.Logger != nil {
					e.config.Logger.Error(ctx, "optimistic concurrency conflict",
						"stream", stream,
						"event_number", number)
				}
				return store.WriteResult{}, &store.WrongExpectedVersionError{
					Stream:   stream,
					Expected: expected,
					Actual:   current,
				}
			}
			return store.WriteResult{}, fmt.Errorf("failed to insert event %d: %w", i, err)
		}

		result.NextExpectedVersion = number
		result.LogPosition = position
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "events appended",
			"stream", stream,
			"event_count", len(events),
			"version_range", fmt.Sprintf("%d-%d", current+1, result.NextExpectedVersion),
			"position", result.LogPosition)
	}
	return result, nil
}

// now returns the commit timestamp with the precision every backend keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
