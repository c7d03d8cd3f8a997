package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

// streamInfo is the catalog view of a stream after resolution.
type streamInfo struct {
	// overrides are the metastream ACL overrides of a stream that has no row
	// yet; they are materialized when the row is created.
	overrides acl.StreamACL

	// policy holds the stream_acl roles of the resolved operation.
	policy []string

	name      string
	id        int64
	lifecycle es.StreamLifecycle
	exists    bool
}

// resolve looks up a stream and authorizes op for the caller.
//
// A stream without a row is authorized against the default policy for its
// class merged with the $acl overrides of its metastream, so the first write
// is guarded. A stream with a row fails with StreamDeletedError when soft or
// hard deleted, then is authorized against its stream_acl rows falling back
// to the defaults.
func (e *Engine) resolve(ctx context.Context, db es.DBTX, stream string, op acl.Operation, c caller) (streamInfo, error) {
	info := streamInfo{name: stream}

	var (
		markDeleted, deleted bool
		roles                sql.NullString
	)
	err := db.QueryRowContext(ctx, e.q.lookupStream, int(op), stream).
		Scan(&info.id, &markDeleted, &deleted, &roles)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return e.resolveAbsent(ctx, db, info, op, c)
	case err != nil:
		return streamInfo{}, fmt.Errorf("failed to look up stream: %w", err)
	}

	info.exists = true
	info.lifecycle = es.LifecycleOf(markDeleted, deleted)
	info.policy = splitRoles(roles.String)
	if info.lifecycle.IsDeleted() {
		return info, &store.StreamDeletedError{Stream: stream}
	}

	if err := e.authorizeRow(ctx, db, info, op, c); err != nil {
		return info, err
	}
	return info, nil
}

// authorizeRow checks op against the stream_acl roles of an existing
// stream, falling back to the defaults for its class.
func (e *Engine) authorizeRow(ctx context.Context, db es.DBTX, info streamInfo, op acl.Operation, c caller) error {
	if c.trusted {
		return nil
	}

	policy := info.policy
	if len(policy) == 0 {
		settings, err := e.loadSettings(ctx, db)
		if err != nil {
			return err
		}
		policy = acl.PolicyFor(info.name, op, settings)
	}
	if !acl.Authorize(c.roles, policy) {
		return e.denied(ctx, info.name, op)
	}
	return nil
}

func (e *Engine) resolveAbsent(ctx context.Context, db es.DBTX, info streamInfo, op acl.Operation, c caller) (streamInfo, error) {
	if !es.IsMetastream(info.name) {
		overrides, err := e.metastreamACL(ctx, db, info.name)
		if err != nil {
			return streamInfo{}, err
		}
		info.overrides = overrides
	}

	if c.trusted {
		return info, nil
	}

	policy := info.overrides.Roles(op)
	if policy == nil {
		settings, err := e.loadSettings(ctx, db)
		if err != nil {
			return streamInfo{}, err
		}
		policy = acl.PolicyFor(info.name, op, settings)
	}
	if !acl.Authorize(c.roles, policy) {
		return info, e.denied(ctx, info.name, op)
	}
	return info, nil
}

func (e *Engine) denied(ctx context.Context, stream string, op acl.Operation) error {
	if e.config.Logger != nil {
		e.config.Logger.Debug(ctx, "access denied", "stream", stream, "operation", op.String())
	}
	return &store.AccessDeniedError{Stream: stream, Operation: op.String()}
}

// metastreamACL returns the $acl overrides from the latest metadata of stream.
func (e *Engine) metastreamACL(ctx context.Context, db es.DBTX, stream string) (acl.StreamACL, error) {
	event, found, err := e.readLastByName(ctx, db, es.MetastreamOf(stream))
	if err != nil || !found {
		return acl.StreamACL{}, err
	}
	overrides, _, err := acl.FromMetadata(event.Data)
	if err != nil {
		return acl.StreamACL{}, fmt.Errorf("stream %q: %w", stream, err)
	}
	return overrides, nil
}

// createStream inserts the stream row and materializes its ACL overrides.
func (e *Engine) createStream(ctx context.Context, db es.DBTX, info *streamInfo) error {
	id, err := e.dialect.InsertReturningID(ctx, db, e.q.insertStream, "stream_id",
		info.name, false, false, e.dialect.TimeValue(now()))
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	info.id = id
	info.exists = true
	info.lifecycle = es.StreamActive

	if err := e.writeACL(ctx, db, id, info.overrides); err != nil {
		return err
	}

	if e.config.Logger != nil {
		e.config.Logger.Debug(ctx, "stream created", "stream", info.name, "stream_id", id)
	}
	return nil
}

// writeACL replaces the stream_acl rows of a stream with overrides.
func (e *Engine) writeACL(ctx context.Context, db es.DBTX, streamID int64, overrides acl.StreamACL) error {
	if _, err := db.ExecContext(ctx, e.q.deleteACL, streamID); err != nil {
		return fmt.Errorf("failed to clear stream acl: %w", err)
	}
	for _, op := range acl.Operations {
		for _, role := range dedupe(overrides.Roles(op)) {
			if _, err := db.ExecContext(ctx, e.q.insertACL, streamID, int(op), role); err != nil {
				return fmt.Errorf("failed to write stream acl: %w", err)
			}
		}
	}
	return nil
}

// lastEventNumber returns the highest event number of a stream, -1 if empty.
func (e *Engine) lastEventNumber(ctx context.Context, db es.DBTX, streamID int64) (int64, error) {
	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, e.q.lastNumber, streamID).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read stream version: %w", err)
	}
	if !last.Valid {
		return -1, nil
	}
	return last.Int64, nil
}

// validateRoles rejects role names that cannot be stored in an aggregated list.
func validateRoles(a acl.StreamACL) error {
	for _, op := range acl.Operations {
		for _, role := range a.Roles(op) {
			if role == "" || strings.Contains(role, ",") {
				return store.InvalidArgument("invalid role %q in %s acl", role, op)
			}
		}
	}
	return nil
}

func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func dedupe(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := roles[:0:0]
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
