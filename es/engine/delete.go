package engine

import (
	"context"
	"fmt"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

// DeleteStream deletes a stream. A soft delete marks the stream deleted; a
// hard delete is terminal and may escalate a soft-deleted stream. Hard
// deleting a stream that was never written records a tombstone so the name
// can not be used later. Soft deleting it does nothing.
func (e *Engine) DeleteStream(ctx context.Context, stream string, hardDelete bool, creds *es.UserCredentials) error {
	if stream == "" {
		return store.InvalidArgument("stream cannot be empty")
	}

	c, err := e.callerFor(ctx, creds)
	if err != nil {
		return err
	}

	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.locks.isLocked(stream) {
		return fmt.Errorf("%w: stream %q", store.ErrLockAlreadyHeld, stream)
	}

	err = e.inTx(ctx, func(db es.DBTX) error {
		info, err := e.resolveForDelete(ctx, db, stream, hardDelete, c)
		if err != nil {
			return err
		}

		if !info.exists {
			if !hardDelete {
				return nil
			}
			if err := e.createStream(ctx, db, &info); err != nil {
				return err
			}
		}

		if hardDelete {
			_, err = db.ExecContext(ctx, e.q.hardDelete, true, true, info.id)
		} else {
			_, err = db.ExecContext(ctx, e.q.softDelete, true, info.id)
		}
		if err != nil {
			return fmt.Errorf("failed to delete stream: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "stream deleted", "stream", stream, "hard_delete", hardDelete)
	}
	return nil
}

// resolveForDelete authorizes a delete. A soft-deleted stream may still be
// hard deleted; every other deleted state fails with StreamDeletedError.
func (e *Engine) resolveForDelete(ctx context.Context, db es.DBTX, stream string, hardDelete bool, c caller) (streamInfo, error) {
	info, err := e.resolve(ctx, db, stream, acl.OpDelete, c)
	if err == nil || !hardDelete || info.lifecycle != es.StreamSoftDeleted {
		return info, err
	}

	// Soft-deleted rows skip authorization in resolve; check it here.
	if err := e.authorizeRow(ctx, db, info, acl.OpDelete, c); err != nil {
		return streamInfo{}, err
	}
	return info, nil
}
