package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

// SetStreamMetadata appends metadata to the stream's metastream. It requires
// metaWrite access to the stream. A "$acl" object in the metadata replaces
// the stream's ACL overrides.
func (e *Engine) SetStreamMetadata(ctx context.Context, stream string, expected es.ExpectedVersion, metadata []byte, creds *es.UserCredentials) (store.WriteResult, error) {
	if stream == "" {
		return store.WriteResult{}, store.InvalidArgument("stream cannot be empty")
	}
	if es.IsMetastream(stream) {
		return store.WriteResult{}, store.InvalidArgument("setting metadata for metastream %q is not supported", stream)
	}

	overrides, _, err := acl.FromMetadata(metadata)
	if err != nil {
		return store.WriteResult{}, store.InvalidArgument("%v", err)
	}
	if err := validateRoles(overrides); err != nil {
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

	metastream := es.MetastreamOf(stream)
	if e.locks.isLocked(metastream) {
		return store.WriteResult{}, fmt.Errorf("%w: stream %q", store.ErrLockAlreadyHeld, metastream)
	}

	var result store.WriteResult
	err = e.inTx(ctx, func(db es.DBTX) error {
		info, err := e.resolve(ctx, db, stream, acl.OpMetaWrite, c)
		if err != nil {
			return err
		}

		event := es.NewEventData(es.StreamMetadataEventType, true, metadata, nil)
		result, err = e.appendEvents(ctx, db, metastream, expected, []es.EventData{event}, internal)
		if err != nil {
			return err
		}

		if info.exists {
			return e.writeACL(ctx, db, info.id, overrides)
		}
		return nil
	})
	if err != nil {
		return store.WriteResult{}, err
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "stream metadata updated",
			"stream", stream,
			"metastream_version", result.NextExpectedVersion)
	}
	return result, nil
}

// GetStreamMetadata reads the latest metadata of a stream. It requires
// metaRead access to the stream.
func (e *Engine) GetStreamMetadata(ctx context.Context, stream string, creds *es.UserCredentials) (store.StreamMetadataResult, error) {
	if stream == "" {
		return store.StreamMetadataResult{}, store.InvalidArgument("stream cannot be empty")
	}
	if es.IsMetastream(stream) {
		return store.StreamMetadataResult{}, store.InvalidArgument("reading metadata of metastream %q is not supported", stream)
	}

	c, err := e.callerFor(ctx, creds)
	if err != nil {
		return store.StreamMetadataResult{}, err
	}

	if err := e.begin(); err != nil {
		return store.StreamMetadataResult{}, err
	}
	defer e.mu.Unlock()

	db := e.dbtx()
	result := store.StreamMetadataResult{Stream: stream, MetastreamVersion: -1}

	_, err = e.resolve(ctx, db, stream, acl.OpMetaRead, c)
	if errors.Is(err, store.ErrStreamDeleted) {
		result.IsStreamDeleted = true
		result.MetastreamVersion = math.MaxInt64
		return result, nil
	}
	if err != nil {
		return store.StreamMetadataResult{}, err
	}

	event, found, err := e.readLastByName(ctx, db, es.MetastreamOf(stream))
	if err != nil {
		return store.StreamMetadataResult{}, err
	}
	if found {
		result.StreamMetadata = event.Data
		result.MetastreamVersion = event.EventNumber
	}
	return result, nil
}
