package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

func TestAppendToStream_GapFreeNumbering(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	first, err := e.AppendToStream(ctx, "orders", es.NoStream(), testEvents(3), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.NextExpectedVersion)

	second, err := e.AppendToStream(ctx, "orders", es.Exact(2), testEvents(2), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), second.NextExpectedVersion)
	assert.Greater(t, second.LogPosition, first.LogPosition)

	slice, err := e.ReadStreamEventsForward(ctx, "orders", 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, slice.Events, 5)
	for i, event := range slice.Events {
		assert.Equal(t, int64(i), event.EventNumber)
		assert.Equal(t, "orders", event.Stream)
		if i > 0 {
			assert.Greater(t, event.Position, slice.Events[i-1].Position)
		}
	}
	assert.Equal(t, second.LogPosition, slice.Events[4].Position)
}

func TestAppendToStream_ExpectedVersion(t *testing.T) {
	tests := []struct {
		name     string
		seed     int
		expected es.ExpectedVersion
		wantErr  bool
		actual   int64
	}{
		{"any on missing stream", 0, es.Any(), false, 0},
		{"any on existing stream", 2, es.Any(), false, 0},
		{"no stream on missing stream", 0, es.NoStream(), false, 0},
		{"no stream on existing stream", 2, es.NoStream(), true, 1},
		{"empty stream on missing stream", 0, es.EmptyStream(), false, 0},
		{"empty stream on non-empty stream", 1, es.EmptyStream(), true, 0},
		{"stream exists on missing stream", 0, es.StreamExists(), true, -1},
		{"stream exists on existing stream", 1, es.StreamExists(), false, 0},
		{"exact match", 3, es.Exact(2), false, 0},
		{"exact mismatch", 3, es.Exact(1), true, 2},
		{"exact on missing stream", 0, es.Exact(0), true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t)

			if tt.seed > 0 {
				_, err := e.AppendToStream(ctx, "orders", es.Any(), testEvents(tt.seed), nil)
				require.NoError(t, err)
			}

			_, err := e.AppendToStream(ctx, "orders", tt.expected, testEvents(1), nil)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, store.ErrWrongExpectedVersion)
			var wev *store.WrongExpectedVersionError
			require.True(t, errors.As(err, &wev))
			assert.Equal(t, tt.actual, wev.Actual)
			assert.Equal(t, "orders", wev.Stream)
		})
	}
}

func TestAppendToStream_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.AppendToStream(ctx, "", es.Any(), testEvents(1), nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = e.AppendToStream(ctx, "orders", es.Any(), nil, nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	assert.ErrorIs(t, err, store.ErrNoEvents)

	_, err = e.AppendToStream(ctx, "orders", es.Any(), []es.EventData{{Data: []byte("x")}}, nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	// an untyped event after a valid one rejects the whole batch
	_, err = e.AppendToStream(ctx, "orders", es.Any(), append(testEvents(1), es.EventData{Data: []byte("x")}), nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	// Nothing was written by the failed append.
	result, err := e.ReadEvent(ctx, "orders", -1, nil)
	require.NoError(t, err)
	assert.Equal(t, store.EventReadNoStream, result.Status)
}

func TestAppendToStream_AssignsMissingEventIDs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	fixed := uuid.New()
	events := []es.EventData{
		{EventType: "A", Data: []byte("a")},
		{EventID: fixed, EventType: "B"},
	}
	_, err := e.AppendToStream(ctx, "orders", es.Any(), events, nil)
	require.NoError(t, err)

	slice, err := e.ReadStreamEventsForward(ctx, "orders", 0, 2, nil)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2)
	assert.NotEqual(t, uuid.Nil, slice.Events[0].EventID)
	assert.Equal(t, fixed, slice.Events[1].EventID)
	assert.Empty(t, slice.Events[1].Data)
	assert.False(t, slice.Events[1].IsJSON)
	assert.False(t, slice.Events[1].Created.IsZero())
}

func TestAppendToStream_DuplicateEventIDIsConflict(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	event := es.NewEventData("A", false, []byte("a"), nil)
	_, err := e.AppendToStream(ctx, "orders", es.Any(), []es.EventData{event}, nil)
	require.NoError(t, err)

	_, err = e.AppendToStream(ctx, "invoices", es.Any(), []es.EventData{event}, nil)
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	// The failed append rolled back, including the stream row.
	result, err := e.ReadEvent(ctx, "invoices", -1, nil)
	require.NoError(t, err)
	assert.Equal(t, store.EventReadNoStream, result.Status)
}

func TestAppendToStream_HardDeletedAlwaysFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	admin := creds(t, "admin")

	_, err := e.SetStreamMetadata(ctx, "orders", es.Any(), []byte(`{"$acl":{"$w":"$admins"}}`), admin)
	require.NoError(t, err)
	_, err = e.AppendToStream(ctx, "orders", es.Any(), testEvents(1), admin)
	require.NoError(t, err)
	require.NoError(t, e.DeleteStream(ctx, "orders", true, admin))

	for _, user := range []string{"admin", "guest"} {
		_, err := e.AppendToStream(ctx, "orders", es.Any(), testEvents(1), creds(t, user))
		assert.ErrorIs(t, err, store.ErrStreamDeleted, user)
		assert.NotErrorIs(t, err, store.ErrAccessDenied, user)
	}
}

func TestAppendToStream_SystemStreamsRequireAdmins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.AppendToStream(ctx, "$stats", es.Any(), testEvents(1), creds(t, "guest"))
	require.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = e.AppendToStream(ctx, "$stats", es.Any(), testEvents(1), nil)
	require.ErrorIs(t, err, store.ErrAccessDenied)

	_, err = e.AppendToStream(ctx, "$stats", es.Any(), testEvents(1), creds(t, "admin"))
	require.NoError(t, err)
}

func TestAppendToStream_DefaultCredentials(t *testing.T) {
	ctx := context.Background()
	admin, err := es.NewUserCredentials("admin", "secret")
	require.NoError(t, err)
	e := newTestEngine(t, WithDefaultCredentials(admin))

	_, err = e.AppendToStream(ctx, "$stats", es.Any(), testEvents(1), nil)
	require.NoError(t, err)
}

// The orders/writer walkthrough: per-stream write role, denial, success,
// then a stale expected version.
func TestOrdersWriterExample(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	admin := creds(t, "admin")

	_, err := e.SetStreamMetadata(ctx, "orders", es.NoStream(), []byte(`{"$acl":{"$w":["writer"]}}`), admin)
	require.NoError(t, err)

	_, err = e.AppendToStream(ctx, "orders", es.NoStream(), testEvents(3), creds(t, "guest"))
	require.ErrorIs(t, err, store.ErrAccessDenied)

	result, err := e.AppendToStream(ctx, "orders", es.NoStream(), testEvents(3), creds(t, "writer"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.NextExpectedVersion)

	slice, err := e.ReadStreamEventsForward(ctx, "orders", 0, 10, nil)
	require.NoError(t, err)
	numbers := make([]int64, 0, len(slice.Events))
	for _, event := range slice.Events {
		numbers = append(numbers, event.EventNumber)
	}
	assert.Equal(t, []int64{0, 1, 2}, numbers)

	_, err = e.AppendToStream(ctx, "orders", es.Exact(1), testEvents(1), creds(t, "writer"))
	var wev *store.WrongExpectedVersionError
	require.ErrorAs(t, err, &wev)
	assert.Equal(t, int64(1), wev.Expected.Value())
	assert.Equal(t, int64(2), wev.Actual)

	// The materialized override still guards the existing stream.
	_, err = e.AppendToStream(ctx, "orders", es.Any(), testEvents(1), creds(t, "guest"))
	require.ErrorIs(t, err, store.ErrAccessDenied)
}
