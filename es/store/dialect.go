package store

import (
	"context"
	"fmt"
	"time"

	"github.com/getpup/pupstore/es"
)

// Dialect isolates the SQL differences between storage backends.
// Queries are written with '?' placeholders and passed through Rebind.
type Dialect interface {
	// Name identifies the dialect, e.g. "postgres".
	Name() string

	// Rebind converts '?' placeholders to the backend's syntax.
	Rebind(query string) string

	// AggregateRoles returns an aggregate expression joining column values with ','.
	AggregateRoles(column string) string

	// InsertReturningID executes an INSERT written with '?' placeholders and
	// returns the generated value of idColumn.
	InsertReturningID(ctx context.Context, db es.DBTX, query, idColumn string, args ...interface{}) (int64, error)

	// AcquireStreamLock takes an exclusive advisory lock scoped to the stream name.
	// It blocks until the lock is granted or ctx is done.
	AcquireStreamLock(ctx context.Context, db es.DBTX, stream string) error

	// ReleaseStreamLock releases a lock taken by AcquireStreamLock.
	ReleaseStreamLock(ctx context.Context, db es.DBTX, stream string) error

	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation(err error) bool

	// TimeValue encodes a timestamp for storage.
	TimeValue(t time.Time) interface{}

	// ParseTime decodes a scanned timestamp.
	ParseTime(src interface{}) (time.Time, error)
}

// TimeFormats lists the textual timestamp layouts accepted by ParseTimeValue.
var TimeFormats = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseTimeValue decodes timestamps scanned as time.Time, string or []byte.
// Drivers that return native times need nothing else.
func ParseTimeValue(src interface{}) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseTimestamp(v)
	case []byte:
		return parseTimestamp(string(v))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, format := range TimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
