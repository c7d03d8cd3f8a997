// Package sqlite provides the SQLite storage dialect for the event store engine.
// It is intended for embedded use and tests; SQLite serializes writers itself.
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// DateTimeFormat is the layout timestamps are stored with.
const DateTimeFormat = "2006-01-02 15:04:05.999999"

// Dialect is the SQLite implementation of store.Dialect.
type Dialect struct{}

// NewDialect creates a SQLite dialect.
func NewDialect() *Dialect {
	return &Dialect{}
}

var _ store.Dialect = (*Dialect)(nil)

// Name implements store.Dialect.
func (d *Dialect) Name() string {
	return "sqlite"
}

// Rebind implements store.Dialect. SQLite accepts '?' natively.
func (d *Dialect) Rebind(query string) string {
	return query
}

// AggregateRoles implements store.Dialect.
func (d *Dialect) AggregateRoles(column string) string {
	return fmt.Sprintf("group_concat(%s, ',')", column)
}

// InsertReturningID implements store.Dialect using LastInsertId.
func (d *Dialect) InsertReturningID(ctx context.Context, db es.DBTX, query, _ string, args ...interface{}) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// AcquireStreamLock is a no-op: the database file has a single writer and
// the engine's lock registry covers in-process exclusion.
func (d *Dialect) AcquireStreamLock(_ context.Context, _ es.DBTX, _ string) error {
	return nil
}

// ReleaseStreamLock is a no-op.
func (d *Dialect) ReleaseStreamLock(_ context.Context, _ es.DBTX, _ string) error {
	return nil
}

// IsUniqueViolation implements store.Dialect.
func (d *Dialect) IsUniqueViolation(err error) bool {
	return IsUniqueViolation(err)
}

// TimeValue implements store.Dialect.
func (d *Dialect) TimeValue(t time.Time) interface{} {
	return t.UTC().Format(DateTimeFormat)
}

// ParseTime implements store.Dialect.
func (d *Dialect) ParseTime(src interface{}) (time.Time, error) {
	t, err := store.ParseTimeValue(src)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "PRIMARY KEY constraint failed")
}
