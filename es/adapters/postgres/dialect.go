// Package postgres provides the PostgreSQL storage dialect for the event store engine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Dialect is the PostgreSQL implementation of store.Dialect.
// Stream locks are session-level advisory locks, so the engine must run on a
// dedicated connection.
type Dialect struct{}

// NewDialect creates a PostgreSQL dialect.
func NewDialect() *Dialect {
	return &Dialect{}
}

var _ store.Dialect = (*Dialect)(nil)

// Name implements store.Dialect.
func (d *Dialect) Name() string {
	return "postgres"
}

// Rebind converts '?' placeholders to $1, $2, ...
func (d *Dialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// AggregateRoles implements store.Dialect.
func (d *Dialect) AggregateRoles(column string) string {
	return fmt.Sprintf("STRING_AGG(%s, ',')", column)
}

// InsertReturningID implements store.Dialect using a RETURNING clause.
func (d *Dialect) InsertReturningID(ctx context.Context, db es.DBTX, query, idColumn string, args ...interface{}) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, d.Rebind(query)+" RETURNING "+idColumn, args...).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AcquireStreamLock implements store.Dialect with pg_advisory_lock.
func (d *Dialect) AcquireStreamLock(ctx context.Context, db es.DBTX, stream string) error {
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", LockKey(stream)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}

// ReleaseStreamLock implements store.Dialect with pg_advisory_unlock.
func (d *Dialect) ReleaseStreamLock(ctx context.Context, db es.DBTX, stream string) error {
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", LockKey(stream)); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

// IsUniqueViolation implements store.Dialect.
func (d *Dialect) IsUniqueViolation(err error) bool {
	return IsUniqueViolation(err)
}

// TimeValue implements store.Dialect.
func (d *Dialect) TimeValue(t time.Time) interface{} {
	return t.UTC()
}

// ParseTime implements store.Dialect.
func (d *Dialect) ParseTime(src interface{}) (time.Time, error) {
	t, err := store.ParseTimeValue(src)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// LockKey maps a stream name onto the bigint advisory lock key space.
func LockKey(stream string) int64 {
	h := fnv.New64a()
	h.Write([]byte(stream))
	//nolint:gosec // G115: wrap-around into the signed key space is intended
	return int64(h.Sum64())
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
