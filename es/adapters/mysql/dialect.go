// Package mysql provides the MySQL/MariaDB storage dialect for the event store engine.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

const (
	// erDupEntry is the MySQL error number for a duplicate key.
	erDupEntry = 1062
	// erDupKeyName is returned when an index name is already taken.
	erDupKeyName = 1061
)

// DialectConfig contains configuration for the MySQL dialect.
type DialectConfig struct {
	// LockWait is how long a single GET_LOCK call waits before it is retried.
	LockWait time.Duration
}

// DefaultDialectConfig returns the default configuration.
func DefaultDialectConfig() DialectConfig {
	return DialectConfig{
		LockWait: 5 * time.Second,
	}
}

// DialectOption configures a Dialect.
type DialectOption func(*DialectConfig)

// WithLockWait sets the GET_LOCK timeout for each attempt.
func WithLockWait(d time.Duration) DialectOption {
	return func(c *DialectConfig) {
		c.LockWait = d
	}
}

// Dialect is the MySQL implementation of store.Dialect.
// Stream locks are named locks, so the engine must run on a dedicated connection.
type Dialect struct {
	config DialectConfig
}

// NewDialect creates a MySQL dialect.
func NewDialect(opts ...DialectOption) *Dialect {
	config := DefaultDialectConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Dialect{config: config}
}

var _ store.Dialect = (*Dialect)(nil)

// Name implements store.Dialect.
func (d *Dialect) Name() string {
	return "mysql"
}

// Rebind implements store.Dialect. MySQL uses '?' natively.
func (d *Dialect) Rebind(query string) string {
	return query
}

// AggregateRoles implements store.Dialect.
func (d *Dialect) AggregateRoles(column string) string {
	return fmt.Sprintf("GROUP_CONCAT(%s SEPARATOR ',')", column)
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

// AcquireStreamLock implements store.Dialect with GET_LOCK, retrying until
// the lock is granted or ctx is done.
func (d *Dialect) AcquireStreamLock(ctx context.Context, db es.DBTX, stream string) error {
	name := LockName(stream)
	wait := int(d.config.LockWait / time.Second)
	if wait < 1 {
		wait = 1
	}
	for {
		var granted sql.NullInt64
		if err := db.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, wait).Scan(&granted); err != nil {
			return fmt.Errorf("failed to acquire named lock: %w", err)
		}
		if granted.Valid && granted.Int64 == 1 {
			return nil
		}
		if !granted.Valid {
			return fmt.Errorf("failed to acquire named lock %s", name)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ReleaseStreamLock implements store.Dialect with RELEASE_LOCK.
func (d *Dialect) ReleaseStreamLock(ctx context.Context, db es.DBTX, stream string) error {
	if _, err := db.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", LockName(stream)); err != nil {
		return fmt.Errorf("failed to release named lock: %w", err)
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

// ParseTime implements store.Dialect. Without parseTime=true in the DSN the
// driver returns timestamps as []byte.
func (d *Dialect) ParseTime(src interface{}) (time.Time, error) {
	t, err := store.ParseTimeValue(src)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// LockName derives a GET_LOCK name for a stream. Lock names are limited to
// 64 characters, so the stream name is hashed.
func LockName(stream string) string {
	h := fnv.New64a()
	h.Write([]byte(stream))
	return fmt.Sprintf("pupstore:%016x", h.Sum64())
}

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == erDupEntry
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key")
}

// IsDuplicateKeyName reports whether err is MySQL refusing to create an index
// that already exists.
func IsDuplicateKeyName(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == erDupKeyName
}
