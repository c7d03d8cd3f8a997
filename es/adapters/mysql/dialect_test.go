package mysql

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicate entry", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, true},
		{"wrapped duplicate entry", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), true},
		{"other mysql error", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, false},
		{"message fallback", errors.New("Error 1062: Duplicate entry 'x' for key 'PRIMARY'"), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDuplicateKeyName(t *testing.T) {
	if !IsDuplicateKeyName(fmt.Errorf("statement 4: %w", &mysql.MySQLError{Number: 1061})) {
		t.Error("expected wrapped 1061 to be a duplicate key name")
	}
	if IsDuplicateKeyName(&mysql.MySQLError{Number: 1062}) {
		t.Error("duplicate entry is not a duplicate key name")
	}
	if IsDuplicateKeyName(nil) {
		t.Error("nil is not a duplicate key name")
	}
}

func TestLockName(t *testing.T) {
	long := strings.Repeat("s", 500)
	name := LockName(long)
	if len(name) > 64 {
		t.Errorf("lock name too long: %d", len(name))
	}
	if LockName("orders") != LockName("orders") {
		t.Error("LockName must be deterministic")
	}
	if LockName("orders") == LockName("invoices") {
		t.Error("different streams must not share a lock name")
	}
}

func TestDialectOptions(t *testing.T) {
	d := NewDialect(WithLockWait(30 * time.Second))
	if d.config.LockWait != 30*time.Second {
		t.Errorf("LockWait = %v", d.config.LockWait)
	}
	if NewDialect().config.LockWait != DefaultDialectConfig().LockWait {
		t.Error("default lock wait not applied")
	}
}

func TestRebindAndAggregate(t *testing.T) {
	d := NewDialect()
	q := "SELECT a FROM t WHERE b = ?"
	if d.Rebind(q) != q {
		t.Error("Rebind must not change MySQL queries")
	}
	if got := d.AggregateRoles("role"); got != "GROUP_CONCAT(role SEPARATOR ',')" {
		t.Errorf("unexpected aggregate: %s", got)
	}
}

func TestParseTimeBytes(t *testing.T) {
	got, err := NewDialect().ParseTime([]byte("2024-03-01 12:30:45.123456"))
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseTime() = %v, want %v", got, want)
	}
}
