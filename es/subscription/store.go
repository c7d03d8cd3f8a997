package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// groupRow is the persisted state of a group.
type groupRow struct {
	stream     string
	group      string
	settings   Settings
	checkpoint int64
}

// parkedEvent identifies a parked event.
type parkedEvent struct {
	eventID     uuid.UUID
	eventNumber int64
}

// groupStore persists groups and parked events through the backend's
// connection.
type groupStore struct {
	backend Backend
	dialect store.Dialect
	q       groupQueries
}

type groupQueries struct {
	insert, selectOne, selectAll, selectStream string
	updateSettings, updateCheckpoint, delete   string
	park, parked, countParked, deleteParked    string
}

func newGroupStore(backend Backend) *groupStore {
	t := backend.Tables()
	d := backend.Dialect()
	return &groupStore{
		backend: backend,
		dialect: d,
		q: groupQueries{
			insert: d.Rebind(fmt.Sprintf(`INSERT INTO %s (stream_name, group_name, settings_json, checkpoint, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`, t.Subscriptions)),
			selectOne: d.Rebind(fmt.Sprintf(`SELECT stream_name, group_name, settings_json, checkpoint FROM %s
WHERE stream_name = ? AND group_name = ?`, t.Subscriptions)),
			selectAll: fmt.Sprintf(`SELECT stream_name, group_name, settings_json, checkpoint FROM %s
ORDER BY stream_name, group_name`, t.Subscriptions),
			selectStream: d.Rebind(fmt.Sprintf(`SELECT stream_name, group_name, settings_json, checkpoint FROM %s
WHERE stream_name = ? ORDER BY group_name`, t.Subscriptions)),
			updateSettings: d.Rebind(fmt.Sprintf(`UPDATE %s SET settings_json = ?, updated_at = ?
WHERE stream_name = ? AND group_name = ?`, t.Subscriptions)),
			updateCheckpoint: d.Rebind(fmt.Sprintf(`UPDATE %s SET checkpoint = ?, updated_at = ?
WHERE stream_name = ? AND group_name = ?`, t.Subscriptions)),
			delete: d.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE stream_name = ? AND group_name = ?`, t.Subscriptions)),
			park: d.Rebind(fmt.Sprintf(`INSERT INTO %s (stream_name, group_name, event_id, event_number, parked_at)
VALUES (?, ?, ?, ?, ?)`, t.ParkedEvents)),
			parked: d.Rebind(fmt.Sprintf(`SELECT event_id, event_number FROM %s
WHERE stream_name = ? AND group_name = ? ORDER BY event_number`, t.ParkedEvents)),
			countParked: d.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE stream_name = ? AND group_name = ?`, t.ParkedEvents)),
			deleteParked: d.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE stream_name = ? AND group_name = ?`, t.ParkedEvents)),
		},
	}
}

func (s *groupStore) create(ctx context.Context, row groupRow) error {
	settings, err := json.Marshal(row.settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	now := s.dialect.TimeValue(time.Now())
	return s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		if _, err := s.loadFrom(ctx, db, row.stream, row.group); err == nil {
			return ErrSubscriptionExists
		} else if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}
		_, err := db.ExecContext(ctx, s.q.insert, row.stream, row.group, string(settings), row.checkpoint, now, now)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return ErrSubscriptionExists
			}
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
		return nil
	})
}

func (s *groupStore) load(ctx context.Context, stream, group string) (groupRow, error) {
	var row groupRow
	err := s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		var err error
		row, err = s.loadFrom(ctx, db, stream, group)
		return err
	})
	return row, err
}

func (s *groupStore) loadFrom(ctx context.Context, db es.DBTX, stream, group string) (groupRow, error) {
	row, err := scanGroup(db.QueryRowContext(ctx, s.q.selectOne, stream, group))
	if errors.Is(err, sql.ErrNoRows) {
		return groupRow{}, ErrSubscriptionNotFound
	}
	return row, err
}

// list returns all groups, or those of one stream when stream is non-empty.
func (s *groupStore) list(ctx context.Context, stream string) ([]groupRow, error) {
	var out []groupRow
	err := s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		var (
			rows *sql.Rows
			err  error
		)
		if stream == "" {
			rows, err = db.QueryContext(ctx, s.q.selectAll)
		} else {
			rows, err = db.QueryContext(ctx, s.q.selectStream, stream)
		}
		if err != nil {
			return fmt.Errorf("failed to query subscriptions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanGroup(rows)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(r rowScanner) (groupRow, error) {
	var (
		row      groupRow
		settings string
	)
	if err := r.Scan(&row.stream, &row.group, &settings, &row.checkpoint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return groupRow{}, err
		}
		return groupRow{}, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &row.settings); err != nil {
		return groupRow{}, fmt.Errorf("failed to decode settings of %s/%s: %w", row.stream, row.group, err)
	}
	return row, nil
}

func (s *groupStore) updateSettings(ctx context.Context, stream, group string, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return s.exec(ctx, s.q.updateSettings, true, string(data), s.dialect.TimeValue(time.Now()), stream, group)
}

func (s *groupStore) saveCheckpoint(ctx context.Context, stream, group string, checkpoint int64) error {
	return s.exec(ctx, s.q.updateCheckpoint, false, checkpoint, s.dialect.TimeValue(time.Now()), stream, group)
}

// delete removes the group and its parked events.
func (s *groupStore) delete(ctx context.Context, stream, group string) error {
	return s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		result, err := db.ExecContext(ctx, s.q.delete, stream, group)
		if err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return ErrSubscriptionNotFound
		}
		if _, err := db.ExecContext(ctx, s.q.deleteParked, stream, group); err != nil {
			return fmt.Errorf("failed to delete parked events: %w", err)
		}
		return nil
	})
}

func (s *groupStore) exec(ctx context.Context, query string, mustExist bool, args ...interface{}) error {
	return s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		result, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if mustExist {
			if n, err := result.RowsAffected(); err == nil && n == 0 {
				return ErrSubscriptionNotFound
			}
		}
		return nil
	})
}

func (s *groupStore) park(ctx context.Context, stream, group string, event es.RecordedEvent) error {
	return s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		_, err := db.ExecContext(ctx, s.q.park, stream, group, event.EventID.String(), event.EventNumber, s.dialect.TimeValue(time.Now()))
		if err != nil && !s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("failed to park event %d: %w", event.EventNumber, err)
		}
		return nil
	})
}

func (s *groupStore) countParked(ctx context.Context, stream, group string) (int64, error) {
	var n int64
	err := s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		return db.QueryRowContext(ctx, s.q.countParked, stream, group).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count parked events: %w", err)
	}
	return n, nil
}

// parked returns the parked events in event-number order.
func (s *groupStore) parked(ctx context.Context, stream, group string) ([]parkedEvent, error) {
	var out []parkedEvent
	err := s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		rows, err := db.QueryContext(ctx, s.q.parked, stream, group)
		if err != nil {
			return fmt.Errorf("failed to query parked events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id string
				p  parkedEvent
			)
			if err := rows.Scan(&id, &p.eventNumber); err != nil {
				return fmt.Errorf("failed to scan parked event: %w", err)
			}
			if p.eventID, err = uuid.Parse(id); err != nil {
				return fmt.Errorf("invalid parked event id %q: %w", id, err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (s *groupStore) clearParked(ctx context.Context, stream, group string) error {
	return s.backend.WithDBTX(ctx, func(db es.DBTX) error {
		if _, err := db.ExecContext(ctx, s.q.deleteParked, stream, group); err != nil {
			return fmt.Errorf("failed to clear parked events: %w", err)
		}
		return nil
	})
}
