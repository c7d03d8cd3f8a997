package engine

import (
	"fmt"

	"github.com/getpup/pupstore/es/store"
)

const eventColumns = `e.global_position, e.event_number, e.event_id, e.event_type,
	e.is_json, e.data, e.metadata, e.created_at`

// queries holds the SQL the engine runs, built once per table configuration.
// Statements passed to Dialect.InsertReturningID keep '?' placeholders; all
// others are rebound.
type queries struct {
	lookupStream   string
	insertStream   string
	insertACL      string
	deleteACL      string
	lastNumber     string
	insertEvent    string
	readEvent      string
	readLast       string
	readLastByName string
	readForward    string
	readBackward   string
	softDelete     string
	hardDelete     string
}

func buildQueries(t store.Tables, d store.Dialect) queries {
	return queries{
		lookupStream: d.Rebind(fmt.Sprintf(`
			SELECT s.stream_id, s.mark_deleted, s.deleted,
				(SELECT %s FROM %s a WHERE a.stream_id = s.stream_id AND a.operation = ?)
			FROM %s s
			WHERE s.stream_name = ?
		`, d.AggregateRoles("a.role"), t.StreamACL, t.Streams)),

		insertStream: fmt.Sprintf(`
			INSERT INTO %s (stream_name, mark_deleted, deleted, created_at)
			VALUES (?, ?, ?, ?)
		`, t.Streams),

		insertACL: d.Rebind(fmt.Sprintf(`
			INSERT INTO %s (stream_id, operation, role) VALUES (?, ?, ?)
		`, t.StreamACL)),

		deleteACL: d.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE stream_id = ?`, t.StreamACL)),

		lastNumber: d.Rebind(fmt.Sprintf(`
			SELECT MAX(event_number) FROM %s WHERE stream_id = ?
		`, t.Events)),

		insertEvent: fmt.Sprintf(`
			INSERT INTO %s (
				stream_id, event_number, event_id, event_type,
				is_json, data, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.Events),

		readEvent: d.Rebind(fmt.Sprintf(`
			SELECT %s FROM %s e
			WHERE e.stream_id = ? AND e.event_number = ?
		`, eventColumns, t.Events)),

		readLast: d.Rebind(fmt.Sprintf(`
			SELECT %s FROM %s e
			WHERE e.stream_id = ?
			ORDER BY e.event_number DESC
			LIMIT 1
		`, eventColumns, t.Events)),

		readLastByName: d.Rebind(fmt.Sprintf(`
			SELECT %s FROM %s e
			JOIN %s s ON s.stream_id = e.stream_id
			WHERE s.stream_name = ?
			ORDER BY e.event_number DESC
			LIMIT 1
		`, eventColumns, t.Events, t.Streams)),

		readForward: d.Rebind(fmt.Sprintf(`
			SELECT %s FROM %s e
			WHERE e.stream_id = ? AND e.event_number >= ?
			ORDER BY e.event_number ASC
			LIMIT ?
		`, eventColumns, t.Events)),

		readBackward: d.Rebind(fmt.Sprintf(`
			SELECT %s FROM %s e
			WHERE e.stream_id = ? AND e.event_number <= ?
			ORDER BY e.event_number DESC
			LIMIT ?
		`, eventColumns, t.Events)),

		softDelete: d.Rebind(fmt.Sprintf(`UPDATE %s SET mark_deleted = ? WHERE stream_id = ?`, t.Streams)),

		hardDelete: d.Rebind(fmt.Sprintf(`UPDATE %s SET mark_deleted = ?, deleted = ? WHERE stream_id = ?`, t.Streams)),
	}
}
