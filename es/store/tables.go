package store

// Tables names the storage tables. Configuration is immutable after construction.
type Tables struct {
	// Streams holds one row per stream name
	Streams string

	// StreamACL holds per-stream role overrides
	StreamACL string

	// Events holds the append-only event log
	Events string

	// Subscriptions holds persistent subscription groups
	Subscriptions string

	// ParkedEvents holds parked subscription events
	ParkedEvents string
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		Streams:       "streams",
		StreamACL:     "stream_acl",
		Events:        "events",
		Subscriptions: "subscriptions",
		ParkedEvents:  "parked_events",
	}
}
