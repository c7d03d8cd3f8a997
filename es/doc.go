// Package es provides core event store types.
//
// # Overview
//
// This package defines the fundamental types shared by the engine and its
// collaborators:
//   - EventData / RecordedEvent: events before and after they are written
//   - ExpectedVersion: optimistic concurrency expectations
//   - UserCredentials / RoleResolver: caller identity for access control
//   - DBTX: database handle abstraction
//   - Logger: optional observability hook
//
// # Streams
//
// Events live in named streams and are numbered from 0 without gaps.
// Names starting with "$" are system streams. "$$name" is the metastream of
// "name"; it holds the stream's metadata, including its access control list.
// "$settings" holds the system settings that supply default ACLs.
//
// # Quick Start
//
// 1. Create the schema:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen apply -adapter postgres -dsn "$DSN"
//
// 2. Open an engine:
//
//	import (
//	    "github.com/getpup/pupstore/es"
//	    "github.com/getpup/pupstore/es/adapters/postgres"
//	    "github.com/getpup/pupstore/es/engine"
//	)
//
//	eng, err := engine.New(ctx, db, postgres.NewDialect(),
//	    engine.WithRoleResolver(es.NewStaticRoleResolver(users)))
//
// 3. Append events:
//
//	events := []es.EventData{
//	    es.NewEventData("OrderPlaced", true, payload, nil),
//	}
//	result, err := eng.AppendToStream(ctx, "orders", es.NoStream(), events, creds)
//	if errors.Is(err, store.ErrWrongExpectedVersion) {
//	    // someone else wrote first
//	}
//
// 4. Read them back:
//
//	slice, err := eng.ReadStreamEventsForward(ctx, "orders", 0, 100, creds)
//
// 5. Consume them with a persistent subscription:
//
//	import "github.com/getpup/pupstore/es/subscription"
//
//	manager, _ := subscription.NewManager(eng)
//	_ = manager.Create(ctx, "orders", "billing", subscription.DefaultSettings())
//	sub, _ := manager.Connect(ctx, "orders", "billing", subscription.ConnectOptions{})
//	for d := range sub.Events() {
//	    // handle d.Event
//	    _ = sub.Ack(ctx, d.Event.EventID)
//	}
//
// # Optimistic Concurrency
//
// Every write names the stream version it expects: Any, NoStream,
// EmptyStream or Exact(n). A mismatch fails with a WrongExpectedVersionError
// carrying the actual version, and nothing is written.
//
// # Access Control
//
// Each operation (read, write, delete, metadata read, metadata write) is
// allowed for a list of roles. A stream's own "$acl" metadata wins;
// otherwise the system settings apply, with separate defaults for user and
// system streams. Members of "$admins" are always allowed.
//
// # Design Decisions
//
// One connection per engine: an engine owns a single database connection
// and serializes its operations on it. Explicit transactions run on that
// connection and hold a stream lock until they end.
//
// Opaque payloads: event data and metadata are bytes. The store only reads
// the event type and, for metastreams, the "$acl" metadata key.
//
// Dialects: SQL differences between PostgreSQL, MySQL and SQLite sit behind
// store.Dialect so the engine is written once.
package es
