// Package pupstore is an event store engine over a relational database.
//
// This package serves as the main entry point for the pupstore library.
// The functionality lives in the es package and its subpackages:
//
//	es                  - Core types: events, expected versions, credentials
//	es/engine           - Append, read, transactions, metadata, deletes
//	es/subscription     - Persistent subscription groups
//	es/subscription/runner - Running subscription consumers
//	es/adapters/...     - PostgreSQL, MySQL and SQLite dialects
//	es/migrations       - Schema generation
//	es/config           - File and environment configuration
//
// Quick Start:
//
//  1. Create the schema:
//     go run github.com/getpup/pupstore/cmd/migrate-gen apply -adapter postgres -dsn "$DSN"
//
//  2. Open an engine and append events:
//     eng, _ := engine.New(ctx, db, postgres.NewDialect())
//     result, err := eng.AppendToStream(ctx, "orders", es.NoStream(), events, creds)
//
//  3. Consume them through a persistent subscription:
//     manager, _ := subscription.NewManager(eng)
//     manager.Create(ctx, "orders", "billing", subscription.DefaultSettings())
//     runner.New(manager).Run(ctx, consumers)
//
// See the examples directory for complete working examples.
package pupstore

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
