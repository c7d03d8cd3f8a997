// Package migrations generates the DDL for the event store tables: streams,
// stream ACL overrides, events, persistent subscriptions and parked events.
//
// To generate migrations, use the migrate-gen command:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen generate --adapter postgres --output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/migrate-gen generate --output ../../migrations
//
// Statements returns the same DDL as individual statements, which is what
// tests and the apply command execute.
package migrations
