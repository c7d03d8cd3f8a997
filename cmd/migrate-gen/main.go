// Command migrate-gen generates and applies the event store schema.
//
// Usage:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen generate -adapter postgres -output migrations
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/migrate-gen generate -output migrations
//
// Apply the schema directly to a database:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen apply -adapter sqlite -dsn file:events.db
//
// Settings can also come from a config file (--config) or PUPSTORE_*
// environment variables; flags win over both.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/getpup/pupstore/es/adapters/mysql"
	"github.com/getpup/pupstore/es/config"
	"github.com/getpup/pupstore/es/migrations"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options collects flag values layered over the loaded configuration.
type options struct {
	configPath string
	adapter    string
	dsn        string
	output     string
	filename   string
	events     string
	streams    string
	streamACL  string
	subs       string
	parked     string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate-gen",
		Short:         "Generate or apply the event store schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.adapter, "adapter", "", "Database adapter: postgres, mysql, or sqlite")
	root.PersistentFlags().StringVar(&opts.events, "events-table", "", "Name of events table")
	root.PersistentFlags().StringVar(&opts.streams, "streams-table", "", "Name of streams table")
	root.PersistentFlags().StringVar(&opts.streamACL, "stream-acl-table", "", "Name of stream ACL table")
	root.PersistentFlags().StringVar(&opts.subs, "subscriptions-table", "", "Name of subscriptions table")
	root.PersistentFlags().StringVar(&opts.parked, "parked-table", "", "Name of parked events table")

	root.AddCommand(newGenerateCommand(opts), newApplyCommand(opts))
	return root
}

func newGenerateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the schema to a migration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			mc := cfg.MigrationConfig()
			if opts.output != "" {
				mc.OutputFolder = opts.output
			}
			if opts.filename != "" {
				mc.OutputFilename = opts.filename
			}

			if err := migrations.Generate(cfg.Database.Adapter, &mc); err != nil {
				return fmt.Errorf("generating migration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", cfg.Database.Adapter, mc.OutputFolder, mc.OutputFilename)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.output, "output", "", "Output folder for migration file")
	cmd.Flags().StringVar(&opts.filename, "filename", "", "Output filename (default: timestamp-based)")
	return cmd
}

func newApplyCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create the schema in a database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if opts.dsn != "" {
				cfg.Database.DSN = opts.dsn
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("a dsn is required (--dsn or PUPSTORE_DATABASE_DSN)")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := apply(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d %s statements\n", n, cfg.Database.Adapter)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "Data source name")
	return cmd
}

// load reads the configuration and applies flag overrides.
func (o *options) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.Adapter, o.adapter)
	override(&cfg.Tables.Events, o.events)
	override(&cfg.Tables.Streams, o.streams)
	override(&cfg.Tables.StreamACL, o.streamACL)
	override(&cfg.Tables.Subscriptions, o.subs)
	override(&cfg.Tables.ParkedEvents, o.parked)
	return cfg, cfg.Validate()
}

// apply runs the schema statements in order on the configured database.
// Reapplying is safe: tables are created only if missing, and MySQL's
// duplicate index errors are ignored.
func apply(ctx context.Context, cfg config.Config) (int, error) {
	mc := cfg.MigrationConfig()
	stmts, err := migrations.Statements(cfg.Database.Adapter, &mc)
	if err != nil {
		return 0, err
	}

	db, err := sql.Open(cfg.DriverName(), cfg.Database.DSN)
	if err != nil {
		return 0, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if mysql.IsDuplicateKeyName(err) {
				continue
			}
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}
