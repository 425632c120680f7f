package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	dsn           string
	migrationsDir string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	opts := &options{}
	logger := observability.NewLogger("migrate")

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the PoolLedger Postgres schema",
		SilenceUsage:  true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.dsn, "dsn", envOr("POOL_POSTGRES_DSN", "postgres://localhost:5432/poolledger?sslmode=disable"), "Postgres connection string")
	flags.StringVar(&opts.migrationsDir, "dir", envOr("POOL_MIGRATIONS_DIR", "migrations"), "path to the migrations directory")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(opts, logger, func(ctx context.Context, m *persistence.Migrator, _ *sql.DB) error {
				ran, err := m.Up(ctx)
				if err != nil {
					return err
				}
				logger.Info().Int("applied", ran).Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(opts, logger, func(ctx context.Context, m *persistence.Migrator, _ *sql.DB) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withMigrator(opts, logger, func(ctx context.Context, m *persistence.Migrator, _ *sql.DB) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					mark := "pending"
					if s.Applied {
						mark = "applied"
					}
					fmt.Printf("%s  %-8s %s\n", s.Version, mark, s.Filename)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Truncate the projection tables and rebuild them from the event log",
			RunE: withMigrator(opts, logger, func(ctx context.Context, _ *persistence.Migrator, db *sql.DB) error {
				return projection.RebuildProjections(ctx, db, persistence.NewSnapshotManager(db), observability.NewLogger("projection"))
			}),
		},
	)
	return root
}

func withMigrator(
	opts *options,
	logger zerolog.Logger,
	run func(ctx context.Context, m *persistence.Migrator, db *sql.DB) error,
) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, _ []string) error {
		db, err := sql.Open("postgres", opts.dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		if err := run(c.Context(), persistence.NewMigrator(db, opts.migrationsDir, logger), db); err != nil {
			logger.Error().Err(err).Str("command", c.Name()).Msg("migrate failed")
			return err
		}
		return nil
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
