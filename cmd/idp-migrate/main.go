// Command idp-migrate applies, inspects and rolls back status store migrations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/singh-krishan/idp/internal/app/migrate"
	"github.com/singh-krishan/idp/pkg/config"
	"github.com/singh-krishan/idp/pkg/logger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:           "idp-migrate",
		Short:         "Manage the project status store schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")

	withRunner := func(name string, fn func(context.Context, migrate.Runner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadAPIConfig()
			log := logger.New("migrate", slog.LevelInfo)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				pool.Close()
				return fmt.Errorf("configure migration runner: %w", err)
			}
			defer runner.Close()

			if err := fn(ctx, runner); err != nil {
				return err
			}
			log.Info("migration command completed", "command", name)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withRunner("up", func(ctx context.Context, r migrate.Runner) error {
			return r.Ensure(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Log the state of every migration",
		Args:  cobra.NoArgs,
		RunE: withRunner("status", func(ctx context.Context, r migrate.Runner) error {
			return r.Status(ctx)
		}),
	})

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back to --target, or by one version when it is zero",
		Args:  cobra.NoArgs,
		RunE: withRunner("down", func(ctx context.Context, r migrate.Runner) error {
			return r.Down(ctx, target)
		}),
	}
	down.Flags().Int64Var(&target, "target", 0, "target version")
	cmd.AddCommand(down)
	return cmd
}
