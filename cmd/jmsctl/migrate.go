package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func migrateCmd(e env) *cobra.Command {
	var (
		dsn       string
		upSteps   int
		downSteps int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect PostgreSQL migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: JMS_POSTGRES_DSN)")

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store migrator) error) error {
		resolved := strings.TrimSpace(dsn)
		if resolved == "" {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			resolved = strings.TrimSpace(cfg.PostgresDSN)
		}
		if resolved == "" {
			return errors.New("JMS_POSTGRES_DSN (or --dsn) is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
		defer cancel()

		store, err := e.openMigrator(ctx, resolved)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()
		return fn(ctx, store)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations (all by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store migrator) error {
				if err := store.MigrateUp(ctx, upSteps); err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
				return printStatus(ctx, cmd.OutOrStdout(), store, "migrate up ok")
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (one by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store migrator) error {
				n := downSteps
				if n <= 0 {
					n = 1
				}
				if err := store.MigrateDown(ctx, n); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				return printStatus(ctx, cmd.OutOrStdout(), store, "migrate down ok")
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store migrator) error {
				return printStatus(ctx, cmd.OutOrStdout(), store, "migration status")
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, store migrator, prefix string) error {
	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, state.Version, state.Applied)
	for _, name := range state.Pending {
		fmt.Fprintf(out, "pending: %s\n", name)
	}
	return nil
}
