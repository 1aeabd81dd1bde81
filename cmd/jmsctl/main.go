package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/jms/internal/app"
	"github.com/vladislavdragonenkov/jms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/jms/internal/service/expiry"
	"github.com/vladislavdragonenkov/jms/internal/service/outbox"
	"github.com/vladislavdragonenkov/jms/internal/storage/postgres"
	"github.com/vladislavdragonenkov/jms/internal/version"
)

const defaultTimeout = 5 * time.Minute

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

type sweeper interface {
	SweepOnce(ctx context.Context, now time.Time) (expiry.Result, error)
}

type flusher interface {
	Flush(ctx context.Context) (outbox.BatchResult, error)
}

type replayer interface {
	Run(ctx context.Context, cfg kafka.ReplayConfig) (kafka.ReplayStats, error)
	Close() error
}

// env: точки подключения к инфраструктуре; тесты подменяют их заглушками.
type env struct {
	loadConfig   func() (app.Config, error)
	openMigrator func(ctx context.Context, dsn string) (migrator, error)
	openSweeper  func(ctx context.Context, cfg app.Config) (sweeper, func() error, error)
	openFlusher  func(ctx context.Context, cfg app.Config) (flusher, func() error, error)
	openReplayer func(brokers []string, execute bool) (replayer, error)
}

func defaultEnv() env {
	return env{
		loadConfig: func() (app.Config, error) {
			cfg, err := app.LoadConfig()
			if err == nil {
				app.ConfigureLogging(cfg.LogLevel)
			}
			return cfg, err
		},
		openMigrator: func(ctx context.Context, dsn string) (migrator, error) {
			return postgres.Open(ctx, dsn)
		},
		openSweeper: func(ctx context.Context, cfg app.Config) (sweeper, func() error, error) {
			deps, err := app.NewDependencies(ctx, cfg, nil)
			if err != nil {
				return nil, nil, err
			}
			return deps.Sweeper, deps.Close, nil
		},
		openFlusher: func(ctx context.Context, cfg app.Config) (flusher, func() error, error) {
			brokers := kafka.ParseBrokers(cfg.KafkaBrokers)
			if len(brokers) == 0 {
				return nil, nil, fmt.Errorf("JMS_KAFKA_BROKERS is required")
			}
			deps, err := app.NewDependencies(ctx, cfg, nil)
			if err != nil {
				return nil, nil, err
			}
			producer, err := kafka.NewProducer(brokers)
			if err != nil {
				_ = deps.Close()
				return nil, nil, err
			}
			closeAll := func() error {
				_ = producer.Close()
				return deps.Close()
			}
			return app.NewOutboxWorker(cfg, deps, producer, deps.Logger), closeAll, nil
		},
		openReplayer: func(brokers []string, execute bool) (replayer, error) {
			return kafka.NewReplayer(brokers, execute)
		},
	}
}

func newRootCmd(e env) *cobra.Command {
	root := &cobra.Command{
		Use:           "jmsctl",
		Short:         "Maintenance commands for the jewelry marketplace backend",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(e))
	root.AddCommand(expireCmd(e))
	root.AddCommand(outboxCmd(e))
	root.AddCommand(dlqCmd(e))
	return root
}

func main() {
	if err := newRootCmd(defaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
