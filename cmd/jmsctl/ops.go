package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/jms/internal/messaging/kafka"
)

func expireCmd(e env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Reservation expiry operations",
	}

	var at string
	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Expire overdue reservations and refund their deposits once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = parsed
			}

			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			sw, closeFn, err := e.openSweeper(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := sw.SweepOnce(ctx, now)
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d refunded=%d failed=%d\n", result.Expired, result.Refunded, result.Failed)
			return err
		},
	}
	runOnce.Flags().StringVar(&at, "at", "", "sweep as of this RFC3339 time instead of now")

	cmd.AddCommand(runOnce)
	return cmd
}

func outboxCmd(e env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox delivery operations",
	}

	var maxBatches int
	flush := &cobra.Command{
		Use:   "flush",
		Short: "Publish pending outbox messages to Kafka until the outbox is drained",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			worker, closeFn, err := e.openFlusher(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			var sent, failed, batches int
			for batches < maxBatches {
				result, err := worker.Flush(ctx)
				if err != nil {
					return fmt.Errorf("flush outbox: %w", err)
				}
				batches++
				sent += result.Sent
				failed += result.Failed
				// Пустая пачка или только отказы: дальше гонять бессмысленно.
				if result.Pulled == 0 || result.Sent == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batches=%d sent=%d failed=%d\n", batches, sent, failed)
			return nil
		},
	}
	flush.Flags().IntVar(&maxBatches, "max-batches", 100, "upper bound on processed batches")

	cmd.AddCommand(flush)
	return cmd
}

func dlqCmd(e env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead letter queue operations",
	}

	var (
		brokers     string
		topic       string
		limit       int
		execute     bool
		fromNewest  bool
		idleTimeout time.Duration
	)
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish DLQ messages to their original topics (dry-run unless --execute)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := strings.TrimSpace(brokers)
			if raw == "" {
				cfg, err := e.loadConfig()
				if err != nil {
					return err
				}
				raw = cfg.KafkaBrokers
				if topic == "" {
					topic = cfg.KafkaDLQTopic
				}
			}
			list := kafka.ParseBrokers(raw)
			if len(list) == 0 {
				return errors.New("JMS_KAFKA_BROKERS (or --brokers) is required")
			}
			if topic == "" {
				topic = kafka.TopicDeadLetterQueue
			}

			r, err := e.openReplayer(list, execute)
			if err != nil {
				return err
			}
			defer r.Close()

			stats, err := r.Run(cmd.Context(), kafka.ReplayConfig{
				SourceTopic: topic,
				Limit:       limit,
				Execute:     execute,
				FromNewest:  fromNewest,
				IdleTimeout: idleTimeout,
			})
			mode := "dry-run"
			if execute {
				mode = "execute"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode=%s processed=%d replayed=%d skipped=%d\n", mode, stats.Processed, stats.Replayed, stats.Skipped)
			return err
		},
	}
	replay.Flags().StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: JMS_KAFKA_BROKERS)")
	replay.Flags().StringVar(&topic, "topic", "", "DLQ topic (fallback: JMS_KAFKA_DLQ_TOPIC)")
	replay.Flags().IntVar(&limit, "limit", 100, "maximum messages to scan")
	replay.Flags().BoolVar(&execute, "execute", false, "actually re-publish messages")
	replay.Flags().BoolVar(&fromNewest, "from-newest", false, "scan only messages arriving after start")
	replay.Flags().DurationVar(&idleTimeout, "idle-timeout", 2*time.Second, "stop after this long without new messages")

	cmd.AddCommand(replay)
	return cmd
}
