// Command consumer runs a consumer-group worker against a configured
// stream, wired against a real Redis/Valkey backend. The handler wired
// here is a reference no-op that acknowledges every delivery after
// logging it; embedders are expected to replace it with their own
// business logic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AkikoAkaki/streamq/internal/config"
	"github.com/AkikoAkaki/streamq/internal/consumer"
	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/logging"
	"github.com/AkikoAkaki/streamq/internal/retrypolicy"
	"github.com/AkikoAkaki/streamq/internal/streamclient/redisclient"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "consumer",
		Short: "Run a streamq consumer-group worker",
		RunE:  serveCmd().RunE,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (required)")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consumer worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
			}
			if configFile == "" {
				return fmt.Errorf("consumer: --config or CONFIG_FILE is required")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("consumer: load config: %w", err)
			}
			logging.Init(cfg.Logging)
			log := logging.Get()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb := redisclient.Dial(cfg.Redis)
			defer rdb.Close()
			client := redisclient.New(rdb)
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("consumer: ping redis: %w", err)
			}

			policy := retrypolicy.New(retrypolicy.Config{
				MaxAttempts: cfg.RetryPolicy.MaxAttempts,
				Strategy:    retrypolicy.Strategy(cfg.RetryPolicy.Strategy),
				DelayMs:     cfg.RetryPolicy.DelayMs,
				BaseMs:      cfg.RetryPolicy.BaseMs,
				MaxDelayMs:  cfg.RetryPolicy.MaxDelayMs,
			})

			w := consumer.New(client, envelope.JSONCodec{}, consumer.Config{
				Stream:     cfg.Consumer.Stream,
				Group:      cfg.Consumer.Group,
				Consumer:   cfg.Consumer.Consumer,
				Scheduling: consumer.SchedulingMode(cfg.Consumer.Scheduling),
				RetryZset:  cfg.Consumer.RetryZset,
				Batch: consumer.BatchConfig{
					Count:   cfg.Consumer.Batch.Count,
					BlockMs: cfg.Consumer.Batch.BlockMs,
				},
				PelClaim: consumer.PelClaimConfig{
					Enabled:    cfg.Consumer.PelClaim.Enabled,
					MinIdleMs:  cfg.Consumer.PelClaim.MinIdleMs,
					MaxPerTick: cfg.Consumer.PelClaim.MaxPerTick,
					IntervalMs: cfg.Consumer.PelClaim.IntervalMs,
				},
				Idempotency: consumer.IdempotencyConfig{
					PendingTTLSec: cfg.Consumer.Idempotency.PendingTTLSec,
					DoneTTLSec:    cfg.Consumer.Idempotency.DoneTTLSec,
				},
			}, policy, referenceHandler(log), log)

			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("consumer: start: %w", err)
			}
			log.WithField("consumer", w.Consumer()).Info("consumer: running")

			<-ctx.Done()
			log.Info("consumer: shutting down, draining in-flight work")
			w.Stop(true, 10_000)
			log.Info("consumer: shutdown complete")
			return nil
		},
	}
}

func referenceHandler(log *logrus.Logger) consumer.Handler {
	return func(ctx context.Context, payload []byte, meta consumer.Meta) error {
		log.WithFields(logrus.Fields{"type": meta.Headers.Type, "attempt": meta.Headers.Attempt}).
			Info("consumer: received message")
		return nil
	}
}
