// Command sweeper runs the standalone pending-claim recovery loop,
// independent of any consumer worker's own read loop. The handler wired
// here is the same reference no-op used by cmd/consumer; embedders
// replace it with their own business logic.
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
	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/logging"
	"github.com/AkikoAkaki/streamq/internal/retrypolicy"
	"github.com/AkikoAkaki/streamq/internal/streamclient/redisclient"
	"github.com/AkikoAkaki/streamq/internal/sweeper"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Run the standalone pending-claim recovery sweeper",
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
		Short: "Start the sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
			}
			if configFile == "" {
				return fmt.Errorf("sweeper: --config or CONFIG_FILE is required")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("sweeper: load config: %w", err)
			}
			logging.Init(cfg.Logging)
			log := logging.Get()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb := redisclient.Dial(cfg.Redis)
			defer rdb.Close()
			client := redisclient.New(rdb)
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("sweeper: ping redis: %w", err)
			}

			policy := retrypolicy.New(retrypolicy.Config{
				MaxAttempts: cfg.RetryPolicy.MaxAttempts,
				Strategy:    retrypolicy.Strategy(cfg.RetryPolicy.Strategy),
				DelayMs:     cfg.RetryPolicy.DelayMs,
				BaseMs:      cfg.RetryPolicy.BaseMs,
				MaxDelayMs:  cfg.RetryPolicy.MaxDelayMs,
			})

			s := sweeper.New(client, envelope.JSONCodec{}, sweeper.Config{
				Stream:     cfg.Sweeper.Stream,
				Group:      cfg.Sweeper.Group,
				Consumer:   cfg.Sweeper.Consumer,
				RetryZset:  cfg.Sweeper.RetryZset,
				MinIdleMs:  cfg.Sweeper.MinIdleMs,
				MaxPerTick: cfg.Sweeper.MaxPerTick,
				IntervalMs: cfg.Sweeper.IntervalMs,
			}, policy, referenceHandler(log), log)

			s.Start(ctx)
			log.Info("sweeper: running")

			<-ctx.Done()
			log.Info("sweeper: shutting down")
			s.Stop()
			log.Info("sweeper: shutdown complete")
			return nil
		},
	}
}

func referenceHandler(log *logrus.Logger) sweeper.Handler {
	return func(ctx context.Context, payload []byte, meta sweeper.Meta) error {
		log.WithFields(logrus.Fields{"type": meta.Headers.Type, "attempt": meta.Headers.Attempt}).
			Info("sweeper: reclaimed message")
		return nil
	}
}
