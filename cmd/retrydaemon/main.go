// Command retrydaemon periodically drains due members of a retry sorted
// set back onto their target streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AkikoAkaki/streamq/internal/config"
	"github.com/AkikoAkaki/streamq/internal/logging"
	"github.com/AkikoAkaki/streamq/internal/retrydaemon"
	"github.com/AkikoAkaki/streamq/internal/streamclient/redisclient"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "retrydaemon",
		Short: "Run the retry sorted-set drain daemon",
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
		Short: "Start the retry daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
			}
			if configFile == "" {
				return fmt.Errorf("retrydaemon: --config or CONFIG_FILE is required")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("retrydaemon: load config: %w", err)
			}
			logging.Init(cfg.Logging)
			log := logging.Get()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb := redisclient.Dial(cfg.Redis)
			defer rdb.Close()
			client := redisclient.New(rdb)
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("retrydaemon: ping redis: %w", err)
			}

			d := retrydaemon.New(client, retrydaemon.Config{
				RetryZset:    cfg.RetryDaemon.RetryZset,
				TargetStream: cfg.RetryDaemon.TargetStream,
				TickMs:       cfg.RetryDaemon.TickMs,
				MaxBatch:     cfg.RetryDaemon.MaxBatch,
				JitterPct:    cfg.RetryDaemon.JitterPct,
			}, log)

			d.Start(ctx)
			log.Info("retrydaemon: running")

			<-ctx.Done()
			log.Info("retrydaemon: shutting down")
			d.Stop()
			log.Info("retrydaemon: shutdown complete")
			return nil
		},
	}
}
