// Command producer sends a single message onto a configured stream,
// wired against a real Redis/Valkey backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AkikoAkaki/streamq/internal/config"
	"github.com/AkikoAkaki/streamq/internal/envelope"
	"github.com/AkikoAkaki/streamq/internal/logging"
	"github.com/AkikoAkaki/streamq/internal/producer"
	"github.com/AkikoAkaki/streamq/internal/streamclient/redisclient"
)

var (
	configFile string
	msgType    string
	msgKey     string
	payload    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "producer",
		Short: "Send a message onto a streamq stream",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (required)")

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Encode and append one message",
		RunE:  runSend,
	}
	sendCmd.Flags().StringVar(&msgType, "type", "", "message type override")
	sendCmd.Flags().StringVar(&msgKey, "key", "", "idempotency/partition key")
	sendCmd.Flags().StringVar(&payload, "payload", "", "raw payload bytes")
	rootCmd.AddCommand(sendCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile == "" {
		return fmt.Errorf("producer: --config or CONFIG_FILE is required")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("producer: load config: %w", err)
	}
	logging.Init(cfg.Logging)
	log := logging.Get()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb := redisclient.Dial(cfg.Redis)
	defer rdb.Close()
	client := redisclient.New(rdb)
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("producer: ping redis: %w", err)
	}

	p := producer.New(client, envelope.JSONCodec{}, producer.Config{
		Stream:            cfg.Producer.Stream,
		DefaultType:       cfg.Producer.DefaultType,
		IdempotencyTTLSec: cfg.Producer.IdempotencyTTLSec,
	}, log)

	id, err := p.Send(ctx, []byte(payload), producer.SendOptions{Type: msgType, Key: msgKey})
	if err != nil {
		return fmt.Errorf("producer: send: %w", err)
	}

	log.WithField("id", id).Info("producer: message sent")
	return nil
}
