package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stratumhq/stratum"
	"github.com/stratumhq/stratum/relay/kafka"
)

// NewRelayCommand creates the relay command.
func NewRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward committed events to Kafka",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Tail the event log and publish new events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			checkpoints, err := checkpointBackend(backend)
			if err != nil {
				return err
			}

			if len(cfg.Relay.Brokers) == 0 {
				return fmt.Errorf("relay.brokers is empty")
			}

			kafkaOpts := []kafka.Option{kafka.WithBrokers(cfg.Relay.Brokers...)}
			if cfg.Relay.Topic != "" {
				kafkaOpts = append(kafkaOpts, kafka.WithTopic(cfg.Relay.Topic))
			}
			if cfg.Relay.TopicPrefix != "" {
				kafkaOpts = append(kafkaOpts, kafka.WithTopicPrefix(cfg.Relay.TopicPrefix))
			}
			publisher := kafka.New(kafkaOpts...)
			defer publisher.Close()

			logger := newLogger()
			store := stratum.New(backend, stratum.WithLogger(logger))

			relayOpts := []stratum.RelayOption{stratum.WithRelayLogger(logger)}
			if cfg.Relay.Name != "" {
				relayOpts = append(relayOpts, stratum.WithRelayName(cfg.Relay.Name))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("relay starting", "brokers", cfg.Relay.Brokers)
			return stratum.NewRelay(store, checkpoints, publisher, relayOpts...).Run(ctx)
		},
	})

	return cmd
}
