package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"embeddedtest/config"
	"embeddedtest/logger"
)

// EnsureTopic creates cfg.Topic with cfg.Partitions partitions unless it
// already exists.
func EnsureTopic(ctx context.Context, cfg config.Config) error {
	client := &kafka.Client{Addr: kafka.TCP(cfg.KafkaBroker), Timeout: 10 * time.Second}
	res, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             cfg.Topic,
			NumPartitions:     cfg.Partitions,
			ReplicationFactor: 1,
		}},
	})
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	if err := res.Errors[cfg.Topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	logger.Info("topic ready", logger.FieldKV("topic", cfg.Topic), logger.FieldKV("partitions", cfg.Partitions))
	return nil
}

// ReadLag reports how far a fresh reader of partition 0 would be behind the
// end of cfg.Topic. Readiness checks use it to prove the broker answers.
func ReadLag(ctx context.Context, cfg config.Config) (int64, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{cfg.KafkaBroker},
		Topic:     cfg.Topic,
		Partition: 0,
	})
	defer r.Close()
	return r.ReadLag(ctx)
}
