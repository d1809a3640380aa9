package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"embeddedtest/config"
	"embeddedtest/logger"
	"embeddedtest/metrics"
	"embeddedtest/models"
)

// Producer hands messages to a kafka-go Writer. The writer carries no topic
// of its own, so every call names its destination.
type Producer struct {
	w            *kafka.Writer
	defaultTopic string
}

func NewProducer(cfg config.Config) *Producer {
	return &Producer{
		defaultTopic: cfg.Topic,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBroker),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           RequiredAcks(cfg.RequiredAcks),
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
			Transport:              &kafka.Transport{ClientID: cfg.ClientID},
			Logger:                 logger.KafkaLogger("producer"),
			ErrorLogger:            logger.KafkaErrorLogger("producer"),
		},
	}
}

// RequiredAcks maps the KAFKA_REQUIRED_ACKS setting onto the writer's acks.
func RequiredAcks(s string) kafka.RequiredAcks {
	switch strings.ToLower(s) {
	case "none", "0":
		return kafka.RequireNone
	case "one", "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

// Send publishes payload as a plain text record keyed by a fresh message id.
// Client errors are returned as is.
func (p *Producer) Send(ctx context.Context, topic, payload string) error {
	id := uuid.NewString()
	logger.Debug("sending message", logger.FieldKV("topic", topic), logger.FieldKV("message_id", id))

	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(id),
		Value: []byte(payload),
	})
	metrics.RecordSend(topic, err)
	if err != nil {
		logger.Error("failed to write message to kafka", err, logger.FieldKV("topic", topic))
		return err
	}
	logger.Info("message written to kafka", logger.FieldKV("topic", topic), logger.FieldKV("message_id", id))
	return nil
}

// Publish writes msg as a JSON envelope to msg.Topic, or to the configured
// topic when msg names none.
func (p *Producer) Publish(ctx context.Context, msg models.Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.MessageID),
		Value: msgBytes,
	})
	metrics.RecordSend(topic, err)
	if err != nil {
		logger.Error("failed to write message to kafka", err, logger.FieldKV("topic", topic), logger.FieldKV("message_id", msg.MessageID))
		return err
	}
	logger.Info("message written to kafka", logger.FieldKV("topic", topic), logger.FieldKV("message_id", msg.MessageID))
	return nil
}

// DeadLetterTopic is where deliveries that could not be persisted go.
func DeadLetterTopic(topic string) string { return topic + ".dlq" }

// DeadLetter republishes d to the dead letter topic of d.Topic, recording
// reason in a header.
func (p *Producer) DeadLetter(ctx context.Context, d models.Delivery, reason string) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	topic := DeadLetterTopic(d.Topic)
	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(d.MessageID),
		Value:   body,
		Headers: []kafka.Header{{Key: "reason", Value: []byte(reason)}},
	})
	metrics.RecordSend(topic, err)
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", d.MessageID, err)
	}
	logger.Warn("delivery dead-lettered", logger.FieldKV("topic", topic), logger.FieldKV("message_id", d.MessageID), logger.FieldKV("reason", reason))
	return nil
}

func (p *Producer) Close() error {
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
