package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"embeddedtest/config"
	"embeddedtest/latch"
	"embeddedtest/logger"
	"embeddedtest/metrics"
	"embeddedtest/models"
)

// Consumer reads one topic and keeps the rendering of the latest record.
// Every record counts the latch down; the latch itself decides whether that
// releases anyone.
type Consumer struct {
	r     *kafka.Reader
	topic string
	latch *latch.Latch

	// OnDelivery, when set before Run, is called for every record.
	OnDelivery func(models.Delivery)

	mu       sync.Mutex
	payload  string
	received int
}

// NewConsumer subscribes to cfg.Topic as a member of cfg.GroupID, or reads
// partition 0 directly when no group is configured.
func NewConsumer(cfg config.Config, l *latch.Latch) *Consumer {
	rc := kafka.ReaderConfig{
		Brokers:     []string{cfg.KafkaBroker},
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
		Logger:      logger.KafkaLogger("consumer"),
		ErrorLogger: logger.KafkaErrorLogger("consumer"),
	}
	if cfg.GroupID != "" {
		rc.GroupID = cfg.GroupID
		rc.HeartbeatInterval = time.Second
	} else {
		rc.Partition = 0
	}
	if l == nil {
		l = latch.New(1)
	}
	return &Consumer{r: kafka.NewReader(rc), topic: cfg.Topic, latch: l}
}

// Run reads until ctx ends or the consumer is closed. Any other read error
// is returned to the caller.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("starting kafka reader", logger.FieldKV("topic", c.topic))
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error("error reading message from kafka", err, logger.FieldKV("topic", c.topic))
			return fmt.Errorf("read message: %w", err)
		}
		logger.Debug("message read from kafka",
			logger.FieldKV("partition", m.Partition),
			logger.FieldKV("offset", m.Offset))

		d := toDelivery(m)
		c.mu.Lock()
		c.payload = d.String()
		c.received++
		c.mu.Unlock()

		metrics.RecordDelivery(d.Topic)
		c.latch.CountDown()
		if c.OnDelivery != nil {
			c.OnDelivery(d)
		}
	}
}

func toDelivery(m kafka.Message) models.Delivery {
	id := string(m.Key)
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}
	return models.Delivery{
		MessageID:  id,
		Topic:      m.Topic,
		Partition:  m.Partition,
		Offset:     m.Offset,
		Key:        string(m.Key),
		Value:      string(m.Value),
		Timestamp:  m.Time,
		ReceivedAt: time.Now().UTC(),
	}
}

func (c *Consumer) Latch() *latch.Latch { return c.latch }

// Payload is the rendering of the most recent record, empty before the
// first one arrives.
func (c *Consumer) Payload() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

func (c *Consumer) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *Consumer) Close() error {
	if err := c.r.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}
