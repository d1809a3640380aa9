package kafka

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embeddedtest/broker"
	"embeddedtest/config"
	"embeddedtest/latch"
	"embeddedtest/models"
)

func testConfig(t *testing.T, topic string) config.Config {
	t.Helper()
	b := broker.New(broker.Config{Addr: "127.0.0.1:0", Topics: []string{topic}, AutoCreateTopics: true})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })

	return config.Config{
		KafkaBroker:  b.Addr(),
		Topic:        topic,
		Partitions:   1,
		GroupID:      "kafka-test-group",
		ClientID:     "kafka-test",
		RequiredAcks: "all",
	}
}

func TestRequiredAcks(t *testing.T) {
	assert.Equal(t, kafka.RequireAll, RequiredAcks("all"))
	assert.Equal(t, kafka.RequireAll, RequiredAcks("-1"))
	assert.Equal(t, kafka.RequireOne, RequiredAcks("one"))
	assert.Equal(t, kafka.RequireNone, RequiredAcks("NONE"))
	assert.Equal(t, kafka.RequireAll, RequiredAcks(""))
}

func TestSendReachesGroupConsumer(t *testing.T) {
	cfg := testConfig(t, "send-topic")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []models.Delivery
	c := NewConsumer(cfg, latch.New(1))
	c.OnDelivery = func(d models.Delivery) {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
	}
	defer c.Close()
	go c.Run(ctx)

	p := NewProducer(cfg)
	defer p.Close()
	require.NoError(t, p.Send(ctx, cfg.Topic, "hello world"))

	require.True(t, c.Latch().Await(10*time.Second))
	assert.Contains(t, c.Payload(), "hello world")
	assert.Equal(t, 1, c.Received())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "send-topic", seen[0].Topic)
	assert.Equal(t, int64(0), seen[0].Offset)
	assert.NotEmpty(t, seen[0].MessageID)
}

func TestPublishWritesEnvelope(t *testing.T) {
	cfg := testConfig(t, "publish-topic")
	cfg.GroupID = ""
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deliveries := make(chan models.Delivery, 1)
	c := NewConsumer(cfg, nil)
	c.OnDelivery = func(d models.Delivery) { deliveries <- d }
	defer c.Close()
	go c.Run(ctx)

	p := NewProducer(cfg)
	defer p.Close()
	msg := models.Message{MessageID: "m-1", Content: "envelope body", Timestamp: time.Now().UTC()}
	require.NoError(t, p.Publish(ctx, msg))

	select {
	case d := <-deliveries:
		assert.Equal(t, "m-1", d.MessageID)
		assert.Equal(t, "publish-topic", d.Topic)
		assert.Contains(t, d.Value, `"content":"envelope body"`)
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
	assert.True(t, c.Latch().Await(time.Millisecond))
}

func TestSendToUnreachableBrokerFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := NewProducer(config.Config{KafkaBroker: addr, Topic: "nowhere", RequiredAcks: "all"})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, p.Send(ctx, "nowhere", "hello world"))
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := testConfig(t, "idle-topic")
	c := NewConsumer(cfg, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, c.Received())
	assert.Empty(t, c.Payload())
}

func TestEnsureTopicAndReadLag(t *testing.T) {
	cfg := testConfig(t, "existing")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, EnsureTopic(ctx, cfg))

	cfg.Topic = "fresh"
	cfg.Partitions = 2
	require.NoError(t, EnsureTopic(ctx, cfg))
	require.NoError(t, EnsureTopic(ctx, cfg))

	p := NewProducer(cfg)
	defer p.Close()
	require.NoError(t, p.Send(ctx, "fresh", "a"))
	require.NoError(t, p.Send(ctx, "fresh", "b"))

	lag, err := ReadLag(ctx, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lag, int64(0))
}

func TestDeadLetter(t *testing.T) {
	cfg := testConfig(t, "dlq-source")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p := NewProducer(cfg)
	defer p.Close()
	d := models.Delivery{MessageID: "m-9", Topic: "dlq-source", Offset: 3, Value: "hello world"}
	require.NoError(t, p.DeadLetter(ctx, d, "store_failure"))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{cfg.KafkaBroker},
		Topic:     DeadLetterTopic("dlq-source"),
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   100 * time.Millisecond,
	})
	defer r.Close()
	m, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-9", string(m.Key))
	assert.Contains(t, string(m.Value), `"value":"hello world"`)
	require.Len(t, m.Headers, 1)
	assert.Equal(t, "reason", m.Headers[0].Key)
	assert.Equal(t, "store_failure", string(m.Headers[0].Value))
}
