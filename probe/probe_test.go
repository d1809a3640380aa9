package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embeddedtest/broker"
	"embeddedtest/config"
)

func testConfig() config.Config {
	return config.Config{
		KafkaBroker:    "127.0.0.1:0",
		Topic:          "embedded-test-topic",
		Partitions:     1,
		GroupID:        "probe-test-group",
		ClientID:       "probe-test",
		RequiredAcks:   "all",
		EmbeddedBroker: true,
		ProbeTimeout:   10 * time.Second,
		ProbePayload:   "hello world",
		DeliveryStore:  "memory",
	}
}

func TestHelloWorldIsConsumed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := Run(ctx, testConfig(), "hello world")
	require.NoError(t, err)
	assert.True(t, res.Consumed)
	assert.Contains(t, res.Payload, "hello world")
	assert.Less(t, res.Elapsed, 10*time.Second)
}

func TestHelloWorldWithLoadedDefaults(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := config.Load()
	require.NotEmpty(t, cfg.GroupID)
	cfg.KafkaBroker = "127.0.0.1:0"

	start := time.Now()
	res, err := Run(ctx, cfg, cfg.ProbePayload)
	require.NoError(t, err)
	assert.True(t, res.Consumed)
	assert.Contains(t, res.Payload, "hello world")
	// closing must not wait out the consumer's session timeout
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNothingSentTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	h, err := Start(ctx, testConfig())
	require.NoError(t, err)
	defer h.Close()

	res, err := h.Await(500*time.Millisecond, "hello world")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, res.Consumed)
	assert.Empty(t, res.Payload)
	assert.Equal(t, 1, h.Consumer().Latch().Count())
}

func TestSecondSendDoesNotSignalAgain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	h, err := Start(ctx, testConfig())
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Send(ctx, "first message"))
	require.NoError(t, h.Send(ctx, "second message"))

	res, err := h.Await(10*time.Second, "message")
	require.NoError(t, err)
	assert.True(t, res.Consumed)

	require.Eventually(t, func() bool { return h.Consumer().Received() == 2 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.Consumer().Latch().Count())
	assert.Contains(t, h.Consumer().Payload(), "second message")
	assert.NotContains(t, h.Consumer().Payload(), "first message")
}

func TestPayloadMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	h, err := Start(ctx, testConfig())
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Send(ctx, "something else"))
	res, err := h.Await(10*time.Second, "hello world")
	assert.ErrorIs(t, err, ErrPayloadMismatch)
	assert.True(t, res.Consumed)
}

func TestExternalBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	b := broker.New(broker.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	cfg := testConfig()
	cfg.EmbeddedBroker = false
	cfg.KafkaBroker = b.Addr()
	cfg.GroupID = ""

	res, err := Run(ctx, cfg, "hello world")
	require.NoError(t, err)
	assert.Contains(t, res.Payload, "hello world")

	topics := b.Topics()
	require.Len(t, topics, 1)
	assert.Equal(t, cfg.Topic, topics[0].Name)
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Topic = ""
	_, err := Run(context.Background(), cfg, "hello world")
	assert.Error(t, err)
}
