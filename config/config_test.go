package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_ENV_VAR", "test_value")
	assert.Equal(t, "test_value", GetEnv("TEST_ENV_VAR", "default_value"))
	assert.Equal(t, "default_value", GetEnv("NON_EXISTENT_VAR", "default_value"))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("DUR_GO", "250ms")
	t.Setenv("DUR_SECONDS", "3")
	t.Setenv("DUR_BAD", "soon")

	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("DUR_GO", time.Second))
	assert.Equal(t, 3*time.Second, GetEnvDuration("DUR_SECONDS", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("DUR_BAD", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("DUR_MISSING", time.Second))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "localhost:9092", cfg.KafkaBroker)
	assert.Equal(t, "embedded-test-topic", cfg.Topic)
	assert.Equal(t, 1, cfg.Partitions)
	assert.Equal(t, 10*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, "hello world", cfg.ProbePayload)
	assert.True(t, cfg.EmbeddedBroker)
	require.NoError(t, cfg.Validate())
}

func TestLoadTopicFallback(t *testing.T) {
	t.Setenv("TEST_TOPIC", "from-test-topic")
	assert.Equal(t, "from-test-topic", Load().Topic)

	t.Setenv("KAFKA_TOPIC", "from-kafka-topic")
	assert.Equal(t, "from-kafka-topic", Load().Topic)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty topic", func(c *Config) { c.Topic = " " }},
		{"zero partitions", func(c *Config) { c.Partitions = 0 }},
		{"zero timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"bad acks", func(c *Config) { c.RequiredAcks = "some" }},
		{"bad store", func(c *Config) { c.DeliveryStore = "cassandra" }},
		{"postgres without dsn", func(c *Config) { c.DeliveryStore = "postgres"; c.PostgresDSN = "" }},
		{"basic user without hash", func(c *Config) { c.BasicAuthUser = "ops"; c.BasicAuthHash = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
