package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved runtime configuration. Values come from the
// environment; see Load for the keys and defaults.
type Config struct {
	KafkaBroker    string
	Topic          string
	Partitions     int
	GroupID        string
	ClientID       string
	RequiredAcks   string
	EmbeddedBroker bool

	ProbeTimeout time.Duration
	ProbePayload string

	ApiPort          string
	MessageMaxLength int
	SchemaPath       string

	DeliveryStore string
	MongoURI      string
	SQLitePath    string
	PostgresDSN   string

	OIDCIssuer      string
	OIDCClientID    string
	OIDCAudience    string
	OIDCCAFile      string
	OIDCMaxAttempts int

	BasicAuthUser string
	// BasicAuthHash is a bcrypt hash; see the hash-password command.
	BasicAuthHash string

	GRPCPort string

	LogLevel string
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		KafkaBroker:    GetEnv("KAFKA_BROKER", "localhost:9092"),
		Topic:          GetEnv("KAFKA_TOPIC", GetEnv("TEST_TOPIC", "embedded-test-topic")),
		Partitions:     GetEnvInt("KAFKA_PARTITIONS", 1),
		GroupID:        GetEnv("KAFKA_GROUP_ID", "embedded-test-group"),
		ClientID:       GetEnv("KAFKA_CLIENT_ID", "embeddedtest"),
		RequiredAcks:   GetEnv("KAFKA_REQUIRED_ACKS", "all"),
		EmbeddedBroker: GetEnvBool("EMBEDDED_BROKER", true),

		ProbeTimeout: GetEnvDuration("PROBE_TIMEOUT", 10*time.Second),
		ProbePayload: GetEnv("PROBE_PAYLOAD", "hello world"),

		ApiPort:          GetEnv("API_PORT", "8080"),
		MessageMaxLength: GetEnvInt("MESSAGE_MAX_LENGTH", 1000),
		SchemaPath:       GetEnv("SCHEMA_PATH", ""),

		DeliveryStore: GetEnv("DELIVERY_STORE", "memory"),
		MongoURI:      GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		SQLitePath:    GetEnv("SQLITE_PATH", "./deliveries.db"),
		PostgresDSN:   GetEnv("POSTGRES_DSN", ""),

		OIDCIssuer:      GetEnv("OIDC_ISSUER_URL", ""),
		OIDCClientID:    GetEnv("OIDC_CLIENT_ID", "embeddedtest"),
		OIDCAudience:    GetEnv("OIDC_AUDIENCE", "embeddedtest"),
		OIDCCAFile:      GetEnv("OIDC_CA_FILE", ""),
		OIDCMaxAttempts: GetEnvInt("OIDC_MAX_ATTEMPTS", 8),

		BasicAuthUser: GetEnv("API_BASIC_USER", ""),
		BasicAuthHash: GetEnv("API_BASIC_PASSWORD_HASH", ""),

		GRPCPort: GetEnv("GRPC_PORT", "9090"),

		LogLevel: GetEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports the first configuration value that cannot be used.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if c.KafkaBroker == "" {
		return fmt.Errorf("kafka broker address must not be empty")
	}
	if c.Partitions < 1 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	switch strings.ToLower(c.RequiredAcks) {
	case "all", "one", "none", "-1", "1", "0":
	default:
		return fmt.Errorf("unknown required acks %q", c.RequiredAcks)
	}
	switch c.DeliveryStore {
	case "memory", "mongo", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown delivery store %q", c.DeliveryStore)
	}
	if (c.BasicAuthUser == "") != (c.BasicAuthHash == "") {
		return fmt.Errorf("API_BASIC_USER and API_BASIC_PASSWORD_HASH must be set together")
	}
	if c.DeliveryStore == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required for the postgres delivery store")
	}
	return nil
}

// GetEnv returns the value of the environment variable or a default value
func GetEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func GetEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func GetEnvBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

// GetEnvDuration accepts Go durations ("10s") or a bare number of seconds.
func GetEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
