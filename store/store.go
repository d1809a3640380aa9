// Package store persists consumer deliveries. The repository behind it is
// chosen at startup: in-process memory, MongoDB, SQLite or Postgres.
package store

import (
	"context"
	"errors"
	"fmt"

	"embeddedtest/config"
	"embeddedtest/models"
)

var ErrNotInitialized = errors.New("delivery store not initialized")

// Repository is the persistence surface used by the consumer and the HTTP
// handlers. InsertDelivery is idempotent on the delivery's message id.
type Repository interface {
	InsertDelivery(ctx context.Context, d models.Delivery) error
	// ListDeliveries returns the newest deliveries first; limit <= 0 means all.
	ListDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open builds the repository named by cfg.DeliveryStore.
func Open(ctx context.Context, cfg config.Config) (Repository, error) {
	switch cfg.DeliveryStore {
	case "", "memory":
		return NewMemory(), nil
	case "mongo":
		return NewMongo(ctx, cfg.MongoURI, "embeddedtest")
	case "sqlite":
		return NewSQL(ctx, DriverSQLite, cfg.SQLitePath)
	case "postgres":
		return NewSQL(ctx, DriverPostgres, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown delivery store %q", cfg.DeliveryStore)
	}
}
