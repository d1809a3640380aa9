package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embeddedtest/config"
	"embeddedtest/models"
)

func delivery(id string, offset int64, received time.Time) models.Delivery {
	return models.Delivery{
		MessageID:  id,
		Topic:      "embedded-test-topic",
		Offset:     offset,
		Key:        id,
		Value:      "hello world",
		Timestamp:  received.Add(-time.Millisecond),
		ReceivedAt: received,
	}
}

func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Ping(ctx))
	require.NoError(t, repo.InsertDelivery(ctx, delivery("a", 0, base)))
	require.NoError(t, repo.InsertDelivery(ctx, delivery("b", 1, base.Add(time.Second))))
	require.NoError(t, repo.InsertDelivery(ctx, delivery("c", 2, base.Add(2*time.Second))))
	// duplicate ids are ignored
	require.NoError(t, repo.InsertDelivery(ctx, delivery("a", 7, base.Add(time.Hour))))

	all, err := repo.ListDeliveries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].MessageID, all[1].MessageID, all[2].MessageID})
	assert.Equal(t, int64(0), all[2].Offset)
	assert.Equal(t, "hello world", all[0].Value)
	assert.True(t, all[0].ReceivedAt.Equal(base.Add(2*time.Second)))

	two, err := repo.ListDeliveries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "c", two[0].MessageID)
}

func TestMemoryRepository(t *testing.T) {
	exerciseRepository(t, NewMemory())
}

func TestSQLiteRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQL(ctx, DriverSQLite, filepath.Join(t.TempDir(), "deliveries.db"))
	require.NoError(t, err)
	defer repo.Close(ctx)

	exerciseRepository(t, repo)
	// migrating twice is harmless
	require.NoError(t, repo.Migrate(ctx))
}

func TestSQLiteRebind(t *testing.T) {
	s := &SQL{driver: DriverSQLite}
	assert.Equal(t, "VALUES (?1, ?2)", s.rebind("VALUES ($1, $2)"))
	pg := &SQL{driver: DriverPostgres}
	assert.Equal(t, "VALUES ($1, $2)", pg.rebind("VALUES ($1, $2)"))
}

func TestMongoWithoutInit(t *testing.T) {
	ctx := context.Background()
	var m Mongo
	assert.ErrorIs(t, m.Ping(ctx), ErrNotInitialized)
	assert.ErrorIs(t, m.InsertDelivery(ctx, delivery("a", 0, time.Now())), ErrNotInitialized)
	_, err := m.ListDeliveries(ctx, 10)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, m.Close(ctx))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	repo, err := Open(ctx, config.Config{DeliveryStore: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, repo)

	repo, err = Open(ctx, config.Config{DeliveryStore: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "d.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQL{}, repo)
	require.NoError(t, repo.Close(ctx))

	_, err = Open(ctx, config.Config{DeliveryStore: "redis"})
	assert.Error(t, err)
}
