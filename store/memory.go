package store

import (
	"context"
	"sort"
	"sync"

	"embeddedtest/models"
)

// Memory keeps deliveries in process. It is the default store and the one
// the tests use.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]struct{}
	items []models.Delivery
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]struct{})}
}

func (m *Memory) InsertDelivery(_ context.Context, d models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[d.MessageID]; ok {
		return nil
	}
	m.byID[d.MessageID] = struct{}{}
	m.items = append(m.items, d)
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, limit int) ([]models.Delivery, error) {
	m.mu.RLock()
	out := make([]models.Delivery, len(m.items))
	copy(out, m.items)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }
