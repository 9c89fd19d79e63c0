package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps events in process memory. Used by tests and as a
// throwaway driver for local development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []PredictionEvent
	nextID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Append(ctx context.Context, ev PredictionEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("append", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = m.nextID
	m.nextID++
	ev.Features = copyFeatures(ev.Features)
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *MemoryStore) Recent(ctx context.Context, n int) ([]PredictionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || len(m.events) == 0 {
		return nil, nil
	}
	start := len(m.events) - n
	if start < 0 {
		start = 0
	}
	return copyEvents(m.events[start:]), nil
}

func (m *MemoryStore) Since(ctx context.Context, t time.Time) ([]PredictionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("since", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PredictionEvent
	for _, ev := range m.events {
		if !ev.Timestamp.Before(t) {
			ev.Features = copyFeatures(ev.Features)
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("count", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

func copyEvents(src []PredictionEvent) []PredictionEvent {
	out := make([]PredictionEvent, len(src))
	for i, ev := range src {
		ev.Features = copyFeatures(ev.Features)
		out[i] = ev
	}
	return out
}
