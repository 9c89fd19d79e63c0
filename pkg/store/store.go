// Package store persists scored prediction events. The store is append-only:
// historical events are never updated or deleted, so drift evaluations always
// see an unmodified past.
package store

import (
	"context"
	"fmt"
	"time"
)

// PredictionEvent is one scored transaction. Immutable once appended.
type PredictionEvent struct {
	ID        int64
	Features  map[string]float64
	Score     float64
	Decision  bool
	Latency   time.Duration
	Timestamp time.Time
}

// Store is an ordered, append-only collection of prediction events.
//
// Appends serialize at the storage boundary: Count and insertion order stay
// consistent under concurrent writers, and reads never observe a partially
// written event. Recent and Since return events in time-ascending order.
type Store interface {
	Append(ctx context.Context, ev PredictionEvent) (int64, error)
	Recent(ctx context.Context, n int) ([]PredictionEvent, error)
	Since(ctx context.Context, t time.Time) ([]PredictionEvent, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// StorageError wraps a failure of the underlying persistence medium. Callers
// on the scoring path absorb it; monitoring is best-effort, predictions are
// not.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func copyFeatures(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
