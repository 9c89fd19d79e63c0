package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"driftwatch/pkg/ml"
)

// Redis key layout. Reports are kept for a week, alerts for a month.
const (
	redisKeyLatestReport = "driftwatch:report:latest"
	redisKeyReportPrefix = "driftwatch:report:"
	redisKeyAlertPrefix  = "driftwatch:alert:"

	redisReportTTL = 7 * 24 * time.Hour
	redisAlertTTL  = 30 * 24 * time.Hour
)

// RedisSink persists drift reports and alerts to Redis so dashboards can read
// them without going through the service.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to addr and verifies the connection with a bounded
// retry before returning.
func NewRedisSink(addr string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(ping, bo); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &RedisSink{client: client}, nil
}

// StoreReport writes the report under its own id and refreshes the latest
// pointer.
func (s *RedisSink) StoreReport(ctx context.Context, rep *ml.DriftReport) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", rep.ID, err)
	}
	if err := s.client.Set(ctx, redisKeyReportPrefix+rep.ID, data, redisReportTTL).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyLatestReport, data, redisReportTTL).Err()
}

// StoreAlert writes one alert.
func (s *RedisSink) StoreAlert(ctx context.Context, alert DriftAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	return s.client.Set(ctx, redisKeyAlertPrefix+alert.ID, data, redisAlertTTL).Err()
}

// LatestReport reads the most recently stored report, or nil when none is
// stored.
func (s *RedisSink) LatestReport(ctx context.Context) (*ml.DriftReport, error) {
	data, err := s.client.Get(ctx, redisKeyLatestReport).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rep ml.DriftReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("unmarshal latest report: %w", err)
	}
	return &rep, nil
}

// Close releases the underlying client.
func (s *RedisSink) Close() error { return s.client.Close() }
