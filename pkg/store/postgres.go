package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"driftwatch/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists events in PostgreSQL for multi-replica deployments.
type PostgresStore struct {
	db *database.Database
}

// OpenPostgres connects to the database at url and applies pending schema
// migrations before returning.
func OpenPostgres(url string) (*PostgresStore, error) {
	db, err := database.Connect(database.Config{URL: url})
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := database.AutoMigrate(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, storageErr("migrate", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, ev PredictionEvent) (int64, error) {
	features, err := json.Marshal(ev.Features)
	if err != nil {
		return 0, storageErr("append", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO predictions(ts, features, prediction, probability, latency_ms)
VALUES($1, $2, $3, $4, $5) RETURNING id`,
		ev.Timestamp.UTC(),
		string(features),
		boolToInt(ev.Decision),
		ev.Score,
		durationMs(ev.Latency),
	).Scan(&id)
	if err != nil {
		return 0, storageErr("append", err)
	}
	return id, nil
}

func (s *PostgresStore) Recent(ctx context.Context, n int) ([]PredictionEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, features, prediction, probability, latency_ms
FROM predictions ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	events, err := scanPostgresEvents(rows)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	reverse(events)
	return events, nil
}

func (s *PostgresStore) Since(ctx context.Context, t time.Time) ([]PredictionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, features, prediction, probability, latency_ms
FROM predictions WHERE ts >= $1 ORDER BY id ASC`, t.UTC())
	if err != nil {
		return nil, storageErr("since", err)
	}
	events, err := scanPostgresEvents(rows)
	if err != nil {
		return nil, storageErr("since", err)
	}
	return events, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&count); err != nil {
		return 0, storageErr("count", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// PoolStats exposes connection pool counters from the underlying database.
func (s *PostgresStore) PoolStats() map[string]interface{} {
	return s.db.PoolStats()
}

func scanPostgresEvents(rows *sql.Rows) ([]PredictionEvent, error) {
	defer rows.Close()

	var events []PredictionEvent
	for rows.Next() {
		var (
			ev        PredictionEvent
			features  []byte
			decision  int
			latencyMs float64
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &features, &decision, &ev.Score, &latencyMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(features, &ev.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		ev.Decision = decision != 0
		ev.Latency = msDuration(latencyMs)
		events = append(events, ev)
	}
	return events, rows.Err()
}
