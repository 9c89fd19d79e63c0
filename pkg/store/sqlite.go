package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so lexicographic order equals chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS predictions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	features TEXT NOT NULL,
	prediction INTEGER NOT NULL,
	probability REAL NOT NULL,
	latency_ms REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_timestamp ON predictions(timestamp);
`

// SQLiteStore persists events in a local SQLite file. This is the default
// driver for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. The connection pool is capped at one connection so concurrent
// appends serialize without busy errors.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("open", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, storageErr("open", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storageErr("schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev PredictionEvent) (int64, error) {
	features, err := json.Marshal(ev.Features)
	if err != nil {
		return 0, storageErr("append", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions(timestamp, features, prediction, probability, latency_ms) VALUES(?,?,?,?,?)`,
		ev.Timestamp.UTC().Format(sqliteTimeLayout),
		string(features),
		boolToInt(ev.Decision),
		ev.Score,
		durationMs(ev.Latency),
	)
	if err != nil {
		return 0, storageErr("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append", err)
	}
	return id, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]PredictionEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, features, prediction, probability, latency_ms
FROM predictions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	events, err := scanSQLiteEvents(rows)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	reverse(events)
	return events, nil
}

func (s *SQLiteStore) Since(ctx context.Context, t time.Time) ([]PredictionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, features, prediction, probability, latency_ms
FROM predictions WHERE timestamp >= ? ORDER BY id ASC`,
		t.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, storageErr("since", err)
	}
	events, err := scanSQLiteEvents(rows)
	if err != nil {
		return nil, storageErr("since", err)
	}
	return events, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&count); err != nil {
		return 0, storageErr("count", err)
	}
	return count, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanSQLiteEvents(rows *sql.Rows) ([]PredictionEvent, error) {
	defer rows.Close()

	var events []PredictionEvent
	for rows.Next() {
		var (
			ev        PredictionEvent
			ts        string
			features  string
			decision  int
			latencyMs float64
		)
		if err := rows.Scan(&ev.ID, &ts, &features, &decision, &ev.Score, &latencyMs); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		ev.Timestamp = parsed
		if err := json.Unmarshal([]byte(features), &ev.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		ev.Decision = decision != 0
		ev.Latency = msDuration(latencyMs)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func reverse(events []PredictionEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
