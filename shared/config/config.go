// Package config reads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt returns an integer environment variable or default value.
func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns a float environment variable or default value.
func GetFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetDuration returns a duration environment variable or default value.
// Accepts Go duration strings ("30s", "1h") and bare integers, which are
// read as seconds.
func GetDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Config is the full configuration surface of the driftwatch service.
type Config struct {
	Port     int
	LogLevel string

	// Storage
	StoreDriver string // "sqlite", "postgres", "memory"
	SQLitePath  string
	DatabaseURL string
	RedisAddr   string

	// Model artifacts
	ModelPath         string
	FeatureListPath   string
	ReferenceDataPath string
	DecisionThreshold float64

	// Drift evaluation
	MinRecordsForDrift   int
	DriftInterval        time.Duration
	WindowSize           int
	DriftThreshold       float64
	DriftMethod          string
	OverallDriftFraction float64
	EvaluationTimeout    time.Duration

	// Reports
	ReportOutputDir string
}

// Load reads the configuration from the environment and validates it. A
// .env file in the working directory is merged in when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     GetInt("PORT", 8000),
		LogLevel: Get("LOG_LEVEL", "info"),

		StoreDriver: Get("STORE_DRIVER", "sqlite"),
		SQLitePath:  Get("SQLITE_PATH", "data/live_data.db"),
		DatabaseURL: Get("DATABASE_URL", ""),
		RedisAddr:   Get("REDIS_ADDR", ""),

		ModelPath:         Get("MODEL_PATH", "artifacts/model.json"),
		FeatureListPath:   Get("FEATURE_LIST_PATH", "artifacts/feature_list.json"),
		ReferenceDataPath: Get("REFERENCE_DATA_PATH", "artifacts/reference_data.csv"),
		DecisionThreshold: GetFloat("DECISION_THRESHOLD", 0.5),

		MinRecordsForDrift:   GetInt("MIN_RECORDS_FOR_DRIFT", 500),
		DriftInterval:        GetDuration("DRIFT_DETECTION_INTERVAL", time.Hour),
		WindowSize:           GetInt("DRIFT_WINDOW_SIZE", 1000),
		DriftThreshold:       GetFloat("DRIFT_THRESHOLD", 0.05),
		DriftMethod:          Get("DRIFT_METHOD", "ks"),
		OverallDriftFraction: GetFloat("OVERALL_DRIFT_FRACTION", 0.5),
		EvaluationTimeout:    GetDuration("EVALUATION_TIMEOUT", 30*time.Second),

		ReportOutputDir: Get("REPORT_OUTPUT_DIR", "reports"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d outside 1-65535", c.Port)
	}
	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.DriftMethod {
	case "ks", "psi", "wasserstein":
	default:
		return fmt.Errorf("unknown DRIFT_METHOD %q", c.DriftMethod)
	}
	if c.MinRecordsForDrift < 1 {
		return fmt.Errorf("MIN_RECORDS_FOR_DRIFT must be at least 1")
	}
	if c.WindowSize < c.MinRecordsForDrift {
		return fmt.Errorf("DRIFT_WINDOW_SIZE %d below MIN_RECORDS_FOR_DRIFT %d",
			c.WindowSize, c.MinRecordsForDrift)
	}
	if c.DriftThreshold <= 0 {
		return fmt.Errorf("DRIFT_THRESHOLD must be positive")
	}
	if c.OverallDriftFraction <= 0 || c.OverallDriftFraction > 1 {
		return fmt.Errorf("OVERALL_DRIFT_FRACTION %v outside (0, 1]", c.OverallDriftFraction)
	}
	if c.DecisionThreshold <= 0 || c.DecisionThreshold >= 1 {
		return fmt.Errorf("DECISION_THRESHOLD %v outside (0, 1)", c.DecisionThreshold)
	}
	if c.DriftInterval <= 0 {
		return fmt.Errorf("DRIFT_DETECTION_INTERVAL must be positive")
	}
	if c.EvaluationTimeout <= 0 {
		return fmt.Errorf("EVALUATION_TIMEOUT must be positive")
	}
	return nil
}
