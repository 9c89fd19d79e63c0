// Command driftwatch serves fraud predictions and monitors the live feature
// distribution for drift against the training-time reference.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftwatch/pkg/metrics"
	"driftwatch/pkg/ml"
	"driftwatch/pkg/monitor"
	otelobs "driftwatch/pkg/observability/otel"
	"driftwatch/pkg/report"
	"driftwatch/pkg/store"
	"driftwatch/shared/config"
	"driftwatch/shared/eventbus"
	"driftwatch/shared/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New("driftwatch", cfg.LogLevel)

	features, err := ml.LoadFeatureList(cfg.FeatureListPath)
	if err != nil {
		log.Fatalf("load feature list: %v", err)
	}
	scorer, err := ml.LoadScorer(cfg.ModelPath, features, cfg.DecisionThreshold)
	if err != nil {
		log.Fatalf("load model: %v", err)
	}
	baseline, err := ml.LoadBaseline(cfg.ReferenceDataPath, features)
	if err != nil {
		log.Fatalf("load reference baseline: %v", err)
	}
	logger.Info().
		Int("features", len(features)).
		Int("reference_rows", baseline.Size()).
		Msg("model artifacts loaded")

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.StoreDriver, err)
	}
	defer st.Close()

	engine := ml.NewEngine(baseline, ml.EngineConfig{
		Method:          cfg.DriftMethod,
		Threshold:       cfg.DriftThreshold,
		MinRecords:      cfg.MinRecordsForDrift,
		OverallFraction: cfg.OverallDriftFraction,
	})

	bus := eventbus.NewBus(64)
	defer bus.Close()

	var sink monitor.ReportSink
	if cfg.RedisAddr != "" {
		rs, err := monitor.NewRedisSink(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("connect redis %s: %v", cfg.RedisAddr, err)
		}
		defer rs.Close()
		sink = rs
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis report sink enabled")
	}

	svc := monitor.New(st, engine, monitor.Config{
		Interval:          cfg.DriftInterval,
		WindowSize:        cfg.WindowSize,
		EvaluationTimeout: cfg.EvaluationTimeout,
	}, logging.Component(logger, "monitor"), bus, sink)

	bus.Register(monitor.NewAlertLogger(logging.Component(logger, "alerts")))
	bus.Register(report.NewSummaryWriter(svc, cfg.ReportOutputDir, logging.Component(logger, "report")))

	shutdownTracer := otelobs.InitTracer("driftwatch")
	defer func() { _ = shutdownTracer(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go svc.Run(ctx)

	api := newAPIServer(scorer, svc, logging.Component(logger, "api"))
	httpMetrics := metrics.NewHTTPMetrics("driftwatch", routePaths...)

	var handler http.Handler = api.routes()
	handler = httpMetrics.Middleware(handler)
	handler = otelobs.HTTPTraceLogMiddleware(logging.Component(logger, "http"), handler)
	handler = otelobs.WrapHTTPHandler("driftwatch", handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().
		Int("port", cfg.Port).
		Str("store", cfg.StoreDriver).
		Str("method", cfg.DriftMethod).
		Dur("interval", cfg.DriftInterval).
		Msg("driftwatch listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
	logger.Info().Msg("driftwatch stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return store.OpenPostgres(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
