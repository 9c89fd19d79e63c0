// Package monitor coordinates the two timelines of the service: the scoring
// path records prediction events into the store, and a background scheduler
// periodically evaluates the recorded window for drift against the reference
// baseline. At most one evaluation runs at a time; the cached report is
// replaced atomically and kept until superseded.
package monitor

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"driftwatch/pkg/ml"
	"driftwatch/pkg/store"
	"driftwatch/shared/eventbus"
)

// Bus topics published by the monitoring service.
const (
	TopicDriftReport = "drift.report"
	TopicDriftAlert  = "drift.alert"
)

// Evaluation outcome labels for the evaluations counter.
const (
	evalStatusOK           = "ok"
	evalStatusInsufficient = "insufficient_data"
	evalStatusTimeout      = "timeout"
	evalStatusError        = "error"
	evalStatusSkipped      = "skipped"
)

var (
	predictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "driftwatch", Name: "predictions_total", Help: "Total prediction events recorded."},
	)
	fraudPredictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "driftwatch", Name: "predictions_fraud_total", Help: "Prediction events with a fraud decision."},
	)
	recordFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "driftwatch", Name: "record_failures_total", Help: "Prediction events dropped by storage failures."},
	)
	scoringLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "driftwatch", Name: "scoring_latency_seconds", Help: "Latency of the scoring call per recorded event.", Buckets: prometheus.DefBuckets},
	)
	driftScoreGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "driftwatch", Subsystem: "drift", Name: "score", Help: "Latest drift statistic per feature."},
		[]string{"feature"},
	)
	driftAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driftwatch", Subsystem: "drift", Name: "alerts_total", Help: "Drift alerts emitted by severity and feature."},
		[]string{"severity", "feature"},
	)
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driftwatch", Subsystem: "drift", Name: "evaluations_total", Help: "Drift evaluation cycles by outcome."},
		[]string{"status"},
	)
	evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "driftwatch", Subsystem: "drift", Name: "evaluation_duration_seconds", Help: "Wall time of drift evaluation cycles.", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	_ = prometheus.Register(predictionsTotal)
	_ = prometheus.Register(fraudPredictionsTotal)
	_ = prometheus.Register(recordFailuresTotal)
	_ = prometheus.Register(scoringLatency)
	_ = prometheus.Register(driftScoreGauge)
	_ = prometheus.Register(driftAlertsTotal)
	_ = prometheus.Register(evaluationsTotal)
	_ = prometheus.Register(evaluationDuration)
}

var (
	// ErrEvaluationInFlight signals that another evaluation is already running.
	ErrEvaluationInFlight = errors.New("evaluation already in flight")
	// ErrEvaluationTimeout signals that an evaluation exceeded its time budget.
	ErrEvaluationTimeout = errors.New("evaluation timed out")
)

// Config sets the evaluation schedule and window of the monitoring service.
type Config struct {
	Interval          time.Duration // scheduler period
	WindowSize        int           // events pulled per evaluation
	EvaluationTimeout time.Duration // budget for one cycle
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 1000
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = 30 * time.Second
	}
}

// ReportSink persists evaluation outcomes outside the process, for dashboards
// that outlive it.
type ReportSink interface {
	StoreReport(ctx context.Context, rep *ml.DriftReport) error
	StoreAlert(ctx context.Context, alert DriftAlert) error
}

// Snapshot is the best currently available view of the monitored system.
// Derived on read; always obtainable even when storage is failing.
type Snapshot struct {
	TotalPredictions    int64           `json:"total_predictions"`
	FraudRate           float64         `json:"fraud_rate"`
	AvgLatencyMs        float64         `json:"avg_latency_ms"`
	P95LatencyMs        float64         `json:"p95_latency_ms"`
	WindowSize          int             `json:"window_size"`
	MinRecordsRequired  int             `json:"min_records_required"`
	SufficientForDrift  bool            `json:"sufficient_for_drift"`
	LastEvaluationAt    *time.Time      `json:"last_evaluation_at,omitempty"`
	LastEvaluationError string          `json:"last_evaluation_error,omitempty"`
	StorageHealthy      bool            `json:"storage_healthy"`
	Report              *ml.DriftReport `json:"drift_report,omitempty"`
}

// Service records prediction events and runs drift evaluations. Safe for
// concurrent use: Record may be called from any number of request handlers
// while Run evaluates in the background.
type Service struct {
	store  store.Store
	engine *ml.Engine
	cfg    Config
	log    zerolog.Logger
	bus    eventbus.Publisher
	sink   ReportSink

	// evalMu serializes evaluation cycles. TryLock turns a concurrent
	// trigger into a no-op instead of a queued duplicate run.
	evalMu sync.Mutex

	mu          sync.RWMutex
	report      *ml.DriftReport
	lastEvalAt  time.Time
	lastEvalErr string

	storageOK atomic.Bool
}

// New builds a monitoring service. bus and sink may be nil, disabling event
// publication and external persistence respectively.
func New(st store.Store, engine *ml.Engine, cfg Config, logger zerolog.Logger, bus eventbus.Publisher, sink ReportSink) *Service {
	cfg.setDefaults()
	s := &Service{
		store:  st,
		engine: engine,
		cfg:    cfg,
		log:    logger,
		bus:    bus,
		sink:   sink,
	}
	s.storageOK.Store(true)
	return s
}

// Record appends a scored prediction event. Storage failures never propagate
// to the caller: the event is counted, the failure is logged and reflected in
// health, and the scoring path moves on.
func (s *Service) Record(ctx context.Context, ev store.PredictionEvent) {
	predictionsTotal.Inc()
	if ev.Decision {
		fraudPredictionsTotal.Inc()
	}
	scoringLatency.Observe(ev.Latency.Seconds())

	if _, err := s.store.Append(ctx, ev); err != nil {
		recordFailuresTotal.Inc()
		s.storageOK.Store(false)
		s.log.Error().Err(err).Msg("append prediction event")
		return
	}
	s.storageOK.Store(true)
}

// Evaluate runs one drift evaluation cycle: snapshot the recent window,
// compute off that snapshot, and atomically apply the resulting report.
//
// At most one evaluation runs at a time; a concurrent call returns
// ErrEvaluationInFlight. A cycle exceeding the configured timeout is
// abandoned with ErrEvaluationTimeout and the previous report stays
// authoritative. An insufficient-data report is returned to the caller but
// does not replace the cached report.
func (s *Service) Evaluate(ctx context.Context) (*ml.DriftReport, error) {
	if !s.evalMu.TryLock() {
		evaluationsTotal.WithLabelValues(evalStatusSkipped).Inc()
		return nil, ErrEvaluationInFlight
	}
	defer s.evalMu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EvaluationTimeout)
	defer cancel()

	type outcome struct {
		report *ml.DriftReport
		err    error
	}
	// Buffered so an abandoned cycle can still finish its send and exit.
	done := make(chan outcome, 1)
	go func() {
		window, err := s.store.Recent(ctx, s.cfg.WindowSize)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{report: s.engine.Evaluate(window)}
	}()

	select {
	case <-ctx.Done():
		s.recordFailure(start, evalStatusTimeout, ErrEvaluationTimeout)
		return nil, ErrEvaluationTimeout
	case res := <-done:
		if res.err != nil {
			var serr *store.StorageError
			if errors.As(res.err, &serr) {
				s.storageOK.Store(false)
			}
			s.recordFailure(start, evalStatusError, res.err)
			return nil, res.err
		}

		rep := res.report
		s.mu.Lock()
		s.lastEvalAt = time.Now().UTC()
		s.lastEvalErr = ""
		if !rep.InsufficientData {
			s.report = rep
		}
		s.mu.Unlock()

		if rep.InsufficientData {
			evaluationsTotal.WithLabelValues(evalStatusInsufficient).Inc()
			evaluationDuration.Observe(time.Since(start).Seconds())
			s.log.Info().Int("window", rep.WindowSize).Int("min_records", s.engine.Config().MinRecords).
				Msg("window too small for drift evaluation")
			return rep, nil
		}

		s.applyReport(ctx, rep)
		evaluationsTotal.WithLabelValues(evalStatusOK).Inc()
		evaluationDuration.Observe(time.Since(start).Seconds())
		return rep, nil
	}
}

func (s *Service) recordFailure(start time.Time, status string, err error) {
	s.mu.Lock()
	s.lastEvalAt = time.Now().UTC()
	s.lastEvalErr = err.Error()
	s.mu.Unlock()

	evaluationsTotal.WithLabelValues(status).Inc()
	evaluationDuration.Observe(time.Since(start).Seconds())
	s.log.Error().Err(err).Str("status", status).Msg("drift evaluation failed")
}

// applyReport updates gauges and fans the finished report out to the bus and
// the external sink. Failures here are logged, never fatal.
func (s *Service) applyReport(ctx context.Context, rep *ml.DriftReport) {
	for _, f := range rep.Features {
		driftScoreGauge.WithLabelValues(f.Feature).Set(f.Statistic)
	}

	alerts := buildAlerts(rep, s.engine.Config().OverallFraction)
	for _, a := range alerts {
		driftAlertsTotal.WithLabelValues(string(a.Severity), a.Feature).Inc()
	}

	if rep.OverallDrifted {
		s.log.Warn().
			Str("report_id", rep.ID).
			Int("drifted", rep.DriftedCount).
			Int("total", rep.TotalFeatures).
			Msg("overall drift detected")
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, eventbus.Event{Type: TopicDriftReport, Source: "monitor", Payload: rep}); err != nil {
			s.log.Warn().Err(err).Msg("publish drift report")
		}
		for _, a := range alerts {
			if err := s.bus.Publish(ctx, eventbus.Event{Type: TopicDriftAlert, Source: "monitor", Payload: a}); err != nil {
				s.log.Warn().Err(err).Str("alert_id", a.ID).Msg("publish drift alert")
			}
		}
	}

	if s.sink != nil {
		if err := s.sink.StoreReport(ctx, rep); err != nil {
			s.log.Warn().Err(err).Str("report_id", rep.ID).Msg("persist drift report")
		}
		for _, a := range alerts {
			if err := s.sink.StoreAlert(ctx, a); err != nil {
				s.log.Warn().Err(err).Str("alert_id", a.ID).Msg("persist drift alert")
			}
		}
	}
}

// Run evaluates on the configured interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("drift scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("drift scheduler stopped")
			return
		case <-ticker.C:
			// Evaluate records and logs its own failures.
			_, _ = s.Evaluate(ctx)
		}
	}
}

// LatestReport returns the cached report, or nil before the first successful
// evaluation.
func (s *Service) LatestReport() *ml.DriftReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// StorageHealthy reports whether the last storage operation succeeded.
func (s *Service) StorageHealthy() bool { return s.storageOK.Load() }

// Snapshot assembles the current monitoring view. It always succeeds: store
// read failures degrade the snapshot instead of erroring.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		WindowSize:         s.cfg.WindowSize,
		MinRecordsRequired: s.engine.Config().MinRecords,
		StorageHealthy:     s.storageOK.Load(),
	}

	total, err := s.store.Count(ctx)
	if err != nil {
		snap.StorageHealthy = false
		s.log.Warn().Err(err).Msg("snapshot: count predictions")
	} else {
		snap.TotalPredictions = total
	}
	snap.SufficientForDrift = snap.TotalPredictions >= int64(snap.MinRecordsRequired)

	window, err := s.store.Recent(ctx, s.cfg.WindowSize)
	if err != nil {
		snap.StorageHealthy = false
		s.log.Warn().Err(err).Msg("snapshot: read recent window")
	} else {
		snap.FraudRate, snap.AvgLatencyMs, snap.P95LatencyMs = windowStats(window)
	}

	s.mu.RLock()
	snap.Report = s.report
	snap.LastEvaluationError = s.lastEvalErr
	if !s.lastEvalAt.IsZero() {
		t := s.lastEvalAt
		snap.LastEvaluationAt = &t
	}
	s.mu.RUnlock()

	return snap
}

// windowStats derives the fraud rate and latency profile of a window.
func windowStats(events []store.PredictionEvent) (fraudRate, avgMs, p95Ms float64) {
	if len(events) == 0 {
		return 0, 0, 0
	}

	latencies := make([]float64, 0, len(events))
	fraud := 0
	sum := 0.0
	for _, ev := range events {
		if ev.Decision {
			fraud++
		}
		ms := float64(ev.Latency) / float64(time.Millisecond)
		latencies = append(latencies, ms)
		sum += ms
	}
	sort.Float64s(latencies)

	fraudRate = float64(fraud) / float64(len(events))
	avgMs = sum / float64(len(latencies))
	p95Ms = latencies[rankIndex(len(latencies), 0.95)]
	return fraudRate, avgMs, p95Ms
}

// rankIndex is the nearest-rank index of quantile q in a sorted sample of n.
func rankIndex(n int, q float64) int {
	idx := int(math.Ceil(q*float64(n))) - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
