package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftwatch/pkg/ml"
	"driftwatch/pkg/store"
	"driftwatch/shared/eventbus"
)

func seq(n int, step, offset float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = offset + float64(i)*step
	}
	return out
}

// testEngine builds an engine over a two-feature baseline: V1 uniform on
// [0, 1), Amount uniform on [50, 150).
func testEngine(t *testing.T, minRecords int) *ml.Engine {
	t.Helper()
	base, err := ml.NewBaseline([]string{"V1", "Amount"}, map[string][]float64{
		"V1":     seq(100, 0.01, 0),
		"Amount": seq(100, 1.0, 50),
	})
	require.NoError(t, err)
	return ml.NewEngine(base, ml.EngineConfig{
		Method:          "ks",
		Threshold:       0.05,
		MinRecords:      minRecords,
		OverallFraction: 0.5,
	})
}

// cleanEvents spreads n events over the same ranges as the test baseline.
func cleanEvents(n int) []store.PredictionEvent {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	events := make([]store.PredictionEvent, n)
	for i := range events {
		frac := float64(i) / float64(n)
		events[i] = store.PredictionEvent{
			Features:  map[string]float64{"V1": frac, "Amount": 50 + 100*frac},
			Score:     0.1,
			Decision:  i%10 == 0,
			Latency:   2 * time.Millisecond,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return events
}

// shiftedEvents moves both features far outside the baseline ranges.
func shiftedEvents(n int) []store.PredictionEvent {
	events := cleanEvents(n)
	for i := range events {
		events[i].Features["V1"] += 100
		events[i].Features["Amount"] += 1000
	}
	return events
}

func seedStore(t *testing.T, st store.Store, events []store.PredictionEvent) {
	t.Helper()
	for _, ev := range events {
		_, err := st.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

// stubStore lets tests inject failures and delays per operation.
type stubStore struct {
	appendFn func(context.Context, store.PredictionEvent) (int64, error)
	recentFn func(context.Context, int) ([]store.PredictionEvent, error)
	countFn  func(context.Context) (int64, error)
}

func (s *stubStore) Append(ctx context.Context, ev store.PredictionEvent) (int64, error) {
	if s.appendFn != nil {
		return s.appendFn(ctx, ev)
	}
	return 1, nil
}

func (s *stubStore) Recent(ctx context.Context, n int) ([]store.PredictionEvent, error) {
	if s.recentFn != nil {
		return s.recentFn(ctx, n)
	}
	return nil, nil
}

func (s *stubStore) Since(ctx context.Context, t time.Time) ([]store.PredictionEvent, error) {
	return nil, nil
}

func (s *stubStore) Count(ctx context.Context) (int64, error) {
	if s.countFn != nil {
		return s.countFn(ctx)
	}
	return 0, nil
}

func (s *stubStore) Ping(ctx context.Context) error { return nil }
func (s *stubStore) Close() error                   { return nil }

// captureSink records every report and alert it is handed.
type captureSink struct {
	mu      sync.Mutex
	reports []*ml.DriftReport
	alerts  []DriftAlert
}

func (c *captureSink) StoreReport(ctx context.Context, rep *ml.DriftReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, rep)
	return nil
}

func (c *captureSink) StoreAlert(ctx context.Context, alert DriftAlert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureSink) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports), len(c.alerts)
}

// captureSub forwards bus events into a channel for assertions.
type captureSub struct {
	topics []string
	got    chan eventbus.Event
}

func (c *captureSub) Topics() []string { return c.topics }

func (c *captureSub) Handle(ctx context.Context, evt eventbus.Event) { c.got <- evt }

func receiveEvent(t *testing.T, ch chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return eventbus.Event{}
	}
}

func TestRecordAppendsEvent(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, testEngine(t, 5), Config{}, zerolog.Nop(), nil, nil)

	svc.Record(context.Background(), cleanEvents(1)[0])

	count, err := mem.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.True(t, svc.StorageHealthy())
}

func TestRecordConcurrent(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, testEngine(t, 5), Config{}, zerolog.Nop(), nil, nil)
	events := cleanEvents(10)

	var wg sync.WaitGroup
	for g := 0; g < 100; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ev := range events {
				svc.Record(context.Background(), ev)
			}
		}()
	}
	wg.Wait()

	count, err := mem.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), count)
}

func TestRecordAbsorbsStorageFailure(t *testing.T) {
	st := &stubStore{
		appendFn: func(context.Context, store.PredictionEvent) (int64, error) {
			return 0, &store.StorageError{Op: "append", Err: context.DeadlineExceeded}
		},
	}
	svc := New(st, testEngine(t, 5), Config{}, zerolog.Nop(), nil, nil)

	// Must not panic or return anything to the caller.
	svc.Record(context.Background(), cleanEvents(1)[0])

	assert.False(t, svc.StorageHealthy())
}

func TestEvaluateInsufficientDataNotCached(t *testing.T) {
	mem := store.NewMemory()
	seedStore(t, mem, cleanEvents(3))
	svc := New(mem, testEngine(t, 5), Config{WindowSize: 100}, zerolog.Nop(), nil, nil)

	rep, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.True(t, rep.InsufficientData)
	assert.Empty(t, rep.Features)

	assert.Nil(t, svc.LatestReport(), "insufficient-data report must not become the cached report")

	snap := svc.Snapshot(context.Background())
	assert.Empty(t, snap.LastEvaluationError)
	assert.NotNil(t, snap.LastEvaluationAt)
	assert.Nil(t, snap.Report)
}

func TestEvaluateCachesCleanReport(t *testing.T) {
	mem := store.NewMemory()
	seedStore(t, mem, cleanEvents(200))
	svc := New(mem, testEngine(t, 50), Config{WindowSize: 500}, zerolog.Nop(), nil, nil)

	rep, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.False(t, rep.InsufficientData)
	assert.False(t, rep.OverallDrifted)
	assert.Equal(t, 0, rep.DriftedCount)

	assert.Same(t, rep, svc.LatestReport())
	snap := svc.Snapshot(context.Background())
	assert.Same(t, rep, snap.Report)
	assert.Empty(t, snap.LastEvaluationError)
}

func TestEvaluateShiftedWindowPublishes(t *testing.T) {
	mem := store.NewMemory()
	seedStore(t, mem, shiftedEvents(100))

	bus := eventbus.NewBus(16)
	t.Cleanup(bus.Close)
	reportSub := &captureSub{topics: []string{TopicDriftReport}, got: make(chan eventbus.Event, 4)}
	alertSub := &captureSub{topics: []string{TopicDriftAlert}, got: make(chan eventbus.Event, 8)}
	bus.Register(reportSub)
	bus.Register(alertSub)
	sink := &captureSink{}

	svc := New(mem, testEngine(t, 50), Config{WindowSize: 200}, zerolog.Nop(), bus, sink)

	rep, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OverallDrifted)
	assert.Equal(t, 2, rep.DriftedCount)

	evt := receiveEvent(t, reportSub.got)
	require.Same(t, rep, evt.Payload)

	gotFeatures := map[string]DriftAlert{}
	for i := 0; i < 3; i++ {
		evt := receiveEvent(t, alertSub.got)
		alert, ok := evt.Payload.(DriftAlert)
		require.True(t, ok, "alert payload type")
		gotFeatures[alert.Feature] = alert
	}
	require.Contains(t, gotFeatures, "V1")
	require.Contains(t, gotFeatures, "Amount")
	require.Contains(t, gotFeatures, OverallFeature)

	overall := gotFeatures[OverallFeature]
	assert.Equal(t, rep.ID, overall.ReportID)
	assert.Equal(t, ml.SeverityCritical, overall.Severity)
	assert.InDelta(t, 1.0, overall.Statistic, 1e-9)

	nReports, nAlerts := sink.counts()
	assert.Equal(t, 1, nReports)
	assert.Equal(t, 3, nAlerts)
}

func TestEvaluateSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	st := &stubStore{
		recentFn: func(context.Context, int) ([]store.PredictionEvent, error) {
			close(entered)
			<-release
			return nil, nil
		},
	}
	svc := New(st, testEngine(t, 5), Config{EvaluationTimeout: 5 * time.Second}, zerolog.Nop(), nil, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Evaluate(context.Background())
		firstDone <- err
	}()
	<-entered

	_, err := svc.Evaluate(context.Background())
	require.ErrorIs(t, err, ErrEvaluationInFlight)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestEvaluateTimeoutKeepsPreviousReport(t *testing.T) {
	var slow atomic.Bool
	st := &stubStore{
		recentFn: func(context.Context, int) ([]store.PredictionEvent, error) {
			if slow.Load() {
				time.Sleep(300 * time.Millisecond)
				return nil, nil
			}
			return cleanEvents(100), nil
		},
		countFn: func(context.Context) (int64, error) { return 100, nil },
	}
	svc := New(st, testEngine(t, 50), Config{WindowSize: 100, EvaluationTimeout: 50 * time.Millisecond}, zerolog.Nop(), nil, nil)

	rep1, err := svc.Evaluate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep1)

	slow.Store(true)
	rep2, err := svc.Evaluate(context.Background())
	require.ErrorIs(t, err, ErrEvaluationTimeout)
	assert.Nil(t, rep2)
	assert.Same(t, rep1, svc.LatestReport(), "timed-out cycle must not displace the cached report")

	slow.Store(false)
	snap := svc.Snapshot(context.Background())
	assert.Equal(t, ErrEvaluationTimeout.Error(), snap.LastEvaluationError)
	assert.Same(t, rep1, snap.Report)
}

func TestEvaluateStoreFailureRecorded(t *testing.T) {
	st := &stubStore{
		recentFn: func(context.Context, int) ([]store.PredictionEvent, error) {
			return nil, &store.StorageError{Op: "recent", Err: context.DeadlineExceeded}
		},
	}
	svc := New(st, testEngine(t, 5), Config{}, zerolog.Nop(), nil, nil)

	_, err := svc.Evaluate(context.Background())
	require.Error(t, err)

	assert.False(t, svc.StorageHealthy())
	snap := svc.Snapshot(context.Background())
	assert.Contains(t, snap.LastEvaluationError, "recent")
}

func TestRunEvaluatesOnInterval(t *testing.T) {
	mem := store.NewMemory()
	seedStore(t, mem, cleanEvents(100))
	svc := New(mem, testEngine(t, 50), Config{Interval: 10 * time.Millisecond, WindowSize: 200}, zerolog.Nop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return svc.LatestReport() != nil }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestSnapshotComputesWindowStats(t *testing.T) {
	mem := store.NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 10; i++ {
		_, err := mem.Append(context.Background(), store.PredictionEvent{
			Features:  map[string]float64{"V1": 0.5, "Amount": 100},
			Score:     0.2,
			Decision:  i <= 3,
			Latency:   time.Duration(i) * time.Millisecond,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	svc := New(mem, testEngine(t, 5), Config{WindowSize: 100}, zerolog.Nop(), nil, nil)

	snap := svc.Snapshot(context.Background())
	assert.Equal(t, int64(10), snap.TotalPredictions)
	assert.True(t, snap.SufficientForDrift)
	assert.Equal(t, 5, snap.MinRecordsRequired)
	assert.True(t, snap.StorageHealthy)
	assert.InDelta(t, 0.3, snap.FraudRate, 1e-9)
	assert.InDelta(t, 5.5, snap.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 10.0, snap.P95LatencyMs, 1e-9)
	assert.Nil(t, snap.Report)
	assert.Nil(t, snap.LastEvaluationAt)
}

func TestSnapshotDegradesOnStoreFailure(t *testing.T) {
	st := &stubStore{
		recentFn: func(context.Context, int) ([]store.PredictionEvent, error) {
			return nil, &store.StorageError{Op: "recent", Err: context.DeadlineExceeded}
		},
		countFn: func(context.Context) (int64, error) {
			return 0, &store.StorageError{Op: "count", Err: context.DeadlineExceeded}
		},
	}
	svc := New(st, testEngine(t, 5), Config{}, zerolog.Nop(), nil, nil)

	snap := svc.Snapshot(context.Background())
	assert.False(t, snap.StorageHealthy)
	assert.Zero(t, snap.TotalPredictions)
	assert.Zero(t, snap.FraudRate)
	assert.Nil(t, snap.Report)
}

func TestBuildAlerts(t *testing.T) {
	rep := &ml.DriftReport{
		ID:             "r1",
		Threshold:      0.05,
		DriftedCount:   2,
		TotalFeatures:  4,
		OverallDrifted: true,
		Features: []ml.FeatureDrift{
			{Feature: "V1", Statistic: 0.30, Drifted: true, Severity: ml.SeverityCritical},
			{Feature: "V2", Statistic: 0.02, Drifted: false, Severity: ml.SeverityLow},
			{Feature: "V3", Statistic: 0.16, Drifted: true, Severity: ml.SeverityHigh},
			{Feature: "V4", Statistic: 0.01, Drifted: false, Severity: ml.SeverityLow},
		},
	}

	alerts := buildAlerts(rep, 0.5)
	require.Len(t, alerts, 3)

	assert.Equal(t, "V1", alerts[0].Feature)
	assert.Equal(t, ml.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "V3", alerts[1].Feature)
	assert.Equal(t, ml.SeverityHigh, alerts[1].Severity)

	overall := alerts[2]
	assert.Equal(t, OverallFeature, overall.Feature)
	assert.Equal(t, ml.SeverityCritical, overall.Severity, "overall alert carries the highest feature severity")
	assert.InDelta(t, 0.5, overall.Statistic, 1e-9)
	assert.InDelta(t, 0.5, overall.Threshold, 1e-9)

	ids := map[string]bool{}
	for _, a := range alerts {
		assert.Equal(t, "r1", a.ReportID)
		assert.NotEmpty(t, a.Recommendation)
		ids[a.ID] = true
	}
	assert.Len(t, ids, 3, "alert ids must be unique")
}

func TestBuildAlertsNoDrift(t *testing.T) {
	rep := &ml.DriftReport{
		ID:            "r2",
		Threshold:     0.05,
		TotalFeatures: 2,
		Features: []ml.FeatureDrift{
			{Feature: "V1", Statistic: 0.01, Drifted: false, Severity: ml.SeverityLow},
			{Feature: "V2", Statistic: 0.02, Drifted: false, Severity: ml.SeverityLow},
		},
	}
	assert.Empty(t, buildAlerts(rep, 0.5))
}

func TestAlertLoggerIgnoresForeignPayload(t *testing.T) {
	logger := NewAlertLogger(zerolog.Nop())
	assert.Equal(t, []string{TopicDriftAlert}, logger.Topics())
	// Must not panic on a payload that is not a DriftAlert.
	logger.Handle(context.Background(), eventbus.Event{Type: TopicDriftAlert, Payload: "bogus"})
}

func TestWindowStatsEmpty(t *testing.T) {
	fraud, avg, p95 := windowStats(nil)
	assert.Zero(t, fraud)
	assert.Zero(t, avg)
	assert.Zero(t, p95)
}

func TestRankIndex(t *testing.T) {
	tests := []struct {
		n    int
		q    float64
		want int
	}{
		{1, 0.95, 0},
		{20, 0.95, 18},
		{100, 0.95, 94},
		{100, 1.0, 99},
	}
	for _, tt := range tests {
		if got := rankIndex(tt.n, tt.q); got != tt.want {
			t.Errorf("rankIndex(%d, %v) = %d, want %d", tt.n, tt.q, got, tt.want)
		}
	}
}
