package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"driftwatch/pkg/metrics"
	"driftwatch/pkg/ml"
	"driftwatch/pkg/monitor"
	"driftwatch/pkg/report"
	"driftwatch/pkg/store"
)

// routePaths is the fixed route set, shared with the metrics middleware so
// per-path labels stay bounded.
var routePaths = []string{
	"/predict",
	"/health",
	"/healthz",
	"/metrics",
	"/monitoring/stats",
	"/monitoring/summary",
	"/monitoring/report",
	"/monitoring/evaluate",
}

type apiServer struct {
	scorer      *ml.Scorer
	svc         *monitor.Service
	log         zerolog.Logger
	evalLimiter *rate.Limiter
}

func newAPIServer(scorer *ml.Scorer, svc *monitor.Service, logger zerolog.Logger) *apiServer {
	return &apiServer{
		scorer:      scorer,
		svc:         svc,
		log:         logger,
		evalLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/monitoring/stats", s.handleStats)
	mux.HandleFunc("/monitoring/summary", s.handleSummary)
	mux.HandleFunc("/monitoring/report", s.handleReport)
	mux.HandleFunc("/monitoring/evaluate", s.handleEvaluate)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type predictRequest struct {
	Features map[string]float64 `json:"features"`
}

type predictResponse struct {
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
	LatencyMs   float64 `json:"latency_ms"`
	Timestamp   string  `json:"timestamp"`
}

func (s *apiServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req predictRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, "features object is required")
		return
	}

	res, err := s.scorer.Score(req.Features)
	if err != nil {
		var unknown *ml.UnknownFeatureError
		var missing *ml.MissingFeatureError
		if errors.As(err, &unknown) || errors.As(err, &missing) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("score request")
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}

	now := time.Now().UTC()
	s.svc.Record(r.Context(), store.PredictionEvent{
		Features:  req.Features,
		Score:     res.Probability,
		Decision:  res.Decision,
		Latency:   res.Latency,
		Timestamp: now,
	})

	prediction := 0
	if res.Decision {
		prediction = 1
	}
	writeJSON(w, http.StatusOK, predictResponse{
		Prediction:  prediction,
		Probability: res.Probability,
		LatencyMs:   math.Round(float64(res.Latency)/float64(time.Millisecond)*100) / 100,
		Timestamp:   now.Format(time.RFC3339),
	})
}

type healthDrift struct {
	OverallDrifted bool   `json:"overall_drifted"`
	DriftedCount   int    `json:"drifted_count"`
	TotalFeatures  int    `json:"total_features"`
	GeneratedAt    string `json:"generated_at"`
}

type healthResponse struct {
	Status            string       `json:"status"`
	ModelLoaded       bool         `json:"model_loaded"`
	DatabaseConnected bool         `json:"database_connected"`
	Drift             *healthDrift `json:"drift,omitempty"`
	Timestamp         string       `json:"timestamp"`
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.svc.Snapshot(r.Context())
	degraded := !snap.StorageHealthy || snap.LastEvaluationError != "" ||
		(snap.Report != nil && snap.Report.OverallDrifted)

	resp := healthResponse{
		Status:            "healthy",
		ModelLoaded:       s.scorer != nil,
		DatabaseConnected: snap.StorageHealthy,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	if degraded {
		resp.Status = "degraded"
	}
	if snap.Report != nil {
		resp.Drift = &healthDrift{
			OverallDrifted: snap.Report.OverallDrifted,
			DriftedCount:   snap.Report.DriftedCount,
			TotalFeatures:  snap.Report.TotalFeatures,
			GeneratedAt:    snap.Report.GeneratedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.svc.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"total_predictions":    snap.TotalPredictions,
		"min_records_required": snap.MinRecordsRequired,
		"sufficient_for_drift": snap.SufficientForDrift,
	})
}

func (s *apiServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Snapshot(r.Context()))
}

func (s *apiServer) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rep := s.svc.LatestReport()
	if rep == nil {
		writeError(w, http.StatusNotFound, "no drift report available yet")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = report.FormatJSON
	}

	out, err := report.Render(rep, s.svc.Snapshot(r.Context()), format)
	if err != nil {
		var ufe *report.UnsupportedFormatError
		if errors.As(err, &ufe) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("render drift report")
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}

	if format == report.FormatText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *apiServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.evalLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "evaluation rate limit exceeded")
		return
	}

	rep, err := s.svc.Evaluate(r.Context())
	switch {
	case errors.Is(err, monitor.ErrEvaluationInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrEvaluationTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case err != nil:
		s.log.Error().Err(err).Msg("manual drift evaluation")
		writeError(w, http.StatusInternalServerError, "evaluation failed")
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
