// Package report renders drift reports for external viewers and maintains
// the summary artifact consumed by the dashboard. Rendering is a pure
// transformation: identical inputs produce identical bytes, so consumers can
// cache and diff the output.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/pkg/ml"
	"driftwatch/pkg/monitor"
	"driftwatch/shared/eventbus"
)

// Supported render formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// SummaryFile is the artifact name the dashboard watches.
const SummaryFile = "monitoring_summary.json"

// UnsupportedFormatError rejects a render format outside the supported set.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported report format %q", e.Format)
}

// Document pairs a drift report with the monitoring snapshot in effect when
// it was rendered. The snapshot's embedded report is dropped to avoid
// duplicating the report in the output.
type Document struct {
	Report   *ml.DriftReport  `json:"report"`
	Snapshot monitor.Snapshot `json:"snapshot"`
}

// Render serializes a report and its snapshot context. report must be
// non-nil; format selects json or text.
func Render(rep *ml.DriftReport, snap monitor.Snapshot, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(rep, snap)
	case FormatText:
		return renderText(rep, snap), nil
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

func renderJSON(rep *ml.DriftReport, snap monitor.Snapshot) ([]byte, error) {
	snap.Report = nil
	data, err := json.MarshalIndent(Document{Report: rep, Snapshot: snap}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report document: %w", err)
	}
	return append(data, '\n'), nil
}

func renderText(rep *ml.DriftReport, snap monitor.Snapshot) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "DRIFT REPORT %s\n", rep.ID)
	fmt.Fprintf(&b, "generated_at:      %s\n", rep.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "method:            %s (threshold %.4f)\n", rep.Method, rep.Threshold)
	fmt.Fprintf(&b, "window_size:       %d\n", rep.WindowSize)
	switch {
	case rep.InsufficientData:
		fmt.Fprintf(&b, "status:            insufficient data (need %d records)\n", snap.MinRecordsRequired)
	case rep.OverallDrifted:
		fmt.Fprintf(&b, "status:            DRIFT DETECTED (%d/%d features)\n", rep.DriftedCount, rep.TotalFeatures)
	default:
		fmt.Fprintf(&b, "status:            stable (%d/%d features drifted)\n", rep.DriftedCount, rep.TotalFeatures)
	}

	if len(rep.Features) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%-24s %10s  %-7s %s\n", "FEATURE", "STATISTIC", "DRIFTED", "SEVERITY")
		for _, f := range rep.Features {
			drifted := "no"
			if f.Drifted {
				drifted = "yes"
			}
			fmt.Fprintf(&b, "%-24s %10.6f  %-7s %s\n", f.Feature, f.Statistic, drifted, f.Severity)
		}
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "total_predictions: %d\n", snap.TotalPredictions)
	fmt.Fprintf(&b, "fraud_rate:        %.4f\n", snap.FraudRate)
	fmt.Fprintf(&b, "avg_latency_ms:    %.2f\n", snap.AvgLatencyMs)
	fmt.Fprintf(&b, "p95_latency_ms:    %.2f\n", snap.P95LatencyMs)
	fmt.Fprintf(&b, "storage_healthy:   %t\n", snap.StorageHealthy)

	return []byte(b.String())
}

// WriteSummary atomically refreshes the summary artifact in dir. The file is
// written to a temp name first and renamed into place, so the dashboard never
// reads a torn file.
func WriteSummary(dir string, rep *ml.DriftReport, snap monitor.Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	data, err := renderJSON(rep, snap)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".monitoring_summary-*.json")
	if err != nil {
		return fmt.Errorf("create summary temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write summary temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close summary temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, SummaryFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace summary file: %w", err)
	}
	return nil
}

// SummaryWriter subscribes to finished drift reports and refreshes the
// summary artifact after each one.
type SummaryWriter struct {
	svc *monitor.Service
	dir string
	log zerolog.Logger
}

// NewSummaryWriter builds a bus subscriber writing summaries into dir.
func NewSummaryWriter(svc *monitor.Service, dir string, logger zerolog.Logger) *SummaryWriter {
	return &SummaryWriter{svc: svc, dir: dir, log: logger}
}

// Topics implements eventbus.Subscriber.
func (w *SummaryWriter) Topics() []string { return []string{monitor.TopicDriftReport} }

// Handle implements eventbus.Subscriber.
func (w *SummaryWriter) Handle(ctx context.Context, evt eventbus.Event) {
	rep, ok := evt.Payload.(*ml.DriftReport)
	if !ok {
		return
	}
	snap := w.svc.Snapshot(ctx)
	if err := WriteSummary(w.dir, rep, snap); err != nil {
		w.log.Error().Err(err).Str("report_id", rep.ID).Msg("write monitoring summary")
		return
	}
	w.log.Info().Str("report_id", rep.ID).Str("path", filepath.Join(w.dir, SummaryFile)).Msg("monitoring summary written")
}
