package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"driftwatch/pkg/ml"
	"driftwatch/shared/eventbus"
)

// OverallFeature is the Feature value of the report-level alert.
const OverallFeature = "overall"

// DriftAlert is an actionable notification derived from a drift report: one
// per drifted feature, plus one report-level alert when the window as a whole
// drifted.
type DriftAlert struct {
	ID             string      `json:"id"`
	ReportID       string      `json:"report_id"`
	Feature        string      `json:"feature"`
	Severity       ml.Severity `json:"severity"`
	Statistic      float64     `json:"statistic"`
	Threshold      float64     `json:"threshold"`
	Recommendation string      `json:"recommendation"`
	CreatedAt      time.Time   `json:"created_at"`
}

// buildAlerts derives the alerts for a finished report. The report-level
// alert carries the drifted-feature fraction as its statistic and the highest
// per-feature severity.
func buildAlerts(rep *ml.DriftReport, overallFraction float64) []DriftAlert {
	now := time.Now().UTC()
	alerts := make([]DriftAlert, 0, rep.DriftedCount+1)

	maxSeverity := ml.SeverityLow
	for _, f := range rep.Features {
		if !f.Drifted {
			continue
		}
		alerts = append(alerts, DriftAlert{
			ID:             uuid.NewString(),
			ReportID:       rep.ID,
			Feature:        f.Feature,
			Severity:       f.Severity,
			Statistic:      f.Statistic,
			Threshold:      rep.Threshold,
			Recommendation: recommendationFor(f.Severity),
			CreatedAt:      now,
		})
		if severityRank(f.Severity) > severityRank(maxSeverity) {
			maxSeverity = f.Severity
		}
	}

	if rep.OverallDrifted {
		alerts = append(alerts, DriftAlert{
			ID:             uuid.NewString(),
			ReportID:       rep.ID,
			Feature:        OverallFeature,
			Severity:       maxSeverity,
			Statistic:      float64(rep.DriftedCount) / float64(rep.TotalFeatures),
			Threshold:      overallFraction,
			Recommendation: recommendationFor(maxSeverity),
			CreatedAt:      now,
		})
	}

	return alerts
}

func severityRank(s ml.Severity) int {
	switch s {
	case ml.SeverityCritical:
		return 3
	case ml.SeverityHigh:
		return 2
	case ml.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func recommendationFor(s ml.Severity) string {
	switch s {
	case ml.SeverityCritical:
		return "Immediate action required: retrain model with recent data"
	case ml.SeverityHigh:
		return "Model retraining recommended within 24 hours"
	case ml.SeverityMedium:
		return "Monitor closely, consider retraining within a week"
	default:
		return "Continue monitoring, no immediate action needed"
	}
}

// AlertLogger subscribes to drift alerts and writes one structured warning
// per alert.
type AlertLogger struct {
	log zerolog.Logger
}

// NewAlertLogger builds a bus subscriber that logs drift alerts.
func NewAlertLogger(logger zerolog.Logger) *AlertLogger {
	return &AlertLogger{log: logger}
}

// Topics implements eventbus.Subscriber.
func (a *AlertLogger) Topics() []string { return []string{TopicDriftAlert} }

// Handle implements eventbus.Subscriber.
func (a *AlertLogger) Handle(ctx context.Context, evt eventbus.Event) {
	alert, ok := evt.Payload.(DriftAlert)
	if !ok {
		return
	}
	a.log.Warn().
		Str("alert_id", alert.ID).
		Str("report_id", alert.ReportID).
		Str("feature", alert.Feature).
		Str("severity", string(alert.Severity)).
		Float64("statistic", alert.Statistic).
		Str("recommendation", alert.Recommendation).
		Msg("drift alert")
}
