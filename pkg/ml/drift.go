// Package ml implements the fitted scoring pipeline, the frozen reference
// baseline, and the statistical drift engine that compares live traffic
// against it.
package ml

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"driftwatch/pkg/store"
)

// Severity grades how far a drifted feature sits above its threshold.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EngineConfig configures drift evaluation.
type EngineConfig struct {
	Method          string  // "ks", "psi", "wasserstein"
	Threshold       float64 // per-feature distance cutoff
	MinRecords      int     // minimum window size before evaluating
	OverallFraction float64 // share of drifted features that flags overall drift
}

func (c *EngineConfig) setDefaults() {
	if c.Method == "" {
		c.Method = "ks" // Kolmogorov-Smirnov by default
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.05
	}
	if c.MinRecords <= 0 {
		c.MinRecords = 500
	}
	if c.OverallFraction <= 0 {
		c.OverallFraction = 0.5
	}
}

// FeatureDrift is the verdict for a single feature.
type FeatureDrift struct {
	Feature   string   `json:"feature"`
	Statistic float64  `json:"statistic"`
	Drifted   bool     `json:"drifted"`
	Severity  Severity `json:"severity"`
}

// DriftReport is the outcome of one evaluation cycle. Created fresh each
// cycle and never mutated afterward.
type DriftReport struct {
	ID               string         `json:"id"`
	GeneratedAt      time.Time      `json:"generated_at"`
	WindowSize       int            `json:"window_size"`
	Method           string         `json:"method"`
	Threshold        float64        `json:"threshold"`
	InsufficientData bool           `json:"insufficient_data"`
	Features         []FeatureDrift `json:"features,omitempty"`
	DriftedCount     int            `json:"drifted_count"`
	TotalFeatures    int            `json:"total_features"`
	OverallDrifted   bool           `json:"overall_drifted"`
}

// Engine compares a window of live events against the reference baseline.
// Stateless between evaluations and safe for concurrent use.
type Engine struct {
	baseline *Baseline
	cfg      EngineConfig
}

// NewEngine binds a baseline to an evaluation configuration.
func NewEngine(baseline *Baseline, cfg EngineConfig) *Engine {
	cfg.setDefaults()
	return &Engine{baseline: baseline, cfg: cfg}
}

// Config returns the effective configuration after defaults.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Evaluate produces a drift report for the given window. A window smaller
// than MinRecords yields a report marked insufficient with no per-feature
// verdicts. Feature entries follow the trained feature list order, so
// identical inputs produce identical verdicts.
func (e *Engine) Evaluate(events []store.PredictionEvent) *DriftReport {
	report := &DriftReport{
		ID:            uuid.NewString(),
		GeneratedAt:   time.Now().UTC(),
		WindowSize:    len(events),
		Method:        e.cfg.Method,
		Threshold:     e.cfg.Threshold,
		TotalFeatures: e.baseline.NumFeatures(),
	}

	if len(events) < e.cfg.MinRecords {
		report.InsufficientData = true
		return report
	}

	features := e.baseline.Features()
	report.Features = make([]FeatureDrift, 0, len(features))
	for _, name := range features {
		ref := e.baseline.samples[name]
		live := liveSample(events, name)
		stat, drifted := compareSamples(ref, live, e.cfg.Method, e.cfg.Threshold)
		report.Features = append(report.Features, FeatureDrift{
			Feature:   name,
			Statistic: stat,
			Drifted:   drifted,
			Severity:  gradeSeverity(stat, e.cfg.Threshold, drifted),
		})
		if drifted {
			report.DriftedCount++
		}
	}

	report.OverallDrifted = float64(report.DriftedCount)/float64(report.TotalFeatures) >= e.cfg.OverallFraction
	return report
}

// liveSample extracts one feature's values from the window, sorted ascending.
func liveSample(events []store.PredictionEvent, name string) []float64 {
	values := make([]float64, 0, len(events))
	for _, ev := range events {
		if v, ok := ev.Features[name]; ok {
			values = append(values, v)
		}
	}
	sort.Float64s(values)
	return values
}

// compareSamples computes the drift statistic and verdict for one feature.
// Both samples must be sorted. Zero variance in either sample is a special
// case: identical constants are no drift, anything else is drift regardless
// of the statistic.
func compareSamples(ref, live []float64, method string, threshold float64) (float64, bool) {
	if len(live) == 0 {
		// The window never carried this feature.
		return 1, true
	}
	refConst := ref[0] == ref[len(ref)-1]
	liveConst := live[0] == live[len(live)-1]
	if refConst || liveConst {
		if refConst && liveConst && ref[0] == live[0] {
			return 0, false
		}
		return driftStatistic(ref, live, method), true
	}
	stat := driftStatistic(ref, live, method)
	return stat, stat > threshold
}

func driftStatistic(ref, live []float64, method string) float64 {
	switch method {
	case "psi":
		return psi(ref, live)
	case "wasserstein":
		return wasserstein(ref, live)
	default:
		return ksStatistic(ref, live)
	}
}

func gradeSeverity(stat, threshold float64, drifted bool) Severity {
	if !drifted {
		return SeverityLow
	}
	switch {
	case stat >= threshold*5:
		return SeverityCritical
	case stat >= threshold*3:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Kolmogorov-Smirnov statistic: the largest gap between the two empirical
// CDFs. Both walkers advance past every copy of the current value, so tied
// values move both CDFs together.
func ksStatistic(ref, live []float64) float64 {
	n, m := len(ref), len(live)
	maxDiff := 0.0
	i, j := 0, 0

	for i < n && j < m {
		v := ref[i]
		if live[j] < v {
			v = live[j]
		}
		for i < n && ref[i] == v {
			i++
		}
		for j < m && live[j] == v {
			j++
		}
		diff := math.Abs(float64(i)/float64(n) - float64(j)/float64(m))
		if diff > maxDiff {
			maxDiff = diff
		}
	}

	return maxDiff
}

// Population Stability Index over ten equal-width bins spanning both samples.
func psi(ref, live []float64) float64 {
	const nBins = 10
	minVal := math.Min(ref[0], live[0])
	maxVal := math.Max(ref[len(ref)-1], live[len(live)-1])

	binWidth := (maxVal - minVal) / nBins
	if binWidth == 0 {
		return 0
	}

	refBins := binCounts(ref, minVal, binWidth, nBins)
	liveBins := binCounts(live, minVal, binWidth, nBins)

	score := 0.0
	for i := 0; i < nBins; i++ {
		pRef := float64(refBins[i]) / float64(len(ref))
		pLive := float64(liveBins[i]) / float64(len(live))

		// Avoid log(0)
		if pRef == 0 {
			pRef = 0.0001
		}
		if pLive == 0 {
			pLive = 0.0001
		}

		score += (pLive - pRef) * math.Log(pLive/pRef)
	}

	return score
}

func binCounts(data []float64, minVal, binWidth float64, nBins int) []int {
	bins := make([]int, nBins)
	for _, v := range data {
		bin := int((v - minVal) / binWidth)
		if bin >= nBins {
			bin = nBins - 1
		}
		if bin < 0 {
			bin = 0
		}
		bins[bin]++
	}
	return bins
}

// Wasserstein distance (Earth Mover's Distance), approximated by walking
// aligned quantiles of both sorted samples.
func wasserstein(ref, live []float64) float64 {
	n, m := len(ref), len(live)
	k := n
	if m > k {
		k = m
	}

	distance := 0.0
	for i := 0; i < k; i++ {
		distance += math.Abs(ref[i*n/k] - live[i*m/k])
	}

	return distance / float64(k)
}
