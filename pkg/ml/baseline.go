package ml

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// labelColumn is dropped from reference data when present. Drift comparison
// runs on features only, never on the training label.
const labelColumn = "Class"

// BaselineLoadError reports a reference dataset that cannot back drift
// detection. Fatal at startup.
type BaselineLoadError struct {
	Source string
	Reason string
	Err    error
}

func (e *BaselineLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load baseline %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("load baseline %s: %s", e.Source, e.Reason)
}

func (e *BaselineLoadError) Unwrap() error { return e.Err }

// UnknownFeatureError reports a feature name outside the trained feature
// list. It signals a schema mismatch between training and serving, so it is
// surfaced rather than silently dropped.
type UnknownFeatureError struct {
	Feature string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("unknown feature %q", e.Feature)
}

// Baseline is the frozen reference distribution captured at training time.
// It is immutable for the lifetime of the process, so every drift evaluation
// compares against the same ground truth and reports stay comparable across
// cycles.
type Baseline struct {
	features []string
	samples  map[string][]float64
	size     int
}

// LoadBaseline reads the reference dataset CSV and validates its columns
// against the trained feature list. The label column is ignored when present.
func LoadBaseline(path string, features []string) (*Baseline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &BaselineLoadError{Source: path, Reason: "open reference data", Err: err}
	}
	defer f.Close()

	b, lerr := readBaseline(f, features)
	if lerr != nil {
		lerr.Source = path
		return nil, lerr
	}
	return b, nil
}

func readBaseline(r io.Reader, features []string) (*Baseline, *BaselineLoadError) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, &BaselineLoadError{Reason: "reference data is empty"}
	}
	if err != nil {
		return nil, &BaselineLoadError{Reason: "read header", Err: err}
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		if name == labelColumn {
			continue
		}
		colIndex[name] = i
	}

	if err := matchFeatureSet(colIndex, features); err != nil {
		return nil, err
	}

	samples := make(map[string][]float64, len(features))
	for _, name := range features {
		samples[name] = []float64{}
	}

	rows := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &BaselineLoadError{Reason: fmt.Sprintf("read row %d", rows+2), Err: err}
		}
		for _, name := range features {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[colIndex[name]]), 64)
			if err != nil {
				return nil, &BaselineLoadError{
					Reason: fmt.Sprintf("row %d column %s is not numeric", rows+2, name),
					Err:    err,
				}
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &BaselineLoadError{
					Reason: fmt.Sprintf("row %d column %s is not finite", rows+2, name),
				}
			}
			samples[name] = append(samples[name], v)
		}
		rows++
	}

	if rows == 0 {
		return nil, &BaselineLoadError{Reason: "reference data has no rows"}
	}

	for _, name := range features {
		sort.Float64s(samples[name])
	}

	return &Baseline{
		features: append([]string(nil), features...),
		samples:  samples,
		size:     rows,
	}, nil
}

func matchFeatureSet(colIndex map[string]int, features []string) *BaselineLoadError {
	var missing []string
	expected := make(map[string]bool, len(features))
	for _, name := range features {
		expected[name] = true
		if _, ok := colIndex[name]; !ok {
			missing = append(missing, name)
		}
	}
	var extra []string
	for name := range colIndex {
		if !expected[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(extra)
	reason := "feature mismatch between reference data and trained feature list."
	if len(missing) > 0 {
		reason += fmt.Sprintf(" Missing in reference: %v", missing)
	}
	if len(extra) > 0 {
		reason += fmt.Sprintf(" Extra in reference: %v", extra)
	}
	return &BaselineLoadError{Reason: reason}
}

// NewBaseline builds a baseline from in-memory samples, one per feature.
// Every feature in the list must have a non-empty sample.
func NewBaseline(features []string, columns map[string][]float64) (*Baseline, error) {
	if len(features) == 0 {
		return nil, &BaselineLoadError{Source: "memory", Reason: "feature list is empty"}
	}
	samples := make(map[string][]float64, len(features))
	size := 0
	for _, name := range features {
		col, ok := columns[name]
		if !ok || len(col) == 0 {
			return nil, &BaselineLoadError{
				Source: "memory",
				Reason: fmt.Sprintf("no sample for feature %s", name),
			}
		}
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		samples[name] = sorted
		if len(col) > size {
			size = len(col)
		}
	}
	return &Baseline{
		features: append([]string(nil), features...),
		samples:  samples,
		size:     size,
	}, nil
}

// Features returns the trained feature list in training order.
func (b *Baseline) Features() []string {
	return append([]string(nil), b.features...)
}

// NumFeatures returns the number of trained features.
func (b *Baseline) NumFeatures() int { return len(b.features) }

// Size returns the number of reference rows loaded.
func (b *Baseline) Size() int { return b.size }

// Sample returns the reference values for a feature, sorted ascending.
func (b *Baseline) Sample(name string) ([]float64, error) {
	sample, ok := b.samples[name]
	if !ok {
		return nil, &UnknownFeatureError{Feature: name}
	}
	return append([]float64(nil), sample...), nil
}
