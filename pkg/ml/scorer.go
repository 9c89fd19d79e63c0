package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// ModelLoadError reports a model artifact that cannot be used for scoring.
// Fatal at startup.
type ModelLoadError struct {
	Source string
	Reason string
	Err    error
}

func (e *ModelLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load model %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("load model %s: %s", e.Source, e.Reason)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// MissingFeatureError reports a request that omits a trained feature.
type MissingFeatureError struct {
	Feature string
}

func (e *MissingFeatureError) Error() string {
	return fmt.Sprintf("missing feature %q", e.Feature)
}

// ModelParams is the serialized form of the fitted scoring pipeline: a
// standard scaler followed by a logistic regression, exported by the offline
// training job.
type ModelParams struct {
	ModelType    string    `json:"model_type"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	ScalerMean   []float64 `json:"scaler_mean"`
	ScalerScale  []float64 `json:"scaler_scale"`
}

// ScoreResult is one forward pass through the fitted pipeline.
type ScoreResult struct {
	Probability float64
	Decision    bool
	Latency     time.Duration
}

// Scorer applies the fitted pipeline to a feature vector. Read-only after
// construction, safe for concurrent use.
type Scorer struct {
	features  []string
	index     map[string]int
	params    ModelParams
	threshold float64
}

// LoadFeatureList reads the trained feature list artifact, a JSON array of
// feature names in training order.
func LoadFeatureList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelLoadError{Source: path, Reason: "open feature list", Err: err}
	}
	var features []string
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, &ModelLoadError{Source: path, Reason: "parse feature list", Err: err}
	}
	if len(features) == 0 {
		return nil, &ModelLoadError{Source: path, Reason: "feature list is empty"}
	}
	seen := make(map[string]bool, len(features))
	for _, name := range features {
		if seen[name] {
			return nil, &ModelLoadError{Source: path, Reason: fmt.Sprintf("duplicate feature %s", name)}
		}
		seen[name] = true
	}
	return features, nil
}

// LoadScorer reads the model parameters artifact and binds it to the trained
// feature list. threshold is the probability above which a transaction is
// labeled fraud.
func LoadScorer(path string, features []string, threshold float64) (*Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelLoadError{Source: path, Reason: "open model", Err: err}
	}
	var params ModelParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, &ModelLoadError{Source: path, Reason: "parse model", Err: err}
	}
	s, err := NewScorer(params, features, threshold)
	if err != nil {
		if lerr, ok := err.(*ModelLoadError); ok {
			lerr.Source = path
		}
		return nil, err
	}
	return s, nil
}

// NewScorer validates model parameters against the trained feature list.
func NewScorer(params ModelParams, features []string, threshold float64) (*Scorer, error) {
	n := len(features)
	if n == 0 {
		return nil, &ModelLoadError{Reason: "feature list is empty"}
	}
	if len(params.Coefficients) != n {
		return nil, &ModelLoadError{
			Reason: fmt.Sprintf("model has %d coefficients for %d features", len(params.Coefficients), n),
		}
	}
	if len(params.ScalerMean) != n || len(params.ScalerScale) != n {
		return nil, &ModelLoadError{
			Reason: fmt.Sprintf("scaler has %d/%d parameters for %d features",
				len(params.ScalerMean), len(params.ScalerScale), n),
		}
	}
	for i, scale := range params.ScalerScale {
		if scale == 0 {
			return nil, &ModelLoadError{Reason: fmt.Sprintf("scaler scale is zero for feature %s", features[i])}
		}
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, &ModelLoadError{Reason: fmt.Sprintf("decision threshold %v outside (0, 1)", threshold)}
	}

	index := make(map[string]int, n)
	for i, name := range features {
		index[name] = i
	}
	return &Scorer{
		features:  append([]string(nil), features...),
		index:     index,
		params:    params,
		threshold: threshold,
	}, nil
}

// Features returns the trained feature list in training order.
func (s *Scorer) Features() []string {
	return append([]string(nil), s.features...)
}

// Threshold returns the fraud decision threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Vector validates a feature mapping against the trained schema and returns
// the values in training order. Unknown and missing names are rejected at
// this boundary rather than propagated into the core.
func (s *Scorer) Vector(features map[string]float64) ([]float64, error) {
	for name := range features {
		if _, ok := s.index[name]; !ok {
			return nil, &UnknownFeatureError{Feature: name}
		}
	}
	vec := make([]float64, len(s.features))
	for i, name := range s.features {
		v, ok := features[name]
		if !ok {
			return nil, &MissingFeatureError{Feature: name}
		}
		vec[i] = v
	}
	return vec, nil
}

// Score runs one forward pass: scale, dot product, sigmoid, threshold.
func (s *Scorer) Score(features map[string]float64) (ScoreResult, error) {
	start := time.Now()

	vec, err := s.Vector(features)
	if err != nil {
		return ScoreResult{}, err
	}

	z := s.params.Intercept
	for i, v := range vec {
		scaled := (v - s.params.ScalerMean[i]) / s.params.ScalerScale[i]
		z += s.params.Coefficients[i] * scaled
	}
	p := 1 / (1 + math.Exp(-z))

	return ScoreResult{
		Probability: p,
		Decision:    p >= s.threshold,
		Latency:     time.Since(start),
	}, nil
}
