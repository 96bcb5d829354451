package types

import (
	"fmt"
	"time"
)

// ModalityResult is the outcome of one backend invocation. It is produced
// by the dispatcher and consumed by the fusion engine, and is immutable
// after creation.
type ModalityResult struct {
	Key        CapabilityKey      `json:"key"`
	OK         bool               `json:"ok"`
	Text       string             `json:"text,omitempty"`
	Vector     []float64          `json:"vector,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Labels     []string           `json:"labels,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Duration   time.Duration      `json:"duration"`
	Err        *Error             `json:"error,omitempty"`
}

// Failed builds a failed ModalityResult carrying err.
func Failed(key CapabilityKey, err *Error, d time.Duration) ModalityResult {
	return ModalityResult{Key: key, OK: false, Err: err, Duration: d}
}

// HasVector reports whether the result carries a feature vector usable by
// early fusion.
func (r ModalityResult) HasVector() bool {
	return r.OK && len(r.Vector) > 0
}

// HasScores reports whether the result carries a named-score map usable by
// late fusion.
func (r ModalityResult) HasScores() bool {
	return r.OK && len(r.Scores) > 0
}

// FusionStrategy selects how per-modality results are combined.
type FusionStrategy string

const (
	StrategyEarly  FusionStrategy = "early"
	StrategyLate   FusionStrategy = "late"
	StrategyHybrid FusionStrategy = "hybrid"
)

// Valid reports whether s names a known strategy.
func (s FusionStrategy) Valid() bool {
	switch s {
	case StrategyEarly, StrategyLate, StrategyHybrid:
		return true
	}
	return false
}

// ParseFusionStrategy converts a string into a FusionStrategy.
func ParseFusionStrategy(s string) (FusionStrategy, error) {
	fs := FusionStrategy(s)
	if !fs.Valid() {
		return "", NewError(ErrInvalidStrategy, fmt.Sprintf("unknown fusion strategy %q", s))
	}
	return fs, nil
}

// FusionResult is the combined output of one fusion pass. The per-modality
// inputs are retained for traceability. Fused is false when zero successful
// results were available; in that case Errors surfaces every per-modality
// failure and no combined output is fabricated.
type FusionResult struct {
	Strategy   FusionStrategy                   `json:"strategy"`
	Fused      bool                             `json:"fused"`
	Vector     []float64                        `json:"vector,omitempty"`
	Scores     map[string]float64               `json:"scores,omitempty"`
	Merged     map[string]float64               `json:"merged,omitempty"`
	Weights    map[Modality]float64             `json:"weights,omitempty"`
	Omitted    []CapabilityKey                  `json:"omitted,omitempty"`
	Confidence float64                          `json:"confidence"`
	Results    map[CapabilityKey]ModalityResult `json:"-"`
	Errors     []*Error                         `json:"errors,omitempty"`
}
