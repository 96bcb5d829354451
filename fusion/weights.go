package fusion

import (
	"fmt"

	"github.com/modalkit/fuseflow/types"
)

// Weights is the configured late-fusion weight table. A full table covers
// all four modalities and sums to 1.0; Renormalize handles requests where
// only a subset is present.
type Weights map[types.Modality]float64

// DefaultWeights returns the built-in weight table. The values sum to 1.0
// across the four modalities.
func DefaultWeights() Weights {
	return Weights{
		types.ModalityText:  0.4,
		types.ModalityImage: 0.3,
		types.ModalityAudio: 0.2,
		types.ModalityVideo: 0.1,
	}
}

// Validate rejects tables with negative entries or no positive mass.
func (w Weights) Validate() error {
	sum := 0.0
	for m, v := range w {
		if !m.Valid() {
			return fmt.Errorf("fusion weights: unknown modality %q", m)
		}
		if v < 0 {
			return fmt.Errorf("fusion weights: negative weight %v for %s", v, m)
		}
		sum += v
	}
	if len(w) > 0 && sum <= 0 {
		return fmt.Errorf("fusion weights: no positive mass")
	}
	return nil
}

// Renormalize divides each configured weight by the sum of weights over
// the present modalities, so the effective weights sum to 1.0 (within
// floating-point epsilon) whenever at least one modality is present.
// Modalities with no configured weight, or a present subset with zero
// configured mass, fall back to equal weighting so a present modality is
// never silently dropped.
func (w Weights) Renormalize(present []types.Modality) map[types.Modality]float64 {
	if len(present) == 0 {
		return nil
	}

	sum := 0.0
	for _, m := range present {
		sum += w[m]
	}

	out := make(map[types.Modality]float64, len(present))
	if sum <= 0 {
		equal := 1.0 / float64(len(present))
		for _, m := range present {
			out[m] = equal
		}
		return out
	}
	for _, m := range present {
		out[m] = w[m] / sum
	}
	return out
}
