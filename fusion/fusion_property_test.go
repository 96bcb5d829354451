package fusion

import (
	"math"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/modalkit/fuseflow/types"
)

// Property: for any positive weight table and any non-empty present
// subset, the renormalized weights sum to 1.0 within 1e-9.
func TestProperty_RenormalizedWeightsSumToOne(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		all := types.CanonicalModalities()
		w := make(Weights, len(all))
		for _, m := range all {
			w[m] = rapid.Float64Range(0.01, 10).Draw(t, "weight_"+string(m))
		}

		n := rapid.IntRange(1, len(all)).Draw(t, "present_count")
		present := all[:n]

		eff := w.Renormalize(present)
		sum := 0.0
		for _, m := range present {
			sum += eff[m]
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Fatalf("renormalized weights sum to %v", sum)
		}
	})
}

// Property: the early-fusion vector is exactly the canonical-order
// concatenation of the contributing vectors, and its length is the sum
// of their lengths.
func TestProperty_EarlyFusionConcatenation(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, zap.NewNop(), nil)

	rapid.Check(t, func(t *rapid.T) {
		results := make(map[types.CapabilityKey]types.ModalityResult)
		wantLen := 0
		var want []float64

		for _, m := range types.CanonicalModalities() {
			if !rapid.Bool().Draw(t, "include_"+string(m)) {
				continue
			}
			vec := rapid.SliceOfN(rapid.Float64Range(-1, 1), 1, 8).Draw(t, "vec_"+string(m))
			k := types.NewCapabilityKey(m, types.OpEmbed)
			results[k] = types.ModalityResult{Key: k, OK: true, Vector: vec, Confidence: 0.5}
			wantLen += len(vec)
			want = append(want, vec...)
		}
		if len(results) == 0 {
			return
		}

		res, err := e.Fuse(results, types.StrategyEarly)
		if err != nil {
			t.Fatalf("fuse: %v", err)
		}
		if len(res.Vector) != wantLen {
			t.Fatalf("vector length %d, want %d", len(res.Vector), wantLen)
		}
		for i := range want {
			if res.Vector[i] != want[i] {
				t.Fatalf("vector[%d] = %v, want %v (order not canonical)", i, res.Vector[i], want[i])
			}
		}
	})
}

// Property: a late-fused score never leaves the [min, max] envelope of
// the per-modality scores that produced it, because the effective
// weights are a convex combination.
func TestProperty_LateFusionIsConvex(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, zap.NewNop(), nil)

	rapid.Check(t, func(t *rapid.T) {
		results := make(map[types.CapabilityKey]types.ModalityResult)
		lo, hi := math.Inf(1), math.Inf(-1)

		for _, m := range types.CanonicalModalities() {
			if !rapid.Bool().Draw(t, "include_"+string(m)) {
				continue
			}
			score := rapid.Float64Range(0, 1).Draw(t, "score_"+string(m))
			k := types.NewCapabilityKey(m, types.OpSentiment)
			results[k] = types.ModalityResult{
				Key: k, OK: true,
				Scores:     map[string]float64{"relevance": score},
				Confidence: score,
			}
			lo = math.Min(lo, score)
			hi = math.Max(hi, score)
		}
		if len(results) == 0 {
			return
		}

		res, err := e.Fuse(results, types.StrategyLate)
		if err != nil {
			t.Fatalf("fuse: %v", err)
		}
		got := res.Scores["relevance"]
		if got < lo-1e-9 || got > hi+1e-9 {
			t.Fatalf("fused score %v outside input envelope [%v, %v]", got, lo, hi)
		}
	})
}
