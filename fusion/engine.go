package fusion

import (
	"sort"

	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/internal/metrics"
	"github.com/modalkit/fuseflow/types"
)

// Engine combines per-modality results. It is stateless apart from its
// configured weight table and safe for concurrent use.
type Engine struct {
	weights Weights
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewEngine creates an Engine. A nil or empty weight table falls back to
// DefaultWeights.
func NewEngine(weights Weights, logger *zap.Logger, collector *metrics.Collector) *Engine {
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	return &Engine{
		weights: weights,
		logger:  logger.With(zap.String("component", "fusion")),
		metrics: collector,
	}
}

// Fuse combines the successful results in the given set using the chosen
// strategy. Failed results are excluded from the combination pass but
// retained on the returned FusionResult. When zero results succeeded the
// result is flagged unfused, all per-modality errors are surfaced on it,
// and a FUSION_INPUT error is returned alongside; no combined output is
// ever fabricated. Fuse is deterministic: the same result set and strategy
// always produce an identical FusionResult.
func (e *Engine) Fuse(results map[types.CapabilityKey]types.ModalityResult, strategy types.FusionStrategy) (*types.FusionResult, error) {
	if !strategy.Valid() {
		return nil, types.NewError(types.ErrInvalidStrategy, "unknown fusion strategy: "+string(strategy))
	}

	out := &types.FusionResult{
		Strategy: strategy,
		Results:  retain(results),
	}

	successes := sortedSuccesses(results)
	if len(successes) == 0 {
		out.Fused = false
		out.Errors = collectErrors(results)
		e.metrics.Fusion(strategy, false)
		e.logger.Warn("fusion skipped: zero successful modality results",
			zap.Int("inputs", len(results)))
		return out, types.NewError(types.ErrFusionInput, "no successful modality results to fuse")
	}
	out.Fused = true

	switch strategy {
	case types.StrategyEarly:
		vec, _, omitted, conf := e.fuseEarly(successes)
		out.Vector = vec
		out.Omitted = omitted
		out.Confidence = conf

	case types.StrategyLate:
		scores, weights, omitted, conf := e.fuseLate(successes)
		out.Scores = scores
		out.Weights = weights
		out.Omitted = omitted
		out.Confidence = conf

	case types.StrategyHybrid:
		vec, meta, earlyOmit, earlyConf := e.fuseEarly(successes)
		scores, weights, lateOmit, lateConf := e.fuseLate(successes)
		out.Vector = vec
		out.Scores = scores
		out.Weights = weights
		out.Omitted = mergeOmitted(earlyOmit, lateOmit)
		// Late keys take precedence over any equally-named key in the
		// early metadata.
		merged := make(map[string]float64, len(meta)+len(scores))
		for k, v := range meta {
			merged[k] = v
		}
		for k, v := range scores {
			merged[k] = v
		}
		out.Merged = merged
		if len(scores) > 0 {
			out.Confidence = lateConf
		} else {
			out.Confidence = earlyConf
		}
	}

	e.metrics.Fusion(strategy, true)
	return out, nil
}

// fuseEarly concatenates feature vectors in canonical order. Results
// lacking a vector are recorded as omissions, not errors. The returned
// metadata describes the combined vector for the hybrid merged view.
func (e *Engine) fuseEarly(successes []types.ModalityResult) (vec []float64, meta map[string]float64, omitted []types.CapabilityKey, confidence float64) {
	var confSum float64
	var contributors int

	for _, r := range successes {
		if !r.HasVector() {
			omitted = append(omitted, r.Key)
			continue
		}
		vec = append(vec, r.Vector...)
		confSum += r.Confidence
		contributors++
	}
	if contributors > 0 {
		confidence = confSum / float64(contributors)
	}
	meta = map[string]float64{
		"vector_dimensions":   float64(len(vec)),
		"vector_contributors": float64(contributors),
	}
	return vec, meta, omitted, confidence
}

// fuseLate computes a weighted sum per named score key. Weights are
// renormalized over the modalities that actually contributed scores; a
// key absent from a modality's scores contributes zero for that modality.
// When a modality produced several scored results they are averaged
// before its weight is applied, so one modality never outweighs its
// configured share merely by running more capabilities.
func (e *Engine) fuseLate(successes []types.ModalityResult) (combined map[string]float64, effective map[types.Modality]float64, omitted []types.CapabilityKey, confidence float64) {
	type modalityScores struct {
		scores map[string]float64
		conf   float64
		n      int
	}
	perModality := make(map[types.Modality]*modalityScores)

	for _, r := range successes {
		if !r.HasScores() {
			omitted = append(omitted, r.Key)
			continue
		}
		ms := perModality[r.Key.Modality]
		if ms == nil {
			ms = &modalityScores{scores: make(map[string]float64)}
			perModality[r.Key.Modality] = ms
		}
		for k, v := range r.Scores {
			ms.scores[k] += v
		}
		ms.conf += r.Confidence
		ms.n++
	}

	if len(perModality) == 0 {
		return nil, nil, omitted, 0
	}

	present := make([]types.Modality, 0, len(perModality))
	for _, m := range types.CanonicalModalities() {
		if _, ok := perModality[m]; ok {
			present = append(present, m)
		}
	}
	effective = e.weights.Renormalize(present)

	combined = make(map[string]float64)
	for _, m := range present {
		ms := perModality[m]
		w := effective[m]
		scale := w / float64(ms.n)
		for k, v := range ms.scores {
			combined[k] += scale * v
		}
		confidence += (ms.conf / float64(ms.n)) * w
	}
	return combined, effective, omitted, confidence
}

// retain copies the input set so the FusionResult stays immutable with
// respect to later caller mutations of the map.
func retain(results map[types.CapabilityKey]types.ModalityResult) map[types.CapabilityKey]types.ModalityResult {
	out := make(map[types.CapabilityKey]types.ModalityResult, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

// sortedSuccesses returns the successful results in canonical modality
// order, ties broken by operation name.
func sortedSuccesses(results map[types.CapabilityKey]types.ModalityResult) []types.ModalityResult {
	out := make([]types.ModalityResult, 0, len(results))
	for _, r := range results {
		if r.OK {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := types.CanonicalRank(out[i].Key.Modality), types.CanonicalRank(out[j].Key.Modality)
		if ri != rj {
			return ri < rj
		}
		return out[i].Key.Operation < out[j].Key.Operation
	})
	return out
}

// collectErrors gathers the failure details of every failed result,
// sorted like sortedSuccesses for deterministic output.
func collectErrors(results map[types.CapabilityKey]types.ModalityResult) []*types.Error {
	keys := make([]types.CapabilityKey, 0, len(results))
	for k, r := range results {
		if !r.OK && r.Err != nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := types.CanonicalRank(keys[i].Modality), types.CanonicalRank(keys[j].Modality)
		if ri != rj {
			return ri < rj
		}
		return keys[i].Operation < keys[j].Operation
	})
	errs := make([]*types.Error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, results[k].Err)
	}
	return errs
}

// mergeOmitted deduplicates the omission lists of the two hybrid passes.
func mergeOmitted(a, b []types.CapabilityKey) []types.CapabilityKey {
	seen := make(map[types.CapabilityKey]struct{}, len(a)+len(b))
	var out []types.CapabilityKey
	for _, k := range append(append([]types.CapabilityKey{}, a...), b...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := types.CanonicalRank(out[i].Modality), types.CanonicalRank(out[j].Modality)
		if ri != rj {
			return ri < rj
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}
