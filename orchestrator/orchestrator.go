// Package orchestrator exposes the single entry point the transport layer
// talks to. Process dispatches a multi-modal request, fuses whatever
// succeeded, classifies the overall outcome and hands the record to the
// persistence sinks without blocking on them.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/dispatch"
	"github.com/modalkit/fuseflow/fusion"
	"github.com/modalkit/fuseflow/internal/metrics"
	"github.com/modalkit/fuseflow/store"
	"github.com/modalkit/fuseflow/types"
)

// Status classifies the overall outcome of one request. Callers must be
// able to act on partial success, so it is always surfaced explicitly.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Request is the boundary input: per-modality payloads plus the fusion
// strategies to run (default: late).
type Request struct {
	ID         string                 `json:"id,omitempty"`
	Inputs     dispatch.Request       `json:"inputs"`
	Strategies []types.FusionStrategy `json:"strategies,omitempty"`
}

// Response is the boundary output: every per-capability result, the
// fusion output per requested strategy, and the overall status.
type Response struct {
	RequestID string                                       `json:"request_id"`
	Status    Status                                       `json:"status"`
	Results   map[string]types.ModalityResult              `json:"results"`
	Fusions   map[types.FusionStrategy]*types.FusionResult `json:"fusions,omitempty"`
	Duration  time.Duration                                `json:"duration"`
}

// persistTimeout bounds the detached fire-and-forget store call.
const persistTimeout = 5 * time.Second

// Facade wires the registry-backed dispatcher, the fusion engine and the
// persistence sinks behind one Process call.
type Facade struct {
	dispatcher *dispatch.Dispatcher
	engine     *fusion.Engine
	sinks      []store.Sink
	logger     *zap.Logger
	metrics    *metrics.Collector
	tracer     trace.Tracer

	persistWG sync.WaitGroup
}

// New creates a Facade. sinks may be empty; persistence is optional.
func New(d *dispatch.Dispatcher, e *fusion.Engine, sinks []store.Sink, logger *zap.Logger, collector *metrics.Collector) *Facade {
	return &Facade{
		dispatcher: d,
		engine:     e,
		sinks:      sinks,
		logger:     logger.With(zap.String("component", "orchestrator")),
		metrics:    collector,
		tracer:     otel.Tracer("fuseflow/orchestrator"),
	}
}

// Process runs one multi-modal request end to end. Per-capability failures
// never fail the request; the only top-level errors are a request with no
// recognized modality and an unknown fusion strategy.
func (f *Facade) Process(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	strategies := req.Strategies
	if len(strategies) == 0 {
		strategies = []types.FusionStrategy{types.StrategyLate}
	}
	for _, s := range strategies {
		if !s.Valid() {
			return nil, types.NewError(types.ErrInvalidStrategy, "unknown fusion strategy: "+string(s))
		}
	}

	ctx, span := f.tracer.Start(ctx, "process",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	results, err := f.dispatcher.Dispatch(ctx, req.Inputs)
	if err != nil {
		f.metrics.Request(string(StatusFailed), time.Since(start))
		return nil, err
	}

	fusions := make(map[types.FusionStrategy]*types.FusionResult, len(strategies))
	for _, strategy := range strategies {
		fres, ferr := f.engine.Fuse(results, strategy)
		if ferr != nil && !types.IsErrorCode(ferr, types.ErrFusionInput) {
			return nil, ferr
		}
		// A FUSION_INPUT error still carries the unfused result with
		// every failure detail; it is reported, not fatal.
		fusions[strategy] = fres
	}

	status := classify(results)
	resp := &Response{
		RequestID: requestID,
		Status:    status,
		Results:   indexResults(results),
		Fusions:   fusions,
		Duration:  time.Since(start),
	}

	f.persist(ctx, resp, results)
	f.metrics.Request(string(status), resp.Duration)
	f.logger.Info("request processed",
		zap.String("request_id", requestID),
		zap.String("status", string(status)),
		zap.Int("capabilities", len(results)),
		zap.Duration("duration", resp.Duration))

	return resp, nil
}

// Close waits for outstanding fire-and-forget persistence to drain.
func (f *Facade) Close() {
	f.persistWG.Wait()
}

// persist hands the record to every sink on a detached context so a slow
// or failing store never blocks or fails the request.
func (f *Facade) persist(ctx context.Context, resp *Response, results map[types.CapabilityKey]types.ModalityResult) {
	if len(f.sinks) == 0 {
		return
	}

	rec := &store.Record{
		RequestID: resp.RequestID,
		Status:    string(resp.Status),
		CreatedAt: time.Now().UTC(),
		Results:   flattenResults(results),
		Fusions:   resp.Fusions,
	}

	detached := context.WithoutCancel(ctx)
	for _, sink := range f.sinks {
		f.persistWG.Add(1)
		go func(sink store.Sink) {
			defer f.persistWG.Done()
			sctx, cancel := context.WithTimeout(detached, persistTimeout)
			defer cancel()
			if err := sink.Store(sctx, rec); err != nil {
				f.metrics.PersistFailure(sink.Name())
				f.logger.Warn("persistence sink failed",
					zap.String("sink", sink.Name()),
					zap.String("request_id", rec.RequestID),
					zap.Error(err))
			}
		}(sink)
	}
}

// classify derives the overall status from the per-capability outcomes.
func classify(results map[types.CapabilityKey]types.ModalityResult) Status {
	successes, failures := 0, 0
	for _, r := range results {
		if r.OK {
			successes++
		} else {
			failures++
		}
	}
	switch {
	case successes > 0 && failures == 0:
		return StatusSucceeded
	case successes > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func indexResults(results map[types.CapabilityKey]types.ModalityResult) map[string]types.ModalityResult {
	out := make(map[string]types.ModalityResult, len(results))
	for k, r := range results {
		out[k.String()] = r
	}
	return out
}

// flattenResults orders results canonically for the durable record.
func flattenResults(results map[types.CapabilityKey]types.ModalityResult) []types.ModalityResult {
	out := make([]types.ModalityResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
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
