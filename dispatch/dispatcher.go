// Package dispatch fans a multi-modal request out to the backends that
// serve it. Independent capabilities are invoked concurrently, bounded by
// a weighted semaphore; a single capability's failure or timeout never
// aborts its siblings, and the returned map always covers every requested
// capability.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/internal/metrics"
	"github.com/modalkit/fuseflow/registry"
	"github.com/modalkit/fuseflow/types"
)

// Input is one modality's payload plus the operations requested for it.
// An empty operation list falls back to the dispatcher's defaults for
// that modality.
type Input struct {
	Payload    types.Payload `json:"payload"`
	Operations []string      `json:"operations,omitempty"`
}

// Request maps each present modality to its input.
type Request map[types.Modality]Input

// Options carries the dispatcher knobs resolved from the configuration
// collaborator; they are read-only once the dispatcher is built.
type Options struct {
	// MaxInFlight bounds concurrent backend invocations process-wide.
	MaxInFlight int64
	// Timeouts holds the per-call bound by modality; DefaultTimeout
	// covers modalities without an entry.
	Timeouts       map[types.Modality]time.Duration
	DefaultTimeout time.Duration
	// DefaultOperations names the capabilities resolved for a modality
	// when the caller does not request specific operations.
	DefaultOperations map[types.Modality][]string
}

// DefaultOptions returns the built-in dispatcher settings. Video gets the
// largest per-call bound; text the smallest.
func DefaultOptions() Options {
	return Options{
		MaxInFlight: 8,
		Timeouts: map[types.Modality]time.Duration{
			types.ModalityText:  10 * time.Second,
			types.ModalityImage: 30 * time.Second,
			types.ModalityAudio: 60 * time.Second,
			types.ModalityVideo: 120 * time.Second,
		},
		DefaultTimeout: 30 * time.Second,
		DefaultOperations: map[types.Modality][]string{
			types.ModalityText:  {types.OpEmbed},
			types.ModalityImage: {types.OpCaption},
			types.ModalityAudio: {types.OpTranscribe},
			types.ModalityVideo: {types.OpFrames},
		},
	}
}

// task is one resolved capability invocation.
type task struct {
	key     types.CapabilityKey
	payload types.Payload
}

// Dispatcher resolves and runs the capability set of a request.
type Dispatcher struct {
	reg     *registry.Registry
	opts    Options
	sem     *semaphore.Weighted
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// New creates a Dispatcher over the given registry.
func New(reg *registry.Registry, opts Options, logger *zap.Logger, collector *metrics.Collector) *Dispatcher {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = DefaultOptions().MaxInFlight
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	if len(opts.DefaultOperations) == 0 {
		opts.DefaultOperations = DefaultOptions().DefaultOperations
	}
	return &Dispatcher{
		reg:     reg,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
		logger:  logger.With(zap.String("component", "dispatch")),
		metrics: collector,
		tracer:  otel.Tracer("fuseflow/dispatch"),
	}
}

// Dispatch resolves the capabilities required by the request, acquires
// their handles up front, invokes them concurrently and returns the full
// result map, including failed results. The only error it returns is the
// top-level INVALID_REQUEST raised when no recognized modality is present;
// every per-capability problem is encoded in the map instead.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (map[types.CapabilityKey]types.ModalityResult, error) {
	tasks, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.Int("capabilities", len(tasks))))
	defer span.End()

	results := make(map[types.CapabilityKey]types.ModalityResult, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, tk := range tasks {
		// Handles are acquired up front; a missing backend fails that
		// capability immediately without blocking its siblings.
		handle, rerr := d.reg.GetOrCreate(tk.key)
		if rerr != nil {
			res := types.Failed(tk.key, types.AsError(rerr), 0)
			d.metrics.Invocation(tk.key, string(res.Err.Code), 0)
			mu.Lock()
			results[tk.key] = res
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(tk task) {
			defer wg.Done()
			res := d.invoke(ctx, handle, tk)
			mu.Lock()
			results[tk.key] = res
			mu.Unlock()
		}(tk)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// invoke runs one capability invocation under the in-flight semaphore and
// the per-modality timeout. The timeout clock starts only after the
// semaphore slot is acquired so queueing behind the in-flight bound does
// not eat a call's budget.
func (d *Dispatcher) invoke(ctx context.Context, handle *backend.Handle, tk task) types.ModalityResult {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		res := types.Failed(tk.key, d.semError(ctx, tk.key), 0)
		d.metrics.Invocation(tk.key, string(res.Err.Code), 0)
		return res
	}
	defer d.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout(tk.key.Modality))
	defer cancel()

	callCtx, span := d.tracer.Start(callCtx, "dispatch.invoke",
		trace.WithAttributes(attribute.String("capability", tk.key.String())))
	defer span.End()

	res := handle.Invoke(callCtx, tk.payload)

	outcome := "ok"
	if !res.OK {
		outcome = string(res.Err.Code)
		span.SetStatus(codes.Error, res.Err.Message)
		d.logger.Warn("backend invocation failed",
			zap.String("capability", tk.key.String()),
			zap.String("code", string(res.Err.Code)),
			zap.Duration("duration", res.Duration))
	}
	d.metrics.Invocation(tk.key, outcome, res.Duration)
	return res
}

// resolve expands the request into the capability task list. It fails
// only when nothing in the request can be resolved at all; an unknown
// modality among recognized ones is reported per capability downstream.
func (d *Dispatcher) resolve(req Request) ([]task, error) {
	if len(req) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "request contains no modalities")
	}

	seen := make(map[types.CapabilityKey]struct{})
	var tasks []task
	for _, modality := range types.CanonicalModalities() {
		input, ok := req[modality]
		if !ok {
			continue
		}
		if input.Payload.Empty() {
			continue
		}
		payload := input.Payload
		payload.Modality = modality

		ops := input.Operations
		if len(ops) == 0 {
			ops = d.opts.DefaultOperations[modality]
		}
		for _, op := range ops {
			key := types.NewCapabilityKey(modality, op)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			tasks = append(tasks, task{key: key, payload: payload})
		}
	}

	if len(tasks) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "no recognized modality with content in request")
	}
	return tasks, nil
}

func (d *Dispatcher) timeout(m types.Modality) time.Duration {
	if t, ok := d.opts.Timeouts[m]; ok && t > 0 {
		return t
	}
	return d.opts.DefaultTimeout
}

// semError classifies a semaphore acquisition failure, which can only be
// caused by the request context ending while queued.
func (d *Dispatcher) semError(ctx context.Context, key types.CapabilityKey) *types.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewTimeoutError(key)
	}
	return types.NewCancelledError(key)
}
