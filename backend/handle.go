package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/modalkit/fuseflow/types"
)

// LoadState tracks the lifecycle of a Handle's underlying model.
type LoadState int32

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateReady
	StateFailed
)

// String implements fmt.Stringer.
func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrHandleBusy is returned by Evict while the handle has in-flight calls
// or a load in progress.
var ErrHandleBusy = errors.New("backend handle has in-flight calls")

// HandleConfig carries the per-handle knobs resolved from configuration.
type HandleConfig struct {
	// RateLimit caps invocations per second for this capability.
	// Zero means unlimited.
	RateLimit float64
	// Burst is the limiter burst size; defaults to 1 when RateLimit is set.
	Burst int
}

// Handle is the registry-owned singleton wrapper around one capability.
// It lazily loads the model on first use, caches a load failure without
// implicit retry, counts in-flight calls so eviction can refuse to tear
// down a busy model, and serializes calls when the provider is not
// concurrency-safe.
type Handle struct {
	key      types.CapabilityKey
	provider Provider
	logger   *zap.Logger
	limiter  *rate.Limiter

	mu       sync.Mutex
	state    LoadState
	model    Model
	loadErr  *types.Error
	active   int
	lastUsed time.Time

	// loading is non-nil while a load is in flight; it is closed once
	// the outcome has been published, so waiters can also select on
	// their own context.
	loading chan struct{}

	// serialize is non-nil for providers that are not concurrency-safe.
	serialize *sync.Mutex
}

// NewHandle creates a Handle in the unloaded state. The model is not
// loaded until the first Invoke.
func NewHandle(p Provider, cfg HandleConfig, logger *zap.Logger) *Handle {
	h := &Handle{
		key:      p.Capability(),
		provider: p,
		logger:   logger.With(zap.String("capability", p.Capability().String())),
	}
	if !p.Concurrent() {
		h.serialize = &sync.Mutex{}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return h
}

// Key returns the capability this handle serves.
func (h *Handle) Key() types.CapabilityKey { return h.key }

// State returns the current load state.
func (h *Handle) State() LoadState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LoadError returns the cached load failure, if any.
func (h *Handle) LoadError() *types.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadErr
}

// ActiveCalls returns the number of in-flight invocations.
func (h *Handle) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// LastUsed returns the completion time of the most recent invocation.
// The zero time means the handle has never been invoked.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Invoke runs one inference call. It never returns an error and never
// panics: every failure mode is encoded in the returned ModalityResult.
func (h *Handle) Invoke(ctx context.Context, payload types.Payload) types.ModalityResult {
	start := time.Now()

	model, aerr := h.acquire(ctx)
	if aerr != nil {
		return types.Failed(h.key, aerr, time.Since(start))
	}
	defer h.release()

	if h.serialize != nil {
		h.serialize.Lock()
		defer h.serialize.Unlock()
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return types.Failed(h.key, h.classify(ctx, err), time.Since(start))
		}
	}

	res, err := h.safeInvoke(ctx, model, payload)
	elapsed := time.Since(start)
	if err != nil {
		return types.Failed(h.key, h.classify(ctx, err), elapsed)
	}
	if res == nil {
		return types.Failed(h.key,
			types.NewInvocationError(h.key, errors.New("backend returned no result")), elapsed)
	}

	out := *res
	out.Key = h.key
	out.Duration = elapsed
	out.OK = out.Err == nil
	return out
}

// Evict tears the model down, returning the handle to the unloaded state.
// It refuses while a load or any invocation is in flight. Evicting a
// failed handle clears the cached load error; that is the explicit retry
// path for load failures.
func (h *Handle) Evict() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateLoading:
		return ErrHandleBusy
	case StateReady:
		if h.active > 0 {
			return ErrHandleBusy
		}
		if err := h.model.Close(); err != nil {
			h.logger.Warn("model close failed during eviction", zap.Error(err))
		}
	}
	h.model = nil
	h.loadErr = nil
	h.state = StateUnloaded
	return nil
}

// acquire waits for the handle to become ready, kicking off the model
// load if this caller is the first, and registers one in-flight call.
// The load itself runs detached from the caller's deadline so one
// impatient request cannot poison the cached state for everyone else,
// but the caller's wait is still bounded by its own context: a deadline
// expiry returns immediately while the load finishes in the background.
func (h *Handle) acquire(ctx context.Context) (Model, *types.Error) {
	h.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return nil, h.classify(ctx, err)
		}
		switch h.state {
		case StateReady:
			h.active++
			model := h.model
			h.mu.Unlock()
			return model, nil
		case StateFailed:
			loadErr := h.loadErr
			h.mu.Unlock()
			return nil, loadErr
		case StateLoading:
			done := h.loading
			h.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, h.classify(ctx, ctx.Err())
			}
			h.mu.Lock()
		case StateUnloaded:
			done := make(chan struct{})
			h.loading = done
			h.state = StateLoading
			h.mu.Unlock()

			go h.runLoad(context.WithoutCancel(ctx), done)

			select {
			case <-done:
			case <-ctx.Done():
				return nil, h.classify(ctx, ctx.Err())
			}
			h.mu.Lock()
		}
	}
}

// runLoad performs the provider load and publishes the outcome. The
// detached context keeps tracing metadata without inheriting any
// caller deadline.
func (h *Handle) runLoad(ctx context.Context, done chan struct{}) {
	model, err := h.load(ctx)

	h.mu.Lock()
	if err != nil {
		h.state = StateFailed
		h.loadErr = types.NewLoadError(h.key, err)
		h.logger.Error("backend load failed", zap.Error(err))
	} else {
		h.model = model
		h.state = StateReady
		h.logger.Info("backend loaded")
	}
	h.loading = nil
	h.mu.Unlock()
	close(done)
}

func (h *Handle) release() {
	h.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// load runs the provider's load routine with panic containment.
func (h *Handle) load(ctx context.Context) (model Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			model, err = nil, fmt.Errorf("load panic: %v", r)
		}
	}()
	return h.provider.Load(ctx)
}

// safeInvoke runs the model with panic containment so no backend failure
// can escape the dispatch boundary.
func (h *Handle) safeInvoke(ctx context.Context, m Model, p types.Payload) (res *types.ModalityResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("invoke panic: %v", r)
		}
	}()
	return m.Invoke(ctx, p)
}

// classify maps an invocation failure to the error taxonomy. Deadline
// expiry is tagged distinctly from cancellation for observability even
// though fusion treats both as plain failures.
func (h *Handle) classify(ctx context.Context, err error) *types.Error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return types.NewTimeoutError(h.key)
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return types.NewCancelledError(h.key)
	}
	e := types.AsError(err)
	if e.Code == types.ErrInternal {
		return types.NewInvocationError(h.key, err)
	}
	if e.Capability == (types.CapabilityKey{}) {
		e.Capability = h.key
	}
	return e
}
