// Package registry owns the process-wide set of backend handles, keyed by
// capability. It is the only shared mutable state in the engine; all
// mutation is synchronized per capability key so unrelated capabilities
// load and invoke in parallel.
package registry

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/internal/metrics"
	"github.com/modalkit/fuseflow/types"
)

// Config carries per-capability handle settings resolved from the
// configuration collaborator. Keys are capability strings
// ("text.embedding").
type Config struct {
	// RateLimits maps capability strings to invocations-per-second caps.
	RateLimits map[string]float64
}

// Registry maps capability keys to their singleton backend handles.
// Exactly one Handle exists per key for the process lifetime; eviction
// resets a handle to unloaded, it never removes it. The registry map
// itself is guarded by a cheap RWMutex; the expensive load path is
// synchronized inside each Handle, never here.
type Registry struct {
	catalog backend.Catalog
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	handles map[types.CapabilityKey]*backend.Handle
}

// New creates a Registry over the given backend catalog.
func New(catalog backend.Catalog, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Registry {
	return &Registry{
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "registry")),
		metrics: collector,
		handles: make(map[types.CapabilityKey]*backend.Handle),
	}
}

// GetOrCreate returns the singleton handle for key, creating it on first
// demand. Repeated and concurrent calls return the same instance; handle
// creation is cheap (the model load is deferred to first invocation, where
// the handle itself guarantees the load routine runs at most once).
// Returns an UNSUPPORTED_CAPABILITY error when the catalog has no provider
// for the key.
func (r *Registry) GetOrCreate(key types.CapabilityKey) (*backend.Handle, error) {
	if err := key.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCapability(key)
	}

	r.mu.RLock()
	h, ok := r.handles[key]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	provider, ok := r.catalog.Lookup(key)
	if !ok {
		return nil, types.NewUnsupportedCapabilityError(key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		return h, nil
	}
	h = backend.NewHandle(provider, backend.HandleConfig{
		RateLimit: r.cfg.RateLimits[key.String()],
	}, r.logger)
	r.handles[key] = h
	r.metrics.HandleCreated(key)
	r.logger.Debug("handle created", zap.String("capability", key.String()))
	return h, nil
}

// Evict tears down the handle for key, returning it to the unloaded state.
// Eviction is advisory: it fails with a BACKEND_BUSY error while the
// handle has in-flight calls, and is a no-op for keys never created.
func (r *Registry) Evict(key types.CapabilityKey) error {
	r.mu.RLock()
	h, ok := r.handles[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := h.Evict(); err != nil {
		if errors.Is(err, backend.ErrHandleBusy) {
			return types.NewBusyError(key, err)
		}
		return err
	}
	r.metrics.HandleEvicted(key)
	r.logger.Info("handle evicted", zap.String("capability", key.String()))
	return nil
}

// ListLoaded returns the capability keys whose handles are currently in
// the ready state, sorted for deterministic output.
func (r *Registry) ListLoaded() []types.CapabilityKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]types.CapabilityKey, 0, len(r.handles))
	for key, h := range r.handles {
		if h.State() == backend.StateReady {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of handles ever created.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close evicts every idle handle. Busy handles are left alone and
// reported; Close is best effort and safe to call repeatedly.
func (r *Registry) Close() error {
	r.mu.RLock()
	handles := make(map[types.CapabilityKey]*backend.Handle, len(r.handles))
	for k, h := range r.handles {
		handles[k] = h
	}
	r.mu.RUnlock()

	var firstErr error
	for key, h := range handles {
		if err := h.Evict(); err != nil {
			r.logger.Warn("handle not evicted on close",
				zap.String("capability", key.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
