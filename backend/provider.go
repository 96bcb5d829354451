package backend

import (
	"context"

	"github.com/modalkit/fuseflow/types"
)

// Model is one loaded inference capability. Invoke may return a partially
// filled ModalityResult; the Handle stamps the capability key, success flag
// and duration. A Model is assumed stateless per call unless its Provider
// reports otherwise.
type Model interface {
	// Invoke runs one inference call over the borrowed payload.
	Invoke(ctx context.Context, payload types.Payload) (*types.ModalityResult, error)

	// Close releases the model's resources. Called on eviction.
	Close() error
}

// Provider supplies the load and invoke routines for one capability.
// Load is assumed expensive; the Handle guarantees it runs at most once
// per load cycle even under concurrent first use.
type Provider interface {
	// Capability identifies the (modality, operation) pair served.
	Capability() types.CapabilityKey

	// Load initializes the underlying model instance.
	Load(ctx context.Context) (Model, error)

	// Concurrent reports whether the loaded model tolerates concurrent
	// invocations. When false the Handle serializes calls; this reduces
	// throughput for that capability but is not a correctness hazard.
	Concurrent() bool
}

// Catalog resolves capability keys to Providers. It is the collaborator
// boundary through which concrete backends are plugged in.
type Catalog interface {
	Lookup(key types.CapabilityKey) (Provider, bool)
}

// CatalogFunc adapts a function to the Catalog interface.
type CatalogFunc func(key types.CapabilityKey) (Provider, bool)

// Lookup implements Catalog.
func (f CatalogFunc) Lookup(key types.CapabilityKey) (Provider, bool) {
	return f(key)
}
