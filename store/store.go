// Package store implements the persistence collaborator boundary. The
// core never blocks on these sinks: the façade hands each completed
// request over fire-and-forget, and a sink failure is an observability
// event, not a request failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/modalkit/fuseflow/types"
)

// ErrNotFound is returned by lookup methods when no record exists for
// the requested ID.
var ErrNotFound = errors.New("store: record not found")

// Record is the durable snapshot of one processed request.
type Record struct {
	RequestID string                                       `json:"request_id"`
	Status    string                                       `json:"status"`
	CreatedAt time.Time                                    `json:"created_at"`
	Results   []types.ModalityResult                       `json:"results"`
	Fusions   map[types.FusionStrategy]*types.FusionResult `json:"fusions,omitempty"`
}

// Sink accepts completed request records for durable storage.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Store persists one record.
	Store(ctx context.Context, rec *Record) error
}
