package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/store"
	"github.com/modalkit/fuseflow/types"
)

// RecordFetcher looks up a persisted record by request ID.
// *store.RedisSink satisfies it directly.
type RecordFetcher interface {
	Fetch(ctx context.Context, requestID string) (*store.Record, error)
}

// FetchFunc adapts a lookup function to RecordFetcher.
type FetchFunc func(ctx context.Context, requestID string) (*store.Record, error)

func (f FetchFunc) Fetch(ctx context.Context, requestID string) (*store.Record, error) {
	return f(ctx, requestID)
}

// ResultsHandler serves GET /v1/results/{id}. Fetchers are tried in
// order, so the cache sits in front of the durable store.
type ResultsHandler struct {
	fetchers []RecordFetcher
	logger   *zap.Logger
}

// NewResultsHandler creates a ResultsHandler over the given fetchers.
func NewResultsHandler(logger *zap.Logger, fetchers ...RecordFetcher) *ResultsHandler {
	return &ResultsHandler{
		fetchers: fetchers,
		logger:   logger.With(zap.String("component", "api.results")),
	}
}

// HandleGet looks the record up in each fetcher until one has it.
func (h *ResultsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		WriteErrorMessage(w, types.ErrInvalidRequest, "request id is required", h.logger)
		return
	}

	for _, fetcher := range h.fetchers {
		record, err := fetcher.Fetch(r.Context(), requestID)
		if err == nil {
			WriteSuccess(w, record)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("result lookup failed",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
	}

	WriteErrorMessage(w, types.ErrResultNotFound, "no record for request id "+requestID, h.logger)
}
