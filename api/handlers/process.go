package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/dispatch"
	"github.com/modalkit/fuseflow/orchestrator"
	"github.com/modalkit/fuseflow/types"
)

// Processor runs one multi-modal request end to end. *orchestrator.Facade
// satisfies it; tests substitute a stub.
type Processor interface {
	Process(ctx context.Context, req *orchestrator.Request) (*orchestrator.Response, error)
}

// ProcessInput is the wire form of one modality's input. Data travels as
// base64 in JSON.
type ProcessInput struct {
	Text       string            `json:"text,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Operations []string          `json:"operations,omitempty"`
}

// ProcessRequest is the body of POST /v1/process.
type ProcessRequest struct {
	RequestID  string                  `json:"request_id,omitempty"`
	Strategies []string                `json:"strategies,omitempty"`
	Inputs     map[string]ProcessInput `json:"inputs"`
}

// ProcessHandler serves POST /v1/process.
type ProcessHandler struct {
	processor Processor
	logger    *zap.Logger
}

// NewProcessHandler creates a ProcessHandler.
func NewProcessHandler(processor Processor, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		processor: processor,
		logger:    logger.With(zap.String("component", "api.process")),
	}
}

// HandleProcess decodes the request, runs it through the orchestrator and
// writes the full response, partial failures included.
func (h *ProcessHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	var body ProcessRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if len(body.Inputs) == 0 {
		WriteErrorMessage(w, types.ErrInvalidRequest, "inputs must name at least one modality", h.logger)
		return
	}

	req, typedErr := h.toRequest(&body)
	if typedErr != nil {
		WriteError(w, typedErr, h.logger)
		return
	}

	resp, err := h.processor.Process(r.Context(), req)
	if err != nil {
		WriteError(w, types.AsError(err), h.logger)
		return
	}

	WriteSuccess(w, resp)
}

func (h *ProcessHandler) toRequest(body *ProcessRequest) (*orchestrator.Request, *types.Error) {
	inputs := make(dispatch.Request, len(body.Inputs))
	for name, in := range body.Inputs {
		modality, err := types.ParseModality(name)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, err.Error())
		}
		inputs[modality] = dispatch.Input{
			Payload: types.Payload{
				Modality: modality,
				Text:     in.Text,
				Data:     in.Data,
				Metadata: in.Metadata,
			},
			Operations: in.Operations,
		}
	}

	strategies := make([]types.FusionStrategy, 0, len(body.Strategies))
	for _, s := range body.Strategies {
		strategy, err := types.ParseFusionStrategy(s)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidStrategy, err.Error())
		}
		strategies = append(strategies, strategy)
	}

	return &orchestrator.Request{
		ID:         body.RequestID,
		Inputs:     inputs,
		Strategies: strategies,
	}, nil
}
