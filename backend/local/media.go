package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/types"
)

// pcmBytesPerSecond assumes 16 kHz, 16-bit mono input for the duration
// estimate; the reference transcriber does not parse containers.
const pcmBytesPerSecond = 32000

// Transcriber serves audio.transcription. The reference decoder keeps
// per-call scratch state, so it is declared non-concurrent and the handle
// serializes its calls.
type Transcriber struct{}

func (Transcriber) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityAudio, types.OpTranscribe)
}

func (Transcriber) Concurrent() bool { return false }

func (Transcriber) Load(ctx context.Context) (backend.Model, error) {
	return &transcribeModel{}, nil
}

type transcribeModel struct {
	mu      sync.Mutex
	scratch []byte
}

func (*transcribeModel) Close() error { return nil }

func (m *transcribeModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if len(p.Data) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "transcription requires audio bytes")
	}

	m.mu.Lock()
	m.scratch = append(m.scratch[:0], p.Data...)
	seconds := float64(len(m.scratch)) / pcmBytesPerSecond
	m.mu.Unlock()

	return &types.ModalityResult{
		Text: fmt.Sprintf("[transcript of %.1fs of audio]", seconds),
		Scores: map[string]float64{
			"duration_seconds": seconds,
		},
		Confidence: 0.5,
	}, nil
}

// assumedFPS drives the reference frame estimate for video payloads.
const (
	assumedFPS            = 24
	assumedBytesPerSecond = 250000
)

// FrameSummarizer serves video.frame_summary with size-derived estimates.
type FrameSummarizer struct{}

func (FrameSummarizer) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityVideo, types.OpFrames)
}

func (FrameSummarizer) Concurrent() bool { return true }

func (FrameSummarizer) Load(ctx context.Context) (backend.Model, error) {
	return frameModel{}, nil
}

type frameModel struct{}

func (frameModel) Close() error { return nil }

func (frameModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if len(p.Data) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "frame summary requires video bytes")
	}

	seconds := float64(len(p.Data)) / assumedBytesPerSecond
	frames := seconds * assumedFPS

	return &types.ModalityResult{
		Text: fmt.Sprintf("[video summary: ~%.0f frames over %.1fs]", frames, seconds),
		Scores: map[string]float64{
			"duration_seconds": seconds,
			"frame_estimate":   frames,
		},
		Confidence: 0.4,
	}, nil
}
