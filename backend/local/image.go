package local

import (
	"context"
	"fmt"

	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/types"
)

// imageEmbedBins is the histogram width of the reference image embedding.
const imageEmbedBins = 16

// ImageEmbedder serves image.embedding with a normalized byte histogram.
type ImageEmbedder struct{}

func (ImageEmbedder) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityImage, types.OpEmbed)
}

func (ImageEmbedder) Concurrent() bool { return true }

func (ImageEmbedder) Load(ctx context.Context) (backend.Model, error) {
	return imageEmbedModel{}, nil
}

type imageEmbedModel struct{}

func (imageEmbedModel) Close() error { return nil }

func (imageEmbedModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if len(p.Data) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "image embedding requires image bytes")
	}

	vec := make([]float64, imageEmbedBins)
	for _, b := range p.Data {
		vec[int(b)/(256/imageEmbedBins)]++
	}
	l2Normalize(vec)

	return &types.ModalityResult{
		Vector:     vec,
		Confidence: 0.9,
	}, nil
}

// ImageCaptioner serves image.caption from raw byte statistics.
type ImageCaptioner struct{}

func (ImageCaptioner) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityImage, types.OpCaption)
}

func (ImageCaptioner) Concurrent() bool { return true }

func (ImageCaptioner) Load(ctx context.Context) (backend.Model, error) {
	return captionModel{}, nil
}

type captionModel struct{}

func (captionModel) Close() error { return nil }

func (captionModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if len(p.Data) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "captioning requires image bytes")
	}

	var sum uint64
	for _, b := range p.Data {
		sum += uint64(b)
	}
	brightness := float64(sum) / float64(len(p.Data)) / 255.0

	tone := "dark"
	if brightness > 0.5 {
		tone = "bright"
	}
	caption := fmt.Sprintf("a %s image (%d bytes)", tone, len(p.Data))

	return &types.ModalityResult{
		Text:   caption,
		Labels: []string{tone},
		Scores: map[string]float64{
			"brightness": brightness,
		},
		Confidence: 0.7,
	}, nil
}

// ObjectDetector serves image.detection with label buckets derived from
// the byte histogram.
type ObjectDetector struct{}

func (ObjectDetector) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityImage, types.OpDetect)
}

func (ObjectDetector) Concurrent() bool { return true }

func (ObjectDetector) Load(ctx context.Context) (backend.Model, error) {
	return detectModel{}, nil
}

type detectModel struct{}

func (detectModel) Close() error { return nil }

func (detectModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if len(p.Data) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "detection requires image bytes")
	}

	// One synthetic "region" per 256 bytes, capped for sanity.
	regions := len(p.Data) / 256
	if regions < 1 {
		regions = 1
	}
	if regions > 16 {
		regions = 16
	}

	labels := make([]string, regions)
	for i := range labels {
		labels[i] = fmt.Sprintf("region_%d", i)
	}
	return &types.ModalityResult{
		Labels: labels,
		Scores: map[string]float64{
			"regions": float64(regions),
		},
		Confidence: 0.6,
	}, nil
}
