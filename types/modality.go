package types

import "fmt"

// Modality is one category of input data.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// canonicalOrder fixes the modality ordering used whenever per-modality
// outputs are combined. Early fusion relies on this order to keep the
// concatenated vector layout reproducible across calls.
var canonicalOrder = [...]Modality{ModalityText, ModalityImage, ModalityAudio, ModalityVideo}

// CanonicalModalities returns all modalities in canonical order
// (text, image, audio, video). The returned slice is a copy.
func CanonicalModalities() []Modality {
	out := make([]Modality, len(canonicalOrder))
	copy(out[:], canonicalOrder[:])
	return out
}

// CanonicalRank returns the position of m in the canonical modality
// order, or len(canonicalOrder) for unknown modalities so they sort last.
func CanonicalRank(m Modality) int {
	for i, c := range canonicalOrder {
		if c == m {
			return i
		}
	}
	return len(canonicalOrder)
}

// Valid reports whether m is one of the four supported modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityImage, ModalityAudio, ModalityVideo:
		return true
	}
	return false
}

// ParseModality converts a string into a Modality.
func ParseModality(s string) (Modality, error) {
	m := Modality(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown modality %q", s)
	}
	return m, nil
}
