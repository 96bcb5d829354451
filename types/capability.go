package types

import (
	"fmt"
	"strings"
)

// Well-known operation names. Backends are free to register additional
// operations; these cover the built-in capability set.
const (
	OpEmbed      = "embedding"
	OpSentiment  = "sentiment"
	OpSummarize  = "summarize"
	OpCaption    = "caption"
	OpDetect     = "detection"
	OpTranscribe = "transcription"
	OpFrames     = "frame_summary"
)

// CapabilityKey uniquely identifies one inference capability as a
// (modality, operation) pair. It is an immutable value type and is
// usable as a map key.
type CapabilityKey struct {
	Modality  Modality `json:"modality"`
	Operation string   `json:"operation"`
}

// NewCapabilityKey builds a CapabilityKey.
func NewCapabilityKey(m Modality, op string) CapabilityKey {
	return CapabilityKey{Modality: m, Operation: op}
}

// String renders the key as "modality.operation" (e.g. "text.embedding").
func (k CapabilityKey) String() string {
	return string(k.Modality) + "." + k.Operation
}

// Validate checks that both components are present and the modality is known.
func (k CapabilityKey) Validate() error {
	if !k.Modality.Valid() {
		return fmt.Errorf("capability key: unknown modality %q", k.Modality)
	}
	if k.Operation == "" {
		return fmt.Errorf("capability key: empty operation")
	}
	return nil
}

// ParseCapabilityKey parses a "modality.operation" string.
func ParseCapabilityKey(s string) (CapabilityKey, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return CapabilityKey{}, fmt.Errorf("capability key %q: want modality.operation", s)
	}
	m, err := ParseModality(parts[0])
	if err != nil {
		return CapabilityKey{}, err
	}
	k := CapabilityKey{Modality: m, Operation: parts[1]}
	return k, k.Validate()
}
