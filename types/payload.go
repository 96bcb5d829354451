package types

// Payload is the raw input for one modality. The caller owns the payload;
// the dispatcher and backends borrow it read-only for the duration of a
// call and must not retain or mutate it.
type Payload struct {
	Modality Modality          `json:"modality"`
	Text     string            `json:"text,omitempty"`
	Data     []byte            `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Empty reports whether the payload carries no content at all.
func (p Payload) Empty() bool {
	return p.Text == "" && len(p.Data) == 0
}
