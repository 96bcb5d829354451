package local

import (
	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/types"
)

// Catalog exposes all reference backends through the backend.Catalog
// boundary. Production deployments replace it (or wrap it) with a catalog
// of real inference backends.
type Catalog struct {
	providers map[types.CapabilityKey]backend.Provider
}

// NewCatalog builds the full reference capability set.
func NewCatalog() *Catalog {
	c := &Catalog{providers: make(map[types.CapabilityKey]backend.Provider)}
	for _, p := range []backend.Provider{
		TextEmbedder{},
		SentimentAnalyzer{},
		Summarizer{},
		ImageEmbedder{},
		ImageCaptioner{},
		ObjectDetector{},
		Transcriber{},
		FrameSummarizer{},
	} {
		c.providers[p.Capability()] = p
	}
	return c
}

// Lookup implements backend.Catalog.
func (c *Catalog) Lookup(key types.CapabilityKey) (backend.Provider, bool) {
	p, ok := c.providers[key]
	return p, ok
}

// Register adds or replaces a provider, letting deployments mix reference
// and real backends in one catalog.
func (c *Catalog) Register(p backend.Provider) {
	c.providers[p.Capability()] = p
}

// Capabilities lists every registered capability key.
func (c *Catalog) Capabilities() []types.CapabilityKey {
	out := make([]types.CapabilityKey, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}
