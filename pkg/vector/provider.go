// Package vector abstracts the similarity index behind the sidecar's L3
// recall: an embedded chromem-go store by default, or an external Qdrant
// server over gRPC.
package vector

import "context"

// Result is one ranked similarity match.
type Result struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]string
}

// Provider is the vector index contract. Implementations rank by cosine
// similarity over pre-computed embeddings; the kernel never asks the index
// to embed.
type Provider interface {
	Upsert(ctx context.Context, id string, vec []float32, content string, metadata map[string]string) error
	Search(ctx context.Context, vec []float32, topK int) ([]Result, error)
	Delete(ctx context.Context, id string) error
	Reset(ctx context.Context) error
	Name() string
	Close() error
}

// ProviderType identifies a vector provider implementation.
type ProviderType string

const (
	// ProviderChromem is the embedded pure-Go store. Zero-config, memory
	// bound, optional file persistence.
	ProviderChromem ProviderType = "chromem"

	// ProviderQdrant talks to a Qdrant server over gRPC.
	ProviderQdrant ProviderType = "qdrant"
)

// Config selects and tunes the provider.
type Config struct {
	Type ProviderType `yaml:"type"`

	Chromem *ChromemConfig `yaml:"chromem,omitempty"`
	Qdrant  *QdrantConfig  `yaml:"qdrant,omitempty"`
}

// New builds a provider from config; an empty type selects chromem.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case ProviderQdrant:
		qc := cfg.Qdrant
		if qc == nil {
			qc = &QdrantConfig{}
		}
		return NewQdrantProvider(*qc)
	case ProviderChromem, "":
		cc := cfg.Chromem
		if cc == nil {
			cc = &ChromemConfig{}
		}
		return NewChromemProvider(*cc)
	default:
		return nil, errUnknownProvider(string(cfg.Type))
	}
}
