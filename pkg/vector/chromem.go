package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

const chromemCollection = "sidecar-knowledge"

// ChromemConfig configures the embedded provider.
type ChromemConfig struct {
	// PersistPath enables gob file persistence under the given directory.
	// Empty keeps the index in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression of the persisted file.
	Compress bool `yaml:"compress,omitempty"`
}

// ChromemProvider implements Provider with chromem-go. Single process,
// memory bound, no external services.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool
	mu          sync.Mutex
	collection  *chromem.Collection
}

func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := chromemFile(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load existing vector index, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding func must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := db.GetOrCreateCollection(chromemCollection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &ChromemProvider{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collection:  col,
	}, nil
}

func chromemFile(dir string, compress bool) string {
	path := filepath.Join(dir, "vectors.gob")
	if compress {
		path += ".gz"
	}
	return path
}

func (p *ChromemProvider) Name() string {
	return "chromem"
}

func (p *ChromemProvider) Upsert(ctx context.Context, id string, vec []float32, content string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		Embedding: vec,
	}
	if err := p.collection.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", id, err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist vector index after upsert", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, vec []float32, topK int) ([]Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// chromem rejects topK greater than the document count.
	if count := p.collection.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := p.collection.QueryEmbedding(ctx, vec, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Content:  r.Content,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist vector index after delete", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(chromemCollection); err != nil {
		return fmt.Errorf("failed to reset collection: %w", err)
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}
	col, err := p.db.GetOrCreateCollection(chromemCollection, nil, identityEmbed)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	p.collection = col

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist vector index after reset", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}

	//nolint:staticcheck // Export remains the supported snapshot API for on-disk copies.
	if err := p.db.Export(chromemFile(p.persistPath, p.compress), p.compress, ""); err != nil {
		return fmt.Errorf("failed to persist vector index: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
