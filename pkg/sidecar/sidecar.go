// Package sidecar implements the cross-session knowledge store: a
// mutex-guarded key→value map persisted to a single JSON file, with a
// vector index for fuzzy recall. One instance may be shared by many
// sessions; it is the only component shared across sessions.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/vector"
)

const brainFile = "brain.json"

// EmbedFunc maps text to a vector for the index. Sessions inject their
// driver's Embed; the hash embedding keeps the store usable without one.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Entry is one stored fact.
type Entry struct {
	Value    string            `json:"value"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match is one fuzzy recall result.
type Match struct {
	Key     string
	Content string
	Score   float64
}

// Sidecar is the persistent knowledge store. All operations are serialized
// behind one mutex; the in-memory map stays authoritative when disk writes
// fail.
type Sidecar struct {
	mu        sync.Mutex
	cacheDir  string
	knowledge map[string]Entry
	index     vector.Provider
	embed     EmbedFunc
}

// New builds a Sidecar under cfg.CacheDir, loading any existing brain.json
// and rebuilding the vector index from it on cold start.
func New(cfg config.SidecarConfig, embed EmbedFunc) (*Sidecar, error) {
	if cfg.CacheDir == "" {
		cfg.CacheDir = ".amnesic"
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.CacheDir, err)
	}

	if embed == nil {
		embed = func(_ context.Context, text string) ([]float32, error) {
			return llms.HashEmbedding(text), nil
		}
	}

	index, err := buildIndex(cfg)
	if err != nil {
		return nil, err
	}

	s := &Sidecar{
		cacheDir:  cfg.CacheDir,
		knowledge: make(map[string]Entry),
		index:     index,
		embed:     embed,
	}

	if err := s.load(); err != nil {
		slog.Warn("Failed to load sidecar knowledge, starting empty", "error", err)
	}
	s.rebuildIndex()

	return s, nil
}

func buildIndex(cfg config.SidecarConfig) (vector.Provider, error) {
	vcfg := vector.Config{Type: vector.ProviderType(cfg.VectorProvider)}
	switch vcfg.Type {
	case vector.ProviderQdrant:
		vcfg.Qdrant = &vector.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
		}
	default:
		// The embedded index persists its own snapshot next to brain.json.
		vcfg.Chromem = &vector.ChromemConfig{
			PersistPath: filepath.Join(cfg.CacheDir, "vectors"),
		}
	}

	index, err := vector.New(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sidecar vector index: %w", err)
	}
	return index, nil
}

// Ingest stores value under key, indexes it for fuzzy recall, and persists
// to disk. Disk failures are logged, never fatal.
func (s *Sidecar) Ingest(ctx context.Context, key, value, typ string, metadata map[string]string) error {
	if key == "" {
		return fmt.Errorf("sidecar key cannot be empty")
	}
	if typ == "" {
		typ = "text"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.knowledge[key] = Entry{Value: value, Type: typ, Metadata: metadata}

	if vec, err := s.embed(ctx, key+" "+value); err != nil {
		slog.Warn("Sidecar embedding failed, entry not indexed", "key", key, "error", err)
	} else if err := s.index.Upsert(ctx, key, vec, value, metadata); err != nil {
		slog.Warn("Sidecar index upsert failed", "key", key, "error", err)
	}

	s.persistLocked()
	return nil
}

// QuerySemantic ranks stored entries against the query.
func (s *Sidecar) QuerySemantic(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		k = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("sidecar semantic query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		content := r.Content
		if entry, ok := s.knowledge[r.ID]; ok {
			content = entry.Value
		}
		matches = append(matches, Match{Key: r.ID, Content: content, Score: r.Score})
	}
	return matches, nil
}

// QueryExact returns the value stored under key.
func (s *Sidecar) QueryExact(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.knowledge[key]
	return entry.Value, ok
}

// Delete removes key from the map and the index.
func (s *Sidecar) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.knowledge[key]; !ok {
		return nil
	}
	delete(s.knowledge, key)

	if err := s.index.Delete(ctx, key); err != nil {
		slog.Warn("Sidecar index delete failed", "key", key, "error", err)
	}
	s.persistLocked()
	return nil
}

// All returns a copy of the key→value map.
func (s *Sidecar) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.knowledge))
	for k, e := range s.knowledge {
		out[k] = e.Value
	}
	return out
}

// Entries returns a copy of the full entry map.
func (s *Sidecar) Entries() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.knowledge))
	for k, e := range s.knowledge {
		out[k] = e
	}
	return out
}

// Reset wipes the map, the index and the persisted file.
func (s *Sidecar) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.knowledge = make(map[string]Entry)
	if err := s.index.Reset(ctx); err != nil {
		slog.Warn("Sidecar index reset failed", "error", err)
	}
	s.persistLocked()
	return nil
}

// Close persists and releases the index.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persistLocked()
	return s.index.Close()
}

// CacheDir returns the on-disk location of the store.
func (s *Sidecar) CacheDir() string {
	return s.cacheDir
}

func (s *Sidecar) brainPath() string {
	return filepath.Join(s.cacheDir, brainFile)
}

func (s *Sidecar) load() error {
	raw, err := os.ReadFile(s.brainPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.knowledge)
}

// rebuildIndex re-indexes every loaded entry. Runs once at construction,
// before the Sidecar is shared.
func (s *Sidecar) rebuildIndex() {
	ctx := context.Background()
	for key, entry := range s.knowledge {
		vec, err := s.embed(ctx, key+" "+entry.Value)
		if err != nil {
			slog.Warn("Failed to re-embed sidecar entry", "key", key, "error", err)
			continue
		}
		if err := s.index.Upsert(ctx, key, vec, entry.Value, entry.Metadata); err != nil {
			slog.Warn("Failed to re-index sidecar entry", "key", key, "error", err)
		}
	}
}

func (s *Sidecar) persistLocked() {
	raw, err := json.MarshalIndent(s.knowledge, "", "  ")
	if err != nil {
		slog.Warn("Failed to encode sidecar knowledge", "error", err)
		return
	}
	if err := os.WriteFile(s.brainPath(), raw, 0644); err != nil {
		// In-memory copy stays authoritative for the running process.
		slog.Warn("Failed to persist sidecar knowledge", "path", s.brainPath(), "error", err)
	}
}
