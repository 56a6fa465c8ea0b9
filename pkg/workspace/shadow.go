package workspace

import (
	"os"
	"sort"
	"sync"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

// ShadowFS overlays writes onto an in-memory map keyed by absolute path. In
// sandbox mode the physical filesystem is never mutated; reads still see the
// shadowed content so the agent observes its own edits.
type ShadowFS struct {
	mu      sync.RWMutex
	sandbox bool
	files   map[string]string
}

// NewShadowFS builds the overlay. With sandbox false, writes go straight to
// disk and the overlay stays empty.
func NewShadowFS(sandbox bool) *ShadowFS {
	return &ShadowFS{
		sandbox: sandbox,
		files:   make(map[string]string),
	}
}

// Sandboxed reports whether writes are being captured.
func (s *ShadowFS) Sandboxed() bool {
	return s.sandbox
}

// ReadFile prefers shadowed content over the disk copy.
func (s *ShadowFS) ReadFile(path string) (string, error) {
	s.mu.RLock()
	content, shadowed := s.files[path]
	s.mu.RUnlock()
	if shadowed {
		return content, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", protocol.NewError(protocol.KindNotFound, path, "file does not exist")
		}
		return "", protocol.WrapError(protocol.KindIOFailure, path, err)
	}
	return string(raw), nil
}

// WriteFile stores into the overlay when sandboxed, otherwise to disk.
func (s *ShadowFS) WriteFile(path, content string) error {
	if s.sandbox {
		s.mu.Lock()
		s.files[path] = content
		s.mu.Unlock()
		return nil
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return protocol.WrapError(protocol.KindIOFailure, path, err)
	}
	return nil
}

// Exists reports whether the path is visible, shadowed or on disk.
func (s *ShadowFS) Exists(path string) bool {
	s.mu.RLock()
	_, shadowed := s.files[path]
	s.mu.RUnlock()
	if shadowed {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

// ShadowedPaths lists the paths captured by the overlay, sorted.
func (s *ShadowFS) ShadowedPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
