package workspace

import (
	"path/filepath"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

// sensitiveSegments rejects paths that smell like secrets regardless of
// where they sit under the roots.
var sensitiveSegments = []string{
	".env",
	".git",
	".ssh",
	"id_rsa",
	"id_ed25519",
	"credentials",
	".aws",
	".kube",
	".netrc",
	".npmrc",
	".pypirc",
	"secrets",
}

// Resolve confines a tool-supplied path to the allowed roots. Relative paths
// are tried against each root in order; the first root that contains the
// result wins. Escapes and sensitive paths come back as SandboxViolation.
func Resolve(roots []string, path string) (string, error) {
	if path == "" {
		return "", protocol.NewError(protocol.KindBadInput, path, "empty path")
	}
	if err := checkSensitive(path); err != nil {
		return "", err
	}

	if filepath.IsAbs(path) {
		abs := filepath.Clean(path)
		if !underAnyRoot(roots, abs) {
			return "", escapeError(path)
		}
		return abs, nil
	}

	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Join(root, path))
		if err != nil {
			continue
		}
		if underAnyRoot(roots, abs) {
			return abs, nil
		}
	}
	return "", escapeError(path)
}

func underAnyRoot(roots []string, abs string) bool {
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

func checkSensitive(path string) error {
	lower := strings.ToLower(path)
	for _, seg := range strings.Split(filepath.ToSlash(lower), "/") {
		for _, blocked := range sensitiveSegments {
			if seg == blocked || strings.HasPrefix(seg, blocked+".") {
				return protocol.NewError(protocol.KindSandboxViolation, path,
					"access to %q is blocked", seg)
			}
		}
	}
	return nil
}

func escapeError(path string) error {
	return protocol.NewError(protocol.KindSandboxViolation, path,
		"path resolves outside the allowed roots")
}
