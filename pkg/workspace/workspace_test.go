package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const samplePython = `import math
from collections import deque

class Backpack:
    def __init__(self, size):
        self.size = size

    def add(self, item):
        pass

def total_weight(items):
    return sum(items)
`

func TestScanFindsStructure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inventory.py", samplePython)
	writeFile(t, dir, "notes.md", "# notes\n")

	s := NewFSScanner([]string{dir})
	defer s.Close()

	infos, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	var py FileInfo
	for _, info := range infos {
		if filepath.Base(info.Path) == "inventory.py" {
			py = info
		}
	}
	require.NotEmpty(t, py.Path)

	require.Len(t, py.Classes, 1)
	assert.Equal(t, "Backpack", py.Classes[0].Name)
	assert.ElementsMatch(t, []string{"__init__", "add"}, py.Classes[0].Methods)
	assert.Contains(t, py.Imports, "math")
	assert.Contains(t, py.Imports, "collections")

	names := make([]string, 0, len(py.Functions))
	for _, fn := range py.Functions {
		names = append(names, fn.Name)
	}
	assert.Contains(t, names, "total_weight")
}

func TestScanSkipsVendorAndHidden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, dir, "vendor/dep.go", "package dep\n")
	writeFile(t, dir, ".hidden/secret.py", "def hidden(): pass\n")
	writeFile(t, dir, "node_modules/lib.js", "function lib() {}\n")

	s := NewFSScanner([]string{dir})
	defer s.Close()

	infos, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "main.go", filepath.Base(infos[0].Path))
}

func TestSymbolLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "inventory.py", samplePython)

	s := NewFSScanner([]string{dir})
	defer s.Close()

	slice, err := s.SymbolLookup(path, "total_weight")
	require.NoError(t, err)
	assert.Contains(t, slice, "def total_weight(items):")
	assert.NotContains(t, slice, "class Backpack")

	_, err = s.SymbolLookup(path, "does_not_exist")
	require.Error(t, err)
	assert.Equal(t, protocol.KindNotFound, protocol.KindOf(err))
}

func TestResolveConfinesToRoots(t *testing.T) {
	root := t.TempDir()

	abs, err := Resolve([]string{root}, "sub/file.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "file.py"), abs)

	_, err = Resolve([]string{root}, "../outside.py")
	require.Error(t, err)
	assert.Equal(t, protocol.KindSandboxViolation, protocol.KindOf(err))

	_, err = Resolve([]string{root}, "/etc/passwd")
	require.Error(t, err)
	assert.Equal(t, protocol.KindSandboxViolation, protocol.KindOf(err))
}

func TestResolveBlocksSensitivePaths(t *testing.T) {
	root := t.TempDir()

	for _, path := range []string{".env", "config/.env.local", ".git/config", "keys/id_rsa", "ops/credentials"} {
		_, err := Resolve([]string{root}, path)
		require.Error(t, err, "path %s", path)
		assert.Equal(t, protocol.KindSandboxViolation, protocol.KindOf(err), "path %s", path)
	}
}

func TestShadowFSSandboxCapturesWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	fs := NewShadowFS(true)
	require.NoError(t, fs.WriteFile(target, "sandboxed content"))

	// Physical filesystem untouched.
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))

	// The agent still sees its own write.
	content, err := fs.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "sandboxed content", content)
	assert.True(t, fs.Exists(target))
	assert.Equal(t, []string{target}, fs.ShadowedPaths())
}

func TestShadowFSDirectMode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	fs := NewShadowFS(false)
	require.NoError(t, fs.WriteFile(target, "real content"))

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "real content", string(raw))
	assert.Empty(t, fs.ShadowedPaths())
}

func TestShadowFSReadMissing(t *testing.T) {
	fs := NewShadowFS(true)
	_, err := fs.ReadFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
	assert.Equal(t, protocol.KindNotFound, protocol.KindOf(err))
}
