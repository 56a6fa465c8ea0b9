// Package workspace maps the project directories the agent may touch: a
// structural scanner for the prompt's workspace view, a symbol lookup for
// contextual staging, path resolution with sandbox confinement, and a shadow
// overlay for sandboxed writes.
package workspace

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

// Function is one callable found by the line scanner.
type Function struct {
	Name      string   `json:"name"`
	Args      []string `json:"args,omitempty"`
	LineStart int      `json:"line_start"`
	LineEnd   int      `json:"line_end"`
	Docstring string   `json:"docstring,omitempty"`
}

// Class is one type or class declaration.
type Class struct {
	Name      string   `json:"name"`
	LineStart int      `json:"line_start"`
	LineEnd   int      `json:"line_end"`
	Methods   []string `json:"methods,omitempty"`
}

// FileInfo is the structural summary of one workspace file.
type FileInfo struct {
	Path      string     `json:"path"`
	Classes   []Class    `json:"classes,omitempty"`
	Functions []Function `json:"functions,omitempty"`
	Imports   []string   `json:"imports,omitempty"`
}

// Scanner produces the workspace map and resolves symbols inside files.
type Scanner interface {
	Scan(ctx context.Context) ([]FileInfo, error)
	SymbolLookup(file, symbol string) (string, error)
}

var skipDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	"__pycache__":  true,
	"venv":         true,
	"dist":         true,
	"build":        true,
}

var scanExtensions = map[string]bool{
	".py":   true,
	".go":   true,
	".js":   true,
	".ts":   true,
	".md":   true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".csv":  true,
	".cfg":  true,
	".ini":  true,
	".sh":   true,
}

// FSScanner walks the configured roots and caches the result. A watcher on
// the roots invalidates the cache on any filesystem event, so repeated scans
// within a quiet turn are free.
type FSScanner struct {
	roots   []string
	mu      sync.Mutex
	cache   []FileInfo
	dirty   bool
	watcher *fsnotify.Watcher
}

// NewFSScanner builds a scanner over the given roots. Watcher setup failures
// degrade to rescanning every call.
func NewFSScanner(roots []string) *FSScanner {
	s := &FSScanner{roots: roots, dirty: true}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Workspace watcher unavailable, caching disabled", "error", err)
		return s
	}
	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			slog.Warn("Cannot watch workspace root", "root", root, "error", err)
		}
	}
	s.watcher = watcher
	go s.watch()
	return s
}

func (s *FSScanner) watch() {
	for {
		select {
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Workspace watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (s *FSScanner) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// Scan returns the cached workspace map, rescanning when the watcher saw a
// change (or when no watcher is running).
func (s *FSScanner) Scan(ctx context.Context) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty && s.watcher != nil && s.cache != nil {
		return s.cache, nil
	}

	var infos []FileInfo
	for _, root := range s.roots {
		if err := ctx.Err(); err != nil {
			return nil, protocol.WrapError(protocol.KindCancelled, root, err)
		}
		rootInfos, err := scanRoot(root)
		if err != nil {
			return nil, err
		}
		infos = append(infos, rootInfos...)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	s.cache = infos
	s.dirty = false
	return infos, nil
}

func scanRoot(root string) ([]FileInfo, error) {
	var infos []FileInfo
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !scanExtensions[filepath.Ext(name)] {
			return nil
		}
		info, err := parseFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable workspace file", "path", path, "error", err)
			return nil
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, protocol.WrapError(protocol.KindIOFailure, root, err)
	}
	return infos, nil
}

var (
	pyDefPattern   = regexp.MustCompile(`^(\s*)def\s+(\w+)\s*\(([^)]*)\)`)
	pyClassPattern = regexp.MustCompile(`^class\s+(\w+)`)
	goFuncPattern  = regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?(\w+)\s*\(([^)]*)\)`)
	goTypePattern  = regexp.MustCompile(`^type\s+(\w+)\s+(?:struct|interface)`)
	jsFuncPattern  = regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(([^)]*)\)`)
	importPattern  = regexp.MustCompile(`^\s*(?:import|from)\s+([\w./"-]+)`)
)

// parseFile does a lightweight line scan: enough structure for the prompt's
// workspace map and symbol lookup, nothing resembling a real parser.
func parseFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	info := FileInfo{Path: path}
	var currentClass *Class

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if m := importPattern.FindStringSubmatch(line); m != nil {
			info.Imports = append(info.Imports, strings.Trim(m[1], `"`))
		}

		if m := pyClassPattern.FindStringSubmatch(line); m != nil {
			closeClass(&info, &currentClass, lineNo-1)
			currentClass = &Class{Name: m[1], LineStart: lineNo}
			continue
		}
		if m := goTypePattern.FindStringSubmatch(line); m != nil {
			info.Classes = append(info.Classes, Class{Name: m[1], LineStart: lineNo, LineEnd: lineNo})
			continue
		}

		if m := pyDefPattern.FindStringSubmatch(line); m != nil {
			fn := Function{Name: m[2], Args: splitArgs(m[3]), LineStart: lineNo}
			if m[1] != "" && currentClass != nil {
				currentClass.Methods = append(currentClass.Methods, m[2])
			} else {
				closeClass(&info, &currentClass, lineNo-1)
			}
			closeLastFunction(&info, lineNo-1)
			info.Functions = append(info.Functions, fn)
			continue
		}
		if m := goFuncPattern.FindStringSubmatch(line); m != nil {
			closeLastFunction(&info, lineNo-1)
			info.Functions = append(info.Functions, Function{Name: m[1], Args: splitArgs(m[2]), LineStart: lineNo})
			continue
		}
		if m := jsFuncPattern.FindStringSubmatch(line); m != nil {
			closeLastFunction(&info, lineNo-1)
			info.Functions = append(info.Functions, Function{Name: m[1], Args: splitArgs(m[2]), LineStart: lineNo})
		}
	}
	if err := scanner.Err(); err != nil {
		return FileInfo{}, err
	}
	closeClass(&info, &currentClass, lineNo)
	closeLastFunction(&info, lineNo)
	return info, nil
}

func closeClass(info *FileInfo, current **Class, lastLine int) {
	if *current == nil {
		return
	}
	(*current).LineEnd = lastLine
	info.Classes = append(info.Classes, **current)
	*current = nil
}

func closeLastFunction(info *FileInfo, lastLine int) {
	if n := len(info.Functions); n > 0 && info.Functions[n-1].LineEnd == 0 {
		info.Functions[n-1].LineEnd = lastLine
	}
}

func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	return args
}

// SymbolLookup returns the source slice for a named class or function inside
// file. Backs the contextual staging syntax path?query=symbol.
func (s *FSScanner) SymbolLookup(file, symbol string) (string, error) {
	info, err := parseFile(file)
	if err != nil {
		return "", protocol.WrapError(protocol.KindIOFailure, file, err)
	}

	start, end := 0, 0
	for _, c := range info.Classes {
		if c.Name == symbol {
			start, end = c.LineStart, c.LineEnd
			break
		}
	}
	if start == 0 {
		for _, fn := range info.Functions {
			if fn.Name == symbol {
				start, end = fn.LineStart, fn.LineEnd
				break
			}
		}
	}
	if start == 0 {
		return "", protocol.NewError(protocol.KindNotFound, file,
			"symbol %q not found", symbol)
	}

	return sliceLines(file, start, end)
}

func sliceLines(path string, start, end int) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", protocol.WrapError(protocol.KindIOFailure, path, err)
	}
	lines := strings.Split(string(raw), "\n")
	if start < 1 {
		start = 1
	}
	if end > len(lines) || end < start {
		end = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// Summarize renders the workspace map for the prompt: one line per file with
// its top-level symbols.
func Summarize(infos []FileInfo) string {
	var b strings.Builder
	for _, info := range infos {
		symbols := make([]string, 0, len(info.Classes)+len(info.Functions))
		for _, c := range info.Classes {
			symbols = append(symbols, c.Name)
		}
		for _, fn := range info.Functions {
			symbols = append(symbols, fn.Name+"()")
		}
		if len(symbols) > 0 {
			fmt.Fprintf(&b, "%s [%s]\n", info.Path, strings.Join(symbols, ", "))
		} else {
			fmt.Fprintf(&b, "%s\n", info.Path)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ Scanner = (*FSScanner)(nil)
