// Package files implements the filesystem tools: read, write, edit,
// multi_edit, notebook_edit, and grep, all scoped to a workspace root.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadLines int
	MaxLineBytes int
}

func (c Config) sanitized() Config {
	if c.MaxReadLines <= 0 {
		c.MaxReadLines = 2000
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 2000
	}
	return c
}

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// Tracker records which files were read this session, and when. Write and
// edit tools consult it so an existing file is never overwritten blind.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewTracker creates an empty read tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]time.Time)}
}

// Record notes that the file was read at its current mtime.
func (t *Tracker) Record(path string, mtime time.Time) {
	t.mu.Lock()
	t.seen[path] = mtime
	t.mu.Unlock()
}

// Check verifies the file was read and has not changed since. A missing
// file passes: creating a new file needs no prior read.
func (t *Tracker) Check(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	t.mu.Lock()
	readAt, ok := t.seen[path]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("file exists and has not been read this session; read it before overwriting")
	}
	if info.ModTime().After(readAt) {
		return fmt.Errorf("file changed on disk since it was read; read it again before overwriting")
	}
	return nil
}

// atomicWrite writes via a temp file in the same directory plus rename, so
// readers never observe a half-written file.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// looksBinary reports whether the sample appears to be non-text content.
func looksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	for _, b := range sample {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(sample)
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// classify determines how a file should be presented.
func classify(path string, sample []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExtensions[ext]; ok {
		return "image"
	}
	if ext == ".ipynb" {
		return "notebook"
	}
	if looksBinary(sample) {
		return "binary"
	}
	return "text"
}
