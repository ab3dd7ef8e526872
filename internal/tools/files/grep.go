package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/pkg/models"
)

// defaultExclusions are directory names never descended into.
var defaultExclusions = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
	".cache":       true,
}

// ignoreFileName is the per-project exclusion list: one pattern per line,
// '#' comments.
const ignoreFileName = ".searchignore"

const (
	maxGrepFileSize = 4 << 20
	maxGrepMatches  = 500
)

// GrepTool searches workspace file contents by regular expression.
type GrepTool struct {
	resolver Resolver
}

// NewGrepTool creates a grep tool scoped to the workspace.
func NewGrepTool(cfg Config) *GrepTool {
	return &GrepTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search workspace files with a regex. Returns matching file paths, or matching lines in content mode."
}

func (t *GrepTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "Regular expression to search for."
			},
			"path": {
				"type": "string",
				"description": "Directory to search (default: workspace root)."
			},
			"glob": {
				"type": "string",
				"description": "Filename glob filter, e.g. *.go."
			},
			"output_mode": {
				"type": "string",
				"enum": ["files_with_matches", "content", "count"],
				"description": "What to return (default files_with_matches)."
			},
			"case_insensitive": {
				"type": "boolean",
				"description": "Case-insensitive matching."
			}
		},
		"required": ["pattern"],
		"additionalProperties": false
	}`)
}

// ReadOnly marks search side-effect free.
func (t *GrepTool) ReadOnly() bool { return true }

// ConcurrencySafe allows parallel searches in a batch.
func (t *GrepTool) ConcurrencySafe() bool { return true }

type grepMatch struct {
	path  string
	line  int
	text  string
	mtime int64
}

func (t *GrepTool) Execute(ctx context.Context, ec *agent.ExecContext, input json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		Glob            string `json:"glob"`
		OutputMode      string `json:"output_mode"`
		CaseInsensitive bool   `json:"case_insensitive"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, err.Error()).WithTool(t.Name())
	}

	pattern := in.Pattern
	if in.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, agent.NewError(agent.ErrInvalidParameters, fmt.Sprintf("pattern: %v", err)).WithTool(t.Name())
	}

	searchPath := in.Path
	if searchPath == "" {
		searchPath = "."
	}
	root, err := t.resolver.Resolve(searchPath)
	if err != nil {
		return nil, agent.NewError(agent.ErrForbiddenPath, err.Error()).WithTool(t.Name())
	}

	ignored := loadIgnorePatterns(root)
	matches, err := t.search(ctx, root, re, in.Glob, ignored)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	mode := in.OutputMode
	if mode == "" {
		mode = "files_with_matches"
	}
	return &models.ToolResult{Content: renderMatches(matches, mode, root)}, nil
}

func (t *GrepTool) search(ctx context.Context, root string, re *regexp.Regexp, glob string, ignored []string) ([]grepMatch, error) {
	var matches []grepMatch
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (defaultExclusions[name] || matchesIgnore(ignored, name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesIgnore(ignored, name) {
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, name); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		fileMatches := scanFile(path, re, info.ModTime().UnixNano())
		matches = append(matches, fileMatches...)
		if len(matches) >= maxGrepMatches {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return nil, err
	}
	return matches, nil
}

func scanFile(path string, re *regexp.Regexp, mtime int64) []grepMatch {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var matches []grepMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			return nil // binary file
		}
		if re.MatchString(line) {
			matches = append(matches, grepMatch{path: path, line: lineNo, text: line, mtime: mtime})
		}
	}
	return matches
}

func renderMatches(matches []grepMatch, mode, root string) string {
	if len(matches) == 0 {
		return "No matches found."
	}
	rel := func(p string) string {
		if r, err := filepath.Rel(root, p); err == nil {
			return r
		}
		return p
	}

	switch mode {
	case "content":
		var b strings.Builder
		for _, m := range matches {
			fmt.Fprintf(&b, "%s:%d:%s\n", rel(m.path), m.line, m.text)
		}
		return strings.TrimSuffix(b.String(), "\n")

	case "count":
		counts := map[string]int{}
		for _, m := range matches {
			counts[rel(m.path)]++
		}
		paths := make([]string, 0, len(counts))
		for p := range counts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		var b strings.Builder
		for _, p := range paths {
			fmt.Fprintf(&b, "%s:%d\n", p, counts[p])
		}
		return strings.TrimSuffix(b.String(), "\n")

	default: // files_with_matches, newest first
		type fileEntry struct {
			path  string
			mtime int64
		}
		seen := map[string]int64{}
		for _, m := range matches {
			seen[m.path] = m.mtime
		}
		entries := make([]fileEntry, 0, len(seen))
		for p, mt := range seen {
			entries = append(entries, fileEntry{path: p, mtime: mt})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].mtime != entries[j].mtime {
				return entries[i].mtime > entries[j].mtime
			}
			return entries[i].path < entries[j].path
		})
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(rel(e.path) + "\n")
		}
		return strings.TrimSuffix(b.String(), "\n")
	}
}

// loadIgnorePatterns reads the project ignore file at the search root.
func loadIgnorePatterns(root string) []string {
	data, err := os.ReadFile(filepath.Join(root, ignoreFileName))
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func matchesIgnore(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
