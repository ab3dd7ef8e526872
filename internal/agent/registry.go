package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// registration is one entry in the registry.
type registration struct {
	tool     Tool
	category string
	enabled  bool
}

// Registry maps tool names to definitions, with an alias table and
// category partitioning for bulk enable/disable. Populated at startup,
// read-mostly afterwards.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registration
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*registration),
		aliases: make(map[string]string),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*registration, *Registry) error

// WithCategory assigns the tool to a category.
func WithCategory(category string) RegisterOption {
	return func(r *registration, _ *Registry) error {
		r.category = category
		return nil
	}
}

// WithAliases maps alternative names to the tool.
func WithAliases(aliases ...string) RegisterOption {
	return func(r *registration, reg *Registry) error {
		name := r.tool.Name()
		for _, a := range aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || a == name {
				continue
			}
			if _, exists := reg.aliases[a]; exists {
				return fmt.Errorf("alias %q already registered", a)
			}
			if _, exists := reg.tools[a]; exists {
				return fmt.Errorf("alias %q collides with a tool name", a)
			}
			reg.aliases[a] = name
		}
		return nil
	}
}

// Register adds a tool. Duplicate names fail; use Unregister first to
// replace a definition.
func (r *Registry) Register(tool Tool, opts ...RegisterOption) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	if _, exists := r.aliases[name]; exists {
		return fmt.Errorf("tool name %q collides with an alias", name)
	}

	reg := &registration{tool: tool, enabled: true}
	for _, opt := range opts {
		if err := opt(reg, r); err != nil {
			// Roll back aliases added by earlier options.
			for a, canonical := range r.aliases {
				if canonical == name {
					delete(r.aliases, a)
				}
			}
			return err
		}
	}
	r.tools[name] = reg
	return nil
}

// Unregister removes a tool and its aliases.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	if _, exists := r.tools[canonical]; !exists {
		return false
	}
	delete(r.tools, canonical)
	for a, c := range r.aliases {
		if c == canonical {
			delete(r.aliases, a)
		}
	}
	return true
}

// Resolve maps a name through the alias table to its canonical form and
// definition. Disabled tools resolve; callers check enablement separately
// so metadata stays queryable. Resolution is idempotent.
func (r *Registry) Resolve(name string) (string, Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	reg, ok := r.tools[canonical]
	if !ok {
		return "", nil, NewError(ErrToolNotFound, fmt.Sprintf("no tool named %q", name)).
			WithPhase(PhaseResolve).WithTool(name)
	}
	return canonical, reg.tool, nil
}

// Enabled reports whether the (canonical or aliased) tool is enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	reg, ok := r.tools[canonical]
	return ok && reg.enabled
}

// SetEnabled toggles a tool without removing its record.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	canonical := name
	if c, ok := r.aliases[name]; ok {
		canonical = c
	}
	reg, ok := r.tools[canonical]
	if !ok {
		return false
	}
	reg.enabled = enabled
	return true
}

// SetCategoryEnabled toggles every tool in a category. Returns the number
// of tools affected.
func (r *Registry) SetCategoryEnabled(category string, enabled bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, reg := range r.tools {
		if reg.category == category {
			reg.enabled = enabled
			n++
		}
	}
	return n
}

// ToolInfo is the safe metadata exposed for model prompts.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
	Category    string          `json:"-"`
}

// Describe returns metadata for all enabled tools, sorted by name.
func (r *Registry) Describe() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolInfo, 0, len(r.tools))
	for name, reg := range r.tools {
		if !reg.enabled {
			continue
		}
		out = append(out, ToolInfo{
			Name:        name,
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
			Category:    reg.category,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all canonical tool names, enabled or not.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
