package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Gate resolves permission outcomes. It is pure given its configuration: no
// I/O, no clock, no mutation of the input.
type Gate struct {
	config Config
}

// NewGate compiles the rule set. Returns an error if any rule carries an
// invalid regex or the default mode is not allow, deny, or ask.
func NewGate(config Config) (*Gate, error) {
	switch config.DefaultMode {
	case DecisionAllow, DecisionDeny, DecisionAsk:
	case "":
		config.DefaultMode = DecisionAsk
	default:
		return nil, fmt.Errorf("invalid default mode %q", config.DefaultMode)
	}
	for i := range config.Deny {
		if err := config.Deny[i].compile(); err != nil {
			return nil, err
		}
	}
	for i := range config.Allow {
		if err := config.Allow[i].compile(); err != nil {
			return nil, err
		}
	}
	return &Gate{config: config}, nil
}

// inputFields are the predicate-relevant fields extracted from a tool input.
type inputFields struct {
	path    string
	command string
	host    string
}

// pathKeys are the input fields treated as filesystem paths, in the order
// tools name them.
var pathKeys = []string{"file_path", "path", "notebook_path"}

func extractFields(input json.RawMessage) inputFields {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return inputFields{}
	}
	var f inputFields
	for _, k := range pathKeys {
		if s, ok := m[k].(string); ok && s != "" {
			f.path = s
			break
		}
	}
	if s, ok := m["command"].(string); ok {
		f.command = s
	}
	if s, ok := m["url"].(string); ok {
		if u, err := url.Parse(s); err == nil {
			f.host = u.Hostname()
		}
	}
	return f
}

// Resolve decides whether the named tool may run with the given input.
// Deny rules take precedence over everything; path policy over allow rules;
// allow rules over the default mode.
func (g *Gate) Resolve(tool string, input json.RawMessage) Outcome {
	f := extractFields(input)

	for i := range g.config.Deny {
		r := &g.config.Deny[i]
		if r.matches(tool, f) {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by policy rule for %q", r.Tool)
			}
			return Deny(reason)
		}
	}

	if f.path != "" {
		if err := g.config.Paths.Check(f.path); err != nil {
			return Deny(err.Error())
		}
	}

	for i := range g.config.Allow {
		r := &g.config.Allow[i]
		if !r.matches(tool, f) {
			continue
		}
		if r.Rewrite != nil {
			updated, err := r.Rewrite(input)
			if err != nil {
				return Deny(fmt.Sprintf("input rewrite failed: %v", err))
			}
			return AllowUpdated(updated)
		}
		return Allow()
	}

	switch g.config.DefaultMode {
	case DecisionAllow:
		return Allow()
	case DecisionDeny:
		return Deny("denied by default policy")
	default:
		return Ask(fmt.Sprintf("no policy rule covers tool %q", tool))
	}
}
