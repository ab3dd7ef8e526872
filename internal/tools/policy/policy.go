// Package policy implements the permission gate consulted before every tool
// invocation. It resolves a (tool, input) pair against deny rules, path
// policy, and allow rules, falling back to a configurable default mode.
package policy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is the outcome kind of a permission check.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionAllowUpdated Decision = "allow_with_updated_input"
	DecisionDeny         Decision = "deny"
	DecisionAsk          Decision = "ask"
)

// Outcome is the result of resolving a permission check. UpdatedInput is set
// only for allow_with_updated_input; downstream phases must use it in place
// of the original input.
type Outcome struct {
	Decision     Decision
	Reason       string
	UpdatedInput json.RawMessage
}

// Allow is the zero-reason allow outcome.
func Allow() Outcome { return Outcome{Decision: DecisionAllow} }

// AllowUpdated allows the call with a substituted input.
func AllowUpdated(input json.RawMessage) Outcome {
	return Outcome{Decision: DecisionAllowUpdated, UpdatedInput: input}
}

// Deny refuses the call with a reason.
func Deny(reason string) Outcome {
	return Outcome{Decision: DecisionDeny, Reason: reason}
}

// Ask defers the call to the user with a reason.
func Ask(reason string) Outcome {
	return Outcome{Decision: DecisionAsk, Reason: reason}
}

// Rule matches a tool invocation by name plus an optional predicate over the
// input: a glob over its path, a regex over its command, or a domain
// allowlist over its URL. An empty predicate matches every input for the
// tool.
type Rule struct {
	// Tool is the tool name this rule applies to. "*" matches all tools.
	Tool string `yaml:"tool"`

	// PathGlob matches the input's path field. A pattern ending in "/**"
	// matches everything under the prefix.
	PathGlob string `yaml:"path_glob,omitempty"`

	// CommandRegex matches the input's command field.
	CommandRegex string `yaml:"command_regex,omitempty"`

	// Domains matches the input's URL host, exact or as a parent domain.
	Domains []string `yaml:"domains,omitempty"`

	// Reason is attached to the outcome when the rule fires.
	Reason string `yaml:"reason,omitempty"`

	// Rewrite, when set on an allow rule, substitutes the input. The
	// harness re-validates the substituted input against the tool schema.
	Rewrite func(json.RawMessage) (json.RawMessage, error) `yaml:"-"`

	commandRe *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.CommandRegex == "" {
		return nil
	}
	re, err := regexp.Compile(r.CommandRegex)
	if err != nil {
		return fmt.Errorf("rule for %q: bad command regex: %w", r.Tool, err)
	}
	r.commandRe = re
	return nil
}

// matches reports whether the rule applies to the tool and input fields.
func (r *Rule) matches(tool string, f inputFields) bool {
	if r.Tool != "*" && r.Tool != tool {
		return false
	}
	if r.PathGlob != "" {
		if f.path == "" || !globMatch(r.PathGlob, f.path) {
			return false
		}
	}
	if r.commandRe != nil {
		if f.command == "" || !r.commandRe.MatchString(f.command) {
			return false
		}
	}
	if len(r.Domains) > 0 {
		if f.host == "" || !domainAllowed(r.Domains, f.host) {
			return false
		}
	}
	return true
}

// globMatch matches pattern against an absolute path. "dir/**" matches the
// directory itself and anything beneath it; otherwise filepath.Match rules
// apply.
func globMatch(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
	}
	ok, err := filepath.Match(pattern, path)
	return err == nil && ok
}

// domainAllowed reports whether host equals an allowed domain or is a
// subdomain of one.
func domainAllowed(domains []string, host string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// PathPolicy constrains which filesystem paths tools may touch.
type PathPolicy struct {
	// ForbiddenPrefixes rejects any path under one of these prefixes.
	ForbiddenPrefixes []string `yaml:"forbidden_prefixes,omitempty"`

	// AllowedPrefixes, when non-empty, restricts paths to these prefixes.
	AllowedPrefixes []string `yaml:"allowed_prefixes,omitempty"`
}

// Check validates a path against the policy. The path is cleaned first;
// traversal that survives normalization is rejected.
func (p PathPolicy) Check(path string) error {
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path %q escapes via ..", path)
		}
	}
	for _, prefix := range p.ForbiddenPrefixes {
		if underPrefix(clean, prefix) {
			return fmt.Errorf("path %q is under forbidden prefix %q", path, prefix)
		}
	}
	if len(p.AllowedPrefixes) > 0 {
		for _, prefix := range p.AllowedPrefixes {
			if underPrefix(clean, prefix) {
				return nil
			}
		}
		return fmt.Errorf("path %q is outside the allowed prefixes", path)
	}
	return nil
}

func underPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// DefaultForbiddenPrefixes are paths no tool should touch by default.
var DefaultForbiddenPrefixes = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/proc",
	"/sys",
}

// Config is the full permission policy: deny rules first, then allow rules,
// then the default mode.
type Config struct {
	// DefaultMode applies when no rule matches: allow, deny, or ask.
	DefaultMode Decision `yaml:"default_mode"`

	Deny  []Rule `yaml:"deny,omitempty"`
	Allow []Rule `yaml:"allow,omitempty"`

	Paths PathPolicy `yaml:"paths,omitempty"`
}

// DefaultConfig asks on anything not explicitly covered and blocks the
// default forbidden prefixes.
func DefaultConfig() Config {
	return Config{
		DefaultMode: DecisionAsk,
		Paths:       PathPolicy{ForbiddenPrefixes: DefaultForbiddenPrefixes},
	}
}
