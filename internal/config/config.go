// Package config loads the YAML configuration file and applies environment
// overrides. Values the file leaves unset fall back to component defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tacitdev/tacit/internal/tools/policy"
)

// Config is the full configuration tree.
type Config struct {
	Model       Model         `yaml:"model"`
	Tools       Tools         `yaml:"tools"`
	Session     Session       `yaml:"session"`
	Permissions policy.Config `yaml:"permissions"`
	Logging     Logging       `yaml:"logging"`
	Metrics     Metrics       `yaml:"metrics"`
}

// Model configures the model API client.
type Model struct {
	// BaseURL of the API. Default: https://api.anthropic.com.
	BaseURL string `yaml:"base_url"`

	// APIKey for the x-api-key header. ${ANTHROPIC_API_KEY} expands from
	// the environment before parsing.
	APIKey string `yaml:"api_key"`

	// APIVersion for the version header.
	APIVersion string `yaml:"api_version"`

	// Name is the default model.
	Name string `yaml:"name"`

	// MaxTokens is the per-call generation budget.
	MaxTokens int `yaml:"max_tokens"`

	Temperature *float64 `yaml:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
	TopK        *int     `yaml:"top_k,omitempty"`
}

// Tools configures the tool implementations.
type Tools struct {
	Exec     Exec     `yaml:"exec"`
	Files    Files    `yaml:"files"`
	Web      Web      `yaml:"web"`
	Subagent Subagent `yaml:"subagent"`

	// Disabled lists tool names registered but switched off.
	Disabled []string `yaml:"disabled,omitempty"`
}

// Exec configures the subprocess supervisor. Durations are Go durations;
// zero means the component default.
type Exec struct {
	Shell            string        `yaml:"shell"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	MaxSnapshotBytes int           `yaml:"max_snapshot_bytes"`
	TaskMaxAge       time.Duration `yaml:"task_max_age"`

	MaxSessions        int           `yaml:"max_sessions"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// DangerPatterns extend the built-in catastrophic-command list.
	DangerPatterns []DangerPattern `yaml:"danger_patterns,omitempty"`
}

// DangerPattern is one extra command rejection rule.
type DangerPattern struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// Files configures the filesystem tools.
type Files struct {
	// Workspace roots relative paths and bounds the path policy. Empty
	// means the process working directory.
	Workspace    string `yaml:"workspace"`
	MaxReadLines int    `yaml:"max_read_lines"`
	MaxLineBytes int    `yaml:"max_line_bytes"`
}

// Web configures the network tools.
type Web struct {
	// Disabled turns web_fetch and web_search off entirely.
	Disabled bool `yaml:"disabled"`

	// AllowedDomains, when non-empty, restricts fetches to the listed
	// hosts and their subdomains.
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`

	MaxFetchBytes   int64 `yaml:"max_fetch_bytes"`
	MaxContentChars int   `yaml:"max_content_chars"`

	// SearchModel overrides the sub-model used to distill search results.
	SearchModel string `yaml:"search_model"`
}

// Subagent configures the task tool.
type Subagent struct {
	Model         string   `yaml:"model"`
	MaxActive     int      `yaml:"max_active"`
	MaxIterations int      `yaml:"max_iterations"`
	AllowedTools  []string `yaml:"allowed_tools,omitempty"`
}

// Session configures the conversation and its compactor.
type Session struct {
	SystemPrompt string `yaml:"system_prompt"`

	// CheckpointPath is the sqlite file for /save and /load. Empty
	// disables checkpointing.
	CheckpointPath string `yaml:"checkpoint_path"`

	// MaxIterations bounds tool rounds per user turn.
	MaxIterations int `yaml:"max_iterations"`

	Compaction Compaction `yaml:"compaction"`
}

// Compaction configures the microcompactor thresholds.
type Compaction struct {
	TokenThreshold int     `yaml:"token_threshold"`
	MinMessages    int     `yaml:"min_messages"`
	TargetRatio    float64 `yaml:"target_ratio"`
	ScoreFloor     int     `yaml:"score_floor"`
}

// Logging configures slog output.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Color controls ANSI in the REPL prompt: auto, always, never.
	// NO_COLOR and FORCE_COLOR override it.
	Color string `yaml:"color"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: Model{
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Permissions: policy.DefaultConfig(),
		Logging: Logging{
			Level:  "info",
			Format: "text",
			Color:  "auto",
		},
		Metrics: Metrics{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Load reads path, expands ${ENV} references, parses YAML over the
// defaults, and applies environment overrides. An empty path loads defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers the recognized environment variables over the file.
func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Model.APIKey == "" {
		c.Model.APIKey = key
	}
	if envBool("CLAUDE_NO_NETWORK") || envBool("NETWORK_RESTRICTED") {
		c.Tools.Web.Disabled = true
	}
	if m := os.Getenv("CLAUDE_SEARCH_MODEL"); m != "" {
		c.Tools.Web.SearchModel = m
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		c.Logging.Color = "never"
	} else if envBool("FORCE_COLOR") {
		c.Logging.Color = "always"
	}
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Validate rejects configurations no component can run with.
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must be positive")
	}
	switch c.Logging.Color {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("logging.color must be auto, always, or never")
	}
	if c.Session.Compaction.TargetRatio < 0 || c.Session.Compaction.TargetRatio >= 1 {
		if c.Session.Compaction.TargetRatio != 0 {
			return fmt.Errorf("session.compaction.target_ratio must be in (0, 1)")
		}
	}
	for _, p := range c.Tools.Exec.DangerPatterns {
		if strings.TrimSpace(p.Pattern) == "" {
			return fmt.Errorf("tools.exec.danger_patterns entries need a pattern")
		}
	}
	return nil
}
