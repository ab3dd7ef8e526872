// Command tacit is an interactive coding agent: a REPL that streams model
// turns, dispatches tool calls through a permissioned pipeline, and keeps
// the conversation inside its token budget.
//
// Basic usage:
//
//	tacit run --config tacit.yaml
//
// Environment variables:
//
//   - ANTHROPIC_API_KEY: API key when the config file sets none
//   - CLAUDE_NO_NETWORK / NETWORK_RESTRICTED: disable network tools
//   - CLAUDE_SEARCH_MODEL: override the search sub-model
//   - NO_COLOR / FORCE_COLOR: control ANSI output
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/internal/agent/anthropic"
	"github.com/tacitdev/tacit/internal/config"
	"github.com/tacitdev/tacit/internal/convo"
	coreexec "github.com/tacitdev/tacit/internal/exec"
	"github.com/tacitdev/tacit/internal/hooks"
	"github.com/tacitdev/tacit/internal/observability"
	exectools "github.com/tacitdev/tacit/internal/tools/exec"
	"github.com/tacitdev/tacit/internal/tools/files"
	"github.com/tacitdev/tacit/internal/tools/policy"
	"github.com/tacitdev/tacit/internal/tools/subagent"
	"github.com/tacitdev/tacit/internal/tools/websearch"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "tacit",
		Short:         "Interactive AI coding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TACIT_CONFIG"), "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			app, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer app.close()
			return app.repl(cmd.Context())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tacit %s (commit %s, built %s)\n", version, commit, date)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the wired core: one of everything the REPL drives.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	bus        *hooks.Bus
	state      *agent.AppState
	registry   *agent.Registry
	dispatcher *agent.Dispatcher
	client     *anthropic.Client
	runner     *coreexec.Runner
	supervisor *coreexec.Supervisor
	pool       *coreexec.Pool
	checkpoint *convo.CheckpointStore
	workDir    string

	conv *convo.Conversation
	loop *agent.Loop
}

func buildApp(cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	gate, err := policy.NewGate(cfg.Permissions)
	if err != nil {
		return nil, fmt.Errorf("permission policy: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		bus:     hooks.NewBus(logger),
		state:   agent.NewAppState(gate),
	}

	if err := a.buildExec(); err != nil {
		return nil, err
	}

	a.client = anthropic.NewClient(anthropic.Config{
		BaseURL:    cfg.Model.BaseURL,
		APIKey:     cfg.Model.APIKey,
		APIVersion: cfg.Model.APIVersion,
		Model:      cfg.Model.Name,
		MaxTokens:  cfg.Model.MaxTokens,
	}, logger, metrics)

	if err := a.buildRegistry(); err != nil {
		return nil, err
	}
	a.dispatcher = agent.NewDispatcher(a.registry, agent.DispatcherConfig{Ask: a.askUser}, logger, metrics)

	if cfg.Session.CheckpointPath != "" {
		store, err := convo.OpenCheckpointStore(cfg.Session.CheckpointPath)
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		a.checkpoint = store
	}

	a.resetConversation()
	return a, nil
}

func (a *app) buildExec() error {
	danger := coreexec.DefaultDangerList()
	for _, p := range a.cfg.Tools.Exec.DangerPatterns {
		if err := danger.Add(p.Pattern, p.Reason); err != nil {
			return fmt.Errorf("danger pattern %q: %w", p.Pattern, err)
		}
	}

	runnerCfg := coreexec.RunnerConfig{
		Shell:          a.cfg.Tools.Exec.Shell,
		MaxOutput:      a.cfg.Tools.Exec.MaxOutputBytes,
		DefaultTimeout: a.cfg.Tools.Exec.DefaultTimeout,
		MaxTimeout:     a.cfg.Tools.Exec.MaxTimeout,
		KillGrace:      a.cfg.Tools.Exec.KillGrace,
	}
	a.supervisor = coreexec.NewSupervisor(coreexec.SupervisorConfig{
		Runner:           runnerCfg,
		MaxSnapshotBytes: a.cfg.Tools.Exec.MaxSnapshotBytes,
		MaxAge:           a.cfg.Tools.Exec.TaskMaxAge,
	}, danger, a.logger, a.metrics, a.bus)
	a.pool = coreexec.NewPool(coreexec.PoolConfig{
		Shell:       a.cfg.Tools.Exec.Shell,
		MaxOutput:   a.cfg.Tools.Exec.MaxOutputBytes,
		MaxSessions: a.cfg.Tools.Exec.MaxSessions,
		IdleTimeout: a.cfg.Tools.Exec.SessionIdleTimeout,
	}, a.logger, a.metrics)

	a.runner = coreexec.NewRunner(runnerCfg, danger, a.logger)
	return nil
}

func (a *app) buildRegistry() error {
	workDir := a.cfg.Tools.Files.Workspace
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		workDir = wd
	}
	a.workDir = workDir

	filesCfg := files.Config{
		Workspace:    workDir,
		MaxReadLines: a.cfg.Tools.Files.MaxReadLines,
		MaxLineBytes: a.cfg.Tools.Files.MaxLineBytes,
	}
	tracker := files.NewTracker()

	webCfg := websearch.Config{
		Disabled:        a.cfg.Tools.Web.Disabled,
		AllowedDomains:  a.cfg.Tools.Web.AllowedDomains,
		MaxFetchBytes:   a.cfg.Tools.Web.MaxFetchBytes,
		MaxContentChars: a.cfg.Tools.Web.MaxContentChars,
	}

	a.registry = agent.NewRegistry()
	type entry struct {
		tool     agent.Tool
		category string
		aliases  []string
	}
	entries := []entry{
		{exectools.NewBashTool(a.runner, a.supervisor), "exec", []string{"Bash"}},
		{exectools.NewOutputTool(a.supervisor), "exec", []string{"BashOutput"}},
		{exectools.NewKillTool(a.supervisor), "exec", []string{"KillShell"}},
		{exectools.NewSessionTool(a.pool), "exec", nil},
		{files.NewReadTool(filesCfg, tracker), "files", []string{"Read"}},
		{files.NewWriteTool(filesCfg, tracker), "files", []string{"Write"}},
		{files.NewEditTool(filesCfg, tracker), "files", []string{"Edit"}},
		{files.NewMultiEditTool(filesCfg, tracker), "files", []string{"MultiEdit"}},
		{files.NewNotebookEditTool(filesCfg, tracker), "files", []string{"NotebookEdit"}},
		{files.NewGrepTool(filesCfg), "files", []string{"Grep"}},
		{websearch.NewFetchTool(webCfg), "web", []string{"WebFetch"}},
		{websearch.NewSearchTool(webCfg), "web", []string{"WebSearch"}},
		{subagent.NewTaskTool(a.client, a.registry, subagent.Config{
			Model:         a.cfg.Tools.Subagent.Model,
			MaxActive:     a.cfg.Tools.Subagent.MaxActive,
			MaxIterations: a.cfg.Tools.Subagent.MaxIterations,
			AllowedTools:  a.cfg.Tools.Subagent.AllowedTools,
		}, a.logger, a.metrics), "agents", []string{"Task"}},
	}
	for _, e := range entries {
		opts := []agent.RegisterOption{agent.WithCategory(e.category)}
		if len(e.aliases) > 0 {
			opts = append(opts, agent.WithAliases(e.aliases...))
		}
		if err := a.registry.Register(e.tool, opts...); err != nil {
			return fmt.Errorf("register %s: %w", e.tool.Name(), err)
		}
	}

	if a.cfg.Tools.Web.Disabled {
		a.registry.SetCategoryEnabled("web", false)
	}
	for _, name := range a.cfg.Tools.Disabled {
		a.registry.SetEnabled(name, false)
	}
	return nil
}

// resetConversation swaps in a fresh conversation and a loop around it.
func (a *app) resetConversation() {
	conv := convo.New(a.cfg.Model.Name)
	if a.cfg.Session.SystemPrompt != "" {
		conv.SetSystemPrompt(a.cfg.Session.SystemPrompt)
	}
	a.adopt(conv)
}

// adopt rebuilds the loop around an existing conversation (after /load).
func (a *app) adopt(conv *convo.Conversation) {
	compactor := convo.NewCompactor(convo.CompactorConfig{
		TokenThreshold: a.cfg.Session.Compaction.TokenThreshold,
		MinMessages:    a.cfg.Session.Compaction.MinMessages,
		TargetRatio:    a.cfg.Session.Compaction.TargetRatio,
		ScoreFloor:     a.cfg.Session.Compaction.ScoreFloor,
	}, a.logger)

	a.conv = conv
	a.loop = agent.NewLoop(conv, a.client, a.dispatcher, a.registry, compactor, agent.LoopConfig{
		MaxIterations: a.cfg.Session.MaxIterations,
		MaxTokens:     a.cfg.Model.MaxTokens,
		Temperature:   a.cfg.Model.Temperature,
		TopP:          a.cfg.Model.TopP,
		TopK:          a.cfg.Model.TopK,
	}, a.logger, a.metrics)
}

func (a *app) close() {
	if a.supervisor != nil {
		a.supervisor.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.checkpoint != nil {
		a.checkpoint.Close()
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", "addr", addr, "error", err)
	}
}
