package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tacitdev/tacit/internal/agent"
	"github.com/tacitdev/tacit/internal/convo"
	"github.com/tacitdev/tacit/pkg/models"
)

const replHelp = `Commands:
  /help            show this help
  /clear           clear the screen
  /history         show the conversation log
  /tokens          show the token estimate
  /model [name]    show or switch the model
  /tasks           list background tasks
  /save [id]       checkpoint the conversation
  /load [id]       restore a checkpoint (latest when omitted)
  /reset           start a fresh conversation
  /quit            exit
Anything else is sent to the model. Ctrl-C cancels the current turn.`

// repl reads user input until EOF or /quit, driving one loop turn per line.
func (a *app) repl(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	a.state.Set("ui.sink", a.sink())

	fmt.Printf("tacit %s — model %s. /help for commands.\n", version, a.cfg.Model.Name)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print(a.prompt())
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := a.command(ctx, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if done {
				return nil
			}
			continue
		}
		a.turn(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// turn runs one user turn, cancellable by Ctrl-C without leaving the REPL.
func (a *app) turn(ctx context.Context, input string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		select {
		case <-interrupt:
			fmt.Println("\n(cancelling)")
			cancel()
		case <-turnCtx.Done():
		}
	}()

	ec := &agent.ExecContext{
		SessionID: a.conv.ID(),
		WorkDir:   a.workDir,
		Env:       envOverrides(),
		State:     a.state,
		Hooks:     a.bus,
	}
	if err := a.loop.Run(turnCtx, ec, input); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	fmt.Println()
}

// command handles a slash command; the bool reports whether to exit.
func (a *app) command(ctx context.Context, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Println(replHelp)
	case "/clear":
		fmt.Print("\033[2J\033[H")
	case "/history":
		a.printHistory()
	case "/tokens":
		fmt.Printf("%d messages, ~%d tokens (compaction at %d)\n",
			a.conv.Len(), a.conv.TokenCount(), a.compactionThreshold())
	case "/model":
		if arg == "" {
			fmt.Println("model:", a.conv.Model())
		} else {
			a.conv.SetModel(arg)
			fmt.Println("model set to", arg)
		}
	case "/tasks":
		a.printTasks()
	case "/save":
		return false, a.save(ctx)
	case "/load":
		return false, a.load(ctx, arg)
	case "/reset":
		a.resetConversation()
		fmt.Println("conversation reset")
	case "/quit", "/exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (a *app) printHistory() {
	for _, m := range a.conv.History(convo.HistoryFilter{}) {
		text := m.Text()
		if text == "" {
			text = fmt.Sprintf("(%d non-text blocks)", len(m.Content))
		}
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, text)
	}
}

func (a *app) printTasks() {
	tasks := a.supervisor.List()
	if len(tasks) == 0 {
		fmt.Println("no background tasks")
		return
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s  %-9s  %s", t.ID, t.Status, t.Command)
		if !t.EndedAt.IsZero() {
			line += fmt.Sprintf("  (ended %s)", t.EndedAt.Format("15:04:05"))
		}
		fmt.Println(line)
	}
}

func (a *app) save(ctx context.Context) error {
	if a.checkpoint == nil {
		return fmt.Errorf("no checkpoint_path configured")
	}
	if err := a.checkpoint.Save(ctx, a.conv); err != nil {
		return err
	}
	fmt.Println("saved conversation", a.conv.ID())
	return nil
}

func (a *app) load(ctx context.Context, id string) error {
	if a.checkpoint == nil {
		return fmt.Errorf("no checkpoint_path configured")
	}
	if id == "" {
		infos, err := a.checkpoint.List(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return fmt.Errorf("no checkpoints saved")
		}
		id = infos[0].ID
	}
	conv, err := a.checkpoint.Load(ctx, id)
	if err != nil {
		return err
	}
	a.adopt(conv)
	fmt.Printf("loaded conversation %s (%d messages, ~%d tokens)\n",
		conv.ID(), conv.Len(), conv.TokenCount())
	return nil
}

// askUser answers the permission gate's ask outcome on the terminal.
func (a *app) askUser(ctx context.Context, tool string, input []byte, reason string) (bool, error) {
	if reason == "" {
		reason = "permission required"
	}
	fmt.Printf("\n%s wants to run (%s):\n  %s\nAllow? [y/N] ", tool, reason, summarizeInput(input))

	answer := make(chan string, 1)
	go func() {
		r := bufio.NewReader(os.Stdin)
		line, _ := r.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		return line == "y" || line == "yes", nil
	}
}

func summarizeInput(input []byte) string {
	s := string(input)
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return s
}

// sink forwards loop output to the terminal.
func (a *app) sink() *agent.Sink {
	color := a.colorEnabled()
	dim := func(s string) string {
		if color {
			return "\033[2m" + s + "\033[0m"
		}
		return s
	}
	return &agent.Sink{
		Text: func(text string) { fmt.Print(text) },
		ToolUse: func(call models.ToolCall) {
			fmt.Printf("\n%s\n", dim(fmt.Sprintf("→ %s %s", call.Name, summarizeInput(call.Input))))
		},
		Err: func(err error) {
			fmt.Fprintln(os.Stderr, "\nstream error:", err)
		},
	}
}

func (a *app) prompt() string {
	p := "tacit> "
	if a.colorEnabled() {
		return "\033[36m" + p + "\033[0m"
	}
	return p
}

func (a *app) colorEnabled() bool {
	switch a.cfg.Logging.Color {
	case "always":
		return true
	case "never":
		return false
	}
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func (a *app) compactionThreshold() int {
	if t := a.cfg.Session.Compaction.TokenThreshold; t > 0 {
		return t
	}
	return convo.DefaultCompactorConfig().TokenThreshold
}

// envOverrides passes the recognized environment through to tools.
func envOverrides() map[string]string {
	env := map[string]string{}
	for _, key := range []string{"CLAUDE_SEARCH_MODEL", "CLAUDE_NO_NETWORK", "NETWORK_RESTRICTED"} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}
