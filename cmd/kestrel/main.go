// Kestrel is a personal AI agent that lives in your chat apps.
//
// It runs a tool-calling agent loop over a failover chain of LLM
// providers, keeps long-term memory in plain markdown files backed by
// a local vector index, and talks through Telegram, MQTT, or a local
// web playground. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	kestrel serve            Start the agent and all enabled channels
//	kestrel ask <question>   Ask a single question (for testing)
//	kestrel init [dir]       Initialize a workspace with starter files
//	kestrel status           Show config, provider chain, and local state
//	kestrel version          Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/buildinfo"
	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/channel"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/session"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/internal/users"
	"github.com/kestrelhq/kestrel/internal/vector"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to [run], keeping os.Exit and os.Args out
// of the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches to the subcommand handlers. The
// flag package is avoided on purpose: it relies on package-level
// globals, and our argument surface is small enough that manual
// parsing is clearer.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// API keys referenced as ${VAR} in config.yaml may live in a .env
	// file next to the binary. Missing file is the normal case.
	_ = godotenv.Load()

	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: kestrel ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "init":
		dir := ""
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "status":
		return runStatus(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Kestrel - Personal AI Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kestrel [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the agent and all enabled channels")
	fmt.Fprintln(w, "  ask <text>     Ask a single question (for testing)")
	fmt.Fprintln(w, "  init [dir]     Initialize a workspace with starter files")
	fmt.Fprintln(w, "  status         Show config, provider chain, and local state")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runStatus prints the resolved configuration and a snapshot of local
// state: provider chain with circuit status, session count, and memory
// file sizes. It does not contact any provider.
func runStatus(stdout io.Writer, configPath string) error {
	logger := newLogger(io.Discard, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	chain, err := buildProviderChain(cfg, logger)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, buildinfo.String())
	fmt.Fprintf(stdout, "config:     %s\n", cfgPath)
	fmt.Fprintf(stdout, "workspace:  %s\n", cfg.Workspace)
	fmt.Fprintf(stdout, "model:      %s\n", cfg.Agent.DefaultModel)

	fmt.Fprintln(stdout, "\nproviders:")
	health := chain.HealthStatus()
	for _, spec := range cfg.Providers {
		state := "closed"
		if h, ok := health[spec.Name]; ok && h.Failures >= cfg.Failover.MaxFailures {
			state = fmt.Sprintf("open (failures=%d, last=%s)", h.Failures, h.LastFailure.Format("15:04:05"))
		}
		model := spec.Model
		if model == "" {
			model = cfg.Agent.DefaultModel
		}
		fmt.Fprintf(stdout, "  %-12s %-10s model=%-24s circuit=%s\n", spec.Name, spec.Kind, model, state)
	}

	fmt.Fprintln(stdout, "\nstate:")
	if sessions, err := session.NewManager(filepath.Join(cfg.Workspace, "sessions.db")); err == nil {
		if keys, err := sessions.Keys(); err == nil {
			fmt.Fprintf(stdout, "  sessions:   %d\n", len(keys))
		}
		_ = sessions.Close()
	}
	for _, name := range []string{"MEMORY.md", "HISTORY.md"} {
		path := filepath.Join(cfg.Workspace, "memory", name)
		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(stdout, "  %-11s %d bytes\n", name+":", info.Size())
		} else {
			fmt.Fprintf(stdout, "  %-11s absent\n", name+":")
		}
	}

	var enabled []string
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if cfg.Channels.MQTT.Enabled {
		enabled = append(enabled, "mqtt")
	}
	if cfg.Channels.Playground.Enabled {
		enabled = append(enabled, "playground")
	}
	if len(enabled) == 0 {
		enabled = append(enabled, "playground (default)")
	}
	fmt.Fprintf(stdout, "\nchannels:   %s\n", strings.Join(enabled, ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runtime bundles the long-lived components shared by serve and ask.
type runtime struct {
	bus      *bus.Bus
	loop     *agent.Loop
	sessions *session.Manager
}

func (rt *runtime) close() {
	_ = rt.sessions.Close()
}

// buildRuntime wires the full agent stack from config: provider chain,
// vector index, memory, sessions, users, tools, and the loop itself.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", cfg.Workspace, err)
	}

	chain, err := buildProviderChain(cfg, logger)
	if err != nil {
		return nil, err
	}

	// The vector index is optional: without an embedding backend the
	// markdown memory files still work, only semantic recall is off.
	var index *vector.Index
	if embed := vector.ResolveEmbeddingFunc(cfg.Embeddings); embed != nil {
		index, err = vector.New(cfg.Workspace, embed, logger)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		logger.Info("vector index enabled", "kind", cfg.Embeddings.Kind, "model", cfg.Embeddings.Model)
	} else {
		logger.Info("embeddings not configured, semantic memory search disabled")
	}

	memories, err := memory.NewStore(cfg.Workspace, index, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	sessions, err := session.NewManager(filepath.Join(cfg.Workspace, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	userManager, err := users.NewManager(cfg.UsersFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open users file: %w", err)
	}

	b := bus.New()

	registry := tools.NewRegistry(logger)
	tools.RegisterFileTools(registry, cfg.Workspace)
	tools.RegisterShellExec(registry, cfg.Tools.Exec, cfg.Workspace)
	tools.RegisterWebTools(registry, cfg.Tools.Web)
	tools.RegisterMessageTool(registry, b)
	tools.RegisterMemorySearch(registry, memories)

	consolidator := memory.NewConsolidator(chain, cfg.Agent.DefaultModel, memories, sessions, cfg.Agent.MemoryWindow, logger)

	loop := agent.New(agent.Options{
		Client:       chain,
		Config:       cfg.Agent,
		Bus:          b,
		Sessions:     sessions,
		Context:      agent.NewContextBuilder(cfg.Workspace, memories),
		Tools:        registry,
		Users:        userManager,
		Consolidator: consolidator,
		Logger:       logger,
	})

	return &runtime{bus: b, loop: loop, sessions: sessions}, nil
}

// buildProviderChain turns the ordered provider specs into a Resilient
// failover chain. Providers with tool_protocol "codeblock" are wrapped
// so tool calls travel as fenced JSON instead of structured API calls.
func buildProviderChain(cfg *config.Config, logger *slog.Logger) (*llm.Resilient, error) {
	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for _, spec := range cfg.Providers {
		var client llm.Client
		switch spec.Kind {
		case "anthropic":
			client = llm.NewAnthropicClient(spec.APIKey, spec.BaseURL, logger)
		case "openai":
			client = llm.NewOpenAIClient(spec.APIKey, spec.BaseURL, logger)
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", spec.Name, spec.Kind)
		}
		if spec.ToolProtocol == "codeblock" {
			client = llm.NewCodeBlockAdapter(client)
		}
		model := spec.Model
		if model == "" {
			model = cfg.Agent.DefaultModel
		}
		providers = append(providers, llm.Provider{Name: spec.Name, Client: client, Model: model})
		logger.Info("provider configured", "name", spec.Name, "kind", spec.Kind, "model", model, "tool_protocol", spec.ToolProtocol)
	}
	return llm.NewResilient(providers, cfg.Failover.MaxFailures, cfg.Failover.Cooldown(), logger), nil
}

// runServe starts the agent loop and every enabled channel, then
// blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Kestrel", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger only covers the startup banner.
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "workspace", cfg.Workspace, "model", cfg.Agent.DefaultModel)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	var channels []channel.Channel
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(cfg.Channels.Telegram, rt.bus, cfg.Workspace, logger))
	}
	if cfg.Channels.MQTT.Enabled {
		channels = append(channels, channel.NewMQTT(cfg.Channels.MQTT, rt.bus, logger))
	}
	if cfg.Channels.Playground.Enabled || len(channels) == 0 {
		if len(channels) == 0 && !cfg.Channels.Playground.Enabled {
			logger.Info("no channels enabled, starting playground", "listen", cfg.Channels.Playground.Listen)
		}
		channels = append(channels, channel.NewPlayground(cfg.Channels.Playground, rt.bus, logger))
	}

	manager := channel.NewManager(rt.bus, channels, logger)
	logger.Info("channels configured", "channels", manager.Names())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := rt.loop.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("agent loop failed", "error", err)
			cancel()
		}
	}()

	// Blocks until all channels and dispatchers have stopped.
	manager.Run(ctx)

	logger.Info("Kestrel stopped")
	return nil
}

// runAsk boots the full stack without any channels and processes a
// single question from the command line.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(io.Discard, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	question := strings.Join(args, " ")
	out := rt.loop.ProcessMessage(ctx, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "local",
		ChatID:   "local",
		Content:  question,
	})
	if out == nil {
		return fmt.Errorf("no response produced")
	}
	fmt.Fprintln(stdout, out.Content)
	return nil
}

// runInit creates a workspace with starter bootstrap files and an
// example config. Existing files are never overwritten.
func runInit(stdout io.Writer, dir string) error {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".kestrel")
	}

	for _, sub := range []string{"", "skills", "media"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Join(dir, sub), err)
		}
	}

	starters := map[string]string{
		"AGENTS.md": starterAgents,
		"SOUL.md":   starterSoul,
		"USER.md":   starterUser,
	}
	for name, content := range starters {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(stdout, "exists   %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(stdout, "created  %s\n", path)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		example := fmt.Sprintf(exampleConfig, dir)
		if err := os.WriteFile(cfgPath, []byte(example), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
		fmt.Fprintf(stdout, "created  %s\n", cfgPath)
	} else {
		fmt.Fprintf(stdout, "exists   %s\n", cfgPath)
	}

	fmt.Fprintf(stdout, "\nWorkspace ready. Edit %s and run: kestrel -config %s serve\n", cfgPath, cfgPath)
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

const starterAgents = `# Agent Instructions

You are a helpful personal assistant. Be concise and direct. Use your
tools when they help, and say so when you don't know something.
`

const starterSoul = `# Soul

Curious, warm, and a little dry. You would rather give one good answer
than three hedged ones.
`

const starterUser = `# User

Notes about the person you work for go here. The agent reads this file
at the start of every conversation.
`

const exampleConfig = `workspace: %s
log_level: info

agent:
  default_model: claude-sonnet-4-5
  max_iterations: 20
  memory_window: 40

providers:
  - name: anthropic
    kind: anthropic
    api_key: ${ANTHROPIC_API_KEY}
  - name: openai
    kind: openai
    api_key: ${OPENAI_API_KEY}
    model: gpt-4o

failover:
  max_failures: 3
  cooldown_seconds: 60

embeddings:
  enabled: false
  kind: openai
  model: text-embedding-3-small
  api_key: ${OPENAI_API_KEY}

tools:
  exec:
    enabled: false
  web:
    search_provider: brave
    brave_api_key: ${BRAVE_API_KEY}

channels:
  playground:
    enabled: true
    listen: 127.0.0.1:8787
`
