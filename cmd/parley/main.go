// Parley is a provider-agnostic conversation bot engine.
//
// It bridges a bot-API chat surface to OpenAI, Anthropic, Groq, and
// OpenRouter model backends, with per-chat sessions, an extension
// pipeline, and persistent token usage tracking. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve     Start the bridge and exchange engine
//	parley version   Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/parleybot/parley/internal/bridge"
	"github.com/parleybot/parley/internal/buildinfo"
	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/exchange"
	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/internal/provider"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run() concurrently from tests, and the argument surface here
// is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s (try -help)", args[i])
		}
	}

	switch command {
	case "serve":
		return serve(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stderr)
	default:
		return fmt.Errorf("unknown command: %s (try -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `parley — provider-agnostic conversation bot engine

Usage:
  parley [-config path] serve     Start the bridge and exchange engine
  parley version                  Print version and build information
`)
	return nil
}

// serve wires every component together and blocks until the context
// is cancelled or an interrupt arrives.
func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	if cfg.Bridge.Token == "" {
		return fmt.Errorf("bridge.token is required in %s", cfgPath)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("starting parley", "version", buildinfo.Version, "config", cfgPath)

	defaultModel, err := chat.ParseModel(cfg.Chat.DefaultModel)
	if err != nil {
		return fmt.Errorf("chat.default_model: %w", err)
	}

	registry := provider.NewRegistry()
	var catalog bridge.Catalog
	var helper *plugin.AIHelper
	if cfg.Providers.OpenAI.APIKey != "" {
		registry.Register(provider.NewOpenAI(cfg.Providers.OpenAI, logger))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		registry.Register(provider.NewAnthropic(cfg.Providers.Anthropic, logger))
	}
	if cfg.Providers.Groq.APIKey != "" {
		registry.Register(provider.NewGroq(cfg.Providers.Groq, logger))
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		or := provider.NewOpenRouter(cfg.Providers.OpenRouter, logger)
		registry.Register(or)
		catalog = or
		helper = plugin.NewAIHelper(or, cfg.Chat.DefaultModel, cfg.Chat.MaxTokens)
	}
	if _, err := registry.Get(defaultModel.Provider); err != nil {
		return fmt.Errorf("default model needs provider %q, which has no api key configured", defaultModel.Provider)
	}

	usageStore, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer usageStore.Close()

	sessions := session.NewStore(session.Defaults{
		Model:        defaultModel,
		MaxRounds:    cfg.Chat.MaxRounds,
		SystemPrompt: cfg.Chat.SystemPrompt,
	})

	plugins := plugin.NewManager(cfg.Plugins, logger)

	engine := exchange.NewEngine(sessions, registry, plugins, usageStore, helper, cfg.Chat.MaxTokens, logger)

	client := bridge.NewClient(cfg.Bridge, logger)
	runner := bridge.NewRunner(client, client, engine, catalog, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner.Start(ctx)
	logger.Info("parley stopped", "uptime", buildinfo.Uptime())
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level, with trace-level names rendered correctly.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
