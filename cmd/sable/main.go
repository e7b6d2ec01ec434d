// Sable is a model orchestration daemon: it routes conversational
// requests across a failover chain of completion providers, bounds the
// tool surface exposed to each model, and keeps a durable store of
// facts learned from conversation.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	sable serve              Start the API server
//	sable init [dir]         Initialize a working directory with defaults
//	sable ask <question>     Ask a single question (for testing)
//	sable version            Print version and build information
//	sable -o json version    Output version information as JSON
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
	"time"

	"github.com/sable-ai/sable/internal/api"
	"github.com/sable-ai/sable/internal/buildinfo"
	"github.com/sable-ai/sable/internal/config"
	"github.com/sable-ai/sable/internal/dispatch"
	"github.com/sable-ai/sable/internal/failover"
	"github.com/sable-ai/sable/internal/llm"
	"github.com/sable-ai/sable/internal/memory"
	"github.com/sable-ai/sable/internal/registry"
	"github.com/sable-ai/sable/internal/selector"
	"github.com/sable-ai/sable/internal/tools"
)

const systemPrompt = "You are Sable, a concise and helpful assistant. " +
	"Use the provided tools when they would improve your answer."

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the sable command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface is small enough that manual parsing stays
// clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: sable ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe starts the full daemon: durable memory store with retention
// sweep, provider client, failover controller, dispatcher, and the
// HTTP API. It blocks until the context is cancelled or a signal
// arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	memPath := cfg.Memory.Path
	if memPath == "" {
		memPath = filepath.Join(dataDir, "memories.db")
	}
	store, err := memory.NewStore(memPath, logger, memory.Options{
		ConfidenceThreshold: cfg.Memory.ConfidenceThreshold,
		CacheTTL:            cfg.Memory.CacheTTL(),
		CacheSize:           cfg.Memory.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	sweeper := memory.NewSweeper(store, logger, cfg.Memory.RetentionDays)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	client := llm.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, logger)

	toolReg := tools.NewRegistry(logger, tools.Options{})

	reg, err := buildRegistry(cfg, toolReg)
	if err != nil {
		return err
	}

	sel := selector.New(logger, selectionRules(cfg), cfg.Selection.CoreTools, cfg.Selection.MaxTools)

	ctrl := failover.New(client, toolReg, store, logger, failover.Options{
		AttemptTimeout: cfg.Provider.RequestTimeout(),
	})

	extractor := memory.NewExtractor(store, logger, cfg.Memory.MinMessages)
	extractor.SetExtractFunc(newExtractFunc(client, cfg.Memory.ExtractionModel, logger))

	dispatcher := dispatch.New(sel, reg, ctrl, extractor, logger, systemPrompt)
	defer dispatcher.Close()

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, dispatcher, logger)
	server.SetMemoryStore(store)
	server.SetProviderClient(client)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runAsk boots a minimal pipeline (no persistence, no extraction, no
// HTTP) and answers a single question. Useful for smoke tests against
// a configured provider without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	question := strings.Join(args, " ")

	client := llm.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, logger)
	toolReg := tools.NewRegistry(logger, tools.Options{})

	reg, err := buildRegistry(cfg, toolReg)
	if err != nil {
		return err
	}

	sel := selector.New(logger, selectionRules(cfg), cfg.Selection.CoreTools, cfg.Selection.MaxTools)
	ctrl := failover.New(client, toolReg, nil, logger, failover.Options{
		AttemptTimeout: cfg.Provider.RequestTimeout(),
	})

	dispatcher := dispatch.New(sel, reg, ctrl, nil, logger, systemPrompt)
	defer dispatcher.Close()

	resp, err := dispatcher.Handle(ctx, dispatch.Request{UserID: "cli-test", Text: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Text)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sable - Model Orchestration Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sable [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. With no
// explicit path and no file in the search locations, built-in defaults
// are used so the daemon can start against a local provider.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// buildRegistry converts the configured capability table into the
// runtime registry, seeded with the tool registry's descriptors.
func buildRegistry(cfg *config.Config, toolReg *tools.Registry) (*registry.Registry, error) {
	models := make([]registry.ModelCapability, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		models = append(models, registry.ModelCapability{
			ID:               m.ID,
			ProviderGroup:    m.ProviderGroup,
			Role:             registry.Role(m.Role),
			SupportsTools:    m.SupportsTools,
			ContextWindow:    m.ContextWindow,
			ContentFiltered:  m.ContentFiltered,
			UnreliableOutput: m.UnreliableOutput,
		})
	}

	reg, err := registry.New(models, cfg.Models.Chain, toolReg.Descriptors())
	if err != nil {
		return nil, fmt.Errorf("build capability registry: %w", err)
	}
	return reg, nil
}

// selectionRules converts the configured category table into selector
// rules, preserving order.
func selectionRules(cfg *config.Config) []selector.Rule {
	rules := make([]selector.Rule, 0, len(cfg.Selection.Categories))
	for _, c := range cfg.Selection.Categories {
		rules = append(rules, selector.Rule{
			Category: c.Name,
			Keywords: c.Keywords,
			Tools:    c.Tools,
		})
	}
	return rules
}
