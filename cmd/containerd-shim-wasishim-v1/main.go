package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/wasishim/bridge"
	"github.com/tomyedwab/wasishim/container"
	"github.com/tomyedwab/wasishim/engine"
	"github.com/tomyedwab/wasishim/instance"
	"github.com/tomyedwab/wasishim/journal"
)

const (
	defaultNamespace = "default"
	defaultLogLevel  = "info"
)

// exitCodeError carries the exit status of a sandboxed process out of a
// command so main can exit with it.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("instance exited with status %d", e.code)
}

// engines lists every engine the binary can run modules with. The init
// process registers an executor for each, so the parent's choice survives
// the re-exec.
func engines() []engine.Engine {
	return []engine.Engine{
		engine.NewWazero(engine.WazeroOptions{}),
		engine.NewWazero(engine.WazeroOptions{Compiler: true}),
	}
}

// executors returns the bridge executor of every engine, for the init
// process to pick from.
func executors() []container.Executor {
	var all []container.Executor
	for _, eng := range engines() {
		all = append(all, bridge.New(eng))
	}
	return all
}

func main() {
	if container.IsInit() {
		container.Init(executors()...)
	}

	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	namespace   string
	journalPath string
	compiler    bool
}

func (o *options) engine() engine.Engine {
	return engine.NewWazero(engine.WazeroOptions{Compiler: o.compiler})
}

// openJournal opens the configured journal, or returns nil when none is set.
func (o *options) openJournal() (*journal.Journal, error) {
	if o.journalPath == "" {
		return nil, nil
	}
	return journal.Open(o.journalPath)
}

func (o *options) instanceConfig(bundle string, j *journal.Journal) instance.Config {
	cfg := instance.Config{
		Bundle:    bundle,
		Namespace: o.namespace,
		Engine:    o.engine(),
		Logger:    slog.Default(),
	}
	if j != nil {
		cfg.Journal = j
	}
	return cfg
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	opts := &options{}
	logLevel := defaultLogLevel
	logFormat := "text"

	root := &cobra.Command{
		Use:           "containerd-shim-wasishim-v1",
		Short:         "Run WebAssembly modules as sandboxed container processes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.namespace, "namespace", envOr("WASISHIM_NAMESPACE", defaultNamespace), "containerd namespace of the instances")
	flags.StringVar(&opts.journalPath, "journal", os.Getenv("WASISHIM_JOURNAL"), "sqlite database recording lifecycle events (disabled when empty)")
	flags.BoolVar(&opts.compiler, "compiler", false, "compile modules ahead of time instead of interpreting them")
	flags.StringVar(&logLevel, "log-level", defaultLogLevel, "log verbosity (debug, info, warning, error)")
	flags.StringVar(&logFormat, "log-format", logFormat, "log format (text, json)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)

		switch logFormat {
		case "text":
		case "json":
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))
		default:
			return fmt.Errorf("unsupported log format %q", logFormat)
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(opts),
		newDeleteCommand(opts),
		newRootDirCommand(opts),
		newEventsCommand(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
