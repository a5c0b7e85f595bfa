// Package bridge is the entry-point executor that runs inside the sandboxed
// init process. It redirects stdio, resolves the "module#entry" address in
// the first process argument, runs the entry point through an engine and
// turns the outcome into the process exit code.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tomyedwab/wasishim/container"
	"github.com/tomyedwab/wasishim/engine"
)

const (
	// Name prefixes the executor name reported to the container runtime.
	Name = "wasishim"

	// DefaultEntry is called when the address names no entry point.
	DefaultEntry = "_start"

	// ExitInterpreterFailure is the exit code of a sandboxed process whose
	// module could not be loaded or whose entry point failed.
	ExitInterpreterFailure = 137
)

// ErrInvalidArgument is returned when the process spec carries no arguments.
var ErrInvalidArgument = errors.New("invalid argument: process args are empty")

// Executor runs a module entry point with an engine.
type Executor struct {
	engine engine.Engine
	exit   func(code int)
}

// New returns an executor backed by eng.
func New(eng engine.Engine) *Executor {
	return &Executor{engine: eng, exit: os.Exit}
}

// Name implements container.Executor. The engine name is part of it, so the
// init process picks the executor built with the same engine.
func (e *Executor) Name() string {
	return Name + "-" + e.engine.Name()
}

// CanHandle implements container.Executor. Every spec is accepted; an empty
// argument list is reported by Exec.
func (e *Executor) CanHandle(spec *specs.Spec) bool {
	return true
}

// Exec implements container.Executor. It terminates the process with the
// result of Run and only returns on invalid input or stdio failures.
func (e *Executor) Exec(spec *specs.Spec, stdio container.Stdio) error {
	code, err := e.Run(context.Background(), spec, stdio)
	if err != nil {
		return err
	}
	e.exit(code)
	return nil
}

// Run executes the entry point addressed by the first process argument and
// returns the exit code the process should terminate with. Standard streams
// are restored before Run returns.
func (e *Executor) Run(ctx context.Context, spec *specs.Spec, stdio container.Stdio) (int, error) {
	var args, env []string
	if spec.Process != nil {
		args = spec.Process.Args
		env = spec.Process.Env
	}
	if len(args) == 0 {
		return 0, ErrInvalidArgument
	}

	guard, err := redirectStdio(stdio)
	if err != nil {
		return 0, err
	}
	defer guard.Restore()

	modulePath, entry := ParseEntryPoint(args[0])

	s, err := openStreams()
	if err != nil {
		return 0, err
	}
	defer s.Close()
	diag := slog.New(slog.NewTextHandler(s.stderr, nil))

	var rootDir string
	if spec.Root != nil && filepath.IsAbs(spec.Root.Path) {
		rootDir = spec.Root.Path
	}

	mod, err := e.engine.Load(ctx, modulePath, engine.LoadOptions{
		IO:      engine.IO{Stdin: s.stdin, Stdout: s.stdout, Stderr: s.stderr},
		Args:    append([]string{modulePath}, args[1:]...),
		Env:     env,
		RootDir: rootDir,
	})
	if err != nil {
		diag.Error("failed to load module", "module", modulePath, "entry", entry, "engine", e.engine.Name(), "error", err)
		return ExitInterpreterFailure, nil
	}
	defer mod.Close(ctx)

	if err := mod.Call(ctx, entry); err != nil {
		if code, ok := engine.GuestExitCode(err); ok {
			return int(code), nil
		}
		diag.Error("failed call", "entry", entry, "module", modulePath, "error", err)
		return ExitInterpreterFailure, nil
	}
	return 0, nil
}

// ParseEntryPoint splits a "module#entry" address. A single leading path
// separator is dropped so absolute-looking paths resolve inside the rootfs.
// Without an entry name the entry point is DefaultEntry.
func ParseEntryPoint(arg string) (modulePath, entry string) {
	modulePath, entry, _ = strings.Cut(arg, "#")
	if entry == "" {
		entry = DefaultEntry
	}
	modulePath = strings.TrimPrefix(modulePath, string(filepath.Separator))
	if modulePath != "" {
		modulePath = filepath.Clean(modulePath)
	}
	return modulePath, entry
}
