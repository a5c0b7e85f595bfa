package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WazeroOptions configures the wazero engine.
type WazeroOptions struct {
	// Compiler selects the ahead-of-time compiler where the platform supports
	// it. The default is the interpreter.
	Compiler bool

	// CloseOnContextDone stops running guest code when the call context is
	// cancelled.
	CloseOnContextDone bool
}

// Wazero runs WebAssembly modules with WASI preview1 imports.
type Wazero struct {
	opts WazeroOptions
}

// NewWazero returns the default engine handle.
func NewWazero(opts WazeroOptions) Wazero {
	return Wazero{opts: opts}
}

// Name implements Engine.
func (w Wazero) Name() string {
	if w.opts.Compiler {
		return "wazero-compiler"
	}
	return "wazero"
}

func (w Wazero) runtimeConfig() wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	if w.opts.Compiler {
		cfg = wazero.NewRuntimeConfig()
	} else {
		cfg = wazero.NewRuntimeConfigInterpreter()
	}
	return cfg.WithCloseOnContextDone(w.opts.CloseOnContextDone)
}

// Load implements Engine.
func (w Wazero) Load(ctx context.Context, path string, opts LoadOptions) (Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvocationError{Kind: KindLoad, Err: fmt.Errorf("failed to read module %s: %w", path, err)}
	}

	r := wazero.NewRuntimeWithConfig(ctx, w.runtimeConfig())
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, &InvocationError{Kind: KindLoad, Err: fmt.Errorf("failed to instantiate WASI: %w", err)}
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, &InvocationError{Kind: KindLoad, Err: fmt.Errorf("failed to compile module %s: %w", path, err)}
	}

	// Entry points are called explicitly, so skip the default _start.
	modCfg := wazero.NewModuleConfig().
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	if opts.IO.Stdin != nil {
		modCfg = modCfg.WithStdin(opts.IO.Stdin)
	}
	if opts.IO.Stdout != nil {
		modCfg = modCfg.WithStdout(opts.IO.Stdout)
	}
	if opts.IO.Stderr != nil {
		modCfg = modCfg.WithStderr(opts.IO.Stderr)
	}
	if len(opts.Args) > 0 {
		modCfg = modCfg.WithArgs(opts.Args...)
	}
	for _, kv := range opts.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		modCfg = modCfg.WithEnv(key, value)
	}
	if opts.RootDir != "" {
		modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(opts.RootDir, "/"))
	}

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		r.Close(ctx)
		return nil, &InvocationError{Kind: KindLoad, Err: fmt.Errorf("failed to instantiate module %s: %w", path, err)}
	}

	return &wazeroModule{runtime: r, mod: mod}, nil
}

type wazeroModule struct {
	runtime wazero.Runtime
	mod     api.Module
}

// Call implements Module.
func (m *wazeroModule) Call(ctx context.Context, entry string) error {
	fn := m.mod.ExportedFunction(entry)
	if fn == nil {
		return &InvocationError{Entry: entry, Kind: KindMissingExport, Err: fmt.Errorf("module does not export function %q", entry)}
	}
	if params := fn.Definition().ParamTypes(); len(params) != 0 {
		return &InvocationError{Entry: entry, Kind: KindSignature, Err: fmt.Errorf("function %q takes %d parameters, expected none", entry, len(params))}
	}

	_, err := fn.Call(ctx)
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return &InvocationError{Entry: entry, Kind: KindTrap, Err: err}
		}
		return &InvocationError{Entry: entry, Kind: KindExit, Code: exitErr.ExitCode(), Err: err}
	}
	return &InvocationError{Entry: entry, Kind: KindTrap, Err: err}
}

// Close implements Module.
func (m *wazeroModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}
