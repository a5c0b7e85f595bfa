// Package container is the container-runtime collaborator of the shim. It
// creates the sandboxed init process, persists its state under a root
// directory and hands control to an Executor once the process is running
// inside its namespaces.
//
// The init process is the current binary re-executed with a marker in its
// environment. Binaries using this package must call Init early in main when
// IsInit reports true. The process is created blocked on a sync pipe, so its
// pid is known before Start lets it run the executor.
package container

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const (
	envInit   = "_WASISHIM_INIT"
	envID     = "_WASISHIM_ID"
	envBundle = "_WASISHIM_BUNDLE"
	envStdio  = "_WASISHIM_STDIO"

	initArg0 = "wasishim-init"

	// syncFd is the first extra file of the init process; stdio targets
	// follow it.
	syncFd = 3
)

// Stdio holds the descriptors the executor wires onto the standard streams.
// A nil field means the stream is inherited unchanged.
type Stdio struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

func (s Stdio) files() []*os.File {
	return []*os.File{s.Stdin, s.Stdout, s.Stderr}
}

// Close closes every non-nil descriptor.
func (s Stdio) Close() {
	for _, f := range s.files() {
		if f != nil {
			f.Close()
		}
	}
}

// Executor runs the container workload inside the init process.
type Executor interface {
	// Name identifies the executor across the re-exec boundary.
	Name() string
	// CanHandle reports whether the executor accepts the spec.
	CanHandle(spec *specs.Spec) bool
	// Exec runs the workload. A successful Exec normally terminates the
	// process itself; a returned error is reported by the init process.
	Exec(spec *specs.Spec, stdio Stdio) error
}

// Config holds configuration for building a container.
type Config struct {
	ID       string
	Root     string // state root; state lives under Root/ID
	Bundle   string
	Executor Executor
	Stdio    Stdio
	Logger   *slog.Logger // Optional, defaults to slog.Default()
}

// Container is a created or running sandboxed init process.
type Container struct {
	state    State
	stateDir string
	logger   *slog.Logger

	cmd   *exec.Cmd
	syncW *os.File // nil once started or for loaded containers
}

// Build creates the init process for cfg without letting it run. The
// process id is available from Pid as soon as Build returns.
func Build(cfg Config) (*Container, error) {
	if err := validateID(cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("root path is required")
	}
	if cfg.Bundle == "" {
		return nil, fmt.Errorf("bundle path is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "container", "id", cfg.ID)

	bundle, err := filepath.Abs(cfg.Bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle path: %w", err)
	}
	spec, err := LoadSpec(bundle)
	if err != nil {
		return nil, err
	}
	if !cfg.Executor.CanHandle(spec) {
		return nil, fmt.Errorf("executor %s cannot handle bundle %s", cfg.Executor.Name(), bundle)
	}

	stateDir := StateDir(cfg.Root, cfg.ID)
	if _, err := os.Stat(filepath.Join(stateDir, stateFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, cfg.ID)
	}
	if err := os.MkdirAll(stateDir, 0o711); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	syncR, syncW, err := os.Pipe()
	if err != nil {
		os.RemoveAll(stateDir)
		return nil, fmt.Errorf("failed to create sync pipe: %w", err)
	}

	extra := []*os.File{syncR}
	fds := make([]string, 0, 3)
	for _, f := range cfg.Stdio.files() {
		if f == nil {
			fds = append(fds, "-1")
			continue
		}
		fds = append(fds, strconv.Itoa(syncFd+len(extra)))
		extra = append(extra, f)
	}

	cmd := &exec.Cmd{
		Path: "/proc/self/exe",
		Args: []string{initArg0},
		Dir:  bundle,
		Env: append(os.Environ(),
			envInit+"="+cfg.Executor.Name(),
			envID+"="+cfg.ID,
			envBundle+"="+bundle,
			envStdio+"="+strings.Join(fds, ","),
		),
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		ExtraFiles: extra,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid:    true,
			Cloneflags: cloneFlags(spec, logger),
		},
	}

	if err := cmd.Start(); err != nil {
		syncR.Close()
		syncW.Close()
		os.RemoveAll(stateDir)
		return nil, fmt.Errorf("failed to create init process: %w", err)
	}
	syncR.Close()

	startTime, err := processStartTime(cmd.Process.Pid)
	if err != nil {
		logger.Warn("failed to read init process start time", "pid", cmd.Process.Pid, "error", err)
	}

	c := &Container{
		state: State{
			ID:       cfg.ID,
			Pid:      cmd.Process.Pid,
			Bundle:   bundle,
			Executor: cfg.Executor.Name(),
			Status:   StatusCreated,
			Created:  time.Now().UTC(),

			StartTime: startTime,
		},
		stateDir: stateDir,
		logger:   logger,
		cmd:      cmd,
		syncW:    syncW,
	}
	if err := writeState(stateDir, c.state); err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to persist state: %w", err)
	}

	logger.Debug("init process created", "pid", c.state.Pid, "bundle", bundle)
	return c, nil
}

// Load opens the persisted state of an existing container.
func Load(root, id string) (*Container, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	stateDir := StateDir(root, id)
	state, err := readState(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", id, err)
	}
	return &Container{
		state:    state,
		stateDir: stateDir,
		logger:   slog.Default().With("component", "container", "id", id),
	}, nil
}

// Pid returns the host process id of the init process.
func (c *Container) Pid() int {
	return c.state.Pid
}

// State returns a copy of the container's persisted state.
func (c *Container) State() State {
	return c.state
}

// Start lets a created init process run its executor. If the process can no
// longer be started it is killed and its state removed.
func (c *Container) Start() error {
	if c.syncW == nil {
		return fmt.Errorf("container %s is not in created state", c.state.ID)
	}

	_, err := c.syncW.Write([]byte{0})
	c.syncW.Close()
	c.syncW = nil
	if err != nil {
		c.abort()
		return fmt.Errorf("failed to signal init process: %w", err)
	}
	// The process is reaped by pid; the os.Process handle is not needed.
	c.cmd.Process.Release()

	c.state.Status = StatusRunning
	c.state.Started = time.Now().UTC()
	if err := writeState(c.stateDir, c.state); err != nil {
		c.logger.Warn("failed to persist running state", "error", err)
	}
	return nil
}

// abort kills and reaps a process that never reached Start, then removes
// its state.
func (c *Container) abort() {
	if c.syncW != nil {
		c.syncW.Close()
		c.syncW = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	os.RemoveAll(c.stateDir)
}

// MarkStopped persists that the init process has exited. Once stopped, the
// recorded pid is never signalled again, whichever process loads the state.
// State that has already been removed is left alone.
func (c *Container) MarkStopped() error {
	c.state.Status = StatusStopped
	if err := writeState(c.stateDir, c.state); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to persist stopped state: %w", err)
	}
	return nil
}

// owns reports whether the recorded pid still belongs to the init process.
func (c *Container) owns() bool {
	if c.state.Pid <= 0 || c.state.Status == StatusStopped {
		return false
	}
	if c.state.StartTime == 0 {
		return true
	}
	start, err := processStartTime(c.state.Pid)
	return err == nil && start == c.state.StartTime
}

// Signal delivers sig to the init process.
func (c *Container) Signal(sig unix.Signal) error {
	if !c.owns() {
		return ErrNotRunning
	}
	if err := unix.Kill(c.state.Pid, sig); err != nil {
		if err == unix.ESRCH {
			return ErrNotRunning
		}
		return fmt.Errorf("failed to signal pid %d: %w", c.state.Pid, err)
	}
	return nil
}

// Delete removes the persisted state. A still running process is an error
// unless force is set, in which case it is sent SIGKILL first. A stopped
// container, or a pid now used by another process, is never signalled.
func (c *Container) Delete(force bool) error {
	if c.syncW != nil {
		c.abort()
		return nil
	}
	if c.owns() && unix.Kill(c.state.Pid, 0) == nil {
		if !force {
			return fmt.Errorf("container %s is still running", c.state.ID)
		}
		if err := c.Signal(unix.SIGKILL); err != nil && err != ErrNotRunning {
			return err
		}
		c.logger.Info("killed init process for forced delete", "pid", c.state.Pid)
	}
	if err := os.RemoveAll(c.stateDir); err != nil {
		return fmt.Errorf("failed to remove state directory: %w", err)
	}
	return nil
}

var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// cloneFlags translates the namespaces requested by spec. New namespaces
// need privileges, so unprivileged callers run without them.
func cloneFlags(spec *specs.Spec, logger *slog.Logger) uintptr {
	if spec.Linux == nil || len(spec.Linux.Namespaces) == 0 {
		return 0
	}
	if os.Geteuid() != 0 {
		logger.Warn("not running as root, namespaces will not be created")
		return 0
	}
	var flags uintptr
	for _, ns := range spec.Linux.Namespaces {
		flag, ok := namespaceFlags[ns.Type]
		if !ok || ns.Path != "" {
			logger.Warn("namespace not supported, skipping", "type", ns.Type, "path", ns.Path)
			continue
		}
		flags |= flag
	}
	return flags
}
