// Package instance supervises the lifecycle of one sandboxed wasm process:
// it builds and starts the process through the container runtime, reaps it
// in the background and hands the single recorded exit status to any number
// of waiters.
package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tomyedwab/wasishim/bridge"
	"github.com/tomyedwab/wasishim/container"
	"github.com/tomyedwab/wasishim/engine"
	"github.com/tomyedwab/wasishim/exitstatus"
)

var (
	// ErrAlreadyStarted is returned by Start on an instance that is running
	// or has run.
	ErrAlreadyStarted = errors.New("instance already started")
	// ErrNotStarted is returned by Kill before Start.
	ErrNotStarted = errors.New("instance not started")
	// ErrProcessExited is returned by Kill once the process is gone.
	ErrProcessExited = errors.New("instance process has exited")
)

// StartError reports a failure to build or start the sandboxed process. The
// instance stays unstarted and may be started again or deleted.
type StartError struct {
	ID  string
	Op  string
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start instance %s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Journal records lifecycle events. *journal.Journal implements it.
type Journal interface {
	RecordCreated(instanceID, bundle string) error
	RecordStarted(instanceID string, pid int) error
	RecordKilled(instanceID string, pid int, signal uint32) error
	RecordExited(instanceID string, pid int, code uint32, outcome string) error
	RecordDeleted(instanceID, outcome string) error
}

// Config holds the caller-supplied configuration of an instance.
type Config struct {
	Bundle    string
	Namespace string
	Stdin     string        // Optional, empty inherits the current stdin
	Stdout    string        // Optional, empty inherits the current stdout
	Stderr    string        // Optional, empty inherits the current stderr
	Engine    engine.Engine // Optional, defaults to the wazero interpreter
	Logger    *slog.Logger  // Optional, defaults to slog.Default()
	Journal   Journal       // Optional
}

// Instance is one sandboxed process and its recorded exit status.
type Instance struct {
	id      string
	cfg     Config
	rootDir string
	exit    *exitstatus.Channel
	logger  *slog.Logger
	journal Journal

	mu        sync.Mutex
	container *container.Container // set once started
	reaped    bool                 // the init process has exited; its pid must not be signalled
}

// New prepares an instance. Nothing is opened or launched until Start.
func New(id string, cfg Config) (*Instance, error) {
	if cfg.Bundle == "" {
		return nil, &ConfigError{Err: errors.New("bundle path is required")}
	}
	rootDir, err := ResolveRootDir(cfg.Bundle, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	if cfg.Engine == nil {
		cfg.Engine = engine.NewWazero(engine.WazeroOptions{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	i := &Instance{
		id:      id,
		cfg:     cfg,
		rootDir: rootDir,
		exit:    exitstatus.New(),
		logger:  logger.With("component", "instance", "id", id),
		journal: cfg.Journal,
	}
	i.record("created", func(j Journal) error { return j.RecordCreated(id, cfg.Bundle) })
	return i, nil
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// RootDir returns the directory holding the container state of the instance.
func (i *Instance) RootDir() string { return i.rootDir }

// ExitStatus returns the recorded exit status, if any.
func (i *Instance) ExitStatus() (exitstatus.Status, bool) {
	return i.exit.Get()
}

// Start builds and starts the sandboxed process and returns its pid. The
// process is reaped in the background.
func (i *Instance) Start() (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.container != nil {
		return i.container.Pid(), ErrAlreadyStarted
	}

	stdio, err := openStdio(i.cfg.Stdin, i.cfg.Stdout, i.cfg.Stderr)
	if err != nil {
		return 0, &StartError{ID: i.id, Op: "open stdio", Err: err}
	}
	// The init process holds its own copies.
	defer stdio.Close()

	c, err := container.Build(container.Config{
		ID:       i.id,
		Root:     i.rootDir,
		Bundle:   i.cfg.Bundle,
		Executor: bridge.New(i.cfg.Engine),
		Stdio:    stdio,
		Logger:   i.logger,
	})
	if err != nil {
		return 0, &StartError{ID: i.id, Op: "build", Err: err}
	}
	pid := c.Pid()

	if err := c.Start(); err != nil {
		return 0, &StartError{ID: i.id, Op: "start", Err: err}
	}
	i.container = c
	i.logger.Info("instance started", "pid", pid, "root", i.rootDir)
	i.record("started", func(j Journal) error { return j.RecordStarted(i.id, pid) })

	go i.watch(c)
	return pid, nil
}

// Wait arranges for w to receive the exit status once it is recorded. It
// does not block.
func (i *Instance) Wait(w exitstatus.Waiter) error {
	if err := i.exit.Register(w); err != nil {
		return fmt.Errorf("failed to wait for instance %s: %w", i.id, err)
	}
	i.logger.Debug("waiter registered")
	return nil
}

// Kill sends signal to the init process and returns without waiting for it
// to exit. The reaper records the resulting exit status.
func (i *Instance) Kill(signal uint32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	c := i.container
	if c == nil {
		return ErrNotStarted
	}
	if i.reaped {
		return ErrProcessExited
	}
	if err := c.Signal(unix.Signal(signal)); err != nil {
		if errors.Is(err, container.ErrNotRunning) {
			return ErrProcessExited
		}
		return fmt.Errorf("failed to kill instance %s: %w", i.id, err)
	}

	i.logger.Info("signal sent", "pid", c.Pid(), "signal", unix.Signal(signal).String())
	i.record("killed", func(j Journal) error { return j.RecordKilled(i.id, c.Pid(), signal) })
	return nil
}

// DeleteOutcome tells what Delete found on disk.
type DeleteOutcome int

const (
	// Deleted means persisted state was removed.
	Deleted DeleteOutcome = iota
	// AlreadyAbsent means there was no state to remove.
	AlreadyAbsent
	// Unreadable means state exists but could not be loaded; it was left
	// in place.
	Unreadable
)

func (o DeleteOutcome) String() string {
	switch o {
	case Deleted:
		return "deleted"
	case AlreadyAbsent:
		return "already_absent"
	case Unreadable:
		return "unreadable"
	default:
		return "invalid"
	}
}

// Delete removes the persisted container state of the instance. Missing or
// unreadable state is not an error, so Delete may be called any number of
// times. A still running process is killed. Waiters registered before Delete
// are still notified; later registrations fail. Waiters on an instance that
// was never started are released without a status.
func (i *Instance) Delete() (DeleteOutcome, error) {
	i.mu.Lock()
	started := i.container != nil
	outcome, err := i.deleteState()
	i.mu.Unlock()
	if err != nil {
		return outcome, err
	}
	if started {
		i.exit.Close()
	} else {
		i.exit.Cancel()
	}
	i.logger.Info("instance deleted", "outcome", outcome)
	i.record("deleted", func(j Journal) error { return j.RecordDeleted(i.id, outcome.String()) })
	return outcome, nil
}

// deleteState is called with mu held.
func (i *Instance) deleteState() (DeleteOutcome, error) {
	exists, err := container.Exists(i.rootDir, i.id)
	if err != nil {
		i.logger.Warn("cannot inspect container state, skipping delete", "root", i.rootDir, "error", err)
		return Unreadable, nil
	}
	if !exists {
		return AlreadyAbsent, nil
	}

	c, err := container.Load(i.rootDir, i.id)
	if err != nil {
		i.logger.Warn("container state is unreadable, skipping delete", "root", i.rootDir, "error", err)
		return Unreadable, nil
	}
	if i.reaped {
		// Normally already persisted by the reaper.
		if err := c.MarkStopped(); err != nil {
			i.logger.Warn("failed to persist stopped state", "error", err)
		}
	}
	if err := c.Delete(true); err != nil {
		return Deleted, fmt.Errorf("failed to delete instance %s: %w", i.id, err)
	}
	return Deleted, nil
}

func (i *Instance) record(event string, fn func(Journal) error) {
	if i.journal == nil {
		return
	}
	if err := fn(i.journal); err != nil {
		i.logger.Warn("failed to journal event", "event", event, "error", err)
	}
}

// openStdio opens the configured stdio targets. An empty path inherits the
// stream.
func openStdio(stdin, stdout, stderr string) (container.Stdio, error) {
	var stdio container.Stdio
	targets := []struct {
		path string
		flag int
		dst  **os.File
	}{
		{stdin, os.O_RDWR, &stdio.Stdin},
		{stdout, os.O_RDWR | os.O_CREATE, &stdio.Stdout},
		{stderr, os.O_RDWR | os.O_CREATE, &stdio.Stderr},
	}
	for _, t := range targets {
		if t.path == "" {
			continue
		}
		f, err := os.OpenFile(t.path, t.flag, 0o644)
		if err != nil {
			stdio.Close()
			return container.Stdio{}, err
		}
		*t.dst = f
	}
	return stdio, nil
}
