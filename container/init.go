package container

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExitInitFailure is the exit code of an init process that could not hand
// control to its executor.
const ExitInitFailure = 126

// IsInit reports whether the current process was started by Build as a
// container init process.
func IsInit() bool {
	return os.Getenv(envInit) != ""
}

// Init runs the init side of the container: it waits for Start, changes into
// the bundle rootfs and runs the matching executor. It never returns.
func Init(executors ...Executor) {
	os.Exit(runInit(executors))
}

func runInit(executors []Executor) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "init", "id", os.Getenv(envID))

	name := os.Getenv(envInit)
	bundle := os.Getenv(envBundle)
	stdioSpec := os.Getenv(envStdio)
	for _, key := range []string{envInit, envID, envBundle, envStdio} {
		os.Unsetenv(key)
	}

	stdio, err := inheritedStdio(stdioSpec)
	if err != nil {
		logger.Error("invalid stdio descriptors", "error", err)
		return ExitInitFailure
	}

	if err := waitForStart(os.NewFile(syncFd, "sync")); err != nil {
		logger.Error("container was never started", "error", err)
		return ExitInitFailure
	}

	spec, err := LoadSpec(bundle)
	if err != nil {
		logger.Error("failed to load bundle", "bundle", bundle, "error", err)
		return ExitInitFailure
	}

	rootfs := bundle
	if spec.Root != nil && spec.Root.Path != "" {
		rootfs = spec.Root.Path
		if !filepath.IsAbs(rootfs) {
			rootfs = filepath.Join(bundle, rootfs)
		}
		spec.Root.Path = rootfs
	}
	cwd := rootfs
	if spec.Process != nil && spec.Process.Cwd != "" {
		cwd = filepath.Join(rootfs, spec.Process.Cwd)
	}
	if err := os.Chdir(cwd); err != nil {
		logger.Error("failed to change into container rootfs", "cwd", cwd, "error", err)
		return ExitInitFailure
	}

	for _, e := range executors {
		if e.Name() != name {
			continue
		}
		if !e.CanHandle(spec) {
			logger.Error("executor cannot handle spec", "executor", name)
			return ExitInitFailure
		}
		if err := e.Exec(spec, stdio); err != nil {
			logger.Error("executor failed", "executor", name, "error", err)
			return ExitInitFailure
		}
		return 0
	}

	logger.Error("no executor registered", "executor", name)
	return ExitInitFailure
}

// waitForStart blocks until the parent writes the start byte. A closed pipe
// without the byte means the container was deleted before being started.
func waitForStart(sync *os.File) error {
	defer sync.Close()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(sync, buf); err != nil {
		return err
	}
	return nil
}

// inheritedStdio parses the "stdin,stdout,stderr" descriptor list passed by
// Build, where -1 marks an inherited stream.
func inheritedStdio(value string) (Stdio, error) {
	var stdio Stdio
	if value == "" {
		return stdio, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return stdio, fmt.Errorf("expected 3 descriptors, got %q", value)
	}
	targets := []**os.File{&stdio.Stdin, &stdio.Stdout, &stdio.Stderr}
	names := []string{"stdin", "stdout", "stderr"}
	for i, part := range parts {
		fd, err := strconv.Atoi(part)
		if err != nil {
			return stdio, fmt.Errorf("invalid descriptor %q: %w", part, err)
		}
		if fd < 0 {
			continue
		}
		*targets[i] = os.NewFile(uintptr(fd), names[i])
	}
	return stdio, nil
}
