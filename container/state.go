package container

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	stateFile  = "state.json"
	configFile = "config.json"
)

var (
	// ErrExists is returned when building a container whose state is already
	// persisted under the root.
	ErrExists = errors.New("container already exists")
	// ErrNotExist is returned when no state is persisted for a container.
	ErrNotExist = errors.New("container does not exist")
	// ErrNotRunning is returned when signalling a process that is gone.
	ErrNotRunning = errors.New("container process is not running")
)

// Status is the persisted lifecycle status of a container.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	// StatusStopped means the init process has exited and been reaped; its
	// pid may since belong to another process.
	StatusStopped Status = "stopped"
)

// State is the on-disk record of a container, stored as
// <root>/<id>/state.json.
type State struct {
	ID       string    `json:"id"`
	Pid      int       `json:"pid"`
	Bundle   string    `json:"bundle"`
	Executor string    `json:"executor"`
	Status   Status    `json:"status"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitempty"`

	// StartTime is the start time of Pid in clock ticks since boot, as
	// read from /proc/<pid>/stat. Zero when it could not be read.
	StartTime uint64 `json:"start_time,omitempty"`
}

// StateDir returns the directory holding the persisted state of id.
func StateDir(root, id string) string {
	return filepath.Join(root, id)
}

// Exists reports whether state for id is present under root.
func Exists(root, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(StateDir(root, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat state for %s: %w", id, err)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("container id is required")
	}
	if id == "." || id == ".." || strings.ContainsRune(id, filepath.Separator) {
		return fmt.Errorf("invalid container id %q", id)
	}
	return nil
}

func readState(stateDir string) (State, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ErrNotExist
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("corrupt state file: %w", err)
	}
	if state.ID == "" {
		return State{}, fmt.Errorf("corrupt state file: missing id")
	}
	return state, nil
}

// writeState replaces the state file atomically.
func writeState(stateDir string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(stateDir, stateFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(stateDir, stateFile))
}

// processStartTime returns the start time of pid in clock ticks since boot.
// Together with the pid it identifies one process across pid reuse.
func processStartTime(pid int) (uint64, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	// The command name may contain spaces and parentheses, so fields are
	// counted from the last ')'. The first field after it is field 3.
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	const startTimeField = 22 - 3
	fields := strings.Fields(string(data[end+1:]))
	if len(fields) <= startTimeField {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[startTimeField], 10, 64)
}

// LoadSpec reads the OCI runtime configuration of a bundle.
func LoadSpec(bundle string) (*specs.Spec, error) {
	data, err := os.ReadFile(filepath.Join(bundle, configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle config: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse bundle config: %w", err)
	}
	return &spec, nil
}
