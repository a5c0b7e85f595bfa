package instance

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/tomyedwab/wasishim/bridge"
	"github.com/tomyedwab/wasishim/container"
	"github.com/tomyedwab/wasishim/engine"
	"github.com/tomyedwab/wasishim/engine/wasmtest"
	"github.com/tomyedwab/wasishim/exitstatus"
	"github.com/tomyedwab/wasishim/journal"
)

const waitTimeout = 30 * time.Second

func TestMain(m *testing.M) {
	if container.IsInit() {
		container.Init(bridge.New(engine.NewWazero(engine.WazeroOptions{})))
	}
	os.Exit(m.Run())
}

// writeBundle creates a bundle whose rootfs holds wasm as module.wasm and
// whose process runs arg0.
func writeBundle(t *testing.T, wasm []byte, arg0 string) string {
	t.Helper()
	bundle := t.TempDir()
	rootfs := filepath.Join(bundle, "rootfs")
	wasmtest.WriteModule(t, rootfs, "module.wasm", wasm)
	writeConfig(t, bundle, specs.Spec{
		Version: specs.Version,
		Root:    &specs.Root{Path: "rootfs"},
		Process: &specs.Process{Cwd: "/", Args: []string{arg0}},
	})
	return bundle
}

func writeConfig(t *testing.T, bundle string, spec any) {
	t.Helper()
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func newInstance(t *testing.T, id string, cfg Config) *Instance {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = "test"
	}
	inst, err := New(id, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { inst.Delete() })
	return inst
}

func waitStatus(t *testing.T, inst *Instance) exitstatus.Status {
	t.Helper()
	ch := make(chan exitstatus.Status, 1)
	if err := inst.Wait(exitstatus.NewWait(ch)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	select {
	case s := <-ch:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for exit status")
	}
	return exitstatus.Status{}
}

func TestResolveRootDir(t *testing.T) {
	t.Run("root path from config", func(t *testing.T) {
		bundle := t.TempDir()
		writeConfig(t, bundle, map[string]any{"root": map[string]any{"path": "/a/b"}})
		got, err := ResolveRootDir(bundle, "ns")
		if err != nil || got != "/a/b/ns" {
			t.Fatalf("got (%q, %v), want /a/b/ns", got, err)
		}
	})

	t.Run("default without config", func(t *testing.T) {
		got, err := ResolveRootDir(t.TempDir(), "ns")
		if err != nil || got != filepath.Join(DefaultRootDir, "ns") {
			t.Fatalf("got (%q, %v), want default", got, err)
		}
	})

	t.Run("relative root path", func(t *testing.T) {
		bundle := t.TempDir()
		writeConfig(t, bundle, map[string]any{"root": map[string]any{"path": "rootfs"}})
		got, err := ResolveRootDir(bundle, "ns")
		if err != nil || got != filepath.Join(bundle, "rootfs", "ns") {
			t.Fatalf("got (%q, %v)", got, err)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		bundle := t.TempDir()
		writeConfig(t, bundle, map[string]any{"root": map[string]any{"path": "/a/b"}})
		first, _ := ResolveRootDir(bundle, "ns")
		second, _ := ResolveRootDir(bundle, "ns")
		if first != second {
			t.Fatalf("resolution changed: %q then %q", first, second)
		}
	})

	for name, content := range map[string]string{
		"malformed":  "{not json",
		"no root":    `{"process":{"args":["x"]}}`,
		"empty path": `{"root":{"path":""}}`,
		"wrong type": `{"root":{"path":5}}`,
	} {
		t.Run(name, func(t *testing.T) {
			bundle := t.TempDir()
			if err := os.WriteFile(filepath.Join(bundle, "config.json"), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := ResolveRootDir(bundle, "ns")
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Bundle != bundle {
				t.Errorf("unexpected bundle %q", cfgErr.Bundle)
			}
		})
	}
}

func TestNewRequiresBundle(t *testing.T) {
	_, err := New("a", Config{Namespace: "ns"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestNewRejectsMalformedConfig(t *testing.T) {
	bundle := t.TempDir()
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), []byte("]"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New("a", Config{Bundle: bundle, Namespace: "ns"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestDeleteNeverStartedIsIdempotent(t *testing.T) {
	inst := newInstance(t, "idle", Config{Bundle: writeBundle(t, wasmtest.Hello("_start", "x"), "module.wasm")})
	for n := 0; n < 2; n++ {
		outcome, err := inst.Delete()
		if err != nil {
			t.Fatalf("delete %d failed: %v", n, err)
		}
		if outcome != AlreadyAbsent {
			t.Fatalf("delete %d: expected AlreadyAbsent, got %v", n, outcome)
		}
	}
}

func TestDeleteUnreadableState(t *testing.T) {
	inst := newInstance(t, "broken", Config{Bundle: writeBundle(t, wasmtest.Hello("_start", "x"), "module.wasm")})
	dir := container.StateDir(inst.RootDir(), inst.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome, err := inst.Delete()
	if err != nil || outcome != Unreadable {
		t.Fatalf("expected (Unreadable, nil), got (%v, %v)", outcome, err)
	}
}

func TestHelloWorld(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Hello("_start", "hello world\n"), "/module.wasm")
	stdout := filepath.Join(t.TempDir(), "stdout")
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()

	inst := newInstance(t, "hello", Config{Bundle: bundle, Stdout: stdout, Journal: j})
	pid, err := inst.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("unexpected pid %d", pid)
	}

	status := waitStatus(t, inst)
	if status.Code != 0 {
		t.Fatalf("expected exit code 0, got %d", status.Code)
	}
	if status.ExitedAt.IsZero() {
		t.Error("exit timestamp not recorded")
	}

	data, err := os.ReadFile(stdout)
	if err != nil {
		t.Fatalf("failed to read stdout: %v", err)
	}
	if string(data) != "hello world\n" {
		t.Fatalf("unexpected stdout %q", data)
	}

	// The recorded value is stable across reads.
	for n := 0; n < 3; n++ {
		again, ok := inst.ExitStatus()
		if !ok || again != status {
			t.Fatalf("read %d: got %+v, want %+v", n, again, status)
		}
	}

	if _, err := inst.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	outcome, err := inst.Delete()
	if err != nil || outcome != Deleted {
		t.Fatalf("expected (Deleted, nil), got (%v, %v)", outcome, err)
	}
	if exists, _ := container.Exists(inst.RootDir(), inst.ID()); exists {
		t.Fatal("container state still present after delete")
	}
	if err := inst.Wait(exitstatus.WaiterFunc(func(exitstatus.Status) {})); !errors.Is(err, exitstatus.ErrClosed) {
		t.Fatalf("expected ErrClosed after delete, got %v", err)
	}

	events, err := j.EventsForInstance("hello", 10)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	want := []journal.EventType{journal.EventCreated, journal.EventStarted, journal.EventExited, journal.EventDeleted}
	if len(events) != len(want) {
		t.Fatalf("expected %d journal events, got %+v", len(want), events)
	}
	for n, event := range events {
		if event.EventType != string(want[n]) {
			t.Errorf("event %d: expected %s, got %s", n, want[n], event.EventType)
		}
	}
	if events[2].Pid == nil || *events[2].Pid != pid || events[2].Detail != Reaped.String() {
		t.Errorf("unexpected exited event %+v", events[2])
	}
}

func TestMissingEntryDeliversToAllWaiters(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Hello("_start", "unused"), "module.wasm#missing")
	inst := newInstance(t, "missing", Config{Bundle: bundle, Stderr: filepath.Join(t.TempDir(), "stderr")})

	const waiters = 3
	ch := make(chan exitstatus.Status, waiters)
	for n := 0; n < waiters; n++ {
		if err := inst.Wait(exitstatus.NewWait(ch)); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	if _, err := inst.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var first exitstatus.Status
	for n := 0; n < waiters; n++ {
		select {
		case s := <-ch:
			if s.Code != bridge.ExitInterpreterFailure {
				t.Fatalf("waiter %d: expected %d, got %d", n, bridge.ExitInterpreterFailure, s.Code)
			}
			if n == 0 {
				first = s
			} else if s != first {
				t.Fatalf("waiter %d saw %+v, first saw %+v", n, s, first)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for waiter %d", n)
		}
	}
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra notification %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReapBeforeWait(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Exit("_start", 4), "module.wasm")
	inst := newInstance(t, "early", Config{Bundle: bundle})
	if _, err := inst.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(waitTimeout)
	for {
		if _, ok := inst.ExitStatus(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status := waitStatus(t, inst); status.Code != 4 {
		t.Fatalf("expected exit code 4, got %d", status.Code)
	}
}

func TestKill(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Spin("_start"), "module.wasm")
	inst := newInstance(t, "spin", Config{Bundle: bundle})

	if err := inst.Kill(uint32(unix.SIGKILL)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}

	if _, err := inst.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := inst.ExitStatus(); ok {
		t.Fatal("spinning process should not have exited")
	}

	if err := inst.Kill(uint32(unix.SIGKILL)); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	status := waitStatus(t, inst)
	if status.Code != uint32(unix.SIGKILL) {
		t.Fatalf("expected signal number %d, got %d", unix.SIGKILL, status.Code)
	}

	if err := inst.Kill(uint32(unix.SIGTERM)); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestStartFailureLeavesStatusUnset(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Hello("_start", "x"), "module.wasm")
	inst := newInstance(t, "nostdio", Config{Bundle: bundle, Stdin: filepath.Join(t.TempDir(), "absent", "stdin")})

	_, err := inst.Start()
	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartError, got %v", err)
	}
	if startErr.ID != "nostdio" {
		t.Errorf("unexpected id %q", startErr.ID)
	}
	if _, ok := inst.ExitStatus(); ok {
		t.Fatal("exit status recorded after failed start")
	}
	if exists, _ := container.Exists(inst.RootDir(), inst.ID()); exists {
		t.Fatal("container state left behind by failed start")
	}
	if err := inst.Kill(uint32(unix.SIGKILL)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after failed start, got %v", err)
	}
}

func TestReapNoChild(t *testing.T) {
	called := false
	res := reap(os.Getpid(), func() { called = true })
	if res.Outcome != ReapUnknown || res.Code != 0 {
		t.Fatalf("expected unknown outcome with code 0, got %+v", res)
	}
	if !called {
		t.Fatal("exit callback not called")
	}
}

func TestReapCallsBackBeforeCollecting(t *testing.T) {
	// The test binary with no tests selected exits 0 straight away.
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start child: %v", err)
	}
	pid := cmd.Process.Pid

	var zombie bool
	res := reap(pid, func() {
		// Not yet collected, so the pid still names the exited child.
		zombie = processState(t, pid) == 'Z'
	})
	if res.Outcome != Reaped || res.Code != 0 {
		t.Fatalf("expected reaped with code 0, got %+v", res)
	}
	if !zombie {
		t.Fatal("child was collected before the exit callback ran")
	}
	if _, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("child not collected after reap: %v", err)
	}
}

// processState returns the state letter of pid from /proc/<pid>/stat.
func processState(t *testing.T, pid int) byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		t.Fatalf("failed to read stat of %d: %v", pid, err)
	}
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+2 >= len(data) {
		t.Fatalf("malformed stat %q", data)
	}
	return data[end+2]
}

// bystander creates a process that belongs to no instance. It is a created
// container, so it stays blocked until deleted.
func bystander(t *testing.T) *container.Container {
	t.Helper()
	c, err := container.Build(container.Config{
		ID:       "bystander",
		Root:     t.TempDir(),
		Bundle:   writeBundle(t, wasmtest.Spin("_start"), "module.wasm"),
		Executor: bridge.New(engine.NewWazero(engine.WazeroOptions{})),
	})
	if err != nil {
		t.Fatalf("failed to build bystander: %v", err)
	}
	t.Cleanup(func() { c.Delete(true) })
	return c
}

// running reports whether the child pid has not terminated, without
// collecting it if it is still alive.
func running(t *testing.T, pid int) bool {
	t.Helper()
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		t.Fatalf("wait4 failed: %v", err)
	}
	return wpid == 0
}

// repointState rewrites the persisted state of inst as if its pid had been
// reused by the process other.
func repointState(t *testing.T, inst *Instance, other *container.Container, status container.Status) {
	t.Helper()
	path := filepath.Join(container.StateDir(inst.RootDir(), inst.ID()), "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	var state container.State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("failed to parse state: %v", err)
	}
	state.Pid = other.Pid()
	state.StartTime = other.State().StartTime
	state.Status = status
	if data, err = json.Marshal(state); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write state: %v", err)
	}
}

func TestDeleteAfterExitLeavesReusedPidAlone(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Hello("_start", "hi"), "module.wasm")

	t.Run("same instance", func(t *testing.T) {
		other := bystander(t)
		inst := newInstance(t, "reused", Config{Bundle: bundle, Stdout: filepath.Join(t.TempDir(), "stdout")})
		if _, err := inst.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitStatus(t, inst)

		// Even with nothing on disk to tell the processes apart, the
		// instance knows its own process is gone.
		repointState(t, inst, other, container.StatusRunning)
		if err := inst.Kill(uint32(unix.SIGKILL)); !errors.Is(err, ErrProcessExited) {
			t.Fatalf("expected ErrProcessExited, got %v", err)
		}
		outcome, err := inst.Delete()
		if err != nil || outcome != Deleted {
			t.Fatalf("expected (Deleted, nil), got (%v, %v)", outcome, err)
		}
		if !running(t, other.Pid()) {
			t.Fatal("unrelated process was killed by delete")
		}
	})

	t.Run("fresh instance", func(t *testing.T) {
		other := bystander(t)
		cfg := Config{Bundle: bundle, Stdout: filepath.Join(t.TempDir(), "stdout")}
		inst := newInstance(t, "reloaded", cfg)
		if _, err := inst.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitStatus(t, inst)

		c, err := container.Load(inst.RootDir(), inst.ID())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if c.State().Status != container.StatusStopped {
			t.Fatalf("expected stopped state after exit, got %q", c.State().Status)
		}
		repointState(t, inst, other, container.StatusStopped)

		// A second supervisor, as a later delete command would create.
		again := newInstance(t, "reloaded", cfg)
		outcome, err := again.Delete()
		if err != nil || outcome != Deleted {
			t.Fatalf("expected (Deleted, nil), got (%v, %v)", outcome, err)
		}
		if !running(t, other.Pid()) {
			t.Fatal("unrelated process was killed by delete")
		}
	})
}

func TestDeleteRunningInstance(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Spin("_start"), "module.wasm")
	inst := newInstance(t, "busy", Config{Bundle: bundle})

	const waiters = 2
	ch := make(chan exitstatus.Status, waiters)
	for n := 0; n < waiters; n++ {
		if err := inst.Wait(exitstatus.NewWait(ch)); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if _, err := inst.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	outcome, err := inst.Delete()
	if err != nil || outcome != Deleted {
		t.Fatalf("expected (Deleted, nil), got (%v, %v)", outcome, err)
	}
	if exists, _ := container.Exists(inst.RootDir(), inst.ID()); exists {
		t.Fatal("container state still present after delete")
	}

	for n := 0; n < waiters; n++ {
		select {
		case s := <-ch:
			if s.Code != uint32(unix.SIGKILL) {
				t.Fatalf("waiter %d: expected signal number %d, got %d", n, unix.SIGKILL, s.Code)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for waiter %d", n)
		}
	}

	if err := inst.Wait(exitstatus.WaiterFunc(func(exitstatus.Status) {})); !errors.Is(err, exitstatus.ErrClosed) {
		t.Fatalf("expected ErrClosed after delete, got %v", err)
	}
	if err := inst.Kill(uint32(unix.SIGKILL)); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	if exists, _ := container.Exists(inst.RootDir(), inst.ID()); exists {
		t.Fatal("reaper recreated deleted state")
	}
}

func TestDeleteNeverStartedReleasesWaiters(t *testing.T) {
	inst := newInstance(t, "abandoned", Config{Bundle: writeBundle(t, wasmtest.Hello("_start", "x"), "module.wasm")})

	called := make(chan exitstatus.Status, 1)
	if err := inst.Wait(exitstatus.NewWait(called)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n := inst.exit.Pending(); n != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", n)
	}

	if outcome, err := inst.Delete(); err != nil || outcome != AlreadyAbsent {
		t.Fatalf("expected (AlreadyAbsent, nil), got (%v, %v)", outcome, err)
	}

	deadline := time.Now().Add(waitTimeout)
	for inst.exit.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter still parked after delete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case s := <-called:
		t.Fatalf("released waiter was called with %+v", s)
	default:
	}
}

func TestReapedBeforeStatusPublished(t *testing.T) {
	bundle := writeBundle(t, wasmtest.Exit("_start", 2), "module.wasm")
	inst := newInstance(t, "ordered", Config{Bundle: bundle})

	reapedFirst := make(chan bool, 1)
	err := inst.Wait(exitstatus.WaiterFunc(func(exitstatus.Status) {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		reapedFirst <- inst.reaped
	}))
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if _, err := inst.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case ok := <-reapedFirst:
		if !ok {
			t.Fatal("status published before the process was marked reaped")
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for exit status")
	}
}

func TestOutcomeStrings(t *testing.T) {
	cases := map[string]string{
		Reaped.String():        "reaped",
		ReapUnknown.String():   "unknown",
		ReapFatal.String():     "fatal",
		Deleted.String():       "deleted",
		AlreadyAbsent.String(): "already_absent",
		Unreadable.String():    "unreadable",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
