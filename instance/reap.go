package instance

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tomyedwab/wasishim/container"
)

// ReapOutcome tells how the reaper obtained an exit status.
type ReapOutcome int

const (
	// Reaped means the child was waited for and its status is real.
	Reaped ReapOutcome = iota
	// ReapUnknown means the child had already been reaped elsewhere. The
	// status is recorded as 0.
	ReapUnknown
	// ReapFatal means waiting failed in a way the supervisor cannot explain.
	ReapFatal
)

func (o ReapOutcome) String() string {
	switch o {
	case Reaped:
		return "reaped"
	case ReapUnknown:
		return "unknown"
	case ReapFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// ReapResult is the outcome of waiting for one child.
type ReapResult struct {
	Outcome ReapOutcome
	Code    uint32 // exit status, or the signal number for signaled children
	Err     error  // set for ReapFatal
}

// reap blocks until pid exits or is killed by a signal. exited is called
// once the child has terminated but before its status is collected: until
// then the child stays a zombie and its pid cannot be reused.
func reap(pid int, exited func()) ReapResult {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			exited()
			return ReapResult{Outcome: ReapUnknown}
		}
		if err != nil {
			return ReapResult{Outcome: ReapFatal, Err: err}
		}
		break
	}
	exited()

	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.ECHILD:
			return ReapResult{Outcome: ReapUnknown}
		default:
			return ReapResult{Outcome: ReapFatal, Err: err}
		}

		switch {
		case ws.Exited():
			return ReapResult{Outcome: Reaped, Code: uint32(ws.ExitStatus())}
		case ws.Signaled():
			return ReapResult{Outcome: Reaped, Code: uint32(ws.Signal())}
		}
	}
}

// watch is the reaper goroutine. It records exactly one exit status for the
// init process of c.
func (i *Instance) watch(c *container.Container) {
	pid := c.Pid()
	logger := i.logger.With("pid", pid)

	res := reap(pid, func() {
		// Kill and Delete hold mu while signalling, so neither can reach
		// the pid once it is collected.
		i.mu.Lock()
		defer i.mu.Unlock()
		i.reaped = true
		if err := c.MarkStopped(); err != nil {
			logger.Warn("failed to persist stopped state", "error", err)
		}
	})

	switch res.Outcome {
	case ReapUnknown:
		logger.Warn("no child process to wait for, exit status unknown")
	case ReapFatal:
		logger.Error("failed to wait for init process", "error", res.Err)
		panic(fmt.Sprintf("wasishim: wait for pid %d failed: %v", pid, res.Err))
	}

	i.record("exited", func(j Journal) error { return j.RecordExited(i.id, pid, res.Code, res.Outcome.String()) })

	if !i.exit.Set(res.Code, time.Now()) {
		logger.Warn("exit status already recorded, dropping", "code", res.Code)
		return
	}
	logger.Info("init process exited", "code", res.Code, "outcome", res.Outcome)
}
