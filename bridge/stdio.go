package bridge

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tomyedwab/wasishim/container"
)

var streamNames = [3]string{"stdin", "stdout", "stderr"}

// stdioGuard remembers the standard descriptors that existed before
// redirection and puts them back on Restore.
type stdioGuard struct {
	saved [3]int // -1 when the stream was not redirected
}

// redirectStdio duplicates each configured descriptor onto the matching
// standard stream. On failure every stream already redirected is restored.
func redirectStdio(stdio container.Stdio) (*stdioGuard, error) {
	g := &stdioGuard{saved: [3]int{-1, -1, -1}}
	targets := [3]*os.File{stdio.Stdin, stdio.Stdout, stdio.Stderr}

	for i, f := range targets {
		if f == nil {
			continue
		}
		src := int(f.Fd())
		if src == i {
			continue
		}
		saved, err := unix.Dup(i)
		if err != nil {
			g.Restore()
			return nil, fmt.Errorf("failed to save %s: %w", streamNames[i], err)
		}
		g.saved[i] = saved
		if err := unix.Dup3(src, i, 0); err != nil {
			g.Restore()
			return nil, fmt.Errorf("failed to redirect %s: %w", streamNames[i], err)
		}
	}
	return g, nil
}

// Restore puts the saved descriptors back. It is safe to call more than once.
func (g *stdioGuard) Restore() error {
	var errs []error
	for i, fd := range g.saved {
		if fd < 0 {
			continue
		}
		if err := unix.Dup3(fd, i, 0); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", streamNames[i], err))
		}
		unix.Close(fd)
		g.saved[i] = -1
	}
	return errors.Join(errs...)
}

// streams are fresh handles on the current standard descriptors, so the
// guest never owns (or closes) descriptors 0-2 themselves.
type streams struct {
	stdin, stdout, stderr *os.File
}

func openStreams() (*streams, error) {
	var files [3]*os.File
	for i := range files {
		fd, err := unix.Dup(i)
		if err != nil {
			for _, f := range files[:i] {
				f.Close()
			}
			return nil, fmt.Errorf("failed to duplicate %s: %w", streamNames[i], err)
		}
		files[i] = os.NewFile(uintptr(fd), streamNames[i])
	}
	return &streams{stdin: files[0], stdout: files[1], stderr: files[2]}, nil
}

func (s *streams) Close() {
	s.stdin.Close()
	s.stdout.Close()
	s.stderr.Close()
}
