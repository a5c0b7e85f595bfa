// Package engine defines the interpreter boundary used by the entry-point
// bridge. An Engine loads a module from a path and invokes one of its
// exported functions; the bridge only ever talks to this interface, so any
// interpreter can be plugged in.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// IO holds the host streams exposed to the guest as stdin, stdout and stderr.
// A nil field leaves the corresponding guest stream unconnected.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// LoadOptions configures a module instance.
type LoadOptions struct {
	IO IO

	// Args is the guest argv. Args[0] is conventionally the module name.
	Args []string

	// Env holds KEY=VALUE pairs. Entries without '=' are ignored.
	Env []string

	// RootDir is a host directory exposed as the guest's "/". Empty means
	// the guest gets no filesystem access.
	RootDir string
}

// Engine creates module instances. Engine handles carry only immutable
// configuration and must be safe to share between goroutines.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string

	// Load reads and instantiates the module at path. Failures are reported
	// as *InvocationError with KindLoad.
	Load(ctx context.Context, path string, opts LoadOptions) (Module, error)
}

// Module is an instantiated guest module.
type Module interface {
	// Call invokes the named export with no arguments. Failures are
	// reported as *InvocationError.
	Call(ctx context.Context, entry string) error

	// Close releases the instance and its runtime.
	Close(ctx context.Context) error
}

// Kind classifies an invocation failure.
type Kind int

const (
	// KindLoad means the module could not be read, compiled or instantiated.
	KindLoad Kind = iota
	// KindMissingExport means the entry point is not an exported function.
	KindMissingExport
	// KindSignature means the entry point cannot be called without arguments.
	KindSignature
	// KindTrap means the guest trapped while running.
	KindTrap
	// KindExit means the guest requested termination with a non-zero code.
	KindExit
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindMissingExport:
		return "missing export"
	case KindSignature:
		return "signature mismatch"
	case KindTrap:
		return "trap"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// InvocationError reports why loading or calling an entry point failed.
type InvocationError struct {
	Entry string
	Kind  Kind
	Code  uint32 // guest exit code, only meaningful for KindExit
	Err   error
}

func (e *InvocationError) Error() string {
	if e.Kind == KindExit {
		return fmt.Sprintf("%s: guest exited with code %d", e.Entry, e.Code)
	}
	if e.Entry == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Entry, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// GuestExitCode reports the exit code requested by the guest when err is a
// KindExit failure.
func GuestExitCode(err error) (uint32, bool) {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr.Kind == KindExit {
		return invErr.Code, true
	}
	return 0, false
}
