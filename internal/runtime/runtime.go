// Package runtime abstracts the container runtime behind a small capability
// interface: create, start, copy-in, exec, destroy. The sandbox core issues
// lifecycle and exec commands through this interface and trusts the runtime's
// isolation guarantees; swapping isolation technologies means re-implementing
// only this package.
package runtime

import (
	"context"
	"io"
)

// Limits is the resource profile applied to a container at creation time.
// Immutable for the container's lifetime.
type Limits struct {
	// MemoryBytes caps memory; swap is pinned to the same value and the
	// OOM killer is disabled so the container's main process survives a
	// command hitting the ceiling.
	MemoryBytes int64

	// PidsLimit caps the container-wide process count.
	PidsLimit int64

	// CPUCores caps CPU (fractional allowed). Zero means uncapped.
	CPUCores float64
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image string
	Name  string

	// User is the default identity for the container's main process and
	// for execs that do not override it. Numeric UID form.
	User string

	Env        []string
	WorkingDir string

	// KeepAlive is the container's main process. It should block forever;
	// commands run as execs against the live container.
	KeepAlive []string

	Limits       Limits
	AllowNetwork bool
}

// ProcessSpec describes one command to exec inside a live container.
type ProcessSpec struct {
	Cmd        []string
	User       string
	WorkingDir string
	Env        []string

	// AttachStdin opens a writable stdin stream on the exec session.
	AttachStdin bool
}

// ExecStatus is the result of inspecting an exec.
type ExecStatus struct {
	ExitCode int
	Running  bool
}

// ExecSession is a started, attached exec. Reader carries stdout and stderr
// multiplexed in stdcopy framing; the stream reaches EOF when the process
// exits. Stdin is non-nil only when the process was started with
// AttachStdin.
type ExecSession interface {
	ID() string
	Stdin() io.Writer
	// CloseStdin half-closes the stream so the process sees EOF on stdin.
	CloseStdin() error
	Reader() io.Reader
	// Close tears down the attachment. Safe to call more than once.
	Close()
}

// Runtime is the capability interface the sandbox core programs against.
type Runtime interface {
	// CreateContainer creates (but does not start) a container and
	// returns its runtime identifier.
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container without removing it; its
	// filesystem survives and StartContainer brings it back.
	StopContainer(ctx context.Context, id string) error

	// RemoveContainer force-removes a container, killing anything inside.
	RemoveContainer(ctx context.Context, id string) error

	// CopyToContainer extracts a tar archive into destDir inside the
	// container. Ownership and modes come from the archive headers.
	CopyToContainer(ctx context.Context, id, destDir string, archive io.Reader) error

	// ExecStart creates and attaches an exec; the returned session is
	// live and streaming.
	ExecStart(ctx context.Context, id string, spec ProcessSpec) (ExecSession, error)

	// ExecRun runs a command to completion without attaching and returns
	// its exit code. Used for short internal plumbing commands.
	ExecRun(ctx context.Context, id string, spec ProcessSpec) (int, error)

	// ExecInspect reports the status of an exec by its session ID.
	ExecInspect(ctx context.Context, execID string) (ExecStatus, error)

	Close() error
}
