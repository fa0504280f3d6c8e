package sandbox

import (
	"errors"
	"fmt"

	"gradebox/internal/uidpool"
)

// ErrPoolExhausted reports that no identity token became available within
// the acquisition wait budget. Recoverable by caller retry with backoff.
var ErrPoolExhausted = uidpool.ErrExhausted

// State guard errors for operations against a handle in the wrong state.
var (
	ErrNotReady  = errors.New("sandbox: handle not provisioned")
	ErrBusy      = errors.New("sandbox: a command is already executing")
	ErrDestroyed = errors.New("sandbox: handle destroyed")
)

// ProvisionError reports that the container environment could not be created
// and started in time. The identity token is always rolled back before this
// is returned; no partially-usable handle ever escapes.
type ProvisionError struct {
	Stage string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("sandbox: provisioning failed during %s: %v", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// LaunchError reports that a command could not even be started: empty argv,
// missing executable, bad working directory, or an exec the runtime refused.
// Distinct from a command that started and exited non-zero.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("sandbox: command could not be started: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CommandError is returned from RunCommand when Check was requested and the
// command exited non-zero or timed out. It carries the full Result so callers
// can diagnose the failure from the captured output without re-running.
type CommandError struct {
	Result *Result
}

func (e *CommandError) Error() string {
	if e.Result.TimedOut {
		return "sandbox: command timed out"
	}
	return fmt.Sprintf("sandbox: command exited with status %d", e.Result.ExitCode)
}

// DecodeError reports that captured bytes could not be decoded under a
// strict decoding policy. The raw Result stays attached.
type DecodeError struct {
	Stream   string
	Encoding string
	Result   *Result
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sandbox: %s is not valid %s: %v", e.Stream, e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TeardownError reports that the runtime refused to remove the container.
// The identity token has already been released when this is returned;
// a stuck container never shrinks the UID pool.
type TeardownError struct {
	ContainerID string
	Err         error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("sandbox: failed to remove container %s: %v", e.ContainerID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
