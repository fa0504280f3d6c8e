package sandbox

import (
	"io"
	"time"
)

// DecodeErrorPolicy controls how undecodable byte sequences are handled
// when captured output is decoded to text.
type DecodeErrorPolicy string

const (
	// DecodeReplace substitutes U+FFFD for undecodable sequences.
	DecodeReplace DecodeErrorPolicy = "replace"
	// DecodeStrict fails the run with a DecodeError on undecodable input.
	DecodeStrict DecodeErrorPolicy = "strict"
)

// DecodePolicy selects a text encoding for captured output. Encoding names
// are the WHATWG labels ("utf-8", "latin1", "shift_jis", ...).
type DecodePolicy struct {
	Encoding string
	OnError  DecodeErrorPolicy
}

// Command describes one program invocation inside a sandbox.
//
// The zero value of every optional field means "off": no stdin, no time
// limit, unbounded capture, raw bytes, run as the leased identity.
type Command struct {
	// Args is the argv to execute. Must be non-empty.
	Args []string

	// Stdin, when non-nil, is streamed to the process and closed at EOF.
	Stdin io.Reader

	// Timeout bounds wall-clock runtime. Zero means unbounded.
	Timeout time.Duration

	// TruncateStdout and TruncateStderr cap the number of bytes captured
	// per stream. A nil pointer means unbounded capture.
	TruncateStdout *int64
	TruncateStderr *int64

	// Decode, when non-nil, decodes captured bytes to text after the
	// command finishes.
	Decode *DecodePolicy

	// Check turns a non-zero exit or a timeout into a CommandError.
	Check bool

	// AsRoot runs the command as uid 0 instead of the leased identity.
	// For trusted plumbing only, never for the untrusted payload.
	AsRoot bool

	// BlockProcessSpawn forbids the command from creating any child
	// process. Implemented as a hard nproc resource cap applied at
	// launch, so it cannot be lifted from inside the command.
	BlockProcessSpawn bool

	// Env is extra environment for the process, in KEY=value form.
	Env []string
}

// TruncateBytes is a convenience for building the per-stream caps.
func TruncateBytes(n int64) *int64 { return &n }
