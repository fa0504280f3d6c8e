package sandbox

import (
	"io"
	"time"

	"gradebox/internal/sandbox/spool"
)

// Output holds one captured stream of a finished command. Bytes live in a
// spill-to-disk spool, so arbitrarily large command output never has to fit
// in memory at once.
type Output struct {
	buf       *spool.Buffer
	truncated bool
	text      string
	decoded   bool
}

// Bytes returns the captured bytes, subject to any truncation cap.
func (o *Output) Bytes() ([]byte, error) { return o.buf.Bytes() }

// Reader returns an independent reader over the captured bytes.
func (o *Output) Reader() (io.Reader, error) { return o.buf.Reader() }

// Text returns the decoded text and true when the command requested a
// decoding policy. Without one, ok is false and callers should use Bytes.
func (o *Output) Text() (text string, ok bool) { return o.text, o.decoded }

// Truncated reports whether bytes beyond the cap actually arrived and were
// discarded. A stream that produced exactly the cap is not truncated.
func (o *Output) Truncated() bool { return o.truncated }

// Size is the number of bytes captured.
func (o *Output) Size() int64 { return o.buf.Len() }

func (o *Output) close() error { return o.buf.Close() }

// Result is the outcome of one finished command.
type Result struct {
	// ExitCode is the process exit status, or -1 when the command was
	// killed for exceeding its time limit.
	ExitCode int

	// TimedOut reports that the wall-clock limit was hit and the process
	// tree was killed. Timeout is never conflated with a non-zero exit.
	TimedOut bool

	Stdout *Output
	Stderr *Output

	// Duration is the observed wall-clock runtime.
	Duration time.Duration
}

// Close releases the capture buffers and any scratch files backing them.
// A Result is unusable afterwards.
func (r *Result) Close() error {
	err := r.Stdout.close()
	if err2 := r.Stderr.close(); err == nil {
		err = err2
	}
	return err
}
