package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gradebox/internal/metrics"
	"gradebox/internal/runtime"
	"gradebox/internal/sandbox/spool"
	"gradebox/internal/uidpool"
)

// reapTimeout bounds the kill sweep issued after a command overruns.
const reapTimeout = 10 * time.Second

// execInspectBudget bounds the wait for the runtime to register the exit
// code after the output stream reaches EOF.
const execInspectBudget = 5 * time.Second

// RunCommand executes one command inside the sandbox and returns its
// Result. The caller owns the Result and must Close it.
//
// Runs as the leased identity unless AsRoot. A command that exceeds its
// Timeout has its whole process tree killed and comes back with ExitCode -1
// and TimedOut set; the handle stays usable afterwards. Output is captured
// per stream through the truncation caps into spill-to-disk buffers.
func (s *Sandbox) RunCommand(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Args) == 0 {
		return nil, &LaunchError{Err: errors.New("empty command")}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	uid, containerID, err := s.beginExec()
	if err != nil {
		return nil, err
	}
	defer s.endExec()

	spec := runtime.ProcessSpec{
		Cmd:         cmd.Args,
		User:        strconv.Itoa(int(uid)),
		WorkingDir:  s.cfg.WorkingDir,
		Env:         cmd.Env,
		AttachStdin: cmd.Stdin != nil,
	}
	if cmd.AsRoot {
		spec.User = "0"
	}
	if cmd.BlockProcessSpawn {
		// A zero nproc ceiling is enforced by the kernel for the whole
		// run and cannot be raised back from inside the command.
		spec.Cmd = append([]string{"prlimit", "--nproc=0:0", "--"}, spec.Cmd...)
	}

	sess, err := s.rt.ExecStart(ctx, containerID, spec)
	if err != nil {
		metrics.Get().CommandsTotal.WithLabelValues("launch_error").Inc()
		return nil, &LaunchError{Err: err}
	}
	defer sess.Close()

	stdout := spool.New(s.cfg.SpoolMemoryLimit)
	stderr := spool.New(s.cfg.SpoolMemoryLimit)
	outW := newCapWriter(stdout, cmd.TruncateStdout)
	errW := newCapWriter(stderr, cmd.TruncateStderr)

	started := time.Now()

	var g errgroup.Group
	g.Go(func() error {
		_, err := stdcopy.StdCopy(outW, errW, sess.Reader())
		return err
	})
	if cmd.Stdin != nil {
		g.Go(func() error {
			src := &stdinSource{r: cmd.Stdin}
			_, err := io.Copy(sess.Stdin(), src)
			_ = sess.CloseStdin()
			if err != nil {
				if src.err != nil {
					// The caller's stdin could not be read; the
					// command never saw its full input.
					return &LaunchError{Err: fmt.Errorf("read stdin: %w", src.err)}
				}
				// A write error means the process exited before
				// consuming its input, which is not a failure.
				s.log.Debug("stdin feed ended early", zap.Error(err))
			}
			return nil
		})
	}
	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	var timedOut bool
	select {
	case err = <-drained:
		if err != nil {
			discard(stdout, stderr)
			var lerr *LaunchError
			if errors.As(err, &lerr) {
				metrics.Get().CommandsTotal.WithLabelValues("launch_error").Inc()
				return nil, err
			}
			metrics.Get().CommandsTotal.WithLabelValues("stream_error").Inc()
			return nil, fmt.Errorf("sandbox: output stream failed: %w", err)
		}
	case <-runCtx.Done():
		timedOut = cmd.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded)
		s.reap(uid, containerID, cmd.AsRoot)
		sess.Close()

		// The reap-and-drain path gets its own watchdog so a command
		// that ignores SIGKILL semantics at the stream level cannot
		// wedge the caller forever.
		fallback := s.cfg.MinFallbackTimeout
		if d := 2 * cmd.Timeout; d > fallback {
			fallback = d
		}
		select {
		case <-drained:
		case <-time.After(fallback):
			s.log.Error("output drain outlived the kill sweep",
				zap.String("container_id", containerID),
				zap.Duration("fallback", fallback))
			discard(stdout, stderr)
			metrics.Get().CommandsTotal.WithLabelValues("stream_error").Inc()
			return nil, errors.New("sandbox: command did not terminate after kill")
		}
		if !timedOut {
			discard(stdout, stderr)
			return nil, fmt.Errorf("sandbox: command execution cancelled: %w", ctx.Err())
		}
	}

	duration := time.Since(started)

	exitCode := -1
	if !timedOut {
		exitCode, err = s.waitExitCode(ctx, sess.ID())
		if err != nil {
			discard(stdout, stderr)
			if s.State() == StateDestroyed {
				return nil, ErrDestroyed
			}
			return nil, fmt.Errorf("sandbox: command status unavailable: %w", err)
		}
	}

	res := &Result{
		ExitCode: exitCode,
		TimedOut: timedOut,
		Stdout:   &Output{buf: stdout, truncated: outW.truncated},
		Stderr:   &Output{buf: stderr, truncated: errW.truncated},
		Duration: duration,
	}

	m := metrics.Get()
	m.CommandDurationSeconds.Observe(duration.Seconds())
	m.OutputBytesTotal.WithLabelValues("stdout").Add(float64(outW.seen))
	m.OutputBytesTotal.WithLabelValues("stderr").Add(float64(errW.seen))
	switch {
	case timedOut:
		m.CommandsTotal.WithLabelValues("timeout").Inc()
	case exitCode != 0:
		m.CommandsTotal.WithLabelValues("nonzero").Inc()
	default:
		m.CommandsTotal.WithLabelValues("completed").Inc()
	}

	if cmd.Decode != nil {
		if err := decodeOutput(res, *cmd.Decode); err != nil {
			return nil, err
		}
	}

	if cmd.Check && (timedOut || exitCode != 0) {
		return nil, &CommandError{Result: res}
	}
	return res, nil
}

// beginExec moves the handle to EXECUTING and snapshots the identity and
// container it will run against.
func (s *Sandbox) beginExec() (uidpool.Token, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		s.state = StateExecuting
		return s.uid, s.containerID, nil
	case StateExecuting:
		return 0, "", ErrBusy
	case StateDestroyed:
		return 0, "", ErrDestroyed
	default:
		return 0, "", ErrNotReady
	}
}

func (s *Sandbox) endExec() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExecuting {
		s.state = StateReady
	}
}

// reap kills every process owned by the leased identity. The exclusive
// lease makes the sweep precise: nothing else in the container runs as this
// UID, and the keep-alive process runs as a different one, so the container
// itself survives.
func (s *Sandbox) reap(uid uidpool.Token, containerID string, asRoot bool) {
	if asRoot {
		// Root commands are trusted plumbing; a uid sweep would take
		// down the keep-alive process too, so there is nothing precise
		// to kill here.
		s.log.Warn("timed-out root command left unreaped",
			zap.String("container_id", containerID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	_, err := s.rt.ExecRun(ctx, containerID, runtime.ProcessSpec{
		Cmd:  []string{"pkill", "-KILL", "-u", strconv.Itoa(int(uid))},
		User: "0",
	})
	if err != nil {
		s.log.Error("kill sweep failed",
			zap.String("container_id", containerID), zap.Error(err))
	}
}

// waitExitCode polls the exec until the runtime registers its exit. The
// output stream can reach EOF a beat before the status does.
func (s *Sandbox) waitExitCode(ctx context.Context, execID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, execInspectBudget)
	defer cancel()
	for {
		st, err := s.rt.ExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !st.Running {
			return st.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// stdinSource records errors raised by the caller's reader so they can be
// told apart from write-side errors on the exec session.
type stdinSource struct {
	r   io.Reader
	err error
}

func (s *stdinSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

func discard(bufs ...*spool.Buffer) {
	for _, b := range bufs {
		_ = b.Close()
	}
}

// capWriter enforces a per-stream capture ceiling. Bytes past the cap are
// counted and dropped; truncated flips only when such bytes actually
// arrive, so a stream that produces exactly the cap is not marked.
type capWriter struct {
	dst       io.Writer
	limit     *int64
	written   int64
	seen      int64
	truncated bool
}

func newCapWriter(dst io.Writer, limit *int64) *capWriter {
	return &capWriter{dst: dst, limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.seen += int64(len(p))
	if w.limit == nil {
		n, err := w.dst.Write(p)
		w.written += int64(n)
		return n, err
	}
	remaining := *w.limit - w.written
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	keep := p
	if int64(len(p)) > remaining {
		keep = p[:remaining]
		w.truncated = true
	}
	n, err := w.dst.Write(keep)
	w.written += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
