package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gradebox/internal/runtime"
	"gradebox/internal/uidpool"
)

// fakePool hands out tokens from a fixed range and tracks leases so tests
// can assert that every acquired token comes back.
type fakePool struct {
	mu         sync.Mutex
	next       uidpool.Token
	leased     map[uidpool.Token]bool
	acquireErr error
}

func newFakePool(start int) *fakePool {
	return &fakePool{next: uidpool.Token(start), leased: map[uidpool.Token]bool{}}
}

func (p *fakePool) Acquire(ctx context.Context) (uidpool.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return 0, p.acquireErr
	}
	t := p.next
	p.next++
	p.leased[t] = true
	return t, nil
}

func (p *fakePool) Release(ctx context.Context, t uidpool.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leased[t] {
		return fmt.Errorf("release of unleased token %d", t)
	}
	delete(p.leased, t)
	return nil
}

func (p *fakePool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// execScript describes one scripted exec session the fake runtime will hand
// out, in order, for each ExecStart call.
type execScript struct {
	stdout   string
	stderr   string
	exitCode int

	// blockUntilClosed keeps the output stream open after the scripted
	// bytes; it reaches EOF only when the session is closed. Simulates a
	// command that never exits on its own.
	blockUntilClosed bool

	// echoStdin appends everything written to stdin to the stdout frames
	// once stdin is closed.
	echoStdin bool

	startErr error
}

type fakeSession struct {
	id     string
	script *execScript

	mu     sync.Mutex
	stdin  bytes.Buffer
	closed chan struct{}
	once   sync.Once

	stdinClosed chan struct{}
	stdinOnce   sync.Once
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Stdin() io.Writer { return &lockedWriter{s: s} }

type lockedWriter struct{ s *fakeSession }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.stdin.Write(p)
}

func (s *fakeSession) CloseStdin() error {
	s.stdinOnce.Do(func() { close(s.stdinClosed) })
	return nil
}

func (s *fakeSession) Reader() io.Reader {
	return &scriptReader{s: s}
}

func (s *fakeSession) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeSession) stdinBytes() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.String()
}

// scriptReader serves the scripted frames, then either EOF or a block until
// the session is torn down.
type scriptReader struct {
	s    *fakeSession
	data []byte
	pos  int
	init bool
}

func (r *scriptReader) Read(p []byte) (int, error) {
	if !r.init {
		r.init = true
		sc := r.s.script
		if sc.echoStdin {
			// Wait for the feed to finish so the echoed bytes are
			// complete.
			select {
			case <-r.s.stdinClosed:
			case <-r.s.closed:
			}
			r.data = append(r.data, muxFrame(1, r.s.stdinBytes())...)
		}
		r.data = append(r.data, muxFrame(1, sc.stdout)...)
		r.data = append(r.data, muxFrame(2, sc.stderr)...)
	}
	if r.pos < len(r.data) {
		n := copy(p, r.data[r.pos:])
		r.pos += n
		return n, nil
	}
	if r.s.script.blockUntilClosed {
		<-r.s.closed
	}
	return 0, io.EOF
}

// muxFrame wraps payload in stdout/stderr multiplex framing.
func muxFrame(stream byte, payload string) []byte {
	if payload == "" {
		return nil
	}
	hdr := make([]byte, 8)
	hdr[0] = stream
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr, payload...)
}

type tarEntry struct {
	header  tar.Header
	content []byte
}

type fakeCopy struct {
	containerID string
	destDir     string
	entries     []tarEntry
}

type plumbingCall struct {
	containerID string
	spec        runtime.ProcessSpec
}

// fakeRuntime implements runtime.Runtime with scripted behavior.
type fakeRuntime struct {
	mu sync.Mutex

	createErr error
	startErr  error
	stopErr   error
	removeErr error
	copyErr   error

	created []runtime.CreateSpec
	started []string
	stopped []string
	removed []string
	copies  []fakeCopy

	// scripts are consumed in order by ExecStart.
	scripts  []*execScript
	sessions []*fakeSession
	specs    []runtime.ProcessSpec

	// plumbing records ExecRun calls (chown, pkill).
	plumbing     []plumbingCall
	plumbingExit map[string]int // keyed by argv[0]
	plumbingErr  error

	nextID int
}

func newFakeRuntime(scripts ...*execScript) *fakeRuntime {
	return &fakeRuntime{scripts: scripts, plumbingExit: map[string]int{}}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	f.nextID++
	return fmt.Sprintf("ctr-%d", f.nextID), nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeRuntime) CopyToContainer(ctx context.Context, id, destDir string, archive io.Reader) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	var entries []tarEntry
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		entries = append(entries, tarEntry{header: *hdr, content: content})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, fakeCopy{containerID: id, destDir: destDir, entries: entries})
	return nil
}

func (f *fakeRuntime) ExecStart(ctx context.Context, id string, spec runtime.ProcessSpec) (runtime.ExecSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return nil, errors.New("no scripted exec left")
	}
	sc := f.scripts[0]
	f.scripts = f.scripts[1:]
	if sc.startErr != nil {
		return nil, sc.startErr
	}
	f.specs = append(f.specs, spec)
	sess := &fakeSession{
		id:          fmt.Sprintf("exec-%d", len(f.sessions)+1),
		script:      sc,
		closed:      make(chan struct{}),
		stdinClosed: make(chan struct{}),
	}
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

func (f *fakeRuntime) ExecRun(ctx context.Context, id string, spec runtime.ProcessSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plumbingErr != nil {
		return 0, f.plumbingErr
	}
	f.plumbing = append(f.plumbing, plumbingCall{containerID: id, spec: spec})
	if len(spec.Cmd) > 0 {
		if exit, ok := f.plumbingExit[spec.Cmd[0]]; ok {
			return exit, nil
		}
	}
	return 0, nil
}

func (f *fakeRuntime) ExecInspect(ctx context.Context, execID string) (runtime.ExecStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		if sess.id == execID {
			return runtime.ExecStatus{ExitCode: sess.script.exitCode}, nil
		}
	}
	return runtime.ExecStatus{}, fmt.Errorf("unknown exec %s", execID)
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) plumbingCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds []string
	for _, c := range f.plumbing {
		cmds = append(cmds, strings.Join(c.spec.Cmd, " "))
	}
	return cmds
}
