// Package sandbox runs untrusted commands inside disposable containers.
//
// Each Sandbox couples a container to an identity token leased from a
// shared pool; commands run as that identity, which is what makes the
// timeout kill sweep precise and the resource limits personal to the
// payload. The facade guarantees that a handle either provisions fully or
// rolls back completely, and that teardown always returns the token.
package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gradebox/internal/config"
	"gradebox/internal/logging"
	"gradebox/internal/metrics"
	"gradebox/internal/runtime"
	"gradebox/internal/uidpool"
)

// State is the lifecycle position of a Sandbox handle.
type State int32

const (
	StateUnprovisioned State = iota
	StateProvisioning
	StateReady
	StateExecuting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// TokenPool is the slice of the identity pool a sandbox needs: one lease in,
// one lease out. *uidpool.Pool satisfies it.
type TokenPool interface {
	Acquire(ctx context.Context) (uidpool.Token, error)
	Release(ctx context.Context, t uidpool.Token) error
}

const teardownTimeout = 30 * time.Second

// Sandbox is a handle to one isolated execution environment: a leased
// identity token plus a container whose default user is that identity.
// A handle is safe for concurrent use; command execution is serialized.
type Sandbox struct {
	cfg  config.Config
	rt   runtime.Runtime
	pool TokenPool
	log  *zap.Logger
	name string

	// runMu serializes RunCommand and AddFiles against each other.
	runMu sync.Mutex

	mu          sync.Mutex
	state       State
	uid         uidpool.Token
	containerID string
}

// Option adjusts a Sandbox at construction time.
type Option func(*Sandbox)

// WithLogger overrides the process-wide logger for this handle.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sandbox) { s.log = l }
}

// WithName overrides the generated container name.
func WithName(name string) Option {
	return func(s *Sandbox) { s.name = name }
}

// New builds an unprovisioned handle. Nothing is leased or created until
// Start.
func New(cfg config.Config, rt runtime.Runtime, pool TokenPool, opts ...Option) *Sandbox {
	s := &Sandbox{
		cfg:   cfg,
		rt:    rt,
		pool:  pool,
		log:   logging.L(),
		state: StateUnprovisioned,
		name:  "sandbox-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("sandbox", s.name))
	return s
}

// Name is the container name used for this handle.
func (s *Sandbox) Name() string { return s.name }

// State returns the current lifecycle position.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UID returns the leased identity, or -1 when none is held.
func (s *Sandbox) UID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady && s.state != StateExecuting {
		return -1
	}
	return int(s.uid)
}

// ContainerID returns the runtime container ID, empty until Start succeeds.
func (s *Sandbox) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// Start leases an identity token and brings up the container. On any
// failure every acquired resource is rolled back before the error returns,
// so a failed Start leaves the handle unprovisioned and leaks nothing.
func (s *Sandbox) Start(ctx context.Context) error {
	// Claim the transition before doing any work so two concurrent Start
	// calls cannot both provision and strand a token.
	s.mu.Lock()
	if s.state != StateUnprovisioned {
		st := s.state
		s.mu.Unlock()
		if st == StateDestroyed {
			return ErrDestroyed
		}
		return fmt.Errorf("sandbox: already started (state %s)", st)
	}
	s.state = StateProvisioning
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	defer cancel()

	uid, err := s.pool.Acquire(ctx)
	if err != nil {
		s.abortProvisioning()
		metrics.Get().ProvisionTotal.WithLabelValues("error").Inc()
		return &ProvisionError{Stage: "identity acquisition", Err: err}
	}

	containerID, err := s.provision(ctx, uid)
	if err != nil {
		s.releaseToken(uid)
		s.abortProvisioning()
		metrics.Get().ProvisionTotal.WithLabelValues("error").Inc()
		return err
	}

	s.mu.Lock()
	if s.state != StateProvisioning {
		// Destroyed concurrently; nothing we built may outlive that.
		s.mu.Unlock()
		if err := s.teardown(containerID, uid); err != nil {
			return err
		}
		return ErrDestroyed
	}
	s.uid = uid
	s.containerID = containerID
	s.state = StateReady
	s.mu.Unlock()

	metrics.Get().ProvisionTotal.WithLabelValues("ok").Inc()
	s.log.Info("sandbox ready",
		zap.String("container_id", containerID),
		zap.Int("uid", int(uid)))
	return nil
}

// abortProvisioning returns a failed Start to the unprovisioned state unless
// the handle was destroyed in the meantime.
func (s *Sandbox) abortProvisioning() {
	s.mu.Lock()
	if s.state == StateProvisioning {
		s.state = StateUnprovisioned
	}
	s.mu.Unlock()
}

// provision creates, starts, and prepares the container. The returned
// container never outlives a failure here.
func (s *Sandbox) provision(ctx context.Context, uid uidpool.Token) (string, error) {
	spec := runtime.CreateSpec{
		Image:      s.cfg.Image,
		Name:       s.name,
		User:       strconv.Itoa(int(uid)),
		Env:        envSlice(s.cfg.EnvironmentVariables),
		WorkingDir: s.cfg.WorkingDir,
		Limits: runtime.Limits{
			MemoryBytes: s.cfg.MemoryLimitBytes,
			PidsLimit:   s.cfg.PidsLimit,
			CPUCores:    s.cfg.CPUCoreLimit,
		},
		AllowNetwork: s.cfg.AllowNetwork,
	}

	containerID, err := s.rt.CreateContainer(ctx, spec)
	if err != nil {
		return "", &ProvisionError{Stage: "container create", Err: err}
	}

	rollback := func() {
		rctx, rcancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer rcancel()
		if rerr := s.rt.RemoveContainer(rctx, containerID); rerr != nil {
			s.log.Warn("rollback: container removal failed",
				zap.String("container_id", containerID), zap.Error(rerr))
		}
	}

	if err := s.rt.StartContainer(ctx, containerID); err != nil {
		rollback()
		return "", &ProvisionError{Stage: "container start", Err: err}
	}

	// The image ships a generic home directory; hand it to the leased
	// identity so the untrusted payload can write its own files.
	owner := fmt.Sprintf("%d:%d", uid, uid)
	exit, err := s.rt.ExecRun(ctx, containerID, runtime.ProcessSpec{
		Cmd:  []string{"chown", "-R", owner, s.cfg.HomeDir},
		User: "0",
	})
	if err != nil {
		rollback()
		return "", &ProvisionError{Stage: "home directory setup", Err: err}
	}
	if exit != 0 {
		rollback()
		return "", &ProvisionError{
			Stage: "home directory setup",
			Err:   fmt.Errorf("chown exited with status %d", exit),
		}
	}

	return containerID, nil
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

// Close destroys the container and releases the identity token. It is
// idempotent and safe to call in any state; the token release happens even
// when the runtime refuses to remove the container, so a stuck container
// never shrinks the pool. Calling Close while a command is executing kills
// the environment out from under it; the in-flight RunCommand surfaces an
// execution error.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	containerID := s.containerID
	uid := s.uid
	s.state = StateDestroyed
	s.mu.Unlock()

	if prev == StateUnprovisioned || prev == StateProvisioning {
		// An in-flight Start observes the destroyed state and tears
		// down whatever it had built.
		return nil
	}
	return s.teardown(containerID, uid)
}

func (s *Sandbox) teardown(containerID string, uid uidpool.Token) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	removeErr := s.rt.RemoveContainer(ctx, containerID)
	s.releaseToken(uid)

	if removeErr != nil {
		metrics.Get().TeardownTotal.WithLabelValues("error").Inc()
		s.log.Error("container removal failed",
			zap.String("container_id", containerID), zap.Error(removeErr))
		return &TeardownError{ContainerID: containerID, Err: removeErr}
	}
	metrics.Get().TeardownTotal.WithLabelValues("ok").Inc()
	s.log.Info("sandbox destroyed", zap.String("container_id", containerID))
	return nil
}

func (s *Sandbox) releaseToken(uid uidpool.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.pool.Release(ctx, uid); err != nil {
		s.log.Error("identity token release failed",
			zap.Int("uid", int(uid)), zap.Error(err))
	}
}

// Reset tears the environment down and provisions a fresh one on the same
// handle. Any container state accumulated by previous commands is gone.
func (s *Sandbox) Reset(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		switch st {
		case StateDestroyed:
			return ErrDestroyed
		case StateExecuting:
			return ErrBusy
		default:
			return ErrNotReady
		}
	}
	containerID := s.containerID
	uid := s.uid
	s.state = StateUnprovisioned
	s.containerID = ""
	s.mu.Unlock()

	if err := s.teardown(containerID, uid); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Restart stops and restarts the container. Unlike Reset, the container's
// filesystem survives: files written by previous commands are still there,
// only running processes are gone. The identity token is kept.
func (s *Sandbox) Restart(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		switch st {
		case StateDestroyed:
			return ErrDestroyed
		case StateExecuting:
			return ErrBusy
		default:
			return ErrNotReady
		}
	}
	containerID := s.containerID
	s.mu.Unlock()

	if err := s.rt.StopContainer(ctx, containerID); err != nil {
		return fmt.Errorf("sandbox: stop container: %w", err)
	}
	if err := s.rt.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("sandbox: restart container: %w", err)
	}
	s.log.Info("sandbox restarted", zap.String("container_id", containerID))
	return nil
}

// With runs fn against a freshly provisioned sandbox and guarantees
// teardown on every exit path, including a panic inside fn. When fn
// succeeds but teardown fails, the teardown error is returned so a leaked
// container is never silent.
func With(ctx context.Context, cfg config.Config, rt runtime.Runtime, pool TokenPool, fn func(*Sandbox) error, opts ...Option) error {
	s := New(cfg, rt, pool, opts...)
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Close()

	if err := fn(s); err != nil {
		return err
	}
	return s.Close()
}
