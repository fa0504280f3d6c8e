package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"gradebox/internal/logging"
)

// dockerAPI is the slice of the Docker SDK client this package uses. Tests
// substitute a fake; production code wraps *client.Client.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageRef string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecStart(ctx context.Context, execID string, options container.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// DockerRuntime implements Runtime over the Docker Engine API.
type DockerRuntime struct {
	cli dockerAPI
	log *zap.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the Docker daemon. Host may be empty to use
// the environment (DOCKER_HOST or the default socket).
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	return &DockerRuntime{cli: cli, log: logging.L().Named("docker")}, nil
}

func newDockerRuntime(cli dockerAPI) *DockerRuntime {
	return &DockerRuntime{cli: cli, log: zap.NewNop()}
}

// CreateContainer makes sure the image is present, then creates the container
// with the spec's identity and resource profile.
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	keepAlive := spec.KeepAlive
	if len(keepAlive) == 0 {
		keepAlive = []string{"/bin/sh", "-c", "while :; do sleep 86400; done"}
	}

	oomKillDisable := true
	pidsLimit := spec.Limits.PidsLimit

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:         spec.Limits.MemoryBytes,
			MemorySwap:     spec.Limits.MemoryBytes,
			OomKillDisable: &oomKillDisable,
			NanoCPUs:       int64(spec.Limits.CPUCores * 1e9),
		},
	}
	if pidsLimit > 0 {
		hostCfg.Resources.PidsLimit = &pidsLimit
	}
	if spec.AllowNetwork {
		hostCfg.NetworkMode = "bridge"
	}

	cfg := &container.Config{
		Image:      spec.Image,
		User:       spec.User,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		// Override any image entrypoint; a custom entrypoint exiting
		// early would stop the container out from under us.
		Entrypoint:      keepAlive,
		Tty:             false,
		NetworkDisabled: !spec.AllowNetwork,
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	d.log.Debug("created container",
		zap.String("id", created.ID),
		zap.String("name", spec.Name),
		zap.String("user", spec.User))
	return created.ID, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, imageRef string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef); err == nil {
		return nil
	}
	rc, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops the container, leaving its filesystem in place.
func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer force-removes the container. The background context keeps
// removal working even when the caller's context is already cancelled.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// CopyToContainer extracts archive into destDir.
func (d *DockerRuntime) CopyToContainer(ctx context.Context, id, destDir string, archive io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, id, destDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// ExecStart creates an exec and attaches to it. Attaching starts the
// process; the session streams until the process exits.
func (d *DockerRuntime) ExecStart(ctx context.Context, id string, spec ProcessSpec) (ExecSession, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  spec.AttachStdin,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	hijack, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &dockerExecSession{id: created.ID, hijack: hijack, stdin: spec.AttachStdin}, nil
}

// ExecRun runs a command without attaching and polls until it finishes.
func (d *DockerRuntime) ExecRun(ctx context.Context, id string, spec ProcessSpec) (int, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Env:        spec.Env,
		Cmd:        spec.Cmd,
	})
	if err != nil {
		return 0, fmt.Errorf("exec create: %w", err)
	}
	if err := d.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return 0, fmt.Errorf("exec start: %w", err)
	}

	for {
		st, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !st.Running {
			return st.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ExecInspect reports exec status.
func (d *DockerRuntime) ExecInspect(ctx context.Context, execID string) (ExecStatus, error) {
	st, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, fmt.Errorf("exec inspect: %w", err)
	}
	return ExecStatus{ExitCode: st.ExitCode, Running: st.Running}, nil
}

// Close closes the underlying client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

type dockerExecSession struct {
	id        string
	hijack    types.HijackedResponse
	stdin     bool
	closeOnce sync.Once
}

func (s *dockerExecSession) ID() string { return s.id }

func (s *dockerExecSession) Stdin() io.Writer {
	if !s.stdin {
		return nil
	}
	return s.hijack.Conn
}

func (s *dockerExecSession) CloseStdin() error {
	return s.hijack.CloseWrite()
}

func (s *dockerExecSession) Reader() io.Reader {
	return s.hijack.Reader
}

func (s *dockerExecSession) Close() {
	s.closeOnce.Do(s.hijack.Close)
}
