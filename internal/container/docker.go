package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// agentServicePort is the port the agent-side service listens on inside
// every container; the spec's Port maps a host port onto it.
const agentServicePort = "8080/tcp"

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewDockerRuntime creates the Docker runtime and verifies the daemon is
// reachable.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	rt := &DockerRuntime{cli: cli, logger: log, config: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	log.Info("docker runtime ready", zap.String("host", cfg.Host))
	return rt, nil
}

// Ping checks daemon availability.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return v1.WrapError(v1.KindContainerUnavailable, err, "docker daemon unreachable")
	}
	return nil
}

// Close releases the client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Create creates a container from a spec.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: int64(spec.CPUCores * 1e9),
		},
	}
	if spec.Port > 0 {
		containerCfg.ExposedPorts = nat.PortSet{agentServicePort: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			agentServicePort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(spec.Port),
			}},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", v1.WrapError(v1.KindContainerUnavailable, err, "failed to create container %s", spec.Name)
	}

	r.logger.Info("container created",
		zap.String("container_id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// Start starts a container.
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return v1.WrapError(v1.KindContainerUnavailable, err, "failed to start container %s", containerID)
	}
	return nil
}

// Stop stops a container with a grace timeout.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		return v1.WrapError(v1.KindContainerUnavailable, err, "failed to stop container %s", containerID)
	}
	return nil
}

// Remove removes a container and its anonymous volumes.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return v1.WrapError(v1.KindContainerUnavailable, err, "failed to remove container %s", containerID)
	}
	return nil
}

// Inspect returns container state.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*Info, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, v1.WrapError(v1.KindContainerUnavailable, err, "failed to inspect container %s", containerID)
	}

	info := &Info{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Labels:   inspect.Config.Labels,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	return info, nil
}

// Logs returns the last tail lines of container output.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}
	reader, err := r.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, v1.WrapError(v1.KindContainerUnavailable, err, "failed to read logs for %s", containerID)
	}
	return reader, nil
}

// Stats returns a one-shot resource snapshot.
func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (*Stats, error) {
	resp, err := r.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, v1.WrapError(v1.KindContainerUnavailable, err, "failed to read stats for %s", containerID)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", containerID, err)
	}

	stats := &Stats{
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	if stats.MemoryLimit > 0 {
		stats.MemoryPercent = float64(stats.MemoryBytes) / float64(stats.MemoryLimit) * 100
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		stats.CPUPercent = cpuDelta / sysDelta * float64(raw.CPUStats.OnlineCPUs) * 100
	}
	return stats, nil
}

// List returns containers matching all given labels, running or not.
func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, v1.WrapError(v1.KindContainerUnavailable, err, "failed to list containers")
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

// Exec starts a process inside a running container and returns its streams.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecStream, error) {
	execCfg := container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := r.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, v1.WrapError(v1.KindContainerUnavailable, err, "failed to create exec in %s", containerID)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, v1.WrapError(v1.KindContainerUnavailable, err, "failed to attach exec in %s", containerID)
	}

	stream := &dockerExecStream{
		runtime: r,
		execID:  created.ID,
		conn:    attach,
	}
	stdoutReader, stdoutWriter := io.Pipe()
	stream.stdout = stdoutReader
	go func() {
		defer stdoutWriter.Close()
		stream.demultiplex(attach.Reader, stdoutWriter)
	}()
	return stream, nil
}

type dockerExecStream struct {
	runtime *DockerRuntime
	execID  string
	conn    types.HijackedResponse
	stdout  io.ReadCloser

	mu     sync.Mutex
	stderr bytes.Buffer
}

func (s *dockerExecStream) Output() io.Reader { return s.stdout }

func (s *dockerExecStream) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}

// ExitCode polls exec state until the process is gone, then returns its
// exit code.
func (s *dockerExecStream) ExitCode(ctx context.Context) (int, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		inspect, err := s.runtime.cli.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, v1.WrapError(v1.KindContainerUnavailable, err, "failed to inspect exec")
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *dockerExecStream) Close() error {
	s.conn.Close()
	return s.stdout.Close()
}

// demultiplex splits Docker's multiplexed stream: 8-byte headers carry the
// stream type in byte 0 and a big-endian frame size in bytes 4-7. Stdout
// frames go to the writer; stderr frames are retained for diagnostics.
func (s *dockerExecStream) demultiplex(reader io.Reader, stdout io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			s.mu.Lock()
			// cap retained stderr at 64KiB
			if s.stderr.Len() < 64*1024 {
				s.stderr.Write(data)
			}
			s.mu.Unlock()
		}
	}
}
