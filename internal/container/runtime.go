// Package container wraps the Docker SDK behind a Runtime interface so the
// engine and lifecycle manager can be tested against a fake.
package container

import (
	"context"
	"io"
	"time"
)

// Spec holds everything needed to create an agent container.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	MemoryBytes int64
	CPUCores    float64
	Labels      map[string]string
	Port        int // host port mapped to the agent's service port
}

// Mount is a bind mount into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Info describes a container's observed state.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Health     string // healthy, unhealthy, starting, or "" when no healthcheck
	Labels     map[string]string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
}

// Running reports whether the container is up.
func (i *Info) Running() bool {
	return i.State == "running"
}

// Healthy reports whether the container is usable: running and not failing
// its healthcheck.
func (i *Info) Healthy() bool {
	return i.Running() && i.Health != "unhealthy"
}

// Stats is a point-in-time resource snapshot.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ExecOptions configures a process run inside a container.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// ExecStream is a running exec. Output carries demultiplexed stdout; stderr
// is buffered for diagnostics. ExitCode blocks until the process ends.
type ExecStream interface {
	Output() io.Reader
	Stderr() string
	ExitCode(ctx context.Context) (int, error)
	Close() error
}

// Runtime is the container controller contract.
type Runtime interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (*Info, error)
	Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecStream, error)
	Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error)
	Stats(ctx context.Context, containerID string) (*Stats, error)
	List(ctx context.Context, labels map[string]string) ([]Info, error)
	Close() error
}
