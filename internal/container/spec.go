package container

import (
	"fmt"
	"path/filepath"

	"github.com/webmixgamer/trinity/internal/common/config"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Container labels identifying platform-managed agents. Boot reconciliation
// lists containers by LabelPlatform.
const (
	LabelPlatform  = "trinity.platform"
	LabelAgentName = "trinity.agent-name"
	LabelTemplate  = "trinity.template"

	PlatformLabelValue = "agent"
)

// WorkspaceDir is the agent's home inside the container.
const WorkspaceDir = "/home/developer"

// sharedOutDir is the subdirectory of a workspace that an exposing agent
// publishes to its peers.
const sharedOutDir = "shared"

// policyOverlayDirs are mounted read-only into worker agents on top of the
// writable workspace, so platform policies cannot be edited from inside.
var policyOverlayDirs = []string{"policies", "processes"}

// PeerShare names a peer whose shared-out folder is mounted read-only into
// the consuming agent.
type PeerShare struct {
	AgentName string
	HostPath  string
}

// BuildOptions carries the per-start inputs to a container spec.
type BuildOptions struct {
	Port       int
	APIKey     string
	PeerShares []PeerShare
}

// SpecBuilder derives container specs from agent records.
type SpecBuilder struct {
	cfg config.DockerConfig
}

// NewSpecBuilder creates a spec builder.
func NewSpecBuilder(cfg config.DockerConfig) *SpecBuilder {
	return &SpecBuilder{cfg: cfg}
}

// AgentDir returns the host directory holding an agent's data.
func (b *SpecBuilder) AgentDir(agentName string) string {
	return filepath.Join(b.cfg.VolumeBasePath, "agents", agentName)
}

// WorkspacePath returns the host path of an agent's workspace.
func (b *SpecBuilder) WorkspacePath(agentName string) string {
	return filepath.Join(b.AgentDir(agentName), "workspace")
}

// SharedOutPath returns the host path of the folder an agent exposes to
// peers.
func (b *SpecBuilder) SharedOutPath(agentName string) string {
	return filepath.Join(b.WorkspacePath(agentName), sharedOutDir)
}

// ContainerName returns the deterministic container name for an agent.
func (b *SpecBuilder) ContainerName(agentName string) string {
	return "trinity-agent-" + agentName
}

// SystemOverlayPath returns the host path of a platform-managed policy
// directory mounted into worker agents.
func (b *SpecBuilder) SystemOverlayPath(sub string) string {
	return filepath.Join(b.cfg.VolumeBasePath, "system", sub)
}

// Build produces the container spec for an agent. The workspace is mounted
// read-write at /home/developer; peer shared-out folders are mounted
// read-only under /home/developer/shared-in/<peer>.
func (b *SpecBuilder) Build(agent *v1.Agent, opts BuildOptions) Spec {
	image := b.cfg.DefaultImage
	if agent.TemplateRef != "" {
		image = agent.TemplateRef
	}

	mounts := []Mount{{
		Source: b.WorkspacePath(agent.Name),
		Target: WorkspaceDir,
	}}
	if agent.SharedFolders.Consume {
		for _, share := range opts.PeerShares {
			mounts = append(mounts, Mount{
				Source:   share.HostPath,
				Target:   filepath.Join(WorkspaceDir, "shared-in", share.AgentName),
				ReadOnly: true,
			})
		}
	}
	if agent.Worker {
		for _, sub := range policyOverlayDirs {
			mounts = append(mounts, Mount{
				Source:   b.SystemOverlayPath(sub),
				Target:   filepath.Join(WorkspaceDir, "workspace", "system", sub),
				ReadOnly: true,
			})
		}
	}

	env := []string{
		"AGENT_NAME=" + agent.Name,
		"TRINITY_API_KEY=" + opts.APIKey,
		"PORT=8080",
	}
	if agent.Model != "" {
		env = append(env, "MODEL="+agent.Model)
	}

	return Spec{
		Name:        b.ContainerName(agent.Name),
		Image:       image,
		Env:         env,
		WorkingDir:  WorkspaceDir,
		Mounts:      mounts,
		NetworkMode: b.cfg.DefaultNetwork,
		MemoryBytes: agent.Resources.MemoryBytes,
		CPUCores:    agent.Resources.CPUCores,
		Port:        opts.Port,
		Labels: map[string]string{
			LabelPlatform:  PlatformLabelValue,
			LabelAgentName: agent.Name,
			LabelTemplate:  agent.TemplateRef,
		},
	}
}

// AgentNameFromLabels extracts the owning agent from container labels, for
// boot reconciliation.
func AgentNameFromLabels(labels map[string]string) (string, error) {
	if labels[LabelPlatform] != PlatformLabelValue {
		return "", fmt.Errorf("container is not a platform agent")
	}
	name := labels[LabelAgentName]
	if name == "" {
		return "", fmt.Errorf("container is missing the %s label", LabelAgentName)
	}
	return name, nil
}
