// Package injection prepares an agent's workspace before its container
// starts: platform instructions, the runtime instruction file, credentials,
// and the default directory layout. Every step is idempotent; running the
// pipeline twice yields the same workspace.
package injection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/settings"
	"github.com/webmixgamer/trinity/pkg/agentcli"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// customInstructionsHeader delimits the block appended from the platform
// prompt setting. The block is replaced or removed on every run.
const customInstructionsHeader = "## Custom Instructions"

// platformInstructions is written to .trinity/instructions.md in every
// workspace so agents know how to reach the platform surface.
const platformInstructions = `# Platform

You are an agent managed by the Trinity orchestration platform.

- Your workspace is /home/developer. Files outside it do not persist.
- Peer agents you may call are listed by the list_agents tool.
- Use chat_with_agent for conversational turns and run_agent_task for
  parallel work.
- Folders shared to you by peers are mounted read-only under ./shared-in.
- Publish files for peers in ./shared.
- Job requests appear under ./jobs/<id>/request; write results to
  ./jobs/<id>/output.
`

// Paths resolves host filesystem locations for an agent. Implemented by the
// container spec builder.
type Paths interface {
	AgentDir(agentName string) string
	WorkspacePath(agentName string) string
	SharedOutPath(agentName string) string
}

// TemplateResolver loads the instruction body for a template reference.
type TemplateResolver interface {
	Instructions(ctx context.Context, templateRef string) (string, error)
}

// Pipeline materializes workspace content.
type Pipeline struct {
	paths     Paths
	templates TemplateResolver
	settings  *settings.Store
	logger    *logger.Logger
}

// NewPipeline creates the injection pipeline.
func NewPipeline(paths Paths, templates TemplateResolver, store *settings.Store, log *logger.Logger) *Pipeline {
	return &Pipeline{paths: paths, templates: templates, settings: store, logger: log}
}

// Prepare runs every injection step for an agent. Called by the lifecycle
// manager on each start and reinitialize.
func (p *Pipeline) Prepare(ctx context.Context, agent *v1.Agent) error {
	if err := p.ensureLayout(agent); err != nil {
		return err
	}
	if err := p.writePlatformInstructions(agent); err != nil {
		return err
	}
	if err := p.writeInstructionFile(ctx, agent); err != nil {
		return err
	}
	if err := p.WriteCredentials(ctx, agent); err != nil {
		return err
	}
	if err := p.writeGitignore(agent); err != nil {
		return err
	}
	p.logger.Debug("workspace prepared", zap.String("agent", agent.Name))
	return nil
}

// ensureLayout creates the default workspace directories.
func (p *Pipeline) ensureLayout(agent *v1.Agent) error {
	ws := p.paths.WorkspacePath(agent.Name)
	dirs := []string{
		ws,
		filepath.Join(ws, ".trinity"),
		filepath.Join(ws, "shared"),
		filepath.Join(ws, "jobs"),
		filepath.Join(ws, "plans", "active"),
		filepath.Join(ws, "plans", "archive"),
		filepath.Join(ws, "content"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return v1.WrapError(v1.KindInjectionFailed, err, "failed to create %s", dir)
		}
	}
	return nil
}

func (p *Pipeline) writePlatformInstructions(agent *v1.Agent) error {
	path := filepath.Join(p.paths.WorkspacePath(agent.Name), ".trinity", "instructions.md")
	if err := os.WriteFile(path, []byte(platformInstructions), 0o644); err != nil {
		return v1.WrapError(v1.KindInjectionFailed, err, "failed to write platform instructions")
	}
	return nil
}

// writeInstructionFile assembles the runtime instruction file: the template
// body, then the platform prompt under the custom-instructions header. When
// the prompt setting is empty the block is absent even if a previous run
// added it.
func (p *Pipeline) writeInstructionFile(ctx context.Context, agent *v1.Agent) error {
	profile, err := agentcli.ProfileFor(string(agent.Runtime))
	if err != nil {
		return v1.WrapError(v1.KindInjectionFailed, err, "unknown runtime for %s", agent.Name)
	}

	body, err := p.templates.Instructions(ctx, agent.TemplateRef)
	if err != nil {
		return err
	}

	prompt, err := p.settings.TrinityPrompt(ctx)
	if err != nil {
		return err
	}

	content := strings.TrimRight(body, "\n")
	if prompt != "" {
		content += "\n\n" + customInstructionsHeader + "\n\n" + strings.TrimSpace(prompt)
	}
	content += "\n"

	path := filepath.Join(p.paths.WorkspacePath(agent.Name), profile.InstructionFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return v1.WrapError(v1.KindInjectionFailed, err, "failed to write %s", profile.InstructionFile)
	}
	return nil
}

// credentialRef matches ${NAME} placeholders in credential values.
var credentialRef = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// WriteCredentials materializes the agent's credentials into workspace/.env,
// resolving ${NAME} references between entries. Exposed separately so the
// control plane can hot-reload credentials without a restart.
func (p *Pipeline) WriteCredentials(ctx context.Context, agent *v1.Agent) error {
	creds, err := p.loadCredentials(agent)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# managed by trinity; do not edit\n")
	for _, name := range names {
		value := credentialRef.ReplaceAllStringFunc(creds[name], func(ref string) string {
			inner := credentialRef.FindStringSubmatch(ref)[1]
			if resolved, ok := creds[inner]; ok {
				return resolved
			}
			return ref
		})
		fmt.Fprintf(&b, "%s=%s\n", name, value)
	}

	path := filepath.Join(p.paths.WorkspacePath(agent.Name), ".env")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return v1.WrapError(v1.KindInjectionFailed, err, "failed to write credentials for %s", agent.Name)
	}
	return nil
}

// loadCredentials reads NAME=value lines from the agent's credential file.
// A missing file means no credentials.
func (p *Pipeline) loadCredentials(agent *v1.Agent) (map[string]string, error) {
	path := filepath.Join(p.paths.AgentDir(agent.Name), "credentials.env")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, v1.WrapError(v1.KindInjectionFailed, err, "failed to read credentials for %s", agent.Name)
	}

	creds := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		creds[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return creds, nil
}

func (p *Pipeline) writeGitignore(agent *v1.Agent) error {
	path := filepath.Join(p.paths.WorkspacePath(agent.Name), ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := ".env\n.trinity/\njobs/\ncontent/\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return v1.WrapError(v1.KindInjectionFailed, err, "failed to write gitignore for %s", agent.Name)
	}
	return nil
}
