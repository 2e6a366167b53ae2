package agentcli

import "fmt"

// Profile describes one runtime CLI: which binary to exec, the instruction
// file it reads from the workspace root, and the context window used to
// compute context-fill percentages when the result carries no window size.
type Profile struct {
	Binary          string
	InstructionFile string
	ContextWindow   int64
}

var profiles = map[string]Profile{
	"claude": {
		Binary:          "claude",
		InstructionFile: "CLAUDE.md",
		ContextWindow:   200_000,
	},
	"gemini": {
		Binary:          "gemini",
		InstructionFile: "GEMINI.md",
		ContextWindow:   1_000_000,
	},
}

// ProfileFor resolves the profile for a runtime kind.
func ProfileFor(runtime string) (Profile, error) {
	p, ok := profiles[runtime]
	if !ok {
		return Profile{}, fmt.Errorf("unknown runtime %q", runtime)
	}
	return p, nil
}

// Request describes one CLI invocation.
type Request struct {
	Prompt string

	// SessionID resumes an existing conversation when set.
	SessionID string

	// AppendSystemPrompt is appended to the runtime's system prompt,
	// used for job instructions on mediated calls.
	AppendSystemPrompt string

	// AllowedTools restricts the tool surface when non-empty.
	AllowedTools []string

	// Model overrides the runtime's default model.
	Model string
}

// Args builds the argv for a request, excluding the binary itself.
func (p Profile) Args(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.AppendSystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		allowed := req.AllowedTools[0]
		for _, tool := range req.AllowedTools[1:] {
			allowed += "," + tool
		}
		args = append(args, "--allowedTools", allowed)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

// Command builds the full command line for a request.
func (p Profile) Command(req Request) []string {
	return append([]string{p.Binary}, p.Args(req)...)
}
