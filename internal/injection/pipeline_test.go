package injection

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/db"
	"github.com/webmixgamer/trinity/internal/settings"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// fakePaths roots every agent under a temp directory.
type fakePaths struct {
	root string
}

func (p fakePaths) AgentDir(agentName string) string {
	return filepath.Join(p.root, agentName)
}

func (p fakePaths) WorkspacePath(agentName string) string {
	return filepath.Join(p.AgentDir(agentName), "workspace")
}

func (p fakePaths) SharedOutPath(agentName string) string {
	return filepath.Join(p.WorkspacePath(agentName), "shared")
}

type fakeTemplates struct {
	body string
}

func (f fakeTemplates) Instructions(context.Context, string) (string, error) {
	return f.body, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	paths    fakePaths
	settings *settings.Store
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	pool := db.NewPool(writer, reader)
	t.Cleanup(func() { pool.Close() })

	settingsStore, err := settings.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	paths := fakePaths{root: t.TempDir()}
	pipeline := NewPipeline(paths, fakeTemplates{body: "# Researcher\n\nInvestigate things.\n"}, settingsStore, logger.Default())
	return &pipelineFixture{pipeline: pipeline, paths: paths, settings: settingsStore}
}

func testAgent(name string) *v1.Agent {
	return &v1.Agent{Name: name, Runtime: v1.RuntimeClaude}
}

func TestPipeline_PrepareLaysOutWorkspace(t *testing.T) {
	f := newPipelineFixture(t)

	if err := f.pipeline.Prepare(context.Background(), testAgent("worker")); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	ws := f.paths.WorkspacePath("worker")
	dirs := []string{
		".trinity",
		"shared",
		"jobs",
		filepath.Join("plans", "active"),
		filepath.Join("plans", "archive"),
		"content",
	}
	for _, dir := range dirs {
		info, err := os.Stat(filepath.Join(ws, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", dir, err)
		}
	}
	for _, file := range []string{"CLAUDE.md", ".gitignore", ".env", filepath.Join(".trinity", "instructions.md")} {
		if _, err := os.Stat(filepath.Join(ws, file)); err != nil {
			t.Errorf("expected file %s: %v", file, err)
		}
	}

	instructions, _ := os.ReadFile(filepath.Join(ws, "CLAUDE.md"))
	if !strings.Contains(string(instructions), "# Researcher") {
		t.Errorf("expected template body in instruction file, got %q", instructions)
	}

	ignore, _ := os.ReadFile(filepath.Join(ws, ".gitignore"))
	if !strings.Contains(string(ignore), "content/\n") {
		t.Errorf("expected content/ ignored, got %q", ignore)
	}
}

func TestPipeline_PrepareIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	agent := testAgent("worker")

	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("first prepare failed: %v", err)
	}
	first, _ := os.ReadFile(filepath.Join(f.paths.WorkspacePath("worker"), "CLAUDE.md"))

	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("second prepare failed: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(f.paths.WorkspacePath("worker"), "CLAUDE.md"))
	if string(first) != string(second) {
		t.Error("repeated preparation must yield the same instruction file")
	}
}

func TestPipeline_CustomInstructionsBlock(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	agent := testAgent("worker")
	instructionPath := filepath.Join(f.paths.WorkspacePath("worker"), "CLAUDE.md")

	f.settings.Set(ctx, v1.SettingTrinityPrompt, "Always answer in haiku.")
	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	content, _ := os.ReadFile(instructionPath)
	if !strings.Contains(string(content), "## Custom Instructions") ||
		!strings.Contains(string(content), "Always answer in haiku.") {
		t.Errorf("expected custom block, got %q", content)
	}

	// Clearing the prompt removes the block on the next run.
	f.settings.Set(ctx, v1.SettingTrinityPrompt, "")
	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	content, _ = os.ReadFile(instructionPath)
	if strings.Contains(string(content), "## Custom Instructions") {
		t.Errorf("expected custom block removed, got %q", content)
	}
}

func TestPipeline_GitignorePreserved(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	agent := testAgent("worker")

	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	path := filepath.Join(f.paths.WorkspacePath("worker"), ".gitignore")
	if err := os.WriteFile(path, []byte("node_modules/\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// A user-edited gitignore is never overwritten.
	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("second prepare failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "node_modules/\n" {
		t.Errorf("expected user gitignore preserved, got %q", content)
	}
}

func TestPipeline_CredentialInterpolation(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	agent := testAgent("worker")

	credDir := f.paths.AgentDir("worker")
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	creds := "API_HOST=api.example.com\n" +
		"API_URL=https://${API_HOST}/v2\n" +
		"# a comment\n" +
		"UNRESOLVED=${MISSING_REF}\n"
	if err := os.WriteFile(filepath.Join(credDir, "credentials.env"), []byte(creds), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := f.pipeline.Prepare(ctx, agent); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(f.paths.WorkspacePath("worker"), ".env"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	env := string(content)
	if !strings.Contains(env, "API_URL=https://api.example.com/v2\n") {
		t.Errorf("expected interpolated reference, got %q", env)
	}
	// Unknown references pass through untouched.
	if !strings.Contains(env, "UNRESOLVED=${MISSING_REF}\n") {
		t.Errorf("expected unresolved reference preserved, got %q", env)
	}
	if strings.Contains(env, "# a comment") {
		t.Errorf("comments must not leak into .env, got %q", env)
	}
}

func TestPipeline_NoCredentialFile(t *testing.T) {
	f := newPipelineFixture(t)

	if err := f.pipeline.Prepare(context.Background(), testAgent("worker")); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(f.paths.WorkspacePath("worker"), ".env"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.HasPrefix(string(content), "# managed by trinity") {
		t.Errorf("expected managed header, got %q", content)
	}
}
