package injection

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// defaultInstructions is used when a template carries no instruction body.
const defaultInstructions = `# Agent

You are a general-purpose agent. Follow instructions from chat messages and
scheduled jobs. Keep your workspace organized.
`

// FileTemplateResolver resolves template instruction bodies from a directory
// tree: <root>/<template>/INSTRUCTIONS.md. Image references containing a
// registry path are flattened to their final path element.
type FileTemplateResolver struct {
	root string
}

// NewFileTemplateResolver creates a resolver rooted at dir.
func NewFileTemplateResolver(dir string) *FileTemplateResolver {
	return &FileTemplateResolver{root: dir}
}

// Instructions loads the instruction body for a template. An empty or
// unknown template falls back to the default body; a template directory that
// exists but is unreadable is an error.
func (r *FileTemplateResolver) Instructions(_ context.Context, templateRef string) (string, error) {
	if templateRef == "" {
		return defaultInstructions, nil
	}

	name := templateRef
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}

	path := filepath.Join(r.root, name, "INSTRUCTIONS.md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultInstructions, nil
	}
	if err != nil {
		return "", v1.WrapError(v1.KindTemplateResolveFailed, err, "failed to read template %s", templateRef)
	}
	return string(data), nil
}
