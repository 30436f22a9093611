package change

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskmcp/taskmcp/internal/correlate"
	"github.com/taskmcp/taskmcp/internal/mcp"
	"github.com/taskmcp/taskmcp/internal/sandbox"
)

// ResourceProvider serves change://<slug> as a bundle of that change's
// proposal.md, tasks.md, and (once archived) receipt.json.
type ResourceProvider struct {
	sandbox *sandbox.Sandbox
}

// NewResourceProvider builds the change:// resource provider.
func NewResourceProvider(sb *sandbox.Sandbox) *ResourceProvider {
	return &ResourceProvider{sandbox: sb}
}

func (p *ResourceProvider) Scheme() string { return "change" }

func (p *ResourceProvider) Template() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{
		URI:         "change://{slug}",
		Name:        "change",
		Description: "A change's proposal, tasks, and archive receipt (if archived)",
		MimeType:    "text/markdown",
	}
}

func (p *ResourceProvider) Read(uri string) (*mcp.ResourcesReadResult, error) {
	slugRaw := strings.TrimPrefix(uri, "change://")
	slug, err := sandbox.ValidateSlug(slugRaw)
	if err != nil {
		return nil, err
	}

	changeDir, err := p.sandbox.Resolve(p.sandbox.ChangeDir(slug))
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(changeDir); err != nil {
		return nil, correlate.New(correlate.CodeBadShapeProposal, fmt.Sprintf("no such change: %s", slug))
	}

	var contents []mcp.ResourceContent
	for _, name := range []string{"proposal.md", "tasks.md", "receipt.json"} {
		data, err := os.ReadFile(filepath.Join(changeDir, name))
		if err != nil {
			continue
		}
		mime := "text/markdown"
		if strings.HasSuffix(name, ".json") {
			mime = "application/json"
		}
		contents = append(contents, mcp.ResourceContent{
			URI:      uri + "/" + name,
			MimeType: mime,
			Text:     string(data),
		})
	}

	return &mcp.ResourcesReadResult{Contents: contents}, nil
}
