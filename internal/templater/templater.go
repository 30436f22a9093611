// Package templater materialises on-disk layouts for a new change. Task
// MCP only depends on its interface — the three concrete layouts (quick,
// proposal-only, full proposal/specs/delta) are a thin default
// implementation, not a core concern.
package templater

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

// Request describes a change to scaffold.
type Request struct {
	Template  string // "quick", "proposal-only", or "full"
	Title     string
	Slug      string
	Rationale string
	Owner     string
}

// Creator materialises a new change directory. ETEMPLATE wraps any failure.
type Creator interface {
	CreateChange(changeDir string, req Request) error
}

// DefaultCreator writes the supported layouts directly, using only
// proposal.md/tasks.md/specs content — no external process, no Markdown
// rendering or prose parsing of proposal bodies. "quick" and
// "proposal-only" produce the same proposal.md + tasks.md pair; "full"
// adds empty specs/ and delta/ directories.
type DefaultCreator struct{}

func (DefaultCreator) CreateChange(changeDir string, req Request) error {
	if err := os.MkdirAll(changeDir, 0o755); err != nil {
		return correlate.New(correlate.CodeTemplate, fmt.Sprintf("creating change directory: %v", err))
	}

	proposal := fmt.Sprintf("# %s\n\n%s\n", req.Title, req.Rationale)
	if err := os.WriteFile(filepath.Join(changeDir, "proposal.md"), []byte(proposal), 0o644); err != nil {
		return correlate.New(correlate.CodeTemplate, fmt.Sprintf("writing proposal.md: %v", err))
	}

	tasks := "- [ ] Define scope\n- [ ] Implement\n- [ ] Verify\n"
	if err := os.WriteFile(filepath.Join(changeDir, "tasks.md"), []byte(tasks), 0o644); err != nil {
		return correlate.New(correlate.CodeTemplate, fmt.Sprintf("writing tasks.md: %v", err))
	}

	if req.Template == "full" {
		specsDir := filepath.Join(changeDir, "specs")
		if err := os.MkdirAll(specsDir, 0o755); err != nil {
			return correlate.New(correlate.CodeTemplate, fmt.Sprintf("creating specs/: %v", err))
		}
		deltaDir := filepath.Join(changeDir, "delta")
		if err := os.MkdirAll(deltaDir, 0o755); err != nil {
			return correlate.New(correlate.CodeTemplate, fmt.Sprintf("creating delta/: %v", err))
		}
	}

	now := time.Now().UTC()
	if err := os.Chtimes(changeDir, now, now); err != nil {
		return correlate.New(correlate.CodeTemplate, fmt.Sprintf("stamping change directory mtime: %v", err))
	}
	return nil
}
