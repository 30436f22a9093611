// Package change wires the filesystem collaborators (sandbox, lock,
// changestore, archive, pagination, templater) into the two tools Task MCP
// exposes: change.open and change.archive, plus change.list and the
// change:// resource surface.
package change

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmcp/taskmcp/internal/correlate"
	"github.com/taskmcp/taskmcp/internal/lock"
	"github.com/taskmcp/taskmcp/internal/mcp"
	"github.com/taskmcp/taskmcp/internal/sandbox"
	"github.com/taskmcp/taskmcp/internal/templater"
)

// DefaultOpenTTLSeconds is the lock TTL applied when a caller supplies an
// owner but no ttl.
const DefaultOpenTTLSeconds = 60

type openParams struct {
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Template  string `json:"template,omitempty"` // "quick", "proposal-only", "full"
	Rationale string `json:"rationale,omitempty"`
	Owner     string `json:"owner,omitempty"` // if set, open also acquires the per-slug lock
	TTL       int    `json:"ttl,omitempty"`   // seconds; defaults to DefaultOpenTTLSeconds when owner is set
}

// OpenTool implements change.open: scaffolding a new change directory.
type OpenTool struct {
	sandbox *sandbox.Sandbox
	creator templater.Creator
	owner   string
}

// NewOpenTool builds the change.open tool.
func NewOpenTool(sb *sandbox.Sandbox, creator templater.Creator, owner string) *OpenTool {
	return &OpenTool{sandbox: sb, creator: creator, owner: owner}
}

func (t *OpenTool) Name() string { return "change.open" }

func (t *OpenTool) Description() string {
	return "Open a new change: scaffolds proposal.md, tasks.md, and (for template=full) specs/ and delta/ under openspec/changes/<slug>."
}

func (t *OpenTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "slug": {"type": "string", "description": "kebab-case change identifier, 3-64 chars"},
    "title": {"type": "string", "description": "Human-readable title, becomes the proposal.md heading"},
    "template": {"type": "string", "enum": ["quick", "proposal-only", "full"], "description": "Layout to scaffold (default: quick)"},
    "rationale": {"type": "string", "description": "Why this change, written into proposal.md"},
    "owner": {"type": "string", "description": "If set, open also acquires the per-slug lock under this owner identifier"},
    "ttl": {"type": "integer", "description": "Lock TTL in seconds (default: 60); only meaningful when owner is set"}
  },
  "required": ["slug", "title"]
}`)
}

func (t *OpenTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p openParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, correlate.New(correlate.CodeBadSlug, fmt.Sprintf("invalid parameters: %v", err)).Bind(ctx)
	}
	if p.Title == "" {
		return nil, correlate.New(correlate.CodeBadShapeEmpty, "title is required").Bind(ctx)
	}
	if p.Template == "" {
		p.Template = "quick"
	}

	slug, err := sandbox.ValidateSlug(p.Slug)
	if err != nil {
		return nil, bindErr(ctx, err)
	}

	changeDir, err := t.sandbox.Resolve(t.sandbox.ChangeDir(slug))
	if err != nil {
		return nil, bindErr(ctx, err)
	}

	req := templater.Request{
		Template:  p.Template,
		Title:     p.Title,
		Slug:      slug,
		Rationale: p.Rationale,
		Owner:     t.owner,
	}
	if err := t.creator.CreateChange(changeDir, req); err != nil {
		return nil, bindErr(ctx, err)
	}

	locked := false
	if p.Owner != "" {
		ttl := p.TTL
		if ttl <= 0 {
			ttl = DefaultOpenTTLSeconds
		}
		if _, err := lock.Acquire(changeDir, p.Owner, ttl, time.Now()); err != nil {
			return nil, bindErr(ctx, err)
		}
		locked = true
	}

	return mcp.JSONResult(map[string]any{
		"slug":     slug,
		"uri":      "change://" + slug,
		"template": p.Template,
		"locked":   locked,
	})
}

func bindErr(ctx context.Context, err error) error {
	if ce, ok := err.(*correlate.Error); ok {
		return ce.Bind(ctx)
	}
	return err
}
