package change

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmcp/taskmcp/internal/archive"
	"github.com/taskmcp/taskmcp/internal/mcp"
)

type archiveParams struct {
	Slug string `json:"slug"`
}

// ArchiveTool implements change.archive: validating and sealing a change.
type ArchiveTool struct {
	engine *archive.Engine
}

// NewArchiveTool builds the change.archive tool.
func NewArchiveTool(engine *archive.Engine) *ArchiveTool {
	return &ArchiveTool{engine: engine}
}

func (t *ArchiveTool) Name() string { return "change.archive" }

func (t *ArchiveTool) Description() string {
	return "Archive a change: validates its shape, computes a deterministic receipt (commits, files touched, test counts), and writes receipt.json."
}

func (t *ArchiveTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "slug": {"type": "string", "description": "The change to archive"}
  },
  "required": ["slug"]
}`)
}

func (t *ArchiveTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p archiveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	receipt, err := t.engine.Archive(ctx, p.Slug)
	if err != nil {
		return nil, bindErr(ctx, err)
	}

	return mcp.JSONResult(receipt)
}
