package change

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmcp/taskmcp/internal/mcp"
	"github.com/taskmcp/taskmcp/internal/pagination"
	"github.com/taskmcp/taskmcp/internal/sandbox"
)

type listParams struct {
	Page          int    `json:"page,omitempty"`
	PageSize      int    `json:"pageSize,omitempty"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// ListTool implements change.list: paginated discovery of open changes.
// It is a supplement to the two required domain operations — a read
// surface clients need to find a slug before opening or archiving it.
type ListTool struct {
	sandbox *sandbox.Sandbox
}

// NewListTool builds the change.list tool.
func NewListTool(sb *sandbox.Sandbox) *ListTool {
	return &ListTool{sandbox: sb}
}

func (t *ListTool) Name() string { return "change.list" }

func (t *ListTool) Description() string {
	return "List non-archived changes, ordered by most recently modified, with cursor-based pagination."
}

func (t *ListTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "page": {"type": "integer", "description": "1-based page number (ignored if nextPageToken is set)"},
    "pageSize": {"type": "integer", "description": "Items per page, 1-100 (default 50)"},
    "nextPageToken": {"type": "string", "description": "Opaque cursor from a previous response"}
  }
}`)
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
	}

	items, err := pagination.Scan(t.sandbox.OpenspecRoot(), time.Now())
	if err != nil {
		return nil, bindErr(ctx, err)
	}

	resp := pagination.List(items, pagination.Request{
		Page:          p.Page,
		PageSize:      p.PageSize,
		NextPageToken: p.NextPageToken,
	})

	return mcp.JSONResult(resp)
}
