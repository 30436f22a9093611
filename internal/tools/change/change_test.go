package change

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/internal/archive"
	"github.com/taskmcp/taskmcp/internal/correlate"
	"github.com/taskmcp/taskmcp/internal/sandbox"
	"github.com/taskmcp/taskmcp/internal/templater"
	"github.com/taskmcp/taskmcp/internal/testrunner"
	"github.com/taskmcp/taskmcp/internal/vcs"
)

type noVCS struct{}

func (noVCS) CommitsTouching(ctx context.Context, repoRoot, relPath string) ([]string, error) {
	return nil, nil
}

func newSandbox(t *testing.T) (*sandbox.Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "openspec", "changes"), 0o755))
	sb, err := sandbox.New(root)
	require.NoError(t, err)
	return sb, root
}

func TestOpenToolCreatesChange(t *testing.T) {
	sb, root := newSandbox(t)
	tool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")

	params, _ := json.Marshal(openParams{Slug: "add-widgets", Title: "Add widgets", Template: "full", Rationale: "because"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	dir := filepath.Join(root, "openspec", "changes", "add-widgets")
	assert.FileExists(t, filepath.Join(dir, "proposal.md"))
	assert.FileExists(t, filepath.Join(dir, "tasks.md"))
	assert.DirExists(t, filepath.Join(dir, "specs"))
	assert.DirExists(t, filepath.Join(dir, "delta"))
}

func TestOpenToolAcquiresLockWhenOwnerSupplied(t *testing.T) {
	sb, root := newSandbox(t)
	tool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")

	params, _ := json.Marshal(openParams{Slug: "add-widgets", Title: "Add widgets", Owner: "a@b", TTL: 60})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, `"locked": true`)

	lockPath := filepath.Join(root, "openspec", "changes", "add-widgets", ".lock")
	assert.FileExists(t, lockPath)
}

func TestOpenToolConcurrentOpenConflictsOnLock(t *testing.T) {
	sb, _ := newSandbox(t)
	tool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")

	first, _ := json.Marshal(openParams{Slug: "conflict", Title: "Conflict", Owner: "A", TTL: 60})
	_, err := tool.Execute(context.Background(), first)
	require.NoError(t, err)

	second, _ := json.Marshal(openParams{Slug: "conflict", Title: "Conflict", Owner: "B", TTL: 60})
	_, err = tool.Execute(context.Background(), second)
	require.Error(t, err)

	ce, ok := err.(*correlate.Error)
	require.True(t, ok)
	assert.Equal(t, correlate.CodeLocked, ce.Code)
	assert.Equal(t, "A", ce.Context["holder"])
}

func TestOpenToolRejectsBadSlug(t *testing.T) {
	sb, _ := newSandbox(t)
	tool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")

	params, _ := json.Marshal(openParams{Slug: "../etc", Title: "x"})
	_, err := tool.Execute(context.Background(), params)
	require.Error(t, err)
}

func TestArchiveToolArchivesOpenedChange(t *testing.T) {
	sb, _ := newSandbox(t)
	openTool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")
	params, _ := json.Marshal(openParams{Slug: "add-widgets", Title: "Add widgets"})
	_, err := openTool.Execute(context.Background(), params)
	require.NoError(t, err)

	engine := &archive.Engine{
		Sandbox:    sb,
		VCS:        noVCS{},
		TestRunner: testrunner.Runner{},
		Versions:   archive.Versions{TaskMcp: "dev", CLI: "unknown"},
		Owner:      "pid-1@host",
	}
	archiveTool := NewArchiveTool(engine)

	archiveParams, _ := json.Marshal(archiveParams{Slug: "add-widgets"})
	result, err := archiveTool.Execute(context.Background(), archiveParams)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestListToolListsOpenedChanges(t *testing.T) {
	sb, _ := newSandbox(t)
	openTool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")
	for _, slug := range []string{"alpha", "beta"} {
		params, _ := json.Marshal(openParams{Slug: slug, Title: slug})
		_, err := openTool.Execute(context.Background(), params)
		require.NoError(t, err)
	}

	listTool := NewListTool(sb)
	result, err := listTool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "alpha")
	assert.Contains(t, result.Content[0].Text, "beta")
}

func TestResourceProviderReadsOpenedChange(t *testing.T) {
	sb, _ := newSandbox(t)
	openTool := NewOpenTool(sb, templater.DefaultCreator{}, "pid-1@host")
	params, _ := json.Marshal(openParams{Slug: "add-widgets", Title: "Add widgets"})
	_, err := openTool.Execute(context.Background(), params)
	require.NoError(t, err)

	rp := NewResourceProvider(sb)
	result, err := rp.Read("change://add-widgets")
	require.NoError(t, err)
	require.Len(t, result.Contents, 2)
}

func TestResourceProviderRejectsMissingChange(t *testing.T) {
	sb, _ := newSandbox(t)
	rp := NewResourceProvider(sb)
	_, err := rp.Read("change://missing")
	assert.Error(t, err)
}
