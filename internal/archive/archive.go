// Package archive implements the archive engine: validating a change's
// shape, computing a deterministic receipt, and writing it atomically.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskmcp/taskmcp/internal/changestore"
	"github.com/taskmcp/taskmcp/internal/correlate"
	"github.com/taskmcp/taskmcp/internal/lock"
	"github.com/taskmcp/taskmcp/internal/sandbox"
	"github.com/taskmcp/taskmcp/internal/testrunner"
	"github.com/taskmcp/taskmcp/internal/vcs"
)

// Versions is the static version information baked into every receipt's
// toolVersions.
type Versions struct {
	TaskMcp string // from TASK_MCP_VERSION env var, else "dev"
	CLI     string // recorded as "cli"; taskmcp serve fills it with its build-time commit string and runs no external --version probe
}

const changeArchiveVersion = "1.0.0"

// Engine archives changes within a single sandboxed repository.
type Engine struct {
	Sandbox    *sandbox.Sandbox
	VCS        vcs.Prober
	TestRunner testrunner.Runner
	Versions   Versions
	Owner      string // this process's lock owner identity, e.g. "pid-1234@host"
}

// Archive validates, computes, and persists the receipt for slug,
// returning the resulting (or pre-existing) Receipt.
func (e *Engine) Archive(ctx context.Context, slug string) (*Receipt, error) {
	if _, err := sandbox.ValidateSlug(slug); err != nil {
		return nil, err
	}

	changeDir, err := e.Sandbox.Resolve(e.Sandbox.ChangeDir(slug))
	if err != nil {
		return nil, err
	}

	// Step 1: already archived is a no-op success.
	if existing, ok := readExistingReceipt(changeDir); ok {
		return existing, nil
	}

	// Step 2: acquire the lock, tolerating a collision with our own owner.
	h, err := e.acquireOrAdopt(changeDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release(h)

	// Step 3: validate shape; on any error, release (deferred) and report
	// every problem found. Shape failures are always fatal — there is no
	// bypass, since a receipt computed over a malformed change directory
	// would misrepresent what was actually archived.
	result := changestore.Validate(changeDir, changestore.Options{})
	if !result.OK {
		return nil, compositeShapeError(result)
	}

	// Step 4: compute the receipt from deterministic, non-fatal-on-error sources.
	receipt, err := e.computeReceipt(ctx, slug, changeDir)
	if err != nil {
		return nil, err
	}

	// Step 5: canonical JSON, atomic write.
	if err := writeReceiptAtomic(changeDir, receipt); err != nil {
		return nil, err
	}

	return receipt, nil
}

func (e *Engine) acquireOrAdopt(changeDir string) (*lock.Handle, error) {
	now := time.Now()
	h, err := lock.Acquire(changeDir, e.Owner, 60, now)
	if err == nil {
		return h, nil
	}

	ce, ok := err.(*correlate.Error)
	if !ok || ce.Code != correlate.CodeLocked {
		return nil, err
	}

	// "Proceed past ELOCKED only if the existing owner equals this one."
	// We don't hold a second handle in that case — the original acquirer
	// owns release/TTL lapse — so lock.Release(nil) below is a no-op.
	if holder, _ := ce.Context["holder"].(string); holder == e.Owner {
		return nil, nil
	}
	return nil, err
}

func readExistingReceipt(changeDir string) (*Receipt, bool) {
	data, err := os.ReadFile(filepath.Join(changeDir, "receipt.json"))
	if err != nil {
		return nil, false
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func compositeShapeError(result changestore.Result) error {
	var msgs []string
	ctxList := make([]map[string]any, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", e.Code, e.Path, e.Hint))
		ctxList = append(ctxList, map[string]any{"code": e.Code, "path": e.Path, "hint": e.Hint})
	}
	code := correlate.CodeBadShapeProposal
	if len(result.Errors) > 0 {
		code = result.Errors[0].Code
	}
	return correlate.New(code, "change failed structure validation: "+strings.Join(msgs, "; ")).
		WithContext("errors", ctxList)
}

func (e *Engine) computeReceipt(ctx context.Context, slug, changeDir string) (*Receipt, error) {
	relChangeDir := filepath.ToSlash(filepath.Join("openspec", "changes", slug))

	commits := e.probeCommits(ctx, relChangeDir)

	filesTouched := e.collectFilesTouched(changeDir, relChangeDir)

	tests := e.TestRunner.Run(ctx)

	receipt := &Receipt{
		Slug:         slug,
		Commits:      commits,
		GitRange:     gitRangeOf(commits),
		FilesTouched: filesTouched,
		Tests:        TestCounts(tests),
		ArchivedAt:   time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Actor: Actor{
			Type:  "process",
			Name:  e.Owner,
			Model: "task-mcp-server",
		},
		ToolVersions: ToolVersions{
			TaskMcp:       e.Versions.TaskMcp,
			ChangeArchive: changeArchiveVersion,
			CLI:           e.Versions.CLI,
		},
	}

	return receipt, nil
}

func (e *Engine) probeCommits(ctx context.Context, relChangeDir string) []string {
	if e.VCS == nil {
		return []string{}
	}
	repoRoot := filepath.Dir(e.Sandbox.OpenspecRoot()) // the repository root containing openspec/; VCS errors are non-fatal
	commits, err := e.VCS.CommitsTouching(ctx, repoRoot, relChangeDir)
	if err != nil || commits == nil {
		return []string{}
	}
	return commits
}

// collectFilesTouched walks changeDir and returns every regular file as a
// repo-relative POSIX path under openspec/, deduplicated and sorted.
// receipt.json itself is excluded since it doesn't exist until after this
// is computed.
func (e *Engine) collectFilesTouched(changeDir, relChangeDir string) []string {
	var paths []string
	_ = filepath.Walk(changeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(changeDir, path)
		if err != nil {
			return nil
		}
		if rel == ".lock" || rel == "receipt.json" {
			return nil
		}
		paths = append(paths, filepath.ToSlash(filepath.Join(relChangeDir, rel)))
		return nil
	})
	return dedupeSorted(paths)
}

func writeReceiptAtomic(changeDir string, r *Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return correlate.New(correlate.CodeInternal, fmt.Sprintf("marshaling receipt: %v", err))
	}
	body = append(body, '\n')

	final := filepath.Join(changeDir, "receipt.json")
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return correlate.New(correlate.CodeIO, fmt.Sprintf("creating receipt temp file: %v", err))
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return correlate.New(correlate.CodeIO, fmt.Sprintf("writing receipt temp file: %v", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return correlate.New(correlate.CodeIO, fmt.Sprintf("fsyncing receipt temp file: %v", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return correlate.New(correlate.CodeIO, fmt.Sprintf("closing receipt temp file: %v", err))
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return correlate.New(correlate.CodeIO, fmt.Sprintf("renaming receipt into place: %v", err))
	}
	return nil
}
