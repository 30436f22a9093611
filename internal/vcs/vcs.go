// Package vcs shells out to the system VCS to return short commit hashes
// for a path predicate. Any error here is non-fatal to the caller.
package vcs

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ProbeTimeout bounds VCS subprocess calls.
const ProbeTimeout = 10 * time.Second

// killGrace is how long a cancelled git subprocess gets to exit after
// SIGTERM before Cmd escalates to SIGKILL.
const killGrace = 5 * time.Second

// Prober looks up commits touching a path. The default implementation
// shells out to git; tests substitute a fake.
type Prober interface {
	CommitsTouching(ctx context.Context, repoRoot, relPath string) ([]string, error)
}

// GitProber invokes the system git binary.
type GitProber struct{}

// CommitsTouching returns short commit hashes, oldest first, for commits
// that touched relPath under repoRoot. It returns a nil slice and no error
// when the path has no history, and the git error when git is unavailable
// or fails; callers treat both as "no commits".
func (GitProber) CommitsTouching(ctx context.Context, repoRoot, relPath string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "log", "--reverse", "--format=%h", "--", relPath)
	cmd.Dir = repoRoot
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	var hashes []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		h := strings.TrimSpace(scanner.Text())
		if h != "" {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}
