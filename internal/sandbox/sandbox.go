// Package sandbox canonicalises paths into the `<root>/openspec/` tree and
// validates change slugs. It is the safety kernel every other package in
// Task MCP calls through before touching the filesystem.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

// maxSymlinkDepth bounds symlink-chain resolution so a cycle cannot hang
// the resolver.
const maxSymlinkDepth = 40

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// Sandbox canonicalises a single repository's `openspec/` tree.
type Sandbox struct {
	// root is the canonicalised absolute path to the repository root.
	root string
	// prefix is root/openspec with a trailing separator, the byte-exact
	// prefix every resolved path must start with.
	prefix string
}

// New creates a Sandbox rooted at workingDirectory. workingDirectory itself
// is canonicalised (symlinks resolved) once, at startup.
func New(workingDirectory string) (*Sandbox, error) {
	abs, err := filepath.Abs(workingDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving working directory symlinks: %w", err)
	}
	prefix := filepath.Join(real, "openspec") + string(filepath.Separator)
	return &Sandbox{root: real, prefix: prefix}, nil
}

// OpenspecRoot returns the canonical `<root>/openspec` directory.
func (s *Sandbox) OpenspecRoot() string {
	return strings.TrimSuffix(s.prefix, string(filepath.Separator))
}

// ChangeDir returns the (unresolved) path a change directory for slug would
// live at. It does not check the slug or resolve symlinks; callers that
// need the sandbox boundary enforced should call Resolve on the result.
func (s *Sandbox) ChangeDir(slug string) string {
	return filepath.Join(s.OpenspecRoot(), "changes", slug)
}

// Resolve canonicalises userPath (which must already be an absolute path
// produced by this sandbox, e.g. from ChangeDir) and guarantees the result
// is a descendant of <root>/openspec/. It resolves every symlink along the
// full chain, including ancestor directories, before the prefix check. If
// the final component doesn't exist yet (a creation path), it resolves the
// parent instead and re-joins the final (unresolved) name, still requiring
// the result to lie within the prefix.
func (s *Sandbox) Resolve(userPath string) (string, error) {
	abs, err := filepath.Abs(userPath)
	if err != nil {
		return "", correlate.New(correlate.CodePathTraversal, "cannot resolve absolute path").WithContext("path", userPath)
	}

	real, err := s.resolveSymlinks(abs, 0)
	if err != nil {
		if errors.Is(err, errCycle) {
			return "", correlate.New(correlate.CodeSymlinkCycle, "symlink chain exceeds maximum depth").WithContext("path", userPath)
		}
		return "", err
	}

	if !s.withinPrefix(real) {
		return "", correlate.New(correlate.CodePathTraversal, "path escapes the openspec sandbox").WithContext("path", userPath).WithContext("resolved", real)
	}

	return real, nil
}

var errCycle = errors.New("symlink cycle")

// resolveSymlinks walks path component by component, expanding any
// symlink encountered (including ancestor directories) up to
// maxSymlinkDepth total expansions. If the final component does not
// exist, its parent is fully resolved and the final (unresolved) name is
// re-appended, so a not-yet-created path can still be validated.
func (s *Sandbox) resolveSymlinks(path string, depth int) (string, error) {
	if depth > maxSymlinkDepth {
		return "", errCycle
	}

	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			parent, base := filepath.Split(path)
			parent = strings.TrimSuffix(parent, string(filepath.Separator))
			if parent == "" || parent == path {
				return path, nil
			}
			realParent, err := s.resolveSymlinks(parent, depth+1)
			if err != nil {
				return "", err
			}
			return filepath.Join(realParent, base), nil
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		if strings.Contains(err.Error(), "too many links") {
			return "", errCycle
		}
		return "", fmt.Errorf("resolving symlinks for %s: %w", path, err)
	}
	return real, nil
}

func (s *Sandbox) withinPrefix(real string) bool {
	if real == strings.TrimSuffix(s.prefix, string(filepath.Separator)) {
		return true
	}
	return strings.HasPrefix(real+string(filepath.Separator), s.prefix) || strings.HasPrefix(real, s.prefix)
}

// ValidateSlug checks s against the required slug grammar:
// ^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$ (3-64 chars).
func ValidateSlug(s string) (string, error) {
	if !slugPattern.MatchString(s) {
		return "", correlate.New(correlate.CodeBadSlug, fmt.Sprintf("slug %q does not match the required grammar", s)).
			WithHint("slugs are 3-64 lowercase alphanumerics with internal hyphens, e.g. 'add-user-permissions'")
	}
	return s, nil
}
