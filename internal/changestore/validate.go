// Package changestore validates the on-disk shape of a change directory
// and models the Change entity. It never mutates the filesystem.
package changestore

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

// DefaultMaxFileBytes is the default per-file size cap.
const DefaultMaxFileBytes = 10 * 1024 * 1024

var taskListItem = regexp.MustCompile(`^[-*]\s+\[[ xX]\]\s`)

// denyList holds the fixed byte sequences change content must not contain.
// It is a fixed list and must not vary by configuration.
var denyList = [][]byte{
	[]byte("<script"),
	[]byte("</script"),
}

// FieldError is a single validation problem, carrying enough context for
// a caller to report every error found, not just the first.
type FieldError struct {
	Code correlate.Code `json:"code"`
	Path string         `json:"path"`
	Hint string         `json:"hint"`
}

// Result is the outcome of validating a change directory.
type Result struct {
	OK     bool         `json:"ok"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Options configures Validate.
type Options struct {
	// MaxFileBytes overrides DefaultMaxFileBytes if non-zero.
	MaxFileBytes int64
}

// Validate runs every shape and content check against changeDir (already
// resolved by the sandbox) and returns ALL errors found.
func Validate(changeDir string, opts Options) Result {
	maxBytes := opts.MaxFileBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxFileBytes
	}

	info, err := os.Stat(changeDir)
	if err != nil || !info.IsDir() {
		return Result{Errors: []FieldError{{
			Code: correlate.CodeBadShapeProposal,
			Path: changeDir,
			Hint: "change directory does not exist",
		}}}
	}

	var errs []FieldError

	proposalErr := checkNonEmptyFile(changeDir, "proposal.md", correlate.CodeBadShapeProposal, maxBytes)
	errs = append(errs, proposalErr...)

	tasksErr := checkTasksFile(changeDir, maxBytes)
	errs = append(errs, tasksErr...)

	errs = append(errs, checkDenyListAndSize(changeDir, maxBytes)...)

	if len(errs) == 0 {
		return Result{OK: true}
	}
	return Result{OK: false, Errors: errs}
}

func checkNonEmptyFile(changeDir, name string, missingCode correlate.Code, maxBytes int64) []FieldError {
	path := filepath.Join(changeDir, name)
	info, err := os.Stat(path)
	if err != nil {
		return []FieldError{{Code: missingCode, Path: name, Hint: fmt.Sprintf("%s is required", name)}}
	}
	if info.Size() == 0 {
		return []FieldError{{Code: correlate.CodeBadShapeEmpty, Path: name, Hint: fmt.Sprintf("%s must not be empty", name)}}
	}
	if info.Size() > maxBytes {
		return []FieldError{{Code: correlate.CodeBadShapeTooBig, Path: name, Hint: fmt.Sprintf("%s exceeds the %d byte cap", name, maxBytes)}}
	}
	return nil
}

func checkTasksFile(changeDir string, maxBytes int64) []FieldError {
	errs := checkNonEmptyFile(changeDir, "tasks.md", correlate.CodeBadShapeTasks, maxBytes)
	if len(errs) > 0 {
		return errs
	}

	path := filepath.Join(changeDir, "tasks.md")
	f, err := os.Open(path)
	if err != nil {
		return []FieldError{{Code: correlate.CodeIO, Path: "tasks.md", Hint: err.Error()}}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if taskListItem.MatchString(scanner.Text()) {
			return nil
		}
	}
	return []FieldError{{
		Code: correlate.CodeBadShapeNoTasks,
		Path: "tasks.md",
		Hint: "tasks.md must contain at least one '- [ ]' or '- [x]' list item",
	}}
}

// checkDenyListAndSize walks every file in the change directory (not just
// proposal.md/tasks.md) enforcing the size cap and the security deny-list.
func checkDenyListAndSize(changeDir string, maxBytes int64) []FieldError {
	var errs []FieldError
	_ = filepath.Walk(changeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(changeDir, path)
		if rel == ".lock" || rel == "receipt.json" {
			return nil
		}
		alreadySizeChecked := rel == "proposal.md" || rel == "tasks.md"

		if !alreadySizeChecked && info.Size() > maxBytes {
			errs = append(errs, FieldError{
				Code: correlate.CodeBadShapeTooBig,
				Path: rel,
				Hint: fmt.Sprintf("%s exceeds the %d byte cap", rel, maxBytes),
			})
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if hasControlBytes(data) || hasDeniedSequence(data) {
			errs = append(errs, FieldError{
				Code: correlate.CodeBadShapeSecurity,
				Path: rel,
				Hint: "file contains control bytes or a denied byte sequence",
			})
		}
		return nil
	})
	return errs
}

func hasControlBytes(data []byte) bool {
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return true
		}
	}
	return false
}

func hasDeniedSequence(data []byte) bool {
	lower := bytes.ToLower(data)
	for _, seq := range denyList {
		if bytes.Contains(lower, bytes.ToLower(seq)) {
			return true
		}
	}
	return false
}

// Title extracts the text after the first "# " heading in proposal.md, or
// returns slug if no such heading is present.
func Title(changeDir, slug string) string {
	path := filepath.Join(changeDir, "proposal.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return slug
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "# ") {
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			if title != "" {
				return title
			}
		}
	}
	return slug
}
