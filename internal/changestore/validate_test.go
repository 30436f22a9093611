package changestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

func writeChange(t *testing.T, proposal, tasks string) string {
	t.Helper()
	dir := t.TempDir()
	if proposal != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "proposal.md"), []byte(proposal), 0o644))
	}
	if tasks != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.md"), []byte(tasks), 0o644))
	}
	return dir
}

func TestValidateAcceptsCompleteChange(t *testing.T) {
	dir := writeChange(t, "# Add X\n\nDo the thing.", "- [ ] write code\n- [x] write tests\n")
	res := Validate(dir, Options{})
	assert.True(t, res.OK)
	assert.Empty(t, res.Errors)
}

func TestValidateReportsMissingProposal(t *testing.T) {
	dir := writeChange(t, "", "- [ ] task\n")
	res := Validate(dir, Options{})
	assert.False(t, res.OK)
	assertHasCode(t, res, correlate.CodeBadShapeProposal)
}

func TestValidateReportsMissingTasks(t *testing.T) {
	dir := writeChange(t, "# Title", "")
	res := Validate(dir, Options{})
	assert.False(t, res.OK)
	assertHasCode(t, res, correlate.CodeBadShapeTasks)
}

func TestValidateReportsEmptyContent(t *testing.T) {
	dir := writeChange(t, "", "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proposal.md"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.md"), []byte("- [ ] x\n"), 0o644))
	res := Validate(dir, Options{})
	assertHasCode(t, res, correlate.CodeBadShapeEmpty)
}

func TestValidateReportsTasksWithoutStructure(t *testing.T) {
	dir := writeChange(t, "# Title", "just prose, no checkboxes here\n")
	res := Validate(dir, Options{})
	assertHasCode(t, res, correlate.CodeBadShapeNoTasks)
}

func TestValidateReportsSecurityViolation(t *testing.T) {
	dir := writeChange(t, "# Title <script>alert(1)</script>", "- [ ] x\n")
	res := Validate(dir, Options{})
	assertHasCode(t, res, correlate.CodeBadShapeSecurity)
}

func TestValidateReportsOversizedFile(t *testing.T) {
	dir := writeChange(t, "# Title", "- [ ] x\n")
	big := strings.Repeat("a", 200)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte(big), 0o644))
	res := Validate(dir, Options{MaxFileBytes: 100})
	assertHasCode(t, res, correlate.CodeBadShapeTooBig)
}

func TestValidateReturnsAllErrorsNotJustFirst(t *testing.T) {
	dir := t.TempDir() // neither proposal.md nor tasks.md present
	res := Validate(dir, Options{})
	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, len(res.Errors), 2)
}

func TestTitleExtractsHeading(t *testing.T) {
	dir := writeChange(t, "# Add User Permissions\n\nBody text.", "- [ ] x\n")
	assert.Equal(t, "Add User Permissions", Title(dir, "add-x"))
}

func TestTitleFallsBackToSlug(t *testing.T) {
	dir := writeChange(t, "no heading here", "- [ ] x\n")
	assert.Equal(t, "add-x", Title(dir, "add-x"))
}

func assertHasCode(t *testing.T, res Result, code correlate.Code) {
	t.Helper()
	for _, e := range res.Errors {
		if e.Code == code {
			return
		}
	}
	t.Fatalf("expected error code %s among %+v", code, res.Errors)
}
