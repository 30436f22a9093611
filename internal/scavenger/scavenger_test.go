package scavenger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/internal/lock"
)

func TestJobRemovesStaleLocks(t *testing.T) {
	root := t.TempDir()
	changeDir := filepath.Join(root, "changes", "widget")
	require.NoError(t, os.MkdirAll(changeDir, 0o755))

	_, err := lock.Acquire(changeDir, "A", 1, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	j := Job{OpenspecRoot: root, Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	require.NoError(t, j.Run(context.Background()))
	require.NoFileExists(t, filepath.Join(changeDir, ".lock"))
}
