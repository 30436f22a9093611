package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	logger := New(Config{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})

	require.NoError(t, logger.Record(Entry{Event: "rpc", Tool: "change.open", Slug: "add-widgets", Outcome: "ok"}))
	require.NoError(t, logger.Record(Entry{Event: "rpc", Tool: "change.archive", Slug: "add-widgets", Outcome: "error"}))
	require.NoError(t, logger.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var entries []Entry
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	require.NotEmpty(t, entries[0].Time)
	require.Equal(t, "ok", entries[0].Outcome)
	require.Equal(t, "error", entries[1].Outcome)
}
