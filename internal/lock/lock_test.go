package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

func newChangeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestAcquireSucceedsWhenAbsent(t *testing.T) {
	dir := newChangeDir(t)
	h, err := Acquire(dir, "pid-1@host", 60, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "pid-1@host", h.Owner)
	assert.FileExists(t, filepath.Join(dir, fileName))
}

func TestAcquireReturnsELockedOnLiveCollision(t *testing.T) {
	dir := newChangeDir(t)
	now := time.Now()
	_, err := Acquire(dir, "A", 60, now)
	require.NoError(t, err)

	_, err = Acquire(dir, "B", 60, now)
	require.Error(t, err)
	var ce *correlate.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, correlate.CodeLocked, ce.Code)
	assert.Equal(t, "A", ce.Context["holder"])
}

func TestAcquireScavengesExpiredLock(t *testing.T) {
	dir := newChangeDir(t)
	past := time.Now().Add(-time.Hour)
	_, err := Acquire(dir, "A", 1, past) // expired already (ttl=1s, since an hour ago)
	require.NoError(t, err)

	h, err := Acquire(dir, "B", 60, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "B", h.Owner)
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := newChangeDir(t)
	h, err := Acquire(dir, "A", 60, time.Now())
	require.NoError(t, err)

	require.NoError(t, Release(h))
	require.NoError(t, Release(h)) // second release: no-op
	assert.NoFileExists(t, filepath.Join(dir, fileName))
}

func TestInspectReportsLiveness(t *testing.T) {
	dir := newChangeDir(t)
	now := time.Now()

	owner, locked := Inspect(dir, now)
	assert.False(t, locked)
	assert.Empty(t, owner)

	_, err := Acquire(dir, "A", 60, now)
	require.NoError(t, err)

	owner, locked = Inspect(dir, now)
	assert.True(t, locked)
	assert.Equal(t, "A", owner)

	owner, locked = Inspect(dir, now.Add(2*time.Minute))
	assert.False(t, locked)
	assert.Equal(t, "A", owner)
}

func TestScavengeStaleRemovesExpiredLocksOnly(t *testing.T) {
	root := t.TempDir()
	changes := filepath.Join(root, "changes")
	stale := filepath.Join(changes, "stale-one")
	fresh := filepath.Join(changes, "fresh-one")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	past := time.Now().Add(-time.Hour)
	_, err := Acquire(stale, "A", 1, past)
	require.NoError(t, err)
	_, err = Acquire(fresh, "B", 3600, time.Now())
	require.NoError(t, err)

	n, err := ScavengeStale(root, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, filepath.Join(stale, fileName))
	assert.FileExists(t, filepath.Join(fresh, fileName))
}

func TestScavengeStaleTolerantOfMissingChangesDir(t *testing.T) {
	n, err := ScavengeStale(t.TempDir(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	dir := newChangeDir(t)
	now := time.Now()

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		owner := string(rune('A' + i))
		go func(owner string) {
			_, err := Acquire(dir, owner, 60, now)
			results <- err
		}(owner)
	}

	successes := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one acquirer should win")
}
