// Package lock implements an atomic, TTL-bounded per-slug lock manager.
// The lock is the file <change-dir>/.lock; it is the sole serialising
// resource for writers of a given slug.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

const fileName = ".lock"

// record is the on-disk shape of a lock.
type record struct {
	Owner string `json:"owner"`
	Since int64  `json:"since"` // epoch millis
	TTL   int    `json:"ttl"`   // seconds
}

// Handle is returned by Acquire on success. Release is idempotent.
type Handle struct {
	path  string
	Owner string
}

// live reports whether the record has not yet expired at the given instant.
func (r record) live(now time.Time) bool {
	deadline := time.UnixMilli(r.Since).Add(time.Duration(r.TTL) * time.Second)
	return now.Before(deadline)
}

func (r record) remaining(now time.Time) time.Duration {
	deadline := time.UnixMilli(r.Since).Add(time.Duration(r.TTL) * time.Second)
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Acquire attempts to take the lock for changeDir under owner for ttl
// seconds. On collision with a live lock it returns ELOCKED carrying the
// existing owner and remaining TTL. On collision with an expired lock it
// scavenges the stale file and retries exactly once; if the retry still
// finds a live lock (a racing acquirer won), it returns ELOCKED.
func Acquire(changeDir, owner string, ttl int, now time.Time) (*Handle, error) {
	h, err := tryAcquire(changeDir, owner, ttl, now)
	if err == nil {
		return h, nil
	}

	ce, ok := asCorrelateError(err)
	if !ok || ce.Code != correlate.CodeLockStaleRemoved {
		return nil, err
	}

	// Never spin beyond one retry; a second collision means a racing
	// acquirer won and the caller should surface ELOCKED.
	return tryAcquire(changeDir, owner, ttl, now)
}

func tryAcquire(changeDir, owner string, ttl int, now time.Time) (*Handle, error) {
	path := filepath.Join(changeDir, fileName)

	rec := record{Owner: owner, Since: now.UnixMilli(), TTL: ttl}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling lock record: %w", err)
	}

	// Exclusive-create of the lock file is the atomic mutual-exclusion
	// primitive: only one caller's O_EXCL can win. The record is fsynced
	// before we report success.
	if err := writeDurable(path, body); err != nil {
		if os.IsExist(err) {
			return handleCollision(path, owner, ttl, now)
		}
		return nil, correlate.New(correlate.CodeIO, fmt.Sprintf("creating lock file: %v", err))
	}

	return &Handle{path: path, Owner: owner}, nil
}

func handleCollision(path, owner string, ttl int, now time.Time) (*Handle, error) {
	existing, err := readRecord(path)
	if err != nil {
		// Lock file vanished between our failed create and this read
		// (the holder released it); the caller can retry.
		if os.IsNotExist(err) {
			return nil, correlate.New(correlate.CodeLockStaleRemoved, "lock file disappeared during acquisition")
		}
		return nil, correlate.New(correlate.CodeIO, fmt.Sprintf("reading existing lock: %v", err))
	}

	if existing.live(now) {
		return nil, correlate.New(correlate.CodeLocked, fmt.Sprintf("change is locked by %s", existing.Owner)).
			WithHint("held by %s, %ds remaining", existing.Owner, int(existing.remaining(now).Seconds())).
			WithContext("holder", existing.Owner).
			WithContext("remainingSeconds", int(existing.remaining(now).Seconds()))
	}

	// Expired: scavenge and signal the caller to retry once.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, correlate.New(correlate.CodeIO, fmt.Sprintf("scavenging stale lock: %v", err))
	}
	return nil, correlate.New(correlate.CodeLockStaleRemoved, "stale lock removed")
}

func readRecord(path string) (record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("parsing lock record: %w", err)
	}
	return rec, nil
}

// Release removes the lock file. It is idempotent: releasing an
// already-released (or never-acquired) handle is not an error.
func Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return correlate.New(correlate.CodeIO, fmt.Sprintf("releasing lock: %v", err))
	}
	return nil
}

// Inspect reports whether changeDir currently holds a live lock, without
// acquiring or mutating anything. Used by the pagination engine (§4.E) to
// compute isLocked for listings.
func Inspect(changeDir string, now time.Time) (owner string, locked bool) {
	rec, err := readRecord(filepath.Join(changeDir, fileName))
	if err != nil {
		return "", false
	}
	return rec.Owner, rec.live(now)
}

// ScavengeStale walks every change directory under openspecRoot and removes
// any lock file that has already expired. It returns the number removed.
// This is a proactive sweep; scavenging also happens lazily on the next
// Acquire collision, so ScavengeStale only tidies expired lock files off
// disk. Listings are unaffected either way: Inspect (and so
// pagination.Scan) already reports an expired lock as not locked.
func ScavengeStale(openspecRoot string, now time.Time) (int, error) {
	entries, err := os.ReadDir(filepath.Join(openspecRoot, "changes"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading changes directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(openspecRoot, "changes", e.Name(), fileName)
		rec, err := readRecord(path)
		if err != nil {
			continue
		}
		if rec.live(now) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

func writeDurable(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return err
	}
	return f.Sync()
}

func asCorrelateError(err error) (*correlate.Error, bool) {
	ce, ok := err.(*correlate.Error)
	return ce, ok
}
