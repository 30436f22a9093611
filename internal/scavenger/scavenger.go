// Package scavenger wraps lock.ScavengeStale as a scheduler.Job: a periodic
// sweep that removes expired lock files proactively instead of waiting for
// the next Acquire collision to trigger lazy scavenging.
package scavenger

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskmcp/taskmcp/internal/lock"
)

// Job implements scheduler.Job for the stale-lock sweep.
type Job struct {
	OpenspecRoot string
	Logger       *slog.Logger
}

func (j Job) Name() string { return "lock-scavenger" }

func (j Job) Run(ctx context.Context) error {
	n, err := lock.ScavengeStale(j.OpenspecRoot, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		j.Logger.Info("scavenged stale locks", "count", n)
	}
	return nil
}
