// Package observe reads the run backlog of a stream from the archive store.
package observe

import (
	"context"
	"fmt"
	"time"

	"scalewatch"
	"scalewatch/internal/check"
	"scalewatch/internal/filter"
)

// defaultTimeout bounds a single archive query.
const defaultTimeout = 10 * time.Second

// Archive is read-only access to run records.
// Production: infra/sqlite.RunStore
// Testing: in-memory slice
type Archive interface {
	ListRuns(ctx context.Context, statuses ...scalewatch.RunStatus) ([]scalewatch.RunRecord, error)
}

// Observer counts active runs per stream. It never caches: every call
// reflects the archive at call time.
type Observer struct {
	archive Archive
	timeout time.Duration
}

// New creates an Observer. A non-positive timeout selects the default.
func New(archive Archive, timeout time.Duration) *Observer {
	check.Assert(archive != nil, "observe.New: archive must not be nil")
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Observer{archive: archive, timeout: timeout}
}

// Backlog counts queued and running runs whose stream name matches f.
// An error means the backlog is unknown, not zero.
func (o *Observer) Backlog(ctx context.Context, f *filter.Filter) (scalewatch.Backlog, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	runs, err := o.archive.ListRuns(ctx, scalewatch.RunQueued, scalewatch.RunRunning)
	if err != nil {
		return scalewatch.Backlog{}, fmt.Errorf("read run backlog: %w", err)
	}

	var b scalewatch.Backlog
	for _, run := range runs {
		if !f.Matches(run.Stream) {
			continue
		}
		switch run.Status {
		case scalewatch.RunQueued:
			b.Queued++
		case scalewatch.RunRunning:
			b.Running++
		}
	}
	return b, nil
}
