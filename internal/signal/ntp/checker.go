// Package ntp watches the local clock's offset from an NTP pool. Cooldowns
// and lease expiry are measured against wall time, so a drifting clock on one
// instance skews both.
package ntp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scalewatch"
	"scalewatch/internal/check"

	"github.com/beevik/ntp"
)

const (
	DefaultPool      = "pool.ntp.org"
	DefaultInterval  = 60 * time.Second
	DefaultThreshold = 500 * time.Millisecond
	queryTimeout     = 5 * time.Second
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy, UnhealthyOffset, Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type Status struct {
	Offset    time.Duration `json:"offset"`
	Phase     Phase         `json:"-"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// QueryFunc returns the local clock's offset from server.
type QueryFunc func(server string) (time.Duration, error)

type Options struct {
	Pool      string
	Interval  time.Duration
	Threshold time.Duration
}

type Checker struct {
	mu     sync.RWMutex
	status Status
	opts   Options
	clock  scalewatch.Clock

	// Query defaults to an NTP query via github.com/beevik/ntp.
	Query QueryFunc
}

func NewChecker(clock scalewatch.Clock, opts Options) *Checker {
	check.Assert(clock != nil, "ntp.NewChecker: clock must not be nil")
	if opts.Pool == "" {
		opts.Pool = DefaultPool
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Checker{
		opts:   opts,
		clock:  clock,
		status: Status{Phase: Unchecked, State: Unchecked.String()},
		Query:  queryOffset,
	}
}

func queryOffset(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: queryTimeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func (n *Checker) Run(ctx context.Context) {
	n.Check()

	ticker := time.NewTicker(n.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Check()
		}
	}
}

// Check queries the pool once and records the result.
func (n *Checker) Check() Status {
	offset, err := n.Query(n.opts.Pool)
	now := n.clock.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	prev := n.status.Phase
	next := Status{CheckedAt: now, Offset: offset}
	switch {
	case err != nil:
		next.Phase = prev.Transition(Error)
		next.Offset = 0
		next.Error = err.Error()
	case offset.Abs() < n.opts.Threshold:
		next.Phase = prev.Transition(Healthy)
	default:
		next.Phase = prev.Transition(UnhealthyOffset)
	}
	next.State = next.Phase.String()
	if next.Phase != prev && next.Phase != Healthy {
		slog.Warn("clock check degraded", "state", next.State, "offset", next.Offset, "err", next.Error)
	}
	n.status = next
	return next
}

func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
