package reconcile

import (
	"scalewatch"
	"scalewatch/internal/monitor"
)

// ScaleFor is the scaling policy: one controller replica per runsPerReplica
// active runs, rounded up. It never decreases as the backlog grows.
func ScaleFor(b scalewatch.Backlog, runsPerReplica int) int {
	if runsPerReplica < 1 {
		runsPerReplica = 1
	}
	active := max(b.Queued, 0) + max(b.Running, 0)
	return (active + runsPerReplica - 1) / runsPerReplica
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

// DesiredReplicas applies the scaling policy to b within cfg's bounds.
func DesiredReplicas(b scalewatch.Backlog, cfg monitor.Config) int {
	return Clamp(ScaleFor(b, cfg.RunsPerReplica), cfg.MinReplicas, cfg.MaxReplicas)
}
