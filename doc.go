// Package scalewatch holds the records shared by the autoscaling monitor:
// run snapshots, deployment targets, leases and watch events.
//
// The monitor observes the run backlog of each configured stream, computes
// how many controller replicas the stream needs, and scales the matching
// deployments. Replicas of the monitor coordinate through per-stream leases
// so that only one instance reconciles a stream at a time.
package scalewatch
