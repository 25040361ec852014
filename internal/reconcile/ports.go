package reconcile

import (
	"context"

	"scalewatch"
	"scalewatch/internal/filter"
)

// LeaseKeeper renews and releases a lease the reconciler already holds.
// Production: infra/etcd.Client
// Testing: infra/memory.Store or a fake counting calls
type LeaseKeeper interface {
	RenewLease(ctx context.Context, lease scalewatch.Lease) (scalewatch.Lease, error)
	ReleaseLease(ctx context.Context, lease scalewatch.Lease) error
}

// Orchestrator reads and scales controller deployments.
// Production: infra/kube.Client, infra/docker.Client
// Testing: in-memory fake with scripted errors
type Orchestrator interface {
	ListDeployments(ctx context.Context, namespace, selector string) ([]scalewatch.DeploymentTarget, error)
	ScaleDeployment(ctx context.Context, target scalewatch.DeploymentTarget, replicas int) (scalewatch.DeploymentTarget, error)
}

// BacklogReader reports the active run counts matching a filter.
// Production: *observe.Observer
type BacklogReader interface {
	Backlog(ctx context.Context, f *filter.Filter) (scalewatch.Backlog, error)
}
