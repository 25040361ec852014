package supervisor

import (
	"context"
	"time"

	"scalewatch"
)

// Coordinator grants stream leases and stores the instance heartbeat.
// Production: infra/etcd.Client
// Testing: infra/memory.Store
type Coordinator interface {
	AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (scalewatch.Lease, error)
	RenewLease(ctx context.Context, lease scalewatch.Lease) (scalewatch.Lease, error)
	ReleaseLease(ctx context.Context, lease scalewatch.Lease) error
	Put(ctx context.Context, key string, value []byte) error
}

// ConfigWatcher follows store-defined monitor configurations.
// Production: *watch.Broker over the coordination store
type ConfigWatcher interface {
	Subscribe(ctx context.Context, prefix string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error)
}
