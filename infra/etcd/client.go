// Package etcd implements the coordination store on etcd: leases are etcd
// leases attached to a key created only if absent, and watches are prefix
// watches resumed from the snapshot revision.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"scalewatch"

	"github.com/docker/go-connections/tlsconfig"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

const (
	defaultDialTimeout = 5 * time.Second
	// snapshotTimeout bounds the read that seeds a watch; the watch itself
	// lives as long as the caller's context.
	snapshotTimeout = 10 * time.Second
	watchBufferCap     = 256
)

type TLSOptions struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

func (o TLSOptions) enabled() bool {
	return o.CAFile != "" || o.CertFile != "" || o.KeyFile != ""
}

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	TLS         TLSOptions
}

// Client is a scalewatch coordination store backed by an etcd cluster.
type Client struct {
	cli *clientv3.Client

	// epoch counts connection losses. A lease granted under an older epoch
	// is treated as lost even if etcd still reports it alive.
	epoch  atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to etcd and starts tracking connection state.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints configured")
	}
	tlsCfg, err := clientTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLS:         tlsCfg,
		Context:     ctx,
		DialOptions: []grpc.DialOption{
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", cfg.Endpoints, err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	c := &Client{cli: cli, cancel: cancel, done: make(chan struct{})}
	go c.trackConnectivity(monitorCtx)
	slog.Debug("etcd client connected", "endpoints", cfg.Endpoints)
	return c, nil
}

func clientTLS(o TLSOptions) (*tls.Config, error) {
	if !o.enabled() {
		return nil, nil
	}
	tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:             o.CAFile,
		CertFile:           o.CertFile,
		KeyFile:            o.KeyFile,
		InsecureSkipVerify: o.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd tls: %w", err)
	}
	return tlsCfg, nil
}

// trackConnectivity bumps the epoch whenever the gRPC connection fails, so
// leases held across the failure are reported expired on their next renewal.
func (c *Client) trackConnectivity(ctx context.Context) {
	defer close(c.done)
	conn := c.cli.ActiveConnection()
	state := conn.GetState()
	for conn.WaitForStateChange(ctx, state) {
		state = conn.GetState()
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			epoch := c.epoch.Add(1)
			slog.Warn("etcd connection lost, invalidating held leases", "state", state.String(), "epoch", epoch)
		}
	}
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	err := c.cli.Close()
	<-c.done
	return err
}

func (c *Client) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (scalewatch.Lease, error) {
	epoch := c.epoch.Load()
	grant, err := c.cli.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return scalewatch.Lease{}, fmt.Errorf("grant lease for %s: %w", key, err)
	}

	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, holderID, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		c.revoke(grant.ID)
		return scalewatch.Lease{}, fmt.Errorf("claim %s: %w", key, err)
	}
	if !resp.Succeeded {
		c.revoke(grant.ID)
		holder := "unknown"
		if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			holder = string(rr.Kvs[0].Value)
		}
		return scalewatch.Lease{}, fmt.Errorf("lease %s held by %s: %w", key, holder, scalewatch.ErrAlreadyHeld)
	}

	tok := token{leaseID: int64(grant.ID), createRev: resp.Header.Revision, epoch: epoch}
	return scalewatch.Lease{Key: key, HolderID: holderID, TTL: ttl, Revision: tok.String()}, nil
}

func (c *Client) RenewLease(ctx context.Context, lease scalewatch.Lease) (scalewatch.Lease, error) {
	tok, err := parseToken(lease.Revision)
	if err != nil {
		return scalewatch.Lease{}, fmt.Errorf("lease %s: %w: %w", lease.Key, err, scalewatch.ErrLeaseExpired)
	}
	if tok.epoch != c.epoch.Load() {
		return scalewatch.Lease{}, fmt.Errorf("lease %s: connection lost since grant: %w", lease.Key, scalewatch.ErrLeaseExpired)
	}

	if _, err := c.cli.KeepAliveOnce(ctx, clientv3.LeaseID(tok.leaseID)); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return scalewatch.Lease{}, fmt.Errorf("lease %s: %w", lease.Key, scalewatch.ErrLeaseExpired)
		}
		return scalewatch.Lease{}, fmt.Errorf("renew %s: %w", lease.Key, err)
	}

	resp, err := c.cli.Get(ctx, lease.Key)
	if err != nil {
		return scalewatch.Lease{}, fmt.Errorf("verify %s: %w", lease.Key, err)
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].CreateRevision != tok.createRev || resp.Kvs[0].Lease != tok.leaseID {
		return scalewatch.Lease{}, fmt.Errorf("lease %s no longer owns its key: %w", lease.Key, scalewatch.ErrLeaseExpired)
	}
	return lease, nil
}

// ReleaseLease deletes the key if this lease still owns it, then revokes the
// lease. Already expired or released leases are not an error.
func (c *Client) ReleaseLease(ctx context.Context, lease scalewatch.Lease) error {
	tok, err := parseToken(lease.Revision)
	if err != nil {
		return nil
	}
	_, err = c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(lease.Key), "=", tok.createRev)).
		Then(clientv3.OpDelete(lease.Key)).
		Commit()
	if err != nil {
		return fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if _, err := c.cli.Revoke(ctx, clientv3.LeaseID(tok.leaseID)); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("revoke lease for %s: %w", lease.Key, err)
	}
	return nil
}

func (c *Client) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if _, err := c.cli.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		slog.Debug("revoke unused etcd lease", "lease", int64(id), "err", err)
	}
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.cli.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Watch reads everything under prefix and follows changes from that
// revision. The channel closes on any watch error, including compaction and
// leader loss; callers re-watch.
func (c *Client) Watch(ctx context.Context, prefix string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error) {
	getCtx, cancelGet := context.WithTimeout(ctx, snapshotTimeout)
	resp, err := c.cli.Get(getCtx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	cancelGet()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", prefix, err)
	}
	snapshot := make([]scalewatch.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		snapshot = append(snapshot, scalewatch.KeyValue{Key: string(kv.Key), Value: kv.Value})
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := c.cli.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	out := make(chan scalewatch.ChangeEvent, watchBufferCap)

	go func() {
		defer close(out)
		defer cancel()
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				slog.Debug("etcd watch ended", "prefix", prefix, "err", err)
				return
			}
			for _, ev := range wresp.Events {
				change := scalewatch.ChangeEvent{Kind: scalewatch.ChangePut, Key: string(ev.Kv.Key), Value: ev.Kv.Value}
				if ev.Type == clientv3.EventTypeDelete {
					change = scalewatch.ChangeEvent{Kind: scalewatch.ChangeDelete, Key: string(ev.Kv.Key)}
				}
				select {
				case out <- change:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()
	return snapshot, out, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	return max(int64(math.Ceil(ttl.Seconds())), 1)
}
