package etcd

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"scalewatch"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func freeURL(t *testing.T) url.URL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	return url.URL{Scheme: "http", Host: addr}
}

// startEtcd runs a single-member etcd in a temp dir and returns a client
// dialled to it.
func startEtcd(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("starts an embedded etcd server")
	}

	cfg := embed.NewConfig()
	cfg.Name = "scalewatch-test"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	clientURL, peerURL := freeURL(t), freeURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("start etcd: %v", err)
	}
	t.Cleanup(e.Close)
	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		t.Fatalf("etcd failed: %v", err)
	case <-time.After(10 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd did not become ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Endpoints: []string{clientURL.String()}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAcquireLease_SingleWinner(t *testing.T) {
	c := startEtcd(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.AcquireLease(ctx, "/scalewatch/leases/regression", "holder", time.Minute)
		}()
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, scalewatch.ErrAlreadyHeld):
			t.Fatalf("AcquireLease() error = %v, want ErrAlreadyHeld", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d contenders won the lease, want 1", won)
	}
}

func TestRenewLease(t *testing.T) {
	tests := []struct {
		name string
		// interfere runs between acquire and renew.
		interfere func(t *testing.T, c *Client, lease scalewatch.Lease)
		wantErr   error
	}{
		{
			name:      "still held",
			interfere: func(*testing.T, *Client, scalewatch.Lease) {},
		},
		{
			name: "lease revoked",
			interfere: func(t *testing.T, c *Client, lease scalewatch.Lease) {
				tok, err := parseToken(lease.Revision)
				if err != nil {
					t.Fatal(err)
				}
				c.revoke(clientv3.LeaseID(tok.leaseID))
			},
			wantErr: scalewatch.ErrLeaseExpired,
		},
		{
			name: "key deleted",
			interfere: func(t *testing.T, c *Client, lease scalewatch.Lease) {
				if _, err := c.cli.Delete(context.Background(), lease.Key); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: scalewatch.ErrLeaseExpired,
		},
		{
			name: "key recreated by another holder",
			interfere: func(t *testing.T, c *Client, lease scalewatch.Lease) {
				ctx := context.Background()
				if _, err := c.cli.Delete(ctx, lease.Key); err != nil {
					t.Fatal(err)
				}
				if _, err := c.AcquireLease(ctx, lease.Key, "other", time.Minute); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: scalewatch.ErrLeaseExpired,
		},
		{
			name: "connection lost since grant",
			interfere: func(_ *testing.T, c *Client, _ scalewatch.Lease) {
				c.epoch.Add(1)
			},
			wantErr: scalewatch.ErrLeaseExpired,
		},
	}

	c := startEtcd(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			key := "/scalewatch/leases/" + tt.name
			lease, err := c.AcquireLease(ctx, key, "a", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			tt.interfere(t, c, lease)

			_, err = c.RenewLease(ctx, lease)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("RenewLease() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RenewLease() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReleaseLease_FreesKeyAndIsIdempotent(t *testing.T) {
	c := startEtcd(t)
	ctx := context.Background()
	key := "/scalewatch/leases/regression"

	lease, err := c.AcquireLease(ctx, key, "a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.AcquireLease(ctx, key, "b", time.Minute); !errors.Is(err, scalewatch.ErrAlreadyHeld) {
		t.Fatalf("second AcquireLease() error = %v, want ErrAlreadyHeld", err)
	}

	for range 2 {
		if err := c.ReleaseLease(ctx, lease); err != nil {
			t.Fatalf("ReleaseLease() error = %v", err)
		}
	}
	if _, err := c.AcquireLease(ctx, key, "b", time.Minute); err != nil {
		t.Fatalf("AcquireLease() after release: %v", err)
	}
}

func TestReleaseLease_LeavesNewHolderAlone(t *testing.T) {
	c := startEtcd(t)
	ctx := context.Background()
	key := "/scalewatch/leases/regression"

	stale, err := c.AcquireLease(ctx, key, "a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.cli.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	current, err := c.AcquireLease(ctx, key, "b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.ReleaseLease(ctx, stale); err != nil {
		t.Fatalf("ReleaseLease(stale) error = %v", err)
	}
	if _, err := c.RenewLease(ctx, current); err != nil {
		t.Fatalf("new holder lost its lease: %v", err)
	}
}

func TestWatch_SnapshotThenChanges(t *testing.T) {
	c := startEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Put(ctx, "/scalewatch/monitors/regression", []byte("a")); err != nil {
		t.Fatal(err)
	}
	snapshot, changes, err := c.Watch(ctx, "/scalewatch/monitors/")
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 1 || snapshot[0].Key != "/scalewatch/monitors/regression" {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	if err := c.Put(ctx, "/scalewatch/monitors/smoke", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.cli.Delete(ctx, "/scalewatch/monitors/regression"); err != nil {
		t.Fatal(err)
	}

	want := []scalewatch.ChangeEvent{
		{Kind: scalewatch.ChangePut, Key: "/scalewatch/monitors/smoke", Value: []byte("b")},
		{Kind: scalewatch.ChangeDelete, Key: "/scalewatch/monitors/regression"},
	}
	for _, w := range want {
		select {
		case got := <-changes:
			if got.Kind != w.Kind || got.Key != w.Key || string(got.Value) != string(w.Value) {
				t.Fatalf("change = %+v, want %+v", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %+v", w)
		}
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}
