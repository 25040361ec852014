// Package memory implements the coordination store in process. It backs
// single-instance deployments and tests; it offers no protection across
// processes.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"scalewatch"
	"scalewatch/internal/check"
)

const watchBufferCap = 256

type heldLease struct {
	holder  string
	ttl     time.Duration
	expires time.Time
	token   string
}

type watcher struct {
	prefix string
	ch     chan scalewatch.ChangeEvent
}

// Store keeps keys, leases and watches in memory. Lease expiry is evaluated
// against the injected clock whenever the store is touched.
type Store struct {
	clock scalewatch.Clock

	mu       sync.Mutex
	rev      int64
	kv       map[string][]byte
	leases   map[string]heldLease
	watchers map[uint64]*watcher
	nextID   uint64
}

func New(clock scalewatch.Clock) *Store {
	if clock == nil {
		clock = scalewatch.RealClock{}
	}
	return &Store{
		clock:    clock,
		kv:       make(map[string][]byte),
		leases:   make(map[string]heldLease),
		watchers: make(map[uint64]*watcher),
	}
}

func (s *Store) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (scalewatch.Lease, error) {
	check.Assert(ttl > 0, "memory.AcquireLease: ttl must be positive")
	if err := ctx.Err(); err != nil {
		return scalewatch.Lease{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.expireLocked(now)

	if cur, ok := s.leases[key]; ok {
		return scalewatch.Lease{}, fmt.Errorf("lease %s held by %s: %w", key, cur.holder, scalewatch.ErrAlreadyHeld)
	}
	s.rev++
	held := heldLease{holder: holderID, ttl: ttl, expires: now.Add(ttl), token: strconv.FormatInt(s.rev, 10)}
	s.leases[key] = held
	s.putLocked(key, []byte(holderID))
	return scalewatch.Lease{Key: key, HolderID: holderID, TTL: ttl, Revision: held.token}, nil
}

func (s *Store) RenewLease(ctx context.Context, lease scalewatch.Lease) (scalewatch.Lease, error) {
	if err := ctx.Err(); err != nil {
		return scalewatch.Lease{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.expireLocked(now)

	cur, ok := s.leases[lease.Key]
	if !ok || cur.token != lease.Revision {
		return scalewatch.Lease{}, fmt.Errorf("lease %s: %w", lease.Key, scalewatch.ErrLeaseExpired)
	}
	cur.expires = now.Add(cur.ttl)
	s.leases[lease.Key] = cur
	return lease, nil
}

// ReleaseLease drops the lease if lease still owns it. Releasing a lease that
// expired or was already released is not an error.
func (s *Store) ReleaseLease(_ context.Context, lease scalewatch.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.clock.Now())

	if cur, ok := s.leases[lease.Key]; ok && cur.token == lease.Revision {
		delete(s.leases, lease.Key)
		s.deleteLocked(lease.Key)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.clock.Now())
	s.putLocked(key, append([]byte(nil), value...))
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.clock.Now())
	v, ok := s.kv[key]
	return v, ok
}

// Watch returns every key under prefix and a channel of later changes. The
// channel closes when ctx ends, when the watcher falls behind, or on
// Disconnect.
func (s *Store) Watch(ctx context.Context, prefix string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.expireLocked(s.clock.Now())
	var snapshot []scalewatch.KeyValue
	for _, key := range slices.Sorted(maps.Keys(s.kv)) {
		if strings.HasPrefix(key, prefix) {
			snapshot = append(snapshot, scalewatch.KeyValue{Key: key, Value: s.kv[key]})
		}
	}
	id := s.nextID
	s.nextID++
	w := &watcher{prefix: prefix, ch: make(chan scalewatch.ChangeEvent, watchBufferCap)}
	s.watchers[id] = w
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if cur, ok := s.watchers[id]; ok && cur == w {
			delete(s.watchers, id)
			close(w.ch)
		}
		s.mu.Unlock()
	}()
	return snapshot, w.ch, nil
}

// Disconnect simulates losing the session with a remote store: every lease
// is lost and every watch breaks.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.leases {
		delete(s.leases, key)
		delete(s.kv, key)
	}
	for id, w := range s.watchers {
		delete(s.watchers, id)
		close(w.ch)
	}
	slog.Debug("memory store disconnected")
}

func (s *Store) expireLocked(now time.Time) {
	for key, l := range s.leases {
		if !now.Before(l.expires) {
			delete(s.leases, key)
			s.deleteLocked(key)
		}
	}
}

func (s *Store) putLocked(key string, value []byte) {
	s.kv[key] = value
	s.notifyLocked(scalewatch.ChangeEvent{Kind: scalewatch.ChangePut, Key: key, Value: value})
}

func (s *Store) deleteLocked(key string) {
	if _, ok := s.kv[key]; !ok {
		return
	}
	delete(s.kv, key)
	s.notifyLocked(scalewatch.ChangeEvent{Kind: scalewatch.ChangeDelete, Key: key})
}

func (s *Store) notifyLocked(ev scalewatch.ChangeEvent) {
	for id, w := range s.watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			delete(s.watchers, id)
			close(w.ch)
		}
	}
}
