package watch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"scalewatch"
	"scalewatch/internal/check"

	"golang.org/x/time/rate"
)

const (
	watchSubscriberBufferCap = 128
	watchResubscribeDelay    = 1 * time.Second
	// DefaultSetupTimeout bounds opening a source watch, snapshot read included.
	DefaultSetupTimeout = 10 * time.Second
)

// Source opens a watch over every key under prefix: the current contents,
// then changes. The channel closes when the watch breaks.
// Production: infra/etcd.Client, infra/memory.Store
type Source interface {
	Watch(ctx context.Context, prefix string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error)
}

// Broker shares one source watch per prefix among any number of
// subscribers and keeps the prefix's current contents for late joiners.
type Broker struct {
	// SetupTimeout bounds each source Watch call. Zero means DefaultSetupTimeout.
	SetupTimeout time.Duration

	source Source

	mu     sync.Mutex
	topics map[string]*topic
}

func NewBroker(source Source) *Broker {
	check.Assert(source != nil, "watch.NewBroker: source must not be nil")
	return &Broker{source: source, topics: make(map[string]*topic)}
}

// Subscribe returns the current contents under prefix and a channel of later
// changes. The channel is closed when ctx ends or when the subscriber falls
// so far behind that events would be lost; callers resubscribe for a fresh
// snapshot. After the source watch breaks and recovers, subscribers receive
// a ChangeResync event carrying the full contents.
func (b *Broker) Subscribe(ctx context.Context, prefix string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error) {
	b.mu.Lock()
	t, ok := b.topics[prefix]
	if !ok {
		t = &topic{prefix: prefix, subs: make(map[uint64]chan scalewatch.ChangeEvent)}
		b.topics[prefix] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan scalewatch.ChangeEvent, watchSubscriberBufferCap)
	t.subs[id] = ch
	needStart := t.cancel == nil
	t.mu.Unlock()

	if needStart {
		if err := b.start(t); err != nil {
			b.unsubscribe(t, id)
			return nil, nil, err
		}
	}

	t.mu.Lock()
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(t, id)
	}()
	return snapshot, ch, nil
}

func (b *Broker) start(t *topic) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	topicCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	snapshot, changes, stopWatch, err := b.watch(topicCtx, t.prefix)
	if err != nil {
		cancel()
		t.mu.Lock()
		t.cancel = nil
		t.done = nil
		t.current = nil
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.current = toMap(snapshot)
	t.mu.Unlock()

	go b.run(topicCtx, t, changes, stopWatch, done)
	slog.Debug("watch topic started", "prefix", t.prefix)
	return nil
}

// watch opens a source watch under ctx. The call is abandoned if it has not
// returned within the setup timeout; the returned stop func ends the watch.
func (b *Broker) watch(ctx context.Context, prefix string) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, context.CancelFunc, error) {
	timeout := b.SetupTimeout
	if timeout <= 0 {
		timeout = DefaultSetupTimeout
	}
	watchCtx, stop := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, stop)
	snapshot, changes, err := b.source.Watch(watchCtx, prefix)
	if !timer.Stop() {
		stop()
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, fmt.Errorf("open watch on %q: %w", prefix, context.DeadlineExceeded)
	}
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return snapshot, changes, stop, nil
}

func (b *Broker) run(ctx context.Context, t *topic, changes <-chan scalewatch.ChangeEvent, stopWatch context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer func() { stopWatch() }()
	limiter := rate.NewLimiter(rate.Every(watchResubscribeDelay), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if ok {
				t.publish(change)
				continue
			}
			slog.Debug("watch source closed, resubscribing", "prefix", t.prefix)
			stopWatch()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				snapshot, next, stop, err := b.watch(ctx, t.prefix)
				if err == nil {
					changes = next
					stopWatch = stop
					t.resync(snapshot)
					break
				}
				if ctx.Err() != nil {
					return
				}
				slog.Warn("watch resubscribe failed", "prefix", t.prefix, "err", err)
			}
		}
	}
}

func (b *Broker) unsubscribe(t *topic, id uint64) {
	t.mu.Lock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
	idle := len(t.subs) == 0
	t.mu.Unlock()

	if idle {
		t.stopIfIdle()
	}
}

type topic struct {
	prefix string

	mu      sync.Mutex
	subs    map[uint64]chan scalewatch.ChangeEvent
	nextID  uint64
	current map[string][]byte
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *topic) publish(change scalewatch.ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}

	switch change.Kind {
	case scalewatch.ChangePut:
		t.current[change.Key] = change.Value
	case scalewatch.ChangeDelete:
		delete(t.current, change.Key)
	case scalewatch.ChangeResync:
		t.current = toMap(change.Snapshot)
	}
	t.fanoutLocked(change)
}

func (t *topic) resync(snapshot []scalewatch.KeyValue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}
	t.current = toMap(snapshot)
	t.fanoutLocked(scalewatch.ChangeEvent{Kind: scalewatch.ChangeResync, Snapshot: t.snapshotLocked()})
}

// fanoutLocked delivers change to every subscriber, dropping any subscriber
// whose buffer is full.
func (t *topic) fanoutLocked(change scalewatch.ChangeEvent) {
	for id, sub := range t.subs {
		select {
		case sub <- change:
		default:
			slog.Warn("watch subscriber lagging, closing", "prefix", t.prefix, "subscriber", id)
			delete(t.subs, id)
			close(sub)
		}
	}
}

func (t *topic) snapshotLocked() []scalewatch.KeyValue {
	out := make([]scalewatch.KeyValue, 0, len(t.current))
	for _, key := range slices.Sorted(maps.Keys(t.current)) {
		out = append(out, scalewatch.KeyValue{Key: key, Value: t.current[key]})
	}
	return out
}

func (t *topic) stopIfIdle() {
	t.mu.Lock()
	if len(t.subs) != 0 {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.current = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	slog.Debug("watch topic stopped", "prefix", t.prefix)
}

func toMap(kvs []scalewatch.KeyValue) map[string][]byte {
	m := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}
