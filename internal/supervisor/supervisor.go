package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"scalewatch"
	"scalewatch/internal/check"
	"scalewatch/internal/monitor"
	"scalewatch/internal/reconcile"
	"scalewatch/internal/telemetry"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPrefix            = "/scalewatch/"
	DefaultLeaseTTL          = 30 * time.Second
	DefaultAcquireInterval   = 10 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second

	// maxConfigSubscribeRetries is 30: ~30s of retries before giving up on the config watch.
	maxConfigSubscribeRetries = 30
	// maxHeartbeatFailures is 10: consecutive heartbeat write failures before logging a warning.
	maxHeartbeatFailures = 10
	configSubscribeDelay = 1 * time.Second
)

// Supervisor runs one reconcile task per configured stream and keeps the
// task set in line with the live configuration.
type Supervisor struct {
	HolderID string
	Hostname string
	Prefix   string

	Static   []monitor.Spec
	Defaults monitor.Defaults

	Coordinator  Coordinator   // injected: leases and heartbeat
	Configs      ConfigWatcher // injected: store-defined monitors; nil for static only
	Orchestrator reconcile.Orchestrator
	Backlog      reconcile.BacklogReader
	Clock        scalewatch.Clock

	LeaseTTL          time.Duration
	AcquireInterval   time.Duration
	HeartbeatInterval time.Duration
	Reconcile         reconcile.Options

	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	OnEvent func(eventType, message string)
	OnAlert func(reconcile.Alert)

	mu          sync.Mutex
	tasks       map[string]*task
	lastSuccess time.Time
	ready       bool
}

type task struct {
	cfg    monitor.Config
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	current *reconcile.Reconciler
}

func (t *task) reconciler() *reconcile.Reconciler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *task) setReconciler(r *reconcile.Reconciler) {
	t.mu.Lock()
	t.current = r
	t.mu.Unlock()
}

func (s *Supervisor) getClock() scalewatch.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return scalewatch.RealClock{}
}

func (s *Supervisor) emit(eventType, message string) {
	if s.OnEvent != nil {
		s.OnEvent(eventType, message)
	}
	slog.Debug("supervisor event", "event", eventType, "message", message)
}

func (s *Supervisor) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

func (s *Supervisor) monitorsPrefix() string { return s.prefix() + "monitors/" }

func (s *Supervisor) leaseKey(stream string) string { return s.prefix() + "leases/" + stream }

func (s *Supervisor) serverKey(name string) string {
	return s.prefix() + "servers/" + s.HolderID + "/" + name
}

func (s *Supervisor) withDefaults() {
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = DefaultLeaseTTL
	}
	if s.AcquireInterval <= 0 {
		s.AcquireInterval = DefaultAcquireInterval
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Run supervises stream tasks until ctx is cancelled. Every task has stopped
// and released its lease by the time Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	check.Assert(s.Coordinator != nil, "Supervisor.Run: Coordinator must not be nil")
	check.Assert(s.Orchestrator != nil, "Supervisor.Run: Orchestrator must not be nil")
	check.Assert(s.Backlog != nil, "Supervisor.Run: Backlog must not be nil")
	check.Assert(s.HolderID != "", "Supervisor.Run: HolderID must not be empty")
	s.withDefaults()

	static, err := monitor.CompileAll(s.Static, s.Defaults)
	if err != nil {
		slog.Error("skipping invalid static monitors", "err", err)
	}

	s.mu.Lock()
	s.tasks = make(map[string]*task)
	s.mu.Unlock()
	defer s.stopAll()

	heartbeatDone := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go func() {
		defer close(heartbeatDone)
		s.runHeartbeat(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-heartbeatDone
	}()

	if s.Configs == nil {
		s.apply(ctx, static)
		s.setReady()
		<-ctx.Done()
		return nil
	}

	snapshot, changes, err := s.subscribeConfigsWithRetry(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	stored := s.parseSnapshot(snapshot)
	s.emit("subscribe.ready", fmt.Sprintf("monitor subscription snapshot size %d", len(snapshot)))
	s.apply(ctx, merge(static, stored))
	s.setReady()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				snap, ch, subErr := s.subscribeConfigsWithRetry(ctx)
				if subErr != nil {
					if ctx.Err() != nil {
						return nil
					}
					return subErr
				}
				changes = ch
				stored = s.parseSnapshot(snap)
				s.emit("subscribe.ready", fmt.Sprintf("monitor subscription restored (%d monitors)", len(stored)))
			} else {
				stored = s.applyChange(stored, change)
			}
			s.apply(ctx, merge(static, stored))
		}
	}
}

func (s *Supervisor) applyChange(stored map[string]monitor.Config, change scalewatch.ChangeEvent) map[string]monitor.Config {
	switch change.Kind {
	case scalewatch.ChangeResync:
		s.emit("subscribe.resync", "monitor subscription resynced")
		return s.parseSnapshot(change.Snapshot)
	case scalewatch.ChangeDelete:
		if stream, ok := s.streamFromKey(change.Key); ok {
			delete(stored, stream)
		}
	case scalewatch.ChangePut:
		stream, ok := s.streamFromKey(change.Key)
		if !ok {
			return stored
		}
		cfg, err := monitor.Parse(change.Value, stream, s.Defaults)
		if err != nil {
			slog.Error("skipping invalid monitor", "stream", stream, "err", err)
			delete(stored, stream)
			return stored
		}
		stored[stream] = cfg
	}
	return stored
}

func (s *Supervisor) parseSnapshot(kvs []scalewatch.KeyValue) map[string]monitor.Config {
	out := make(map[string]monitor.Config, len(kvs))
	for _, kv := range kvs {
		stream, ok := s.streamFromKey(kv.Key)
		if !ok {
			continue
		}
		cfg, err := monitor.Parse(kv.Value, stream, s.Defaults)
		if err != nil {
			slog.Error("skipping invalid monitor", "stream", stream, "err", err)
			continue
		}
		out[stream] = cfg
	}
	return out
}

func (s *Supervisor) streamFromKey(key string) (string, bool) {
	stream, ok := strings.CutPrefix(key, s.monitorsPrefix())
	if !ok || stream == "" || strings.Contains(stream, "/") {
		return "", false
	}
	return stream, true
}

// merge overlays store-defined monitors on static ones by stream name.
func merge(static, stored map[string]monitor.Config) map[string]monitor.Config {
	out := make(map[string]monitor.Config, len(static)+len(stored))
	maps.Copy(out, static)
	maps.Copy(out, stored)
	return out
}

// apply diffs the running task set against next: removed streams stop,
// new streams start, changed streams restart with the new configuration.
func (s *Supervisor) apply(ctx context.Context, next map[string]monitor.Config) {
	s.mu.Lock()
	var stop []*task
	var start []monitor.Config
	for stream, t := range s.tasks {
		cfg, keep := next[stream]
		if keep && cfg.Equal(t.cfg) {
			continue
		}
		stop = append(stop, t)
		delete(s.tasks, stream)
	}
	for stream, cfg := range next {
		if _, running := s.tasks[stream]; !running {
			start = append(start, cfg)
		}
	}
	s.mu.Unlock()

	for _, t := range stop {
		t.cancel()
		<-t.done
		s.emit("task.stopped", t.cfg.Stream)
	}
	for _, cfg := range start {
		s.startTask(ctx, cfg)
	}
}

func (s *Supervisor) startTask(ctx context.Context, cfg monitor.Config) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[cfg.Stream] = t
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		s.runTask(taskCtx, t)
	}()
	s.emit("task.started", cfg.Stream)
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	tasks := slices.Collect(maps.Values(s.tasks))
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// runTask contends for the stream lease and reconciles while holding it,
// until ctx ends.
func (s *Supervisor) runTask(ctx context.Context, t *task) {
	stream := t.cfg.Stream
	key := s.leaseKey(stream)

	for {
		lease, err := s.acquire(ctx, key)
		if err != nil {
			return
		}
		slog.Info("acquired stream lease", "stream", stream, "holder", s.HolderID)

		r := &reconcile.Reconciler{
			Config:       t.cfg,
			Leases:       s.Coordinator,
			Orchestrator: s.Orchestrator,
			Backlog:      s.Backlog,
			Clock:        s.Clock,
			Options:      s.Reconcile,
			Metrics:      s.Metrics,
			Tracer:       s.Tracer,
			OnEvent:      s.OnEvent,
			OnAlert:      s.OnAlert,
			OnSuccess:    s.recordSuccess,
		}
		t.setReconciler(r)
		err = r.Run(ctx, lease)

		wait := s.AcquireInterval
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, reconcile.ErrFailureBudget):
			wait = s.LeaseTTL
			slog.Warn("gave up stream lease after repeated failures", "stream", stream, "err", err)
		case errors.Is(err, scalewatch.ErrLeaseExpired):
			s.emit("lease.lost", stream)
		case err != nil:
			slog.Warn("stream task stopped", "stream", stream, "err", err)
		}
		if !sleepContext(ctx, wait) {
			return
		}
	}
}

func (s *Supervisor) acquire(ctx context.Context, key string) (scalewatch.Lease, error) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, s.AcquireInterval)
		lease, err := s.Coordinator.AcquireLease(callCtx, key, s.HolderID, s.LeaseTTL)
		cancel()
		switch {
		case err == nil:
			return lease, nil
		case ctx.Err() != nil:
			return scalewatch.Lease{}, ctx.Err()
		case errors.Is(err, scalewatch.ErrAlreadyHeld):
			s.emit("lease.held_elsewhere", err.Error())
		default:
			slog.Warn("acquire stream lease", "key", key, "err", err)
		}
		if !sleepContext(ctx, s.AcquireInterval) {
			return scalewatch.Lease{}, ctx.Err()
		}
	}
}

func (s *Supervisor) recordSuccess(_ string, at time.Time) {
	s.mu.Lock()
	if at.After(s.lastSuccess) {
		s.lastSuccess = at
	}
	s.mu.Unlock()
}

func (s *Supervisor) setReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.emit("supervisor.ready", s.HolderID)
}

func (s *Supervisor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		if err := s.writeHeartbeat(ctx); err != nil {
			consecutiveFailures++
			if consecutiveFailures == maxHeartbeatFailures {
				slog.Warn("heartbeat write failing repeatedly", "failures", consecutiveFailures, "err", err)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// callTimeout bounds single store writes made outside a reconcile cycle.
func (s *Supervisor) callTimeout() time.Duration {
	if s.Reconcile.CallTimeout > 0 {
		return s.Reconcile.CallTimeout
	}
	return reconcile.DefaultCallTimeout
}

func (s *Supervisor) writeHeartbeat(ctx context.Context) error {
	now := s.getClock().Now().UTC().Format(time.RFC3339)
	if err := s.put(ctx, s.serverKey("heartbeat"), []byte(now)); err != nil {
		return err
	}
	if s.Hostname == "" {
		return nil
	}
	return s.put(ctx, s.serverKey("hostname"), []byte(s.Hostname))
}

func (s *Supervisor) put(ctx context.Context, key string, value []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()
	return s.Coordinator.Put(callCtx, key, value)
}

func (s *Supervisor) subscribeConfigsWithRetry(ctx context.Context) ([]scalewatch.KeyValue, <-chan scalewatch.ChangeEvent, error) {
	for range maxConfigSubscribeRetries {
		snapshot, changes, err := s.Configs.Subscribe(ctx, s.monitorsPrefix())
		if err == nil {
			return snapshot, changes, nil
		}
		s.emit("subscribe.error", err.Error())
		if !sleepContext(ctx, configSubscribeDelay) {
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, fmt.Errorf("monitor subscription failed after %d retries", maxConfigSubscribeRetries)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
