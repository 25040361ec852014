package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scalewatch"
	"scalewatch/internal/check"
	"scalewatch/internal/monitor"
	"scalewatch/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// defaultPollInterval matches the run poll cadence of the run archive.
	defaultPollInterval = 20 * time.Second
	// DefaultCallTimeout bounds every backend call made inside a cycle.
	DefaultCallTimeout = 10 * time.Second
	// defaultFailureThreshold is 5 consecutive failed cycles before the lease is given up.
	defaultFailureThreshold = 5
	// defaultMaxMissedRenewals is 2: one lost renewal is tolerated, the second is not.
	defaultMaxMissedRenewals = 2
	releaseTimeout           = 5 * time.Second
)

// ErrFailureBudget is returned by Run when too many consecutive cycles failed
// and the lease was released so another instance can take over.
var ErrFailureBudget = errors.New("consecutive failure budget exhausted")

var errStopped = errors.New("reconciler stopped")

// Options tunes cadence and failure tolerance. Zero values take defaults.
type Options struct {
	PollInterval time.Duration
	// RenewInterval defaults to, and is capped at, a third of the lease TTL.
	RenewInterval     time.Duration
	CallTimeout       time.Duration
	FailureThreshold  int
	MaxMissedRenewals int
}

func (o Options) withDefaults(ttl time.Duration) Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = defaultFailureThreshold
	}
	if o.MaxMissedRenewals <= 0 {
		o.MaxMissedRenewals = defaultMaxMissedRenewals
	}
	if limit := ttl / 3; ttl > 0 && (o.RenewInterval <= 0 || o.RenewInterval > limit) {
		o.RenewInterval = limit
	}
	return o
}

// State is the per-lease memory of a reconciler. It is discarded when the
// lease is lost; a fresh holder starts from the zero value.
type State struct {
	LastDesiredReplicas int
	LastAppliedAt       time.Time
	ConsecutiveFailures int
	// PendingReplicas is the target held back by the cooldown, valid when HasPending.
	PendingReplicas int
	HasPending      bool
	LastSuccessAt   time.Time
}

// Status is a point-in-time view of a reconciler for health reporting.
type Status struct {
	Stream string
	Phase  Phase
	State  State
	Lease  scalewatch.Lease
	Gone   []string
}

// Reconciler drives the deployments of one stream toward the replica count
// implied by its backlog, for as long as it holds that stream's lease.
type Reconciler struct {
	Config       monitor.Config
	Leases       LeaseKeeper  // injected: renews and releases the stream lease
	Orchestrator Orchestrator // injected: lists and scales deployments
	Backlog      BacklogReader
	Clock        scalewatch.Clock
	Options      Options
	Metrics      *telemetry.Metrics
	Tracer       trace.Tracer
	OnEvent      func(eventType, message string)
	OnAlert      func(Alert)
	OnSuccess    func(stream string, at time.Time)

	mu        sync.Mutex
	started   bool
	phase     Phase
	state     State
	lease     scalewatch.Lease
	gone      map[string]struct{}
	noTargets bool
}

func (r *Reconciler) getClock() scalewatch.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return scalewatch.RealClock{}
}

func (r *Reconciler) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return noop.NewTracerProvider().Tracer(telemetry.ScopeName)
}

func (r *Reconciler) emit(eventType, message string) {
	if r.OnEvent != nil {
		r.OnEvent(eventType, message)
	}
	slog.Debug("reconcile event", "stream", r.Config.Stream, "event", eventType, "message", message)
}

// Run reconciles until ctx is cancelled, the lease is lost or the failure
// budget is spent. The lease must already be held. A Reconciler runs once.
//
// Returns nil on cancellation, an error wrapping scalewatch.ErrLeaseExpired
// when renewal failed, or one wrapping ErrFailureBudget after a voluntary
// release.
func (r *Reconciler) Run(ctx context.Context, lease scalewatch.Lease) error {
	check.Assert(r.Leases != nil, "Reconciler.Run: Leases must not be nil")
	check.Assert(r.Orchestrator != nil, "Reconciler.Run: Orchestrator must not be nil")
	check.Assert(r.Backlog != nil, "Reconciler.Run: Backlog must not be nil")
	check.Assert(!lease.IsZero(), "Reconciler.Run: lease must be held")

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("reconciler for stream %s already ran", r.Config.Stream)
	}
	r.started = true
	r.Options = r.Options.withDefaults(lease.TTL)
	r.lease = lease
	r.gone = make(map[string]struct{})
	r.phase = r.phase.Transition(PhaseIdle)
	r.mu.Unlock()

	r.Metrics.LeaseHeld(ctx, r.Config.Stream, 1)
	defer r.Metrics.LeaseHeld(context.WithoutCancel(ctx), r.Config.Stream, -1)
	r.emit("lease.held", fmt.Sprintf("holding %s until renewal fails", lease.Key))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		r.keepLease(runCtx, cancel)
	}()

	loopErr := r.loop(runCtx)
	cancel(errStopped)
	<-keeperDone

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, scalewatch.ErrLeaseExpired):
		r.unlease()
		slog.Warn("stream lease lost, stopped reconciling", "stream", r.Config.Stream, "err", cause)
		return fmt.Errorf("stream %s: %w", r.Config.Stream, cause)
	case loopErr != nil:
		r.release(ctx)
		r.unlease()
		return fmt.Errorf("stream %s: %w", r.Config.Stream, loopErr)
	default:
		r.release(ctx)
		r.unlease()
		return nil
	}
}

func (r *Reconciler) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.Options.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures := r.recordFailure()
			slog.Warn("reconcile cycle failed", "stream", r.Config.Stream, "failures", failures, "err", err)
			if failures >= r.Options.FailureThreshold {
				r.alert(Alert{Kind: AlertFailureBudget, Err: err})
				return fmt.Errorf("%w after %d cycles: %w", ErrFailureBudget, failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle performs one observe, compute, converge pass.
func (r *Reconciler) cycle(ctx context.Context) (err error) {
	stream := r.Config.Stream
	r.setPhase(PhaseReconciling)
	defer r.settle()

	tracer := r.tracer()
	ctx, span := tracer.Start(ctx, "reconcile.cycle", trace.WithAttributes(attribute.String("stream", stream)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	var backlog scalewatch.Backlog
	err = telemetry.Step(ctx, tracer, "backlog", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.Options.CallTimeout)
		defer cancel()
		b, err := r.Backlog.Backlog(callCtx, r.Config.Filter)
		backlog = b
		return err
	})
	if err != nil {
		r.Metrics.Cycle(ctx, stream, telemetry.ResultSkipped)
		return fmt.Errorf("backlog unknown, no scaling this cycle: %w", err)
	}

	desired := DesiredReplicas(backlog, r.Config)
	r.Metrics.Desired(ctx, stream, desired)
	span.SetAttributes(
		attribute.Int("backlog.queued", backlog.Queued),
		attribute.Int("backlog.running", backlog.Running),
		attribute.Int("replicas.desired", desired),
	)

	var targets []scalewatch.DeploymentTarget
	err = telemetry.Step(ctx, tracer, "list", func(ctx context.Context) error {
		t, err := r.listDeployments(ctx)
		targets = t
		return err
	})
	if err != nil {
		r.Metrics.Cycle(ctx, stream, telemetry.ResultFailure)
		return err
	}

	live := r.liveTargets(targets)
	if len(live) == 0 {
		r.reportNoTargets()
		r.recordSuccess(ctx)
		r.Metrics.Cycle(ctx, stream, telemetry.ResultSkipped)
		return nil
	}
	r.mu.Lock()
	r.noTargets = false
	r.mu.Unlock()

	err = telemetry.Step(ctx, tracer, "converge", func(ctx context.Context) error {
		return r.converge(ctx, live, desired)
	})
	if err != nil {
		r.Metrics.Cycle(ctx, stream, telemetry.ResultFailure)
		return err
	}

	r.recordSuccess(ctx)
	r.Metrics.Cycle(ctx, stream, telemetry.ResultSuccess)
	return nil
}

// converge moves every live target to desired, honouring the stream cooldown
// once for the whole cycle.
func (r *Reconciler) converge(ctx context.Context, targets []scalewatch.DeploymentTarget, desired int) error {
	now := r.getClock().Now()
	open := r.cooldownElapsed(now)

	var errs []error
	applied, deferred := false, false
	for _, target := range targets {
		if target.CurrentReplicas == desired {
			continue
		}
		if !open {
			deferred = true
			r.Metrics.Scale(ctx, r.Config.Stream, telemetry.ScaleDeferred)
			r.emit("scale.deferred", fmt.Sprintf("%s: %d -> %d held by cooldown", target.Ref(), target.CurrentReplicas, desired))
			continue
		}
		ok, err := r.scale(ctx, target, desired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		applied = applied || ok
	}

	r.mu.Lock()
	switch {
	case applied:
		r.state.LastDesiredReplicas = desired
		r.state.LastAppliedAt = now
		r.state.HasPending = false
	case deferred:
		r.state.PendingReplicas = desired
		r.state.HasPending = true
	case len(errs) == 0:
		r.state.HasPending = false
	}
	r.mu.Unlock()

	return errors.Join(errs...)
}

// scale applies one change, re-reading and retrying exactly once on a
// concurrent modification. It reports whether a change was applied.
func (r *Reconciler) scale(ctx context.Context, target scalewatch.DeploymentTarget, desired int) (bool, error) {
	stream := r.Config.Stream
	from := target.CurrentReplicas

	_, err := r.scaleDeployment(ctx, target, desired)
	if errors.Is(err, scalewatch.ErrConflict) {
		r.Metrics.Scale(ctx, stream, telemetry.ScaleConflict)
		r.emit("scale.conflict", fmt.Sprintf("%s modified concurrently, re-reading", target.Ref()))

		fresh, readErr := r.reread(ctx, target)
		switch {
		case errors.Is(readErr, scalewatch.ErrNotFound):
			err = readErr
		case readErr != nil:
			r.Metrics.Scale(ctx, stream, telemetry.ScaleFailed)
			return false, fmt.Errorf("re-read %s after conflict: %w", target.Ref(), readErr)
		case fresh.CurrentReplicas == desired:
			r.emit("scale.settled", fmt.Sprintf("%s already at %d after re-read", target.Ref(), desired))
			return false, nil
		default:
			from = fresh.CurrentReplicas
			_, err = r.scaleDeployment(ctx, fresh, desired)
		}
	}

	switch {
	case err == nil:
		r.Metrics.Scale(ctx, stream, telemetry.ScaleApplied)
		slog.Info("scaled deployment", "stream", stream, "deployment", target.Ref(), "from", from, "to", desired)
		r.emit("scale.applied", fmt.Sprintf("%s: %d -> %d", target.Ref(), from, desired))
		return true, nil
	case errors.Is(err, scalewatch.ErrNotFound):
		r.markGone(target, err)
		return false, nil
	case errors.Is(err, scalewatch.ErrConflict):
		r.Metrics.Scale(ctx, stream, telemetry.ScaleFailed)
		return false, fmt.Errorf("scale %s: still conflicting after re-read: %w", target.Ref(), err)
	default:
		r.Metrics.Scale(ctx, stream, telemetry.ScaleFailed)
		return false, fmt.Errorf("scale %s to %d: %w", target.Ref(), desired, err)
	}
}

func (r *Reconciler) listDeployments(ctx context.Context) ([]scalewatch.DeploymentTarget, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.Options.CallTimeout)
	defer cancel()
	targets, err := r.Orchestrator.ListDeployments(callCtx, r.Config.Namespace, r.Config.Selector)
	if err != nil {
		return nil, fmt.Errorf("list deployments %s/%s: %w", r.Config.Namespace, r.Config.Selector, err)
	}
	return targets, nil
}

func (r *Reconciler) scaleDeployment(ctx context.Context, target scalewatch.DeploymentTarget, replicas int) (scalewatch.DeploymentTarget, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.Options.CallTimeout)
	defer cancel()
	return r.Orchestrator.ScaleDeployment(callCtx, target, replicas)
}

func (r *Reconciler) reread(ctx context.Context, target scalewatch.DeploymentTarget) (scalewatch.DeploymentTarget, error) {
	targets, err := r.listDeployments(ctx)
	if err != nil {
		return scalewatch.DeploymentTarget{}, err
	}
	for _, t := range targets {
		if t.Namespace == target.Namespace && t.Name == target.Name {
			return t, nil
		}
	}
	return scalewatch.DeploymentTarget{}, fmt.Errorf("%s: %w", target.Ref(), scalewatch.ErrNotFound)
}

func (r *Reconciler) liveTargets(targets []scalewatch.DeploymentTarget) []scalewatch.DeploymentTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]scalewatch.DeploymentTarget, 0, len(targets))
	for _, t := range targets {
		if _, gone := r.gone[t.Ref()]; gone {
			continue
		}
		live = append(live, t)
	}
	return live
}

func (r *Reconciler) markGone(target scalewatch.DeploymentTarget, err error) {
	r.mu.Lock()
	r.gone[target.Ref()] = struct{}{}
	r.mu.Unlock()
	r.Metrics.Scale(context.Background(), r.Config.Stream, telemetry.ScaleGone)
	r.alert(Alert{Kind: AlertTargetGone, Target: target.Ref(), Err: err})
}

func (r *Reconciler) reportNoTargets() {
	r.mu.Lock()
	already := r.noTargets
	r.noTargets = true
	r.mu.Unlock()
	if !already {
		r.alert(Alert{Kind: AlertNoTargets})
	}
}

func (r *Reconciler) cooldownElapsed(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.LastAppliedAt.IsZero() {
		return true
	}
	return now.Sub(r.state.LastAppliedAt) >= r.Config.ScaleCooldown
}

func (r *Reconciler) recordFailure() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ConsecutiveFailures++
	return r.state.ConsecutiveFailures
}

func (r *Reconciler) recordSuccess(ctx context.Context) {
	now := r.getClock().Now()
	r.mu.Lock()
	r.state.ConsecutiveFailures = 0
	r.state.LastSuccessAt = now
	r.mu.Unlock()
	if r.OnSuccess != nil && ctx.Err() == nil {
		r.OnSuccess(r.Config.Stream, now)
	}
}

func (r *Reconciler) setPhase(to Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = r.phase.Transition(to)
}

// settle leaves the reconciling phase for idle or cooling_down.
func (r *Reconciler) settle() {
	now := r.getClock().Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseReconciling {
		return
	}
	if !r.state.LastAppliedAt.IsZero() && now.Sub(r.state.LastAppliedAt) < r.Config.ScaleCooldown {
		r.phase = r.phase.Transition(PhaseCoolingDown)
		return
	}
	r.phase = r.phase.Transition(PhaseIdle)
}

func (r *Reconciler) unlease() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseUnleased {
		return
	}
	r.phase = r.phase.Transition(PhaseUnleased)
	r.state = State{}
	r.lease = scalewatch.Lease{}
}

// release gives the lease up voluntarily so another holder need not wait for expiry.
func (r *Reconciler) release(ctx context.Context) {
	lease := r.currentLease()
	if lease.IsZero() {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.Leases.ReleaseLease(releaseCtx, lease); err != nil {
		slog.Warn("release stream lease", "stream", r.Config.Stream, "key", lease.Key, "err", err)
		return
	}
	r.emit("lease.released", lease.Key)
}

func (r *Reconciler) currentLease() scalewatch.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

// Status returns a snapshot safe to read from other goroutines.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	gone := make([]string, 0, len(r.gone))
	for ref := range r.gone {
		gone = append(gone, ref)
	}
	return Status{
		Stream: r.Config.Stream,
		Phase:  r.phase,
		State:  r.state,
		Lease:  r.lease,
		Gone:   gone,
	}
}
