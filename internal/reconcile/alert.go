package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// AlertKind names a condition an operator should look at.
type AlertKind string

const (
	// AlertTargetGone: a deployment vanished while being scaled.
	AlertTargetGone AlertKind = "target_gone"
	// AlertNoTargets: the selector matched no deployments.
	AlertNoTargets AlertKind = "no_targets"
	// AlertFailureBudget: consecutive failures forced a lease release.
	AlertFailureBudget AlertKind = "failure_budget"
)

type Alert struct {
	Stream string
	Kind   AlertKind
	Target string
	Err    error
	At     time.Time
}

func (r *Reconciler) alert(a Alert) {
	a.Stream = r.Config.Stream
	a.At = r.getClock().Now()

	attrs := []any{"stream", a.Stream, "alert", string(a.Kind)}
	if a.Target != "" {
		attrs = append(attrs, "deployment", a.Target)
	}
	if a.Err != nil {
		attrs = append(attrs, "err", a.Err)
	}
	slog.Error("scalewatch alert", attrs...)

	r.Metrics.Alert(context.Background(), a.Stream, string(a.Kind))
	if r.OnAlert != nil {
		r.OnAlert(a)
	}
}
