package reconcile

import "scalewatch/internal/check"

// Phase is the reconciler's position in its per-stream state machine.
type Phase uint8

const (
	PhaseUnleased Phase = iota
	PhaseIdle
	PhaseReconciling
	PhaseCoolingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseUnleased:
		return "unleased"
	case PhaseIdle:
		return "idle"
	case PhaseReconciling:
		return "reconciling"
	case PhaseCoolingDown:
		return "cooling_down"
	default:
		return "unknown"
	}
}

// Transition returns to, or p when the move is not allowed. Disallowed moves
// panic in debug builds.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseUnleased:
		ok = to == PhaseIdle
	case PhaseIdle:
		ok = to == PhaseReconciling || to == PhaseUnleased
	case PhaseReconciling:
		ok = to == PhaseIdle || to == PhaseCoolingDown || to == PhaseUnleased
	case PhaseCoolingDown:
		ok = to == PhaseReconciling || to == PhaseIdle || to == PhaseUnleased
	}
	check.Assertf(ok, "reconcile phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// Leased reports whether the phase implies a held lease.
func (p Phase) Leased() bool {
	return p != PhaseUnleased
}
