package supervisor

import (
	"slices"
	"strings"
	"time"

	"scalewatch/internal/reconcile"
)

// TaskStatus is the health view of one stream task.
type TaskStatus struct {
	Stream              string    `json:"stream"`
	Phase               string    `json:"phase"`
	Leased              bool      `json:"leased"`
	LastDesiredReplicas int       `json:"last_desired_replicas"`
	LastAppliedAt       time.Time `json:"last_applied_at,omitzero"`
	PendingReplicas     *int      `json:"pending_replicas,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	Gone                []string  `json:"gone,omitempty"`
}

type Status struct {
	HolderID            string       `json:"holder_id"`
	Ready               bool         `json:"ready"`
	LastSuccessfulCycle time.Time    `json:"last_successful_cycle,omitzero"`
	Tasks               []TaskStatus `json:"tasks"`
}

// Leased reports whether any task currently holds its stream lease.
func (s Status) Leased() bool {
	return slices.ContainsFunc(s.Tasks, func(t TaskStatus) bool { return t.Leased })
}

// Status returns a snapshot of every task, ordered by stream.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	out := Status{
		HolderID:            s.HolderID,
		Ready:               s.ready,
		LastSuccessfulCycle: s.lastSuccess,
		Tasks:               make([]TaskStatus, 0, len(s.tasks)),
	}
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		ts := TaskStatus{Stream: t.cfg.Stream, Phase: reconcile.PhaseUnleased.String()}
		if r := t.reconciler(); r != nil {
			st := r.Status()
			ts.Phase = st.Phase.String()
			ts.Leased = st.Phase.Leased()
			ts.LastDesiredReplicas = st.State.LastDesiredReplicas
			ts.LastAppliedAt = st.State.LastAppliedAt
			ts.ConsecutiveFailures = st.State.ConsecutiveFailures
			ts.LastSuccessAt = st.State.LastSuccessAt
			ts.Gone = st.Gone
			if st.State.HasPending {
				pending := st.State.PendingReplicas
				ts.PendingReplicas = &pending
			}
		}
		out.Tasks = append(out.Tasks, ts)
	}
	slices.SortFunc(out.Tasks, func(a, b TaskStatus) int { return strings.Compare(a.Stream, b.Stream) })
	return out
}

// Ready reports whether the initial configuration has been applied.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}
