package scalewatch

import "time"

// Lease is an exclusive, time-bounded claim on a coordination-store key.
// Revision proves ownership and must be presented on renewal and release.
type Lease struct {
	Key      string
	HolderID string
	TTL      time.Duration
	Revision string
}

// IsZero reports whether the lease was never acquired.
func (l Lease) IsZero() bool {
	return l.Key == "" && l.Revision == ""
}

// ChangeKind describes what happened to a watched key.
type ChangeKind uint8

const (
	ChangePut ChangeKind = iota + 1
	ChangeDelete
	// ChangeResync replaces all state under the watched prefix with Snapshot.
	ChangeResync
)

func (k ChangeKind) String() string {
	switch k {
	case ChangePut:
		return "put"
	case ChangeDelete:
		return "delete"
	case ChangeResync:
		return "resync"
	default:
		return "unknown"
	}
}

// KeyValue is a single entry read from the coordination store.
type KeyValue struct {
	Key   string
	Value []byte
}

// ChangeEvent is one change observed under a watched prefix.
type ChangeEvent struct {
	Kind     ChangeKind
	Key      string
	Value    []byte
	Snapshot []KeyValue // only set for ChangeResync
}

// IsDelete reports whether the key was removed.
func (e ChangeEvent) IsDelete() bool {
	return e.Kind == ChangeDelete
}
