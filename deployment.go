package scalewatch

// DeploymentTarget is the observed state of one controller deployment.
//
// ResourceVersion is an opaque optimistic-concurrency token. A scale update
// must carry the most recently observed value or it is rejected with
// ErrConflict.
type DeploymentTarget struct {
	Namespace       string
	Name            string
	LabelSelector   string
	CurrentReplicas int
	ResourceVersion string
}

// Ref returns "namespace/name".
func (t DeploymentTarget) Ref() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "/" + t.Name
}
