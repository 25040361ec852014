package docker

import (
	"context"
	"errors"
	"slices"
	"testing"

	"scalewatch"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

// fakeDocker records calls and returns configured responses.
// Embeds client.APIClient so unused methods panic if called.
type fakeDocker struct {
	client.APIClient

	services  []swarm.Service
	listOpts  types.ServiceListOptions
	updateErr error

	updatedVersion swarm.Version
	updatedSpec    swarm.ServiceSpec
	calls          []string
}

func (f *fakeDocker) ServiceList(_ context.Context, opts types.ServiceListOptions) ([]swarm.Service, error) {
	f.calls = append(f.calls, "List")
	f.listOpts = opts
	return f.services, nil
}

func (f *fakeDocker) ServiceInspectWithRaw(_ context.Context, name string, _ types.ServiceInspectOptions) (swarm.Service, []byte, error) {
	f.calls = append(f.calls, "Inspect")
	for _, svc := range f.services {
		if svc.Spec.Name == name {
			return svc, nil, nil
		}
	}
	return swarm.Service{}, nil, errdefs.ErrNotFound
}

func (f *fakeDocker) ServiceUpdate(_ context.Context, _ string, version swarm.Version, spec swarm.ServiceSpec, _ types.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error) {
	f.calls = append(f.calls, "Update")
	f.updatedVersion = version
	f.updatedSpec = spec
	return swarm.ServiceUpdateResponse{}, f.updateErr
}

func replicated(name string, replicas, version uint64) swarm.Service {
	svc := swarm.Service{ID: name + "-id"}
	svc.Version.Index = version
	svc.Spec.Name = name
	svc.Spec.Labels = map[string]string{StackNamespaceLabel: "galasa", "app": "engine-controller"}
	svc.Spec.Mode.Replicated = &swarm.ReplicatedService{Replicas: &replicas}
	return svc
}

func TestListDeployments_SkipsGlobalServices(t *testing.T) {
	global := swarm.Service{ID: "agent-id"}
	global.Spec.Name = "agent"
	global.Spec.Mode.Global = &swarm.GlobalService{}

	fake := &fakeDocker{services: []swarm.Service{replicated("galasa_engine", 2, 7), global}}
	c := New(fake)

	targets, err := c.ListDeployments(context.Background(), "galasa", "app=engine-controller, tier")
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 {
		t.Fatalf("targets = %+v", targets)
	}
	got := targets[0]
	if got.Ref() != "galasa/galasa_engine" || got.CurrentReplicas != 2 || got.ResourceVersion != "7" {
		t.Fatalf("target = %+v", got)
	}

	labels := fake.listOpts.Filters.Get("label")
	slices.Sort(labels)
	want := []string{"app=engine-controller", StackNamespaceLabel + "=galasa", "tier"}
	if !slices.Equal(labels, want) {
		t.Fatalf("label filters = %v, want %v", labels, want)
	}
}

func TestScaleDeployment_UpdatesAtReadVersion(t *testing.T) {
	fake := &fakeDocker{services: []swarm.Service{replicated("galasa_engine", 1, 7)}}
	c := New(fake)

	target := scalewatch.DeploymentTarget{Namespace: "galasa", Name: "galasa_engine", CurrentReplicas: 1, ResourceVersion: "7"}
	updated, err := c.ScaleDeployment(context.Background(), target, 3)
	if err != nil {
		t.Fatal(err)
	}
	if updated.CurrentReplicas != 3 {
		t.Fatalf("CurrentReplicas = %d", updated.CurrentReplicas)
	}
	if fake.updatedVersion.Index != 7 {
		t.Fatalf("updated at version %d, want 7", fake.updatedVersion.Index)
	}
	if got := *fake.updatedSpec.Mode.Replicated.Replicas; got != 3 {
		t.Fatalf("spec replicas = %d, want 3", got)
	}
}

func TestScaleDeployment_Errors(t *testing.T) {
	tests := []struct {
		name      string
		target    scalewatch.DeploymentTarget
		updateErr error
		want      error
		calls     []string
	}{
		{
			name:   "stale version",
			target: scalewatch.DeploymentTarget{Name: "galasa_engine", ResourceVersion: "6"},
			want:   scalewatch.ErrConflict,
			calls:  []string{"Inspect"},
		},
		{
			name:      "out of sequence",
			target:    scalewatch.DeploymentTarget{Name: "galasa_engine", ResourceVersion: "7"},
			updateErr: errors.New("rpc error: code = Unknown desc = update out of sequence"),
			want:      scalewatch.ErrConflict,
			calls:     []string{"Inspect", "Update"},
		},
		{
			name:      "removed during update",
			target:    scalewatch.DeploymentTarget{Name: "galasa_engine", ResourceVersion: "7"},
			updateErr: errdefs.ErrNotFound,
			want:      scalewatch.ErrNotFound,
			calls:     []string{"Inspect", "Update"},
		},
		{
			name:   "unversioned target",
			target: scalewatch.DeploymentTarget{Name: "galasa_engine"},
			want:   scalewatch.ErrConflict,
			calls:  []string{"Inspect"},
		},
		{
			name:   "missing service",
			target: scalewatch.DeploymentTarget{Name: "galasa_gone"},
			want:   scalewatch.ErrNotFound,
			calls:  []string{"Inspect"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDocker{
				services:  []swarm.Service{replicated("galasa_engine", 1, 7)},
				updateErr: tt.updateErr,
			}
			_, err := New(fake).ScaleDeployment(context.Background(), tt.target, 2)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !slices.Equal(fake.calls, tt.calls) {
				t.Errorf("calls = %v, want %v", fake.calls, tt.calls)
			}
		})
	}
}
