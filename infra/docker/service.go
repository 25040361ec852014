// Package docker scales controller services on a Docker Swarm cluster. A
// stack plays the role of a namespace.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"scalewatch"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

// StackNamespaceLabel is set by `docker stack deploy` on every service.
const StackNamespaceLabel = "com.docker.stack.namespace"

type Client struct {
	docker client.APIClient
}

func New(docker client.APIClient) *Client {
	return &Client{docker: docker}
}

// NewFromEnv connects using DOCKER_HOST and related environment variables.
func NewFromEnv() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return New(cli), nil
}

func (c *Client) Close() error {
	if closer, ok := c.docker.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// ListDeployments returns replicated services in stack namespace whose labels
// match selector, a comma-separated list of key=value or key terms.
func (c *Client) ListDeployments(ctx context.Context, namespace, selector string) ([]scalewatch.DeploymentTarget, error) {
	args := filters.NewArgs()
	for _, term := range strings.Split(selector, ",") {
		if term = strings.TrimSpace(term); term != "" {
			args.Add("label", term)
		}
	}
	if namespace != "" {
		args.Add("label", StackNamespaceLabel+"="+namespace)
	}

	services, err := c.docker.ServiceList(ctx, types.ServiceListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list services in %s: %w", namespace, err)
	}
	targets := make([]scalewatch.DeploymentTarget, 0, len(services))
	for _, svc := range services {
		if t, ok := toTarget(svc, namespace, selector); ok {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// ScaleDeployment sets the replica count of a replicated service. The swarm
// object version serves as the resource version.
func (c *Client) ScaleDeployment(ctx context.Context, target scalewatch.DeploymentTarget, replicas int) (scalewatch.DeploymentTarget, error) {
	svc, _, err := c.docker.ServiceInspectWithRaw(ctx, target.Name, types.ServiceInspectOptions{})
	if err != nil {
		return scalewatch.DeploymentTarget{}, mapError(target, err)
	}
	if svc.Spec.Mode.Replicated == nil {
		return scalewatch.DeploymentTarget{}, fmt.Errorf("service %s is not replicated", target.Ref())
	}
	version := strconv.FormatUint(svc.Version.Index, 10)
	if target.ResourceVersion == "" || version != target.ResourceVersion {
		return scalewatch.DeploymentTarget{}, fmt.Errorf("service %s at version %s, read at %s: %w",
			target.Ref(), version, target.ResourceVersion, scalewatch.ErrConflict)
	}

	spec := svc.Spec
	n := uint64(replicas)
	spec.Mode.Replicated = &swarm.ReplicatedService{Replicas: &n}
	resp, err := c.docker.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{})
	if err != nil {
		return scalewatch.DeploymentTarget{}, mapError(target, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("service update warning", "service", target.Ref(), "warning", w)
	}

	updated := target
	updated.CurrentReplicas = replicas
	updated.ResourceVersion = ""
	return updated, nil
}

func mapError(target scalewatch.DeploymentTarget, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("service %s: %w: %w", target.Ref(), scalewatch.ErrNotFound, err)
	case errdefs.IsConflict(err), strings.Contains(err.Error(), "update out of sequence"):
		return fmt.Errorf("service %s: %w: %w", target.Ref(), scalewatch.ErrConflict, err)
	default:
		return fmt.Errorf("service %s: %w", target.Ref(), err)
	}
}

func toTarget(svc swarm.Service, namespace, selector string) (scalewatch.DeploymentTarget, bool) {
	rep := svc.Spec.Mode.Replicated
	if rep == nil {
		return scalewatch.DeploymentTarget{}, false
	}
	replicas := 1
	if rep.Replicas != nil {
		replicas = int(*rep.Replicas)
	}
	if ns, ok := svc.Spec.Labels[StackNamespaceLabel]; ok {
		namespace = ns
	}
	return scalewatch.DeploymentTarget{
		Namespace:       namespace,
		Name:            svc.Spec.Name,
		LabelSelector:   selector,
		CurrentReplicas: replicas,
		ResourceVersion: strconv.FormatUint(svc.Version.Index, 10),
	}, true
}
