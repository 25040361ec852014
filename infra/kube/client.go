// Package kube scales controller Deployments through the Kubernetes API.
package kube

import (
	"context"
	"fmt"
	"net/http"

	"scalewatch"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

const userAgent = "scalewatch"

type Client struct {
	cs kubernetes.Interface
}

func New(cs kubernetes.Interface) *Client {
	return &Client{cs: cs}
}

// NewFromKubeconfig builds a client from a kubeconfig path. With both
// arguments empty it uses the in-cluster service account.
func NewFromKubeconfig(kubeconfig, masterURL string) (*Client, error) {
	cfg, err := clientcmd.BuildConfigFromFlags(masterURL, kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	cfg.UserAgent = userAgent
	cfg.Wrap(func(rt http.RoundTripper) http.RoundTripper {
		return otelhttp.NewTransport(rt)
	})

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(cs), nil
}

func (c *Client) ListDeployments(ctx context.Context, namespace, selector string) ([]scalewatch.DeploymentTarget, error) {
	list, err := c.cs.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list deployments in %s: %w", namespace, err)
	}
	targets := make([]scalewatch.DeploymentTarget, 0, len(list.Items))
	for i := range list.Items {
		targets = append(targets, toTarget(&list.Items[i], selector))
	}
	return targets, nil
}

// ScaleDeployment sets spec.replicas on target. It fails with
// scalewatch.ErrConflict when the deployment changed since target was read.
func (c *Client) ScaleDeployment(ctx context.Context, target scalewatch.DeploymentTarget, replicas int) (scalewatch.DeploymentTarget, error) {
	api := c.cs.AppsV1().Deployments(target.Namespace)

	d, err := api.Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		return scalewatch.DeploymentTarget{}, mapError(target, err)
	}
	// An unversioned target was never read, so it cannot prove it is current.
	if target.ResourceVersion == "" || d.ResourceVersion != target.ResourceVersion {
		return scalewatch.DeploymentTarget{}, fmt.Errorf("deployment %s at version %s, read at %s: %w",
			target.Ref(), d.ResourceVersion, target.ResourceVersion, scalewatch.ErrConflict)
	}

	n := int32(replicas)
	d.Spec.Replicas = &n
	updated, err := api.Update(ctx, d, metav1.UpdateOptions{FieldManager: userAgent})
	if err != nil {
		return scalewatch.DeploymentTarget{}, mapError(target, err)
	}
	return toTarget(updated, target.LabelSelector), nil
}

func mapError(target scalewatch.DeploymentTarget, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("deployment %s: %w: %w", target.Ref(), scalewatch.ErrNotFound, err)
	case apierrors.IsConflict(err):
		return fmt.Errorf("deployment %s: %w: %w", target.Ref(), scalewatch.ErrConflict, err)
	default:
		return fmt.Errorf("deployment %s: %w", target.Ref(), err)
	}
}

func toTarget(d *appsv1.Deployment, selector string) scalewatch.DeploymentTarget {
	replicas := 1
	if d.Spec.Replicas != nil {
		replicas = int(*d.Spec.Replicas)
	}
	return scalewatch.DeploymentTarget{
		Namespace:       d.Namespace,
		Name:            d.Name,
		LabelSelector:   selector,
		CurrentReplicas: replicas,
		ResourceVersion: d.ResourceVersion,
	}
}
