package kube

import (
	"context"
	"log/slog"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/singh-krishan/idp/internal/provider"
)

var _ provider.HealthReader = (*HealthReader)(nil)

// HealthReader checks the Deployment and Ingress an application rolled out.
type HealthReader struct {
	client kubernetes.Interface
	log    *slog.Logger
}

// NewHealthReader returns a HealthReader on client.
func NewHealthReader(client kubernetes.Interface, logger *slog.Logger) *HealthReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthReader{client: client, log: logger.With("component", "kube_health")}
}

// IsHealthy reports whether enough replicas are ready and the ingress has an address.
func (h *HealthReader) IsHealthy(ctx context.Context, app provider.AppRef) (bool, error) {
	const op = "kube.is_healthy"
	want := int32(app.MinReplicas)
	if want < 1 {
		want = 1
	}

	deploy, err := h.client.AppsV1().Deployments(app.Namespace).Get(ctx, app.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(op, err)
	}
	if deploy.Status.ReadyReplicas < want || deploy.Status.AvailableReplicas < want {
		h.log.Debug("deployment not ready", "name", app.Name, "ready", deploy.Status.ReadyReplicas, "available", deploy.Status.AvailableReplicas, "want", want)
		return false, nil
	}

	ing, err := h.client.NetworkingV1().Ingresses(app.Namespace).Get(ctx, app.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(op, err)
	}
	return hasAddress(ing), nil
}

func hasAddress(ing *networkingv1.Ingress) bool {
	for _, lb := range ing.Status.LoadBalancer.Ingress {
		if lb.IP != "" || lb.Hostname != "" {
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	switch {
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return provider.NewPermanent(op, provider.CodeAuthFailed, err)
	case apierrors.IsTooManyRequests(err):
		return provider.NewTransient(op, provider.CodeRateLimited, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return provider.NewTransient(op, provider.CodeTimeout, err)
	default:
		return provider.NewTransient(op, provider.CodeUnavailable, err)
	}
}
