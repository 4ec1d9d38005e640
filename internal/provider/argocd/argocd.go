// Package argocd registers applications with Argo CD through its Application
// custom resource.
package argocd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/dynamic"

	"github.com/singh-krishan/idp/internal/provider"
)

const (
	// ProjectLabel carries the owning project id on every Application.
	ProjectLabel = "idp.platform/project-id"
	// MinReplicasAnnotation records the readiness threshold for the health reader.
	MinReplicasAnnotation = "idp.platform/min-replicas"

	resourcesFinalizer = "resources-finalizer.argocd.argoproj.io"
	defaultNamespace   = "argocd"
	defaultServer      = "https://kubernetes.default.svc"
	defaultProject     = "default"
)

// ApplicationGVR is the Argo CD Application resource.
var ApplicationGVR = schema.GroupVersionResource{
	Group:    "argoproj.io",
	Version:  "v1alpha1",
	Resource: "applications",
}

var _ provider.GitOpsRegistrar = (*Registrar)(nil)

// Options tunes the generated Application.
type Options struct {
	Namespace string
	Project   string
	Server    string
}

// Registrar creates and deletes Argo CD Applications.
type Registrar struct {
	dynamic dynamic.Interface
	opts    Options
	log     *slog.Logger
}

// New returns a Registrar writing Applications into opts.Namespace.
func New(client dynamic.Interface, opts Options, logger *slog.Logger) *Registrar {
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.Project == "" {
		opts.Project = defaultProject
	}
	if opts.Server == "" {
		opts.Server = defaultServer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{dynamic: client, opts: opts, log: logger.With("component", "argocd")}
}

// RegisterApplication creates the Application for repo.
func (r *Registrar) RegisterApplication(ctx context.Context, projectID string, repo provider.RepoRef, desired provider.DesiredState) (provider.AppRef, error) {
	const op = "argocd.register_application"
	app, err := r.buildApplication(projectID, repo, desired)
	if err != nil {
		return provider.AppRef{}, provider.NewPermanent(op, provider.CodeInvalidManifest, err)
	}
	created, err := r.dynamic.Resource(ApplicationGVR).Namespace(r.opts.Namespace).Create(ctx, app, metav1.CreateOptions{})
	if err != nil {
		return provider.AppRef{}, classify(op, err)
	}
	r.log.Info("application registered", "name", created.GetName(), "project_id", projectID, "destination", desired.Namespace)
	return appRef(created), nil
}

// FindApplication returns the Application called name.
func (r *Registrar) FindApplication(ctx context.Context, name string) (provider.AppRef, error) {
	obj, err := r.dynamic.Resource(ApplicationGVR).Namespace(r.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return provider.AppRef{}, classify("argocd.find_application", err)
	}
	return appRef(obj), nil
}

// DeregisterApplication deletes the Application; the resources finalizer
// removes what it deployed. A missing Application counts as deleted.
func (r *Registrar) DeregisterApplication(ctx context.Context, app provider.AppRef) error {
	policy := metav1.DeletePropagationForeground
	err := r.dynamic.Resource(ApplicationGVR).Namespace(r.opts.Namespace).Delete(ctx, app.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return classify("argocd.deregister_application", err)
	}
	r.log.Info("application deregistered", "name", app.Name)
	return nil
}

func (r *Registrar) buildApplication(projectID string, repo provider.RepoRef, desired provider.DesiredState) (*unstructured.Unstructured, error) {
	if errs := validation.IsDNS1123Label(desired.Name); len(errs) > 0 {
		return nil, fmt.Errorf("application name %q: %s", desired.Name, strings.Join(errs, "; "))
	}
	if errs := validation.IsDNS1123Label(desired.Namespace); len(errs) > 0 {
		return nil, fmt.Errorf("destination namespace %q: %s", desired.Namespace, strings.Join(errs, "; "))
	}
	if err := validateRepoURL(repo.CloneURL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("project id is required")
	}
	path := desired.Path
	if path == "" {
		path = "helm"
	}
	revision := desired.TargetRevision
	if revision == "" {
		revision = "HEAD"
	}
	minReplicas := desired.MinReplicas
	if minReplicas < 1 {
		minReplicas = 1
	}

	spec := map[string]any{
		"project": r.opts.Project,
		"source": map[string]any{
			"repoURL":        repo.CloneURL,
			"targetRevision": revision,
			"path":           path,
			"helm": map[string]any{
				"releaseName": desired.Name,
			},
		},
		"destination": map[string]any{
			"server":    r.opts.Server,
			"namespace": desired.Namespace,
		},
	}
	syncPolicy := map[string]any{
		"syncOptions": []any{"CreateNamespace=true"},
	}
	if desired.AutoSync {
		syncPolicy["automated"] = map[string]any{"prune": true, "selfHeal": true}
	}
	spec["syncPolicy"] = syncPolicy

	app := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "argoproj.io/v1alpha1",
		"kind":       "Application",
		"metadata": map[string]any{
			"name":      desired.Name,
			"namespace": r.opts.Namespace,
		},
		"spec": spec,
	}}
	app.SetLabels(map[string]string{
		ProjectLabel:                   projectID,
		"app.kubernetes.io/managed-by": "idp",
	})
	app.SetAnnotations(map[string]string{MinReplicasAnnotation: strconv.Itoa(minReplicas)})
	app.SetFinalizers([]string{resourcesFinalizer})
	return app, nil
}

func validateRepoURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("repository url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("repository url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("repository url %q must be an http(s) url", raw)
	}
	return nil
}

func appRef(obj *unstructured.Unstructured) provider.AppRef {
	ref := provider.AppRef{
		Name:      obj.GetName(),
		Namespace: destinationNamespace(obj),
		ProjectID: obj.GetLabels()[ProjectLabel],
	}
	if n, err := strconv.Atoi(obj.GetAnnotations()[MinReplicasAnnotation]); err == nil {
		ref.MinReplicas = n
	}
	return ref
}

func destinationNamespace(obj *unstructured.Unstructured) string {
	ns, _, _ := unstructured.NestedString(obj.Object, "spec", "destination", "namespace")
	return ns
}

func classify(op string, err error) error {
	switch {
	case apierrors.IsAlreadyExists(err):
		return provider.NewPermanent(op, provider.CodeAlreadyExists, err)
	case apierrors.IsNotFound(err):
		return provider.NewTransient(op, provider.CodeNotFound, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return provider.NewPermanent(op, provider.CodeInvalidManifest, err)
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
