// Package provider declares the capabilities the provisioning pipeline needs
// from external platforms, and the error classification shared by all
// adapters.
package provider

import (
	"context"

	"github.com/singh-krishan/idp/internal/template"
)

// CIStatus is the normalized state of the latest CI run.
type CIStatus string

// CI run states.
const (
	CIQueued    CIStatus = "queued"
	CIRunning   CIStatus = "running"
	CISucceeded CIStatus = "succeeded"
	CIFailed    CIStatus = "failed"
	CIUnknown   CIStatus = "unknown"
)

// RepoRef identifies a source repository.
type RepoRef struct {
	Org           string
	Name          string
	URL           string
	CloneURL      string
	DefaultBranch string
	// ProjectID is the owning project recorded on the repository, empty when
	// the repository carries no ownership marker.
	ProjectID string
}

// Commit is a pushed revision.
type Commit struct {
	SHA     string
	Message string
}

// DesiredState is what the GitOps controller should keep deployed.
type DesiredState struct {
	Name           string
	Namespace      string
	Path           string
	TargetRevision string
	MinReplicas    int
	AutoSync       bool
}

// AppRef identifies a registered GitOps application.
type AppRef struct {
	Name        string
	Namespace   string
	ProjectID   string
	MinReplicas int
}

// SourceControl creates repositories and publishes file trees.
type SourceControl interface {
	CreateRepository(ctx context.Context, org, name, projectID string) (RepoRef, error)
	FindRepository(ctx context.Context, org, name string) (RepoRef, error)
	// PushTree commits tree to the default branch. Pushing a tree whose commit
	// message matches the branch head is a no-op.
	PushTree(ctx context.Context, repo RepoRef, tree template.FileTree, message string) (Commit, error)
	DeleteRepository(ctx context.Context, repo RepoRef) error
}

// CIStatusReader reports the latest CI run for a repository.
type CIStatusReader interface {
	// LatestRunStatus returns CIUnknown, not an error, when no run is visible yet.
	LatestRunStatus(ctx context.Context, repo RepoRef) (CIStatus, error)
}

// GitOpsRegistrar registers applications with the GitOps controller.
type GitOpsRegistrar interface {
	RegisterApplication(ctx context.Context, projectID string, repo RepoRef, desired DesiredState) (AppRef, error)
	FindApplication(ctx context.Context, name string) (AppRef, error)
	DeregisterApplication(ctx context.Context, app AppRef) error
}

// HealthReader reports whether a deployed application serves traffic.
type HealthReader interface {
	// IsHealthy returns false with a nil error while the workload is not ready yet.
	IsHealthy(ctx context.Context, app AppRef) (bool, error)
}
