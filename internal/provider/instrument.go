package provider

import (
	"context"
	"time"

	"github.com/singh-krishan/idp/internal/template"
)

// CallObserver records adapter calls.
type CallObserver interface {
	ExternalCall(service, operation string, err error, d time.Duration)
}

// Set bundles the adapters the orchestrator uses.
type Set struct {
	Source SourceControl
	CI     CIStatusReader
	GitOps GitOpsRegistrar
	Health HealthReader
}

// Instrument wraps every adapter in s so calls are reported to obs.
func Instrument(s Set, obs CallObserver) Set {
	if obs == nil {
		return s
	}
	return Set{
		Source: instrumentedSource{next: s.Source, obs: obs},
		CI:     instrumentedCI{next: s.CI, obs: obs},
		GitOps: instrumentedGitOps{next: s.GitOps, obs: obs},
		Health: instrumentedHealth{next: s.Health, obs: obs},
	}
}

func observe(obs CallObserver, service, op string, start time.Time, err error) {
	obs.ExternalCall(service, op, err, time.Since(start))
}

type instrumentedSource struct {
	next SourceControl
	obs  CallObserver
}

func (i instrumentedSource) CreateRepository(ctx context.Context, org, name, projectID string) (RepoRef, error) {
	start := time.Now()
	ref, err := i.next.CreateRepository(ctx, org, name, projectID)
	observe(i.obs, "source_control", "create_repository", start, err)
	return ref, err
}

func (i instrumentedSource) FindRepository(ctx context.Context, org, name string) (RepoRef, error) {
	start := time.Now()
	ref, err := i.next.FindRepository(ctx, org, name)
	observe(i.obs, "source_control", "find_repository", start, err)
	return ref, err
}

func (i instrumentedSource) PushTree(ctx context.Context, repo RepoRef, tree template.FileTree, message string) (Commit, error) {
	start := time.Now()
	c, err := i.next.PushTree(ctx, repo, tree, message)
	observe(i.obs, "source_control", "push_tree", start, err)
	return c, err
}

func (i instrumentedSource) DeleteRepository(ctx context.Context, repo RepoRef) error {
	start := time.Now()
	err := i.next.DeleteRepository(ctx, repo)
	observe(i.obs, "source_control", "delete_repository", start, err)
	return err
}

type instrumentedCI struct {
	next CIStatusReader
	obs  CallObserver
}

func (i instrumentedCI) LatestRunStatus(ctx context.Context, repo RepoRef) (CIStatus, error) {
	start := time.Now()
	st, err := i.next.LatestRunStatus(ctx, repo)
	observe(i.obs, "ci", "latest_run_status", start, err)
	return st, err
}

type instrumentedGitOps struct {
	next GitOpsRegistrar
	obs  CallObserver
}

func (i instrumentedGitOps) RegisterApplication(ctx context.Context, projectID string, repo RepoRef, desired DesiredState) (AppRef, error) {
	start := time.Now()
	app, err := i.next.RegisterApplication(ctx, projectID, repo, desired)
	observe(i.obs, "gitops", "register_application", start, err)
	return app, err
}

func (i instrumentedGitOps) FindApplication(ctx context.Context, name string) (AppRef, error) {
	start := time.Now()
	app, err := i.next.FindApplication(ctx, name)
	observe(i.obs, "gitops", "find_application", start, err)
	return app, err
}

func (i instrumentedGitOps) DeregisterApplication(ctx context.Context, app AppRef) error {
	start := time.Now()
	err := i.next.DeregisterApplication(ctx, app)
	observe(i.obs, "gitops", "deregister_application", start, err)
	return err
}

type instrumentedHealth struct {
	next HealthReader
	obs  CallObserver
}

func (i instrumentedHealth) IsHealthy(ctx context.Context, app AppRef) (bool, error) {
	start := time.Now()
	ok, err := i.next.IsHealthy(ctx, app)
	observe(i.obs, "cluster", "is_healthy", start, err)
	return ok, err
}
