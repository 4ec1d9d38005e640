package provisioning

import (
	"context"
	"fmt"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/provider"
)

// TeardownReport lists what a teardown removed and what it could not.
type TeardownReport struct {
	ApplicationRemoved bool
	RepositoryRemoved  bool
	Warnings           []string
}

// Degraded reports whether any step failed.
func (r TeardownReport) Degraded() bool {
	return len(r.Warnings) > 0
}

// Teardown removes the GitOps application and the repository created for p.
// Resources are taken from the project record, or looked up by name and
// removed only when they carry p's ownership marker. Failures become warnings.
func (o *Orchestrator) Teardown(ctx context.Context, p domain.Project) TeardownReport {
	log := o.logger.With("project_id", p.ID, "project", p.Name)
	run := newRun(&p, log)
	var report TeardownReport

	if app, ok, err := o.ownedApplication(ctx, p); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("look up application %s: %v", p.ResourceName(), err))
	} else if ok {
		err := o.retry(ctx, run, o.cfg.StageMaxAttempts, "deregister_application", func(ctx context.Context) error {
			return o.providers.GitOps.DeregisterApplication(ctx, app)
		})
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("deregister application %s: %v", app.Name, err))
		} else {
			report.ApplicationRemoved = true
		}
	}

	if repo, ok, err := o.ownedRepository(ctx, p); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("look up repository %s: %v", p.Name, err))
	} else if ok {
		err := o.retry(ctx, run, o.cfg.StageMaxAttempts, "delete_repository", func(ctx context.Context) error {
			return o.providers.Source.DeleteRepository(ctx, repo)
		})
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("delete repository %s: %v", repo.Name, err))
		} else {
			report.RepositoryRemoved = true
		}
	}

	log.Info("teardown finished", "application_removed", report.ApplicationRemoved, "repository_removed", report.RepositoryRemoved, "warnings", len(report.Warnings))
	return report
}

func (o *Orchestrator) ownedApplication(ctx context.Context, p domain.Project) (provider.AppRef, bool, error) {
	if p.GitOpsApp != "" {
		return provider.AppRef{Name: p.GitOpsApp, Namespace: o.cfg.DeployNamespace, ProjectID: p.ID}, true, nil
	}
	var app provider.AppRef
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		app, err = o.providers.GitOps.FindApplication(ctx, p.ResourceName())
		return err
	})
	if provider.HasCode(err, provider.CodeNotFound) {
		return provider.AppRef{}, false, nil
	}
	if err != nil {
		return provider.AppRef{}, false, err
	}
	return app, app.ProjectID == p.ID, nil
}

func (o *Orchestrator) ownedRepository(ctx context.Context, p domain.Project) (provider.RepoRef, bool, error) {
	if p.RepoName != "" {
		return provider.RepoRef{Org: o.cfg.Org, Name: p.RepoName, URL: p.RepoURL, ProjectID: p.ID}, true, nil
	}
	var repo provider.RepoRef
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		repo, err = o.providers.Source.FindRepository(ctx, o.cfg.Org, p.Name)
		return err
	})
	if provider.HasCode(err, provider.CodeNotFound) {
		return provider.RepoRef{}, false, nil
	}
	if err != nil {
		return provider.RepoRef{}, false, err
	}
	return repo, repo.ProjectID == p.ID, nil
}
