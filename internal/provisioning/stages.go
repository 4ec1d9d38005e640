package provisioning

import (
	"context"
	"errors"
	"fmt"
		"time"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/provider"
	"github.com/singh-krishan/idp/internal/retry"
	"github.com/singh-krishan/idp/internal/template"
)

// createRepository renders the tree from the persisted inputs, creates (or
// adopts) the repository and pushes the tree.
func (o *Orchestrator) createRepository(ctx context.Context, run *Run, p *domain.Project) (*domain.Project, error) {
	tree, err := o.render(p)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	repo, err := o.ensureRepository(ctx, run, p)
	if err != nil {
		return nil, err
	}
	message := o.commitMessage(p, tree)
	var commit provider.Commit
	err = o.retry(ctx, run, o.cfg.StageMaxAttempts, "push_tree", func(ctx context.Context) error {
		var perr error
		commit, perr = o.providers.Source.PushTree(ctx, repo, tree, message)
		return perr
	})
	if err != nil {
		return nil, err
	}
	run.log.Info("scaffold pushed", "repo", repo.Name, "sha", commit.SHA, "files", len(tree))
	return o.transition(ctx, p, domain.StatusBuilding, func(t *domain.StatusTransition) {
		t.RepoName = repo.Name
		t.RepoURL = repo.URL
	})
}

func (o *Orchestrator) ensureRepository(ctx context.Context, run *Run, p *domain.Project) (provider.RepoRef, error) {
	var repo provider.RepoRef
	err := o.retry(ctx, run, o.cfg.RepoCreateAttempts, "create_repository", func(ctx context.Context) error {
		created, err := o.providers.Source.CreateRepository(ctx, o.cfg.Org, p.Name, p.ID)
		if err == nil {
			repo = created
			return nil
		}
		if !provider.HasCode(err, provider.CodeAlreadyExists) {
			return err
		}
		existing, ferr := o.providers.Source.FindRepository(ctx, o.cfg.Org, p.Name)
		if ferr != nil {
			return ferr
		}
		if existing.ProjectID != p.ID {
			return retry.Fatal(provider.NewPermanent("create_repository", provider.CodeAlreadyExists,
				fmt.Errorf("repository %s/%s belongs to another project", o.cfg.Org, p.Name)))
		}
		run.log.Info("adopting repository created by an earlier attempt", "repo", existing.Name)
		repo = existing
		return nil
	})
	return repo, err
}

// awaitBuild polls CI until the latest run settles or the budget runs out.
func (o *Orchestrator) awaitBuild(ctx context.Context, run *Run, p *domain.Project) (*domain.Project, error) {
	repo := provider.RepoRef{Org: o.cfg.Org, Name: p.RepoName, URL: p.RepoURL}
	var status provider.CIStatus
	err := o.poll(ctx, run, p, o.cfg.CIPollInterval, o.cfg.CIMaxWait, func(ctx context.Context) (bool, error) {
		var err error
		status, err = o.providers.CI.LatestRunStatus(ctx, repo)
		if err != nil {
			return false, err
		}
		switch status {
		case provider.CISucceeded:
			return true, nil
		case provider.CIFailed:
			return false, retry.Fatal(errors.New("CI pipeline failed"))
		default:
			run.log.Debug("waiting for CI", "ci_status", status)
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, p, domain.StatusDeploying, nil)
}

// deploy registers the GitOps application and waits for it to become healthy.
func (o *Orchestrator) deploy(ctx context.Context, run *Run, p *domain.Project) (*domain.Project, error) {
	app, err := o.ensureApplication(ctx, run, p)
	if err != nil {
		return nil, err
	}
	err = o.poll(ctx, run, p, o.cfg.HealthPollInterval, o.cfg.HealthMaxWait, func(ctx context.Context) (bool, error) {
		return o.providers.Health.IsHealthy(ctx, app)
	})
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, p, domain.StatusActive, func(t *domain.StatusTransition) {
		t.GitOpsApp = app.Name
	})
}

func (o *Orchestrator) ensureApplication(ctx context.Context, run *Run, p *domain.Project) (provider.AppRef, error) {
	var repo provider.RepoRef
	err := o.retry(ctx, run, o.cfg.StageMaxAttempts, "find_repository", func(ctx context.Context) error {
		var ferr error
		repo, ferr = o.providers.Source.FindRepository(ctx, o.cfg.Org, p.RepoName)
		return ferr
	})
	if err != nil {
		return provider.AppRef{}, err
	}
	desired := provider.DesiredState{
		Name:           p.ResourceName(),
		Namespace:      o.cfg.DeployNamespace,
		Path:           o.cfg.GitOpsPath,
		TargetRevision: o.cfg.GitOpsRevision,
		MinReplicas:    o.cfg.MinReplicas,
		AutoSync:       o.cfg.AutoSync,
	}
	var app provider.AppRef
	err = o.retry(ctx, run, o.cfg.StageMaxAttempts, "register_application", func(ctx context.Context) error {
		registered, err := o.providers.GitOps.RegisterApplication(ctx, p.ID, repo, desired)
		if err == nil {
			app = registered
			return nil
		}
		if !provider.HasCode(err, provider.CodeAlreadyExists) {
			return err
		}
		existing, ferr := o.providers.GitOps.FindApplication(ctx, desired.Name)
		if ferr != nil {
			return ferr
		}
		if existing.ProjectID != p.ID {
			return retry.Fatal(provider.NewPermanent("register_application", provider.CodeAlreadyExists,
				fmt.Errorf("application %s belongs to another project", desired.Name)))
		}
		app = existing
		return nil
	})
	if err != nil {
		return provider.AppRef{}, err
	}
	if app.Namespace == "" {
		app.Namespace = desired.Namespace
	}
	if app.MinReplicas < 1 {
		app.MinReplicas = desired.MinReplicas
	}
	return app, nil
}

// poll calls check until it reports done, returns a fatal or permanent error,
// transient errors exceed the stage attempts, or the stage budget measured
// from the project's last status change runs out. check is always called at
// least once.
func (o *Orchestrator) poll(ctx context.Context, run *Run, p *domain.Project, interval, budget time.Duration, check func(context.Context) (bool, error)) error {
	stage := p.Status
	deadline := p.UpdatedAt.Add(budget)
	backoff := retry.Backoff{Base: o.cfg.BackoffBase, Cap: o.cfg.BackoffCap}
	failures := 0
	for {
		var done bool
		err := o.call(ctx, func(ctx context.Context) error {
			var cerr error
			done, cerr = check(ctx)
			return cerr
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := interval
		switch {
		case err == nil && done:
			return nil
		case err == nil:
			failures = 0
		case retry.IsFatal(err) || !provider.IsTransient(err):
			return err
		default:
			failures++
			if failures >= o.cfg.StageMaxAttempts {
				return &retry.ExhaustedError{Attempts: failures, Err: err}
			}
			run.recordFailure(err)
			wait = backoff.Delay(failures)
			run.log.Warn("poll failed", "stage", stage, "attempt", failures, "delay", wait, "error", err)
		}
		now := o.now()
		if !now.Before(deadline) {
			return &TimeoutError{Stage: stage, Waited: now.Sub(p.UpdatedAt)}
		}
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) render(p *domain.Project) (template.FileTree, error) {
	in := template.Input{
		ProjectName: p.Name,
		Description: p.Description,
		Variables:   p.Variables,
	}
	if len(p.SpecDocument) > 0 {
		spec, err := template.ParseSpec(p.SpecFormat, p.SpecDocument, 0)
		if err != nil {
			return nil, err
		}
		in.Spec = spec
	}
	return o.renderer.Render(p.TemplateType, in)
}

func (o *Orchestrator) commitMessage(p *domain.Project, tree template.FileTree) string {
	return fmt.Sprintf("%s from %s\n\nidp-tree-digest: %s", o.cfg.CommitMessage, p.TemplateType, tree.Digest())
}
