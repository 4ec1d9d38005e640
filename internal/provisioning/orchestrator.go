// Package provisioning drives projects through the provisioning pipeline:
// repository creation, CI, GitOps registration and health verification.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/provider"
	"github.com/singh-krishan/idp/internal/repository"
	"github.com/singh-krishan/idp/internal/retry"
	"github.com/singh-krishan/idp/internal/template"
)

const storeTimeout = 10 * time.Second

// Notifier receives the project view after every committed transition.
type Notifier interface {
	Publish(project domain.Project)
}

// Recorder observes transitions and stage outcomes.
type Recorder interface {
	Transition(from, to string)
	StageFinished(stage, outcome string, d time.Duration)
}

// TreeRenderer renders a template into a file tree.
type TreeRenderer interface {
	Render(templateName string, in template.Input) (template.FileTree, error)
}

// Orchestrator runs the provisioning state machine for one project at a time.
type Orchestrator struct {
	store     repository.ProjectRepository
	renderer  TreeRenderer
	providers provider.Set
	notifier  Notifier
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	runs      sync.Map

	now func() time.Time
}

// New constructs an Orchestrator. notifier and recorder may be nil.
func New(store repository.ProjectRepository, renderer TreeRenderer, providers provider.Set, notifier Notifier, recorder Recorder, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		renderer:  renderer,
		providers: providers,
		notifier:  notifier,
		recorder:  recorder,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "provisioning"),
		now:       time.Now,
	}
}

// Run drives projectID to a terminal status. Closing abort stops the run at
// the next checkpoint and records the project as failed. Cancelling ctx stops
// the run without recording anything so it can be resumed later.
func (o *Orchestrator) Run(ctx context.Context, projectID string, abort <-chan struct{}) error {
	project, err := o.load(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status.IsTerminal() {
		return nil
	}

	runCtx, cancel := withAbort(ctx, abort)
	defer cancel()

	log := o.logger.With("project_id", project.ID, "project", project.Name)
	log.Info("provisioning run started", "status", project.Status)

	run := newRun(project, log)
	o.runs.Store(project.ID, run)
	defer o.runs.Delete(project.ID)

	for !project.Status.IsTerminal() {
		if aborted(abort) {
			return o.abort(ctx, project, log)
		}
		stage := project.Status
		start := o.now()
		next, err := o.runStage(runCtx, run, project)
		switch {
		case err == nil:
			o.observeStage(stage, "success", start)
			project = next
			run.enter(project)
		case aborted(abort):
			o.observeStage(stage, "aborted", start)
			return o.abort(ctx, project, log)
		case ctx.Err() != nil:
			o.observeStage(stage, "interrupted", start)
			log.Info("provisioning run interrupted", "status", stage)
			return ctx.Err()
		case errors.Is(err, ErrSuperseded):
			return err
		case isStoreError(err):
			log.Error("status store unavailable", "status", stage, "error", err)
			return err
		default:
			o.observeStage(stage, "failed", start)
			attempts := run.recordFailure(err)
			log.Warn("provisioning stage failed", "stage", stage, "failed_calls", attempts, "error", err)
			failed, ferr := o.fail(ctx, project, stage, err)
			if ferr != nil {
				return ferr
			}
			project = failed
			run.enter(project)
		}
	}
	log.Info("provisioning run finished", "status", project.Status)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, run *Run, p *domain.Project) (*domain.Project, error) {
	switch p.Status {
	case domain.StatusPending:
		return o.transition(ctx, p, domain.StatusCreatingRepo, nil)
	case domain.StatusCreatingRepo:
		return o.createRepository(ctx, run, p)
	case domain.StatusBuilding:
		return o.awaitBuild(ctx, run, p)
	case domain.StatusDeploying:
		return o.deploy(ctx, run, p)
	default:
		return nil, fmt.Errorf("%w: no stage for status %s", domain.ErrInvalidTransition, p.Status)
	}
}

func (o *Orchestrator) abort(ctx context.Context, p *domain.Project, log *slog.Logger) error {
	log.Info("provisioning run aborted", "status", p.Status)
	_, err := o.record(ctx, domain.StatusTransition{
		ProjectID:    p.ID,
		From:         p.Status,
		To:           domain.StatusFailed,
		ErrorMessage: AbortMessage,
	})
	if err != nil && !errors.Is(err, ErrSuperseded) {
		return err
	}
	return ErrAborted
}

func (o *Orchestrator) fail(ctx context.Context, p *domain.Project, stage domain.Status, cause error) (*domain.Project, error) {
	return o.record(ctx, domain.StatusTransition{
		ProjectID:    p.ID,
		From:         p.Status,
		To:           domain.StatusFailed,
		ErrorMessage: fmt.Sprintf("%s: %v", stage, cause),
	})
}

func (o *Orchestrator) transition(ctx context.Context, p *domain.Project, to domain.Status, mutate func(*domain.StatusTransition)) (*domain.Project, error) {
	t := domain.StatusTransition{ProjectID: p.ID, From: p.Status, To: to}
	if mutate != nil {
		mutate(&t)
	}
	return o.record(ctx, t)
}

// record commits t even when ctx has been cancelled; status writes are
// never skipped half way.
func (o *Orchestrator) record(ctx context.Context, t domain.StatusTransition) (*domain.Project, error) {
	t.At = o.now().UTC()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	updated, err := o.store.TransitionStatus(writeCtx, t)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrSuperseded, err)
		}
		return nil, &storeError{err: err}
	}
	if o.recorder != nil {
		o.recorder.Transition(string(t.From), string(t.To))
	}
	if o.notifier != nil {
		o.notifier.Publish(updated.Clone())
	}
	o.logger.Info("project status changed", "project_id", t.ProjectID, "from", t.From, "to", t.To, "error_message", t.ErrorMessage)
	return updated, nil
}

func (o *Orchestrator) load(ctx context.Context, projectID string) (*domain.Project, error) {
	readCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return o.store.GetProjectByID(readCtx, projectID)
}

// call runs fn on a context detached from abort and bounded by the call
// timeout. The parent is checked once fn returns.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

// retry repeats fn while it fails with transient errors.
func (o *Orchestrator) retry(ctx context.Context, run *Run, attempts int, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		return o.call(ctx, fn)
	},
		retry.WithMaxAttempts(attempts),
		retry.WithInitialDelay(o.cfg.BackoffBase),
		retry.WithMaxDelay(o.cfg.BackoffCap),
		retry.WithRetryable(provider.IsTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			run.recordFailure(err)
			run.log.Warn("retrying provider call", "operation", op, "attempt", attempt, "delay", delay, "error", err)
		}),
	)
}

func (o *Orchestrator) observeStage(stage domain.Status, outcome string, start time.Time) {
	if o.recorder != nil {
		o.recorder.StageFinished(string(stage), outcome, o.now().Sub(start))
	}
}

type storeError struct{ err error }

func (e *storeError) Error() string { return "status store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func isStoreError(err error) bool {
	var sErr *storeError
	return errors.As(err, &sErr)
}

func aborted(abort <-chan struct{}) bool {
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

// withAbort returns a context cancelled when either ctx is done or abort closes.
func withAbort(ctx context.Context, abort <-chan struct{}) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	if abort == nil {
		return runCtx, cancel
	}
	go func() {
		select {
		case <-abort:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}
