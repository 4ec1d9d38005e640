// Package recovery resubmits projects whose provisioning run was interrupted.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/queue"
)

const (
	defaultSchedule = "@every 1m"
	sweepTimeout    = 30 * time.Second
)

// ProjectLister lists projects by status.
type ProjectLister interface {
	ListProjectsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Project, error)
}

// Submitter enqueues provisioning runs.
type Submitter interface {
	Submit(projectID string) error
}

// Sweeper periodically resubmits every non-terminal project.
type Sweeper struct {
	projects ProjectLister
	queue    Submitter
	schedule string
	logger   *slog.Logger
}

// New validates schedule and returns a Sweeper.
func New(projects ProjectLister, q Submitter, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = defaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse recovery schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{projects: projects, queue: q, schedule: schedule, logger: logger.With("component", "recovery")}, nil
}

// Run sweeps once, then on every tick of the schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("recovery sweeper started", "schedule", s.schedule)
	s.sweepLogged(ctx)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(s.schedule, func() { s.sweepLogged(ctx) }); err != nil {
		s.logger.Error("failed to schedule recovery sweep", "error", err)
		return
	}
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	s.logger.Info("recovery sweeper stopped")
}

// Sweep submits every non-terminal project and returns how many were queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	projects, err := s.projects.ListProjectsByStatus(listCtx, domain.InProgressStatuses...)
	if err != nil {
		return 0, fmt.Errorf("list in-progress projects: %w", err)
	}
	submitted := 0
	for _, p := range projects {
		err := s.queue.Submit(p.ID)
		switch {
		case err == nil:
			submitted++
			s.logger.Info("project resubmitted", "project_id", p.ID, "status", p.Status)
		case errors.Is(err, queue.ErrAlreadyActive):
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrStopped):
			return submitted, err
		default:
			s.logger.Warn("failed to resubmit project", "project_id", p.ID, "error", err)
		}
	}
	return submitted, nil
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("recovery sweep incomplete", "submitted", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("recovery sweep finished", "submitted", n)
	}
}
