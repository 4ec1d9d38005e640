package repository

import (
	"context"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
)

// ProjectRepository persists projects and their provisioning status.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context, query domain.ProjectQuery) (domain.ProjectPage, error)
	ListProjectsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Project, error)
	// TransitionStatus applies a compare-and-set status change. It returns
	// ErrStatusConflict when the stored status no longer equals transition.From.
	TransitionStatus(ctx context.Context, transition domain.StatusTransition) (*domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	ProjectStats(ctx context.Context) (domain.ProjectStats, error)
	// ProjectsCreatedPerDay counts projects created at or after since, keyed
	// by UTC day in domain.DayLayout.
	ProjectsCreatedPerDay(ctx context.Context, since time.Time) (map[string]int, error)
}
