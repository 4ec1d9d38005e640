// Package project implements project creation, listing and deletion on top
// of the status store and the provisioning queue.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/provisioning"
	"github.com/singh-krishan/idp/internal/repository"
	"github.com/singh-krishan/idp/internal/template"
	"github.com/singh-krishan/idp/pkg/config"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name         string
	Description  string
	TemplateType string
	Variables    map[string]string
}

// SpecInput creates a project from an uploaded OpenAPI document.
type SpecInput struct {
	Name        string
	Description string
	Port        string
	Filename    string
	Document    []byte
}

// DeleteResult describes a finished deletion.
type DeleteResult struct {
	ProjectID string
	Degraded  bool
	Warnings  []string
}

// Jobs is the provisioning queue as seen by the service.
type Jobs interface {
	Submit(projectID string) error
	Cancel(projectID string) (<-chan struct{}, bool)
}

// Teardowner removes external resources of a project.
type Teardowner interface {
	Teardown(ctx context.Context, project domain.Project) provisioning.TeardownReport
}

// CreationRecorder counts project creations.
type CreationRecorder interface {
	ProjectCreated(status, templateType string)
}

// Notifier publishes project changes.
type Notifier interface {
	Publish(project domain.Project)
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	renderer *template.Renderer
	jobs     Jobs
	teardown Teardowner
	metrics  CreationRecorder
	notifier Notifier
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New returns a project service.
func New(projects repository.ProjectRepository, renderer *template.Renderer, jobs Jobs, teardown Teardowner, metrics CreationRecorder, notifier Notifier, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		projects: projects,
		renderer: renderer,
		jobs:     jobs,
		teardown: teardown,
		metrics:  metrics,
		notifier: notifier,
		logger:   logger.With("component", "project"),
		cfg:      cfg,
	}
}

var errMissingProjectID = &domain.ValidationError{Field: "id", Message: "project id required"}

// Templates lists the catalog.
func (s Service) Templates() []template.Template {
	return s.renderer.Catalog().List()
}

// Template returns one catalog entry.
func (s Service) Template(name string) (template.Template, error) {
	return s.renderer.Catalog().Lookup(name)
}

// Create validates and renders the project, stores it as pending and queues
// provisioning.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	if err := domain.ValidateProjectName(input.Name); err != nil {
		return nil, err
	}
	tmpl, err := s.renderer.Catalog().Lookup(input.TemplateType)
	if err != nil {
		return nil, err
	}
	if tmpl.RequiresSpecificationUpload {
		return nil, &domain.ValidationError{Field: "template_type", Message: fmt.Sprintf("template %s requires an OpenAPI document upload", tmpl.Name)}
	}
	return s.create(ctx, input, nil)
}

// CreateFromSpec creates an openapi-microservice project from an uploaded document.
func (s Service) CreateFromSpec(ctx context.Context, input SpecInput) (*domain.Project, error) {
	if err := domain.ValidateProjectName(input.Name); err != nil {
		return nil, err
	}
	spec, err := template.ParseSpecDocument(input.Filename, input.Document, s.cfg.SpecUploadMaxBytes)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	if port := strings.TrimSpace(input.Port); port != "" {
		vars["port"] = port
	}
	return s.create(ctx, CreateInput{
		Name:         input.Name,
		Description:  input.Description,
		TemplateType: template.OpenAPIMicroservice,
		Variables:    vars,
	}, spec)
}

func (s Service) create(ctx context.Context, input CreateInput, spec *template.SpecDocument) (*domain.Project, error) {
	vars, err := s.renderer.Catalog().Resolve(input.TemplateType, input.Variables)
	if err != nil {
		s.recordCreation("rejected", input.TemplateType)
		return nil, err
	}
	tree, err := s.renderer.Render(input.TemplateType, template.Input{
		ProjectName: input.Name,
		Description: input.Description,
		Variables:   vars,
		Spec:        spec,
	})
	if err != nil {
		s.recordCreation("rejected", input.TemplateType)
		return nil, err
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Description:  strings.TrimSpace(input.Description),
		TemplateType: input.TemplateType,
		Variables:    vars,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if spec != nil {
		project.SpecDocument = spec.Raw
		project.SpecFormat = spec.Format
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrNameTaken) {
			s.recordCreation("rejected", input.TemplateType)
		}
		return nil, err
	}
	s.recordCreation(string(domain.StatusPending), input.TemplateType)
	s.logger.Info("project created", "project_id", project.ID, "name", project.Name, "template", project.TemplateType, "files", len(tree))

	if err := s.jobs.Submit(project.ID); err != nil {
		// the recovery sweep picks pending projects up later
		s.logger.Warn("failed to queue provisioning", "project_id", project.ID, "error", err)
	}
	return project, nil
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// List returns one page of projects.
func (s Service) List(ctx context.Context, query domain.ProjectQuery) (domain.ProjectPage, error) {
	q, err := query.Normalize()
	if err != nil {
		return domain.ProjectPage{}, err
	}
	return s.projects.ListProjects(ctx, q)
}

// Stats aggregates project counts for dashboards, including creations per
// day over a window of days ending today. Zero selects the default window.
func (s Service) Stats(ctx context.Context, days int) (domain.ProjectStats, error) {
	start, days, err := domain.StatsWindow(time.Now(), days)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	stats, err := s.projects.ProjectStats(ctx)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	counts, err := s.projects.ProjectsCreatedPerDay(ctx, start)
	if err != nil {
		return domain.ProjectStats{}, fmt.Errorf("creations per day: %w", err)
	}
	stats.CreatedPerDay = domain.CreationSeries(counts, start, days)
	return stats, nil
}

// Delete stops any run for the project, records the abort, tears down the
// external resources and removes the record. Teardown problems do not fail
// the deletion; they are returned as warnings.
func (s Service) Delete(ctx context.Context, projectID string) (DeleteResult, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return DeleteResult{}, err
	}
	log := s.logger.With("project_id", project.ID)
	result := DeleteResult{ProjectID: project.ID}

	if done, active := s.jobs.Cancel(project.ID); active {
		if !s.waitForRun(ctx, done) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("provisioning run did not stop within %s", s.cfg.DeleteWaitTimeout))
		}
		if project, err = s.projects.GetProjectByID(ctx, project.ID); err != nil {
			return DeleteResult{}, err
		}
	}

	if !project.Status.IsTerminal() {
		project, err = s.recordAbort(ctx, project)
		if err != nil {
			return DeleteResult{}, err
		}
	}

	report := s.teardown.Teardown(ctx, *project)
	result.Warnings = append(result.Warnings, report.Warnings...)

	if err := s.projects.DeleteProject(ctx, project.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return DeleteResult{}, err
	}
	result.Degraded = len(result.Warnings) > 0
	log.Info("project deleted", "degraded", result.Degraded, "warnings", len(result.Warnings))
	return result, nil
}

func (s Service) waitForRun(ctx context.Context, done <-chan struct{}) bool {
	timeout := s.cfg.DeleteWaitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// recordAbort marks a project that is still in flight as failed. A concurrent
// writer winning the race is fine; the fresh record is returned.
func (s Service) recordAbort(ctx context.Context, project *domain.Project) (*domain.Project, error) {
	for attempt := 0; attempt < 3 && !project.Status.IsTerminal(); attempt++ {
		updated, err := s.projects.TransitionStatus(ctx, domain.StatusTransition{
			ProjectID:    project.ID,
			From:         project.Status,
			To:           domain.StatusFailed,
			ErrorMessage: provisioning.AbortMessage,
			At:           time.Now().UTC(),
		})
		if err == nil {
			if s.notifier != nil {
				s.notifier.Publish(updated.Clone())
			}
			return updated, nil
		}
		if !errors.Is(err, repository.ErrStatusConflict) {
			return nil, err
		}
		if project, err = s.projects.GetProjectByID(ctx, project.ID); err != nil {
			return nil, err
		}
	}
	return project, nil
}

func (s Service) recordCreation(status, templateType string) {
	if s.metrics != nil {
		s.metrics.ProjectCreated(status, templateType)
	}
}
