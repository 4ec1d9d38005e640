// Package memory is an in-process ProjectRepository used by tests and by
// STORE_DRIVER=memory for local runs without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/repository"
)

// Repository keeps projects in a mutex-guarded map.
type Repository struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
	now      func() time.Time
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{projects: make(map[string]domain.Project), now: time.Now}
}

var _ repository.ProjectRepository = (*Repository)(nil)

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error { return nil }

func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.projects {
		if existing.ResourceName() == project.ResourceName() {
			return repository.ErrNameTaken
		}
	}
	r.projects[project.ID] = project.Clone()
	return nil
}

func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (r *Repository) ListProjects(_ context.Context, q domain.ProjectQuery) (domain.ProjectPage, error) {
	q, err := q.Normalize()
	if err != nil {
		return domain.ProjectPage{}, err
	}
	r.mu.RLock()
	matched := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		if matches(p, q) {
			matched = append(matched, p.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, equal bool
		switch q.SortBy {
		case domain.SortByName:
			less, equal = a.Name < b.Name, a.Name == b.Name
		case domain.SortByStatus:
			less, equal = a.Status < b.Status, a.Status == b.Status
		case domain.SortByUpdatedAt:
			less, equal = a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
		default:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		}
		if equal {
			return a.ID < b.ID
		}
		if q.SortDesc {
			return !less
		}
		return less
	})

	page := domain.ProjectPage{Total: len(matched), Page: q.Page, PageSize: q.PageSize}
	start := q.Offset()
	if start >= len(matched) {
		page.Projects = []domain.Project{}
		return page, nil
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Projects = matched[start:end]
	return page, nil
}

func (r *Repository) ListProjectsByStatus(_ context.Context, statuses ...domain.Status) ([]domain.Project, error) {
	want := make(map[domain.Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Project
	for _, p := range r.projects {
		if _, ok := want[p.Status]; ok {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *Repository) TransitionStatus(_ context.Context, t domain.StatusTransition) (*domain.Project, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.At.IsZero() {
		t.At = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[t.ProjectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if p.Status != t.From {
		return nil, repository.ErrStatusConflict
	}
	t.Apply(&p)
	r.projects[p.ID] = p
	out := p.Clone()
	return &out, nil
}

func (r *Repository) DeleteProject(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.projects, projectID)
	return nil
}

func (r *Repository) ProjectStats(context.Context) (domain.ProjectStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := domain.ProjectStats{
		ByStatus:      make(map[domain.Status]int),
		TemplateUsage: make(map[string]int),
	}
	for _, p := range r.projects {
		stats.Total++
		stats.ByStatus[p.Status]++
		stats.TemplateUsage[p.TemplateType]++
	}
	return stats, nil
}

func (r *Repository) ProjectsCreatedPerDay(_ context.Context, since time.Time) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, p := range r.projects {
		if p.CreatedAt.Before(since) {
			continue
		}
		counts[p.CreatedAt.UTC().Format(domain.DayLayout)]++
	}
	return counts, nil
}

func matches(p domain.Project, q domain.ProjectQuery) bool {
	if q.Status != "" && p.Status != q.Status {
		return false
	}
	if q.TemplateType != "" && p.TemplateType != q.TemplateType {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(p.Name), needle) && !strings.Contains(strings.ToLower(p.Description), needle) {
			return false
		}
	}
	return true
}
