package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/repository"
)

const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var projectColumns = []string{
	"id", "name", "description", "template_type", "variables", "spec_document", "spec_format",
	"status", "error_message", "repo_name", "repo_url", "gitops_app", "created_at", "updated_at",
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.ProjectRepository = (*Repository)(nil)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateProject inserts a project. Collisions on the name or on the derived
// resource name surface as ErrNameTaken.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	vars, err := json.Marshal(nonNilVars(project.Variables))
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	const query = `INSERT INTO projects (id, name, description, template_type, variables, spec_document, spec_format,
		status, error_message, repo_name, repo_url, gitops_app, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14)`
	_, err = r.pool.Exec(ctx, query,
		project.ID, project.Name, project.Description, project.TemplateType, string(vars), project.SpecDocument, project.SpecFormat,
		string(project.Status), project.ErrorMessage, project.RepoName, project.RepoURL, project.GitOpsApp,
		project.CreatedAt, project.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrNameTaken
		}
		return err
	}
	return nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + strings.Join(projectColumns, ", ") + ` FROM projects WHERE id = $1`
	project, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return project, nil
}

// ListProjects returns one filtered, sorted page plus the filtered total.
func (r *Repository) ListProjects(ctx context.Context, q domain.ProjectQuery) (domain.ProjectPage, error) {
	q, err := q.Normalize()
	if err != nil {
		return domain.ProjectPage{}, err
	}
	countSQL, countArgs, err := buildCountQuery(q)
	if err != nil {
		return domain.ProjectPage{}, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return domain.ProjectPage{}, err
	}

	listSQL, listArgs, err := buildListQuery(q)
	if err != nil {
		return domain.ProjectPage{}, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.pool.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return domain.ProjectPage{}, err
	}
	defer rows.Close()
	projects := make([]domain.Project, 0, q.PageSize)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return domain.ProjectPage{}, err
		}
		projects = append(projects, *project)
	}
	if err := rows.Err(); err != nil {
		return domain.ProjectPage{}, err
	}
	return domain.ProjectPage{Projects: projects, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// ListProjectsByStatus returns every project currently in one of the given states.
func (r *Repository) ListProjectsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Project, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	raw := make([]string, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, string(s))
	}
	query, args, err := psql.Select(projectColumns...).From("projects").
		Where(sq.Eq{"status": raw}).
		OrderBy("updated_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// TransitionStatus moves a project from transition.From to transition.To if
// nobody else changed it first.
func (r *Repository) TransitionStatus(ctx context.Context, t domain.StatusTransition) (*domain.Project, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	query := `UPDATE projects SET
			status = $3,
			error_message = NULLIF($4, ''),
			repo_name = COALESCE(NULLIF($5, ''), repo_name),
			repo_url = COALESCE(NULLIF($6, ''), repo_url),
			gitops_app = COALESCE(NULLIF($7, ''), gitops_app),
			updated_at = GREATEST(updated_at, $8)
		WHERE id = $1 AND status = $2
		RETURNING ` + strings.Join(projectColumns, ", ")
	project, err := scanProject(r.pool.QueryRow(ctx, query,
		t.ProjectID, string(t.From), string(t.To), t.ErrorMessage, t.RepoName, t.RepoURL, t.GitOpsApp, at.UTC()))
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, getErr := r.GetProjectByID(ctx, t.ProjectID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrStatusConflict
}

// DeleteProject removes a project record.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ProjectStats counts projects by status and by template.
func (r *Repository) ProjectStats(ctx context.Context) (domain.ProjectStats, error) {
	const query = `SELECT status, template_type, COUNT(1) FROM projects GROUP BY status, template_type`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	defer rows.Close()
	stats := domain.ProjectStats{
		ByStatus:      make(map[domain.Status]int),
		TemplateUsage: make(map[string]int),
	}
	for rows.Next() {
		var (
			status       string
			templateType string
			count        int
		)
		if err := rows.Scan(&status, &templateType, &count); err != nil {
			return domain.ProjectStats{}, err
		}
		stats.Total += count
		stats.ByStatus[domain.Status(status)] += count
		stats.TemplateUsage[templateType] += count
	}
	return stats, rows.Err()
}

// ProjectsCreatedPerDay groups creations since the given time by UTC day.
func (r *Repository) ProjectsCreatedPerDay(ctx context.Context, since time.Time) (map[string]int, error) {
	query, args, err := psql.Select("to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day", "COUNT(1)").
		From("projects").
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("day").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var (
			day   string
			count int
		)
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		counts[day] = count
	}
	return counts, rows.Err()
}

func buildListQuery(q domain.ProjectQuery) (string, []any, error) {
	direction := "ASC"
	if q.SortDesc {
		direction = "DESC"
	}
	b := applyProjectFilters(psql.Select(projectColumns...).From("projects"), q)
	return b.OrderBy(q.SortBy+" "+direction, "id ASC").
		Limit(uint64(q.PageSize)).
		Offset(uint64(q.Offset())).
		ToSql()
}

func buildCountQuery(q domain.ProjectQuery) (string, []any, error) {
	return applyProjectFilters(psql.Select("COUNT(1)").From("projects"), q).ToSql()
}

func applyProjectFilters(b sq.SelectBuilder, q domain.ProjectQuery) sq.SelectBuilder {
	if q.Search != "" {
		like := "%" + escapeLike(q.Search) + "%"
		b = b.Where(sq.Or{sq.ILike{"name": like}, sq.ILike{"description": like}})
	}
	if q.Status != "" {
		b = b.Where(sq.Eq{"status": string(q.Status)})
	}
	if q.TemplateType != "" {
		b = b.Where(sq.Eq{"template_type": q.TemplateType})
	}
	return b
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p        domain.Project
		vars     []byte
		status   string
		errorMsg *string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.TemplateType, &vars, &p.SpecDocument, &p.SpecFormat,
		&status, &errorMsg, &p.RepoName, &p.RepoURL, &p.GitOpsApp, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.Status(status)
	if errorMsg != nil {
		p.ErrorMessage = *errorMsg
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &p.Variables); err != nil {
			return nil, fmt.Errorf("decode variables for project %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func nonNilVars(vars map[string]string) map[string]string {
	if vars == nil {
		return map[string]string{}
	}
	return vars
}
