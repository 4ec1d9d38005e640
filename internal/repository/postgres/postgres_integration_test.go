package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/singh-krishan/idp/internal/app/migrate"
	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/repository"
)

const checkViolation = "23514"

func openTestRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	runner, err := migrate.New(pool, dsn, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migration runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool), pool
}

func insertProject(t *testing.T, repo *Repository, name string) *domain.Project {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &domain.Project{
		ID:           uuid.NewString(),
		Name:         name,
		TemplateType: "nodejs-api",
		Variables:    map[string]string{"port": "3000"},
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	t.Cleanup(func() { _ = repo.DeleteProject(context.Background(), p.ID) })
	return p
}

func uniqueName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
}

func TestPostgresTransitionStatusIsCompareAndSet(t *testing.T) {
	repo, _ := openTestRepository(t)
	ctx := context.Background()
	p := insertProject(t, repo, uniqueName("cas-"))

	updated, err := repo.TransitionStatus(ctx, domain.StatusTransition{
		ProjectID: p.ID, From: domain.StatusPending, To: domain.StatusCreatingRepo, At: p.UpdatedAt.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != domain.StatusCreatingRepo || updated.ErrorMessage != "" {
		t.Fatalf("unexpected project %+v", updated)
	}

	_, err = repo.TransitionStatus(ctx, domain.StatusTransition{ProjectID: p.ID, From: domain.StatusPending, To: domain.StatusCreatingRepo})
	if !errors.Is(err, repository.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict on stale from, got %v", err)
	}

	_, err = repo.TransitionStatus(ctx, domain.StatusTransition{ProjectID: uuid.NewString(), From: domain.StatusPending, To: domain.StatusFailed, ErrorMessage: "x"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	failed, err := repo.TransitionStatus(ctx, domain.StatusTransition{
		ProjectID: p.ID, From: domain.StatusCreatingRepo, To: domain.StatusFailed, ErrorMessage: "creating_repo: boom", RepoName: "svc",
	})
	if err != nil {
		t.Fatalf("fail transition: %v", err)
	}
	if failed.ErrorMessage != "creating_repo: boom" || failed.RepoName != "svc" {
		t.Fatalf("unexpected failed project %+v", failed)
	}
}

func TestPostgresTransitionStatusKeepsUpdatedAtMonotonic(t *testing.T) {
	repo, _ := openTestRepository(t)
	p := insertProject(t, repo, uniqueName("mono-"))

	updated, err := repo.TransitionStatus(context.Background(), domain.StatusTransition{
		ProjectID: p.ID, From: domain.StatusPending, To: domain.StatusCreatingRepo, At: p.UpdatedAt.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !updated.UpdatedAt.Equal(p.UpdatedAt) {
		t.Fatalf("updated_at moved backwards: got %v want %v", updated.UpdatedAt, p.UpdatedAt)
	}
}

func TestPostgresErrorMessageConstraint(t *testing.T) {
	repo, pool := openTestRepository(t)
	ctx := context.Background()
	p := insertProject(t, repo, uniqueName("chk-"))

	_, err := pool.Exec(ctx, `UPDATE projects SET status = 'failed' WHERE id = $1`, p.ID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != checkViolation {
		t.Fatalf("expected check violation for failed without message, got %v", err)
	}

	_, err = pool.Exec(ctx, `UPDATE projects SET error_message = 'boom' WHERE id = $1`, p.ID)
	if !errors.As(err, &pgErr) || pgErr.Code != checkViolation {
		t.Fatalf("expected check violation for message on pending, got %v", err)
	}
}

func TestPostgresRejectsResourceNameCollision(t *testing.T) {
	repo, _ := openTestRepository(t)
	base := uniqueName("rn")
	insertProject(t, repo, base+"_svc")

	err := repo.CreateProject(context.Background(), &domain.Project{
		ID:           uuid.NewString(),
		Name:         base + "-svc",
		TemplateType: "nodejs-api",
		Status:       domain.StatusPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
	if !errors.Is(err, repository.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestPostgresProjectsCreatedPerDay(t *testing.T) {
	repo, pool := openTestRepository(t)
	ctx := context.Background()
	p := insertProject(t, repo, uniqueName("day-"))
	old := insertProject(t, repo, uniqueName("day-"))
	if _, err := pool.Exec(ctx, `UPDATE projects SET created_at = now() - interval '30 days' WHERE id = $1`, old.ID); err != nil {
		t.Fatalf("age project: %v", err)
	}

	since := p.CreatedAt.Add(-time.Minute)
	counts, err := repo.ProjectsCreatedPerDay(ctx, since)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[p.CreatedAt.UTC().Format(domain.DayLayout)] < 1 {
		t.Fatalf("expected today's project counted, got %v", counts)
	}
	for day := range counts {
		if day < since.UTC().Format(domain.DayLayout) {
			t.Fatalf("day %s precedes the window", day)
		}
	}
}
