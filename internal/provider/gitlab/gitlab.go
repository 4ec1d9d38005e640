// Package gitlab implements the source-control and CI capabilities on GitLab.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	gl "github.com/xanzy/go-gitlab"

	"github.com/singh-krishan/idp/internal/provider"
	"github.com/singh-krishan/idp/internal/template"
)

const defaultBranch = "main"

var ownerPattern = regexp.MustCompile(`idp-project-id=([0-9a-fA-F-]+)`)

// Config configures the GitLab client.
type Config struct {
	BaseURL     string
	Token       string
	AuthorName  string
	AuthorEmail string
	Visibility  string
	HTTPClient  *http.Client
}

// Client talks to the GitLab REST API and pushes over git-over-HTTPS.
type Client struct {
	api    *gl.Client
	cfg    Config
	pusher treePusher
	log    *slog.Logger
}

var (
	_ provider.SourceControl  = (*Client)(nil)
	_ provider.CIStatusReader = (*Client)(nil)
)

// New constructs a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("gitlab token is required")
	}
	opts := []gl.ClientOptionFunc{}
	if cfg.BaseURL != "" {
		opts = append(opts, gl.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, gl.WithHTTPClient(cfg.HTTPClient))
	}
	api, err := gl.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	if cfg.Visibility == "" {
		cfg.Visibility = string(gl.PrivateVisibility)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		cfg:    cfg,
		pusher: goGitPusher{username: "oauth2", password: cfg.Token, authorName: cfg.AuthorName, authorEmail: cfg.AuthorEmail},
		log:    logger.With("component", "gitlab"),
	}, nil
}

// CreateRepository creates an empty project in the org group and stamps it
// with the owning project id.
func (c *Client) CreateRepository(ctx context.Context, org, name, projectID string) (provider.RepoRef, error) {
	const op = "gitlab.create_repository"
	ns, resp, err := c.api.Namespaces.GetNamespace(org, gl.WithContext(ctx))
	if err != nil {
		return provider.RepoRef{}, classify(op, resp, fmt.Errorf("lookup namespace %s: %w", org, err))
	}
	project, resp, err := c.api.Projects.CreateProject(&gl.CreateProjectOptions{
		Name:                 gl.String(name),
		Path:                 gl.String(name),
		NamespaceID:          gl.Int(ns.ID),
		Description:          gl.String(ownerDescription(projectID)),
		Visibility:           gl.Visibility(gl.VisibilityValue(c.cfg.Visibility)),
		InitializeWithReadme: gl.Bool(false),
	}, gl.WithContext(ctx))
	if err != nil {
		return provider.RepoRef{}, classify(op, resp, err)
	}
	c.log.Info("repository created", "org", org, "name", name, "project_id", projectID, "gitlab_id", project.ID)
	return repoRef(org, project), nil
}

// FindRepository looks up org/name.
func (c *Client) FindRepository(ctx context.Context, org, name string) (provider.RepoRef, error) {
	project, resp, err := c.api.Projects.GetProject(org+"/"+name, &gl.GetProjectOptions{}, gl.WithContext(ctx))
	if err != nil {
		return provider.RepoRef{}, classify("gitlab.find_repository", resp, err)
	}
	return repoRef(org, project), nil
}

// PushTree commits tree onto the default branch unless the branch head
// already carries message.
func (c *Client) PushTree(ctx context.Context, repo provider.RepoRef, tree template.FileTree, message string) (provider.Commit, error) {
	const op = "gitlab.push_tree"
	branch := repo.DefaultBranch
	if branch == "" {
		branch = defaultBranch
	}
	head, resp, err := c.api.Branches.GetBranch(repoPath(repo), branch, gl.WithContext(ctx))
	switch {
	case err == nil && head.Commit != nil && strings.TrimSpace(head.Commit.Message) == strings.TrimSpace(message):
		c.log.Info("tree already pushed", "repo", repoPath(repo), "sha", head.Commit.ID)
		return provider.Commit{SHA: head.Commit.ID, Message: message}, nil
	case err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound):
		return provider.Commit{}, classify(op, resp, err)
	}
	if repo.CloneURL == "" {
		return provider.Commit{}, provider.NewPermanent(op, provider.CodePushRejected, errors.New("repository has no clone url"))
	}
	sha, err := c.pusher.Push(ctx, repo.CloneURL, branch, tree, message)
	if err != nil {
		return provider.Commit{}, err
	}
	c.log.Info("tree pushed", "repo", repoPath(repo), "branch", branch, "sha", sha, "files", len(tree))
	return provider.Commit{SHA: sha, Message: message}, nil
}

// DeleteRepository removes the project. A missing project counts as deleted.
func (c *Client) DeleteRepository(ctx context.Context, repo provider.RepoRef) error {
	resp, err := c.api.Projects.DeleteProject(repoPath(repo), gl.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classify("gitlab.delete_repository", resp, err)
	}
	c.log.Info("repository deleted", "repo", repoPath(repo))
	return nil
}

// LatestRunStatus maps the newest pipeline on the default branch.
func (c *Client) LatestRunStatus(ctx context.Context, repo provider.RepoRef) (provider.CIStatus, error) {
	branch := repo.DefaultBranch
	if branch == "" {
		branch = defaultBranch
	}
	pipelines, resp, err := c.api.Pipelines.ListProjectPipelines(repoPath(repo), &gl.ListProjectPipelinesOptions{
		ListOptions: gl.ListOptions{Page: 1, PerPage: 1},
		Ref:         gl.String(branch),
		OrderBy:     gl.String("id"),
		Sort:        gl.String("desc"),
	}, gl.WithContext(ctx))
	if err != nil {
		return provider.CIUnknown, classify("gitlab.latest_run_status", resp, err)
	}
	if len(pipelines) == 0 {
		return provider.CIUnknown, nil
	}
	return mapPipelineStatus(pipelines[0].Status), nil
}

func mapPipelineStatus(status string) provider.CIStatus {
	switch status {
	case "created", "waiting_for_resource", "preparing", "pending", "scheduled", "manual":
		return provider.CIQueued
	case "running":
		return provider.CIRunning
	case "success":
		return provider.CISucceeded
	case "failed", "canceled", "skipped":
		return provider.CIFailed
	default:
		return provider.CIUnknown
	}
}

func classify(op string, resp *gl.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return provider.NewTransient(op, provider.CodeUnavailable, err)
	}
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(err.Error(), "has already been taken") {
		return provider.NewPermanent(op, provider.CodeAlreadyExists, err)
	}
	return provider.FromHTTPStatus(op, resp.StatusCode, err)
}

func ownerDescription(projectID string) string {
	return fmt.Sprintf("Provisioned by idp (idp-project-id=%s)", projectID)
}

func ownerOf(description string) string {
	m := ownerPattern.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

func repoRef(org string, p *gl.Project) provider.RepoRef {
	branch := p.DefaultBranch
	if branch == "" {
		branch = defaultBranch
	}
	return provider.RepoRef{
		Org:           org,
		Name:          p.Path,
		URL:           p.WebURL,
		CloneURL:      p.HTTPURLToRepo,
		DefaultBranch: branch,
		ProjectID:     ownerOf(p.Description),
	}
}

func repoPath(repo provider.RepoRef) string {
	return repo.Org + "/" + repo.Name
}
