// Package client is a typed HTTP client for the provisioning API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the provisioning API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, reader, contentType, v)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Variable describes one template input.
type Variable struct {
	Name        string `json:"name"`
	Default     string `json:"default"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Template is a catalog entry.
type Template struct {
	Name                  string     `json:"name"`
	DisplayName           string     `json:"display_name"`
	Description           string     `json:"description"`
	Variables             []Variable `json:"variables"`
	RequiresOpenAPIUpload bool       `json:"requires_openapi_upload"`
}

// Project reflects API project payloads.
type Project struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	TemplateType   string            `json:"template_type"`
	Variables      map[string]string `json:"variables"`
	Status         string            `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RepoName       string            `json:"repo_name,omitempty"`
	RepoURL        string            `json:"repo_url,omitempty"`
	GitOpsApp      string            `json:"gitops_app,omitempty"`
	HasOpenAPISpec bool              `json:"has_openapi_spec"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Terminal reports whether provisioning has finished.
func (p Project) Terminal() bool {
	return p.Status == "active" || p.Status == "failed"
}

// ProjectPage is one page of a listing.
type ProjectPage struct {
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
	TotalPages int       `json:"total_pages"`
	Projects   []Project `json:"projects"`
}

// ListOptions filter, sort and paginate project listings. Zero values use
// the server defaults.
type ListOptions struct {
	Search       string
	Status       string
	TemplateType string
	SortBy       string
	SortOrder    string
	Page         int
	PageSize     int
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			v.Set(key, value)
		}
	}
	set("search", o.Search)
	set("status", o.Status)
	set("template_type", o.TemplateType)
	set("sort_by", o.SortBy)
	set("sort_order", o.SortOrder)
	if o.Page > 0 {
		v.Set("page", strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(o.PageSize))
	}
	return v
}

// CreateProjectRequest is the JSON body of a project creation.
type CreateProjectRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	TemplateType string            `json:"template_type"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// SpecUpload creates a project from an OpenAPI document.
type SpecUpload struct {
	Name        string
	Description string
	Port        string
	Filename    string
	Document    io.Reader
}

// DeleteResult reports a finished deletion.
type DeleteResult struct {
	Deleted  bool     `json:"deleted"`
	Degraded bool     `json:"degraded"`
	Warnings []string `json:"warnings"`
}

// Stats is the dashboard aggregation.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	InProgress    int            `json:"in_progress"`
	TemplateUsage map[string]int `json:"template_usage"`
	SuccessRate   float64        `json:"success_rate"`
	CreatedPerDay []struct {
		Date  string `json:"date"`
		Count int    `json:"count"`
	} `json:"created_over_time"`
}

// Event is one status change pushed over the events stream.
type Event struct {
	Type    string `json:"type"`
	Project struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		TemplateType string    `json:"template_type"`
		Status       string    `json:"status"`
		ErrorMessage string    `json:"error_message,omitempty"`
		RepoName     string    `json:"repo_name,omitempty"`
		RepoURL      string    `json:"repo_url,omitempty"`
		GitOpsApp    string    `json:"gitops_app,omitempty"`
		Terminal     bool      `json:"terminal"`
		UpdatedAt    time.Time `json:"updated_at"`
	} `json:"project"`
}

var statusRank = map[string]int{
	"pending":       0,
	"creating_repo": 1,
	"building":      2,
	"deploying":     3,
	"active":        4,
	"failed":        4,
}

// after reports whether ev is newer than prev. The snapshot and live events
// can arrive in either order.
func (ev Event) after(prev Event) bool {
	switch {
	case ev.Project.UpdatedAt.After(prev.Project.UpdatedAt):
		return true
	case ev.Project.UpdatedAt.Before(prev.Project.UpdatedAt):
		return false
	default:
		return statusRank[ev.Project.Status] > statusRank[prev.Project.Status]
	}
}

// Templates lists the template catalog.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	var resp struct {
		Templates []Template `json:"templates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/templates", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Templates, nil
}

// Template fetches one catalog entry.
func (c *Client) Template(ctx context.Context, name string) (Template, error) {
	var tmpl Template
	err := c.do(ctx, http.MethodGet, "/api/v1/templates/"+url.PathEscape(name), nil, &tmpl)
	return tmpl, err
}

// CreateProject requests a new project; provisioning continues asynchronously.
func (c *Client) CreateProject(ctx context.Context, req CreateProjectRequest) (Project, error) {
	var project Project
	err := c.do(ctx, http.MethodPost, "/api/v1/projects", req, &project)
	return project, err
}

// CreateProjectFromSpec uploads an OpenAPI document as multipart form data.
func (c *Client) CreateProjectFromSpec(ctx context.Context, upload SpecUpload) (Project, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for key, value := range map[string]string{"name": upload.Name, "description": upload.Description, "port": upload.Port} {
		if value == "" {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return Project{}, fmt.Errorf("encode %s: %w", key, err)
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(upload.Filename))
	if err != nil {
		return Project{}, fmt.Errorf("encode file: %w", err)
	}
	if upload.Document != nil {
		if _, err := io.Copy(fw, upload.Document); err != nil {
			return Project{}, fmt.Errorf("encode file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Project{}, fmt.Errorf("encode multipart: %w", err)
	}
	var project Project
	err = c.send(ctx, http.MethodPost, "/api/v1/projects/openapi", &buf, mw.FormDataContentType(), &project)
	return project, err
}

// ListProjects returns one page of projects.
func (c *Client) ListProjects(ctx context.Context, opts ListOptions) (ProjectPage, error) {
	path := "/api/v1/projects"
	if q := opts.values().Encode(); q != "" {
		path += "?" + q
	}
	var page ProjectPage
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var project Project
	err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+url.PathEscape(id), nil, &project)
	return project, err
}

// DeleteProject aborts provisioning, tears down external resources and removes the project.
func (c *Client) DeleteProject(ctx context.Context, id string) (DeleteResult, error) {
	var result DeleteResult
	err := c.do(ctx, http.MethodDelete, "/api/v1/projects/"+url.PathEscape(id), nil, &result)
	return result, err
}

// Stats fetches the dashboard aggregation. days sets the creation history
// window; zero leaves the server default.
func (c *Client) Stats(ctx context.Context, days int) (Stats, error) {
	path := "/api/v1/stats"
	if days != 0 {
		path += "?days=" + strconv.Itoa(days)
	}
	var stats Stats
	err := c.do(ctx, http.MethodGet, path, nil, &stats)
	return stats, err
}

// WatchProject streams status events for a project until fn returns an
// error, the project reaches a terminal status, or ctx ends. The first event
// is the current state; events no newer than one already delivered are
// skipped.
func (c *Client) WatchProject(ctx context.Context, id string, fn func(Event) error) error {
	endpoint, err := url.Parse(c.baseURL + "/api/v1/projects/" + url.PathEscape(id) + "/events")
	if err != nil {
		return fmt.Errorf("build events url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("open events stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var (
		last Event
		seen bool
	)
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if seen && !ev.after(last) {
			continue
		}
		last, seen = ev, true
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Project.Terminal {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}
