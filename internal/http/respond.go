package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/repository"
	"github.com/singh-krishan/idp/internal/template"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service and store errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, template.ErrTemplate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, repository.ErrNameTaken):
		writeError(w, http.StatusConflict, "project name already taken")
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type projectResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	TemplateType   string            `json:"template_type"`
	Variables      map[string]string `json:"variables"`
	Status         domain.Status     `json:"status"`
	ErrorMessage   *string           `json:"error_message"`
	RepoName       string            `json:"repo_name,omitempty"`
	RepoURL        string            `json:"repo_url,omitempty"`
	GitOpsApp      string            `json:"gitops_app,omitempty"`
	HasOpenAPISpec bool              `json:"has_openapi_spec"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newProjectResponse(p *domain.Project) projectResponse {
	vars := p.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	var errMsg *string
	if p.ErrorMessage != "" {
		msg := p.ErrorMessage
		errMsg = &msg
	}
	return projectResponse{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		TemplateType:   p.TemplateType,
		Variables:      vars,
		Status:         p.Status,
		ErrorMessage:   errMsg,
		RepoName:       p.RepoName,
		RepoURL:        p.RepoURL,
		GitOpsApp:      p.GitOpsApp,
		HasOpenAPISpec: len(p.SpecDocument) > 0,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

type projectListResponse struct {
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
	Projects   []projectResponse `json:"projects"`
}

type deleteResponse struct {
	Deleted  bool     `json:"deleted"`
	Degraded bool     `json:"degraded"`
	Warnings []string `json:"warnings"`
}

type statsResponse struct {
	Total         int                   `json:"total"`
	ByStatus      map[domain.Status]int `json:"by_status"`
	InProgress    int                   `json:"in_progress"`
	TemplateUsage map[string]int        `json:"template_usage"`
	SuccessRate   float64               `json:"success_rate"`
	CreatedPerDay []dailyCount          `json:"created_over_time"`
}

type dailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

func newStatsResponse(s domain.ProjectStats) statsResponse {
	byStatus := make(map[domain.Status]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		byStatus[st] = s.ByStatus[st]
	}
	usage := s.TemplateUsage
	if usage == nil {
		usage = map[string]int{}
	}
	perDay := make([]dailyCount, 0, len(s.CreatedPerDay))
	for _, d := range s.CreatedPerDay {
		perDay = append(perDay, dailyCount{Date: d.Day.Format(domain.DayLayout), Count: d.Count})
	}
	return statsResponse{
		Total:         s.Total,
		ByStatus:      byStatus,
		InProgress:    s.InProgress(),
		TemplateUsage: usage,
		SuccessRate:   s.SuccessRate(),
		CreatedPerDay: perDay,
	}
}
