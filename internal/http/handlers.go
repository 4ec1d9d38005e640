package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/service/project"
	"github.com/singh-krishan/idp/internal/ws"
)

func (r *Router) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": r.projects.Templates()})
}

func (r *Router) handleGetTemplate(w http.ResponseWriter, req *http.Request) {
	tmpl, err := r.projects.Template(chi.URLParam(req, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

type createProjectRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	TemplateType string         `json:"template_type"`
	Variables    map[string]any `json:"variables"`
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var body createProjectRequest
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	vars, err := stringVariables(body.Variables)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := r.projects.Create(req.Context(), project.CreateInput{
		Name:         body.Name,
		Description:  body.Description,
		TemplateType: body.TemplateType,
		Variables:    vars,
	})
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProjectResponse(created))
}

// stringVariables accepts JSON strings, numbers and booleans as variable values.
func stringVariables(raw map[string]any) (map[string]string, error) {
	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			vars[k] = val
		case float64:
			vars[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			vars[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("variable %s must be a string, number or boolean", k)
		}
	}
	return vars, nil
}

func (r *Router) handleCreateFromSpec(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(r.maxBody); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	if req.MultipartForm != nil {
		defer req.MultipartForm.RemoveAll()
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file: openapi document required")
		return
	}
	defer file.Close()
	limit := r.opts.SpecUploadMaxBytes
	if limit <= 0 {
		limit = r.maxBody
	}
	doc, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "file: unreadable upload")
		return
	}
	r.recordSpecUpload(len(doc))

	created, err := r.projects.CreateFromSpec(req.Context(), project.SpecInput{
		Name:        req.FormValue("name"),
		Description: req.FormValue("description"),
		Port:        req.FormValue("port"),
		Filename:    header.Filename,
		Document:    doc,
	})
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProjectResponse(created))
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	query, err := parseProjectQuery(req)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	page, err := r.projects.List(req.Context(), query)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	resp := projectListResponse{
		Total:      page.Total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: page.TotalPages(),
		Projects:   make([]projectResponse, 0, len(page.Projects)),
	}
	for i := range page.Projects {
		resp.Projects = append(resp.Projects, newProjectResponse(&page.Projects[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseProjectQuery(req *http.Request) (domain.ProjectQuery, error) {
	values := req.URL.Query()
	q := domain.ProjectQuery{
		Search:       values.Get("search"),
		TemplateType: values.Get("template_type"),
		SortBy:       strings.TrimSpace(values.Get("sort_by")),
	}
	if raw := values.Get("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			return q, err
		}
		q.Status = status
	}
	switch strings.ToLower(strings.TrimSpace(values.Get("sort_order"))) {
	case "", "desc":
		q.SortDesc = true
	case "asc":
	default:
		return q, &domain.ValidationError{Field: "sort_order", Message: "must be asc or desc"}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &q.Page}, {"page_size", &q.PageSize}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, &domain.ValidationError{Field: p.name, Message: "must be a positive integer"}
		}
		*p.dst = n
	}
	return q, nil
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	id, ok := projectIDParam(w, req)
	if !ok {
		return
	}
	p, err := r.projects.Get(req.Context(), id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newProjectResponse(p))
}

func (r *Router) handleDeleteProject(w http.ResponseWriter, req *http.Request) {
	id, ok := projectIDParam(w, req)
	if !ok {
		return
	}
	result, err := r.projects.Delete(req.Context(), id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	warnings := result.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: true, Degraded: result.Degraded, Warnings: warnings})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	days := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeServiceError(w, r.logger, &domain.ValidationError{Field: "days", Message: "must be an integer"})
			return
		}
		days = n
	}
	stats, err := r.projects.Stats(req.Context(), days)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

// handleProjectEvents streams status events for one project. The current
// state is sent first so late subscribers do not miss a terminal status.
func (r *Router) handleProjectEvents(w http.ResponseWriter, req *http.Request) {
	id, ok := projectIDParam(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	if _, err := r.projects.Get(req.Context(), id); err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "project_id", id, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(id, client)
	// Read the snapshot only once registered so no transition falls between
	// the two. Subscribers discard events older than what they have seen.
	p, err := r.projects.Get(req.Context(), id)
	if err != nil {
		r.logger.Warn("event stream snapshot failed", "project_id", id, "error", err)
		r.hub.Unregister(id, client)
		client.Close()
		return
	}
	if snapshot, err := json.Marshal(ws.NewStatusEvent(*p)); err == nil {
		_ = client.Send(snapshot)
	}
	go func() {
		defer func() {
			r.hub.Unregister(id, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func projectIDParam(w http.ResponseWriter, req *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(req, "id"))
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "project not found")
		return "", false
	}
	return id, true
}
