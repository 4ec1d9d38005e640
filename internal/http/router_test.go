package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/singh-krishan/idp/internal/domain"
	"github.com/singh-krishan/idp/internal/provisioning"
	"github.com/singh-krishan/idp/internal/repository/memory"
	"github.com/singh-krishan/idp/internal/service/project"
	"github.com/singh-krishan/idp/internal/template"
	"github.com/singh-krishan/idp/internal/ws"
	"github.com/singh-krishan/idp/pkg/config"
)

type jobsStub struct {
	mu        sync.Mutex
	submitted []string
}

func (j *jobsStub) Submit(projectID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submitted = append(j.submitted, projectID)
	return nil
}

func (j *jobsStub) Cancel(string) (<-chan struct{}, bool) { return nil, false }

func (j *jobsStub) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.submitted)
}

type teardownStub struct {
	report provisioning.TeardownReport
}

func (t *teardownStub) Teardown(context.Context, domain.Project) provisioning.TeardownReport {
	return t.report
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (l *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	l.mu.Lock()
	l.calls = append(l.calls, key)
	l.mu.Unlock()
	if l.allowFn != nil {
		return l.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1}
}

func (l *rateLimiterStub) Close() {}

// hookedStore runs afterGet once a project read has completed.
type hookedStore struct {
	*memory.Repository
	mu       sync.Mutex
	afterGet func(id string)
}

func (s *hookedStore) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	p, err := s.Repository.GetProjectByID(ctx, id)
	s.mu.Lock()
	hook := s.afterGet
	s.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return p, err
}

func (s *hookedStore) onGet(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterGet = fn
}

type fixture struct {
	router   *Router
	store    *memory.Repository
	reads    *hookedStore
	jobs     *jobsStub
	teardown *teardownStub
	hub      *ws.Hub
}

func newFixture(t *testing.T, limiter RateLimiter, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	renderer, err := template.NewRenderer(nil, template.Settings{IngressDomain: "apps.test"})
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	store := memory.New()
	jobs := &jobsStub{}
	teardown := &teardownStub{}
	hub := ws.NewHub(logger)
	t.Cleanup(hub.Close)
	cfg := config.APIConfig{SpecUploadMaxBytes: 1 << 16, DeleteWaitTimeout: time.Second}
	reads := &hookedStore{Repository: store}
	svc := project.New(reads, renderer, jobs, teardown, nil, hub, logger, cfg)
	if limiter == nil {
		limiter = &rateLimiterStub{}
	}
	if opts.Registerer == nil {
		reg := prometheus.NewRegistry()
		opts.Registerer, opts.Gatherer = reg, reg
	}
	if opts.SpecUploadMaxBytes == 0 {
		opts.SpecUploadMaxBytes = cfg.SpecUploadMaxBytes
	}
	router := NewRouter(logger, svc, hub, limiter, opts)
	t.Cleanup(router.Close)
	return &fixture{router: router, store: store, reads: reads, jobs: jobs, teardown: teardown, hub: hub}
}

func (f *fixture) do(method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) createJSON(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(http.MethodPost, "/api/v1/projects", strings.NewReader(payload), "application/json")
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return out
}

func TestCreateProjectReturnsPendingProject(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rr := f.createJSON(t, `{"name":"user-service","template_type":"python-microservice","variables":{"port":8000}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decode[projectResponse](t, rr)
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.Variables["port"] != "8000" {
		t.Fatalf("expected numeric port to be accepted, got %q", got.Variables["port"])
	}
	if got.Variables["python_version"] == "" {
		t.Fatalf("expected defaults to be resolved, got %v", got.Variables)
	}
	if f.jobs.count() != 1 {
		t.Fatalf("expected one queued run, got %d", f.jobs.count())
	}
}

func TestCreateProjectRejectsInvalidName(t *testing.T) {
	f := newFixture(t, nil, Options{})

	rr := f.createJSON(t, `{"name":"User-Service","template_type":"python-microservice"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["error"] == "" {
		t.Fatalf("expected error message")
	}
	if f.jobs.count() != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestCreateProjectErrorMapping(t *testing.T) {
	f := newFixture(t, nil, Options{})
	if rr := f.createJSON(t, `{"name":"orders","template_type":"nodejs-api"}`); rr.Code != http.StatusCreated {
		t.Fatalf("seed project: %d %s", rr.Code, rr.Body.String())
	}

	cases := []struct {
		name    string
		payload string
		status  int
	}{
		{"duplicate name", `{"name":"orders","template_type":"nodejs-api"}`, http.StatusConflict},
		{"unknown template", `{"name":"billing","template_type":"rust-service"}`, http.StatusBadRequest},
		{"trailing separator", `{"name":"billing-","template_type":"nodejs-api"}`, http.StatusBadRequest},
		{"bad variable", `{"name":"billing","template_type":"nodejs-api","variables":{"port":"http"}}`, http.StatusBadRequest},
		{"spec template over json", `{"name":"billing","template_type":"openapi-microservice"}`, http.StatusBadRequest},
		{"malformed json", `{"name":`, http.StatusBadRequest},
		{"unknown field", `{"name":"billing","template_type":"nodejs-api","owner":"x"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.createJSON(t, tc.payload)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreateProjectRateLimited(t *testing.T) {
	reset := time.Unix(1_960_000_000, 0)
	limiter := &rateLimiterStub{allowFn: func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false, count: 5, windowEnd: reset}
	}}
	f := newFixture(t, limiter, Options{CreateRateLimit: 5})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader(`{"name":"orders","template_type":"nodejs-api"}`))
	req.RemoteAddr = "10.0.0.7:51234"
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "5" || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate headers %v", rr.Header())
	}
	if rr.Header().Get("X-RateLimit-Reset") != "1960000000" {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}
	if len(limiter.calls) != 1 || limiter.calls[0] != "create_project|ip:10.0.0.7" {
		t.Fatalf("unexpected limiter calls %v", limiter.calls)
	}
	if f.jobs.count() != 0 {
		t.Fatalf("expected nothing queued")
	}
	metrics := f.do(http.MethodGet, "/metrics", nil, "").Body.String()
	if !strings.Contains(metrics, `idp_api_rate_limit_hits_total{limiter="create_project",route="/api/v1/projects`) {
		t.Fatalf("rate limit hit not recorded:\n%s", metrics)
	}
}

func TestReadsAreNotRateLimited(t *testing.T) {
	limiter := &rateLimiterStub{allowFn: func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false}
	}}
	f := newFixture(t, limiter, Options{CreateRateLimit: 1})

	if rr := f.do(http.MethodGet, "/api/v1/projects", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(limiter.calls) != 0 {
		t.Fatalf("expected limiter untouched, got %v", limiter.calls)
	}
}

const petstoreYAML = `openapi: 3.0.0
info:
  title: Petstore
  version: 1.0.0
paths:
  /pets:
    get:
      operationId: listPets
      summary: List pets
  /pets/{petId}:
    get:
      operationId: showPetById
`

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestCreateFromSpecUpload(t *testing.T) {
	f := newFixture(t, nil, Options{})

	body, ct := multipartBody(t, map[string]string{"name": "petstore", "port": "9000"}, "petstore.yaml", petstoreYAML)
	rr := f.do(http.MethodPost, "/api/v1/projects/openapi", body, ct)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decode[projectResponse](t, rr)
	if got.TemplateType != template.OpenAPIMicroservice || !got.HasOpenAPISpec {
		t.Fatalf("unexpected project %+v", got)
	}
	if got.Variables["port"] != "9000" {
		t.Fatalf("expected port 9000, got %q", got.Variables["port"])
	}
	metrics := f.do(http.MethodGet, "/metrics", nil, "").Body.String()
	if !strings.Contains(metrics, "idp_api_openapi_upload_bytes_count 1") {
		t.Fatalf("upload size not observed:\n%s", metrics)
	}
}

func TestCreateFromSpecRejectsBadUploads(t *testing.T) {
	f := newFixture(t, nil, Options{})

	cases := []struct {
		name     string
		filename string
		content  string
	}{
		{"missing file", "", ""},
		{"wrong extension", "petstore.txt", petstoreYAML},
		{"swagger 2", "petstore.json", `{"swagger":"2.0","paths":{"/a":{"get":{}}}}`},
		{"no paths", "petstore.yaml", "openapi: 3.0.0\ninfo:\n  title: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartBody(t, map[string]string{"name": "petstore"}, tc.filename, tc.content)
			rr := f.do(http.MethodPost, "/api/v1/projects/openapi", body, ct)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
	if f.jobs.count() != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestListProjectsFiltersAndPaginates(t *testing.T) {
	f := newFixture(t, nil, Options{})
	for i := 0; i < 5; i++ {
		tmpl := "nodejs-api"
		if i%2 == 0 {
			tmpl = "python-microservice"
		}
		payload := fmt.Sprintf(`{"name":"svc-%d","template_type":%q}`, i, tmpl)
		if rr := f.createJSON(t, payload); rr.Code != http.StatusCreated {
			t.Fatalf("seed %d: %d", i, rr.Code)
		}
	}

	rr := f.do(http.MethodGet, "/api/v1/projects?template_type=python-microservice&sort_by=name&sort_order=asc&page=1&page_size=2", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decode[projectListResponse](t, rr)
	if got.Total != 3 || got.TotalPages != 2 || got.PageSize != 2 || got.Page != 1 {
		t.Fatalf("unexpected page metadata %+v", got)
	}
	if len(got.Projects) != 2 || got.Projects[0].Name != "svc-0" || got.Projects[1].Name != "svc-2" {
		t.Fatalf("unexpected projects %+v", got.Projects)
	}

	for _, target := range []string{
		"/api/v1/projects?status=sleeping",
		"/api/v1/projects?sort_by=owner",
		"/api/v1/projects?sort_order=sideways",
		"/api/v1/projects?page=zero",
	} {
		if rr := f.do(http.MethodGet, target, nil, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestGetProject(t *testing.T) {
	f := newFixture(t, nil, Options{})
	created := decode[projectResponse](t, f.createJSON(t, `{"name":"orders","template_type":"nodejs-api"}`))

	rr := f.do(http.MethodGet, "/api/v1/projects/"+created.ID, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decode[projectResponse](t, rr); got.ID != created.ID || got.Name != "orders" {
		t.Fatalf("unexpected project %+v", got)
	}

	for _, id := range []string{"3f1e9a52-8a4e-4d55-9a37-1c1f0c5d7e01", "not-a-uuid"} {
		if rr := f.do(http.MethodGet, "/api/v1/projects/"+id, nil, ""); rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", id, rr.Code)
		}
	}
}

func TestDeleteProjectReportsWarnings(t *testing.T) {
	f := newFixture(t, nil, Options{})
	created := decode[projectResponse](t, f.createJSON(t, `{"name":"orders","template_type":"nodejs-api"}`))
	f.teardown.report = provisioning.TeardownReport{Warnings: []string{"repository: gitlab unavailable"}}

	rr := f.do(http.MethodDelete, "/api/v1/projects/"+created.ID, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decode[deleteResponse](t, rr)
	if !got.Deleted || !got.Degraded || len(got.Warnings) != 1 {
		t.Fatalf("unexpected delete response %+v", got)
	}
	if rr := f.do(http.MethodGet, "/api/v1/projects/"+created.ID, nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected record removed, got %d", rr.Code)
	}
	if rr := f.do(http.MethodDelete, "/api/v1/projects/"+created.ID, nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected second delete to 404, got %d", rr.Code)
	}
}

func TestTemplatesAndStats(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.createJSON(t, `{"name":"orders","template_type":"nodejs-api"}`)

	list := decode[map[string][]template.Template](t, f.do(http.MethodGet, "/api/v1/templates", nil, ""))
	if len(list["templates"]) != 3 {
		t.Fatalf("expected three templates, got %d", len(list["templates"]))
	}
	if rr := f.do(http.MethodGet, "/api/v1/templates/openapi-microservice", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/api/v1/templates/cobol-batch", nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	stats := decode[statsResponse](t, f.do(http.MethodGet, "/api/v1/stats", nil, ""))
	if stats.Total != 1 || stats.InProgress != 1 || stats.ByStatus[domain.StatusPending] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.TemplateUsage["nodejs-api"] != 1 {
		t.Fatalf("unexpected template usage %v", stats.TemplateUsage)
	}
	if len(stats.CreatedPerDay) != domain.DefaultStatsDays {
		t.Fatalf("expected %d days of history, got %d", domain.DefaultStatsDays, len(stats.CreatedPerDay))
	}
	today := stats.CreatedPerDay[len(stats.CreatedPerDay)-1]
	if today.Date != time.Now().UTC().Format(domain.DayLayout) || today.Count != 1 {
		t.Fatalf("unexpected latest day %+v", today)
	}

	stats = decode[statsResponse](t, f.do(http.MethodGet, "/api/v1/stats?days=30", nil, ""))
	if len(stats.CreatedPerDay) != 30 {
		t.Fatalf("expected 30 days of history, got %d", len(stats.CreatedPerDay))
	}
	for _, days := range []string{"0x", "-1", "365"} {
		if rr := f.do(http.MethodGet, "/api/v1/stats?days="+days, nil, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("days=%s: expected 400, got %d", days, rr.Code)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ready := errors.New("connection refused")
	f := newFixture(t, nil, Options{Ready: func(context.Context) error { return ready }})

	if rr := f.do(http.MethodGet, "/healthz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected liveness 200, got %d", rr.Code)
	}
	rr := f.do(http.MethodGet, "/readyz", nil, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected readiness body %v", body)
	}

	ready = nil
	if rr := f.do(http.MethodGet, "/readyz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once store is reachable, got %d", rr.Code)
	}
}

func TestMetricsExposeRequestCounters(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.do(http.MethodGet, "/api/v1/templates", nil, "")

	rr := f.do(http.MethodGet, "/metrics", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "idp_api_event_stream_subscribers 0") {
		t.Fatalf("subscriber gauge missing from metrics output")
	}
	if !strings.Contains(rr.Body.String(), `idp_api_http_requests_total{method="GET",route="/api/v1/templates",status="200"} 1`) {
		t.Fatalf("request counter missing from metrics output")
	}
}

func TestProjectEventsStreamsStatusChanges(t *testing.T) {
	f := newFixture(t, nil, Options{})
	created := decode[projectResponse](t, f.createJSON(t, `{"name":"orders","template_type":"nodejs-api"}`))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/" + created.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot ws.Event
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Project.Status != string(domain.StatusPending) {
		t.Fatalf("expected pending snapshot, got %+v", snapshot)
	}

	p, err := f.store.GetProjectByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.Status = domain.StatusCreatingRepo
	f.hub.Publish(*p)

	var update ws.Event
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != ws.EventTypeStatus || update.Project.Status != string(domain.StatusCreatingRepo) {
		t.Fatalf("unexpected update %+v", update)
	}
}

func TestProjectEventsSnapshotIncludesTransitionsBeforeRegistration(t *testing.T) {
	f := newFixture(t, nil, Options{})
	created := decode[projectResponse](t, f.createJSON(t, `{"name":"orders","template_type":"nodejs-api"}`))

	// The first read is the existence check before the upgrade. Finish the
	// pipeline right after it, while nobody is subscribed yet.
	var once sync.Once
	f.reads.onGet(func(id string) {
		once.Do(func() {
			from := domain.StatusPending
			for _, to := range []domain.Status{domain.StatusCreatingRepo, domain.StatusBuilding, domain.StatusDeploying, domain.StatusActive} {
				updated, err := f.store.TransitionStatus(context.Background(), domain.StatusTransition{ProjectID: id, From: from, To: to, At: time.Now()})
				if err != nil {
					t.Errorf("transition %s -> %s: %v", from, to, err)
					return
				}
				f.hub.Publish(*updated)
				from = to
			}
		})
	})

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/" + created.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot ws.Event
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Project.Status != string(domain.StatusActive) || !snapshot.Project.Terminal {
		t.Fatalf("expected terminal active snapshot, got %+v", snapshot.Project)
	}
}

func TestProjectEventsUnknownProject(t *testing.T) {
	f := newFixture(t, nil, Options{})
	rr := f.do(http.MethodGet, "/api/v1/projects/3f1e9a52-8a4e-4d55-9a37-1c1f0c5d7e01/events", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newMemoryRateLimiter(func() time.Time { return now })

	for i := 1; i <= 2; i++ {
		if d := rl.Allow("ip:a", 2, time.Minute); !d.allowed || d.count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := rl.Allow("ip:a", 2, time.Minute); d.allowed {
		t.Fatalf("expected third request to be limited")
	}
	if d := rl.Allow("ip:b", 2, time.Minute); !d.allowed {
		t.Fatalf("expected separate key to be allowed")
	}

	now = now.Add(time.Minute + time.Second)
	if d := rl.Allow("ip:a", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expected window reset, got %+v", d)
	}
	rl.cleanup(now.Add(2 * time.Minute))
	if len(rl.entries) != 0 {
		t.Fatalf("expected expired entries swept, got %d", len(rl.entries))
	}
}
