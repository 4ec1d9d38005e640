package template

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/singh-krishan/idp/internal/domain"
)

const petstore = `openapi: "3.0.3"
info:
  title: Pet Store
  version: "2.1.0"
paths:
  /pets:
    get:
      operationId: listPets
      summary: List all pets
      parameters:
        - name: limit
          in: query
    post:
      summary: Create a pet
  /pets/{petId}:
    parameters:
      - name: verbose
        in: query
    get:
      operationId: listPets
    delete:
      summary: Remove a pet
    options:
      summary: ignored
`

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(DefaultCatalog(), Settings{
		ImageRegistry:  "registry.example.com",
		ImageNamespace: "platform",
		IngressDomain:  "apps.example.com",
		Replicas:       2,
	})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func TestRenderIsDeterministic(t *testing.T) {
	r := newTestRenderer(t)
	in := Input{ProjectName: "user-service", Description: "Users", Variables: map[string]string{"port": "8000"}}
	first, err := r.Render(PythonMicroservice, in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := r.Render(PythonMicroservice, in)
	if err != nil {
		t.Fatalf("render again: %v", err)
	}
	if first.Digest() != second.Digest() {
		t.Fatalf("digests differ between identical renders")
	}
	for _, p := range first.Paths() {
		if !bytes.Equal(first[p], second[p]) {
			t.Fatalf("file %s differs between renders", p)
		}
	}
}

func TestRenderPythonMicroserviceContents(t *testing.T) {
	r := newTestRenderer(t)
	tree, err := r.Render(PythonMicroservice, Input{ProjectName: "user_service", Variables: map[string]string{"port": "8000", "unknown": "x"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, p := range []string{"Dockerfile", ".gitlab-ci.yml", "src/main.py", "helm/Chart.yaml", "helm/values.yaml", "helm/templates/deployment.yaml", "helm/templates/ingress.yaml", "README.md"} {
		if _, ok := tree[p]; !ok {
			t.Fatalf("expected %s in tree, got %v", p, tree.Paths())
		}
	}
	if !strings.Contains(string(tree["src/main.py"]), `@app.get("/health")`) {
		t.Fatalf("expected health endpoint in main.py")
	}
	if !strings.Contains(string(tree["Dockerfile"]), "ENV PORT=8000") {
		t.Fatalf("expected PORT in Dockerfile:\n%s", tree["Dockerfile"])
	}
	if !strings.Contains(string(tree["helm/templates/deployment.yaml"]), "{{ .Values.probes.path }}") {
		t.Fatalf("expected helm expressions to pass through untouched")
	}

	var values helmValues
	if err := yaml.Unmarshal(tree["helm/values.yaml"], &values); err != nil {
		t.Fatalf("values.yaml: %v", err)
	}
	if values.Service.Port != 8000 || values.ReplicaCount != 2 {
		t.Fatalf("unexpected values: %+v", values)
	}
	if values.Ingress.Host != "user-service.apps.example.com" {
		t.Fatalf("unexpected ingress host %q", values.Ingress.Host)
	}
	if values.Image.Repository != "registry.example.com/platform/user_service" {
		t.Fatalf("unexpected image %q", values.Image.Repository)
	}
}

func TestRenderNodeUsesTemplateDefaults(t *testing.T) {
	r := newTestRenderer(t)
	tree, err := r.Render(NodeJSAPI, Input{ProjectName: "orders"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(tree["src/index.js"]), `process.env.PORT || "3000"`) {
		t.Fatalf("expected default port 3000 in index.js:\n%s", tree["src/index.js"])
	}
	if !strings.Contains(string(tree["Dockerfile"]), "FROM node:20-alpine") {
		t.Fatalf("unexpected Dockerfile:\n%s", tree["Dockerfile"])
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := newTestRenderer(t)
	_, err := r.Render("cobol-batch", Input{ProjectName: "x"})
	if !errors.Is(err, ErrTemplate) || !HasReason(err, ReasonUnknownTemplate) {
		t.Fatalf("expected unknown_template error, got %v", err)
	}
}

func TestResolveRejectsBadPort(t *testing.T) {
	_, err := DefaultCatalog().Resolve(PythonMicroservice, map[string]string{"port": "http"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
	vars, err := DefaultCatalog().Resolve(PythonMicroservice, map[string]string{"port": " ", "extra": "1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if vars["port"] != "8000" {
		t.Fatalf("expected default port, got %q", vars["port"])
	}
	if _, ok := vars["extra"]; ok {
		t.Fatalf("unknown keys must be ignored")
	}
}

func TestParseSpecDocumentExtractsOperations(t *testing.T) {
	doc, err := ParseSpecDocument("petstore.yaml", []byte(petstore), DefaultSpecMaxBytes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Title != "Pet Store" || doc.Version != "2.1.0" || doc.Format != SpecFormatYAML {
		t.Fatalf("unexpected document info: %+v", doc)
	}
	got := make([]string, 0, len(doc.Operations))
	for _, op := range doc.Operations {
		got = append(got, op.Method+" "+op.Path+" "+op.ID)
	}
	want := []string{
		"get /pets list_pets",
		"post /pets post_pets",
		"get /pets/{petId} list_pets_1",
		"delete /pets/{petId} delete_pets_pet_id",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("operations mismatch\n got: %v\nwant: %v", got, want)
	}
	if q := doc.Operations[0].QueryParams; len(q) != 1 || q[0].Name != "limit" {
		t.Fatalf("unexpected query params: %v", q)
	}
	if p := doc.Operations[2].PathParams; len(p) != 1 || p[0].Name != "petId" || !p[0].Required {
		t.Fatalf("unexpected path params: %v", p)
	}
	if q := doc.Operations[3].QueryParams; len(q) != 1 || q[0].Name != "verbose" {
		t.Fatalf("expected path-level query params to be inherited, got %v", q)
	}
}

func TestParseSpecDocumentRejections(t *testing.T) {
	cases := map[string]struct {
		filename string
		body     string
		max      int64
	}{
		"extension": {"spec.txt", petstore, 0},
		"empty":     {"spec.yaml", "", 0},
		"too large": {"spec.yaml", petstore, 10},
		"swagger":   {"spec.json", `{"swagger":"2.0","paths":{"/a":{"get":{}}}}`, 0},
		"no paths":  {"spec.json", `{"openapi":"3.0.0","paths":{}}`, 0},
		"no ops":    {"spec.json", `{"openapi":"3.1.0","paths":{"/a":{"options":{}}}}`, 0},
		"garbage":   {"spec.yaml", "::: not yaml", 0},
	}
	for name, tc := range cases {
		_, err := ParseSpecDocument(tc.filename, []byte(tc.body), tc.max)
		if !HasReason(err, ReasonInvalidSpec) {
			t.Fatalf("%s: expected invalid_spec, got %v", name, err)
		}
	}
}

func TestRenderOpenAPIMicroserviceGeneratesHandlerPerOperation(t *testing.T) {
	r := newTestRenderer(t)
	doc, err := ParseSpecDocument("petstore.yaml", []byte(petstore), 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tree, err := r.Render(OpenAPIMicroservice, Input{ProjectName: "pets", Spec: doc})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, op := range doc.Operations {
		if _, ok := tree["src/handlers/"+op.ID+".py"]; !ok {
			t.Fatalf("missing handler for %s", op.ID)
		}
		if !strings.Contains(string(tree["tests/test_api.py"]), "def test_"+op.ID+"()") {
			t.Fatalf("missing test for %s", op.ID)
		}
	}
	main := string(tree["src/main.py"])
	if !strings.Contains(main, `app.add_api_route("/pets/{petId}", list_pets_1.handle, methods=["GET"]`) {
		t.Fatalf("route wiring missing:\n%s", main)
	}
	if !strings.Contains(string(tree["src/handlers/list_pets_1.py"]), "async def handle(petId: str, verbose: Optional[str] = Query(None))") {
		t.Fatalf("unexpected handler signature:\n%s", tree["src/handlers/list_pets_1.py"])
	}
	if !bytes.Equal(tree["openapi.yaml"], []byte(petstore)) {
		t.Fatalf("expected uploaded document to be committed verbatim")
	}

	if _, err := r.Render(OpenAPIMicroservice, Input{ProjectName: "pets"}); !HasReason(err, ReasonInvalidSpec) {
		t.Fatalf("expected invalid_spec without a document, got %v", err)
	}
}

const eventsSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "Events", "version": "1.0.0"},
  "paths": {
    "/events": {
      "get": {
        "operationId": "import",
        "summary": "List \"events\" in C:\\logs",
        "parameters": [
          {"name": "from", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "required": true, "schema": {"type": "integer"}},
          {"name": "page-size", "in": "query", "schema": {"type": "number"}},
          {"name": "class", "in": "query", "schema": {"type": "boolean"}}
        ]
      }
    },
    "/events/{id}": {
      "get": {
        "operationId": "getEvent",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}]
      }
    }
  }
}`

func TestRenderOpenAPIHandlersAreValidPython(t *testing.T) {
	r := newTestRenderer(t)
	doc, err := ParseSpecDocument("events.json", []byte(eventsSpec), 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Operations[0].ID != "import_op" {
		t.Fatalf("keyword operationId should be suffixed, got %q", doc.Operations[0].ID)
	}
	tree, err := r.Render(OpenAPIMicroservice, Input{ProjectName: "events", Spec: doc})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	list := string(tree["src/handlers/import_op.py"])
	wantSignature := "async def handle(" +
		`class_: Optional[bool] = Query(None, alias="class"), ` +
		`from_: Optional[str] = Query(None, alias="from"), ` +
		`limit: int = Query(...), ` +
		`page_size: Optional[float] = Query(None, alias="page-size"))`
	if !strings.Contains(list, wantSignature) {
		t.Fatalf("unexpected handler signature:\n%s", list)
	}
	if !strings.HasPrefix(list, `"""GET /events - List \"events\" in C:\\logs"""`) {
		t.Fatalf("docstring not escaped:\n%s", list)
	}

	get := string(tree["src/handlers/get_event.py"])
	if !strings.Contains(get, "async def handle(id: int)") {
		t.Fatalf("path parameter type not mapped:\n%s", get)
	}

	main := string(tree["src/main.py"])
	if !strings.Contains(main, "from src.handlers import import_op, get_event") {
		t.Fatalf("unexpected handler import:\n%s", main)
	}
	tests := string(tree["tests/test_api.py"])
	if !strings.Contains(tests, `client.request("GET", "/events?limit=1")`) {
		t.Fatalf("required query parameter missing from sample request:\n%s", tests)
	}
}
