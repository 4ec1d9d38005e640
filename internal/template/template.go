// Package template renders project scaffolding from the built-in catalog.
// Rendering is pure: the same inputs always yield a byte-identical tree.
package template

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/url"
	"regexp"
	"sort"
	"strings"
	texttemplate "text/template"

	"gopkg.in/yaml.v3"

	"github.com/singh-krishan/idp/internal/domain"
)

//go:embed skeletons
var skeletonFS embed.FS

// ChartPath is where the Helm chart lives inside every rendered tree.
const ChartPath = "helm"

// Settings are platform-wide rendering inputs.
type Settings struct {
	ImageRegistry  string
	ImageNamespace string
	IngressDomain  string
	IngressClass   string
	Replicas       int
}

// Input is everything a single render depends on.
type Input struct {
	ProjectName string
	Description string
	Variables   map[string]string
	Spec        *SpecDocument
}

// FileTree maps repository-relative paths to file contents.
type FileTree map[string][]byte

// Paths returns the tree's paths in sorted order.
func (t FileTree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Digest is a stable content hash of the whole tree.
func (t FileTree) Digest() string {
	h := sha256.New()
	for _, p := range t.Paths() {
		fmt.Fprintf(h, "%s\x00%d\x00", p, len(t[p]))
		h.Write(t[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Renderer turns catalog templates into file trees.
type Renderer struct {
	catalog   *Catalog
	settings  Settings
	skeletons *texttemplate.Template
}

// NewRenderer parses the embedded skeletons.
func NewRenderer(catalog *Catalog, settings Settings) (*Renderer, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if settings.Replicas <= 0 {
		settings.Replicas = 1
	}
	root := texttemplate.New("skeletons").Delims("[[", "]]").Funcs(texttemplate.FuncMap{
		"upper":      strings.ToUpper,
		"pyparams":      pythonParams,
		"pydoc":         pythonDocstring,
		"sampleRequest": sampleRequest,
	})
	paths, err := fs.Glob(skeletonFS, "skeletons/*/*.tmpl")
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		body, err := skeletonFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(p, "skeletons/")
		if _, err := root.New(name).Parse(string(body)); err != nil {
			return nil, fmt.Errorf("parse skeleton %s: %w", name, err)
		}
	}
	return &Renderer{catalog: catalog, settings: settings, skeletons: root}, nil
}

// Catalog exposes the templates the renderer knows.
func (r *Renderer) Catalog() *Catalog {
	return r.catalog
}

type renderData struct {
	Name             string
	ResourceName     string
	Description      string
	Template         string
	Port             string
	Vars             map[string]string
	Image            string
	Host             string
	ChartDescription string
	TestImage        string
	TestScript       []string
	Spec             *SpecDocument
	Operations       []Operation
}

type fileSpec struct {
	path     string
	skeleton string
}

var languageFiles = map[string][]fileSpec{
	"python": {
		{"Dockerfile", "python/Dockerfile.tmpl"},
		{"requirements.txt", "python/requirements.txt.tmpl"},
		{".gitignore", "python/gitignore.tmpl"},
		{"src/main.py", "python/main.py.tmpl"},
		{"tests/test_main.py", "python/test_main.py.tmpl"},
	},
	"nodejs": {
		{"Dockerfile", "nodejs/Dockerfile.tmpl"},
		{"package.json", "nodejs/package.json.tmpl"},
		{".gitignore", "nodejs/gitignore.tmpl"},
		{"src/index.js", "nodejs/index.js.tmpl"},
		{"test/index.test.js", "nodejs/index.test.js.tmpl"},
	},
	"openapi": {
		{"Dockerfile", "python/Dockerfile.tmpl"},
		{"requirements.txt", "python/requirements.txt.tmpl"},
		{".gitignore", "python/gitignore.tmpl"},
		{"src/main.py", "openapi/main.py.tmpl"},
		{"tests/test_api.py", "openapi/test_api.py.tmpl"},
	},
}

var commonFiles = []fileSpec{
	{".gitlab-ci.yml", "common/gitlab-ci.yml.tmpl"},
	{"README.md", "common/README.md.tmpl"},
	{ChartPath + "/Chart.yaml", "common/Chart.yaml.tmpl"},
	{ChartPath + "/templates/deployment.yaml", "common/deployment.yaml.tmpl"},
	{ChartPath + "/templates/service.yaml", "common/service.yaml.tmpl"},
	{ChartPath + "/templates/ingress.yaml", "common/ingress.yaml.tmpl"},
}

// Render produces the file tree for templateName.
func (r *Renderer) Render(templateName string, in Input) (FileTree, error) {
	tmpl, err := r.catalog.Lookup(templateName)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ProjectName) == "" {
		return nil, &TemplateError{Template: templateName, Reason: ReasonRenderFailed, Err: fmt.Errorf("project name is empty")}
	}
	vars, err := r.catalog.Resolve(templateName, in.Variables)
	if err != nil {
		return nil, err
	}
	if tmpl.RequiresSpecificationUpload && (in.Spec == nil || len(in.Spec.Operations) == 0) {
		return nil, invalidSpec(fmt.Errorf("template %s requires a specification document", templateName))
	}

	data := r.buildData(tmpl, in, vars)
	tree := make(FileTree)
	render := func(path, skeleton string, value any) error {
		var buf bytes.Buffer
		if err := r.skeletons.ExecuteTemplate(&buf, skeleton, value); err != nil {
			return &TemplateError{Template: templateName, Reason: ReasonRenderFailed, Err: fmt.Errorf("%s: %w", path, err)}
		}
		tree[path] = buf.Bytes()
		return nil
	}

	for _, f := range commonFiles {
		if err := render(f.path, f.skeleton, data); err != nil {
			return nil, err
		}
	}
	for _, f := range languageFiles[tmpl.language] {
		if err := render(f.path, f.skeleton, data); err != nil {
			return nil, err
		}
	}

	values, err := r.helmValues(data)
	if err != nil {
		return nil, &TemplateError{Template: templateName, Reason: ReasonRenderFailed, Err: err}
	}
	tree[ChartPath+"/values.yaml"] = values

	switch tmpl.language {
	case "python":
		tree["src/__init__.py"] = []byte{}
		tree["tests/__init__.py"] = []byte{}
	case "openapi":
		tree["src/__init__.py"] = []byte{}
		tree["tests/__init__.py"] = []byte{}
		tree["src/handlers/__init__.py"] = []byte{}
		for _, op := range data.Operations {
			if err := render("src/handlers/"+op.ID+".py", "openapi/handler.py.tmpl", op); err != nil {
				return nil, err
			}
		}
		tree["openapi."+in.Spec.Format] = append([]byte(nil), in.Spec.Raw...)
	}
	return tree, nil
}

func (r *Renderer) buildData(tmpl Template, in Input, vars map[string]string) renderData {
	resourceName := domain.ResourceNameFor(in.ProjectName)
	data := renderData{
		Name:             in.ProjectName,
		ResourceName:     resourceName,
		Description:      strings.TrimSpace(in.Description),
		Template:         tmpl.Name,
		Port:             vars["port"],
		Vars:             vars,
		Image:            r.imageRepository(in.ProjectName),
		Host:             resourceName + "." + strings.TrimPrefix(r.settings.IngressDomain, "."),
		ChartDescription: fmt.Sprintf("Helm chart for %s", in.ProjectName),
	}
	switch tmpl.language {
	case "nodejs":
		data.TestImage = "node:" + vars["node_version"] + "-alpine"
		data.TestScript = []string{"npm install", "npm test"}
	default:
		data.TestImage = "python:" + vars["python_version"] + "-slim"
		data.TestScript = []string{"pip install -r requirements.txt", "python -m pytest tests/"}
	}
	if tmpl.RequiresSpecificationUpload && in.Spec != nil {
		data.Spec = in.Spec
		data.Operations = in.Spec.Operations
	}
	return data
}

func (r *Renderer) imageRepository(name string) string {
	parts := []string{}
	for _, p := range []string{r.settings.ImageRegistry, r.settings.ImageNamespace, name} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.ToLower(strings.Join(parts, "/"))
}

type helmValues struct {
	ReplicaCount int            `yaml:"replicaCount"`
	Image        imageValues    `yaml:"image"`
	Service      serviceValues  `yaml:"service"`
	Ingress      ingressValues  `yaml:"ingress"`
	Probes       probeValues    `yaml:"probes"`
	Resources    resourceValues `yaml:"resources"`
}

type imageValues struct {
	Repository string `yaml:"repository"`
	Tag        string `yaml:"tag"`
	PullPolicy string `yaml:"pullPolicy"`
}

type serviceValues struct {
	Type string `yaml:"type"`
	Port int    `yaml:"port"`
}

type ingressValues struct {
	Enabled   bool   `yaml:"enabled"`
	ClassName string `yaml:"className,omitempty"`
	Host      string `yaml:"host"`
}

type probeValues struct {
	Path string `yaml:"path"`
}

type resourceValues struct {
	Requests resourceQuantities `yaml:"requests"`
	Limits   resourceQuantities `yaml:"limits"`
}

type resourceQuantities struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

func (r *Renderer) helmValues(data renderData) ([]byte, error) {
	var port int
	if _, err := fmt.Sscanf(data.Port, "%d", &port); err != nil {
		return nil, fmt.Errorf("port %q: %w", data.Port, err)
	}
	values := helmValues{
		ReplicaCount: r.settings.Replicas,
		Image:        imageValues{Repository: data.Image, Tag: "latest", PullPolicy: "Always"},
		Service:      serviceValues{Type: "ClusterIP", Port: port},
		Ingress:      ingressValues{Enabled: true, ClassName: r.settings.IngressClass, Host: data.Host},
		Probes:       probeValues{Path: "/health"},
		Resources: resourceValues{
			Requests: resourceQuantities{CPU: "100m", Memory: "128Mi"},
			Limits:   resourceQuantities{CPU: "500m", Memory: "512Mi"},
		},
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(values); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var pythonIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true, "def": true,
	"del": true, "elif": true, "else": true, "except": true, "finally": true, "for": true,
	"from": true, "global": true, "if": true, "import": true, "in": true, "is": true,
	"lambda": true, "nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// pythonTypes maps OpenAPI schema types onto FastAPI parameter annotations.
var pythonTypes = map[string]string{
	"string":  "str",
	"integer": "int",
	"number":  "float",
	"boolean": "bool",
	"array":   "List[str]",
}

func pythonType(schemaType string) string {
	if t, ok := pythonTypes[schemaType]; ok {
		return t
	}
	return "str"
}

// pythonParams renders the handler signature. Parameters without a default
// come first; names that are not usable identifiers get an alias.
func pythonParams(op Operation) string {
	var bare, defaulted []string
	used := make(map[string]bool)
	for _, p := range op.PathParams {
		ident, aliased := pythonName(p.Name, used)
		typ := pythonType(p.Type)
		if aliased {
			defaulted = append(defaulted, fmt.Sprintf("%s: %s = Path(alias=%q)", ident, typ, p.Name))
		} else {
			bare = append(bare, ident+": "+typ)
		}
	}
	for _, p := range op.QueryParams {
		ident, aliased := pythonName(p.Name, used)
		typ := pythonType(p.Type)
		def := "None"
		if p.Required {
			def = "..."
		} else {
			typ = "Optional[" + typ + "]"
		}
		if aliased {
			defaulted = append(defaulted, fmt.Sprintf("%s: %s = Query(%s, alias=%q)", ident, typ, def, p.Name))
		} else {
			defaulted = append(defaulted, fmt.Sprintf("%s: %s = Query(%s)", ident, typ, def))
		}
	}
	return strings.Join(append(bare, defaulted...), ", ")
}

// pythonName returns an identifier for name that is not a keyword and not in
// used, and whether it differs from name.
func pythonName(name string, used map[string]bool) (string, bool) {
	if pythonIdent.MatchString(name) && !pythonKeywords[name] && !used[name] {
		used[name] = true
		return name, false
	}
	base := safeIdent(name)
	if pythonKeywords[base] {
		base += "_"
	}
	id := base
	for n := 1; used[id]; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	used[id] = true
	return id, true
}

func safeIdent(name string) string {
	id := toSnake(name)
	if id == "" || (id[0] >= '0' && id[0] <= '9') {
		id = "param_" + id
	}
	return id
}

// pythonDocstring is the handler's one-line docstring body with quotes and
// backslashes escaped.
func pythonDocstring(op Operation) string {
	line := strings.ToUpper(op.Method) + " " + op.Path
	if op.Summary != "" {
		line += " - " + op.Summary
	}
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(line)
}

// sampleRequest is a URL that satisfies every required parameter of op.
func sampleRequest(op Operation) string {
	path := samplePath(op.Path)
	query := url.Values{}
	for _, p := range op.QueryParams {
		if p.Required {
			query.Set(p.Name, sampleValue(p.Type))
		}
	}
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func sampleValue(schemaType string) string {
	switch schemaType {
	case "integer":
		return "1"
	case "number":
		return "1.5"
	case "boolean":
		return "true"
	default:
		return "sample"
	}
}

func samplePath(path string) string {
	return pathParamPattern.ReplaceAllString(path, "1")
}
