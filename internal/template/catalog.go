package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/singh-krishan/idp/internal/domain"
)

// Built-in template names.
const (
	PythonMicroservice  = "python-microservice"
	NodeJSAPI           = "nodejs-api"
	OpenAPIMicroservice = "openapi-microservice"
)

// Variable types understood by Resolve.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypePort   = "port"
)

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
	Name                        string     `json:"name"`
	DisplayName                 string     `json:"display_name"`
	Description                 string     `json:"description"`
	Variables                   []Variable `json:"variables"`
	RequiresSpecificationUpload bool       `json:"requires_openapi_upload"`

	language string
}

// Catalog is the set of templates a project may be created from.
type Catalog struct {
	templates map[string]Template
}

// DefaultCatalog returns the built-in templates.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Template{
			Name:        PythonMicroservice,
			DisplayName: "Python Microservice",
			Description: "FastAPI service with a health endpoint, container image and Helm chart",
			Variables: []Variable{
				{Name: "port", Default: "8000", Type: TypePort, Description: "Port the service listens on", Required: true},
				{Name: "python_version", Default: "3.11", Type: TypeString, Description: "Python base image version", Required: true},
			},
			language: "python",
		},
		Template{
			Name:        NodeJSAPI,
			DisplayName: "Node.js API",
			Description: "Express API with a health endpoint, container image and Helm chart",
			Variables: []Variable{
				{Name: "port", Default: "3000", Type: TypePort, Description: "Port the service listens on", Required: true},
				{Name: "node_version", Default: "20", Type: TypeString, Description: "Node.js base image version", Required: true},
			},
			language: "nodejs",
		},
		Template{
			Name:        OpenAPIMicroservice,
			DisplayName: "OpenAPI Microservice",
			Description: "FastAPI service generated from an uploaded OpenAPI 3 document, one handler per operation",
			Variables: []Variable{
				{Name: "port", Default: "8000", Type: TypePort, Description: "Port the service listens on", Required: true},
				{Name: "python_version", Default: "3.11", Type: TypeString, Description: "Python base image version", Required: true},
			},
			RequiresSpecificationUpload: true,
			language:                    "openapi",
		},
	)
}

// NewCatalog builds a catalog from explicit entries.
func NewCatalog(templates ...Template) *Catalog {
	c := &Catalog{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		c.templates[t.Name] = t
	}
	return c
}

// List returns templates sorted by name.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a template by name.
func (c *Catalog) Get(name string) (Template, bool) {
	t, ok := c.templates[name]
	return t, ok
}

// Lookup is Get returning an unknown_template error.
func (c *Catalog) Lookup(name string) (Template, error) {
	t, ok := c.templates[name]
	if !ok {
		return Template{}, &TemplateError{Template: name, Reason: ReasonUnknownTemplate, Err: fmt.Errorf("no template named %q", name)}
	}
	return t, nil
}

// Resolve validates vars against the template schema. Unknown keys are
// dropped, missing keys take defaults, and required variables must end up
// non-empty.
func (c *Catalog) Resolve(name string, vars map[string]string) (map[string]string, error) {
	t, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]string, len(t.Variables))
	for _, v := range t.Variables {
		value, ok := vars[v.Name]
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			value = v.Default
		}
		if value == "" {
			if v.Required {
				return nil, &domain.ValidationError{Field: "variables." + v.Name, Message: "is required"}
			}
			resolved[v.Name] = ""
			continue
		}
		if err := checkType(v, value); err != nil {
			return nil, err
		}
		resolved[v.Name] = value
	}
	return resolved, nil
}

func checkType(v Variable, value string) error {
	switch v.Type {
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return &domain.ValidationError{Field: "variables." + v.Name, Message: "must be an integer"}
		}
	case TypePort:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 65535 {
			return &domain.ValidationError{Field: "variables." + v.Name, Message: "must be a port between 1 and 65535"}
		}
	}
	return nil
}
