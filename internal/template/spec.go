package template

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// DefaultSpecMaxBytes bounds uploaded specification documents.
const DefaultSpecMaxBytes = 1 << 20

// Specification formats.
const (
	SpecFormatYAML = "yaml"
	SpecFormatJSON = "json"
)

var specMethods = []string{"get", "post", "put", "patch", "delete"}

var (
	pathParamPattern = regexp.MustCompile(`\{([^}/]+)\}`)
	nonIdentPattern  = regexp.MustCompile(`[^a-z0-9_]+`)
	multiUnderscore  = regexp.MustCompile(`_+`)
)

// SpecDocument is a parsed OpenAPI 3 document.
type SpecDocument struct {
	Format     string
	Raw        []byte
	Title      string
	Version    string
	Operations []Operation
}

// Operation is one method on one path.
type Operation struct {
	ID          string
	Method      string
	Path        string
	Summary     string
	PathParams  []Parameter
	QueryParams []Parameter
}

// Parameter is a path or query parameter. Type is the OpenAPI schema type.
type Parameter struct {
	Name     string
	Type     string
	Required bool
}

type openAPIDocument struct {
	OpenAPI string `json:"openapi"`
	Swagger string `json:"swagger"`
	Info    struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Paths map[string]map[string]json.RawMessage `json:"paths"`
}

type openAPIOperation struct {
	OperationID string             `json:"operationId"`
	Summary     string             `json:"summary"`
	Parameters  []openAPIParameter `json:"parameters"`
}

type openAPIParameter struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
	Schema   struct {
		Type string `json:"type"`
	} `json:"schema"`
}

// SpecFormatFor maps a file name onto a specification format.
func SpecFormatFor(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return SpecFormatYAML, nil
	case ".json":
		return SpecFormatJSON, nil
	default:
		return "", invalidSpec(fmt.Errorf("unsupported file type %q, expected .yaml, .yml or .json", filepath.Ext(filename)))
	}
}

// ParseSpecDocument validates and parses an uploaded document. maxBytes <= 0
// disables the size check.
func ParseSpecDocument(filename string, data []byte, maxBytes int64) (*SpecDocument, error) {
	format, err := SpecFormatFor(filename)
	if err != nil {
		return nil, err
	}
	return ParseSpec(format, data, maxBytes)
}

// ParseSpec parses a document of a known format.
func ParseSpec(format string, data []byte, maxBytes int64) (*SpecDocument, error) {
	if len(data) == 0 {
		return nil, invalidSpec(fmt.Errorf("document is empty"))
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, invalidSpec(fmt.Errorf("document is %d bytes, limit is %d", len(data), maxBytes))
	}

	jsonDoc := data
	switch format {
	case SpecFormatYAML:
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, invalidSpec(fmt.Errorf("parse yaml: %w", err))
		}
		jsonDoc = converted
	case SpecFormatJSON:
	default:
		return nil, invalidSpec(fmt.Errorf("unsupported format %q", format))
	}

	var doc openAPIDocument
	if err := json.Unmarshal(jsonDoc, &doc); err != nil {
		return nil, invalidSpec(fmt.Errorf("parse document: %w", err))
	}
	if doc.Swagger != "" {
		return nil, invalidSpec(fmt.Errorf("swagger %s documents are not supported, convert to OpenAPI 3", doc.Swagger))
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		return nil, invalidSpec(fmt.Errorf("missing or unsupported openapi version %q", doc.OpenAPI))
	}
	if len(doc.Paths) == 0 {
		return nil, invalidSpec(fmt.Errorf("document defines no paths"))
	}

	ops, err := extractOperations(doc.Paths)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, invalidSpec(fmt.Errorf("document defines no get, post, put, patch or delete operations"))
	}

	title := strings.TrimSpace(doc.Info.Title)
	if title == "" {
		title = "API"
	}
	version := strings.TrimSpace(doc.Info.Version)
	if version == "" {
		version = "1.0.0"
	}
	return &SpecDocument{
		Format:     format,
		Raw:        append([]byte(nil), data...),
		Title:      title,
		Version:    version,
		Operations: ops,
	}, nil
}

func extractOperations(paths map[string]map[string]json.RawMessage) ([]Operation, error) {
	keys := make([]string, 0, len(paths))
	for p := range paths {
		keys = append(keys, p)
	}
	sort.Strings(keys)

	taken := make(map[string]bool)
	var ops []Operation
	for _, path := range keys {
		if !strings.HasPrefix(path, "/") {
			return nil, invalidSpec(fmt.Errorf("path %q must start with '/'", path))
		}
		item := paths[path]
		var shared []openAPIParameter
		if raw, ok := item["parameters"]; ok {
			if err := json.Unmarshal(raw, &shared); err != nil {
				return nil, invalidSpec(fmt.Errorf("parameters of %s: %w", path, err))
			}
		}
		for _, method := range specMethods {
			raw, ok := item[method]
			if !ok {
				continue
			}
			var op openAPIOperation
			if err := json.Unmarshal(raw, &op); err != nil {
				return nil, invalidSpec(fmt.Errorf("%s %s: %w", strings.ToUpper(method), path, err))
			}
			base := operationIdentifier(op.OperationID, method, path)
			id := base
			for n := 1; taken[id]; n++ {
				id = fmt.Sprintf("%s_%d", base, n)
			}
			taken[id] = true

			ops = append(ops, Operation{
				ID:          id,
				Method:      method,
				Path:        path,
				Summary:     oneLine(op.Summary),
				PathParams:  pathParams(path, shared, op.Parameters),
				QueryParams: queryParams(shared, op.Parameters),
			})
		}
	}
	return ops, nil
}

// operationIdentifier turns an operationId, or method plus path, into a
// snake_case identifier usable as a module and function name.
func operationIdentifier(operationID, method, path string) string {
	base := strings.TrimSpace(operationID)
	if base == "" {
		base = method + "_" + path
	}
	id := toSnake(base)
	if id == "" {
		id = method
	}
	if id[0] >= '0' && id[0] <= '9' {
		id = "op_" + id
	}
	if pythonKeywords[id] {
		id += "_op"
	}
	return id
}

func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	out := nonIdentPattern.ReplaceAllString(b.String(), "_")
	out = multiUnderscore.ReplaceAllString(out, "_")
	return strings.Trim(out, "_")
}

// pathParams lists the placeholders of path in order. Types come from the
// matching declarations; undeclared placeholders are strings.
func pathParams(path string, shared, own []openAPIParameter) []Parameter {
	declared := make(map[string]string)
	for _, list := range [][]openAPIParameter{shared, own} {
		for _, p := range list {
			if p.In == "path" {
				declared[p.Name] = p.Schema.Type
			}
		}
	}
	matches := pathParamPattern.FindAllStringSubmatch(path, -1)
	out := make([]Parameter, 0, len(matches))
	for _, m := range matches {
		out = append(out, Parameter{Name: m[1], Type: declared[m[1]], Required: true})
	}
	return out
}

// queryParams merges path-level and operation-level query parameters; the
// operation's declaration wins.
func queryParams(shared, own []openAPIParameter) []Parameter {
	byName := make(map[string]Parameter)
	for _, list := range [][]openAPIParameter{shared, own} {
		for _, p := range list {
			if p.In != "query" || p.Name == "" {
				continue
			}
			byName[p.Name] = Parameter{Name: p.Name, Type: p.Schema.Type, Required: p.Required}
		}
	}
	out := make([]Parameter, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func invalidSpec(err error) error {
	return &TemplateError{Template: OpenAPIMicroservice, Reason: ReasonInvalidSpec, Err: err}
}
