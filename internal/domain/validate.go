package domain

import (
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// MaxProjectNameLength keeps names usable as DNS labels and repository paths.
const MaxProjectNameLength = validation.DNS1123LabelMaxLength

var projectNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ValidateProjectName enforces lowercase alphanumerics plus '-' and '_',
// starting and ending with an alphanumeric. Names are not case-folded. The
// derived resource name must also be a DNS-1123 label.
func ValidateProjectName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Message: "project name is required"}
	}
	if len(name) > MaxProjectNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("project name must be at most %d characters", MaxProjectNameLength)}
	}
	if !projectNamePattern.MatchString(name) {
		return &ValidationError{Field: "name", Message: "project name must contain only lowercase letters, digits, '-' and '_', and start and end with a letter or digit"}
	}
	if errs := validation.IsDNS1123Label(ResourceNameFor(name)); len(errs) > 0 {
		return &ValidationError{Field: "name", Message: strings.Join(errs, "; ")}
	}
	return nil
}

// ResourceNameFor maps a project name onto the DNS-1123 label used for
// cluster objects and GitOps applications. Two names with the same resource
// name cannot coexist.
func ResourceNameFor(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}
