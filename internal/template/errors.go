package template

import (
	"errors"
	"fmt"
)

// TemplateError reasons.
const (
	ReasonUnknownTemplate = "unknown_template"
	ReasonInvalidSpec     = "invalid_spec"
	ReasonRenderFailed    = "render_failed"
)

// ErrTemplate matches every TemplateError via errors.Is.
var ErrTemplate = errors.New("template error")

// TemplateError reports a rendering failure. It is raised before any
// repository or cluster work starts.
type TemplateError struct {
	Template string
	Reason   string
	Err      error
}

func (e *TemplateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("template %s: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("template %s: %s: %v", e.Template, e.Reason, e.Err)
}

func (e *TemplateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTemplate}
	}
	return []error{ErrTemplate, e.Err}
}

// HasReason reports whether err is a TemplateError with the given reason.
func HasReason(err error, reason string) bool {
	var tErr *TemplateError
	return errors.As(err, &tErr) && tErr.Reason == reason
}
