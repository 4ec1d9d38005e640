package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the provisioning state of a project.
type Status string

// Provisioning states. Stages run in declaration order; Active and Failed are terminal.
const (
	StatusPending      Status = "pending"
	StatusCreatingRepo Status = "creating_repo"
	StatusBuilding     Status = "building"
	StatusDeploying    Status = "deploying"
	StatusActive       Status = "active"
	StatusFailed       Status = "failed"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{
	StatusPending,
	StatusCreatingRepo,
	StatusBuilding,
	StatusDeploying,
	StatusActive,
	StatusFailed,
}

// InProgressStatuses are the non-terminal states a worker may still own.
var InProgressStatuses = []Status{
	StatusPending,
	StatusCreatingRepo,
	StatusBuilding,
	StatusDeploying,
}

var nextStage = map[Status]Status{
	StatusPending:      StatusCreatingRepo,
	StatusCreatingRepo: StatusBuilding,
	StatusBuilding:     StatusDeploying,
	StatusDeploying:    StatusActive,
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Statuses {
		if s == known {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusActive || s == StatusFailed
}

// Next returns the stage that follows s on the success path.
func (s Status) Next() (Status, bool) {
	next, ok := nextStage[s]
	return next, ok
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// Project is a user-requested service and its provisioning progress.
type Project struct {
	ID           string
	Name         string
	Description  string
	TemplateType string
	Variables    map[string]string
	SpecDocument []byte
	SpecFormat   string
	Status       Status
	ErrorMessage string
	RepoName     string
	RepoURL      string
	GitOpsApp    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (p Project) Clone() Project {
	out := p
	if p.Variables != nil {
		out.Variables = make(map[string]string, len(p.Variables))
		for k, v := range p.Variables {
			out.Variables[k] = v
		}
	}
	if p.SpecDocument != nil {
		out.SpecDocument = append([]byte(nil), p.SpecDocument...)
	}
	return out
}

// StatusTransition is a compare-and-set status change plus the fields that
// must be written atomically with it.
type StatusTransition struct {
	ProjectID    string
	From         Status
	To           Status
	ErrorMessage string
	RepoName     string
	RepoURL      string
	GitOpsApp    string
	At           time.Time
}

// Validate checks the transition against the state machine and the
// error-message rule.
func (t StatusTransition) Validate() error {
	if strings.TrimSpace(t.ProjectID) == "" {
		return &ValidationError{Field: "project_id", Message: "required"}
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	hasMessage := strings.TrimSpace(t.ErrorMessage) != ""
	if t.To == StatusFailed && !hasMessage {
		return fmt.Errorf("%w: failed status requires an error message", ErrInvalidTransition)
	}
	if t.To != StatusFailed && hasMessage {
		return fmt.Errorf("%w: error message only allowed on failed", ErrInvalidTransition)
	}
	return nil
}

// Apply writes the transition onto p. UpdatedAt never moves backwards.
func (t StatusTransition) Apply(p *Project) {
	p.Status = t.To
	p.ErrorMessage = t.ErrorMessage
	if t.RepoName != "" {
		p.RepoName = t.RepoName
	}
	if t.RepoURL != "" {
		p.RepoURL = t.RepoURL
	}
	if t.GitOpsApp != "" {
		p.GitOpsApp = t.GitOpsApp
	}
	at := t.At.UTC()
	if at.After(p.UpdatedAt) {
		p.UpdatedAt = at
	}
}

// ResourceName is the project name as a DNS-1123 label, used for cluster
// objects and GitOps applications.
func (p Project) ResourceName() string {
	return ResourceNameFor(p.Name)
}
