package provisioning

import (
	"log/slog"
	"sync"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
)

// Run tracks one worker's pass over a project. It is rebuilt from the
// persisted record whenever a worker picks the project up, so attempt
// counters restart at zero after a resume while the stage start time does
// not.
type Run struct {
	mu           sync.Mutex
	projectID    string
	stage        domain.Status
	stageStarted time.Time
	attempts     map[domain.Status]int
	lastErrors   map[domain.Status]string

	log *slog.Logger
}

// RunState is a point-in-time copy of a Run. Attempts counts failed calls per
// stage.
type RunState struct {
	ProjectID      string
	Stage          domain.Status
	StageStartedAt time.Time
	Attempts       map[domain.Status]int
	LastErrors     map[domain.Status]string
}

func newRun(p *domain.Project, log *slog.Logger) *Run {
	return &Run{
		projectID:    p.ID,
		stage:        p.Status,
		stageStarted: p.UpdatedAt,
		attempts:     make(map[domain.Status]int),
		lastErrors:   make(map[domain.Status]string),
		log:          log,
	}
}

// enter moves the run to the project's current stage.
func (r *Run) enter(p *domain.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = p.Status
	r.stageStarted = p.UpdatedAt
}

// recordFailure counts a failed call in the current stage.
func (r *Run) recordFailure(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[r.stage]++
	if err != nil {
		r.lastErrors[r.stage] = err.Error()
	}
	return r.attempts[r.stage]
}

// State returns a copy safe to read while the run continues.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := RunState{
		ProjectID:      r.projectID,
		Stage:          r.stage,
		StageStartedAt: r.stageStarted,
		Attempts:       make(map[domain.Status]int, len(r.attempts)),
		LastErrors:     make(map[domain.Status]string, len(r.lastErrors)),
	}
	for k, v := range r.attempts {
		state.Attempts[k] = v
	}
	for k, v := range r.lastErrors {
		state.LastErrors[k] = v
	}
	return state
}

// Progress reports the state of the run currently executing for projectID.
func (o *Orchestrator) Progress(projectID string) (RunState, bool) {
	v, ok := o.runs.Load(projectID)
	if !ok {
		return RunState{}, false
	}
	return v.(*Run).State(), true
}
