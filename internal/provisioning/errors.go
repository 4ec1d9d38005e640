package provisioning

import (
	"errors"
	"fmt"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
)

// AbortMessage is recorded when deletion interrupts a run.
const AbortMessage = "aborted: project deletion requested"

var (
	// ErrAborted is returned by Run when the abort channel closed.
	ErrAborted = errors.New("provisioning aborted")
	// ErrSuperseded is returned when another writer moved the project first.
	ErrSuperseded = errors.New("project status changed by another writer")
)

// TimeoutError reports a polling stage that ran out of time.
type TimeoutError struct {
	Stage  domain.Status
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting in %s", e.Waited.Round(time.Second), e.Stage)
}
