package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrUnknownRegistration = errors.New("unknown registration")
	ErrUnknownHost         = errors.New("unknown host")

	ErrNoEligibleHost     = errors.New("no eligible host")
	ErrDispatchExhausted  = errors.New("dispatch exhausted")
	ErrDispatchRejected   = errors.New("dispatch rejected")
	ErrAlreadyDispatching = errors.New("job is already being dispatched")
	ErrJobNotQueued       = errors.New("job is not queued")

	ErrJobNotFound   = errors.New("job not found")
	ErrJobFinalized  = errors.New("job already completed")
	ErrInvalidReport = errors.New("invalid job report")

	ErrWorkflowNotFound   = errors.New("workflow instance not found")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrIllegalTransition  = errors.New("illegal transition")

	// ErrNotFound is returned by persistence backends for missing records.
	ErrNotFound = errors.New("record not found")
)

// TransitionError reports a workflow action that is not legal in the instance's state.
type TransitionError struct {
	ID     uuid.UUID
	From   WorkflowState
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: cannot %s workflow %s in state %s", e.Action, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// DispatchError is returned when no host took a job.
type DispatchError struct {
	JobID      uuid.UUID
	Capability string
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch job %s (%s): %v", e.JobID, e.Capability, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsDispatchFailure reports whether err means that no host could take a job.
func IsDispatchFailure(err error) bool {
	return errors.Is(err, ErrNoEligibleHost) || errors.Is(err, ErrDispatchExhausted)
}

func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrUnknownRegistration) ||
		errors.Is(err, ErrUnknownHost)
}
