package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrAlreadyPending     = errors.New("entity already has an open approval request")
	ErrNoMatchingFlow     = errors.New("no active approval flow matches this entity")
	ErrNotAuthorized      = errors.New("user is not authorized to decide on the current step")
	ErrAlreadyDecided     = errors.New("user has already decided on the current step")
	ErrInvalidState       = errors.New("operation not allowed in the request's current status")
	ErrRequestNotFound    = errors.New("approval request not found")
	ErrFlowNotFound       = errors.New("approval flow not found")
	ErrStepNotFound       = errors.New("approval step not found")
	ErrDelegationNotFound = errors.New("delegation not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateSlug      = errors.New("a flow with this slug already exists")
	ErrDuplicateStepOrder = errors.New("a step with this order already exists in the flow")
	ErrDelegationOverlap  = errors.New("an overlapping delegation already exists for this delegate and scope")
	ErrStepInUse          = errors.New("step is the current step of an open request")
)

// AlreadyPendingError identifies the open request that blocked a submission
type AlreadyPendingError struct {
	RequestID uuid.UUID
}

func (e *AlreadyPendingError) Error() string {
	if e.RequestID == uuid.Nil {
		return ErrAlreadyPending.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAlreadyPending.Error(), e.RequestID)
}

// Is makes errors.Is(err, ErrAlreadyPending) match
func (e *AlreadyPendingError) Is(target error) bool {
	return target == ErrAlreadyPending
}

func invalidState(op, status string) error {
	return fmt.Errorf("%w: cannot %s a request in status %q", ErrInvalidState, op, status)
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
