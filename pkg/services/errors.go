// Package services implements the workflow authoring and execution operations
// exposed to the API layer.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/schema"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidStatus    = errors.New("invalid workflow status")
	ErrDuplicateNodeID  = errors.New("duplicate node id")

	// Business Logic Conflicts (409 Conflict).
	ErrNameConflict            = errors.New("workflow name already exists in organization")
	ErrWorkflowArchived        = errors.New("workflow is archived")
	ErrInvalidStatusTransition = errors.New("invalid workflow status transition")

	// Precondition Errors (412 Precondition Failed).
	ErrActiveExecutions = errors.New("workflow has active executions")

	// ErrWorkflowNotFound is returned when a workflow is not found or belongs to another organization.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

	// ErrExecutionNotFound is returned when an execution is not found or belongs to another organization.
	ErrExecutionNotFound = persistence.ErrExecutionNotFound
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrDuplicateNodeID) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, ErrTriggerNodeRequired) ||
		errors.Is(err, engine.ErrAmbiguousApproval) ||
		schema.IsValidationError(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNameConflict) ||
		errors.Is(err, ErrWorkflowArchived) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, engine.ErrWorkflowNotActive) ||
		errors.Is(err, engine.ErrIllegalTransition) ||
		errors.Is(err, engine.ErrNotPaused) ||
		errors.Is(err, engine.ErrNoMatchingTrigger)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsWorkflowNotFound(err) ||
		persistence.IsNodeNotFound(err) ||
		persistence.IsExecutionNotFound(err) ||
		errors.Is(err, engine.ErrExecutionNotFound)
}

// IsForbiddenError checks if an error should return HTTP 403.
func IsForbiddenError(err error) bool {
	return errors.Is(err, protocol.ErrForbidden)
}

// IsPreconditionError checks if an error should return HTTP 412.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrActiveExecutions)
}
