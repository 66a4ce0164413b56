package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowNameConflict indicates another workflow of the organization already uses the name.
	ErrWorkflowNameConflict = errors.New("workflow name already exists in organization")

	// ErrNodeNotFound indicates a node was not found by the given identifier.
	ErrNodeNotFound = errors.New("node not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrInvalidSortField indicates a list was requested with a column outside the allowlist.
	ErrInvalidSortField = errors.New("invalid sort field")

	// ErrInvalidSortOrder indicates a sort order other than asc or desc.
	ErrInvalidSortOrder = errors.New("invalid sort order")

	// ErrTransactionDone indicates a unit of work was used after commit or rollback.
	ErrTransactionDone = errors.New("unit of work already finished")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Create", "Delete")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// NodeError wraps node-related errors with additional context.
type NodeError struct {
	Op         string
	WorkflowID string
	NodeID     string // logical node id
	Err        error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s operation failed for node %s in workflow %s: %v", e.Op, e.NodeID, e.WorkflowID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func (e *NodeError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// ConnectionError wraps connection-related errors with additional context.
type ConnectionError struct {
	Op           string
	WorkflowID   string
	SourceNodeID string
	TargetNodeID string
	Err          error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s operation failed for connection %s -> %s in workflow %s: %v",
		e.Op, e.SourceNodeID, e.TargetNodeID, e.WorkflowID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsNodeNotFound checks if an error indicates a node was not found.
func IsNodeNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsNameConflict checks if an error indicates a duplicate workflow name.
func IsNameConflict(err error) bool {
	return errors.Is(err, ErrWorkflowNameConflict)
}

// IsInvalidSortField checks if an error indicates a rejected sort column.
func IsInvalidSortField(err error) bool {
	return errors.Is(err, ErrInvalidSortField)
}
