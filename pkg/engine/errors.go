package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/flowgraph/pkg/models"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrNotPaused         = errors.New("execution is not awaiting approval")
	ErrIllegalTransition = models.ErrIllegalTransition
	ErrWorkflowNotActive = errors.New("workflow is not active")
	ErrNoMatchingTrigger = errors.New("no trigger node matches the payload")
	ErrAmbiguousApproval = errors.New("execution awaits several approvals, node id required")
	ErrShuttingDown      = errors.New("engine is shutting down")
	ErrCancelled         = errors.New("execution cancelled")
	ErrStepLimit         = errors.New("execution exceeded the step limit")
)

// NodeError is a node failure that ended an execution.
type NodeError struct {
	NodeID   string
	NodeType models.NodeType
	Attempts int
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s) failed after %d attempt(s): %v", e.NodeID, e.NodeType, e.Attempts, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// permanentError marks a failure that no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func permanentf(format string, args ...any) error {
	return permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was marked as not retryable.
func IsPermanent(err error) bool {
	var p *permanentError

	return errors.As(err, &p)
}
