package schema

import (
	"errors"
	"fmt"

	"github.com/dukex/flowgraph/pkg/models"
)

var (
	// ErrInvalidConfig indicates a node configuration failed validation.
	ErrInvalidConfig = errors.New("invalid node configuration")

	// ErrConfigRequired indicates a node type that needs configuration was given none.
	ErrConfigRequired = errors.New("node configuration is required")

	// ErrUnknownNodeType indicates the node type is not registered.
	ErrUnknownNodeType = errors.New("unknown node type")
)

// ValidationError identifies the node and field whose configuration was rejected.
type ValidationError struct {
	NodeID   string
	NodeType models.NodeType
	Field    string
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("node %s (%s): %s", e.NodeID, e.NodeType, e.Reason)
	}

	return fmt.Sprintf("node %s (%s): field %s: %s", e.NodeID, e.NodeType, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func invalid(nodeID string, nodeType models.NodeType, field, reason string) *ValidationError {
	return &ValidationError{
		NodeID:   nodeID,
		NodeType: nodeType,
		Field:    field,
		Reason:   reason,
		Err:      ErrInvalidConfig,
	}
}

// IsValidationError reports whether err was produced by the registry.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrConfigRequired) || errors.Is(err, ErrUnknownNodeType)
}
