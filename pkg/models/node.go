package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType tags the kind of work a node performs.
type NodeType string

// Built-in node types.
const (
	NodeTypeTrigger      NodeType = "TRIGGER"
	NodeTypeSendEmail    NodeType = "SEND_EMAIL"
	NodeTypeSendSMS      NodeType = "SEND_SMS"
	NodeTypeDelay        NodeType = "DELAY"
	NodeTypeSchedule     NodeType = "SCHEDULE"
	NodeTypeLoop         NodeType = "LOOP"
	NodeTypeQuery        NodeType = "QUERY"
	NodeTypeFilter       NodeType = "FILTER"
	NodeTypeCondition    NodeType = "CONDITION"
	NodeTypeParallel     NodeType = "PARALLEL"
	NodeTypeApproval     NodeType = "APPROVAL"
	NodeTypeCreateRecord NodeType = "CREATE_RECORD"
	NodeTypeUpdateRecord NodeType = "UPDATE_RECORD"
)

// NodeTypes lists every built-in node type.
var NodeTypes = []NodeType{
	NodeTypeTrigger,
	NodeTypeSendEmail,
	NodeTypeSendSMS,
	NodeTypeDelay,
	NodeTypeSchedule,
	NodeTypeLoop,
	NodeTypeQuery,
	NodeTypeFilter,
	NodeTypeCondition,
	NodeTypeParallel,
	NodeTypeApproval,
	NodeTypeCreateRecord,
	NodeTypeUpdateRecord,
}

// DefaultRetryLimit is applied when a node does not declare its own.
const DefaultRetryLimit = 3

// Position is the designer canvas location of a node. It carries no meaning for execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a typed unit of work inside a workflow graph.
//
// ID is the storage identity assigned on first insert; NodeID is the logical
// identifier chosen by the author and stable across designer edits.
type Node struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	NodeID         string     `json:"node_id"                   validate:"required,max=255"`
	Type           NodeType   `json:"type"                      validate:"required"`
	Name           string     `json:"name"`
	Position       Position   `json:"position"`
	Config         NodeConfig `json:"config"`
	ExecutionOrder *int       `json:"execution_order,omitempty"`
	TimeoutMs      *int64     `json:"timeout_ms,omitempty"`
	RetryLimit     int        `json:"retry_limit"               validate:"min=0,max=10"`
	Optional       bool       `json:"optional"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Timeout returns the per-attempt timeout of the node, or zero when unset.
func (n *Node) Timeout() time.Duration {
	if n.TimeoutMs == nil || *n.TimeoutMs <= 0 {
		return 0
	}

	return time.Duration(*n.TimeoutMs) * time.Millisecond
}

// UnmarshalJSON decodes the node and its configuration according to the node type.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node

	aux := struct {
		*alias

		Config json.RawMessage `json:"config"`
	}{alias: (*alias)(n)}

	err := json.Unmarshal(data, &aux)
	if err != nil {
		return err
	}

	config, err := DecodeNodeConfig(n.Type, aux.Config)
	if err != nil {
		return fmt.Errorf("node %s: %w", n.NodeID, err)
	}

	n.Config = config

	return nil
}

// Connection is a directed edge between two nodes of the same workflow.
//
// SourceID and TargetID reference node storage identities; SourceNodeID and
// TargetNodeID carry the logical ids the designer works with.
type Connection struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	SourceID       string          `json:"source_id,omitempty"`
	TargetID       string          `json:"target_id,omitempty"`
	SourceNodeID   string          `json:"source_node_id"           validate:"required"`
	TargetNodeID   string          `json:"target_node_id"           validate:"required"`
	SourceHandle   string          `json:"source_handle,omitempty"`
	TargetHandle   string          `json:"target_handle,omitempty"`
	ExecutionOrder int             `json:"execution_order"`
	Label          string          `json:"label,omitempty"`
	Condition      *ConditionGroup `json:"condition,omitempty"`
	Style          map[string]any  `json:"style,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Graph is the node and connection set of one workflow.
type Graph struct {
	WorkflowID  string        `json:"workflow_id"`
	Version     int           `json:"version"`
	Nodes       []*Node       `json:"nodes"`
	Connections []*Connection `json:"connections"`
}
