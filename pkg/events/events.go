// Package events defines the messages exchanged between the flowgraph processes.
package events

import (
	"time"

	"github.com/dukex/flowgraph/pkg/models"
)

type EventType string

// Topic carries record, trigger and outcome events. Each message is consumed
// by one process of a consumer group.
const Topic = "flowgraph.events"

// ControlTopic carries cancellations and approval decisions. Every process
// receives every message, since only the process running the execution can
// act on it.
const ControlTopic = "flowgraph.control"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// RecordChangedEvent reports a CRM/finance/HR record change from the host application.
	RecordChangedEvent EventType = "record.changed"
	// WorkflowTriggeredEvent asks a worker to run one workflow.
	WorkflowTriggeredEvent EventType = "workflow.triggered"
	// ExecutionFinishedEvent reports an execution that reached a terminal status.
	ExecutionFinishedEvent EventType = "execution.finished"
	// CancelRequestedEvent asks the process running an execution to stop it.
	CancelRequestedEvent EventType = "execution.cancel_requested"
	// ApprovalDecidedEvent carries an approval decision to the process running an execution.
	ApprovalDecidedEvent EventType = "execution.approval_decided"
)

// TopicFor returns the topic events of eventType are published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case CancelRequestedEvent, ApprovalDecidedEvent:
		return ControlTopic
	default:
		return Topic
	}
}

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organization_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(id string, eventType EventType, organizationID string, now time.Time) BaseEvent {
	return BaseEvent{
		ID:             id,
		Type:           eventType,
		Timestamp:      now.UTC(),
		OrganizationID: organizationID,
	}
}

// RecordChanged is published by the host application when a record is created,
// updated or deleted. Workers dispatch it to every matching workflow.
type RecordChanged struct {
	BaseEvent

	Event    models.TriggerEvent `json:"event"`
	Model    string              `json:"model"`
	RecordID string              `json:"record_id"`
	Data     map[string]any      `json:"data,omitempty"`
}

func (r RecordChanged) GetType() EventType {
	return RecordChangedEvent
}

// Payload converts the event into the trigger payload the engine matches on.
func (r RecordChanged) Payload() models.TriggerPayload {
	return models.TriggerPayload{
		OrganizationID: r.OrganizationID,
		Event:          r.Event,
		Model:          r.Model,
		RecordID:       r.RecordID,
		Data:           r.Data,
		OccurredAt:     r.Timestamp,
	}
}

// WorkflowTriggered asks a worker to start one specific workflow.
type WorkflowTriggered struct {
	BaseEvent

	WorkflowID string                `json:"workflow_id"`
	Payload    models.TriggerPayload `json:"payload"`
}

func (w WorkflowTriggered) GetType() EventType {
	return WorkflowTriggeredEvent
}

type ExecutionFinished struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      models.ExecutionStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Duration    time.Duration          `json:"duration"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}

// NewExecutionFinished describes a terminal execution.
func NewExecutionFinished(id string, execution *models.Execution, now time.Time) ExecutionFinished {
	finished := ExecutionFinished{
		BaseEvent:   NewBaseEvent(id, ExecutionFinishedEvent, execution.OrganizationID, now),
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Status:      execution.Status,
		Error:       execution.Error,
		StartedAt:   execution.StartedAt,
		FinishedAt:  execution.FinishedAt,
	}

	if execution.StartedAt != nil && execution.FinishedAt != nil {
		finished.Duration = execution.FinishedAt.Sub(*execution.StartedAt)
	}

	return finished
}

// CancelRequested is relayed after an execution was cancelled in storage by a
// process that does not run it.
type CancelRequested struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}

func (c CancelRequested) GetType() EventType {
	return CancelRequestedEvent
}

// ApprovalDecided carries a decision for a paused execution to its owner.
type ApprovalDecided struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	NodeID      string `json:"node_id,omitempty"`
	Approved    bool   `json:"approved"`
	Actor       string `json:"actor"`
	Comment     string `json:"comment,omitempty"`
}

func (a ApprovalDecided) GetType() EventType {
	return ApprovalDecidedEvent
}
