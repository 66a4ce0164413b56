package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

// ExecutionStatus is the state of a single workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// ActiveExecutionStatuses are the non-terminal statuses.
var ActiveExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusPaused,
}

// IsTerminal reports whether no transition can leave s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// ExecutionEvent drives the execution state machine.
type ExecutionEvent string

const (
	ExecutionEventStart   ExecutionEvent = "start"
	ExecutionEventPause   ExecutionEvent = "pause"
	ExecutionEventResume  ExecutionEvent = "resume"
	ExecutionEventSucceed ExecutionEvent = "succeed"
	ExecutionEventFail    ExecutionEvent = "fail"
	ExecutionEventCancel  ExecutionEvent = "cancel"
)

// ErrIllegalTransition is returned when an event is not permitted in the current status.
var ErrIllegalTransition = errors.New("illegal execution status transition")

// TriggerPayload is the event that started an execution.
type TriggerPayload struct {
	OrganizationID string         `json:"organization_id"`
	Event          TriggerEvent   `json:"event"`
	Model          string         `json:"model,omitempty"`
	RecordID       string         `json:"record_id,omitempty"`
	ScheduleNodeID string         `json:"schedule_node_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Execution is one run of a workflow against one trigger payload.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id"`
	Status         ExecutionStatus `json:"status"`
	Trigger        TriggerPayload  `json:"trigger"`
	Context        map[string]any  `json:"context,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       []*NodeAttempt  `json:"attempts,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// NewExecution returns a pending execution for the workflow.
func NewExecution(id string, workflow *Workflow, payload TriggerPayload, now time.Time) *Execution {
	return &Execution{
		ID:             id,
		WorkflowID:     workflow.ID,
		OrganizationID: workflow.OrganizationID,
		Status:         ExecutionStatusPending,
		Trigger:        payload,
		CreatedAt:      now,
	}
}

// Fire applies event to the execution status and stamps its timestamps.
func (e *Execution) Fire(event ExecutionEvent, now time.Time) error {
	machine := e.machine()

	err := machine.FireCtx(context.Background(), event)
	if err != nil {
		return fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, e.Status)
	}

	if event == ExecutionEventStart && e.StartedAt == nil {
		started := now
		e.StartedAt = &started
	}

	if e.Status.IsTerminal() {
		finished := now
		e.FinishedAt = &finished
	}

	return nil
}

// CanFire reports whether event is permitted in the current status.
func (e *Execution) CanFire(event ExecutionEvent) bool {
	permitted, err := e.machine().PermittedTriggersCtx(context.Background())
	if err != nil {
		return false
	}

	for _, trigger := range permitted {
		if trigger == event {
			return true
		}
	}

	return false
}

func (e *Execution) machine() *stateless.StateMachine {
	machine := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return e.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			e.Status = state.(ExecutionStatus)

			return nil
		},
		stateless.FiringImmediate,
	)

	machine.Configure(ExecutionStatusPending).
		Permit(ExecutionEventStart, ExecutionStatusRunning).
		Permit(ExecutionEventCancel, ExecutionStatusCancelled)

	machine.Configure(ExecutionStatusRunning).
		Permit(ExecutionEventPause, ExecutionStatusPaused).
		Permit(ExecutionEventSucceed, ExecutionStatusSucceeded).
		Permit(ExecutionEventFail, ExecutionStatusFailed).
		Permit(ExecutionEventCancel, ExecutionStatusCancelled)

	machine.Configure(ExecutionStatusPaused).
		Permit(ExecutionEventResume, ExecutionStatusRunning).
		Permit(ExecutionEventFail, ExecutionStatusFailed).
		Permit(ExecutionEventCancel, ExecutionStatusCancelled)

	machine.Configure(ExecutionStatusSucceeded)
	machine.Configure(ExecutionStatusFailed)
	machine.Configure(ExecutionStatusCancelled)

	return machine
}

// AttemptStatus is the outcome of one node attempt.
type AttemptStatus string

const (
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
	AttemptStatusRetrying  AttemptStatus = "RETRYING"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusSkipped   AttemptStatus = "SKIPPED"
)

// NodeAttempt is one audited attempt to run a node.
type NodeAttempt struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeType    NodeType       `json:"node_type"`
	Attempt     int            `json:"attempt"`
	Status      AttemptStatus  `json:"status"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}
