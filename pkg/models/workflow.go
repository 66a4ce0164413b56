// Package models defines the core domain models for graph-based workflow automation.
package models

import (
	"slices"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "DRAFT"    // Editable, not executable
	WorkflowStatusInactive WorkflowStatus = "INACTIVE" // Editable, switched off
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"   // Receives trigger events and schedule fires
	WorkflowStatusPaused   WorkflowStatus = "PAUSED"   // Temporarily not receiving events
	WorkflowStatusArchived WorkflowStatus = "ARCHIVED" // Read-only, executions kept for history
	WorkflowStatusError    WorkflowStatus = "ERROR"    // Disabled after an unrecoverable problem
)

// WorkflowStatuses lists every known workflow status.
var WorkflowStatuses = []WorkflowStatus{
	WorkflowStatusDraft,
	WorkflowStatusInactive,
	WorkflowStatusActive,
	WorkflowStatusPaused,
	WorkflowStatusArchived,
	WorkflowStatusError,
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusDraft:    {WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusArchived},
	WorkflowStatusInactive: {WorkflowStatusActive, WorkflowStatusArchived, WorkflowStatusDraft},
	WorkflowStatusActive:   {WorkflowStatusPaused, WorkflowStatusInactive, WorkflowStatusArchived, WorkflowStatusError},
	WorkflowStatusPaused:   {WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusArchived},
	WorkflowStatusError:    {WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusArchived},
	WorkflowStatusArchived: {},
}

// IsValid reports whether s is a known workflow status.
func (s WorkflowStatus) IsValid() bool {
	return slices.Contains(WorkflowStatuses, s)
}

// CanTransitionTo reports whether a workflow in status s may move to next.
// Staying in the same status is always allowed except for archived workflows.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if s == next {
		return s != WorkflowStatusArchived
	}

	return slices.Contains(workflowTransitions[s], next)
}

// Workflow is an automation unit owned by an organization.
type Workflow struct {
	ID                   string         `json:"id"`
	OrganizationID       string         `json:"organization_id"       validate:"required"`
	Name                 string         `json:"name"                  validate:"required,min=1,max=255"`
	Description          string         `json:"description"`
	Status               WorkflowStatus `json:"status"                validate:"required"`
	Version              int            `json:"version"`
	TotalExecutions      int64          `json:"total_executions"`
	SuccessfulExecutions int64          `json:"successful_executions"`
	FailedExecutions     int64          `json:"failed_executions"`
	Nodes                []*Node        `json:"nodes,omitempty"`
	Connections          []*Connection  `json:"connections,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	PublishedAt          *time.Time     `json:"published_at,omitempty"`
	ArchivedAt           *time.Time     `json:"archived_at,omitempty"`
}

// IsArchived reports whether the workflow can no longer be edited.
func (w *Workflow) IsArchived() bool {
	return w.Status == WorkflowStatusArchived
}

// ApplyStatus moves the workflow to next and stamps the lifecycle timestamps.
// PublishedAt is set on the first activation only.
func (w *Workflow) ApplyStatus(next WorkflowStatus, now time.Time) bool {
	if !w.Status.CanTransitionTo(next) {
		return false
	}

	w.Status = next

	if next == WorkflowStatusActive && w.PublishedAt == nil {
		published := now
		w.PublishedAt = &published
	}

	if next == WorkflowStatusArchived && w.ArchivedAt == nil {
		archived := now
		w.ArchivedAt = &archived
	}

	return true
}

// RecordOutcome bumps the execution counters for a terminal execution.
func (w *Workflow) RecordOutcome(status ExecutionStatus) {
	w.TotalExecutions++

	switch status {
	case ExecutionStatusSucceeded:
		w.SuccessfulExecutions++
	case ExecutionStatusFailed:
		w.FailedExecutions++
	}
}
