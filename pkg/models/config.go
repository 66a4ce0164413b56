package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NodeConfig is the typed configuration of a node. Exactly one implementation
// exists per node type.
type NodeConfig interface {
	NodeType() NodeType
}

// TriggerEvent names the kind of event a trigger node listens for.
type TriggerEvent string

const (
	TriggerEventRecordCreated TriggerEvent = "record.created"
	TriggerEventRecordUpdated TriggerEvent = "record.updated"
	TriggerEventRecordDeleted TriggerEvent = "record.deleted"
	TriggerEventSchedule      TriggerEvent = "schedule"
	TriggerEventManual        TriggerEvent = "manual"
)

// FailurePolicy decides the aggregate outcome of a parallel group.
type FailurePolicy string

const (
	FailOnAny         FailurePolicy = "fail_on_any"         // abort the group on the first failure
	WaitForAll        FailurePolicy = "wait_for_all"        // run every branch, then fail if any failed
	ContinueOnFailure FailurePolicy = "continue_on_failure" // never fail the group
)

// OverlapPolicy decides what happens when a schedule fires while a previous run is still active.
type OverlapPolicy string

const (
	OverlapSkip  OverlapPolicy = "skip"
	OverlapDefer OverlapPolicy = "defer"
	OverlapAllow OverlapPolicy = "allow"
)

// SortDirection orders query results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

type TriggerConfig struct {
	Event           TriggerEvent    `json:"event,omitempty"            validate:"omitempty,oneof=record.created record.updated record.deleted schedule manual"`
	Model           string          `json:"model,omitempty"`
	Conditions      []Predicate     `json:"conditions,omitempty"       validate:"dive"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty" validate:"omitempty,oneof=AND OR"`
	ResultKey       string          `json:"result_key,omitempty"`
}

func (TriggerConfig) NodeType() NodeType { return NodeTypeTrigger }

// Group returns the trigger conditions as a condition group.
func (c TriggerConfig) Group() ConditionGroup {
	return ConditionGroup{Conditions: c.Conditions, LogicalOperator: c.LogicalOperator}
}

type SendEmailConfig struct {
	To        string `json:"to"                   validate:"required"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"                 validate:"required"`
	ResultKey string `json:"result_key,omitempty"`
}

func (SendEmailConfig) NodeType() NodeType { return NodeTypeSendEmail }

type SendSMSConfig struct {
	To        string `json:"to"                   validate:"required"`
	Body      string `json:"body"                 validate:"required"`
	ResultKey string `json:"result_key,omitempty"`
}

func (SendSMSConfig) NodeType() NodeType { return NodeTypeSendSMS }

type DelayConfig struct {
	DurationMs int64  `json:"duration_ms"          validate:"min=0"`
	ResultKey  string `json:"result_key,omitempty"`
}

func (DelayConfig) NodeType() NodeType { return NodeTypeDelay }

// Duration returns the configured delay.
func (c DelayConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

type ScheduleConfig struct {
	Cron          string         `json:"cron"                     validate:"required"`
	Timezone      string         `json:"timezone"                 validate:"required"`
	StartAt       *time.Time     `json:"start_at,omitempty"`
	EndAt         *time.Time     `json:"end_at,omitempty"`
	Active        bool           `json:"active"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ResultKey     string         `json:"result_key,omitempty"`
	OverlapPolicy OverlapPolicy  `json:"overlap_policy,omitempty" validate:"omitempty,oneof=skip defer allow"`
}

func (ScheduleConfig) NodeType() NodeType { return NodeTypeSchedule }

type LoopConfig struct {
	SourceKey     string `json:"source_key"           validate:"required"`
	ItemVariable  string `json:"item_variable"        validate:"required"`
	IndexVariable string `json:"index_variable"       validate:"required,nefield=ItemVariable"`
	MaxIterations int    `json:"max_iterations"       validate:"min=1,max=10000"`
	ResultKey     string `json:"result_key"`
	EmptyPath     string `json:"empty_path"`
	BodyHandle    string `json:"body_handle"`
}

func (LoopConfig) NodeType() NodeType { return NodeTypeLoop }

type QueryOrder struct {
	Field     string        `json:"field"               validate:"required"`
	Direction SortDirection `json:"direction,omitempty" validate:"omitempty,oneof=asc desc"`
}

type QueryConfig struct {
	Model       string       `json:"model"                  validate:"required"`
	Filters     []Predicate  `json:"filters,omitempty"      validate:"dive"`
	OrderBy     []QueryOrder `json:"order_by,omitempty"     validate:"dive"`
	Limit       int          `json:"limit"                  validate:"min=1,max=1000"`
	Offset      int          `json:"offset"                 validate:"min=0"`
	Fields      []string     `json:"fields,omitempty"`
	ResultKey   string       `json:"result_key"`
	FallbackKey string       `json:"fallback_key,omitempty"`
}

func (QueryConfig) NodeType() NodeType { return NodeTypeQuery }

type FilterConfig struct {
	SourceKey       string          `json:"source_key"             validate:"required"`
	Conditions      []Predicate     `json:"conditions"             validate:"min=1,dive"`
	LogicalOperator LogicalOperator `json:"logical_operator"       validate:"oneof=AND OR"`
	ResultKey       string          `json:"result_key"`
	FallbackKey     string          `json:"fallback_key,omitempty"`
}

func (FilterConfig) NodeType() NodeType { return NodeTypeFilter }

// Group returns the filter conditions as a condition group.
func (c FilterConfig) Group() ConditionGroup {
	return ConditionGroup{Conditions: c.Conditions, LogicalOperator: c.LogicalOperator}
}

type ConditionConfig struct {
	Conditions      []Predicate     `json:"conditions"           validate:"min=1,dive"`
	LogicalOperator LogicalOperator `json:"logical_operator"     validate:"oneof=AND OR"`
	TrueHandle      string          `json:"true_handle"          validate:"required"`
	FalseHandle     string          `json:"false_handle"         validate:"required,nefield=TrueHandle"`
	ResultKey       string          `json:"result_key,omitempty"`
}

func (ConditionConfig) NodeType() NodeType { return NodeTypeCondition }

// Group returns the branch conditions as a condition group.
func (c ConditionConfig) Group() ConditionGroup {
	return ConditionGroup{Conditions: c.Conditions, LogicalOperator: c.LogicalOperator}
}

type ParallelConfig struct {
	NodeIDs       []string      `json:"node_ids"             validate:"min=1,unique,dive,required"`
	FailurePolicy FailurePolicy `json:"failure_policy"       validate:"oneof=fail_on_any wait_for_all continue_on_failure"`
	TimeoutMs     int64         `json:"timeout_ms,omitempty" validate:"min=0"`
	ResultKey     string        `json:"result_key"`
}

func (ParallelConfig) NodeType() NodeType { return NodeTypeParallel }

// Timeout returns the shared timeout of the group, or zero when unset.
func (c ParallelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type ApprovalConfig struct {
	Approvers      []string `json:"approvers,omitempty"`
	Message        string   `json:"message,omitempty"`
	ExpiresAfterMs int64    `json:"expires_after_ms,omitempty" validate:"min=0"`
	ApprovedHandle string   `json:"approved_handle"`
	RejectedHandle string   `json:"rejected_handle"            validate:"nefield=ApprovedHandle"`
	ResultKey      string   `json:"result_key"`
}

func (ApprovalConfig) NodeType() NodeType { return NodeTypeApproval }

// Expiration returns how long a decision may take, or zero for no limit.
func (c ApprovalConfig) Expiration() time.Duration {
	return time.Duration(c.ExpiresAfterMs) * time.Millisecond
}

type CreateRecordConfig struct {
	Model     string            `json:"model"      validate:"required"`
	Fields    map[string]string `json:"fields"     validate:"min=1"`
	ResultKey string            `json:"result_key"`
}

func (CreateRecordConfig) NodeType() NodeType { return NodeTypeCreateRecord }

type UpdateRecordConfig struct {
	Model     string            `json:"model"      validate:"required"`
	RecordID  string            `json:"record_id"  validate:"required"`
	Fields    map[string]string `json:"fields"     validate:"min=1"`
	ResultKey string            `json:"result_key"`
}

func (UpdateRecordConfig) NodeType() NodeType { return NodeTypeUpdateRecord }

// NewNodeConfig returns a zero configuration value for the node type.
func NewNodeConfig(t NodeType) (NodeConfig, error) {
	switch t {
	case NodeTypeTrigger:
		return &TriggerConfig{}, nil
	case NodeTypeSendEmail:
		return &SendEmailConfig{}, nil
	case NodeTypeSendSMS:
		return &SendSMSConfig{}, nil
	case NodeTypeDelay:
		return &DelayConfig{}, nil
	case NodeTypeSchedule:
		return &ScheduleConfig{}, nil
	case NodeTypeLoop:
		return &LoopConfig{}, nil
	case NodeTypeQuery:
		return &QueryConfig{}, nil
	case NodeTypeFilter:
		return &FilterConfig{}, nil
	case NodeTypeCondition:
		return &ConditionConfig{}, nil
	case NodeTypeParallel:
		return &ParallelConfig{}, nil
	case NodeTypeApproval:
		return &ApprovalConfig{}, nil
	case NodeTypeCreateRecord:
		return &CreateRecordConfig{}, nil
	case NodeTypeUpdateRecord:
		return &UpdateRecordConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}

// DecodeNodeConfig decodes stored JSON into the configuration type of t.
// Empty or null input yields a nil configuration.
func DecodeNodeConfig(t NodeType, data []byte) (NodeConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	config, err := NewNodeConfig(t)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(trimmed, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s configuration: %w", t, err)
	}

	return config, nil
}
