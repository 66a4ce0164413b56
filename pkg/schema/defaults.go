package schema

import (
	"github.com/dukex/flowgraph/pkg/models"
)

// Default values applied when a field is omitted.
const (
	DefaultLoopItemVariable   = "item"
	DefaultLoopIndexVariable  = "index"
	DefaultLoopMaxIterations  = 100
	DefaultLoopResultKey      = "loop"
	DefaultLoopEmptyPath      = "empty"
	DefaultLoopBodyHandle     = "body"
	DefaultQueryLimit         = 100
	DefaultQueryResultKey     = "query"
	DefaultFilterResultKey    = "filtered"
	DefaultTrueHandle         = "true"
	DefaultFalseHandle        = "false"
	DefaultParallelResultKey  = "parallel"
	DefaultApprovedHandle     = "approved"
	DefaultRejectedHandle     = "rejected"
	DefaultApprovalResultKey  = "approval"
	DefaultTriggerResultKey   = "trigger"
	DefaultScheduleResultKey  = "schedule"
	DefaultRecordIDResultKey  = "record_id"
	DefaultEmailResultKey     = "email"
	DefaultSMSResultKey       = "sms"
	DefaultDelayResultKey     = "delay"
	DefaultConditionResultKey = "condition"
)

func orDefault[T comparable](value *T, fallback T) {
	var zero T
	if *value == zero {
		*value = fallback
	}
}

func applyDefaults(config models.NodeConfig, raw map[string]any) {
	switch c := config.(type) {
	case *models.TriggerConfig:
		orDefault(&c.Event, models.TriggerEventManual)
		orDefault(&c.LogicalOperator, models.LogicalAnd)
		orDefault(&c.ResultKey, DefaultTriggerResultKey)
	case *models.SendEmailConfig:
		orDefault(&c.ResultKey, DefaultEmailResultKey)
	case *models.SendSMSConfig:
		orDefault(&c.ResultKey, DefaultSMSResultKey)
	case *models.DelayConfig:
		orDefault(&c.ResultKey, DefaultDelayResultKey)
	case *models.ScheduleConfig:
		if _, ok := raw["active"]; !ok {
			c.Active = true
		}

		orDefault(&c.ResultKey, DefaultScheduleResultKey)
		orDefault(&c.OverlapPolicy, models.OverlapSkip)
	case *models.LoopConfig:
		orDefault(&c.ItemVariable, DefaultLoopItemVariable)
		orDefault(&c.IndexVariable, DefaultLoopIndexVariable)
		orDefault(&c.MaxIterations, DefaultLoopMaxIterations)
		orDefault(&c.ResultKey, DefaultLoopResultKey)
		orDefault(&c.EmptyPath, DefaultLoopEmptyPath)
		orDefault(&c.BodyHandle, DefaultLoopBodyHandle)
	case *models.QueryConfig:
		orDefault(&c.Limit, DefaultQueryLimit)
		orDefault(&c.ResultKey, DefaultQueryResultKey)

		for i := range c.OrderBy {
			orDefault(&c.OrderBy[i].Direction, models.SortAsc)
		}
	case *models.FilterConfig:
		orDefault(&c.LogicalOperator, models.LogicalAnd)
		orDefault(&c.ResultKey, DefaultFilterResultKey)
	case *models.ConditionConfig:
		orDefault(&c.LogicalOperator, models.LogicalAnd)
		orDefault(&c.TrueHandle, DefaultTrueHandle)
		orDefault(&c.FalseHandle, DefaultFalseHandle)
		orDefault(&c.ResultKey, DefaultConditionResultKey)
	case *models.ParallelConfig:
		orDefault(&c.FailurePolicy, models.FailOnAny)
		orDefault(&c.ResultKey, DefaultParallelResultKey)
	case *models.ApprovalConfig:
		orDefault(&c.ApprovedHandle, DefaultApprovedHandle)
		orDefault(&c.RejectedHandle, DefaultRejectedHandle)
		orDefault(&c.ResultKey, DefaultApprovalResultKey)
	case *models.CreateRecordConfig:
		orDefault(&c.ResultKey, DefaultRecordIDResultKey)
	case *models.UpdateRecordConfig:
		orDefault(&c.ResultKey, DefaultRecordIDResultKey)
	}
}
