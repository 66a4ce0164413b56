package schema

import (
	"fmt"
	"slices"

	"github.com/dukex/flowgraph/pkg/models"
)

func checkSemantics(nodeID string, config models.NodeConfig) error {
	switch c := config.(type) {
	case *models.ScheduleConfig:
		return checkSchedule(c)
	case *models.TriggerConfig:
		return checkPredicates("conditions", c.Conditions)
	case *models.QueryConfig:
		return checkPredicates("filters", c.Filters)
	case *models.FilterConfig:
		return checkPredicates("conditions", c.Conditions)
	case *models.ConditionConfig:
		return checkPredicates("conditions", c.Conditions)
	case *models.ParallelConfig:
		if slices.Contains(c.NodeIDs, nodeID) {
			return invalid(nodeID, c.NodeType(), "node_ids", "a parallel node cannot start itself")
		}
	}

	return nil
}

func checkSchedule(c *models.ScheduleConfig) error {
	_, err := models.ParseCron(c.Cron)
	if err != nil {
		return invalid("", c.NodeType(), "cron", err.Error())
	}

	_, err = c.Location()
	if err != nil {
		return invalid("", c.NodeType(), "timezone", err.Error())
	}

	if c.StartAt != nil && c.EndAt != nil && !c.EndAt.After(*c.StartAt) {
		return invalid("", c.NodeType(), "end_at", "end_at must be after start_at")
	}

	return nil
}

// checkPredicates enforces the value shape each operator expects.
func checkPredicates(field string, predicates []models.Predicate) error {
	for i, predicate := range predicates {
		path := fmt.Sprintf("%s[%d]", field, i)

		if predicate.Field == "" {
			return invalid("", "", path+".field", "field is required")
		}

		if !slices.Contains(models.Operators, predicate.Operator) {
			return invalid("", "", path+".operator", fmt.Sprintf("unsupported operator %q", predicate.Operator))
		}

		switch predicate.Operator {
		case models.OperatorBetween:
			values, ok := models.ToSlice(predicate.Value)
			if !ok || len(values) != 2 {
				return invalid("", "", path+".value", "between requires a two element array")
			}
		case models.OperatorIn, models.OperatorNotIn:
			if _, ok := models.ToSlice(predicate.Value); !ok {
				return invalid("", "", path+".value", fmt.Sprintf("%s requires an array", predicate.Operator))
			}
		}
	}

	return nil
}
