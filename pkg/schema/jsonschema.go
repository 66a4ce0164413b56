package schema

import (
	"github.com/dukex/flowgraph/pkg/models"
)

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func requiredString(description string) map[string]any {
	return map[string]any{"type": "string", "minLength": 1, "description": description}
}

func integerProp(description string, minimum int) map[string]any {
	return map[string]any{"type": "integer", "minimum": minimum, "description": description}
}

func enumProp(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}

func logicalOperatorProp() map[string]any {
	return enumProp("How conditions are combined (default: AND)", string(models.LogicalAnd), string(models.LogicalOr))
}

func operatorValues() []string {
	values := make([]string, len(models.Operators))
	for i, op := range models.Operators {
		values[i] = string(op)
	}

	return values
}

func predicateArray(description string, minItems int) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"minItems":    minItems,
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"field":    requiredString("Dotted path into the execution context"),
				"operator": enumProp("Comparison operator", operatorValues()...),
				"value":    map[string]any{"description": "Value compared with the field; ignored by isEmpty/isNotEmpty"},
			},
			"required":             []string{"field", "operator"},
			"additionalProperties": false,
		},
	}
}

func templateMap(description string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"description":          description,
		"minProperties":        1,
		"additionalProperties": map[string]any{"type": "string"},
	}
}

func object(properties map[string]any, required ...string) map[string]any {
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}

	if len(required) > 0 {
		doc["required"] = required
	}

	return doc
}

// documents holds the JSON Schema of every node configuration.
var documents = map[models.NodeType]map[string]any{
	models.NodeTypeTrigger: object(map[string]any{
		"event": enumProp("Event the trigger listens for (default: manual)",
			string(models.TriggerEventRecordCreated),
			string(models.TriggerEventRecordUpdated),
			string(models.TriggerEventRecordDeleted),
			string(models.TriggerEventSchedule),
			string(models.TriggerEventManual),
		),
		"model":            stringProp("Record model the event must concern, empty for any"),
		"conditions":       predicateArray("Conditions the trigger payload must satisfy", 0),
		"logical_operator": logicalOperatorProp(),
		"result_key":       stringProp("Context key receiving the trigger payload (default: trigger)"),
	}),
	models.NodeTypeSendEmail: object(map[string]any{
		"to":         requiredString("Recipient address template"),
		"subject":    stringProp("Subject template"),
		"body":       requiredString("Body template"),
		"result_key": stringProp("Context key receiving the delivery outcome"),
	}, "to", "body"),
	models.NodeTypeSendSMS: object(map[string]any{
		"to":         requiredString("Recipient phone number template"),
		"body":       requiredString("Message template"),
		"result_key": stringProp("Context key receiving the delivery outcome"),
	}, "to", "body"),
	models.NodeTypeDelay: object(map[string]any{
		"duration_ms": integerProp("Delay in milliseconds", 0),
		"result_key":  stringProp("Context key receiving the delay outcome"),
	}, "duration_ms"),
	models.NodeTypeSchedule: object(map[string]any{
		"cron":     requiredString("Cron expression (5 fields) or descriptor such as @daily"),
		"timezone": requiredString("IANA timezone, e.g. Europe/Paris"),
		"start_at": map[string]any{"type": "string", "format": "date-time", "description": "Earliest fire time"},
		"end_at":   map[string]any{"type": "string", "format": "date-time", "description": "Latest fire time"},
		"active":   map[string]any{"type": "boolean", "description": "Whether the schedule fires (default: true)"},
		"metadata": map[string]any{"type": "object", "description": "Free-form data copied into the execution context"},
		"result_key": stringProp(
			"Context key receiving the fire information (default: schedule)",
		),
		"overlap_policy": enumProp("Behaviour when a previous run is still active (default: skip)",
			string(models.OverlapSkip), string(models.OverlapDefer), string(models.OverlapAllow)),
	}, "cron", "timezone"),
	models.NodeTypeLoop: object(map[string]any{
		"source_key":     requiredString("Context path of the collection to iterate"),
		"item_variable":  stringProp("Scope variable bound to the current item (default: item)"),
		"index_variable": stringProp("Scope variable bound to the current index (default: index)"),
		"max_iterations": map[string]any{"type": "integer", "minimum": 0, "maximum": 10000, "description": "Iteration cap, 0 uses the default of 100"},
		"result_key":     stringProp("Context key receiving the aggregated results (default: loop)"),
		"empty_path":     stringProp("Handle followed when the collection is empty (default: empty)"),
		"body_handle":    stringProp("Handle whose subgraph runs once per item (default: body)"),
	}, "source_key"),
	models.NodeTypeQuery: object(map[string]any{
		"model":   requiredString("Record model to query"),
		"filters": predicateArray("Record filters", 0),
		"order_by": map[string]any{
			"type": "array",
			"items": object(map[string]any{
				"field":     requiredString("Field to order by"),
				"direction": enumProp("Sort direction (default: asc)", string(models.SortAsc), string(models.SortDesc)),
			}, "field"),
		},
		"limit":        map[string]any{"type": "integer", "minimum": 0, "maximum": 1000, "description": "Maximum rows, 0 uses the default of 100"},
		"offset":       integerProp("Rows to skip", 0),
		"fields":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"result_key":   stringProp("Context key receiving the rows (default: query)"),
		"fallback_key": stringProp("Context path whose value is used when no rows match"),
	}, "model"),
	models.NodeTypeFilter: object(map[string]any{
		"source_key":       requiredString("Context path of the collection to filter"),
		"conditions":       predicateArray("Conditions each item must satisfy", 1),
		"logical_operator": logicalOperatorProp(),
		"result_key":       stringProp("Context key receiving the kept items (default: filtered)"),
		"fallback_key":     stringProp("Context path whose value is used when nothing is kept"),
	}, "source_key", "conditions"),
	models.NodeTypeCondition: object(map[string]any{
		"conditions":       predicateArray("Conditions evaluated against the context", 1),
		"logical_operator": logicalOperatorProp(),
		"true_handle":      stringProp("Handle followed when the conditions hold (default: true)"),
		"false_handle":     stringProp("Handle followed otherwise (default: false)"),
		"result_key":       stringProp("Context key receiving the boolean outcome"),
	}, "conditions"),
	models.NodeTypeParallel: object(map[string]any{
		"node_ids": map[string]any{
			"type":        "array",
			"minItems":    1,
			"uniqueItems": true,
			"items":       map[string]any{"type": "string", "minLength": 1},
			"description": "Logical ids of the nodes started concurrently",
		},
		"failure_policy": enumProp("Aggregate failure handling (default: fail_on_any)",
			string(models.FailOnAny), string(models.WaitForAll), string(models.ContinueOnFailure)),
		"timeout_ms": integerProp("Timeout shared by every branch", 0),
		"result_key": stringProp("Context key receiving per-branch outcomes (default: parallel)"),
	}, "node_ids"),
	models.NodeTypeApproval: object(map[string]any{
		"approvers":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"message":          stringProp("Message shown to approvers"),
		"expires_after_ms": integerProp("Time allowed for a decision; expiry rejects", 0),
		"approved_handle":  stringProp("Handle followed on approval (default: approved)"),
		"rejected_handle":  stringProp("Handle followed on rejection (default: rejected)"),
		"result_key":       stringProp("Context key receiving the decision (default: approval)"),
	}),
	models.NodeTypeCreateRecord: object(map[string]any{
		"model":      requiredString("Record model to create"),
		"fields":     templateMap("Field templates rendered against the context"),
		"result_key": stringProp("Context key receiving the new record id (default: record_id)"),
	}, "model", "fields"),
	models.NodeTypeUpdateRecord: object(map[string]any{
		"model":      requiredString("Record model to update"),
		"record_id":  requiredString("Template resolving to the record id"),
		"fields":     templateMap("Field templates rendered against the context"),
		"result_key": stringProp("Context key receiving the updated record id (default: record_id)"),
	}, "model", "record_id", "fields"),
}
