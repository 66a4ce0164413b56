// Package schema validates and normalizes node configurations per node type.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// rootContext is the field gojsonschema reports for errors on the document itself.
const rootContext = "(root)"

// optionalConfig lists the node types that may be stored without configuration.
var optionalConfig = []models.NodeType{
	models.NodeTypeTrigger,
	models.NodeTypeApproval,
}

// Registry holds the compiled schema of every node type.
type Registry struct {
	validate *validator.Validate
	schemas  map[models.NodeType]*gojsonschema.Schema
}

// NewRegistry compiles the node configuration schemas.
func NewRegistry() (*Registry, error) {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	schemas := make(map[models.NodeType]*gojsonschema.Schema, len(documents))

	for nodeType, doc := range documents {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", nodeType, err)
		}

		schemas[nodeType] = compiled
	}

	return &Registry{validate: validate, schemas: schemas}, nil
}

// MustNewRegistry is like NewRegistry but panics when a schema does not compile.
func MustNewRegistry() *Registry {
	registry, err := NewRegistry()
	if err != nil {
		panic(err)
	}

	return registry
}

// Types returns the registered node types.
func (r *Registry) Types() []models.NodeType {
	return slices.Clone(models.NodeTypes)
}

// RequiresConfig reports whether nodes of type t must carry a configuration.
func (r *Registry) RequiresConfig(t models.NodeType) bool {
	return !slices.Contains(optionalConfig, t)
}

// Schema returns the JSON Schema document for configurations of type t.
func (r *Registry) Schema(t models.NodeType) (map[string]any, bool) {
	doc, ok := documents[t]

	return doc, ok
}

// Validate turns a raw configuration into the typed, trimmed and defaulted
// configuration of nodeType. Failures are *ValidationError values.
func (r *Registry) Validate(nodeID string, nodeType models.NodeType, raw map[string]any) (models.NodeConfig, error) {
	compiled, ok := r.schemas[nodeType]
	if !ok {
		return nil, &ValidationError{
			NodeID:   nodeID,
			NodeType: nodeType,
			Field:    "type",
			Reason:   fmt.Sprintf("unknown node type %q", nodeType),
			Err:      ErrUnknownNodeType,
		}
	}

	if len(raw) == 0 {
		if r.RequiresConfig(nodeType) {
			return nil, &ValidationError{
				NodeID:   nodeID,
				NodeType: nodeType,
				Reason:   "configuration is required for this node type",
				Err:      ErrConfigRequired,
			}
		}

		raw = map[string]any{}
	}

	trimmed, _ := trimValue(raw).(map[string]any)

	result, err := compiled.Validate(gojsonschema.NewGoLoader(trimmed))
	if err != nil {
		return nil, invalid(nodeID, nodeType, "", err.Error())
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return nil, invalid(nodeID, nodeType, schemaField(first), first.Description())
	}

	config, err := decode(nodeType, trimmed)
	if err != nil {
		return nil, invalid(nodeID, nodeType, "", err.Error())
	}

	applyDefaults(config, trimmed)

	err = r.validate.Struct(config)
	if err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			first := fieldErrors[0]

			return nil, invalid(nodeID, nodeType, structField(first), tagReason(first))
		}

		return nil, invalid(nodeID, nodeType, "", err.Error())
	}

	err = checkSemantics(nodeID, config)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			validationErr.NodeID = nodeID
			validationErr.NodeType = nodeType
		}

		return nil, err
	}

	return config, nil
}

// ValidateConfig re-validates an already typed configuration, e.g. one
// built in code rather than decoded from a request.
func (r *Registry) ValidateConfig(nodeID string, config models.NodeConfig) (models.NodeConfig, error) {
	if config == nil {
		return nil, &ValidationError{NodeID: nodeID, Reason: "configuration is missing", Err: ErrConfigRequired}
	}

	raw, err := toRaw(config)
	if err != nil {
		return nil, invalid(nodeID, config.NodeType(), "", err.Error())
	}

	return r.Validate(nodeID, config.NodeType(), raw)
}

// ValidateConditionGroup checks a connection condition.
func (r *Registry) ValidateConditionGroup(group *models.ConditionGroup) error {
	if group == nil {
		return nil
	}

	if group.LogicalOperator != "" && group.LogicalOperator != models.LogicalAnd && group.LogicalOperator != models.LogicalOr {
		return invalid("", "", "condition.logical_operator", fmt.Sprintf("unsupported logical operator %q", group.LogicalOperator))
	}

	for i := range group.Conditions {
		group.Conditions[i].Field = strings.TrimSpace(group.Conditions[i].Field)
		group.Conditions[i].Operator = models.Operator(strings.TrimSpace(string(group.Conditions[i].Operator)))
	}

	return checkPredicates("condition.conditions", group.Conditions)
}

func decode(nodeType models.NodeType, raw map[string]any) (models.NodeConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	return models.DecodeNodeConfig(nodeType, data)
}

func toRaw(config models.NodeConfig) (map[string]any, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}

	err = json.Unmarshal(data, &raw)
	if err != nil {
		return nil, err
	}

	for key, value := range raw {
		if value == nil || value == "" {
			delete(raw, key)
		}
	}

	return raw, nil
}

func schemaField(resultErr gojsonschema.ResultError) string {
	if property, ok := resultErr.Details()["property"].(string); ok && property != "" {
		if resultErr.Field() == rootContext {
			return property
		}

		return resultErr.Field() + "." + property
	}

	if resultErr.Field() == rootContext {
		return ""
	}

	return resultErr.Field()
}

func structField(fieldErr validator.FieldError) string {
	namespace := fieldErr.Namespace()
	if _, rest, found := strings.Cut(namespace, "."); found {
		return rest
	}

	return fieldErr.Field()
}

func tagReason(fieldErr validator.FieldError) string {
	if fieldErr.Param() == "" {
		return fmt.Sprintf("failed %s validation", fieldErr.Tag())
	}

	return fmt.Sprintf("failed %s=%s validation", fieldErr.Tag(), fieldErr.Param())
}

// trimValue returns a copy of v with every string trimmed of surrounding whitespace.
func trimValue(v any) any {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = trimValue(item)
		}

		return out
	case map[string]string:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = strings.TrimSpace(item)
		}

		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = trimValue(item)
		}

		return out
	case []string:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = strings.TrimSpace(item)
		}

		return out
	case []map[string]any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = trimValue(item)
		}

		return out
	default:
		return v
	}
}
