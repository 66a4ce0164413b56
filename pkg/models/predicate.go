package models

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Operator is a comparison applied by a predicate.
type Operator string

const (
	OperatorEquals             Operator = "equals"
	OperatorNotEquals          Operator = "notEquals"
	OperatorGreaterThan        Operator = "greaterThan"
	OperatorGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OperatorLessThan           Operator = "lessThan"
	OperatorLessThanOrEqual    Operator = "lessThanOrEqual"
	OperatorContains           Operator = "contains"
	OperatorNotContains        Operator = "notContains"
	OperatorIn                 Operator = "in"
	OperatorNotIn              Operator = "notIn"
	OperatorBetween            Operator = "between"
	OperatorIsEmpty            Operator = "isEmpty"
	OperatorIsNotEmpty         Operator = "isNotEmpty"
	OperatorStartsWith         Operator = "startsWith"
	OperatorEndsWith           Operator = "endsWith"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OperatorEquals, OperatorNotEquals,
	OperatorGreaterThan, OperatorGreaterThanOrEqual,
	OperatorLessThan, OperatorLessThanOrEqual,
	OperatorContains, OperatorNotContains,
	OperatorIn, OperatorNotIn, OperatorBetween,
	OperatorIsEmpty, OperatorIsNotEmpty,
	OperatorStartsWith, OperatorEndsWith,
}

// LogicalOperator combines the predicates of a group.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ErrIncomparable is returned when two values cannot be ordered.
var ErrIncomparable = errors.New("values are not comparable")

// Predicate compares the value found at Field with Value.
type Predicate struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value,omitempty"`
}

// ConditionGroup is a list of predicates joined by one logical operator.
type ConditionGroup struct {
	Conditions      []Predicate     `json:"conditions"                 validate:"dive"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty"`
}

// Resolver looks a dotted path up in some data scope.
type Resolver func(path string) (any, bool)

// Evaluate reports whether the group holds. AND stops at the first false
// predicate and OR at the first true one. An empty group holds.
func (g ConditionGroup) Evaluate(resolve Resolver) (bool, error) {
	if len(g.Conditions) == 0 {
		return true, nil
	}

	or := g.LogicalOperator == LogicalOr

	for _, predicate := range g.Conditions {
		ok, err := predicate.Evaluate(resolve)
		if err != nil {
			return false, err
		}

		if or && ok {
			return true, nil
		}

		if !or && !ok {
			return false, nil
		}
	}

	return !or, nil
}

// Evaluate applies the predicate to the value resolved at its field.
func (p Predicate) Evaluate(resolve Resolver) (bool, error) {
	actual, found := resolve(p.Field)
	if !found {
		actual = nil
	}

	return Compare(actual, p.Operator, p.Value)
}

// Compare applies op between actual and expected.
func Compare(actual any, op Operator, expected any) (bool, error) {
	switch op {
	case OperatorEquals:
		return looseEqual(actual, expected), nil
	case OperatorNotEquals:
		return !looseEqual(actual, expected), nil
	case OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorLessThan, OperatorLessThanOrEqual:
		if actual == nil {
			return false, nil
		}

		cmp, err := Order(actual, expected)
		if err != nil {
			return false, err
		}

		switch op {
		case OperatorGreaterThan:
			return cmp > 0, nil
		case OperatorGreaterThanOrEqual:
			return cmp >= 0, nil
		case OperatorLessThan:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OperatorContains:
		return contains(actual, expected), nil
	case OperatorNotContains:
		return !contains(actual, expected), nil
	case OperatorIn:
		return memberOf(actual, expected)
	case OperatorNotIn:
		ok, err := memberOf(actual, expected)

		return !ok, err
	case OperatorBetween:
		return between(actual, expected)
	case OperatorIsEmpty:
		return IsEmptyValue(actual), nil
	case OperatorIsNotEmpty:
		return !IsEmptyValue(actual), nil
	case OperatorStartsWith:
		return strings.HasPrefix(toString(actual), toString(expected)), nil
	case OperatorEndsWith:
		return strings.HasSuffix(toString(actual), toString(expected)), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// IsEmptyValue reports whether v is nil, an empty string or an empty collection.
func IsEmptyValue(v any) bool {
	if v == nil {
		return true
	}

	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// ToSlice converts any slice or array value into []any.
func ToSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}

	if items, ok := v.([]any); ok {
		return items, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}

	return items, true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if aok && bok {
		return af == bf
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := toBool(b); ok {
			return ab == bb
		}
	}

	if reflect.DeepEqual(a, b) {
		return true
	}

	return toString(a) == toString(b)
}

// Order compares two values numerically, chronologically or lexically, in
// that order of preference.
func Order(a, b any) (int, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if aok && bok {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	at, aok := toTime(a)
	bt, bok := toTime(b)

	if aok && bok {
		return at.Compare(bt), nil
	}

	as, aok := a.(string)
	bs, bok := b.(string)

	if aok && bok {
		return strings.Compare(as, bs), nil
	}

	return 0, fmt.Errorf("%w: %T and %T", ErrIncomparable, a, b)
}

func contains(actual, expected any) bool {
	if items, ok := ToSlice(actual); ok {
		return slices.ContainsFunc(items, func(item any) bool { return looseEqual(item, expected) })
	}

	if m, ok := actual.(map[string]any); ok {
		_, exists := m[toString(expected)]

		return exists
	}

	if actual == nil {
		return false
	}

	return strings.Contains(toString(actual), toString(expected))
}

func memberOf(actual, expected any) (bool, error) {
	items, ok := ToSlice(expected)
	if !ok {
		return false, fmt.Errorf("operator %q requires an array value, got %T", OperatorIn, expected)
	}

	return slices.ContainsFunc(items, func(item any) bool { return looseEqual(actual, item) }), nil
}

func between(actual, expected any) (bool, error) {
	bounds, ok := ToSlice(expected)
	if !ok || len(bounds) != 2 {
		return false, fmt.Errorf("operator %q requires a two element array value", OperatorBetween)
	}

	if actual == nil {
		return false, nil
	}

	low, err := Order(actual, bounds[0])
	if err != nil {
		return false, err
	}

	high, err := Order(actual, bounds[1])
	if err != nil {
		return false, err
	}

	return low >= 0 && high <= 0, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		// ParseFloat also reads "NaN" and "Inf", which are words in a record, not numbers.
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))

		return parsed, err == nil
	default:
		return false, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t))

		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
