package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverFor(data map[string]any) Resolver {
	return func(path string) (any, bool) {
		var current any = data

		for _, part := range strings.Split(path, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}

			current, ok = m[part]
			if !ok {
				return nil, false
			}
		}

		return current, true
	}
}

func TestCompare(t *testing.T) {
	testCases := []struct {
		name     string
		actual   any
		op       Operator
		expected any
		want     bool
	}{
		{"equals string", "Active", OperatorEquals, "Active", true},
		{"equals number across types", 100, OperatorEquals, 100.0, true},
		{"equals numeric string", "42", OperatorEquals, 42, true},
		{"equals bool string", true, OperatorEquals, "true", true},
		{"not equals", "a", OperatorNotEquals, "b", true},
		{"greater than", 150, OperatorGreaterThan, 100, true},
		{"greater than false", 50, OperatorGreaterThan, 100, false},
		{"greater or equal", 100, OperatorGreaterThanOrEqual, 100, true},
		{"less than", 5, OperatorLessThan, 10, true},
		{"less or equal", 10, OperatorLessThanOrEqual, 10, true},
		{"greater than nil", nil, OperatorGreaterThan, 1, false},
		{"date ordering", "2025-02-01T00:00:00Z", OperatorGreaterThan, "2025-01-01T00:00:00Z", true},
		{"contains substring", "hello world", OperatorContains, "world", true},
		{"contains slice", []any{"a", "b"}, OperatorContains, "b", true},
		{"not contains slice", []string{"a"}, OperatorNotContains, "b", true},
		{"in", "b", OperatorIn, []any{"a", "b"}, true},
		{"not in", "c", OperatorNotIn, []any{"a", "b"}, true},
		{"between", 5, OperatorBetween, []any{1, 10}, true},
		{"between outside", 11, OperatorBetween, []any{1, 10}, false},
		{"is empty nil", nil, OperatorIsEmpty, nil, true},
		{"is empty blank", "  ", OperatorIsEmpty, nil, true},
		{"is empty slice", []any{}, OperatorIsEmpty, nil, true},
		{"is not empty", "x", OperatorIsNotEmpty, nil, true},
		{"starts with", "invoice-1", OperatorStartsWith, "invoice", true},
		{"ends with", "invoice-1", OperatorEndsWith, "-1", true},
		{"equals NaN string", "NaN", OperatorEquals, "NaN", true},
		{"equals nan string", "nan", OperatorEquals, "nan", true},
		{"equals Inf string", "Inf", OperatorEquals, "Inf", true},
		{"NaN string is not a number", "NaN", OperatorEquals, "Inf", false},
		{"in NaN string", "NaN", OperatorIn, []any{"NaN"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Compare(tc.actual, tc.op, tc.expected)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompare_Errors(t *testing.T) {
	_, err := Compare(1, OperatorIn, "not-an-array")
	assert.Error(t, err)

	_, err = Compare(1, OperatorBetween, []any{1})
	assert.Error(t, err)

	_, err = Compare(map[string]any{}, OperatorGreaterThan, 1)
	assert.True(t, errors.Is(err, ErrIncomparable))

	_, err = Compare(1, Operator("matches"), 1)
	assert.Error(t, err)
}

func TestConditionGroup_Evaluate_AndOr(t *testing.T) {
	group := ConditionGroup{
		Conditions: []Predicate{
			{Field: "status", Operator: OperatorEquals, Value: "Active"},
			{Field: "amount", Operator: OperatorGreaterThan, Value: 100},
		},
		LogicalOperator: LogicalAnd,
	}

	ok, err := group.Evaluate(resolverFor(map[string]any{"status": "Active", "amount": 50}))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = group.Evaluate(resolverFor(map[string]any{"status": "Active", "amount": 150}))
	require.NoError(t, err)
	assert.True(t, ok)

	group.LogicalOperator = LogicalOr

	ok, err = group.Evaluate(resolverFor(map[string]any{"status": "Active", "amount": 50}))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionGroup_Evaluate_ShortCircuits(t *testing.T) {
	// The second predicate would fail with an error if it were evaluated.
	broken := Predicate{Field: "amount", Operator: OperatorIn, Value: "not-an-array"}

	and := ConditionGroup{
		Conditions:      []Predicate{{Field: "status", Operator: OperatorEquals, Value: "x"}, broken},
		LogicalOperator: LogicalAnd,
	}

	ok, err := and.Evaluate(resolverFor(map[string]any{"status": "y"}))
	require.NoError(t, err)
	assert.False(t, ok)

	or := ConditionGroup{
		Conditions:      []Predicate{{Field: "status", Operator: OperatorEquals, Value: "y"}, broken},
		LogicalOperator: LogicalOr,
	}

	ok, err = or.Evaluate(resolverFor(map[string]any{"status": "y"}))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionGroup_Evaluate_Empty(t *testing.T) {
	ok, err := ConditionGroup{}.Evaluate(resolverFor(nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionGroup_Evaluate_NestedField(t *testing.T) {
	group := ConditionGroup{Conditions: []Predicate{
		{Field: "customer.tier", Operator: OperatorIn, Value: []any{"gold", "platinum"}},
	}}

	ok, err := group.Evaluate(resolverFor(map[string]any{"customer": map[string]any{"tier": "gold"}}))
	require.NoError(t, err)
	assert.True(t, ok)
}
