package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"status equality", "tasks.A.status == 'skipped'", false},
		{"numeric comparison", "tasks.check.output.count > 3", false},
		{"trigger reference", "trigger.env != 'production'", false},
		{"literal booleans", "true == false", false},
		{"no operator", "tasks.A.status", true},
		{"empty", "", true},
		{"empty operand", "== 'x'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCondition(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCondition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCondition_Evaluate(t *testing.T) {
	data := map[string]any{
		"trigger": map[string]any{"env": "staging", "count": 5.0},
		"tasks": map[string]any{
			"A": map[string]any{"status": "skipped"},
			"B": map[string]any{
				"status":      "success",
				"status_code": 200,
				"output":      map[string]any{"total": 12.5},
			},
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"tasks.A.status == 'skipped'", true},
		{"tasks.A.status != 'skipped'", false},
		{"tasks.B.status_code == 200", true},
		{"tasks.B.output.total >= 12.5", true},
		{"tasks.B.output.total < 10", false},
		{"trigger.env == 'staging'", true},
		{"trigger.count > 3", true},
		// A skipped or absent dependency exposes null fields; the
		// condition still evaluates instead of erroring.
		{"tasks.A.status_code == null", true},
		{"tasks.missing.status == 'success'", false},
		{"tasks.missing.status == null", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := ParseCondition(tt.expr)
			require.NoError(t, err)

			got, err := cond.Evaluate(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_Evaluate_OrderingRequiresNumbers(t *testing.T) {
	cond, err := ParseCondition("tasks.A.status > 3")
	require.NoError(t, err)

	_, err = cond.Evaluate(map[string]any{
		"tasks": map[string]any{"A": map[string]any{"status": "success"}},
	})
	assert.ErrorIs(t, err, ErrInvalidCondition)
}

func TestLookupPath(t *testing.T) {
	data := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
	}

	assert.Equal(t, "deep", LookupPath(data, "a.b.c"))
	assert.Nil(t, LookupPath(data, "a.b.missing"))
	assert.Nil(t, LookupPath(data, "a.b.c.too.far"))
}
