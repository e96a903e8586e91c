package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"user_id": "u-42",
			"amount":  19.99,
		},
		"tasks": map[string]any{
			"fetch": map[string]any{
				"status":      "success",
				"status_code": 200.0,
				"json": map[string]any{
					"order": map[string]any{"id": "ord-7"},
				},
			},
		},
	}
}

func TestRender_References(t *testing.T) {
	out, err := Render("https://api.example.com/users/{{trigger.user_id}}/orders/{{ tasks.fetch.json.order.id }}", testData())
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/users/u-42/orders/ord-7", out)
}

func TestRender_NonStringValues(t *testing.T) {
	out, err := Render(`{"amount": {{trigger.amount}}, "code": {{tasks.fetch.status_code}}}`, testData())
	require.NoError(t, err)
	assert.Equal(t, `{"amount": 19.99, "code": 200}`, out)
}

func TestRender_ObjectValue(t *testing.T) {
	out, err := Render("{{tasks.fetch.json.order}}", testData())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"ord-7"}`, out)
}

func TestRender_StrictUnresolved(t *testing.T) {
	_, err := Render("https://x/{{tasks.fetch.json.missing.field}}", testData())
	require.Error(t, err)

	var unresolved *UnresolvedReferenceError

	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "tasks.fetch.json.missing.field", unresolved.Reference)
}

func TestRender_NoTemplates(t *testing.T) {
	out, err := Render("https://static.example.com/hook", testData())
	require.NoError(t, err)
	assert.Equal(t, "https://static.example.com/hook", out)
}

func TestRenderMap(t *testing.T) {
	headers, err := RenderMap(map[string]string{
		"Authorization": "Bearer {{trigger.user_id}}",
		"Accept":        "application/json",
	}, testData())
	require.NoError(t, err)
	assert.Equal(t, "Bearer u-42", headers["Authorization"])
	assert.Equal(t, "application/json", headers["Accept"])

	_, err = RenderMap(map[string]string{"X-Bad": "{{nope}}"}, testData())
	assert.Error(t, err)
}

func TestNeedsTemplating(t *testing.T) {
	assert.True(t, NeedsTemplating("{{trigger.id}}"))
	assert.True(t, NeedsTemplating("before {{ tasks.a.status }} after"))
	assert.False(t, NeedsTemplating("plain string"))
	assert.False(t, NeedsTemplating("{not a ref}"))
}
