package registrar

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/loom/pkg/domain/errors"
)

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestJSONResult(t *testing.T) {
	result := jsonResult(map[string]string{"execution_id": "exec-1"})
	assert.False(t, result.IsError)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &decoded))
	assert.Equal(t, "exec-1", decoded["execution_id"])
}

func TestErrorResultCarriesCodeAndKind(t *testing.T) {
	err := errors.Newf(errors.CodeTokenStepMismatch, "engine", "token refers to a step that moved on")
	result := errorResult(err)
	assert.True(t, result.IsError)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &payload))
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, string(errors.CodeTokenStepMismatch), payload["code"])
	assert.Equal(t, string(errors.KindState), payload["kind"])
	assert.Contains(t, payload["error"], "moved on")
}

func TestErrorResultSeesThroughWrapping(t *testing.T) {
	inner := errors.Newf(errors.CodeExecutionNotFound, "engine", "execution missing")
	result := errorResult(fmt.Errorf("handler: %w", inner))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &payload))
	assert.Equal(t, string(errors.CodeExecutionNotFound), payload["code"])
	assert.Equal(t, string(errors.KindNotFound), payload["kind"])
}

func TestErrorResultPlainError(t *testing.T) {
	result := errorResult(assert.AnError)
	assert.True(t, result.IsError)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &payload))
	assert.Equal(t, false, payload["success"])
	_, hasCode := payload["code"]
	assert.False(t, hasCode)
}

func TestObjectSchema(t *testing.T) {
	schema := objectSchema(map[string]interface{}{
		"name":  stringProp("the name"),
		"count": intProp("how many"),
		"tags":  stringArrayProp("labels"),
	}, "name")

	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"name"}, schema.Required)
	assert.Len(t, schema.Properties, 3)
}
