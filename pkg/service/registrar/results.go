package registrar

import (
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentwire/loom/pkg/domain/errors"
)

// jsonResult marshals v into a single text content block
func jsonResult(v interface{}) *mcp.CallToolResult {
	encoded, err := json.Marshal(v)
	if err != nil {
		return errorResult(errors.New(errors.CodeInternalError, "registrar", "failed to encode result", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(encoded)},
		},
	}
}

// errorResult maps a domain error to a structured failure payload. The
// code and kind let the caller decide between retrying, refetching the
// current step, and giving up.
func errorResult(err error) *mcp.CallToolResult {
	payload := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	}
	if code := errors.CodeOf(err); code != "" && code != errors.CodeUnknown {
		payload["code"] = code
	}
	var domainErr *errors.Error
	if stderrors.As(err, &domainErr) {
		payload["kind"] = domainErr.Kind()
	}

	encoded, _ := json.Marshal(payload)
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(encoded)},
		},
	}
	result.IsError = true
	return result
}

// Schema helpers keep the tool definitions terse

func objectSchema(properties map[string]interface{}, required ...string) mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
	}
	for _, name := range required {
		if name != "" {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func intProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func objectProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "object", "description": description}
}

func stringArrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}
