package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentwire/loom/pkg/engine"
	"github.com/agentwire/loom/pkg/registry"
)

// ResourceRegistrar exposes read-only views over MCP resources
type ResourceRegistrar struct {
	logger   *slog.Logger
	registry *registry.Registry
	engine   *engine.Engine
}

// NewResourceRegistrar creates a resource registrar
func NewResourceRegistrar(logger *slog.Logger, reg *registry.Registry, eng *engine.Engine) *ResourceRegistrar {
	return &ResourceRegistrar{
		logger:   logger.With("component", "resource_registrar"),
		registry: reg,
		engine:   eng,
	}
}

// RegisterAll registers the workflow catalog resource and the per-execution
// status template with the MCP server.
func (rr *ResourceRegistrar) RegisterAll(mcpServer *server.MCPServer) error {
	workflowsResource := mcp.NewResource(
		"loom://workflows",
		"Workflow catalog",
		mcp.WithResourceDescription("All registered workflow definitions"),
		mcp.WithMIMEType("application/json"),
	)
	mcpServer.AddResource(workflowsResource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		defs, err := rr.registry.ListWorkflows(ctx, "", "")
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(defs)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})

	statusTemplate := mcp.NewResourceTemplate(
		"loom://executions/{executionID}/status",
		"Execution status",
		mcp.WithTemplateDescription("State, timestamps, and step counts of one execution"),
		mcp.WithTemplateMIMEType("application/json"),
	)
	mcpServer.AddResourceTemplate(statusTemplate, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		executionID, err := executionIDFromURI(req.Params.URI)
		if err != nil {
			return nil, err
		}
		status, err := rr.engine.Status(ctx, executionID)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(status)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})

	rr.logger.Info("resources registered", "static", 1, "templates", 1)
	return nil
}

func executionIDFromURI(uri string) (string, error) {
	trimmed := strings.TrimPrefix(uri, "loom://executions/")
	executionID := strings.TrimSuffix(trimmed, "/status")
	if executionID == "" || executionID == uri {
		return "", fmt.Errorf("invalid execution status URI: %s", uri)
	}
	return executionID, nil
}
