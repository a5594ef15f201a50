// Package registrar registers the orchestration tools and resources with
// the MCP server. Handlers never surface Go errors over the wire: domain
// failures become structured JSON payloads the caller can reconcile.
package registrar

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	pkgerrors "github.com/pkg/errors"

	"github.com/agentwire/loom/pkg/artifacts"
	"github.com/agentwire/loom/pkg/config"
	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/engine"
	"github.com/agentwire/loom/pkg/projects"
	"github.com/agentwire/loom/pkg/registry"
	"github.com/agentwire/loom/pkg/telemetry"
)

// ToolRegistrar wires the operation surface onto an MCP server
type ToolRegistrar struct {
	logger    *slog.Logger
	engine    *engine.Engine
	registry  *registry.Registry
	artifacts *artifacts.Store
	projects  *projects.Store
	telemetry *telemetry.Recorder
	validate  *validator.Validate
	config    config.ServerConfig
}

// NewToolRegistrar creates a tool registrar
func NewToolRegistrar(
	logger *slog.Logger,
	eng *engine.Engine,
	reg *registry.Registry,
	art *artifacts.Store,
	proj *projects.Store,
	tel *telemetry.Recorder,
	cfg config.ServerConfig,
) *ToolRegistrar {
	return &ToolRegistrar{
		logger:    logger.With("component", "tool_registrar"),
		engine:    eng,
		registry:  reg,
		artifacts: art,
		projects:  proj,
		telemetry: tel,
		validate:  validator.New(),
		config:    cfg,
	}
}

// RegisterAll registers every tool with the MCP server
func (tr *ToolRegistrar) RegisterAll(mcpServer *server.MCPServer) error {
	registrations := []func(*server.MCPServer) error{
		tr.registerLifecycleTools,
		tr.registerQueryTools,
		tr.registerDiscoveryTools,
	}
	for _, register := range registrations {
		if err := register(mcpServer); err != nil {
			return pkgerrors.Wrap(err, "tool registration failed")
		}
	}
	tr.logger.Info("all tools registered")
	return nil
}

type startWorkflowArgs struct {
	WorkflowName string                 `json:"workflow_name" validate:"required"`
	ExecutionID  string                 `json:"execution_id"`
	ProjectPath  string                 `json:"project_path"`
	TimeoutMS    *int64                 `json:"timeout_ms" validate:"omitempty,gt=0"`
	Metadata     map[string]interface{} `json:"metadata"`
}

type advanceStepArgs struct {
	Token  string            `json:"token" validate:"required"`
	Output engine.StepOutput `json:"output"`
}

type executionArgs struct {
	ExecutionID string `json:"execution_id" validate:"required"`
}

func (tr *ToolRegistrar) registerLifecycleTools(mcpServer *server.MCPServer) error {
	mcpServer.AddTool(mcp.Tool{
		Name:        "start_workflow",
		Description: "Start a workflow execution. Returns the first step's agent persona and the continuation token required to advance past it.",
		InputSchema: objectSchema(map[string]interface{}{
			"workflow_name": stringProp("Name of the registered workflow to run"),
			"execution_id":  stringProp("Optional caller-supplied execution id; generated when omitted"),
			"project_path":  stringProp("Optional project path used to scope findings"),
			"timeout_ms":    intProp("Optional execution timeout in milliseconds"),
			"metadata":      objectProp("Optional structured metadata stored on the execution"),
		}, "workflow_name"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args startWorkflowArgs
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}

		startReq := engine.StartRequest{
			WorkflowName: args.WorkflowName,
			ExecutionID:  args.ExecutionID,
			Metadata:     args.Metadata,
			TimeoutMS:    args.TimeoutMS,
		}
		if args.ProjectPath != "" {
			project, err := tr.projects.Ensure(ctx, args.ProjectPath)
			if err != nil {
				return errorResult(err), nil
			}
			startReq.ProjectID = &project.ID
		}

		handoff, err := tr.engine.Start(ctx, startReq)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(handoff), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "advance_step",
		Description: "Complete the current step using its continuation token and receive the next step's persona, or a terminal completion.",
		InputSchema: objectSchema(map[string]interface{}{
			"token": stringProp("Continuation token returned with the current step"),
			"output": map[string]interface{}{
				"type":        "object",
				"description": "Structured result of the completed step",
				"properties": map[string]interface{}{
					"summary":        stringProp("Short summary of the work performed"),
					"artifact_ids":   stringArrayProp("Ids of artifacts stored during the step"),
					"finding_ids":    stringArrayProp("Ids of findings recorded during the step"),
					"next_step_hint": stringProp("Optional hint about the expected next phase"),
				},
			},
		}, "token"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args advanceStepArgs
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		handoff, err := tr.engine.Advance(ctx, args.Token, args.Output)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(handoff), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "resume_execution",
		Description: "Resume a timed-out or escalated execution. A fresh continuation token is minted for the current step.",
		InputSchema: objectSchema(map[string]interface{}{
			"execution_id": stringProp("Execution to resume"),
		}, "execution_id"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args executionArgs
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		handoff, err := tr.engine.Resume(ctx, args.ExecutionID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(handoff), nil
	})

	return nil
}

func (tr *ToolRegistrar) registerQueryTools(mcpServer *server.MCPServer) error {
	mcpServer.AddTool(mcp.Tool{
		Name:        "get_current_step",
		Description: "Return the active step of an execution with its persona, token, progress, and instructions.",
		InputSchema: objectSchema(map[string]interface{}{
			"execution_id": stringProp("Execution to inspect"),
		}, "execution_id"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args executionArgs
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		view, err := tr.engine.CurrentStep(ctx, args.ExecutionID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(view), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_execution_status",
		Description: "Return the state, timestamps, and step counts of an execution.",
		InputSchema: objectSchema(map[string]interface{}{
			"execution_id": stringProp("Execution to inspect"),
		}, "execution_id"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args executionArgs
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		status, err := tr.engine.Status(ctx, args.ExecutionID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(status), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_step_history",
		Description: "Return the ordered list of steps of an execution with their statuses and summaries.",
		InputSchema: objectSchema(map[string]interface{}{
			"execution_id": stringProp("Execution to inspect"),
		}, "execution_id"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args executionArgs
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		history, err := tr.engine.StepHistory(ctx, args.ExecutionID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]interface{}{"execution_id": args.ExecutionID, "steps": history}), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "list_incomplete_executions",
		Description: "List executions that have not reached a terminal state, oldest first.",
		InputSchema: objectSchema(map[string]interface{}{}, ""),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		execs, err := tr.engine.IncompleteExecutions(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		summaries := make([]map[string]interface{}, 0, len(execs))
		for _, exec := range execs {
			summaries = append(summaries, map[string]interface{}{
				"execution_id":  exec.ExecutionID,
				"workflow_name": exec.WorkflowName,
				"state":         exec.State,
				"current_step":  exec.CurrentStep(),
				"updated_at":    exec.UpdatedAt,
			})
		}
		return jsonResult(map[string]interface{}{"executions": summaries}), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "list_artifacts",
		Description: "List artifact summaries for an execution; content is omitted.",
		InputSchema: objectSchema(map[string]interface{}{
			"execution_id": stringProp("Execution whose artifacts to list"),
			"step_name":    stringProp("Optional step to narrow the listing"),
		}, "execution_id"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			ExecutionID string `json:"execution_id" validate:"required"`
			StepName    string `json:"step_name"`
		}
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		if _, err := tr.engine.Status(ctx, args.ExecutionID); err != nil {
			return errorResult(err), nil
		}
		summaries, err := tr.artifacts.List(ctx, args.ExecutionID, args.StepName)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]interface{}{"artifacts": summaries}), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_artifact",
		Description: "Return a full artifact including its content.",
		InputSchema: objectSchema(map[string]interface{}{
			"artifact_id": stringProp("Artifact id"),
		}, "artifact_id"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			ArtifactID string `json:"artifact_id" validate:"required"`
		}
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		artifact, err := tr.artifacts.Get(ctx, args.ArtifactID)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]interface{}{
			"artifact_id":   artifact.ArtifactID,
			"execution_id":  artifact.ExecutionID,
			"step_name":     artifact.StepName,
			"artifact_type": artifact.ArtifactType,
			"name":          artifact.Name,
			"content":       string(artifact.Content),
			"content_type":  artifact.ContentType,
			"size_bytes":    artifact.SizeBytes,
			"metadata":      artifact.Metadata,
			"created_at":    artifact.CreatedAt,
		}), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "list_telemetry",
		Description: "List telemetry events newest first. The limit is clamped to 1-1000 and defaults to 100.",
		InputSchema: objectSchema(map[string]interface{}{
			"execution_id": stringProp("Optional execution filter"),
			"event_type":   stringProp("Optional event type filter"),
			"limit":        intProp("Maximum number of events to return"),
		}, ""),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			ExecutionID string `json:"execution_id"`
			EventType   string `json:"event_type"`
			Limit       int    `json:"limit"`
		}
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		events, err := tr.telemetry.List(ctx, telemetry.ListFilter{
			ExecutionID: args.ExecutionID,
			EventType:   args.EventType,
			Limit:       args.Limit,
		})
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]interface{}{"events": events}), nil
	})

	return nil
}

func (tr *ToolRegistrar) registerDiscoveryTools(mcpServer *server.MCPServer) error {
	mcpServer.AddTool(mcp.Tool{
		Name:        "list_workflows",
		Description: "List registered workflow definitions, optionally filtered by complexity or trigger keyword.",
		InputSchema: objectSchema(map[string]interface{}{
			"complexity": stringProp("Optional complexity filter"),
			"trigger":    stringProp("Optional trigger keyword filter"),
		}, ""),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Complexity string `json:"complexity"`
			Trigger    string `json:"trigger"`
		}
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		defs, err := tr.registry.ListWorkflows(ctx, args.Complexity, args.Trigger)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]interface{}{"workflows": defs}), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_workflow",
		Description: "Return a workflow definition including its ordered phases.",
		InputSchema: objectSchema(map[string]interface{}{
			"name": stringProp("Workflow name"),
		}, "name"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Name string `json:"name" validate:"required"`
		}
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		def, err := tr.registry.GetWorkflow(ctx, args.Name)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(def), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "list_projects",
		Description: "List known project associations, most recently used first.",
		InputSchema: objectSchema(map[string]interface{}{}, ""),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := tr.projects.List(ctx)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]interface{}{"projects": list}), nil
	})

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_project_context",
		Description: "Resolve a filesystem path to a project association, creating one on first use.",
		InputSchema: objectSchema(map[string]interface{}{
			"path": stringProp("Project path to resolve"),
		}, "path"),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Path string `json:"path" validate:"required"`
		}
		if err := tr.decodeArgs(req, &args); err != nil {
			return errorResult(err), nil
		}
		project, err := tr.projects.Ensure(ctx, args.Path)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(project), nil
	})

	return nil
}

// decodeArgs maps the tool arguments onto dest and applies struct validation
func (tr *ToolRegistrar) decodeArgs(req mcp.CallToolRequest, dest interface{}) error {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return errors.New(errors.CodeInvalidParameter, "registrar", "arguments are not encodable", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.New(errors.CodeInvalidParameter, "registrar", "arguments do not match the tool schema", err)
	}
	if err := tr.validate.Struct(dest); err != nil {
		return errors.New(errors.CodeValidationFailed, "registrar", "argument validation failed", err)
	}
	return nil
}
