package toolbridge

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/common/logger"
)

func registerTools(s *server.MCPServer, reg *registry.Registry, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool(contract.ToolTaskComplete,
			mcp.WithDescription(
				"Signal that the task's work is finished and verified. "+
					"Call this exactly once, after validation passes. "+
					"Forbidden outside task_execution mode.",
			),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id from the <state> block of your instructions"),
			),
			mcp.WithString("summary",
				mcp.Description("Short summary of what was done and how it was verified"),
			),
		),
		taskCompleteHandler(reg, log),
	)

	s.AddTool(
		mcp.NewTool(contract.ToolSavePlan,
			mcp.WithDescription(
				"Persist the implementation plan for a task. "+
					"Call this once your investigation is finished; it ends the planning turn. "+
					"Only available in task_planning mode.",
			),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id from the <state> block of your instructions"),
			),
			mcp.WithArray("acceptanceCriteria",
				mcp.Required(),
				mcp.Description("Verifiable acceptance criteria as short strings, at most 7"),
			),
			mcp.WithString("goal",
				mcp.Description("One sentence stating what the plan achieves"),
			),
			mcp.WithArray("steps",
				mcp.Description("Ordered implementation steps"),
			),
			mcp.WithArray("validation",
				mcp.Description("How each criterion will be checked"),
			),
			mcp.WithArray("cleanup",
				mcp.Description("Teardown or follow-up items, if any"),
			),
		),
		savePlanHandler(reg, log),
	)

	s.AddTool(
		mcp.NewTool(contract.ToolAttachTaskFile,
			mcp.WithDescription(
				"Attach a file produced during the session to the task record. "+
					"Available in every mode.",
			),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id from the <state> block of your instructions"),
			),
			mcp.WithString("filename",
				mcp.Required(),
				mcp.Description("Name to store the file under"),
			),
			mcp.WithString("mimeType",
				mcp.Description("MIME type; defaults to application/octet-stream"),
			),
			mcp.WithString("bytesBase64",
				mcp.Required(),
				mcp.Description("File contents, base64 encoded"),
			),
		),
		attachTaskFileHandler(reg, log),
	)

	log.Info("registered tool bridge tools", zap.Int("count", 3))
}

func taskCompleteHandler(reg *registry.Registry, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		fn, mode, ok := reg.Complete(taskID)
		if !ok {
			return unavailable(contract.ToolTaskComplete, taskID), nil
		}
		if contract.IsForbidden(mode, contract.ToolTaskComplete) {
			return forbidden(contract.ToolTaskComplete, mode), nil
		}

		summary := req.GetString("summary", "")
		if err := fn(summary); err != nil {
			log.Warn("task_complete callback failed",
				zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("task_complete failed: %v", err)), nil
		}
		log.Info("task_complete accepted", zap.String("task_id", taskID))
		return mcp.NewToolResultText("completion signal accepted"), nil
	}
}

func savePlanHandler(reg *registry.Registry, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		fn, mode, ok := reg.Plan(taskID)
		if !ok {
			return unavailable(contract.ToolSavePlan, taskID), nil
		}
		if contract.IsForbidden(mode, contract.ToolSavePlan) {
			return forbidden(contract.ToolSavePlan, mode), nil
		}

		args := req.GetArguments()
		criteria := stringSlice(args, "acceptanceCriteria")
		if len(criteria) == 0 {
			return mcp.NewToolResultError("acceptanceCriteria must contain at least one entry"), nil
		}

		payload := registry.PlanPayload{
			Goal:               req.GetString("goal", ""),
			Steps:              stringSlice(args, "steps"),
			Validation:         stringSlice(args, "validation"),
			Cleanup:            stringSlice(args, "cleanup"),
			AcceptanceCriteria: criteria,
		}
		if err := fn(payload); err != nil {
			log.Warn("save_plan callback failed",
				zap.String("task_id", taskID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("save_plan failed: %v", err)), nil
		}
		log.Info("save_plan accepted",
			zap.String("task_id", taskID),
			zap.Int("criteria", len(criteria)),
			zap.Int("steps", len(payload.Steps)))
		return mcp.NewToolResultText("plan saved"), nil
	}
}

func attachTaskFileHandler(reg *registry.Registry, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filename, err := req.RequireString("filename")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		encoded, err := req.RequireString("bytesBase64")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		fn, mode, ok := reg.Attach(taskID)
		if !ok {
			return unavailable(contract.ToolAttachTaskFile, taskID), nil
		}
		if contract.IsForbidden(mode, contract.ToolAttachTaskFile) {
			return forbidden(contract.ToolAttachTaskFile, mode), nil
		}

		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bytesBase64 is not valid base64: %v", err)), nil
		}

		payload := registry.AttachPayload{
			Filename: filename,
			MimeType: req.GetString("mimeType", "application/octet-stream"),
			Data:     data,
		}
		if err := fn(payload); err != nil {
			log.Warn("attach_task_file callback failed",
				zap.String("task_id", taskID),
				zap.String("filename", filename),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("attach_task_file failed: %v", err)), nil
		}
		log.Info("attachment stored",
			zap.String("task_id", taskID),
			zap.String("filename", filename),
			zap.Int("size", len(data)))
		return mcp.NewToolResultText(fmt.Sprintf("stored %s (%d bytes)", filename, len(data))), nil
	}
}

func unavailable(tool, taskID string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(
		"%s is unavailable: no active session owns task %s", tool, taskID))
}

func forbidden(tool string, mode contract.Mode) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(
		"%s is forbidden in %s mode", tool, mode))
}

func stringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
