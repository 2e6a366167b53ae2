package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/mediator"
)

func registerTools(s *server.MCPServer, med *mediator.Mediator, log *logger.Logger) {
	// List Agents tool
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List the agents you are allowed to communicate with, including their current state."),
		),
		listAgentsHandler(med, log),
	)

	// Chat tool
	s.AddTool(
		mcp.NewTool("chat_with_agent",
			mcp.WithDescription("Send a chat message to another agent and wait for its reply. "+
				"Chat messages join the target's conversation and are processed one at a time."),
			mcp.WithString("agent_name",
				mcp.Required(),
				mcp.Description("The name of the agent to chat with"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message to send"),
			),
		),
		chatHandler(med, log),
	)

	// Task tool
	s.AddTool(
		mcp.NewTool("run_agent_task",
			mcp.WithDescription("Run a stateless task on another agent and wait for the result. "+
				"Tasks do not join the target's conversation and may run in parallel."),
			mcp.WithString("agent_name",
				mcp.Required(),
				mcp.Description("The name of the agent to run the task on"),
			),
			mcp.WithString("task",
				mcp.Required(),
				mcp.Description("The task instructions"),
			),
		),
		taskHandler(med, log),
	)

	// Job trigger tool
	s.AddTool(
		mcp.NewTool("trigger_agent_job",
			mcp.WithDescription("Trigger a folder-based job on another agent. Input is placed in the "+
				"target's workspace and results are collected from the job's output folder."),
			mcp.WithString("agent_name",
				mcp.Required(),
				mcp.Description("The name of the agent to run the job on"),
			),
			mcp.WithString("instructions",
				mcp.Required(),
				mcp.Description("Instructions describing how to process the job"),
			),
			mcp.WithString("input",
				mcp.Description("Input content written to the job's request folder (optional)"),
			),
		),
		triggerJobHandler(med, log),
	)
}

// callerFrom authenticates the request's API key against the key store.
func callerFrom(ctx context.Context, med *mediator.Mediator) (mediator.Caller, error) {
	key := apiKeyFrom(ctx)
	if key == "" {
		return mediator.Caller{}, fmt.Errorf("missing API key, send it as a Bearer token")
	}
	return med.Keys().Authenticate(ctx, key)
}

func listAgentsHandler(med *mediator.Mediator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, err := callerFrom(ctx, med)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		peers, err := med.ListPeers(ctx, caller)
		if err != nil {
			log.Error("failed to list peers", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
		}

		formatted, _ := json.MarshalIndent(peers, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func chatHandler(med *mediator.Mediator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, err := callerFrom(ctx, med)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		target, err := req.RequireString("agent_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := med.Chat(ctx, caller, target, message)
		if err != nil {
			log.Warn("mediated chat failed",
				zap.String("caller", caller.AgentName), zap.String("target", target), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Chat with %s failed: %v", target, err)), nil
		}
		return mcp.NewToolResultText(result.Execution.Result), nil
	}
}

func taskHandler(med *mediator.Mediator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, err := callerFrom(ctx, med)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		target, err := req.RequireString("agent_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := req.RequireString("task")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := med.Task(ctx, caller, target, task)
		if err != nil {
			log.Warn("mediated task failed",
				zap.String("caller", caller.AgentName), zap.String("target", target), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Task on %s failed: %v", target, err)), nil
		}
		return mcp.NewToolResultText(result.Execution.Result), nil
	}
}

func triggerJobHandler(med *mediator.Mediator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, err := callerFrom(ctx, med)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		target, err := req.RequireString("agent_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		instructions, err := req.RequireString("instructions")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		input := req.GetString("input", "")

		job, err := med.TriggerJob(ctx, caller, target, instructions, input)
		if err != nil {
			log.Warn("mediated job failed",
				zap.String("caller", caller.AgentName), zap.String("target", target), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Job on %s failed: %v", target, err)), nil
		}

		formatted, _ := json.MarshalIndent(job, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
