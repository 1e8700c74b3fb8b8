package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/worklog/internal/jobs"
	"github.com/kalambet/worklog/internal/journal"
	"github.com/kalambet/worklog/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Journal *journal.Service
	Queue   JobQueue
	Now     func() time.Time // defaults to time.Now
}

// NewMCPServer creates an MCP server with the worklog tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := server.NewMCPServer(
		"worklog",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("worklog: a daily work journal analyzed into projects, skills and competencies."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Write the journal entry for a day and queue its analysis. An existing entry for that day is replaced."),
			mcp.WithString("user_id", mcp.Description("Journal owner"), mcp.Required()),
			mcp.WithString("content", mcp.Description("What was worked on"), mcp.Required()),
			mcp.WithString("date", mcp.Description("YYYY-MM-DD, defaults to today (UTC)")),
		),
		mcpAddEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the state of an analysis job."),
			mcp.WithString("job_id", mcp.Description("Id returned by add_entry"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("dashboard",
			mcp.WithDescription("Summarize a user's journal over a timeframe: entry count, sentiment, top projects and skills."),
			mcp.WithString("user_id", mcp.Description("Journal owner"), mcp.Required()),
			mcp.WithString("timeframe", mcp.Description("Window ending today (default month)"), mcp.Enum(journal.Windows()...)),
		),
		mcpDashboard(deps),
	)

	return s
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		date := req.GetString("date", deps.Now().UTC().Format(journal.DateLayout))

		res, err := deps.Journal.CreateEntry(ctx, userID, date, content)
		if storage.IsUniqueViolation(err) {
			res, err = deps.Journal.UpdateEntry(ctx, userID, date, content)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save entry: %v", err)), nil
		}
		if res.JobID == "" {
			return mcpText(fmt.Sprintf("Saved entry for %s; analysis could not be queued", date)), nil
		}
		return mcpText(fmt.Sprintf("Saved entry for %s; analysis job %s", date, res.JobID)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		snap, err := deps.Queue.Status(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("status lookup failed: %v", err)), nil
		}
		if snap.Status == jobs.StatusNotFound {
			return mcpError(fmt.Sprintf("job %s not found or expired", id)), nil
		}
		return mcpJSON(snap)
	}
}

func mcpDashboard(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		d, err := deps.Journal.Dashboard(ctx, userID, req.GetString("timeframe", "month"))
		if err != nil {
			return mcpError(fmt.Sprintf("dashboard failed: %v", err)), nil
		}
		return mcpJSON(d)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
