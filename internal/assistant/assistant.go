// Package assistant implements the protected resource: a small personal
// task-management MCP server exposed over streamable HTTP behind the
// authorization server's bearer token check.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Task is a single tracked task.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Done      bool       `json:"done"`
	CreatedAt time.Time  `json:"created_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// Assistant holds the task list and the MCP server exposing it.
type Assistant struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logger *slog.Logger

	mcpServer *server.MCPServer
}

// New creates the assistant and registers its tools.
func New(logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Assistant{
		tasks:  make(map[string]*Task),
		logger: logger,
	}

	a.mcpServer = server.NewMCPServer(
		"tasknest",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	a.registerTools()
	return a
}

// Handler returns the streamable HTTP handler for the MCP endpoint. The
// caller is responsible for wrapping it with token validation.
func (a *Assistant) Handler() http.Handler {
	return server.NewStreamableHTTPServer(a.mcpServer)
}

func (a *Assistant) registerTools() {
	addTool := mcp.NewTool("task_add",
		mcp.WithDescription("Add a task to the task list"),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short title of the task"),
		),
		mcp.WithString("notes",
			mcp.Description("Optional free-form notes"),
		),
	)
	a.mcpServer.AddTool(addTool, a.handleTaskAdd)

	listTool := mcp.NewTool("task_list",
		mcp.WithDescription("List tasks, newest first"),
		mcp.WithString("filter",
			mcp.Description("Filter by status: all, open, or done (default all)"),
		),
	)
	a.mcpServer.AddTool(listTool, a.handleTaskList)

	completeTool := mcp.NewTool("task_complete",
		mcp.WithDescription("Mark a task as done"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Task id as returned by task_add or task_list"),
		),
	)
	a.mcpServer.AddTool(completeTool, a.handleTaskComplete)
}

func (a *Assistant) handleTaskAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	notes := request.GetString("notes", "")

	task := &Task{
		ID:        uuid.NewString(),
		Title:     title,
		Notes:     notes,
		CreatedAt: time.Now(),
	}

	a.mu.Lock()
	a.tasks[task.ID] = task
	a.mu.Unlock()

	a.logger.Info("Task added", "task_id", task.ID)
	return taskResult(task)
}

func (a *Assistant) handleTaskList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := request.GetString("filter", "all")
	if filter != "all" && filter != "open" && filter != "done" {
		return mcp.NewToolResultError(fmt.Sprintf("unknown filter %q, want all, open, or done", filter)), nil
	}

	a.mu.Lock()
	tasks := make([]*Task, 0, len(a.tasks))
	for _, task := range a.tasks {
		switch filter {
		case "open":
			if task.Done {
				continue
			}
		case "done":
			if !task.Done {
				continue
			}
		}
		tasks = append(tasks, task)
	}
	a.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	jsonData, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format tasks: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

func (a *Assistant) handleTaskComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	a.mu.Lock()
	task, ok := a.tasks[id]
	if ok && !task.Done {
		now := time.Now()
		task.Done = true
		task.DoneAt = &now
	}
	a.mu.Unlock()

	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no task with id %q", id)), nil
	}

	a.logger.Info("Task completed", "task_id", id)
	return taskResult(task)
}

func taskResult(task *Task) (*mcp.CallToolResult, error) {
	jsonData, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format task: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}
