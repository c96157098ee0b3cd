package agentrpc

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/splitmind/splitmind/internal/coordination"
)

// Register attaches every coordination tool to the MCP server.
func (h *Handlers) Register(s *server.MCPServer) {
	// Presence tools (4)
	s.AddTool(mcp.NewTool("register_agent",
		mcp.WithDescription("Register this agent session with the coordination registry. Call this before doing any work. Idempotent: re-registering refreshes the heartbeat."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The tmux session name this agent runs in")),
		mcp.WithString("task_id", mcp.Description("The task being worked on")),
		mcp.WithString("branch", mcp.Description("The git branch being worked on")),
		mcp.WithString("description", mcp.Description("Short description of the work")),
	), h.registerAgent)

	s.AddTool(mcp.NewTool("unregister_agent",
		mcp.WithDescription("Remove this agent from the registry, releasing all of its file locks."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The session to unregister")),
	), h.unregisterAgent)

	s.AddTool(mcp.NewTool("heartbeat",
		mcp.WithDescription("Signal liveness. Send at least once a minute; agents silent beyond the TTL are treated as dead and their work is rescheduled."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The session sending the heartbeat")),
	), h.heartbeat)

	s.AddTool(mcp.NewTool("list_active_agents",
		mcp.WithDescription("List agents that heartbeated within the liveness window."),
	), h.listActiveAgents)

	// Todo tools (4)
	s.AddTool(mcp.NewTool("add_todo",
		mcp.WithDescription("Add an item to this agent's todo list, visible on the dashboard."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The todo text")),
		mcp.WithNumber("priority", mcp.Description("Higher runs sooner in the agent's own ordering")),
	), h.addTodo)

	s.AddTool(mcp.NewTool("update_todo",
		mcp.WithDescription("Update a todo's text or status."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithString("todo_id", mcp.Required(), mcp.Description("The todo to update")),
		mcp.WithString("text", mcp.Description("Replacement text (optional)")),
		mcp.WithString("status", mcp.Description("One of pending, in_progress, completed")),
	), h.updateTodo)

	s.AddTool(mcp.NewTool("complete_todo",
		mcp.WithDescription("Mark a todo completed."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithString("todo_id", mcp.Required(), mcp.Description("The todo to complete")),
	), h.completeTodo)

	s.AddTool(mcp.NewTool("get_todos",
		mcp.WithDescription("Return this agent's todo list in insertion order."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
	), h.getTodos)

	// File lock tools (4)
	s.AddTool(mcp.NewTool("announce_file_change",
		mcp.WithDescription("Acquire the advisory lock on a file before editing it. Fails with kind=conflict if another live session holds it; retry after they release."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Repo-relative file path")),
		mcp.WithString("change_type", mcp.Description("One of create, modify, delete (default modify)")),
		mcp.WithString("reason", mcp.Description("Why the file is being changed")),
	), h.announceFileChange)

	s.AddTool(mcp.NewTool("release_file_lock",
		mcp.WithDescription("Release a file lock held by this session."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithString("path", mcp.Required(), mcp.Description("The locked path")),
	), h.releaseFileLock)

	s.AddTool(mcp.NewTool("check_file_lock",
		mcp.WithDescription("Check whether a path is locked and by whom."),
		mcp.WithString("path", mcp.Required(), mcp.Description("The path to check")),
	), h.checkFileLock)

	s.AddTool(mcp.NewTool("list_file_locks",
		mcp.WithDescription("List every held file lock in the project."),
	), h.listFileLocks)

	// Interface tools (3)
	s.AddTool(mcp.NewTool("register_interface",
		mcp.WithDescription("Publish a shared type or contract definition for other agents. Replacing an existing name requires being its owner."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Interface name")),
		mcp.WithString("definition", mcp.Required(), mcp.Description("The definition text")),
	), h.registerInterface)

	s.AddTool(mcp.NewTool("query_interface",
		mcp.WithDescription("Fetch one shared definition by name."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Interface name")),
	), h.queryInterface)

	s.AddTool(mcp.NewTool("list_interfaces",
		mcp.WithDescription("List every shared definition."),
	), h.listInterfaces)

	// Messaging tools (3)
	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a direct message to another agent session."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The sending session")),
		mcp.WithString("to", mcp.Required(), mcp.Description("The recipient session")),
		mcp.WithString("kind", mcp.Description("Message kind, e.g. query, info")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message body")),
	), h.sendMessage)

	s.AddTool(mcp.NewTool("broadcast_message",
		mcp.WithDescription("Send a message to every agent in the project."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The sending session")),
		mcp.WithString("kind", mcp.Description("Message kind, e.g. announce")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message body")),
	), h.broadcastMessage)

	s.AddTool(mcp.NewTool("check_messages",
		mcp.WithDescription("Return messages addressed to this session since the last check and mark them read."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
	), h.checkMessages)

	// Completion tool (1)
	s.AddTool(mcp.NewTool("mark_task_completed",
		mcp.WithDescription("Signal that the task is finished. Writes the completion marker the orchestrator watches for. Call this as your last act."),
		mcp.WithString("session_name", mcp.Required(), mcp.Description("The calling session")),
		mcp.WithBoolean("success", mcp.Description("False if the task could not be finished (default true)")),
		mcp.WithString("reason", mcp.Description("Failure reason when success is false")),
	), h.markTaskCompleted)
}

func requireString(req mcp.CallToolRequest, key string) (string, error) {
	args := req.GetArguments()
	val, _ := args[key].(string)
	if val == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return val, nil
}

func optString(req mcp.CallToolRequest, key string) string {
	val, _ := req.GetArguments()[key].(string)
	return val
}

func (h *Handlers) registerAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	rec, err := h.registry.Register(ctx, session,
		optString(req, "task_id"), optString(req, "branch"), optString(req, "description"))
	if err != nil {
		return resultErr(err)
	}
	return resultOK(rec)
}

func (h *Handlers) unregisterAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	if err := h.registry.Unregister(ctx, session); err != nil {
		return resultErr(err)
	}
	return resultOK(nil)
}

func (h *Handlers) heartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	if err := h.registry.Heartbeat(ctx, session); err != nil {
		return resultErr(err)
	}
	return resultOK(nil)
}

func (h *Handlers) listActiveAgents(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents, err := h.registry.ListActiveAgents(ctx)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(map[string]any{"agents": agents})
}

func (h *Handlers) addTodo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	text, err := requireString(req, "text")
	if err != nil {
		return nil, err
	}
	priority := 0
	if p, ok := req.GetArguments()["priority"].(float64); ok {
		priority = int(p)
	}
	todo, err := h.registry.AddTodo(ctx, session, text, priority)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(todo)
}

func (h *Handlers) updateTodo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	todoID, err := requireString(req, "todo_id")
	if err != nil {
		return nil, err
	}
	todo, err := h.registry.UpdateTodo(ctx, session, todoID,
		optString(req, "text"), coordination.TodoStatus(optString(req, "status")))
	if err != nil {
		return resultErr(err)
	}
	return resultOK(todo)
}

func (h *Handlers) completeTodo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	todoID, err := requireString(req, "todo_id")
	if err != nil {
		return nil, err
	}
	todo, err := h.registry.CompleteTodo(ctx, session, todoID)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(todo)
}

func (h *Handlers) getTodos(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	todos, err := h.registry.GetTodos(ctx, session)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(map[string]any{"todos": todos})
}

func (h *Handlers) announceFileChange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	path, err := requireString(req, "path")
	if err != nil {
		return nil, err
	}
	change := coordination.ChangeType(optString(req, "change_type"))
	if change == "" {
		change = coordination.ChangeModify
	}
	lock, err := h.registry.AnnounceFileChange(ctx, session, path, change, optString(req, "reason"))
	if err != nil {
		resp := toolResponse{
			Success: false,
			Error:   &toolError{Kind: "conflict", Message: err.Error()},
		}
		if lock != nil {
			resp.Data = map[string]any{"holder": lock.Session}
		}
		return marshalResult(resp)
	}
	return resultOK(lock)
}

func (h *Handlers) releaseFileLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	path, err := requireString(req, "path")
	if err != nil {
		return nil, err
	}
	if err := h.registry.ReleaseFileLock(ctx, session, path); err != nil {
		return resultErr(err)
	}
	return resultOK(nil)
}

func (h *Handlers) checkFileLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := requireString(req, "path")
	if err != nil {
		return nil, err
	}
	lock, err := h.registry.CheckFileLock(ctx, path)
	if err != nil {
		return resultErr(err)
	}
	if lock == nil {
		return resultOK(map[string]any{"locked": false})
	}
	return resultOK(map[string]any{"locked": true, "lock": lock})
}

func (h *Handlers) listFileLocks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locks, err := h.registry.ListFileLocks(ctx)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(map[string]any{"locks": locks})
}

func (h *Handlers) registerInterface(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	definition, err := requireString(req, "definition")
	if err != nil {
		return nil, err
	}
	iface, err := h.registry.RegisterInterface(ctx, session, name, definition)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(iface)
}

func (h *Handlers) queryInterface(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	iface, err := h.registry.QueryInterface(ctx, name)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(iface)
}

func (h *Handlers) listInterfaces(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ifaces, err := h.registry.ListInterfaces(ctx)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(map[string]any{"interfaces": ifaces})
}

func (h *Handlers) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	to, err := requireString(req, "to")
	if err != nil {
		return nil, err
	}
	body, err := requireString(req, "body")
	if err != nil {
		return nil, err
	}
	msg, err := h.registry.SendMessage(ctx, session, to, optString(req, "kind"), body)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(msg)
}

func (h *Handlers) broadcastMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	body, err := requireString(req, "body")
	if err != nil {
		return nil, err
	}
	msg, err := h.registry.BroadcastMessage(ctx, session, optString(req, "kind"), body)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(msg)
}

func (h *Handlers) checkMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	msgs, err := h.registry.CheckMessages(ctx, session)
	if err != nil {
		return resultErr(err)
	}
	return resultOK(map[string]any{"messages": msgs})
}

func (h *Handlers) markTaskCompleted(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := requireString(req, "session_name")
	if err != nil {
		return nil, err
	}
	success := true
	if v, ok := req.GetArguments()["success"].(bool); ok {
		success = v
	}
	reason := optString(req, "reason")

	if err := h.registry.MarkTaskCompleted(ctx, session, success, reason); err != nil {
		return resultErr(err)
	}
	if err := h.writeMarker(session, success, reason); err != nil {
		h.logger.Error("completion marker write failed", "session", session, "error", err)
		return resultErr(err)
	}
	h.logger.Info("task completion signaled", "session", session, "success", success)
	return resultOK(nil)
}
