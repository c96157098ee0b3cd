// Package agentrpc exposes the coordination registry to agent subprocesses
// as an MCP tool surface. Each tool returns a JSON result with an explicit
// success/error discriminator so agents can branch on failures without
// parsing prose.
package agentrpc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/splitmind/splitmind/internal/coordination"
	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/logging"
)

// Handlers carries the dependencies shared by every tool handler.
type Handlers struct {
	registry  *coordination.Registry
	logger    *logging.Logger
	statusDir string
}

// NewHandlers creates the tool handler set. statusDir is where
// mark_task_completed drops the completion marker.
func NewHandlers(registry *coordination.Registry, statusDir string, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handlers{
		registry:  registry,
		logger:    logger.WithComponent("agentrpc"),
		statusDir: statusDir,
	}
}

// NewServer creates an MCP server with every coordination tool attached.
func NewServer(registry *coordination.Registry, statusDir string, logger *logging.Logger) *server.MCPServer {
	s := server.NewMCPServer("splitmind-coordination", "1.0.0")
	h := NewHandlers(registry, statusDir, logger)
	h.Register(s)
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// toolError is the error half of every tool response.
type toolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// toolResponse is the uniform envelope returned by every tool.
type toolResponse struct {
	Success bool       `json:"success"`
	Error   *toolError `json:"error,omitempty"`
	Data    any        `json:"data,omitempty"`
}

func resultOK(data any) (*mcp.CallToolResult, error) {
	return marshalResult(toolResponse{Success: true, Data: data})
}

func resultErr(err error) (*mcp.CallToolResult, error) {
	return marshalResult(toolResponse{
		Success: false,
		Error: &toolError{
			Kind:    errors.KindOf(err).String(),
			Message: err.Error(),
		},
	})
}

func marshalResult(resp toolResponse) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal tool response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// writeMarker drops the completion marker file for a session.
func (h *Handlers) writeMarker(session string, success bool, reason string) error {
	if err := os.MkdirAll(h.statusDir, 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	content := "COMPLETED\n"
	if !success {
		content = "FAILED:" + reason + "\n"
	}
	path := filepath.Join(h.statusDir, session+".status")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}
