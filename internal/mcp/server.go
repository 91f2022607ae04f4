package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"contentflow/backend/internal/api"
	"contentflow/backend/pkg/models"
)

// Server exposes the orchestration surface as MCP tools so assistant
// clients can inspect workflows and drive revisions.
type Server struct {
	mcpServer *server.MCPServer
	engine    api.Engine
	reviser   api.Reviser
}

func NewServer(engine api.Engine, reviser api.Reviser) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Content Pipeline",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine:  engine,
		reviser: reviser,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_status",
			mcp.WithDescription("Inspect a workflow's status and steps"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow ID")),
		),
		s.handleGetWorkflowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"request_revision",
			mcp.WithDescription("Request a revision of produced content or its image"),
			mcp.WithString("content_id", mcp.Required(), mcp.Description("The content ID")),
			mcp.WithString("feedback", mcp.Required(), mcp.Description("Free-text feedback for the agent")),
			mcp.WithString("revision_type", mcp.Required(), mcp.Description("Either content or image")),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("The requesting user")),
		),
		s.handleRequestRevision,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_revision_history",
			mcp.WithDescription("List the revision history of a content record"),
			mcp.WithString("content_id", mcp.Required(), mcp.Description("The content ID")),
		),
		s.handleGetRevisionHistory,
	)
}

func (s *Server) handleGetWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	wf, err := s.engine.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(wf)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRequestRevision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	contentID, ok := args["content_id"].(string)
	if !ok || contentID == "" {
		return mcp.NewToolResultError("Missing required parameter: content_id"), nil
	}
	feedback, ok := args["feedback"].(string)
	if !ok || feedback == "" {
		return mcp.NewToolResultError("Missing required parameter: feedback"), nil
	}
	revisionType, ok := args["revision_type"].(string)
	if !ok || revisionType == "" {
		return mcp.NewToolResultError("Missing required parameter: revision_type"), nil
	}
	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcp.NewToolResultError("Missing required parameter: user_id"), nil
	}

	revisionID, err := s.reviser.RequestRevision(ctx, contentID, feedback, models.RevisionType(revisionType), userID, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request revision: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(`{"revision_id":%q}`, revisionID)), nil
}

func (s *Server) handleGetRevisionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	contentID, ok := args["content_id"].(string)
	if !ok || contentID == "" {
		return mcp.NewToolResultError("Missing required parameter: content_id"), nil
	}

	history, err := s.reviser.GetRevisionHistory(ctx, contentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load revision history: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(history)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
