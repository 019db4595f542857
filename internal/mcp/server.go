// Package mcp exposes the flow coordinator to agents as MCP tools. Agents
// only submit telemetry-class writes and read flow state; phase and
// status changes stay with the orchestrator.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"migration-flows/backend/internal/services"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// FlowService is the part of the coordinator reachable by agents.
type FlowService interface {
	GetFlow(ctx context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error)
	ListActive(ctx context.Context, t models.Tenant, limit, offset int) ([]*models.MasterFlowRecord, error)
	AppendPhaseTransition(ctx context.Context, flowID string, t models.Tenant, entry models.PhaseTransition) (*services.MutationResult, error)
	AppendCollaborationLog(ctx context.Context, flowID string, t models.Tenant, entry models.LogEntry) (*services.MutationResult, error)
	MergeAgentPerformanceMetrics(ctx context.Context, flowID string, t models.Tenant, metrics map[string]interface{}) (*services.MutationResult, error)
	MergeMemoryUsageMetrics(ctx context.Context, flowID string, t models.Tenant, metrics map[string]interface{}) (*services.MutationResult, error)
}

type Server struct {
	mcpServer *server.MCPServer
	flows     FlowService
}

func NewServer(flows FlowService, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Migration Flow Coordinator",
			version,
			server.WithToolCapabilities(true),
		),
		flows: flows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func tenantArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("client_account_id", mcp.Description("Client account UUID; ignored when the session is already scoped")),
		mcp.WithString("engagement_id", mcp.Description("Engagement UUID; ignored when the session is already scoped")),
	}
}

func tool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	all := append([]mcp.ToolOption{mcp.WithDescription(description)}, opts...)
	return mcp.NewTool(name, append(all, tenantArgs()...)...)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		tool("get_flow", "Read the current state of a master flow",
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow ID")),
		),
		s.handleGetFlow,
	)

	s.mcpServer.AddTool(
		tool("list_active_flows", "List flows that have not reached a terminal status",
			mcp.WithNumber("limit", mcp.Description("Maximum number of flows to return")),
		),
		s.handleListActive,
	)

	s.mcpServer.AddTool(
		tool("record_phase_transition", "Append an entry to the phase transition log; does not change the current phase",
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow ID")),
			mcp.WithString("phase", mcp.Required(), mcp.Description("Phase the entry refers to")),
			mcp.WithString("status", mcp.Description("Status of the phase, e.g. running or completed")),
			mcp.WithObject("metadata", mcp.Description("Free-form details")),
		),
		s.handleRecordPhaseTransition,
	)

	s.mcpServer.AddTool(
		tool("append_collaboration_log", "Append an agent collaboration entry to a flow",
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow ID")),
			mcp.WithObject("entry", mcp.Required(), mcp.Description("The log entry")),
		),
		s.handleAppendCollaboration,
	)

	s.mcpServer.AddTool(
		tool("merge_performance_metrics", "Merge agent performance metrics; keys outside the allow-list are ignored",
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow ID")),
			mcp.WithObject("metrics", mcp.Required(), mcp.Description("Metric values by key")),
		),
		s.handleMergePerformance,
	)

	s.mcpServer.AddTool(
		tool("merge_memory_metrics", "Merge memory usage metrics",
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow ID")),
			mcp.WithObject("metrics", mcp.Required(), mcp.Description("Metric values by key")),
		),
		s.handleMergeMemory,
	)
}

// callScope returns the tool arguments and the caller's tenant. A tenant
// placed in the context by the auth middleware wins over arguments.
func callScope(ctx context.Context, request mcp.CallToolRequest) (map[string]interface{}, models.Tenant, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, models.Tenant{}, mcp.NewToolResultError("Invalid arguments type")
	}
	if t, ok := tenant.FromContext(ctx); ok {
		return args, t, nil
	}
	client, _ := args["client_account_id"].(string)
	engagement, _ := args["engagement_id"].(string)
	t, err := tenant.Resolve(client, engagement)
	if err != nil {
		return nil, models.Tenant{}, mcp.NewToolResultError(fmt.Sprintf("Invalid tenant: %v", err))
	}
	return args, t, nil
}

func requireString(args map[string]interface{}, key string) (string, *mcp.CallToolResult) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + key)
	}
	return v, nil
}

func requireObject(args map[string]interface{}, key string) (map[string]interface{}, *mcp.CallToolResult) {
	v, ok := args[key].(map[string]interface{})
	if !ok {
		return nil, mcp.NewToolResultError("Missing required parameter: " + key)
	}
	return v, nil
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(jsonBytes))
}

func (s *Server) handleGetFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, t, bad := callScope(ctx, request)
	if bad != nil {
		return bad, nil
	}
	flowID, bad := requireString(args, "flow_id")
	if bad != nil {
		return bad, nil
	}

	flow, err := s.flows.GetFlow(ctx, flowID, t)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get flow: %v", err)), nil
	}
	return jsonResult(flow), nil
}

func (s *Server) handleListActive(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, t, bad := callScope(ctx, request)
	if bad != nil {
		return bad, nil
	}
	limit, _ := args["limit"].(float64)

	flows, err := s.flows.ListActive(ctx, t, int(limit), 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flows: %v", err)), nil
	}
	return jsonResult(flows), nil
}

func (s *Server) handleRecordPhaseTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, t, bad := callScope(ctx, request)
	if bad != nil {
		return bad, nil
	}
	flowID, bad := requireString(args, "flow_id")
	if bad != nil {
		return bad, nil
	}
	phase, bad := requireString(args, "phase")
	if bad != nil {
		return bad, nil
	}
	status, _ := args["status"].(string)
	metadata, _ := args["metadata"].(map[string]interface{})

	res, err := s.flows.AppendPhaseTransition(ctx, flowID, t, models.PhaseTransition{
		Phase:    phase,
		Status:   status,
		Metadata: metadata,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record phase transition: %v", err)), nil
	}
	return outcomeResult(res), nil
}

func (s *Server) handleAppendCollaboration(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, t, bad := callScope(ctx, request)
	if bad != nil {
		return bad, nil
	}
	flowID, bad := requireString(args, "flow_id")
	if bad != nil {
		return bad, nil
	}
	entry, bad := requireObject(args, "entry")
	if bad != nil {
		return bad, nil
	}

	res, err := s.flows.AppendCollaborationLog(ctx, flowID, t, models.LogEntry(entry))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to append collaboration log: %v", err)), nil
	}
	return outcomeResult(res), nil
}

func (s *Server) handleMergePerformance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, t, bad := callScope(ctx, request)
	if bad != nil {
		return bad, nil
	}
	flowID, bad := requireString(args, "flow_id")
	if bad != nil {
		return bad, nil
	}
	metrics, bad := requireObject(args, "metrics")
	if bad != nil {
		return bad, nil
	}

	res, err := s.flows.MergeAgentPerformanceMetrics(ctx, flowID, t, metrics)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to merge performance metrics: %v", err)), nil
	}
	return outcomeResult(res), nil
}

func (s *Server) handleMergeMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, t, bad := callScope(ctx, request)
	if bad != nil {
		return bad, nil
	}
	flowID, bad := requireString(args, "flow_id")
	if bad != nil {
		return bad, nil
	}
	metrics, bad := requireObject(args, "metrics")
	if bad != nil {
		return bad, nil
	}

	res, err := s.flows.MergeMemoryUsageMetrics(ctx, flowID, t, metrics)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to merge memory metrics: %v", err)), nil
	}
	return outcomeResult(res), nil
}

// outcomeResult reports a best-effort write. Every outcome is a success
// from the agent's point of view.
func outcomeResult(res *services.MutationResult) *mcp.CallToolResult {
	return mcp.NewToolResultText(string(res.Outcome))
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
