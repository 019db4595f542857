package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/repository/repositorytest"
	"migration-flows/backend/internal/services"
	"migration-flows/backend/internal/telemetry"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Server, *services.FlowCoordinator, *config.StaticFlags) {
	t.Helper()
	flags := config.NewStaticFlags(true)
	svc := services.NewFlowCoordinator(repositorytest.NewMemoryFlowStore(), flags, logging.NewNop(), telemetry.NewNopMetrics(), services.Options{})
	return NewServer(svc, "test"), svc, flags
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func withTenant(tn models.Tenant, args map[string]interface{}) map[string]interface{} {
	args["client_account_id"] = tn.ClientAccountID
	args["engagement_id"] = tn.EngagementID
	return args
}

func TestToolsWriteTelemetry(t *testing.T) {
	ctx := context.Background()
	s, svc, _ := setup(t)
	tn := models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}
	flow, err := svc.CreateFlow(ctx, tn, services.CreateFlowRequest{FlowType: models.FlowTypeDiscovery})
	require.NoError(t, err)

	res, err := s.handleAppendCollaboration(ctx, call(withTenant(tn, map[string]interface{}{
		"flow_id": flow.FlowID,
		"entry":   map[string]interface{}{"agent": "mapper", "action": "suggested"},
	})))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "applied", textOf(t, res))

	res, err = s.handleMergePerformance(ctx, call(withTenant(tn, map[string]interface{}{
		"flow_id": flow.FlowID,
		"metrics": map[string]interface{}{"latency_ms": 1.5, "bogus": 1},
	})))
	require.NoError(t, err)
	assert.Equal(t, "applied", textOf(t, res))

	res, err = s.handleMergeMemory(ctx, call(withTenant(tn, map[string]interface{}{
		"flow_id": flow.FlowID,
		"metrics": map[string]interface{}{"peak_mb": 512},
	})))
	require.NoError(t, err)
	assert.Equal(t, "applied", textOf(t, res))

	res, err = s.handleRecordPhaseTransition(ctx, call(withTenant(tn, map[string]interface{}{
		"flow_id": flow.FlowID,
		"phase":   "data_import",
		"status":  "running",
	})))
	require.NoError(t, err)
	assert.Equal(t, "applied", textOf(t, res))

	res, err = s.handleGetFlow(ctx, call(withTenant(tn, map[string]interface{}{"flow_id": flow.FlowID})))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var got models.MasterFlowRecord
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &got))
	assert.Len(t, got.AgentCollaborationLog, 1)
	assert.Contains(t, got.AgentPerformanceMetrics, "latency_ms")
	assert.NotContains(t, got.AgentPerformanceMetrics, "bogus")
	assert.Contains(t, got.MemoryUsageMetrics, "peak_mb")
	require.Len(t, got.PhaseTransitions, 1)
	assert.Equal(t, models.PhaseInitialized, got.CurrentPhase, "recording a transition does not move the phase")
}

func TestToolsTenantScope(t *testing.T) {
	ctx := context.Background()
	s, svc, _ := setup(t)
	owner := models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}
	other := models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}
	flow, err := svc.CreateFlow(ctx, owner, services.CreateFlowRequest{FlowType: models.FlowTypePlanning})
	require.NoError(t, err)

	res, err := s.handleGetFlow(ctx, call(map[string]interface{}{"flow_id": flow.FlowID}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "missing tenant arguments")

	res, err = s.handleGetFlow(ctx, call(withTenant(other, map[string]interface{}{"flow_id": flow.FlowID})))
	require.NoError(t, err)
	assert.True(t, res.IsError, "foreign tenant cannot read")

	res, err = s.handleAppendCollaboration(ctx, call(withTenant(other, map[string]interface{}{
		"flow_id": flow.FlowID,
		"entry":   map[string]interface{}{"agent": "intruder"},
	})))
	require.NoError(t, err)
	assert.Equal(t, "skipped", textOf(t, res))

	// A tenant bound to the session overrides arguments.
	scoped := tenant.WithTenant(ctx, owner)
	res, err = s.handleGetFlow(scoped, call(withTenant(other, map[string]interface{}{"flow_id": flow.FlowID})))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	got, err := svc.GetFlow(ctx, flow.FlowID, owner)
	require.NoError(t, err)
	assert.Empty(t, got.AgentCollaborationLog)
}

func TestToolsEnrichmentDisabled(t *testing.T) {
	ctx := context.Background()
	s, svc, flags := setup(t)
	tn := models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}
	flow, err := svc.CreateFlow(ctx, tn, services.CreateFlowRequest{FlowType: models.FlowTypeAssessment})
	require.NoError(t, err)

	flags.Set(false)
	res, err := s.handleMergeMemory(ctx, call(withTenant(tn, map[string]interface{}{
		"flow_id": flow.FlowID,
		"metrics": map[string]interface{}{"peak_mb": 1},
	})))
	require.NoError(t, err)
	assert.Equal(t, "disabled", textOf(t, res))
}

func TestToolsArgumentValidation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setup(t)
	tn := models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}

	res, err := s.handleAppendCollaboration(ctx, call(withTenant(tn, map[string]interface{}{"flow_id": "x"})))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = "not an object"
	res, err = s.handleListActive(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleListActive(ctx, call(withTenant(tn, map[string]interface{}{"limit": float64(5)})))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}
