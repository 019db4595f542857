package services

import (
	"context"
	"strings"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/pkg/models"
)

// CreateChildRequest describes a child flow to attach to a master.
type CreateChildRequest struct {
	FlowID   string                 `json:"flow_id,omitempty"`
	FlowType models.FlowType        `json:"flow_type"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// CreateChildFlow attaches a typed child record to a master flow. The
// master is located by bare id, then must belong to the caller's tenant;
// the child is stamped with the master's tenant pair.
func (c *FlowCoordinator) CreateChildFlow(ctx context.Context, masterFlowID string, t models.Tenant, req CreateChildRequest) (*models.ChildFlowRecord, error) {
	scope, masterID, err := c.scope(t, masterFlowID)
	if err != nil {
		return nil, err
	}
	if !models.ValidFlowType(req.FlowType) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", req.FlowType)
	}
	if err := c.checkPayload(req.Payload); err != nil {
		return nil, err
	}

	master, err := c.store.GetByFlowIDGlobal(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if !master.Tenant().Equal(scope) {
		c.logger.WithFlow(masterID).Warn("child flow requested for master of another tenant", "tenant", scope.String())
		return nil, flowerr.NotFound(masterID)
	}

	child := &models.ChildFlowRecord{
		FlowID:          strings.TrimSpace(req.FlowID),
		MasterFlowID:    master.FlowID,
		ClientAccountID: master.ClientAccountID,
		EngagementID:    master.EngagementID,
		FlowType:        req.FlowType,
		Payload:         req.Payload,
	}
	if err := c.store.CreateChildFlow(ctx, child); err != nil {
		return nil, err
	}
	c.logger.WithFlow(masterID).Info("child flow created", "child_flow_id", child.FlowID, "flow_type", child.FlowType)
	return child, nil
}

// GetChildFlow returns one child record of the tenant.
func (c *FlowCoordinator) GetChildFlow(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant) (*models.ChildFlowRecord, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if !models.ValidFlowType(flowType) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", flowType)
	}
	return c.store.GetChildFlow(ctx, flowType, id, scope)
}

// ListChildFlows lists the children of a master visible to the tenant.
func (c *FlowCoordinator) ListChildFlows(ctx context.Context, masterFlowID string, t models.Tenant) ([]*models.ChildFlowRecord, error) {
	scope, masterID, err := c.scope(t, masterFlowID)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.GetByFlowID(ctx, masterID, scope); err != nil {
		return nil, err
	}
	children, err := c.store.ListChildFlows(ctx, masterID, scope)
	if err != nil {
		return nil, err
	}
	if children == nil {
		children = []*models.ChildFlowRecord{}
	}
	return children, nil
}

// UpdateChildPhaseStatus records the status of one phase on a child.
func (c *FlowCoordinator) UpdateChildPhaseStatus(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant, phase, status string) (*models.ChildFlowRecord, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if !models.ValidFlowType(flowType) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", flowType)
	}
	status = strings.TrimSpace(status)
	if status == "" {
		return nil, flowerr.Validation(flowerr.CodeInvalidStatus, "phase status is required")
	}
	return c.store.UpdateChildPhaseStatus(ctx, flowType, id, scope, phase, status)
}
