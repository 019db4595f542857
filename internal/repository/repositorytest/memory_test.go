package repositorytest

import (
	"context"
	"testing"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFlowStore_ChildFlowIDPerType(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFlowStore()
	tenant := models.Tenant{ClientAccountID: uuid.New().String(), EngagementID: uuid.New().String()}
	master := &models.MasterFlowRecord{
		FlowID:          "M1",
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		FlowType:        models.FlowTypeDiscovery,
	}
	require.NoError(t, store.CreateMasterFlow(ctx, master))

	child := func(ft models.FlowType) *models.ChildFlowRecord {
		return &models.ChildFlowRecord{
			FlowID:          "C1",
			MasterFlowID:    "M1",
			ClientAccountID: tenant.ClientAccountID,
			EngagementID:    tenant.EngagementID,
			FlowType:        ft,
		}
	}

	require.NoError(t, store.CreateChildFlow(ctx, child(models.FlowTypeDiscovery)))
	require.NoError(t, store.CreateChildFlow(ctx, child(models.FlowTypeCollection)), "same flow_id in another child table")
	assert.ErrorIs(t, store.CreateChildFlow(ctx, child(models.FlowTypeDiscovery)), flowerr.ErrDuplicateFlow)

	updated, err := store.UpdateChildPhaseStatus(ctx, models.FlowTypeCollection, "C1", tenant, "platform_detection", "completed")
	require.NoError(t, err)
	assert.Equal(t, models.FlowTypeCollection, updated.FlowType)

	discovery, err := store.GetChildFlow(ctx, models.FlowTypeDiscovery, "C1", tenant)
	require.NoError(t, err)
	assert.Equal(t, "pending", discovery.PhaseStatus["data_import"], "update touched only the collection child")

	children, err := store.ListChildFlows(ctx, "M1", tenant)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	removed, err := store.DeleteMasterFlow(ctx, "M1", tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
