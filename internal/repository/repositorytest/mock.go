// Package repositorytest provides FlowStore doubles for tests of the
// layers above the repository.
package repositorytest

import (
	"context"

	"migration-flows/backend/internal/repository"
	"migration-flows/backend/pkg/models"

	"github.com/stretchr/testify/mock"
)

// MockFlowStore is a testify mock of repository.FlowStore. MutateFlow
// expectations usually return the record the test wants fn to see; use
// RunMutate to have fn applied to it.
type MockFlowStore struct {
	mock.Mock
}

var _ repository.FlowStore = (*MockFlowStore)(nil)

func (m *MockFlowStore) CreateMasterFlow(ctx context.Context, rec *models.MasterFlowRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockFlowStore) GetByFlowID(ctx context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error) {
	args := m.Called(ctx, flowID, t)
	rec, _ := args.Get(0).(*models.MasterFlowRecord)
	return rec, args.Error(1)
}

func (m *MockFlowStore) GetByFlowIDGlobal(ctx context.Context, flowID string) (*models.MasterFlowRecord, error) {
	args := m.Called(ctx, flowID)
	rec, _ := args.Get(0).(*models.MasterFlowRecord)
	return rec, args.Error(1)
}

func (m *MockFlowStore) ListFlows(ctx context.Context, t models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	args := m.Called(ctx, t, filter)
	recs, _ := args.Get(0).([]*models.MasterFlowRecord)
	return recs, args.Error(1)
}

func (m *MockFlowStore) MutateFlow(ctx context.Context, flowID string, t models.Tenant, fn repository.MutateFunc) (*models.MasterFlowRecord, error) {
	args := m.Called(ctx, flowID, t, fn)
	rec, _ := args.Get(0).(*models.MasterFlowRecord)
	return rec, args.Error(1)
}

func (m *MockFlowStore) DeleteMasterFlow(ctx context.Context, flowID string, t models.Tenant) (int, error) {
	args := m.Called(ctx, flowID, t)
	return args.Int(0), args.Error(1)
}

func (m *MockFlowStore) CountFlows(ctx context.Context, t models.Tenant) ([]models.FlowCount, error) {
	args := m.Called(ctx, t)
	counts, _ := args.Get(0).([]models.FlowCount)
	return counts, args.Error(1)
}

func (m *MockFlowStore) CreateChildFlow(ctx context.Context, child *models.ChildFlowRecord) error {
	args := m.Called(ctx, child)
	return args.Error(0)
}

func (m *MockFlowStore) GetChildFlow(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant) (*models.ChildFlowRecord, error) {
	args := m.Called(ctx, flowType, flowID, t)
	child, _ := args.Get(0).(*models.ChildFlowRecord)
	return child, args.Error(1)
}

func (m *MockFlowStore) ListChildFlows(ctx context.Context, masterFlowID string, t models.Tenant) ([]*models.ChildFlowRecord, error) {
	args := m.Called(ctx, masterFlowID, t)
	children, _ := args.Get(0).([]*models.ChildFlowRecord)
	return children, args.Error(1)
}

func (m *MockFlowStore) UpdateChildPhaseStatus(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant, phase, status string) (*models.ChildFlowRecord, error) {
	args := m.Called(ctx, flowType, flowID, t, phase, status)
	child, _ := args.Get(0).(*models.ChildFlowRecord)
	return child, args.Error(1)
}

func (m *MockFlowStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
