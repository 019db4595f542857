package repository

import (
	"context"

	"migration-flows/backend/pkg/models"
)

// MutateFunc computes the new column values from the record as it was
// read. Returning a nil or empty update skips the write.
type MutateFunc func(current *models.MasterFlowRecord) (*models.FlowUpdate, error)

// FlowStore persists master flow records and their child flows. Every
// tenant-scoped method treats a record owned by another tenant exactly
// like a missing one.
type FlowStore interface {
	// CreateMasterFlow inserts a new master record and fills in its id and
	// timestamps.
	CreateMasterFlow(ctx context.Context, rec *models.MasterFlowRecord) error
	// GetByFlowID retrieves a master record visible to the tenant.
	GetByFlowID(ctx context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error)
	// GetByFlowIDGlobal retrieves a master record regardless of tenant. It
	// exists only to link child flows to their master.
	GetByFlowIDGlobal(ctx context.Context, flowID string) (*models.MasterFlowRecord, error)
	// ListFlows lists master records of a tenant, newest first.
	ListFlows(ctx context.Context, t models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error)
	// MutateFlow runs one read-modify-write cycle guarded by updated_at.
	MutateFlow(ctx context.Context, flowID string, t models.Tenant, fn MutateFunc) (*models.MasterFlowRecord, error)
	// DeleteMasterFlow removes a master record and, by cascade, its
	// children. It returns the number of child records removed.
	DeleteMasterFlow(ctx context.Context, flowID string, t models.Tenant) (int, error)
	// CountFlows groups the tenant's flows by type and status.
	CountFlows(ctx context.Context, t models.Tenant) ([]models.FlowCount, error)

	CreateChildFlow(ctx context.Context, child *models.ChildFlowRecord) error
	GetChildFlow(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant) (*models.ChildFlowRecord, error)
	ListChildFlows(ctx context.Context, masterFlowID string, t models.Tenant) ([]*models.ChildFlowRecord, error)
	UpdateChildPhaseStatus(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant, phase, status string) (*models.ChildFlowRecord, error)

	Ping(ctx context.Context) error
}
