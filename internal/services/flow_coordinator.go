package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/repository"
	"migration-flows/backend/internal/telemetry"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
)

// DefaultPerformanceMetricKeys is the built-in allow-list for
// agent_performance_metrics.
var DefaultPerformanceMetricKeys = []string{
	"response_time_ms", "success_rate", "throughput", "latency_ms", "token_usage",
}

// Options tunes a FlowCoordinator.
type Options struct {
	// ExtraPerformanceKeys extends DefaultPerformanceMetricKeys.
	ExtraPerformanceKeys []string
	// MaxPayloadBytes caps the encoded size of any caller payload. Zero
	// means models.DefaultMaxPayloadLen.
	MaxPayloadBytes int
}

// FlowCoordinator owns every read and write of master flow state. It
// validates the tenant on each call, applies the phase state machine and
// decides how lost races are handled.
type FlowCoordinator struct {
	store       repository.FlowStore
	flags       FeatureFlags
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	allowedKeys map[string]struct{}
	maxPayload  int
	now         func() time.Time
}

// NewFlowCoordinator creates a new FlowCoordinator.
func NewFlowCoordinator(store repository.FlowStore, flags FeatureFlags, logger *logging.Logger, metrics *telemetry.Metrics, opts Options) *FlowCoordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if flags == nil {
		flags = FlagFunc(func(context.Context) bool { return true })
	}
	allowed := make(map[string]struct{}, len(DefaultPerformanceMetricKeys)+len(opts.ExtraPerformanceKeys))
	for _, k := range DefaultPerformanceMetricKeys {
		allowed[k] = struct{}{}
	}
	for _, k := range opts.ExtraPerformanceKeys {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = struct{}{}
		}
	}
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = models.DefaultMaxPayloadLen
	}
	return &FlowCoordinator{
		store:       store,
		flags:       flags,
		logger:      logger,
		metrics:     metrics,
		allowedKeys: allowed,
		maxPayload:  maxPayload,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateFlowRequest describes a new master flow.
type CreateFlowRequest struct {
	FlowID        string                 `json:"flow_id,omitempty"`
	FlowType      models.FlowType        `json:"flow_type"`
	FlowName      string                 `json:"flow_name,omitempty"`
	Configuration map[string]interface{} `json:"flow_configuration,omitempty"`
	InitialState  map[string]interface{} `json:"initial_state,omitempty"`
	Metadata      map[string]interface{} `json:"flow_metadata,omitempty"`
}

// CreateFlow registers a master flow for the tenant. The tenant columns
// come from the validated scope only.
func (c *FlowCoordinator) CreateFlow(ctx context.Context, t models.Tenant, req CreateFlowRequest) (*models.MasterFlowRecord, error) {
	scope, err := tenant.ResolveTenant(t)
	if err != nil {
		return nil, err
	}
	if !models.ValidFlowType(req.FlowType) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", req.FlowType)
	}
	flowID := strings.TrimSpace(req.FlowID)
	if flowID == "" {
		flowID = uuid.New().String()
	}
	for _, p := range []map[string]interface{}{req.Configuration, req.InitialState, req.Metadata} {
		if err := c.checkPayload(p); err != nil {
			return nil, err
		}
	}

	rec := &models.MasterFlowRecord{
		FlowID:            flowID,
		ClientAccountID:   scope.ClientAccountID,
		EngagementID:      scope.EngagementID,
		FlowType:          req.FlowType,
		FlowName:          strings.TrimSpace(req.FlowName),
		FlowStatus:        models.StatusInitialized,
		CurrentPhase:      models.PhaseInitialized,
		FlowConfiguration: req.Configuration,
		InitialState:      req.InitialState,
		FlowMetadata:      req.Metadata,
	}
	if err := c.store.CreateMasterFlow(ctx, rec); err != nil {
		return nil, err
	}
	c.logger.WithFlow(rec.FlowID).Info("master flow created",
		"flow_type", rec.FlowType, "tenant", scope.String())
	return rec, nil
}

// GetFlow returns the tenant's flow or a not-found error. A flow owned by
// another tenant is reported exactly like a missing one.
func (c *FlowCoordinator) GetFlow(ctx context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	return c.store.GetByFlowID(ctx, id, scope)
}

// ListFlows lists the tenant's flows, newest first.
func (c *FlowCoordinator) ListFlows(ctx context.Context, t models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	scope, err := tenant.ResolveTenant(t)
	if err != nil {
		return nil, err
	}
	if filter.FlowType != "" && !models.ValidFlowType(filter.FlowType) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", filter.FlowType)
	}
	if filter.FlowStatus != "" && !models.ValidStatus(filter.FlowStatus) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidStatus, "unknown status %q", filter.FlowStatus)
	}
	flows, err := c.store.ListFlows(ctx, scope, filter.Normalized())
	if err != nil {
		return nil, err
	}
	if flows == nil {
		flows = []*models.MasterFlowRecord{}
	}
	return flows, nil
}

// ListByType lists the tenant's flows of one type.
func (c *FlowCoordinator) ListByType(ctx context.Context, t models.Tenant, flowType models.FlowType, limit, offset int) ([]*models.MasterFlowRecord, error) {
	if !models.ValidFlowType(flowType) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", flowType)
	}
	return c.ListFlows(ctx, t, models.FlowFilter{FlowType: flowType, Limit: limit, Offset: offset})
}

// ListActive lists the tenant's flows whose status is not terminal.
func (c *FlowCoordinator) ListActive(ctx context.Context, t models.Tenant, limit, offset int) ([]*models.MasterFlowRecord, error) {
	return c.ListFlows(ctx, t, models.FlowFilter{ActiveOnly: true, Limit: limit, Offset: offset})
}

// ListByStatus lists the tenant's flows in one status.
func (c *FlowCoordinator) ListByStatus(ctx context.Context, t models.Tenant, status models.FlowStatus, limit, offset int) ([]*models.MasterFlowRecord, error) {
	if !models.ValidStatus(status) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidStatus, "unknown status %q", status)
	}
	return c.ListFlows(ctx, t, models.FlowFilter{FlowStatus: status, Limit: limit, Offset: offset})
}

// ListByEngagement lists every flow of the tenant's engagement.
func (c *FlowCoordinator) ListByEngagement(ctx context.Context, t models.Tenant, limit, offset int) ([]*models.MasterFlowRecord, error) {
	return c.ListFlows(ctx, t, models.FlowFilter{Limit: limit, Offset: offset})
}

// GetSummary aggregates the tenant's flows by type and status.
func (c *FlowCoordinator) GetSummary(ctx context.Context, t models.Tenant) (*models.FlowSummary, error) {
	scope, err := tenant.ResolveTenant(t)
	if err != nil {
		return nil, err
	}
	counts, err := c.store.CountFlows(ctx, scope)
	if err != nil {
		return nil, err
	}
	summary := &models.FlowSummary{
		ByType:   make(map[models.FlowType]int),
		ByStatus: make(map[models.FlowStatus]int),
		Counts:   counts,
	}
	if summary.Counts == nil {
		summary.Counts = []models.FlowCount{}
	}
	for _, fc := range counts {
		summary.Total += fc.Count
		summary.ByType[fc.FlowType] += fc.Count
		summary.ByStatus[fc.FlowStatus] += fc.Count
		if !fc.FlowStatus.IsTerminal() {
			summary.Active += fc.Count
		}
	}
	return summary, nil
}

// DeleteFlow removes the flow and all of its children. It returns the
// number of child records removed.
func (c *FlowCoordinator) DeleteFlow(ctx context.Context, flowID string, t models.Tenant) (int, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return 0, err
	}
	removed, err := c.store.DeleteMasterFlow(ctx, id, scope)
	if err != nil {
		return 0, err
	}
	c.logger.WithFlow(id).Info("master flow deleted", "children_removed", removed)
	return removed, nil
}

// scope validates the tenant and flow id of a tenant-scoped call.
func (c *FlowCoordinator) scope(t models.Tenant, flowID string) (models.Tenant, string, error) {
	scope, err := tenant.ResolveTenant(t)
	if err != nil {
		return models.Tenant{}, "", err
	}
	id := strings.TrimSpace(flowID)
	if id == "" {
		return models.Tenant{}, "", flowerr.Validation(flowerr.CodeInvalidFlowID, "flow_id is required")
	}
	return scope, id, nil
}

// payloadSize returns the encoded size of v.
func payloadSize(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, flowerr.Validationf(flowerr.CodeInvalidPayload, "payload is not JSON encodable: %v", err)
	}
	return len(b), nil
}

// checkPayload rejects payloads over the configured limit.
func (c *FlowCoordinator) checkPayload(v any) error {
	n, err := payloadSize(v)
	if err != nil {
		return err
	}
	if n > c.maxPayload {
		return flowerr.Validationf(flowerr.CodePayloadTooLarge, "payload of %d bytes exceeds limit of %d", n, c.maxPayload)
	}
	return nil
}
