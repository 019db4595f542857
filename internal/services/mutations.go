package services

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/internal/repository"
	"migration-flows/backend/pkg/models"
)

// mutate runs one conditional read-modify-write through the store and
// applies the write-class policy to its result.
func (c *FlowCoordinator) mutate(ctx context.Context, op string, class WriteClass, flowID string, t models.Tenant, fn repository.MutateFunc) (*MutationResult, error) {
	log := c.logger.WithFlow(flowID).With("op", op, "write_class", string(class))

	rec, err := c.store.MutateFlow(ctx, flowID, t, fn)
	switch {
	case err == nil:
		c.metrics.RecordMutation(ctx, op, string(class), string(OutcomeApplied))
		return &MutationResult{Outcome: OutcomeApplied, Flow: rec}, nil

	case flowerr.IsCategory(err, flowerr.CatNotFound):
		log.Debug("mutation target not visible to tenant, skipping")
		c.metrics.RecordMutation(ctx, op, string(class), string(OutcomeSkipped))
		return &MutationResult{Outcome: OutcomeSkipped}, nil

	case flowerr.IsCategory(err, flowerr.CatConcurrency):
		c.metrics.RecordConflict(ctx, op, string(class))
		if class == BestEffort {
			log.Warn("concurrent update won, best-effort write discarded", "error", err)
			c.metrics.RecordMutation(ctx, op, string(class), string(OutcomeConflict))
			return &MutationResult{Outcome: OutcomeConflict}, nil
		}
		log.Info("concurrent update won, returning conflict to caller")
		return nil, err

	default:
		return nil, err
	}
}

// bestEffortGate reports whether a best-effort call may proceed. It
// returns the result to hand back when it may not.
func (c *FlowCoordinator) bestEffortGate(ctx context.Context, op, flowID string) (*MutationResult, bool) {
	if c.flags.EnrichmentEnabled(ctx) {
		return nil, true
	}
	c.logger.WithFlow(flowID).Debug("enrichment disabled, skipping write", "op", op)
	c.metrics.RecordMutation(ctx, op, string(BestEffort), string(OutcomeDisabled))
	return &MutationResult{Outcome: OutcomeDisabled}, false
}

// dropOversized logs and counts a best-effort payload over the limit.
func (c *FlowCoordinator) dropOversized(ctx context.Context, op, flowID string, v any) (*MutationResult, bool, error) {
	n, err := payloadSize(v)
	if err != nil {
		return nil, false, err
	}
	if n <= c.maxPayload {
		return nil, false, nil
	}
	c.logger.WithFlow(flowID).Debug("dropping oversized payload", "op", op, "bytes", n, "limit", c.maxPayload)
	c.metrics.RecordDropped(ctx, op, "payload_too_large")
	c.metrics.RecordMutation(ctx, op, string(BestEffort), string(OutcomeDropped))
	return &MutationResult{Outcome: OutcomeDropped}, true, nil
}

// appendBounded appends entry and keeps only the newest limit entries.
// The result never aliases list.
func appendBounded[T any](list []T, entry T, limit int) []T {
	out := make([]T, 0, min(len(list)+1, limit))
	if start := len(list) + 1 - limit; start > 0 {
		list = list[start:]
	}
	out = append(out, list...)
	return append(out, entry)
}

// mergeShallow returns a copy of base with patch's top-level keys
// overwriting.
func mergeShallow(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

// UpdateStatus moves the flow to a new lifecycle status. Leaving a
// terminal status is rejected.
func (c *FlowCoordinator) UpdateStatus(ctx context.Context, flowID string, t models.Tenant, status models.FlowStatus) (*MutationResult, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if !models.ValidStatus(status) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidStatus, "unknown status %q", status)
	}
	return c.mutate(ctx, "update_status", Authoritative, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		if !models.CanTransitionStatus(cur.FlowStatus, status) {
			return nil, flowerr.Validationf(flowerr.CodeInvalidStatus,
				"cannot move flow from status %q to %q", cur.FlowStatus, status)
		}
		return &models.FlowUpdate{FlowStatus: &status}, nil
	})
}

// PhaseTransitionRequest names the phase to enter.
type PhaseTransitionRequest struct {
	Phase       string                 `json:"phase"`
	Status      string                 `json:"status,omitempty"`
	PhaseFlowID string                 `json:"phase_flow_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// TransitionPhase moves current_phase along the flow type's sequence and
// records the move in phase_transitions within the same write. Only the
// current phase or its immediate successor is accepted.
func (c *FlowCoordinator) TransitionPhase(ctx context.Context, flowID string, t models.Tenant, req PhaseTransitionRequest) (*MutationResult, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	phase := strings.TrimSpace(req.Phase)
	if phase == "" {
		return nil, flowerr.Validation(flowerr.CodeInvalidPhase, "phase is required")
	}
	if err := c.checkPayload(req.Metadata); err != nil {
		return nil, err
	}
	entryStatus := req.Status
	if entryStatus == "" {
		entryStatus = string(models.StatusRunning)
	}

	return c.mutate(ctx, "transition_phase", Authoritative, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		if cur.FlowStatus.IsTerminal() {
			return nil, flowerr.Validationf(flowerr.CodeInvalidStatus,
				"flow is %s and cannot change phase", cur.FlowStatus)
		}
		if !models.CanTransitionPhase(cur.FlowType, cur.CurrentPhase, phase) {
			return nil, flowerr.Validationf(flowerr.CodeInvalidPhase,
				"%s flow cannot move from phase %q to %q (next is %q)",
				cur.FlowType, cur.CurrentPhase, phase, models.NextPhase(cur.FlowType, cur.CurrentPhase))
		}

		update := &models.FlowUpdate{
			CurrentPhase: &phase,
			PhaseTransitions: appendBounded(cur.PhaseTransitions, models.PhaseTransition{
				Phase:     phase,
				Status:    entryStatus,
				Timestamp: c.now(),
				Metadata:  req.Metadata,
			}, models.MaxPhaseTransitions),
		}
		if req.PhaseFlowID != "" {
			ref := strings.TrimSpace(req.PhaseFlowID)
			update.PhaseFlowID = &ref
		}
		if phase == models.PhaseCompleted {
			done := models.StatusCompleted
			update.FlowStatus = &done
		} else if cur.FlowStatus == models.StatusInitialized && phase != models.PhaseInitialized {
			running := models.StatusRunning
			update.FlowStatus = &running
		}
		return update, nil
	})
}

// UpdateFlowMetadata shallow-merges flow_metadata and cross_phase_context.
// Either map may be nil.
func (c *FlowCoordinator) UpdateFlowMetadata(ctx context.Context, flowID string, t models.Tenant, metadata, crossPhase map[string]interface{}) (*MutationResult, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if len(metadata) == 0 && len(crossPhase) == 0 {
		return nil, flowerr.Validation(flowerr.CodeInvalidPayload, "nothing to update")
	}
	for _, p := range []map[string]interface{}{metadata, crossPhase} {
		if err := c.checkPayload(p); err != nil {
			return nil, err
		}
	}
	return c.mutate(ctx, "update_metadata", Authoritative, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		update := &models.FlowUpdate{}
		if len(metadata) > 0 {
			update.FlowMetadata = mergeShallow(cur.FlowMetadata, metadata)
		}
		if len(crossPhase) > 0 {
			update.CrossPhaseContext = mergeShallow(cur.CrossPhaseContext, crossPhase)
		}
		return update, nil
	})
}

// AddErrorEntry appends to error_history. The entry carries the retry
// count as stored; it does not bump it.
func (c *FlowCoordinator) AddErrorEntry(ctx context.Context, flowID string, t models.Tenant, phase, message string, details map[string]interface{}) (*MutationResult, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, flowerr.Validation(flowerr.CodeInvalidPayload, "error message is required")
	}
	if err := c.checkPayload(details); err != nil {
		return nil, err
	}
	return c.mutate(ctx, "add_error", Authoritative, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		p := phase
		if p == "" {
			p = cur.CurrentPhase
		}
		if !models.KnownPhase(cur.FlowType, p) {
			return nil, flowerr.Validationf(flowerr.CodeInvalidPhase, "phase %q is not part of %s flows", p, cur.FlowType)
		}
		return &models.FlowUpdate{
			ErrorHistory: appendBounded(cur.ErrorHistory, models.ErrorEntry{
				Phase:      p,
				Error:      message,
				Details:    details,
				RetryCount: cur.RetryCount,
				Timestamp:  c.now(),
			}, models.MaxErrorHistory),
		}, nil
	})
}

// IncrementRetryCount bumps retry_count by one.
func (c *FlowCoordinator) IncrementRetryCount(ctx context.Context, flowID string, t models.Tenant) (*MutationResult, error) {
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, "increment_retry", Authoritative, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		next := cur.RetryCount + 1
		return &models.FlowUpdate{RetryCount: &next}, nil
	})
}

// AppendPhaseTransition records a phase-transition log entry without
// touching current_phase. The phase must belong to the flow type.
func (c *FlowCoordinator) AppendPhaseTransition(ctx context.Context, flowID string, t models.Tenant, entry models.PhaseTransition) (*MutationResult, error) {
	const op = "append_phase_transition"
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(entry.Phase) == "" {
		return nil, flowerr.Validation(flowerr.CodeInvalidPhase, "phase is required")
	}
	if res, ok := c.bestEffortGate(ctx, op, id); !ok {
		return res, nil
	}
	if res, dropped, err := c.dropOversized(ctx, op, id, entry); err != nil || dropped {
		return res, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}

	return c.mutate(ctx, op, BestEffort, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		if !models.KnownPhase(cur.FlowType, entry.Phase) {
			return nil, flowerr.Validationf(flowerr.CodeInvalidPhase, "phase %q is not part of %s flows", entry.Phase, cur.FlowType)
		}
		return &models.FlowUpdate{
			PhaseTransitions: appendBounded(cur.PhaseTransitions, entry, models.MaxPhaseTransitions),
		}, nil
	})
}

// AppendCollaborationLog records an opaque agent collaboration entry. A
// missing "timestamp" key is stamped.
func (c *FlowCoordinator) AppendCollaborationLog(ctx context.Context, flowID string, t models.Tenant, entry models.LogEntry) (*MutationResult, error) {
	const op = "append_collaboration_log"
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if len(entry) == 0 {
		return nil, flowerr.Validation(flowerr.CodeInvalidPayload, "log entry is empty")
	}
	if res, ok := c.bestEffortGate(ctx, op, id); !ok {
		return res, nil
	}
	if res, dropped, err := c.dropOversized(ctx, op, id, entry); err != nil || dropped {
		return res, err
	}

	stamped := models.LogEntry(maps.Clone(map[string]interface{}(entry)))
	if _, ok := stamped["timestamp"]; !ok {
		stamped["timestamp"] = c.now().Format(time.RFC3339Nano)
	}
	return c.mutate(ctx, op, BestEffort, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		return &models.FlowUpdate{
			AgentCollaborationLog: appendBounded(cur.AgentCollaborationLog, stamped, models.MaxCollaborationLog),
		}, nil
	})
}

// MergeAgentPerformanceMetrics merges allow-listed keys into
// agent_performance_metrics. Other keys are dropped silently.
func (c *FlowCoordinator) MergeAgentPerformanceMetrics(ctx context.Context, flowID string, t models.Tenant, metrics map[string]interface{}) (*MutationResult, error) {
	const op = "merge_performance_metrics"
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if res, ok := c.bestEffortGate(ctx, op, id); !ok {
		return res, nil
	}

	accepted, rejected := c.filterPerformanceKeys(metrics)
	if len(rejected) > 0 {
		c.logger.WithFlow(id).Debug("dropping performance metric keys outside allow-list", "keys", rejected)
		c.metrics.RecordRejectedKeys(ctx, len(rejected))
	}
	if len(accepted) == 0 {
		c.metrics.RecordDropped(ctx, op, "no_allowed_keys")
		c.metrics.RecordMutation(ctx, op, string(BestEffort), string(OutcomeDropped))
		return &MutationResult{Outcome: OutcomeDropped}, nil
	}
	if res, dropped, err := c.dropOversized(ctx, op, id, accepted); err != nil || dropped {
		return res, err
	}

	return c.mutate(ctx, op, BestEffort, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		return &models.FlowUpdate{AgentPerformanceMetrics: mergeShallow(cur.AgentPerformanceMetrics, accepted)}, nil
	})
}

// MergeMemoryUsageMetrics merges any keys into memory_usage_metrics.
func (c *FlowCoordinator) MergeMemoryUsageMetrics(ctx context.Context, flowID string, t models.Tenant, metrics map[string]interface{}) (*MutationResult, error) {
	const op = "merge_memory_metrics"
	scope, id, err := c.scope(t, flowID)
	if err != nil {
		return nil, err
	}
	if res, ok := c.bestEffortGate(ctx, op, id); !ok {
		return res, nil
	}
	if len(metrics) == 0 {
		c.metrics.RecordDropped(ctx, op, "empty_payload")
		c.metrics.RecordMutation(ctx, op, string(BestEffort), string(OutcomeDropped))
		return &MutationResult{Outcome: OutcomeDropped}, nil
	}
	if res, dropped, err := c.dropOversized(ctx, op, id, metrics); err != nil || dropped {
		return res, err
	}
	return c.mutate(ctx, op, BestEffort, id, scope, func(cur *models.MasterFlowRecord) (*models.FlowUpdate, error) {
		return &models.FlowUpdate{MemoryUsageMetrics: mergeShallow(cur.MemoryUsageMetrics, metrics)}, nil
	})
}

// filterPerformanceKeys splits metrics by the allow-list. Rejected keys
// come back sorted for stable logging.
func (c *FlowCoordinator) filterPerformanceKeys(metrics map[string]interface{}) (map[string]interface{}, []string) {
	accepted := make(map[string]interface{}, len(metrics))
	var rejected []string
	for k, v := range metrics {
		if _, ok := c.allowedKeys[k]; ok {
			accepted[k] = v
			continue
		}
		rejected = append(rejected, k)
	}
	slices.Sort(rejected)
	return accepted, rejected
}

// AllowedPerformanceKeys returns the effective allow-list, sorted.
func (c *FlowCoordinator) AllowedPerformanceKeys() []string {
	keys := make([]string, 0, len(c.allowedKeys))
	for k := range c.allowedKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
