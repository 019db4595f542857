package repositorytest

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/internal/repository"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
)

// MemoryFlowStore is an in-process FlowStore with the same visibility and
// optimistic concurrency rules as the Postgres store. Records are deep
// copied on the way in and out.
type MemoryFlowStore struct {
	mu       sync.Mutex
	masters  map[string]*models.MasterFlowRecord
	children map[childKey]*models.ChildFlowRecord
	clock    time.Time

	// BeforeWrite, when set, runs after fn computed its update and before
	// the conditional write. Tests use it to commit a competing write.
	BeforeWrite func(flowID string)
}

var _ repository.FlowStore = (*MemoryFlowStore)(nil)

// childKey mirrors the per-type child tables: flow_id is unique within a
// flow type only.
type childKey struct {
	flowType models.FlowType
	flowID   string
}

// NewMemoryFlowStore returns an empty store.
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		masters:  make(map[string]*models.MasterFlowRecord),
		children: make(map[childKey]*models.ChildFlowRecord),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *MemoryFlowStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *MemoryFlowStore) CreateMasterFlow(_ context.Context, rec *models.MasterFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.masters[rec.FlowID]; ok {
		return flowerr.DuplicateFlow(rec.FlowID)
	}
	stored := clone(rec)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.FlowStatus == "" {
		stored.FlowStatus = models.StatusInitialized
	}
	if stored.CurrentPhase == "" {
		stored.CurrentPhase = models.PhaseInitialized
	}
	now := s.tick()
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.masters[stored.FlowID] = stored
	*rec = *clone(stored)
	return nil
}

func (s *MemoryFlowStore) GetByFlowID(_ context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible(flowID, t)
}

func (s *MemoryFlowStore) visible(flowID string, t models.Tenant) (*models.MasterFlowRecord, error) {
	rec, ok := s.masters[flowID]
	if !ok || !rec.Tenant().Equal(t) {
		return nil, flowerr.NotFound(flowID)
	}
	return clone(rec), nil
}

func (s *MemoryFlowStore) GetByFlowIDGlobal(_ context.Context, flowID string) (*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.masters[flowID]
	if !ok {
		return nil, flowerr.NotFound(flowID)
	}
	return clone(rec), nil
}

func (s *MemoryFlowStore) ListFlows(_ context.Context, t models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter = filter.Normalized()
	var out []*models.MasterFlowRecord
	for _, rec := range s.masters {
		if !rec.Tenant().Equal(t) {
			continue
		}
		if filter.FlowType != "" && rec.FlowType != filter.FlowType {
			continue
		}
		if filter.FlowStatus != "" && rec.FlowStatus != filter.FlowStatus {
			continue
		}
		if filter.ActiveOnly && rec.FlowStatus.IsTerminal() {
			continue
		}
		out = append(out, clone(rec))
	}
	slices.SortFunc(out, func(a, b *models.MasterFlowRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryFlowStore) MutateFlow(ctx context.Context, flowID string, t models.Tenant, fn repository.MutateFunc) (*models.MasterFlowRecord, error) {
	current, err := s.GetByFlowID(ctx, flowID, t)
	if err != nil {
		return nil, err
	}
	update, err := fn(clone(current))
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return current, nil
	}
	if s.BeforeWrite != nil {
		hook := s.BeforeWrite
		s.BeforeWrite = nil
		hook(flowID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.masters[flowID]
	if !ok || !stored.Tenant().Equal(t) || !stored.UpdatedAt.Equal(current.UpdatedAt) {
		return nil, flowerr.ConcurrencyConflict(flowID)
	}
	apply(stored, clone(&models.MasterFlowRecord{
		FlowMetadata:            update.FlowMetadata,
		CrossPhaseContext:       update.CrossPhaseContext,
		PhaseTransitions:        update.PhaseTransitions,
		AgentCollaborationLog:   update.AgentCollaborationLog,
		ErrorHistory:            update.ErrorHistory,
		MemoryUsageMetrics:      update.MemoryUsageMetrics,
		AgentPerformanceMetrics: update.AgentPerformanceMetrics,
	}), update)
	stored.UpdatedAt = s.tick()
	return clone(stored), nil
}

func apply(dst, copied *models.MasterFlowRecord, u *models.FlowUpdate) {
	if u.FlowStatus != nil {
		dst.FlowStatus = *u.FlowStatus
	}
	if u.CurrentPhase != nil {
		dst.CurrentPhase = *u.CurrentPhase
	}
	if u.PhaseFlowID != nil {
		dst.PhaseFlowID = *u.PhaseFlowID
	}
	if u.RetryCount != nil {
		dst.RetryCount = *u.RetryCount
	}
	if u.FlowMetadata != nil {
		dst.FlowMetadata = copied.FlowMetadata
	}
	if u.CrossPhaseContext != nil {
		dst.CrossPhaseContext = copied.CrossPhaseContext
	}
	if u.PhaseTransitions != nil {
		dst.PhaseTransitions = copied.PhaseTransitions
	}
	if u.AgentCollaborationLog != nil {
		dst.AgentCollaborationLog = copied.AgentCollaborationLog
	}
	if u.ErrorHistory != nil {
		dst.ErrorHistory = copied.ErrorHistory
	}
	if u.MemoryUsageMetrics != nil {
		dst.MemoryUsageMetrics = copied.MemoryUsageMetrics
	}
	if u.AgentPerformanceMetrics != nil {
		dst.AgentPerformanceMetrics = copied.AgentPerformanceMetrics
	}
}

func (s *MemoryFlowStore) DeleteMasterFlow(_ context.Context, flowID string, t models.Tenant) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.visible(flowID, t); err != nil {
		return 0, err
	}
	removed := 0
	for id, child := range s.children {
		if child.MasterFlowID == flowID {
			delete(s.children, id)
			removed++
		}
	}
	delete(s.masters, flowID)
	return removed, nil
}

func (s *MemoryFlowStore) CountFlows(_ context.Context, t models.Tenant) ([]models.FlowCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct {
		ft models.FlowType
		st models.FlowStatus
	}
	groups := make(map[key]int)
	for _, rec := range s.masters {
		if rec.Tenant().Equal(t) {
			groups[key{rec.FlowType, rec.FlowStatus}]++
		}
	}
	var counts []models.FlowCount
	for k, n := range groups {
		counts = append(counts, models.FlowCount{FlowType: k.ft, FlowStatus: k.st, Count: n})
	}
	slices.SortFunc(counts, func(a, b models.FlowCount) int {
		if a.FlowType != b.FlowType {
			if a.FlowType < b.FlowType {
				return -1
			}
			return 1
		}
		if a.FlowStatus < b.FlowStatus {
			return -1
		}
		if a.FlowStatus > b.FlowStatus {
			return 1
		}
		return 0
	})
	return counts, nil
}

func (s *MemoryFlowStore) CreateChildFlow(_ context.Context, child *models.ChildFlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.ValidFlowType(child.FlowType) {
		return flowerr.Validationf(flowerr.CodeInvalidFlowType, "unknown flow type %q", child.FlowType)
	}
	if _, ok := s.masters[child.MasterFlowID]; !ok {
		return flowerr.NotFound(child.MasterFlowID)
	}
	stored := *child
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.FlowID == "" {
		stored.FlowID = uuid.New().String()
	}
	key := childKey{stored.FlowType, stored.FlowID}
	if _, ok := s.children[key]; ok {
		return flowerr.DuplicateFlow(stored.FlowID)
	}
	if stored.Status == "" {
		stored.Status = models.StatusInitialized
	}
	if stored.CurrentPhase == "" {
		stored.CurrentPhase = models.PhaseInitialized
	}
	stored.PhaseStatus = make(map[string]string)
	for _, p := range models.Phases(stored.FlowType) {
		stored.PhaseStatus[p] = "pending"
	}
	now := s.tick()
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.children[key] = &stored
	*child = stored
	return nil
}

func (s *MemoryFlowStore) GetChildFlow(_ context.Context, flowType models.FlowType, flowID string, t models.Tenant) (*models.ChildFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	child, ok := s.children[childKey{flowType, flowID}]
	if !ok || !child.Tenant().Equal(t) {
		return nil, flowerr.NotFound(flowID)
	}
	cp := *child
	return &cp, nil
}

func (s *MemoryFlowStore) ListChildFlows(_ context.Context, masterFlowID string, t models.Tenant) ([]*models.ChildFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChildFlowRecord
	for _, child := range s.children {
		if child.MasterFlowID == masterFlowID && child.Tenant().Equal(t) {
			cp := *child
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.ChildFlowRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *MemoryFlowStore) UpdateChildPhaseStatus(_ context.Context, flowType models.FlowType, flowID string, t models.Tenant, phase, status string) (*models.ChildFlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(models.Phases(flowType), phase) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidPhase, "phase %q is not part of %s flows", phase, flowType)
	}
	child, ok := s.children[childKey{flowType, flowID}]
	if !ok || !child.Tenant().Equal(t) {
		return nil, flowerr.NotFound(flowID)
	}
	phases := make(map[string]string, len(child.PhaseStatus))
	for k, v := range child.PhaseStatus {
		phases[k] = v
	}
	phases[phase] = status
	child.PhaseStatus = phases
	child.CurrentPhase = phase
	child.UpdatedAt = s.tick()
	cp := *child
	return &cp, nil
}

func (s *MemoryFlowStore) Ping(context.Context) error { return nil }

// clone deep copies a record through its JSON form, which is also how the
// Postgres store round-trips the JSON columns.
func clone(rec *models.MasterFlowRecord) *models.MasterFlowRecord {
	b, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	var out models.MasterFlowRecord
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return &out
}
