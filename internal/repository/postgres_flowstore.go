package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const masterColumns = `id, flow_id, client_account_id, engagement_id, flow_type, flow_name, flow_status,
	current_phase, phase_flow_id, flow_configuration, initial_state, flow_metadata, cross_phase_context,
	phase_transitions, agent_collaboration_log, error_history, retry_count,
	memory_usage_metrics, agent_performance_metrics, created_at, updated_at`

// PostgreSQL error codes we translate.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresFlowStore is a PostgreSQL implementation of the FlowStore interface.
type PostgresFlowStore struct {
	db *pgxpool.Pool
}

// NewPostgresFlowStore creates a new PostgresFlowStore.
func NewPostgresFlowStore(db *pgxpool.Pool) *PostgresFlowStore {
	return &PostgresFlowStore{db: db}
}

var _ FlowStore = (*PostgresFlowStore)(nil)

// Ping checks database connectivity.
func (s *PostgresFlowStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return flowerr.Storage("ping database", err)
	}
	return nil
}

// CreateMasterFlow inserts a master record. A duplicate flow_id fails with
// a conflict error no matter which tenant owns the existing record.
func (s *PostgresFlowStore) CreateMasterFlow(ctx context.Context, rec *models.MasterFlowRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.FlowStatus == "" {
		rec.FlowStatus = models.StatusInitialized
	}
	if rec.CurrentPhase == "" {
		rec.CurrentPhase = models.PhaseInitialized
	}

	jsonCols, err := marshalAll(
		orEmptyMap(rec.FlowConfiguration), orEmptyMap(rec.InitialState),
		orEmptyMap(rec.FlowMetadata), orEmptyMap(rec.CrossPhaseContext),
		orEmptySlice(rec.PhaseTransitions), orEmptySlice(rec.AgentCollaborationLog), orEmptySlice(rec.ErrorHistory),
		orEmptyMap(rec.MemoryUsageMetrics), orEmptyMap(rec.AgentPerformanceMetrics),
	)
	if err != nil {
		return flowerr.Validation(flowerr.CodeInvalidPayload, err.Error())
	}

	args := []any{
		rec.ID, rec.FlowID, rec.ClientAccountID, rec.EngagementID, string(rec.FlowType), rec.FlowName,
		string(rec.FlowStatus), rec.CurrentPhase, rec.PhaseFlowID,
	}
	args = append(args, jsonCols...)
	args = append(args, rec.RetryCount)

	row := s.db.QueryRow(ctx, `
		INSERT INTO master_flows (id, flow_id, client_account_id, engagement_id, flow_type, flow_name, flow_status,
			current_phase, phase_flow_id, flow_configuration, initial_state, flow_metadata, cross_phase_context,
			phase_transitions, agent_collaboration_log, error_history, memory_usage_metrics,
			agent_performance_metrics, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING `+masterColumns, args...)

	created, err := scanMaster(row)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return flowerr.DuplicateFlow(rec.FlowID)
		}
		return flowerr.Storage("create master flow", err)
	}
	*rec = *created
	return nil
}

// GetByFlowID retrieves a master record scoped to the tenant.
func (s *PostgresFlowStore) GetByFlowID(ctx context.Context, flowID string, t models.Tenant) (*models.MasterFlowRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+masterColumns+` FROM master_flows
		 WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		flowID, t.ClientAccountID, t.EngagementID)
	return getOne(row, flowID)
}

// GetByFlowIDGlobal retrieves a master record without tenant scoping.
func (s *PostgresFlowStore) GetByFlowIDGlobal(ctx context.Context, flowID string) (*models.MasterFlowRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+masterColumns+` FROM master_flows WHERE flow_id = $1`, flowID)
	return getOne(row, flowID)
}

func getOne(row pgx.Row, flowID string) (*models.MasterFlowRecord, error) {
	rec, err := scanMaster(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flowerr.NotFound(flowID)
		}
		return nil, flowerr.Storage("get master flow", err)
	}
	return rec, nil
}

// ListFlows lists the tenant's master records, newest first.
func (s *PostgresFlowStore) ListFlows(ctx context.Context, t models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	filter = filter.Normalized()

	where := []string{"client_account_id = $1", "engagement_id = $2"}
	args := []any{t.ClientAccountID, t.EngagementID}
	if filter.FlowType != "" {
		args = append(args, string(filter.FlowType))
		where = append(where, fmt.Sprintf("flow_type = $%d", len(args)))
	}
	if filter.FlowStatus != "" {
		args = append(args, string(filter.FlowStatus))
		where = append(where, fmt.Sprintf("flow_status = $%d", len(args)))
	}
	if filter.ActiveOnly {
		terminal := make([]string, 0, 3)
		for _, st := range models.TerminalStatuses() {
			terminal = append(terminal, string(st))
		}
		args = append(args, terminal)
		where = append(where, fmt.Sprintf("flow_status <> ALL($%d::text[])", len(args)))
	}

	query := fmt.Sprintf(
		`SELECT %s FROM master_flows WHERE %s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		masterColumns, strings.Join(where, " AND "), filter.Limit, filter.Offset,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, flowerr.Storage("list master flows", err)
	}
	defer rows.Close()

	var flows []*models.MasterFlowRecord
	for rows.Next() {
		rec, err := scanMaster(rows)
		if err != nil {
			return nil, flowerr.Storage("scan master flow", err)
		}
		flows = append(flows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, flowerr.Storage("list master flows", err)
	}
	return flows, nil
}

// MutateFlow loads the tenant's record, lets fn compute the new column
// values and writes them back only if updated_at still holds the value
// that was read. A lost race is reported as a concurrency conflict; the
// caller decides whether that matters. No row lock is taken at any point.
func (s *PostgresFlowStore) MutateFlow(ctx context.Context, flowID string, t models.Tenant, fn MutateFunc) (*models.MasterFlowRecord, error) {
	current, err := s.GetByFlowID(ctx, flowID, t)
	if err != nil {
		return nil, err
	}

	update, err := fn(current)
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return current, nil
	}

	sets, args, err := updateAssignments(update)
	if err != nil {
		return nil, flowerr.Validation(flowerr.CodeInvalidPayload, err.Error())
	}

	n := len(args)
	args = append(args, current.UpdatedAt, current.ID, t.ClientAccountID, t.EngagementID)
	query := fmt.Sprintf(`
		UPDATE master_flows
		SET %s, updated_at = GREATEST(clock_timestamp(), $%d::timestamptz + interval '1 microsecond')
		WHERE id = $%d AND client_account_id = $%d AND engagement_id = $%d AND updated_at = $%d
		RETURNING %s`,
		strings.Join(sets, ", "), n+1, n+2, n+3, n+4, n+1, masterColumns)

	updated, err := scanMaster(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flowerr.ConcurrencyConflict(flowID)
		}
		return nil, flowerr.Storage("update master flow", err)
	}
	return updated, nil
}

// updateAssignments renders the SET list for the non-nil fields of u.
func updateAssignments(u *models.FlowUpdate) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addJSON := func(column string, value any) error {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", column, err)
		}
		add(column, b)
		return nil
	}

	if u.FlowStatus != nil {
		add("flow_status", string(*u.FlowStatus))
	}
	if u.CurrentPhase != nil {
		add("current_phase", *u.CurrentPhase)
	}
	if u.PhaseFlowID != nil {
		add("phase_flow_id", *u.PhaseFlowID)
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}

	jsonFields := []struct {
		column string
		set    bool
		value  any
	}{
		{"flow_metadata", u.FlowMetadata != nil, u.FlowMetadata},
		{"cross_phase_context", u.CrossPhaseContext != nil, u.CrossPhaseContext},
		{"phase_transitions", u.PhaseTransitions != nil, u.PhaseTransitions},
		{"agent_collaboration_log", u.AgentCollaborationLog != nil, u.AgentCollaborationLog},
		{"error_history", u.ErrorHistory != nil, u.ErrorHistory},
		{"memory_usage_metrics", u.MemoryUsageMetrics != nil, u.MemoryUsageMetrics},
		{"agent_performance_metrics", u.AgentPerformanceMetrics != nil, u.AgentPerformanceMetrics},
	}
	for _, f := range jsonFields {
		if !f.set {
			continue
		}
		if err := addJSON(f.column, f.value); err != nil {
			return nil, nil, err
		}
	}
	return sets, args, nil
}

// DeleteMasterFlow removes the master record inside one transaction; the
// foreign keys on the child tables cascade the delete.
func (s *PostgresFlowStore) DeleteMasterFlow(ctx context.Context, flowID string, t models.Tenant) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, flowerr.Storage("begin delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var counts []string
	for _, ft := range models.AllFlowTypes() {
		table, _ := childTable(ft)
		counts = append(counts, fmt.Sprintf("(SELECT count(*) FROM %s WHERE master_flow_id = $1)", table))
	}
	var children int
	if err := tx.QueryRow(ctx, "SELECT "+strings.Join(counts, " + "), flowID).Scan(&children); err != nil {
		return 0, flowerr.Storage("count child flows", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM master_flows WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		flowID, t.ClientAccountID, t.EngagementID)
	if err != nil {
		return 0, flowerr.Storage("delete master flow", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, flowerr.NotFound(flowID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, flowerr.Storage("commit delete", err)
	}
	return children, nil
}

// CountFlows groups the tenant's flows by type and status.
func (s *PostgresFlowStore) CountFlows(ctx context.Context, t models.Tenant) ([]models.FlowCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT flow_type, flow_status, count(*)
		FROM master_flows
		WHERE client_account_id = $1 AND engagement_id = $2
		GROUP BY flow_type, flow_status
		ORDER BY flow_type, flow_status`,
		t.ClientAccountID, t.EngagementID)
	if err != nil {
		return nil, flowerr.Storage("count flows", err)
	}
	defer rows.Close()

	var counts []models.FlowCount
	for rows.Next() {
		var c models.FlowCount
		var flowType, status string
		if err := rows.Scan(&flowType, &status, &c.Count); err != nil {
			return nil, flowerr.Storage("scan flow count", err)
		}
		c.FlowType = models.FlowType(flowType)
		c.FlowStatus = models.FlowStatus(status)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, flowerr.Storage("count flows", err)
	}
	return counts, nil
}

func scanMaster(row pgx.Row) (*models.MasterFlowRecord, error) {
	var rec models.MasterFlowRecord
	var flowType, status string
	var config, initial, metadata, crossPhase, transitions, collab, errHistory, memory, perf []byte

	err := row.Scan(
		&rec.ID, &rec.FlowID, &rec.ClientAccountID, &rec.EngagementID, &flowType, &rec.FlowName, &status,
		&rec.CurrentPhase, &rec.PhaseFlowID, &config, &initial, &metadata, &crossPhase,
		&transitions, &collab, &errHistory, &rec.RetryCount,
		&memory, &perf, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.FlowType = models.FlowType(flowType)
	rec.FlowStatus = models.FlowStatus(status)

	targets := []struct {
		raw  []byte
		dest any
	}{
		{config, &rec.FlowConfiguration},
		{initial, &rec.InitialState},
		{metadata, &rec.FlowMetadata},
		{crossPhase, &rec.CrossPhaseContext},
		{transitions, &rec.PhaseTransitions},
		{collab, &rec.AgentCollaborationLog},
		{errHistory, &rec.ErrorHistory},
		{memory, &rec.MemoryUsageMetrics},
		{perf, &rec.AgentPerformanceMetrics},
	}
	for _, tgt := range targets {
		if len(tgt.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(tgt.raw, tgt.dest); err != nil {
			return nil, fmt.Errorf("decode flow %s: %w", rec.FlowID, err)
		}
	}
	return &rec, nil
}

func marshalAll(values ...any) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
