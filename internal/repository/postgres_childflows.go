package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const childBaseColumns = `id, flow_id, master_flow_id, client_account_id, engagement_id, status, current_phase, payload, created_at, updated_at`

func childColumns(t models.FlowType) string {
	cols := []string{childBaseColumns}
	for _, p := range models.Phases(t) {
		cols = append(cols, phaseColumn(p))
	}
	return strings.Join(cols, ", ")
}

// CreateChildFlow inserts a child record. The caller is expected to have
// stamped the master's tenant on it; a master_flow_id that does not exist
// fails with not found.
func (s *PostgresFlowStore) CreateChildFlow(ctx context.Context, child *models.ChildFlowRecord) error {
	table, err := childTable(child.FlowType)
	if err != nil {
		return flowerr.Validation(flowerr.CodeInvalidFlowType, err.Error())
	}
	if child.ID == "" {
		child.ID = uuid.New().String()
	}
	if child.FlowID == "" {
		child.FlowID = uuid.New().String()
	}
	if child.Status == "" {
		child.Status = models.StatusInitialized
	}
	if child.CurrentPhase == "" {
		child.CurrentPhase = models.PhaseInitialized
	}
	payload, err := json.Marshal(orEmptyMap(child.Payload))
	if err != nil {
		return flowerr.Validation(flowerr.CodeInvalidPayload, err.Error())
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, flow_id, master_flow_id, client_account_id, engagement_id, status, current_phase, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, table, childColumns(child.FlowType)),
		child.ID, child.FlowID, child.MasterFlowID, child.ClientAccountID, child.EngagementID,
		string(child.Status), child.CurrentPhase, payload)

	created, err := scanChild(row, child.FlowType)
	if err != nil {
		switch {
		case isPgCode(err, pgForeignKeyViolation):
			return flowerr.NotFound(child.MasterFlowID)
		case isPgCode(err, pgUniqueViolation):
			return flowerr.DuplicateFlow(child.FlowID)
		}
		return flowerr.Storage("create child flow", err)
	}
	*child = *created
	return nil
}

// GetChildFlow retrieves a child record scoped to the tenant.
func (s *PostgresFlowStore) GetChildFlow(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant) (*models.ChildFlowRecord, error) {
	table, err := childTable(flowType)
	if err != nil {
		return nil, flowerr.Validation(flowerr.CodeInvalidFlowType, err.Error())
	}
	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		childColumns(flowType), table),
		flowID, t.ClientAccountID, t.EngagementID)

	child, err := scanChild(row, flowType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flowerr.NotFound(flowID)
		}
		return nil, flowerr.Storage("get child flow", err)
	}
	return child, nil
}

// ListChildFlows returns every child of a master record across all child
// tables, oldest first.
func (s *PostgresFlowStore) ListChildFlows(ctx context.Context, masterFlowID string, t models.Tenant) ([]*models.ChildFlowRecord, error) {
	var children []*models.ChildFlowRecord
	for _, ft := range models.AllFlowTypes() {
		table, _ := childTable(ft)
		rows, err := s.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM %s WHERE master_flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
			childColumns(ft), table),
			masterFlowID, t.ClientAccountID, t.EngagementID)
		if err != nil {
			return nil, flowerr.Storage("list child flows", err)
		}
		for rows.Next() {
			child, err := scanChild(rows, ft)
			if err != nil {
				rows.Close()
				return nil, flowerr.Storage("scan child flow", err)
			}
			children = append(children, child)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, flowerr.Storage("list child flows", err)
		}
	}

	slices.SortStableFunc(children, func(a, b *models.ChildFlowRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return children, nil
}

// UpdateChildPhaseStatus sets the status column of one phase and moves the
// child's current phase to it.
func (s *PostgresFlowStore) UpdateChildPhaseStatus(ctx context.Context, flowType models.FlowType, flowID string, t models.Tenant, phase, status string) (*models.ChildFlowRecord, error) {
	table, err := childTable(flowType)
	if err != nil {
		return nil, flowerr.Validation(flowerr.CodeInvalidFlowType, err.Error())
	}
	if !slices.Contains(models.Phases(flowType), phase) {
		return nil, flowerr.Validationf(flowerr.CodeInvalidPhase, "phase %q is not part of %s flows", phase, flowType)
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET %s = $1, current_phase = $2, updated_at = clock_timestamp()
		WHERE flow_id = $3 AND client_account_id = $4 AND engagement_id = $5
		RETURNING %s`, table, phaseColumn(phase), childColumns(flowType)),
		status, phase, flowID, t.ClientAccountID, t.EngagementID)

	child, err := scanChild(row, flowType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flowerr.NotFound(flowID)
		}
		return nil, flowerr.Storage("update child phase", err)
	}
	return child, nil
}

func scanChild(row pgx.Row, flowType models.FlowType) (*models.ChildFlowRecord, error) {
	var c models.ChildFlowRecord
	var status string
	var payload []byte

	phases := models.Phases(flowType)
	phaseValues := make([]string, len(phases))

	dest := []any{
		&c.ID, &c.FlowID, &c.MasterFlowID, &c.ClientAccountID, &c.EngagementID,
		&status, &c.CurrentPhase, &payload, &c.CreatedAt, &c.UpdatedAt,
	}
	for i := range phaseValues {
		dest = append(dest, &phaseValues[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	c.FlowType = flowType
	c.Status = models.FlowStatus(status)
	c.PhaseStatus = make(map[string]string, len(phases))
	for i, p := range phases {
		c.PhaseStatus[p] = phaseValues[i]
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return nil, fmt.Errorf("decode child flow %s: %w", c.FlowID, err)
		}
	}
	return &c, nil
}
