package repository

import (
	"context"
	"fmt"
	"strings"

	"migration-flows/backend/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaLockID serializes concurrent schema bootstraps across replicas.
const schemaLockID = 727_001

const masterSchema = `
CREATE TABLE IF NOT EXISTS master_flows (
	id UUID PRIMARY KEY,
	flow_id TEXT NOT NULL UNIQUE,
	client_account_id UUID NOT NULL,
	engagement_id UUID NOT NULL,
	flow_type TEXT NOT NULL,
	flow_name TEXT NOT NULL DEFAULT '',
	flow_status TEXT NOT NULL DEFAULT 'initialized',
	current_phase TEXT NOT NULL DEFAULT 'initialized',
	phase_flow_id TEXT NOT NULL DEFAULT '',
	flow_configuration JSONB NOT NULL DEFAULT '{}',
	initial_state JSONB NOT NULL DEFAULT '{}',
	flow_metadata JSONB NOT NULL DEFAULT '{}',
	cross_phase_context JSONB NOT NULL DEFAULT '{}',
	phase_transitions JSONB NOT NULL DEFAULT '[]',
	agent_collaboration_log JSONB NOT NULL DEFAULT '[]',
	error_history JSONB NOT NULL DEFAULT '[]',
	retry_count INT NOT NULL DEFAULT 0,
	memory_usage_metrics JSONB NOT NULL DEFAULT '{}',
	agent_performance_metrics JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
)`

var masterIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_master_flows_tenant_type ON master_flows (client_account_id, engagement_id, flow_type)`,
	`CREATE INDEX IF NOT EXISTS idx_master_flows_tenant_status ON master_flows (client_account_id, engagement_id, flow_status)`,
	`CREATE INDEX IF NOT EXISTS idx_master_flows_tenant_created ON master_flows (client_account_id, engagement_id, created_at DESC)`,
}

// childTable returns the table holding child flows of type t.
func childTable(t models.FlowType) (string, error) {
	if !models.ValidFlowType(t) {
		return "", fmt.Errorf("unknown flow type %q", t)
	}
	return string(t) + "_flows", nil
}

// phaseColumn returns the per-phase status column of a child table.
func phaseColumn(phase string) string {
	return phase + "_status"
}

func childSchema(t models.FlowType) []string {
	table, _ := childTable(t)

	var cols strings.Builder
	for _, p := range models.Phases(t) {
		fmt.Fprintf(&cols, "\t%s TEXT NOT NULL DEFAULT 'pending',\n", phaseColumn(p))
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	flow_id TEXT NOT NULL UNIQUE,
	master_flow_id TEXT NOT NULL REFERENCES master_flows(flow_id) ON DELETE CASCADE,
	client_account_id UUID NOT NULL,
	engagement_id UUID NOT NULL,
	status TEXT NOT NULL DEFAULT 'initialized',
	current_phase TEXT NOT NULL DEFAULT 'initialized',
%s	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
)`, table, cols.String()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_master ON %s (master_flow_id)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s (client_account_id, engagement_id)`, table, table),
	}
}

// SchemaStatements returns the DDL for the master table and every child
// table, in dependency order.
func SchemaStatements() []string {
	stmts := append([]string{masterSchema}, masterIndexes...)
	for _, t := range models.AllFlowTypes() {
		stmts = append(stmts, childSchema(t)...)
	}
	return stmts
}

// Migrate creates the tables if they do not exist. It holds a session
// advisory lock so replicas starting together do not race.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockID)
	}()

	for _, stmt := range SchemaStatements() {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
