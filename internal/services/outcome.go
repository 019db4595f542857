package services

import "migration-flows/backend/pkg/models"

// WriteClass tells the mutation engine how to treat a lost race.
type WriteClass string

const (
	// Authoritative writes surface conflicts to the caller.
	Authoritative WriteClass = "authoritative"
	// BestEffort writes are gated by the enrichment flag and swallow
	// conflicts.
	BestEffort WriteClass = "best_effort"
)

// WriteOutcome reports what a mutation did.
type WriteOutcome string

const (
	OutcomeApplied  WriteOutcome = "applied"
	OutcomeSkipped  WriteOutcome = "skipped"  // record missing or owned by another tenant
	OutcomeDisabled WriteOutcome = "disabled" // enrichment switched off
	OutcomeConflict WriteOutcome = "conflict" // best-effort write lost a race
	OutcomeDropped  WriteOutcome = "dropped"  // payload filtered out before storage
)

// MutationResult is returned by every mutating coordinator call. Flow is
// set only when the write was applied.
type MutationResult struct {
	Outcome WriteOutcome             `json:"outcome"`
	Flow    *models.MasterFlowRecord `json:"flow,omitempty"`
}

// Applied reports whether the record was written.
func (r *MutationResult) Applied() bool {
	return r != nil && r.Outcome == OutcomeApplied
}
