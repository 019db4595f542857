// Package models defines the domain models for the master flow coordinator
package models

import (
	"time"
)

// Caps applied to the bounded logs on the master record.
const (
	MaxPhaseTransitions  = 200
	MaxCollaborationLog  = 100
	MaxErrorHistory      = 100
	DefaultPageSize      = 50
	MaxPageSize          = 1000
	DefaultMaxPayloadLen = 64 * 1024
)

// MasterFlowRecord is the single coordinating record of a workflow instance.
type MasterFlowRecord struct {
	ID                      string                 `json:"id"`
	FlowID                  string                 `json:"flow_id"`
	ClientAccountID         string                 `json:"client_account_id"`
	EngagementID            string                 `json:"engagement_id"`
	FlowType                FlowType               `json:"flow_type"`
	FlowName                string                 `json:"flow_name,omitempty"`
	FlowStatus              FlowStatus             `json:"flow_status"`
	CurrentPhase            string                 `json:"current_phase"`
	PhaseFlowID             string                 `json:"phase_flow_id,omitempty"` // weak reference, lookup only
	FlowConfiguration       map[string]interface{} `json:"flow_configuration"`
	InitialState            map[string]interface{} `json:"initial_state"`
	FlowMetadata            map[string]interface{} `json:"flow_metadata"`
	CrossPhaseContext       map[string]interface{} `json:"cross_phase_context"`
	PhaseTransitions        []PhaseTransition      `json:"phase_transitions"`
	AgentCollaborationLog   []LogEntry             `json:"agent_collaboration_log"`
	ErrorHistory            []ErrorEntry           `json:"error_history"`
	RetryCount              int                    `json:"retry_count"`
	MemoryUsageMetrics      map[string]interface{} `json:"memory_usage_metrics"`
	AgentPerformanceMetrics map[string]interface{} `json:"agent_performance_metrics"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// Tenant returns the tenant pair stamped on the record.
func (r *MasterFlowRecord) Tenant() Tenant {
	return Tenant{ClientAccountID: r.ClientAccountID, EngagementID: r.EngagementID}
}

// PhaseTransition is one entry of the phase_transitions log.
type PhaseTransition struct {
	Phase     string                 `json:"phase"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ErrorEntry is one entry of the error_history log.
type ErrorEntry struct {
	Phase      string                 `json:"phase"`
	Error      string                 `json:"error"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryCount int                    `json:"retry_count"`
	Timestamp  time.Time              `json:"timestamp"`
}

// LogEntry is an opaque agent-supplied collaboration log entry.
type LogEntry map[string]interface{}

// FlowUpdate carries the new column values computed by a mutation. Nil
// fields are left untouched; non-nil fields replace the stored value.
type FlowUpdate struct {
	FlowStatus              *FlowStatus
	CurrentPhase            *string
	PhaseFlowID             *string
	FlowMetadata            map[string]interface{}
	CrossPhaseContext       map[string]interface{}
	PhaseTransitions        []PhaseTransition
	AgentCollaborationLog   []LogEntry
	ErrorHistory            []ErrorEntry
	RetryCount              *int
	MemoryUsageMetrics      map[string]interface{}
	AgentPerformanceMetrics map[string]interface{}
}

// IsEmpty reports whether the update changes nothing.
func (u *FlowUpdate) IsEmpty() bool {
	return u == nil || (u.FlowStatus == nil && u.CurrentPhase == nil && u.PhaseFlowID == nil &&
		u.FlowMetadata == nil && u.CrossPhaseContext == nil && u.PhaseTransitions == nil &&
		u.AgentCollaborationLog == nil && u.ErrorHistory == nil && u.RetryCount == nil &&
		u.MemoryUsageMetrics == nil && u.AgentPerformanceMetrics == nil)
}

// FlowFilter narrows tenant-scoped listings. Zero values mean "any".
type FlowFilter struct {
	FlowType   FlowType
	FlowStatus FlowStatus
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Normalized clamps pagination to sane bounds.
func (f FlowFilter) Normalized() FlowFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// FlowCount is one row of the dashboard summary.
type FlowCount struct {
	FlowType   FlowType   `json:"flow_type"`
	FlowStatus FlowStatus `json:"flow_status"`
	Count      int        `json:"count"`
}

// FlowSummary aggregates flow counts for a tenant.
type FlowSummary struct {
	Total    int                `json:"total"`
	Active   int                `json:"active"`
	ByType   map[FlowType]int   `json:"by_type"`
	ByStatus map[FlowStatus]int `json:"by_status"`
	Counts   []FlowCount        `json:"counts"`
}

// ChildFlowRecord is the per-phase-family record linked to a master flow.
type ChildFlowRecord struct {
	ID              string                 `json:"id"`
	FlowID          string                 `json:"flow_id"`
	MasterFlowID    string                 `json:"master_flow_id"`
	ClientAccountID string                 `json:"client_account_id"`
	EngagementID    string                 `json:"engagement_id"`
	FlowType        FlowType               `json:"flow_type"`
	Status          FlowStatus             `json:"status"`
	CurrentPhase    string                 `json:"current_phase"`
	PhaseStatus     map[string]string      `json:"phase_status"`
	Payload         map[string]interface{} `json:"payload"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Tenant returns the tenant pair stamped on the child record.
func (c *ChildFlowRecord) Tenant() Tenant {
	return Tenant{ClientAccountID: c.ClientAccountID, EngagementID: c.EngagementID}
}
