package models

import "slices"

// FlowType tags the phase family of a flow.
type FlowType string

const (
	FlowTypeDiscovery    FlowType = "discovery"
	FlowTypeAssessment   FlowType = "assessment"
	FlowTypePlanning     FlowType = "planning"
	FlowTypeDecommission FlowType = "decommission"
	FlowTypeCollection   FlowType = "collection"
)

// FlowStatus is the lifecycle status of a master or child flow.
type FlowStatus string

const (
	StatusInitialized     FlowStatus = "initialized"
	StatusRunning         FlowStatus = "running"
	StatusPaused          FlowStatus = "paused"
	StatusWaitingForInput FlowStatus = "waiting_for_input"
	StatusCompleted       FlowStatus = "completed"
	StatusFailed          FlowStatus = "failed"
	StatusCancelled       FlowStatus = "cancelled"
)

// Pseudo phases bracketing every domain sequence.
const (
	PhaseInitialized = "initialized"
	PhaseCompleted   = "completed"
)

var phaseSequences = map[FlowType][]string{
	FlowTypeDiscovery: {
		"data_import", "field_mapping", "data_cleansing",
		"asset_inventory", "dependency_analysis", "tech_debt_assessment",
	},
	FlowTypeAssessment: {
		"architecture_minimums", "tech_debt_analysis", "component_sixr_strategies",
		"app_on_page_generation", "finalization",
	},
	FlowTypePlanning: {
		"wave_planning", "dependency_sequencing", "resource_allocation", "timeline_generation",
	},
	FlowTypeDecommission: {
		"decommission_planning", "data_migration", "system_shutdown",
	},
	FlowTypeCollection: {
		"platform_detection", "automated_collection", "gap_analysis",
		"questionnaire_generation", "manual_collection", "data_validation", "finalization",
	},
}

// AllFlowTypes returns the known flow types in a stable order.
func AllFlowTypes() []FlowType {
	return []FlowType{
		FlowTypeDiscovery, FlowTypeAssessment, FlowTypePlanning,
		FlowTypeDecommission, FlowTypeCollection,
	}
}

// ValidFlowType checks if a flow type has a phase sequence.
func ValidFlowType(t FlowType) bool {
	_, ok := phaseSequences[t]
	return ok
}

// Phases returns a copy of the domain phase sequence for a flow type.
func Phases(t FlowType) []string {
	return slices.Clone(phaseSequences[t])
}

// KnownPhase reports whether phase belongs to the flow type, counting the
// initialized/completed brackets.
func KnownPhase(t FlowType, phase string) bool {
	if !ValidFlowType(t) {
		return false
	}
	if phase == PhaseInitialized || phase == PhaseCompleted {
		return true
	}
	return slices.Contains(phaseSequences[t], phase)
}

// NextPhase returns the phase following current, or "" when current is
// already completed or unknown.
func NextPhase(t FlowType, current string) string {
	seq, ok := phaseSequences[t]
	if !ok || len(seq) == 0 {
		return ""
	}
	if current == PhaseInitialized || current == "" {
		return seq[0]
	}
	i := slices.Index(seq, current)
	switch {
	case i < 0:
		return ""
	case i == len(seq)-1:
		return PhaseCompleted
	default:
		return seq[i+1]
	}
}

// CanTransitionPhase reports whether moving from current to target keeps
// the flow on its domain sequence: re-entering the current phase or
// advancing exactly one step.
func CanTransitionPhase(t FlowType, current, target string) bool {
	if current == "" {
		current = PhaseInitialized
	}
	if !KnownPhase(t, target) || !KnownPhase(t, current) {
		return false
	}
	if target == current {
		return true
	}
	return NextPhase(t, current) == target
}

// ValidStatus checks if a status string is one of the lifecycle statuses.
func ValidStatus(s FlowStatus) bool {
	switch s {
	case StatusInitialized, StatusRunning, StatusPaused, StatusWaitingForInput,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalStatuses returns the statuses a flow never leaves.
func TerminalStatuses() []FlowStatus {
	return []FlowStatus{StatusCompleted, StatusFailed, StatusCancelled}
}

// IsTerminal reports whether s ends the flow lifecycle.
func (s FlowStatus) IsTerminal() bool {
	return slices.Contains(TerminalStatuses(), s)
}

// CanTransitionStatus reports whether a flow may move from one status to
// another. Terminal statuses are final and nothing moves back to initialized.
func CanTransitionStatus(from, to FlowStatus) bool {
	if !ValidStatus(to) || from.IsTerminal() {
		return false
	}
	if to == StatusInitialized {
		return from == StatusInitialized
	}
	return true
}
