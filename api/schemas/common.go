package schemas

import "strings"

// -- Common Schemas --

// Severity represents the severity level of a compliance gap. The values are
// lowercase to align with database ENUMs and the LLM response contract.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity normalizes a free-form severity string. Unknown values map to
// medium so a finding is never dropped on a cosmetic mismatch.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities for sorting; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// RunStatus is the lifecycle status of an AssessmentRun.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase identifies a step of the assessment pipeline. Phases only move forward.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhasePlanning    Phase = "planning"
	PhaseExtraction  Phase = "extraction"
	PhaseRetrieval   Phase = "retrieval"
	PhaseGapAnalysis Phase = "gap_analysis"
	PhaseRemediation Phase = "remediation"
	PhaseReport      Phase = "report"
	PhaseComparison  Phase = "comparison"
	PhaseDone        Phase = "done"
)

var phaseOrder = map[Phase]int{
	PhasePending:     0,
	PhasePlanning:    1,
	PhaseExtraction:  2,
	PhaseRetrieval:   3,
	PhaseGapAnalysis: 4,
	PhaseRemediation: 5,
	PhaseReport:      6,
	PhaseComparison:  7,
	PhaseDone:        8,
}

// Order returns the position of the phase in the pipeline, or -1 if unknown.
func (p Phase) Order() int {
	if o, ok := phaseOrder[p]; ok {
		return o
	}
	return -1
}

// SourceCategory groups data sources by the kind of evidence they provide.
type SourceCategory string

const (
	CategoryCode          SourceCategory = "code"
	CategoryCloud         SourceCategory = "cloud"
	CategoryTicketing     SourceCategory = "ticketing"
	CategoryCommunication SourceCategory = "communication"
	CategoryIdentity      SourceCategory = "identity"
	CategoryDocumentation SourceCategory = "documentation"
)
