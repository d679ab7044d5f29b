package schemas

import (
	"strconv"
	"time"
)

// -- Finding Schemas --

// EvidenceType categorizes an evidence item attached to a finding.
type EvidenceType string

const (
	EvidenceCode       EvidenceType = "code"
	EvidenceConfig     EvidenceType = "config"
	EvidenceDoc        EvidenceType = "document"
	EvidenceTicket     EvidenceType = "ticket"
	EvidenceToolOutput EvidenceType = "tool_output"
	EvidenceRegulation EvidenceType = "regulation"
)

// Evidence is one piece of proof supporting (or contradicting) a finding.
type Evidence struct {
	Type       EvidenceType `json:"type"`
	Source     string       `json:"source"`
	FilePath   string       `json:"file_path,omitempty"`
	LineNumber int          `json:"line_number,omitempty"`
	Content    string       `json:"content"`
	URL        string       `json:"url,omitempty"`
}

// Citation renders a short human-readable reference for the evidence.
func (e Evidence) Citation() string {
	switch {
	case e.URL != "":
		return e.URL
	case e.FilePath != "" && e.LineNumber > 0:
		return e.FilePath + ":" + strconv.Itoa(e.LineNumber)
	case e.FilePath != "":
		return e.FilePath
	default:
		return e.Source
	}
}

// GapFinding is a detected shortfall where evidence does not satisfy a
// requirement. It is immutable once emitted into a report.
type GapFinding struct {
	ID               string     `json:"id"`
	RunID            string     `json:"run_id"`
	RequirementCode  string     `json:"requirement_code"`
	RequirementTitle string     `json:"requirement_title,omitempty"`
	Category         string     `json:"category,omitempty"`
	Severity         Severity   `json:"severity"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Evidence         []Evidence `json:"evidence"`
	Recommendation   string     `json:"recommendation,omitempty"`
	Confidence       float64    `json:"confidence,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TaskPriority orders remediation work.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// RemediationTask is an actionable step tied to a finding.
type RemediationTask struct {
	ID              string       `json:"id"`
	FindingID       string       `json:"finding_id"`
	RequirementCode string       `json:"requirement_code"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Priority        TaskPriority `json:"priority"`
	EstimatedEffort string       `json:"estimated_effort,omitempty"`
	// ExternalRef is owned by the ticket sync collaborator.
	ExternalRef string `json:"external_ref,omitempty"`
}
