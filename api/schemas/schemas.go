package schemas

import (
	"encoding/json"
	"time"
)

// -- Assessment Run Schemas --

// ToolCallStatus is the outcome of a single tool invocation.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCallRecord is the audit entry for one tool invocation. Records are
// produced for failures as well as successes and are never discarded.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	UserID    string         `json:"user_id"`
	Params    map[string]any `json:"params,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Duration  time.Duration  `json:"duration"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// PayloadKind tags the variant carried by an ExtractionPayload.
type PayloadKind string

const (
	PayloadCode          PayloadKind = "code"
	PayloadCloud         PayloadKind = "cloud"
	PayloadTicketing     PayloadKind = "ticketing"
	PayloadCommunication PayloadKind = "communication"
	PayloadGeneric       PayloadKind = "generic"
)

// EvidenceDocument is one normalized unit of extracted evidence, usually the
// output of a single tool call. Structured is only set when the tool returned
// valid JSON.
type EvidenceDocument struct {
	Tool       string          `json:"tool"`
	Title      string          `json:"title,omitempty"`
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// ExtractionPayload is the validated, tagged payload pulled from a source.
type ExtractionPayload struct {
	Kind      PayloadKind        `json:"kind"`
	Documents []EvidenceDocument `json:"documents"`
}

// ExtractionResult is the outcome of querying one data source for one run.
// Failed sources are recorded with Error set rather than dropped.
type ExtractionResult struct {
	Source    string            `json:"source"`
	Category  SourceCategory    `json:"category"`
	Payload   ExtractionPayload `json:"payload"`
	ToolCalls []ToolCallRecord  `json:"tool_calls"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Succeeded reports whether the source was extracted without error.
func (r ExtractionResult) Succeeded() bool { return r.Error == "" }

// AssessmentPlan is produced by the planning phase.
type AssessmentPlan struct {
	FocusAreas      []string `json:"focusAreas"`
	DataSources     []string `json:"dataSources"`
	SuccessCriteria []string `json:"successCriteria"`
	// Requirements optionally narrows the in-scope requirement codes.
	Requirements []string `json:"requirements,omitempty"`
}

// RequirementAnalysis captures what the pipeline concluded for one requirement.
type RequirementAnalysis struct {
	RequirementCode  string            `json:"requirement_code"`
	RequirementTitle string            `json:"requirement_title"`
	Category         string            `json:"category"`
	Assessed         bool              `json:"assessed"`
	IsCompliant      bool              `json:"is_compliant"`
	HasGap           bool              `json:"has_gap"`
	Severity         Severity          `json:"severity,omitempty"`
	RetrievedChunks  int               `json:"retrieved_chunks"`
	FinalQuery       string            `json:"final_query,omitempty"`
	Iterations       int               `json:"iterations"`
	Citations        []string          `json:"citations,omitempty"`
	Finding          *GapFinding       `json:"finding,omitempty"`
	Tasks            []RemediationTask `json:"tasks,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// AssessmentRun is one execution of the pipeline for a (project, framework)
// pair. It is owned by the orchestrator running it; everyone else sees clones.
type AssessmentRun struct {
	ID                string                `json:"id"`
	ProjectID         string                `json:"project_id"`
	Framework         string                `json:"framework"`
	UserID            string                `json:"user_id"`
	Phase             Phase                 `json:"phase"`
	Status            RunStatus             `json:"status"`
	Steps             []string              `json:"steps"`
	Errors            []string              `json:"errors"`
	Plan              *AssessmentPlan       `json:"plan,omitempty"`
	ExtractionResults []ExtractionResult    `json:"extraction_results"`
	Analyses          []RequirementAnalysis `json:"analyses"`
	Report            *Report               `json:"report,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	CompletedAt       time.Time             `json:"completed_at,omitempty"`
}

// ToolCalls flattens the tool call records across all extraction results.
func (r *AssessmentRun) ToolCalls() []ToolCallRecord {
	var calls []ToolCallRecord
	for _, er := range r.ExtractionResults {
		calls = append(calls, er.ToolCalls...)
	}
	return calls
}

// Clone returns a copy whose slices can be read while the original is mutated.
// The report is shared since it is immutable once assembled.
func (r *AssessmentRun) Clone() *AssessmentRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = append([]string(nil), r.Steps...)
	c.Errors = append([]string(nil), r.Errors...)
	c.ExtractionResults = append([]ExtractionResult(nil), r.ExtractionResults...)
	c.Analyses = append([]RequirementAnalysis(nil), r.Analyses...)
	if r.Plan != nil {
		p := *r.Plan
		c.Plan = &p
	}
	return &c
}

// -- Report Schemas --

// ComplianceScore holds percentages in the range [0, 100].
type ComplianceScore struct {
	Overall    int            `json:"overall"`
	ByCategory map[string]int `json:"by_category"`
}

// ReportSection is a detailed narrative section of the report.
type ReportSection struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Citations []string `json:"citations,omitempty"`
}

// Comparison diffs a run against a prior run for the same project/framework.
type Comparison struct {
	PreviousRunID      string   `json:"previous_run_id"`
	NewFindings        []string `json:"new_findings"`
	ResolvedFindings   []string `json:"resolved_findings"`
	PersistingFindings []string `json:"persisting_findings"`
	ScoreDelta         int      `json:"score_delta"`
	// ChangedSources and UnchangedSources cover sources extracted
	// successfully in both runs. Both are empty when the previous run's
	// evidence is unavailable.
	ChangedSources   []string `json:"changed_sources,omitempty"`
	UnchangedSources []string `json:"unchanged_sources,omitempty"`
}

// Report is the structured outcome of a completed run.
type Report struct {
	RunID            string            `json:"run_id"`
	ProjectID        string            `json:"project_id"`
	Framework        string            `json:"framework"`
	Title            string            `json:"title"`
	GeneratedAt      time.Time         `json:"generated_at"`
	DataSources      []string          `json:"data_sources"`
	ExecutiveSummary string            `json:"executive_summary"`
	ComplianceScore  ComplianceScore   `json:"compliance_score"`
	Findings         []GapFinding      `json:"findings"`
	Tasks            []RemediationTask `json:"tasks"`
	Sections         []ReportSection   `json:"sections"`
	Comparison       *Comparison       `json:"comparison,omitempty"`
}

// -- Progress Schemas --

// EventType discriminates progress events.
type EventType string

const (
	EventStep     EventType = "step"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// ProgressSnapshot is the view of a run handed to progress listeners.
type ProgressSnapshot struct {
	CurrentStep       string             `json:"currentStep"`
	Status            RunStatus          `json:"status"`
	ExtractionResults []ExtractionResult `json:"extractionResults"`
	Errors            []string           `json:"errors"`
	ToolCalls         []ToolCallRecord   `json:"toolCalls"`
}

// ProgressEvent is a tagged event emitted directly by the step that produced
// it. Phase and Source identify the producer; no inference from text.
type ProgressEvent struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	Seq       int              `json:"seq"`
	Type      EventType        `json:"type"`
	Phase     Phase            `json:"phase"`
	Source    string           `json:"source,omitempty"`
	Step      string           `json:"step"`
	Timestamp time.Time        `json:"timestamp"`
	Snapshot  ProgressSnapshot `json:"snapshot"`
}
