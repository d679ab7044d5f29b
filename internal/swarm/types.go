package swarm

import (
	"context"
	"errors"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/rag"
)

var (
	// ErrMissingRequiredSource is returned by Start when the framework needs a
	// source category that no active source provides.
	ErrMissingRequiredSource = errors.New("missing required data source")
	// ErrUnknownFramework is returned by Start for an unsupported framework.
	ErrUnknownFramework = errors.New("unknown framework")
	// ErrPlanningFailed marks a run that could not produce a valid plan.
	ErrPlanningFailed = errors.New("assessment planning failed")
)

// cancelledMessage is the error recorded on a run that was cancelled.
const cancelledMessage = "run cancelled"

// DataSource is one source the caller connected for the assessment.
type DataSource struct {
	// Name selects the source profile (github, aws, jira, ...).
	Name   string `json:"name"`
	Active bool   `json:"active"`
	// Config carries source parameters such as owner/repo or project id.
	Config      map[string]string   `json:"config,omitempty"`
	Credentials schemas.Credentials `json:"-"`
}

// ProgressFunc receives progress events. It is called from a separate
// goroutine and must return within the configured callback timeout.
type ProgressFunc func(schemas.ProgressEvent)

// AssessmentRequest starts a run.
type AssessmentRequest struct {
	ProjectID     string
	Framework     string
	UserID        string
	Sources       []DataSource
	PreviousRunID string
	// Requirements optionally restricts the run to these requirement codes.
	Requirements []string
	OnProgress   ProgressFunc
}

// Retriever is the retrieval collaborator used during gap analysis.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts rag.RetrieveOptions) (*rag.Result, error)
	HybridSearch(ctx context.Context, query string, k int, filters *schemas.SearchFilters) ([]schemas.ScoredChunk, error)
}

// FindingStore is implemented by run stores that also persist findings and
// tasks as individual rows.
type FindingStore interface {
	SaveFindings(ctx context.Context, runID string, findings []schemas.GapFinding) error
	SaveTasks(ctx context.Context, runID string, tasks []schemas.RemediationTask) error
}
