package store

import (
	"context"
	"strings"
	"sync"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// MemoryStore keeps runs and reports in process memory. It is used when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*schemas.AssessmentRun
	reports  map[string]*schemas.Report
	findings map[string][]schemas.GapFinding
	tasks    map[string][]schemas.RemediationTask
}

var _ schemas.RunStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*schemas.AssessmentRun),
		reports:  make(map[string]*schemas.Report),
		findings: make(map[string][]schemas.GapFinding),
		tasks:    make(map[string][]schemas.RemediationTask),
	}
}

func (m *MemoryStore) SaveRun(_ context.Context, run *schemas.AssessmentRun) error {
	c := run.Clone()
	c.Report = nil
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = c
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*schemas.AssessmentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(runID)
}

func (m *MemoryStore) loadLocked(runID string) (*schemas.AssessmentRun, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, schemas.ErrRunNotFound
	}
	c := run.Clone()
	c.Report = m.reports[runID]
	return c, nil
}

func (m *MemoryStore) SaveReport(_ context.Context, report *schemas.Report) error {
	c := *report
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.RunID] = &c
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, runID string) (*schemas.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.reports[runID]
	if !ok {
		return nil, schemas.ErrRunNotFound
	}
	c := *rep
	return &c, nil
}

func (m *MemoryStore) GetLatestCompletedRun(_ context.Context, projectID, framework, excludeRunID string) (*schemas.AssessmentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *schemas.AssessmentRun
	for id, run := range m.runs {
		if id == excludeRunID || run.ProjectID != projectID || !strings.EqualFold(run.Framework, framework) ||
			run.Status != schemas.StatusCompleted {
			continue
		}
		if latest == nil || run.CompletedAt.After(latest.CompletedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, schemas.ErrRunNotFound
	}
	return m.loadLocked(latest.ID)
}

func (m *MemoryStore) SaveFindings(_ context.Context, runID string, findings []schemas.GapFinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[runID] = append([]schemas.GapFinding(nil), findings...)
	return nil
}

func (m *MemoryStore) SaveTasks(_ context.Context, runID string, tasks []schemas.RemediationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[runID] = append([]schemas.RemediationTask(nil), tasks...)
	return nil
}

// Findings returns the findings saved for a run.
func (m *MemoryStore) Findings(runID string) []schemas.GapFinding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schemas.GapFinding(nil), m.findings[runID]...)
}

// Tasks returns the remediation tasks saved for a run.
func (m *MemoryStore) Tasks(runID string) []schemas.RemediationTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schemas.RemediationTask(nil), m.tasks[runID]...)
}
