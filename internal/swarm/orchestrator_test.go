package swarm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/embedding"
	"github.com/xkilldash9x/compliance-swarm/internal/rag"
	"github.com/xkilldash9x/compliance-swarm/internal/store"
	"github.com/xkilldash9x/compliance-swarm/internal/vectorstore"
)

// -- Test Doubles --

const (
	defaultPlanJSON = `{"focusAreas": ["access control", "change management"], "dataSources": [], "successCriteria": ["every requirement has evidence"]}`
	compliantJSON   = `{"isCompliant": true, "hasGap": false, "confidence": 0.9}`
	remediationJSON = `{"tasks": [
		{"title": "Write the control", "description": "Document and implement the missing control.", "priority": "high", "estimatedEffort": "2d"},
		{"title": "Collect evidence", "description": "Capture evidence for the next audit.", "priority": "later"}
	]}`
)

func gapJSON(severity, title string) string {
	return fmt.Sprintf(`{"isCompliant": false, "hasGap": true, "severity": %q, "title": %q,
		"description": "The collected evidence shows the control is not in place.",
		"evidence": [{"source": "github", "type": "config", "filePath": "github/get_repository_security", "content": "required_reviews: 0"}],
		"recommendation": "Put the control in place.", "confidence": 0.8}`, severity, title)
}

var requirementLine = regexp.MustCompile(`Requirement: (\S+)`)

// scriptedLLM answers each agent by its system prompt. Gap analysis answers
// are looked up by requirement code and default to compliant.
type scriptedLLM struct {
	mu      sync.Mutex
	plan    string
	planErr error
	gaps    map[string]string
	summary string
	calls   map[string]int
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{plan: defaultPlanJSON, gaps: map[string]string{}, calls: map[string]int{}}
}

func (l *scriptedLLM) setGaps(gaps map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gaps = gaps
}

func (l *scriptedLLM) callCount(systemPrompt string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[systemPrompt]
}

func (l *scriptedLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[req.SystemPrompt]++

	switch req.SystemPrompt {
	case planningSystemPrompt:
		return l.plan, l.planErr
	case gapSystemPrompt:
		m := requirementLine.FindStringSubmatch(req.UserPrompt)
		if m == nil {
			return "", errors.New("no requirement in prompt")
		}
		if resp, ok := l.gaps[m[1]]; ok {
			return resp, nil
		}
		return compliantJSON, nil
	case remediationSystemPrompt:
		return remediationJSON, nil
	case summarySystemPrompt:
		return l.summary, nil
	default:
		// Query refinement: keep the current query.
		return `{"refinedQuery": ""}`, nil
	}
}

func (l *scriptedLLM) Close() error { return nil }

// fakeTools returns canned JSON for every tool call.
type fakeTools struct {
	mu           sync.Mutex
	failConnect  map[schemas.ServerID]error
	blockConnect bool
	connecting   chan struct{}
	connectOnce  sync.Once
	scopes       []schemas.UserScope
	calls        []string
	disconnects  []string
	mfaEnforced  map[schemas.ServerID]bool
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		failConnect: map[schemas.ServerID]error{},
		connecting:  make(chan struct{}),
		mfaEnforced: map[schemas.ServerID]bool{},
	}
}

func (f *fakeTools) Connect(ctx context.Context, server schemas.ServerID, _ schemas.Credentials, scope schemas.UserScope) error {
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	err := f.failConnect[server]
	block := f.blockConnect
	f.mu.Unlock()

	if block {
		f.connectOnce.Do(func() { close(f.connecting) })
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeTools) ListTools(context.Context, schemas.ServerID, schemas.UserScope) ([]schemas.ToolDescriptor, error) {
	return nil, nil
}

func (f *fakeTools) CallTool(_ context.Context, server schemas.ServerID, tool string, args map[string]any, scope schemas.UserScope) (schemas.ToolCallRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, string(server)+"/"+tool)
	mfa := f.mfaEnforced[server]
	f.mu.Unlock()

	return schemas.ToolCallRecord{
		ID:     uuid.NewString(),
		Server: string(server),
		Tool:   tool,
		UserID: scope.UserID,
		Params: args,
		Status: schemas.ToolCallSuccess,
		Result: fmt.Sprintf(`{"server": %q, "tool": %q, "fetched_at": %q, "mfa_enforced": %t, "required_reviews": 0}`,
			server, tool, time.Now().UTC().Format(time.RFC3339Nano), mfa),
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeTools) Disconnect(server schemas.ServerID, scope schemas.UserScope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, string(server)+"@"+scope.SessionID)
	return nil
}

func (f *fakeTools) Close() error { return nil }

func (f *fakeTools) disconnected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

// -- Harness --

type harness struct {
	llm     *scriptedLLM
	tools   *fakeTools
	store   *store.MemoryStore
	backend *vectorstore.MemoryBackend
	bus     *ProgressBus
	orch    *Orchestrator
}

func newHarness(t *testing.T, logger *zap.Logger, configure func(*config.SwarmConfig)) *harness {
	t.Helper()
	h := &harness{
		llm:     newScriptedLLM(),
		tools:   newFakeTools(),
		store:   store.NewMemoryStore(),
		backend: vectorstore.NewMemoryBackend(),
		bus:     NewProgressBus(logger, 4096),
	}
	vs := vectorstore.New(h.backend, embedding.NewHashingEmbedder(64), config.VectorStoreConfig{
		MinSimilarity:         0.05,
		FilteredMinSimilarity: 0.05,
	}, logger)

	cfg := config.SwarmConfig{
		ExtractionConcurrency: 4,
		AnalysisConcurrency:   4,
		CallbackTimeout:       time.Second,
		IndexEvidence:         true,
	}
	if configure != nil {
		configure(&cfg)
	}

	orch, err := New(Deps{
		LLM:       h.llm,
		Tools:     h.tools,
		Retriever: rag.New(vs, h.llm, config.RAGConfig{}, logger),
		Store:     h.store,
		Vectors:   vs,
		Bus:       h.bus,
	}, cfg, logger)
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(h.bus.Shutdown)
	return h
}

func soc2Sources(extra ...DataSource) []DataSource {
	return append([]DataSource{
		{Name: "github", Active: true, Config: map[string]string{"owner": "acme", "repo": "api"}},
		{Name: "aws", Active: true},
	}, extra...)
}

func soc2Request(extra ...DataSource) AssessmentRequest {
	return AssessmentRequest{
		ProjectID: "proj-1",
		Framework: "soc2",
		UserID:    "user-1",
		Sources:   soc2Sources(extra...),
	}
}

func runWithTimeout(t *testing.T, o *Orchestrator, req AssessmentRequest) *schemas.AssessmentRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := o.Run(ctx, req)
	require.NoError(t, err)
	return run
}

func hasEntry(entries []string, substr string) bool {
	for _, e := range entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// -- Test Cases --

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, config.SwarmConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestStart_Preconditions(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)

	tests := []struct {
		name    string
		mutate  func(r *AssessmentRequest)
		wantIs  error
		wantMsg string
	}{
		{"missing project", func(r *AssessmentRequest) { r.ProjectID = " " }, nil, "project id is required"},
		{"missing user", func(r *AssessmentRequest) { r.UserID = "" }, nil, "user id is required"},
		{"unknown framework", func(r *AssessmentRequest) { r.Framework = "PCI-DSS" }, ErrUnknownFramework, "PCI-DSS"},
		{"only ticketing", func(r *AssessmentRequest) {
			r.Sources = []DataSource{{Name: "jira", Active: true}}
		}, ErrMissingRequiredSource, "needs an active code or cloud source"},
		{"required source inactive", func(r *AssessmentRequest) {
			r.Sources = []DataSource{{Name: "github", Active: false}, {Name: "slack", Active: true}}
		}, ErrMissingRequiredSource, ""},
		{"unknown source", func(r *AssessmentRequest) {
			r.Sources = append(r.Sources, DataSource{Name: "dropbox", Active: true})
		}, nil, `unknown data source "dropbox"`},
		{"duplicate source", func(r *AssessmentRequest) {
			r.Sources = append(r.Sources, DataSource{Name: "GitHub", Active: true})
		}, nil, "listed more than once"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := soc2Request()
			tc.mutate(&req)
			handle, err := h.orch.Start(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, handle)
			if tc.wantIs != nil {
				assert.ErrorIs(t, err, tc.wantIs)
			}
			if tc.wantMsg != "" {
				assert.Contains(t, err.Error(), tc.wantMsg)
			}
		})
	}
	assert.Zero(t, h.llm.callCount(planningSystemPrompt), "rejected requests never start a run")
}

func TestRun_SOC2EndToEnd(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.llm.summary = "Leadership summary."
	h.llm.setGaps(map[string]string{
		"CC6.1": gapJSON("high", "MFA is not enforced"),
		"CC8.1": gapJSON("critical", "Changes merge without review"),
	})

	busEvents, unsubscribe := h.bus.Subscribe("")
	defer unsubscribe()

	var (
		mu     sync.Mutex
		events []schemas.ProgressEvent
	)
	req := soc2Request()
	req.OnProgress = func(ev schemas.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	run := runWithTimeout(t, h.orch, req)

	// Run state.
	assert.Equal(t, schemas.StatusCompleted, run.Status)
	assert.Equal(t, schemas.PhaseDone, run.Phase)
	assert.Equal(t, "SOC2", run.Framework)
	assert.False(t, run.CompletedAt.IsZero())
	require.NotNil(t, run.Plan)
	assert.Equal(t, []string{"github", "aws"}, run.Plan.DataSources, "a plan naming no source selects all of them")
	require.Len(t, run.Analyses, 17)
	for _, a := range run.Analyses {
		assert.True(t, a.Assessed, a.RequirementCode)
	}
	assert.Len(t, run.ToolCalls(), 7)
	assert.True(t, hasEntry(run.Steps, "Indexed "), "extracted evidence is indexed")
	assert.Empty(t, run.Errors)

	// Report.
	report := run.Report
	require.NotNil(t, report)
	assert.Equal(t, "SOC2 Compliance Assessment Report", report.Title)
	assert.Equal(t, "Leadership summary.", report.ExecutiveSummary)
	assert.Equal(t, []string{"github", "aws"}, report.DataSources)
	assert.Equal(t, 68, report.ComplianceScore.Overall)
	assert.Equal(t, 83, report.ComplianceScore.ByCategory["Logical and Physical Access"])
	assert.Equal(t, 0, report.ComplianceScore.ByCategory["Change Management"])
	assert.Equal(t, 100, report.ComplianceScore.ByCategory["Control Environment"])
	assert.Nil(t, report.Comparison, "first run of a project has nothing to compare with")

	require.Len(t, report.Findings, 2)
	assert.Equal(t, "CC8.1", report.Findings[0].RequirementCode)
	assert.Equal(t, schemas.SeverityCritical, report.Findings[0].Severity)
	assert.Equal(t, "CC6.1", report.Findings[1].RequirementCode)
	assert.Equal(t, run.ID, report.Findings[1].RunID)
	require.NotEmpty(t, report.Findings[1].Evidence)
	assert.Equal(t, "github/get_repository_security", report.Findings[1].Evidence[0].Citation())

	require.Len(t, report.Tasks, 4)
	assert.Equal(t, "CC8.1", report.Tasks[0].RequirementCode)
	assert.Equal(t, report.Findings[0].ID, report.Tasks[0].FindingID)
	assert.Equal(t, "CC6.1", report.Tasks[3].RequirementCode)
	assert.Equal(t, schemas.PriorityMedium, report.Tasks[1].Priority, "unknown priorities default to medium")

	var cc61 schemas.RequirementAnalysis
	for _, a := range run.Analyses {
		if a.RequirementCode == "CC6.1" {
			cc61 = a
		}
	}
	assert.Positive(t, cc61.RetrievedChunks)
	assert.True(t, hasEntry(cc61.Citations, "SOC2 CC6.1"))
	assert.Equal(t, schemas.SeverityHigh, cc61.Severity)

	// Progress delivery.
	mu.Lock()
	got := append([]schemas.ProgressEvent(nil), events...)
	mu.Unlock()
	require.NotEmpty(t, got)
	for i, ev := range got {
		assert.Equal(t, i+1, ev.Seq, "events arrive in sequence order")
		assert.Equal(t, run.ID, ev.RunID)
	}
	assert.Equal(t, "Starting SOC2 assessment", got[0].Step)
	last := got[len(got)-1]
	assert.Equal(t, schemas.EventComplete, last.Type)
	assert.Equal(t, schemas.StatusCompleted, last.Snapshot.Status)

	published := 0
	for len(busEvents) > 0 {
		<-busEvents
		published++
	}
	assert.Equal(t, len(got), published, "the bus sees every event the callback sees")
	assert.Zero(t, h.bus.Dropped())

	// Persistence.
	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Report)
	assert.Equal(t, 68, stored.Report.ComplianceScore.Overall)
	assert.Len(t, h.store.Findings(run.ID), 2)
	assert.Len(t, h.store.Tasks(run.ID), 4)

	// Only the catalog remains indexed once the run's evidence is removed.
	assert.Equal(t, 17, h.backend.Len())

	h.tools.mu.Lock()
	for _, scope := range h.tools.scopes {
		assert.Equal(t, schemas.UserScope{UserID: "user-1", SessionID: run.ID}, scope)
	}
	h.tools.mu.Unlock()

	live, err := h.orch.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, live.ID)
	_, err = h.orch.Get(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, schemas.ErrRunNotFound)
	assert.False(t, h.orch.Cancel("no-such-run"))
}

func TestRun_OneSourceFails(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.tools.failConnect["jira"] = errors.New("401 unauthorized")

	req := soc2Request(DataSource{Name: "jira", Active: true})
	req.Requirements = []string{"CC6.1", "CC8.1"}
	run := runWithTimeout(t, h.orch, req)

	assert.Equal(t, schemas.StatusCompleted, run.Status)
	require.Len(t, run.ExtractionResults, 3)
	assert.Equal(t, "github", run.ExtractionResults[0].Source)
	assert.Equal(t, "aws", run.ExtractionResults[1].Source)
	assert.Equal(t, "jira", run.ExtractionResults[2].Source)
	assert.True(t, run.ExtractionResults[0].Succeeded())
	assert.True(t, run.ExtractionResults[1].Succeeded())
	assert.Equal(t, "connect failed: 401 unauthorized", run.ExtractionResults[2].Error)
	assert.True(t, hasEntry(run.Errors, "Extraction from jira failed: connect failed: 401 unauthorized"))

	require.NotNil(t, run.Report)
	assert.Equal(t, []string{"github", "aws"}, run.Report.DataSources)
	assert.Len(t, run.Analyses, 2)

	// Every session the run opened is closed; the failed connect opened none.
	assert.ElementsMatch(t, []string{"github@" + run.ID, "aws@" + run.ID}, h.tools.disconnected())
}

func TestRun_PlanOrdersButNeverDropsSources(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.llm.plan = `{"focusAreas": ["cloud access"], "dataSources": ["aws", "dropbox"], "successCriteria": ["evidence"]}`

	req := soc2Request(DataSource{Name: "jira", Active: true})
	req.Requirements = []string{"CC6.1"}
	run := runWithTimeout(t, h.orch, req)

	assert.Equal(t, schemas.StatusCompleted, run.Status)
	require.NotNil(t, run.Plan)
	assert.Equal(t, []string{"aws", "github", "jira"}, run.Plan.DataSources, "planned sources lead, the rest follow in request order")

	require.Len(t, run.ExtractionResults, 3)
	for i, want := range []string{"aws", "github", "jira"} {
		assert.Equal(t, want, run.ExtractionResults[i].Source)
		assert.True(t, run.ExtractionResults[i].Succeeded(), want)
	}
	assert.True(t, hasEntry(run.Steps, "Plan did not name connected source(s) github, jira"))
	assert.True(t, hasEntry(run.Steps, "Extracting evidence from 3 data source(s)"))
	assert.Equal(t, []string{"aws", "github", "jira"}, run.Report.DataSources)
}

func TestRun_NoEvidenceContinuesWithRegulationText(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.tools.failConnect["aws"] = errors.New("expired token")

	req := soc2Request()
	req.Sources[0].Config = map[string]string{"owner": "acme"}
	req.Requirements = []string{"CC6.1"}
	run := runWithTimeout(t, h.orch, req)

	assert.Equal(t, schemas.StatusCompleted, run.Status)
	assert.Equal(t, `missing required parameter "repo"`, run.ExtractionResults[0].Error)
	assert.Empty(t, run.ExtractionResults[0].ToolCalls)
	assert.True(t, hasEntry(run.Errors, "No data source returned evidence; continuing with regulation text only"))
	assert.False(t, hasEntry(run.Steps, "Indexed "))

	require.NotNil(t, run.Report)
	assert.Empty(t, run.Report.DataSources)
	assert.Contains(t, run.Report.ExecutiveSummary, "without evidence from any data source", "an empty LLM summary falls back")
	assert.Equal(t, 17, h.backend.Len())
}

func TestRun_MalformedGapAnalysisIsSkipped(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.llm.setGaps(map[string]string{"CC7.2": "I think this control is probably fine."})

	req := soc2Request()
	req.Requirements = []string{"CC6.1", "CC6.2", "CC6.3", "CC7.2", "CC8.1"}
	run := runWithTimeout(t, h.orch, req)

	assert.Equal(t, schemas.StatusCompleted, run.Status)
	require.Len(t, run.Analyses, 5)
	assessed := 0
	for _, a := range run.Analyses {
		if a.Assessed {
			assessed++
			continue
		}
		assert.Equal(t, "CC7.2", a.RequirementCode)
		assert.Equal(t, "invalid gap analysis output", a.Error)
	}
	assert.Equal(t, 4, assessed)
	assert.True(t, hasEntry(run.Errors, "Gap analysis for CC7.2 skipped"))
	assert.Equal(t, 100, run.Report.ComplianceScore.Overall, "skipped requirements are left out of the score")
	assert.Empty(t, run.Report.Findings)
	assert.Zero(t, h.llm.callCount(remediationSystemPrompt))
}

func TestRun_GapOutputIsNormalized(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.llm.setGaps(map[string]string{
		"CC6.1": `{"isCompliant": false, "hasGap": true, "severity": "informational", "title": "MFA gap",
			"description": "Root account has no MFA.", "confidence": 80}`,
	})

	req := soc2Request()
	req.Requirements = []string{"CC6.1", "CC8.1"}
	run := runWithTimeout(t, h.orch, req)

	assert.Equal(t, schemas.StatusCompleted, run.Status)
	assert.Empty(t, run.Errors, "odd severity and percent confidence are accepted")
	require.NotNil(t, run.Report)
	require.Len(t, run.Report.Findings, 1)
	f := run.Report.Findings[0]
	assert.Equal(t, schemas.SeverityMedium, f.Severity)
	assert.InDelta(t, 0.8, f.Confidence, 1e-9)

	require.Len(t, run.Analyses, 2)
	for _, a := range run.Analyses {
		if a.RequirementCode != "CC6.1" {
			assert.Nil(t, a.Finding, a.RequirementCode)
			continue
		}
		require.NotNil(t, a.Finding, "the analysis links its finding")
		assert.Equal(t, f.ID, a.Finding.ID)
		assert.Equal(t, "MFA gap", a.Finding.Title)
		assert.Equal(t, schemas.SeverityMedium, a.Severity)
		assert.NotEmpty(t, a.Tasks)
	}
}

func TestRun_PlanningFailure(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		planErr error
	}{
		{"invalid plan", `{"focusAreas": [], "successCriteria": ["x"]}`, nil},
		{"not json", "Sure! Here is my plan.", nil},
		{"llm error", "", errors.New("rate limited")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, zaptest.NewLogger(t), nil)
			h.llm.plan, h.llm.planErr = tc.plan, tc.planErr

			var (
				mu     sync.Mutex
				events []schemas.ProgressEvent
			)
			req := soc2Request()
			req.OnProgress = func(ev schemas.ProgressEvent) {
				mu.Lock()
				defer mu.Unlock()
				events = append(events, ev)
			}
			run := runWithTimeout(t, h.orch, req)

			assert.Equal(t, schemas.StatusFailed, run.Status)
			assert.Equal(t, schemas.PhasePlanning, run.Phase)
			assert.True(t, hasEntry(run.Errors, ErrPlanningFailed.Error()))
			assert.Nil(t, run.Report)
			assert.Empty(t, run.ExtractionResults)
			assert.Zero(t, h.llm.callCount(gapSystemPrompt))

			mu.Lock()
			last := events[len(events)-1]
			mu.Unlock()
			assert.Equal(t, schemas.EventComplete, last.Type)
			assert.Equal(t, "Assessment failed", last.Step)
			assert.Equal(t, schemas.StatusFailed, last.Snapshot.Status)

			stored, err := h.store.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, schemas.StatusFailed, stored.Status)
		})
	}
}

func TestRun_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, zaptest.NewLogger(t), nil)
	h.tools.blockConnect = true

	handle, err := h.orch.Start(context.Background(), soc2Request())
	require.NoError(t, err)

	select {
	case <-h.tools.connecting:
	case <-time.After(10 * time.Second):
		t.Fatal("extraction never started")
	}
	assert.True(t, h.orch.Cancel(handle.ID()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := handle.Wait(ctx)
	require.NoError(t, err, "a cancelled run still finishes promptly")

	assert.Equal(t, schemas.StatusFailed, run.Status)
	assert.Equal(t, cancelledMessage, run.Errors[len(run.Errors)-1])
	assert.Nil(t, run.Report)
	assert.Zero(t, h.llm.callCount(gapSystemPrompt))

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusFailed, stored.Status)
	h.bus.Shutdown()
}

func TestRun_ComparesWithPreviousRun(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), nil)
	codes := []string{"CC6.1", "CC6.2", "CC8.1"}

	h.llm.setGaps(map[string]string{
		"CC6.1": gapJSON("high", "MFA is not enforced"),
		"CC8.1": gapJSON("critical", "Changes merge without review"),
	})
	req := soc2Request()
	req.Requirements = codes
	first := runWithTimeout(t, h.orch, req)
	require.Equal(t, schemas.StatusCompleted, first.Status)
	assert.Equal(t, 13, first.Report.ComplianceScore.Overall)
	assert.Nil(t, first.Report.Comparison)

	h.llm.setGaps(map[string]string{
		"CC6.2": gapJSON("medium", "Access requests are not approved"),
		"CC8.1": gapJSON("critical", "Changes merge without review"),
	})
	second := runWithTimeout(t, h.orch, req)
	require.Equal(t, schemas.StatusCompleted, second.Status)
	assert.Equal(t, 14, second.Report.ComplianceScore.Overall)

	cmp := second.Report.Comparison
	require.NotNil(t, cmp)
	assert.Equal(t, first.ID, cmp.PreviousRunID)
	assert.Equal(t, []string{"CC6.2"}, cmp.NewFindings)
	assert.Equal(t, []string{"CC6.1"}, cmp.ResolvedFindings)
	assert.Equal(t, []string{"CC8.1"}, cmp.PersistingFindings)
	assert.Equal(t, 1, cmp.ScoreDelta)

	saved, err := h.store.GetReport(context.Background(), second.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.Comparison, "the stored report carries the comparison")
	assert.Empty(t, cmp.ChangedSources, "fetch timestamps are not evidence changes")
	assert.Equal(t, []string{"aws", "github"}, cmp.UnchangedSources)

	t.Run("explicit previous run", func(t *testing.T) {
		req := soc2Request()
		req.Requirements = codes
		req.PreviousRunID = first.ID
		third := runWithTimeout(t, h.orch, req)
		require.NotNil(t, third.Report.Comparison)
		assert.Equal(t, first.ID, third.Report.Comparison.PreviousRunID)
	})

	t.Run("changed evidence", func(t *testing.T) {
		h.tools.mu.Lock()
		h.tools.mfaEnforced["aws"] = true
		h.tools.mu.Unlock()
		t.Cleanup(func() {
			h.tools.mu.Lock()
			delete(h.tools.mfaEnforced, "aws")
			h.tools.mu.Unlock()
		})

		req := soc2Request()
		req.Requirements = codes
		req.PreviousRunID = first.ID
		run := runWithTimeout(t, h.orch, req)
		c := run.Report.Comparison
		require.NotNil(t, c)
		assert.Equal(t, []string{"aws"}, c.ChangedSources)
		assert.Equal(t, []string{"github"}, c.UnchangedSources)
		assert.Contains(t, run.Steps, "Evidence changed since run "+first.ID+": aws")
	})

	t.Run("unknown previous run skips comparison", func(t *testing.T) {
		req := soc2Request()
		req.Requirements = codes
		req.PreviousRunID = "gone"
		run := runWithTimeout(t, h.orch, req)
		assert.Equal(t, schemas.StatusCompleted, run.Status)
		assert.Nil(t, run.Report.Comparison)
	})

	t.Run("other project has no history", func(t *testing.T) {
		req := soc2Request()
		req.ProjectID = "proj-2"
		req.Requirements = codes
		run := runWithTimeout(t, h.orch, req)
		assert.Nil(t, run.Report.Comparison)
	})
}

func TestRun_MisbehavingCallbacks(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		h := newHarness(t, zap.New(core), nil)

		req := soc2Request()
		req.Requirements = []string{"CC6.1"}
		req.OnProgress = func(ev schemas.ProgressEvent) {
			if ev.Seq == 1 {
				panic("callback exploded")
			}
		}
		run := runWithTimeout(t, h.orch, req)

		assert.Equal(t, schemas.StatusCompleted, run.Status)
		assert.Equal(t, 1, logs.FilterMessage("Progress callback panicked.").Len())
	})

	t.Run("timeout", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		h := newHarness(t, zap.New(core), func(cfg *config.SwarmConfig) {
			cfg.CallbackTimeout = 20 * time.Millisecond
		})

		var delivered sync.Map
		req := soc2Request()
		req.Requirements = []string{"CC6.1"}
		req.OnProgress = func(ev schemas.ProgressEvent) {
			delivered.Store(ev.Seq, true)
			if ev.Seq == 1 {
				time.Sleep(200 * time.Millisecond)
			}
		}
		run := runWithTimeout(t, h.orch, req)

		assert.Equal(t, schemas.StatusCompleted, run.Status)
		assert.Equal(t, 1, logs.FilterMessage("Progress callback timed out, continuing.").Len())
		_, ok := delivered.Load(2)
		assert.True(t, ok, "later events are still delivered")
	})
}
