// File: internal/swarm/orchestrator.go
// Description: Drives an assessment run through planning, extraction,
// retrieval-augmented gap analysis, remediation, reporting and comparison.
// Collaborators are injected as interfaces so the pipeline is testable.

package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"github.com/xkilldash9x/compliance-swarm/internal/frameworks"
	"github.com/xkilldash9x/compliance-swarm/internal/jsoncompare"
)

// Deps are the collaborators an Orchestrator needs. Vectors and Bus are
// optional.
type Deps struct {
	LLM       schemas.LLMClient
	Tools     schemas.ToolInvoker
	Retriever Retriever
	Store     schemas.RunStore
	// Vectors receives the framework catalog before retrieval and, when
	// evidence indexing is on, the extracted evidence of each run.
	Vectors schemas.VectorStore
	Bus     *ProgressBus
}

// Orchestrator runs assessments. It is safe for concurrent use; each run has
// its own goroutine and state.
type Orchestrator struct {
	deps   Deps
	cfg    config.SwarmConfig
	logger *zap.Logger
	now    func() time.Time
	drift  *jsoncompare.Comparer

	mu     sync.RWMutex
	runs   map[string]*Handle
	seeded map[string]bool
}

// New creates an Orchestrator.
func New(deps Deps, cfg config.SwarmConfig, logger *zap.Logger) (*Orchestrator, error) {
	if deps.LLM == nil || deps.Tools == nil || deps.Retriever == nil || deps.Store == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if cfg.ExtractionConcurrency <= 0 {
		cfg.ExtractionConcurrency = 4
	}
	if cfg.AnalysisConcurrency <= 0 {
		cfg.AnalysisConcurrency = 1
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 2 * time.Second
	}
	if cfg.ReportSaveTimeout <= 0 {
		cfg.ReportSaveTimeout = 30 * time.Second
	}
	if cfg.PlanningTimeout <= 0 {
		cfg.PlanningTimeout = 2 * time.Minute
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 5 * time.Minute
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("swarm"),
		now:    time.Now,
		drift:  jsoncompare.New(jsoncompare.DefaultRules(), logger),
		runs:   make(map[string]*Handle),
		seeded: make(map[string]bool),
	}, nil
}

// Bus returns the progress bus, which may be nil.
func (o *Orchestrator) Bus() *ProgressBus {
	return o.deps.Bus
}

// activeSource is a request source resolved against its profile.
type activeSource struct {
	DataSource
	profile frameworks.SourceProfile
}

// Start validates the request and launches the run in the background. The run
// context derives from ctx, so cancelling ctx also cancels the run.
func (o *Orchestrator) Start(ctx context.Context, req AssessmentRequest) (*Handle, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	fw, ok := frameworks.Get(req.Framework)
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownFramework, req.Framework, strings.Join(frameworks.Names(), ", "))
	}

	sources, err := resolveSources(req.Sources)
	if err != nil {
		return nil, err
	}
	categories := make([]schemas.SourceCategory, 0, len(sources))
	for _, s := range sources {
		categories = append(categories, s.profile.Category)
	}
	if missing := fw.MissingCategories(categories); len(missing) > 0 {
		groups := make([]string, 0, len(missing))
		for _, g := range missing {
			names := make([]string, 0, len(g))
			for _, c := range g {
				names = append(names, string(c))
			}
			groups = append(groups, strings.Join(names, " or "))
		}
		return nil, fmt.Errorf("%w: %s needs an active %s source", ErrMissingRequiredSource, fw.Name, strings.Join(groups, ", and an active "))
	}

	run := &schemas.AssessmentRun{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Framework: fw.Name,
		UserID:    req.UserID,
		Phase:     schemas.PhasePending,
		Status:    schemas.StatusPending,
		Steps:     []string{},
		Errors:    []string{},
		StartedAt: o.now().UTC(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle(run, cancel)

	o.mu.Lock()
	o.runs[run.ID] = h
	o.mu.Unlock()

	r := &runner{
		o:       o,
		h:       h,
		req:     req,
		fw:      fw,
		sources: sources,
		logger:  o.logger.With(zap.String("run_id", run.ID), zap.String("framework", fw.Name)),
		emit:    newEmitter(o.logger, o.deps.Bus, req.OnProgress, o.cfg.CallbackTimeout),
	}
	go r.execute(runCtx)

	return h, nil
}

// Run starts a run and waits for it to finish.
func (o *Orchestrator) Run(ctx context.Context, req AssessmentRequest) (*schemas.AssessmentRun, error) {
	h, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	<-h.Done()
	return h.Snapshot(), nil
}

// Get returns the state of a run started by this orchestrator, falling back
// to the store for runs it does not know.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*schemas.AssessmentRun, error) {
	o.mu.RLock()
	h, ok := o.runs[runID]
	o.mu.RUnlock()
	if ok {
		return h.Snapshot(), nil
	}
	run, err := o.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel cancels a live run. It reports whether the run was found.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.RLock()
	h, ok := o.runs[runID]
	o.mu.RUnlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// resolveSources keeps active sources and attaches their profiles. Duplicate
// names are an error since results are keyed by source.
func resolveSources(in []DataSource) ([]activeSource, error) {
	var out []activeSource
	seen := map[string]bool{}
	for _, ds := range in {
		if !ds.Active {
			continue
		}
		p, ok := frameworks.Profile(ds.Name)
		if !ok {
			return nil, fmt.Errorf("unknown data source %q (supported: %s)", ds.Name, strings.Join(frameworks.SourceNames(), ", "))
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("data source %q listed more than once", p.Name)
		}
		seen[p.Name] = true
		ds.Name = p.Name
		out = append(out, activeSource{DataSource: ds, profile: p})
	}
	return out, nil
}

// seedFramework indexes the framework's requirement text once per process.
// Chunk ids are deterministic, so a repeat after a restart upserts in place.
func (o *Orchestrator) seedFramework(ctx context.Context, fw *frameworks.Framework) error {
	if o.deps.Vectors == nil {
		return nil
	}
	o.mu.RLock()
	done := o.seeded[fw.Name]
	o.mu.RUnlock()
	if done {
		return nil
	}
	if _, err := IndexFramework(ctx, o.deps.Vectors, fw); err != nil {
		return err
	}
	o.mu.Lock()
	o.seeded[fw.Name] = true
	o.mu.Unlock()
	return nil
}

// isCancellation reports whether err stems from the run context ending.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}
