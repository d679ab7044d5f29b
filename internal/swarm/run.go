package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/frameworks"
	"github.com/xkilldash9x/compliance-swarm/internal/llmutil"
	"github.com/xkilldash9x/compliance-swarm/internal/rag"
)

const (
	evidenceChunkSize   = 1500
	evidenceDocLimit    = 1200
	evidenceDigestLimit = 6000
	evidenceSearchK     = 6
)

// requirementWork is the per-requirement state carried across the analysis
// phases. Each slot is written by one goroutine at a time.
type requirementWork struct {
	req        frameworks.Requirement
	regulation []schemas.ScoredChunk
	evidence   string
	analysis   schemas.RequirementAnalysis
	finding    *schemas.GapFinding
	tasks      []schemas.RemediationTask
}

// runner executes one run. Only its goroutine (and the goroutines it waits
// for) touch the run through the handle.
type runner struct {
	o       *Orchestrator
	h       *Handle
	req     AssessmentRequest
	fw      *frameworks.Framework
	sources []activeSource
	logger  *zap.Logger
	emit    *emitter

	seq             int // guarded by h.mu
	plan            *schemas.AssessmentPlan
	extractions     []schemas.ExtractionResult
	digest          string
	evidenceIndexed bool
	work            []*requirementWork
}

func (r *runner) runID() string { return r.h.ID() }

func (r *runner) execute(ctx context.Context) {
	defer func() {
		r.emit.close()
		r.h.cancel()
		close(r.h.done)
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Assessment run panicked.", zap.Any("panic", p), zap.Stack("stack"))
			r.fail(fmt.Sprintf("internal error: %v", p))
		}
	}()
	defer r.cleanupEvidence()

	r.logger.Info("Starting assessment run.", zap.String("project_id", r.req.ProjectID), zap.Int("sources", len(r.sources)))
	r.record(schemas.EventStep, schemas.PhasePending, "", fmt.Sprintf("Starting %s assessment", r.fw.Name), func(run *schemas.AssessmentRun) {
		run.Status = schemas.StatusRunning
	})

	if err := r.planPhase(ctx); err != nil {
		if isCancellation(ctx, err) {
			r.fail(cancelledMessage)
		} else {
			r.fail(err.Error())
		}
		return
	}
	if r.stopIfCancelled(ctx) {
		return
	}

	r.extractionPhase(ctx)
	if r.stopIfCancelled(ctx) {
		return
	}

	r.retrievalPhase(ctx)
	if r.stopIfCancelled(ctx) {
		return
	}

	r.gapAnalysisPhase(ctx)
	if r.stopIfCancelled(ctx) {
		return
	}

	r.remediationPhase(ctx)
	if r.stopIfCancelled(ctx) {
		return
	}

	report, err := r.reportPhase(ctx)
	if err != nil {
		if isCancellation(ctx, err) {
			r.fail(cancelledMessage)
		} else {
			r.fail(fmt.Sprintf("report generation failed: %v", err))
		}
		return
	}

	report = r.comparisonPhase(ctx, report)
	r.complete(report)
}

// -- Progress --

// record applies mutate to the run and enqueues the resulting event while
// still holding the lock, so sequence numbers match delivery order.
func (r *runner) record(typ schemas.EventType, phase schemas.Phase, source, msg string, mutate func(run *schemas.AssessmentRun)) {
	now := r.o.now().UTC()
	r.h.update(func(run *schemas.AssessmentRun) {
		if mutate != nil {
			mutate(run)
		}
		switch typ {
		case schemas.EventStep:
			run.Steps = append(run.Steps, msg)
		case schemas.EventError:
			run.Errors = append(run.Errors, msg)
		}
		r.seq++
		r.emit.enqueue(schemas.ProgressEvent{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			Seq:       r.seq,
			Type:      typ,
			Phase:     phase,
			Source:    source,
			Step:      msg,
			Timestamp: now,
			Snapshot: schemas.ProgressSnapshot{
				CurrentStep:       msg,
				Status:            run.Status,
				ExtractionResults: append([]schemas.ExtractionResult(nil), run.ExtractionResults...),
				Errors:            append([]string(nil), run.Errors...),
				ToolCalls:         run.ToolCalls(),
			},
		})
	})

	fields := []zap.Field{zap.String("phase", string(phase))}
	if source != "" {
		fields = append(fields, zap.String("source", source))
	}
	if typ == schemas.EventError {
		r.logger.Warn(msg, fields...)
	} else {
		r.logger.Info(msg, fields...)
	}
}

func (r *runner) step(phase schemas.Phase, source, msg string) {
	r.record(schemas.EventStep, phase, source, msg, nil)
}

func (r *runner) recordError(phase schemas.Phase, source, msg string) {
	r.record(schemas.EventError, phase, source, msg, nil)
}

// enter moves the run to phase. Phases never move backwards.
func (r *runner) enter(phase schemas.Phase) {
	r.h.update(func(run *schemas.AssessmentRun) {
		if phase.Order() > run.Phase.Order() {
			run.Phase = phase
		}
	})
}

func (r *runner) currentPhase() schemas.Phase {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.run.Phase
}

func (r *runner) stopIfCancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.fail(cancelledMessage)
	return true
}

// fail ends the run as failed. The phase is left where the failure happened.
func (r *runner) fail(msg string) {
	phase := r.currentPhase()
	r.record(schemas.EventError, phase, "", msg, func(run *schemas.AssessmentRun) {
		run.Status = schemas.StatusFailed
		run.CompletedAt = r.o.now().UTC()
	})
	r.persistRun()
	r.record(schemas.EventComplete, phase, "", "Assessment failed", nil)
}

func (r *runner) complete(report *schemas.Report) {
	analyses := make([]schemas.RequirementAnalysis, 0, len(r.work))
	for _, w := range r.work {
		analyses = append(analyses, w.analysis)
	}
	r.h.update(func(run *schemas.AssessmentRun) {
		run.Phase = schemas.PhaseDone
		run.Status = schemas.StatusCompleted
		run.Report = report
		run.Analyses = analyses
		run.CompletedAt = r.o.now().UTC()
	})
	r.persistRun()
	r.record(schemas.EventComplete, schemas.PhaseDone, "",
		fmt.Sprintf("Assessment completed: %d finding(s), overall score %d%%", len(report.Findings), report.ComplianceScore.Overall), nil)
}

// persistRun saves the run outside the run context so a cancelled run is
// still recorded.
func (r *runner) persistRun() {
	ctx, cancel := context.WithTimeout(context.Background(), r.o.cfg.ReportSaveTimeout)
	defer cancel()
	if err := r.o.deps.Store.SaveRun(ctx, r.h.Snapshot()); err != nil {
		r.logger.Warn("Failed to persist assessment run.", zap.Error(err))
	}
}

// -- Planning --

func (r *runner) planPhase(ctx context.Context) error {
	r.enter(schemas.PhasePlanning)
	r.step(schemas.PhasePlanning, "", fmt.Sprintf("Planning %s assessment across %d data source(s)", r.fw.Name, len(r.sources)))

	pctx, cancel := context.WithTimeout(ctx, r.o.cfg.PlanningTimeout)
	defer cancel()

	resp, err := r.o.deps.LLM.Generate(pctx, schemas.GenerationRequest{
		SystemPrompt: planningSystemPrompt,
		UserPrompt:   planningPrompt(r.fw, r.sources),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}
	parsed, err := llmutil.ParseAndValidate[planResponse](resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}

	plan := schemas.AssessmentPlan(*parsed)
	plan.FocusAreas = nonBlank(plan.FocusAreas)
	plan.SuccessCriteria = nonBlank(plan.SuccessCriteria)
	var unplanned []string
	plan.DataSources, unplanned = r.orderSources(plan.DataSources)
	r.plan = &plan

	r.record(schemas.EventStep, schemas.PhasePlanning, "",
		fmt.Sprintf("Plan ready: %d focus area(s), sources %s", len(plan.FocusAreas), strings.Join(plan.DataSources, ", ")),
		func(run *schemas.AssessmentRun) {
			p := plan
			run.Plan = &p
		})
	if len(unplanned) > 0 && len(unplanned) < len(plan.DataSources) {
		r.step(schemas.PhasePlanning, "",
			fmt.Sprintf("Plan did not name connected source(s) %s; extracting them after the planned ones", strings.Join(unplanned, ", ")))
	}
	return nil
}

// orderSources orders every connected source for extraction: the ones the
// plan names first, in plan order, then the rest in request order. The plan
// sets priority only; no connected source is dropped. unplanned lists the
// sources the plan did not name.
func (r *runner) orderSources(planned []string) (ordered, unplanned []string) {
	connected := map[string]bool{}
	for _, s := range r.sources {
		connected[s.Name] = true
	}
	seen := map[string]bool{}
	for _, name := range planned {
		p, ok := frameworks.Profile(name)
		if !ok || !connected[p.Name] || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		ordered = append(ordered, p.Name)
	}
	for _, s := range r.sources {
		if !seen[s.Name] {
			seen[s.Name] = true
			ordered = append(ordered, s.Name)
			unplanned = append(unplanned, s.Name)
		}
	}
	return ordered, unplanned
}

// -- Extraction --

func (r *runner) extractionPhase(ctx context.Context) {
	r.enter(schemas.PhaseExtraction)

	byName := make(map[string]activeSource, len(r.sources))
	for _, s := range r.sources {
		byName[s.Name] = s
	}
	selected := make([]activeSource, 0, len(r.sources))
	for _, name := range r.plan.DataSources {
		if s, ok := byName[name]; ok {
			selected = append(selected, s)
		}
	}
	r.step(schemas.PhaseExtraction, "", fmt.Sprintf("Extracting evidence from %d data source(s)", len(selected)))

	results := make([]schemas.ExtractionResult, len(selected))
	var g errgroup.Group
	g.SetLimit(r.o.cfg.ExtractionConcurrency)
	for i, src := range selected {
		g.Go(func() error {
			res := r.extractSource(ctx, src)
			results[i] = res

			typ, msg := schemas.EventStep, fmt.Sprintf("Extracted %d document(s) from %s", len(res.Payload.Documents), src.Name)
			if !res.Succeeded() {
				typ, msg = schemas.EventError, fmt.Sprintf("Extraction from %s failed: %s", src.Name, res.Error)
			}
			r.record(typ, schemas.PhaseExtraction, src.Name, msg, func(run *schemas.AssessmentRun) {
				run.ExtractionResults = append(run.ExtractionResults, res)
			})
			return nil
		})
	}
	_ = g.Wait()

	// Completion order is nondeterministic; keep plan order in the run.
	r.h.update(func(run *schemas.AssessmentRun) {
		run.ExtractionResults = append([]schemas.ExtractionResult(nil), results...)
	})
	r.extractions = results

	succeeded := 0
	for _, res := range results {
		if res.Succeeded() {
			succeeded++
		}
	}
	if succeeded == 0 && ctx.Err() == nil {
		r.recordError(schemas.PhaseExtraction, "", "No data source returned evidence; continuing with regulation text only")
	}
	r.digest = evidenceDigest(results)

	if succeeded > 0 && r.o.cfg.IndexEvidence && r.o.deps.Vectors != nil && ctx.Err() == nil {
		n, err := indexEvidence(ctx, r.o.deps.Vectors, r.runID(), results, evidenceChunkSize)
		switch {
		case err != nil && ctx.Err() == nil:
			r.recordError(schemas.PhaseExtraction, "", fmt.Sprintf("Indexing extracted evidence failed: %v", err))
		case err == nil && n > 0:
			r.evidenceIndexed = true
			r.step(schemas.PhaseExtraction, "", fmt.Sprintf("Indexed %d evidence chunk(s)", n))
		}
	}
}

// extractSource connects to the source's tool server, runs its extraction
// tools and closes the run's session. It never returns an error; failures are
// recorded on the result.
func (r *runner) extractSource(ctx context.Context, src activeSource) schemas.ExtractionResult {
	res := schemas.ExtractionResult{
		Source:    src.Name,
		Category:  src.profile.Category,
		Payload:   schemas.ExtractionPayload{Kind: src.profile.Payload, Documents: []schemas.EvidenceDocument{}},
		ToolCalls: []schemas.ToolCallRecord{},
	}
	finish := func() schemas.ExtractionResult {
		res.Timestamp = r.o.now().UTC()
		return res
	}

	for _, p := range src.profile.RequiredParams {
		if strings.TrimSpace(src.Config[p]) == "" {
			res.Error = fmt.Sprintf("missing required parameter %q", p)
			return finish()
		}
	}

	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.SourceTimeout)
	defer cancel()

	scope := schemas.UserScope{UserID: r.req.UserID, SessionID: r.runID()}
	if err := r.o.deps.Tools.Connect(sctx, src.profile.Server, src.Credentials, scope); err != nil {
		res.Error = fmt.Sprintf("connect failed: %v", err)
		return finish()
	}
	defer func() {
		if err := r.o.deps.Tools.Disconnect(src.profile.Server, scope); err != nil {
			r.logger.Warn("Failed to close tool session.", zap.String("source", src.Name), zap.Error(err))
		}
	}()

	var failures []string
	for _, spec := range src.profile.Tools {
		rec, err := r.o.deps.Tools.CallTool(sctx, src.profile.Server, spec.Name, spec.ToolArgs(src.Config), scope)
		res.ToolCalls = append(res.ToolCalls, rec)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", spec.Name, err))
			if sctx.Err() != nil {
				break
			}
			continue
		}
		res.Payload.Documents = append(res.Payload.Documents, evidenceDocument(spec.Name, rec.Result))
	}

	if len(res.Payload.Documents) == 0 {
		res.Error = "no tool returned evidence"
		if len(failures) > 0 {
			res.Error = strings.Join(failures, "; ")
		}
	} else if len(failures) > 0 {
		r.logger.Warn("Some extraction tools failed.", zap.String("source", src.Name), zap.Strings("failures", failures))
	}
	return finish()
}

func evidenceDocument(tool, result string) schemas.EvidenceDocument {
	doc := schemas.EvidenceDocument{Tool: tool, Title: strings.ReplaceAll(tool, "_", " "), Content: result}
	if trimmed := strings.TrimSpace(result); trimmed != "" && json.Valid([]byte(trimmed)) {
		doc.Structured = json.RawMessage(trimmed)
	}
	return doc
}

// evidenceDigest is the evidence text used when no indexed evidence matches.
func evidenceDigest(results []schemas.ExtractionResult) string {
	var b strings.Builder
	for _, res := range results {
		if !res.Succeeded() {
			continue
		}
		for _, doc := range res.Payload.Documents {
			entry := fmt.Sprintf("[%s/%s] %s\n", res.Source, doc.Tool, truncate(strings.TrimSpace(doc.Content), evidenceDocLimit))
			if len([]rune(b.String()))+len([]rune(entry)) > evidenceDigestLimit {
				return b.String()
			}
			b.WriteString(entry)
		}
	}
	return b.String()
}

// -- Retrieval --

func (r *runner) retrievalPhase(ctx context.Context) {
	r.enter(schemas.PhaseRetrieval)

	codes := r.req.Requirements
	if len(codes) == 0 && r.plan != nil {
		codes = r.plan.Requirements
	}
	reqs := r.fw.InScope(codes)
	r.work = make([]*requirementWork, len(reqs))
	for i, req := range reqs {
		r.work[i] = &requirementWork{
			req: req,
			analysis: schemas.RequirementAnalysis{
				RequirementCode:  req.Code,
				RequirementTitle: req.Title,
				Category:         req.Category,
			},
		}
	}
	r.step(schemas.PhaseRetrieval, "", fmt.Sprintf("Retrieving regulation context for %d requirement(s)", len(reqs)))

	if err := r.o.seedFramework(ctx, r.fw); err != nil && ctx.Err() == nil {
		r.recordError(schemas.PhaseRetrieval, "", fmt.Sprintf("Indexing %s catalog failed: %v", r.fw.Name, err))
	}

	r.forEachRequirement(ctx, func(ctx context.Context, w *requirementWork) {
		query := fmt.Sprintf("%s %s: %s", w.req.Code, w.req.Title, w.req.Description)
		res, err := r.o.deps.Retriever.Retrieve(ctx, query, rag.RetrieveOptions{
			Filters:         &schemas.SearchFilters{Framework: r.fw.Name, RequirementCode: w.req.Code},
			ExternalContext: r.digest,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.analysis.Error = "retrieval failed"
			r.recordError(schemas.PhaseRetrieval, "", fmt.Sprintf("Retrieval for %s failed, continuing without regulation context: %v", w.req.Code, err))
		} else {
			w.regulation = res.Chunks
			w.analysis.RetrievedChunks = len(res.Chunks)
			w.analysis.FinalQuery = res.FinalQuery
			w.analysis.Iterations = res.Iterations
			for _, sc := range res.Chunks {
				w.analysis.Citations = append(w.analysis.Citations, r.citation(sc.Chunk))
			}
			w.analysis.Citations = dedupe(w.analysis.Citations)
		}
		w.evidence = r.evidenceFor(ctx, w.req)
		r.step(schemas.PhaseRetrieval, "", fmt.Sprintf("Retrieved %d regulation chunk(s) for %s", len(w.regulation), w.req.Code))
	})
}

func (r *runner) citation(c schemas.Chunk) string {
	m := c.Metadata
	if m.RequirementCode == "" {
		return m.Source
	}
	cite := r.fw.Name + " " + m.RequirementCode
	if m.SectionTitle != "" && m.SectionTitle != m.RequirementCode {
		cite += " " + m.SectionTitle
	}
	return cite
}

// evidenceFor picks the evidence shown to the gap analysis for req. Indexed
// evidence from this run is searched first; otherwise the digest is used.
func (r *runner) evidenceFor(ctx context.Context, req frameworks.Requirement) string {
	if !r.evidenceIndexed {
		return r.digest
	}
	source := evidenceSource(r.runID())
	found, err := r.o.deps.Retriever.HybridSearch(ctx, req.Title+" "+req.Description, evidenceSearchK,
		&schemas.SearchFilters{Source: source, ContentType: schemas.ContentEvidence})
	if err != nil {
		r.logger.Debug("Evidence search failed, using digest.", zap.String("requirement", req.Code), zap.Error(err))
		return r.digest
	}
	var b strings.Builder
	for _, sc := range found {
		// The store falls back to unfiltered results; only this run's evidence counts.
		if sc.Chunk.Metadata.Source != source {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", sc.Chunk.Metadata.FilePath, sc.Chunk.Content)
	}
	if b.Len() == 0 {
		return r.digest
	}
	return b.String()
}

// forEachRequirement runs fn over the work items with bounded concurrency.
func (r *runner) forEachRequirement(ctx context.Context, fn func(ctx context.Context, w *requirementWork)) {
	var g errgroup.Group
	g.SetLimit(r.o.cfg.AnalysisConcurrency)
	for _, w := range r.work {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() == nil {
				fn(ctx, w)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// -- Gap Analysis --

func (r *runner) gapAnalysisPhase(ctx context.Context) {
	r.enter(schemas.PhaseGapAnalysis)
	r.step(schemas.PhaseGapAnalysis, "", fmt.Sprintf("Analyzing %d requirement(s) for compliance gaps", len(r.work)))

	r.forEachRequirement(ctx, func(ctx context.Context, w *requirementWork) {
		actx, cancel := context.WithTimeout(ctx, r.o.cfg.AnalysisTimeout)
		defer cancel()

		resp, err := r.o.deps.LLM.Generate(actx, schemas.GenerationRequest{
			SystemPrompt: gapSystemPrompt,
			UserPrompt:   gapPrompt(r.fw, w.req, r.plan, w.regulation, w.evidence),
			Tier:         schemas.TierPowerful,
			Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.analysis.Error = "gap analysis failed"
			r.recordError(schemas.PhaseGapAnalysis, "", fmt.Sprintf("Gap analysis for %s skipped: %v", w.req.Code, err))
			return
		}
		parsed, err := llmutil.ParseAndValidate[gapResponse](resp)
		if err != nil {
			w.analysis.Error = "invalid gap analysis output"
			r.recordError(schemas.PhaseGapAnalysis, "", fmt.Sprintf("Gap analysis for %s skipped: %v", w.req.Code, err))
			return
		}

		w.analysis.Assessed = true
		w.analysis.Error = ""
		w.analysis.IsCompliant = *parsed.IsCompliant
		w.analysis.HasGap = *parsed.HasGap

		if !w.analysis.HasGap {
			status := "compliant"
			if !w.analysis.IsCompliant {
				status = "insufficient evidence"
			}
			r.step(schemas.PhaseGapAnalysis, "", fmt.Sprintf("%s: %s", w.req.Code, status))
			return
		}

		evidence := parsed.evidence()
		if len(evidence) == 0 && len(w.regulation) > 0 {
			top := w.regulation[0].Chunk
			evidence = append(evidence, schemas.Evidence{
				Type:    schemas.EvidenceRegulation,
				Source:  r.citation(top),
				Content: truncate(top.Content, 500),
			})
		}
		for _, e := range evidence {
			w.analysis.Citations = append(w.analysis.Citations, e.Citation())
		}
		w.analysis.Citations = dedupe(w.analysis.Citations)

		finding := schemas.GapFinding{
			ID:               uuid.NewString(),
			RunID:            r.runID(),
			RequirementCode:  w.req.Code,
			RequirementTitle: w.req.Title,
			Category:         w.req.Category,
			Severity:         schemas.ParseSeverity(parsed.Severity),
			Title:            strings.TrimSpace(parsed.Title),
			Description:      strings.TrimSpace(parsed.Description),
			Evidence:         evidence,
			Recommendation:   strings.TrimSpace(parsed.Recommendation),
			Confidence:       normalizedConfidence(parsed.Confidence),
			CreatedAt:        r.o.now().UTC(),
		}
		w.finding = &finding
		w.analysis.Severity = finding.Severity
		w.analysis.Finding = &finding
		r.step(schemas.PhaseGapAnalysis, "", fmt.Sprintf("%s: gap found (%s): %s", w.req.Code, finding.Severity, finding.Title))
	})
}

// -- Remediation --

func (r *runner) remediationPhase(ctx context.Context) {
	r.enter(schemas.PhaseRemediation)

	var gaps []*requirementWork
	for _, w := range r.work {
		if w.finding != nil {
			gaps = append(gaps, w)
		}
	}
	r.step(schemas.PhaseRemediation, "", fmt.Sprintf("Planning remediation for %d gap(s)", len(gaps)))

	r.forEachRequirement(ctx, func(ctx context.Context, w *requirementWork) {
		if w.finding == nil {
			return
		}
		actx, cancel := context.WithTimeout(ctx, r.o.cfg.AnalysisTimeout)
		defer cancel()

		resp, err := r.o.deps.LLM.Generate(actx, schemas.GenerationRequest{
			SystemPrompt: remediationSystemPrompt,
			UserPrompt:   remediationPrompt(r.fw, *w.finding),
			Tier:         schemas.TierPowerful,
			Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
		})
		if err == nil {
			var parsed *remediationResponse
			if parsed, err = llmutil.ParseAndValidate[remediationResponse](resp); err == nil {
				for _, t := range parsed.Tasks {
					w.tasks = append(w.tasks, schemas.RemediationTask{
						ID:              uuid.NewString(),
						FindingID:       w.finding.ID,
						RequirementCode: w.req.Code,
						Title:           strings.TrimSpace(t.Title),
						Description:     strings.TrimSpace(t.Description),
						Priority:        parsePriority(t.Priority),
						EstimatedEffort: strings.TrimSpace(t.EstimatedEffort),
					})
				}
				w.analysis.Tasks = w.tasks
				r.step(schemas.PhaseRemediation, "", fmt.Sprintf("%s: %d remediation task(s)", w.req.Code, len(w.tasks)))
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		r.recordError(schemas.PhaseRemediation, "", fmt.Sprintf("Remediation planning for %s skipped: %v", w.req.Code, err))
	})
}

// -- Report --

func (r *runner) reportPhase(ctx context.Context) (report *schemas.Report, err error) {
	r.enter(schemas.PhaseReport)
	r.step(schemas.PhaseReport, "", "Generating compliance report")

	report, err = r.assembleReport(ctx)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.h.update(func(run *schemas.AssessmentRun) {
		run.Report = report
	})
	r.saveReport(ctx, report)
	r.saveFindings(ctx, report)
	r.step(schemas.PhaseReport, "", fmt.Sprintf("Report generated: overall score %d%%", report.ComplianceScore.Overall))
	return report, nil
}

func (r *runner) assembleReport(ctx context.Context) (report *schemas.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Report assembly panicked.", zap.Any("panic", p), zap.Stack("stack"))
			report, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	analyses := make([]schemas.RequirementAnalysis, 0, len(r.work))
	findings := []schemas.GapFinding{}
	for _, w := range r.work {
		analyses = append(analyses, w.analysis)
		if w.finding != nil {
			findings = append(findings, *w.finding)
		}
	}
	sortFindings(findings)

	tasksByFinding := map[string][]schemas.RemediationTask{}
	for _, w := range r.work {
		if w.finding != nil {
			tasksByFinding[w.finding.ID] = w.tasks
		}
	}
	tasks := []schemas.RemediationTask{}
	for _, f := range findings {
		tasks = append(tasks, tasksByFinding[f.ID]...)
	}

	sources := []string{}
	for _, er := range r.extractions {
		if er.Succeeded() {
			sources = append(sources, er.Source)
		}
	}

	score := computeScore(analyses)
	summary := r.summarize(ctx, analyses, findings, sources, score)

	return &schemas.Report{
		RunID:            r.runID(),
		ProjectID:        r.req.ProjectID,
		Framework:        r.fw.Name,
		Title:            fmt.Sprintf("%s Compliance Assessment Report", r.fw.Name),
		GeneratedAt:      r.o.now().UTC(),
		DataSources:      sources,
		ExecutiveSummary: summary,
		ComplianceScore:  score,
		Findings:         findings,
		Tasks:            tasks,
		Sections:         buildSections(r.fw.Categories(), analyses, r.extractions),
	}, nil
}

// summarize asks the LLM for the executive summary and falls back to a
// deterministic one on any failure.
func (r *runner) summarize(ctx context.Context, analyses []schemas.RequirementAnalysis, findings []schemas.GapFinding, sources []string, score schemas.ComplianceScore) string {
	fallback := fallbackSummary(r.fw.Name, analyses, findings, sources, score)

	var b strings.Builder
	fmt.Fprintf(&b, "Framework: %s\nProject: %s\n\nFacts:\n%s\n\nFindings:\n", r.fw.Name, r.req.ProjectID, fallback)
	if len(findings) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", strings.ToUpper(string(f.Severity)), f.RequirementCode, f.Title, truncate(f.Description, 300))
	}

	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.AnalysisTimeout)
	defer cancel()
	resp, err := r.o.deps.LLM.Generate(sctx, schemas.GenerationRequest{
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   b.String(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.3},
	})
	if err != nil || strings.TrimSpace(resp) == "" {
		r.logger.Info("Using fallback executive summary.", zap.Error(err))
		return fallback
	}
	return strings.TrimSpace(resp)
}

func (r *runner) saveReport(ctx context.Context, report *schemas.Report) {
	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.ReportSaveTimeout)
	defer cancel()
	if err := r.o.deps.Store.SaveReport(sctx, report); err != nil {
		msg := fmt.Sprintf("Saving report failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("Saving report timed out after %s", r.o.cfg.ReportSaveTimeout)
		}
		r.recordError(schemas.PhaseReport, "", msg)
	}
}

func (r *runner) saveFindings(ctx context.Context, report *schemas.Report) {
	fs, ok := r.o.deps.Store.(FindingStore)
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.ReportSaveTimeout)
	defer cancel()
	if err := fs.SaveFindings(sctx, report.RunID, report.Findings); err != nil {
		r.recordError(schemas.PhaseReport, "", fmt.Sprintf("Saving findings failed: %v", err))
		return
	}
	if err := fs.SaveTasks(sctx, report.RunID, report.Tasks); err != nil {
		r.recordError(schemas.PhaseReport, "", fmt.Sprintf("Saving remediation tasks failed: %v", err))
	}
}

// -- Comparison --

// comparisonPhase diffs against the requested or latest completed prior run.
// Any lookup failure skips the comparison silently.
func (r *runner) comparisonPhase(ctx context.Context, report *schemas.Report) *schemas.Report {
	r.enter(schemas.PhaseComparison)

	prevID, prev, prevRun := r.previousReport(ctx)
	if prev == nil {
		return report
	}

	cmp := compareReports(prevID, prev, report)
	if prevRun != nil {
		cmp.ChangedSources, cmp.UnchangedSources = evidenceDrift(r.o.drift, prevRun.ExtractionResults, r.h.Snapshot().ExtractionResults)
	}
	updated := *report
	updated.Comparison = cmp
	r.h.update(func(run *schemas.AssessmentRun) {
		run.Report = &updated
	})
	r.saveReport(ctx, &updated)

	r.step(schemas.PhaseComparison, "", fmt.Sprintf("Compared with run %s: %d new, %d resolved, %d persisting finding(s), score %+d",
		prevID, len(cmp.NewFindings), len(cmp.ResolvedFindings), len(cmp.PersistingFindings), cmp.ScoreDelta))
	if len(cmp.ChangedSources) > 0 {
		r.step(schemas.PhaseComparison, "", fmt.Sprintf("Evidence changed since run %s: %s", prevID, strings.Join(cmp.ChangedSources, ", ")))
	}
	return &updated
}

// previousReport returns the report to compare against and, when it can be
// loaded, the run that produced it.
func (r *runner) previousReport(ctx context.Context) (string, *schemas.Report, *schemas.AssessmentRun) {
	store := r.o.deps.Store
	if id := r.req.PreviousRunID; id != "" {
		rep, err := store.GetReport(ctx, id)
		if err != nil {
			r.logger.Debug("Previous report not available, skipping comparison.", zap.String("previous_run_id", id), zap.Error(err))
			return "", nil, nil
		}
		prevRun, err := store.GetRun(ctx, id)
		if err != nil {
			r.logger.Debug("Previous run not available, skipping evidence comparison.", zap.String("previous_run_id", id), zap.Error(err))
			prevRun = nil
		}
		return id, rep, prevRun
	}

	prevRun, err := store.GetLatestCompletedRun(ctx, r.req.ProjectID, r.fw.Name, r.runID())
	if err != nil {
		if !errors.Is(err, schemas.ErrRunNotFound) {
			r.logger.Debug("Prior run lookup failed, skipping comparison.", zap.Error(err))
		}
		return "", nil, nil
	}
	if prevRun.Report != nil {
		return prevRun.ID, prevRun.Report, prevRun
	}
	rep, err := store.GetReport(ctx, prevRun.ID)
	if err != nil {
		return "", nil, nil
	}
	return prevRun.ID, rep, prevRun
}

// cleanupEvidence removes this run's indexed evidence.
func (r *runner) cleanupEvidence() {
	if !r.evidenceIndexed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.o.deps.Vectors.Delete(ctx, evidenceSource(r.runID())); err != nil {
		r.logger.Warn("Failed to remove indexed evidence.", zap.Error(err))
	}
}
