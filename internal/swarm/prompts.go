package swarm

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/frameworks"
	"github.com/xkilldash9x/compliance-swarm/internal/llmutil"
)

const planningSystemPrompt = `You are the planning agent of a compliance assessment team.
Given a framework, its requirements and the connected data sources, decide what the assessment should focus on.
Respond with JSON only:
{"focusAreas": ["..."], "dataSources": ["<source name>"], "successCriteria": ["..."], "requirements": ["<requirement code>"]}
"dataSources" lists connected sources in the order to collect evidence from them. "requirements" may be empty to assess every requirement.`

const gapSystemPrompt = `You are the gap analysis agent of a compliance assessment team.
Compare the requirement text against the collected evidence and decide whether the organization complies.
Only cite evidence that appears in the input. If evidence is missing, say so and treat it as a gap.
Respond with JSON only:
{"isCompliant": bool, "hasGap": bool, "severity": "critical|high|medium|low", "title": "...", "description": "...",
 "evidence": [{"source": "...", "type": "code|config|document|ticket|tool_output|regulation", "filePath": "...", "lineNumber": 0, "content": "...", "url": "..."}],
 "recommendation": "...", "confidence": 0.0}`

const remediationSystemPrompt = `You are the remediation agent of a compliance assessment team.
Turn the compliance gap into concrete, ordered engineering tasks.
Respond with JSON only:
{"tasks": [{"title": "...", "description": "...", "priority": "urgent|high|medium|low", "estimatedEffort": "..."}]}`

const summarySystemPrompt = `You are the reporting agent of a compliance assessment team.
Write a concise executive summary (two to four short paragraphs, plain text, no headings) for leadership.
State the overall posture, the most important gaps and the next steps. Do not invent findings.`

// -- Planning --

type planResponse schemas.AssessmentPlan

func (p *planResponse) Validate() error {
	if len(nonBlank(p.FocusAreas)) == 0 {
		return fmt.Errorf("plan has no focus areas")
	}
	if len(nonBlank(p.SuccessCriteria)) == 0 {
		return fmt.Errorf("plan has no success criteria")
	}
	return nil
}

func planningPrompt(fw *frameworks.Framework, sources []activeSource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Framework: %s (%s)\n\nRequirements:\n", fw.Name, fw.Title)
	for _, r := range fw.Requirements {
		fmt.Fprintf(&b, "- %s %s [%s]\n", r.Code, r.Title, r.Category)
	}
	b.WriteString("\nConnected data sources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s (%s)\n", s.Name, s.profile.Category)
	}
	return b.String()
}

// -- Gap Analysis --

type gapEvidence struct {
	Source     string `json:"source"`
	Type       string `json:"type"`
	FilePath   string `json:"filePath"`
	LineNumber int    `json:"lineNumber"`
	Content    string `json:"content"`
	URL        string `json:"url"`
}

type gapResponse struct {
	IsCompliant    *bool         `json:"isCompliant"`
	HasGap         *bool         `json:"hasGap"`
	Severity       string        `json:"severity"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Evidence       []gapEvidence `json:"evidence"`
	Recommendation string        `json:"recommendation"`
	Confidence     float64       `json:"confidence"`
}

func (g *gapResponse) Validate() error {
	if g.IsCompliant == nil || g.HasGap == nil {
		return fmt.Errorf("isCompliant and hasGap are required")
	}
	if *g.IsCompliant && *g.HasGap {
		return fmt.Errorf("a compliant requirement cannot have a gap")
	}
	if !*g.HasGap {
		return nil
	}
	// Unknown severities are read as medium by schemas.ParseSeverity.
	return llmutil.RequireFields("title", g.Title, "description", g.Description)
}

// normalizedConfidence maps a reported confidence into [0, 1]. Values above 1
// and up to 100 are read as percentages.
func normalizedConfidence(c float64) float64 {
	switch {
	case c <= 0:
		return 0
	case c <= 1:
		return c
	case c <= 100:
		return c / 100
	default:
		return 1
	}
}

func (g *gapResponse) evidence() []schemas.Evidence {
	out := make([]schemas.Evidence, 0, len(g.Evidence))
	for _, e := range g.Evidence {
		if strings.TrimSpace(e.Content) == "" && e.URL == "" && e.FilePath == "" {
			continue
		}
		typ := schemas.EvidenceType(strings.ToLower(strings.TrimSpace(e.Type)))
		switch typ {
		case schemas.EvidenceCode, schemas.EvidenceConfig, schemas.EvidenceDoc,
			schemas.EvidenceTicket, schemas.EvidenceToolOutput, schemas.EvidenceRegulation:
		default:
			typ = schemas.EvidenceToolOutput
		}
		out = append(out, schemas.Evidence{
			Type:       typ,
			Source:     e.Source,
			FilePath:   e.FilePath,
			LineNumber: e.LineNumber,
			Content:    e.Content,
			URL:        e.URL,
		})
	}
	return out
}

func gapPrompt(fw *frameworks.Framework, req frameworks.Requirement, plan *schemas.AssessmentPlan, regulation []schemas.ScoredChunk, evidence string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Framework: %s\nRequirement: %s %s\nCategory: %s\n\n%s\n", fw.Name, req.Code, req.Title, req.Category, req.Description)
	if plan != nil && len(plan.FocusAreas) > 0 {
		fmt.Fprintf(&b, "\nAssessment focus areas: %s\n", strings.Join(plan.FocusAreas, "; "))
	}

	b.WriteString("\nRelevant regulation text:\n")
	if len(regulation) == 0 {
		b.WriteString("(none retrieved)\n")
	}
	for i, sc := range regulation {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, sc.Chunk.Metadata.Source, truncate(sc.Chunk.Content, 800))
	}

	b.WriteString("\nCollected evidence:\n")
	if strings.TrimSpace(evidence) == "" {
		b.WriteString("(no evidence was collected from any data source)\n")
	} else {
		b.WriteString(evidence)
		b.WriteString("\n")
	}
	return b.String()
}

// -- Remediation --

type taskResponse struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Priority        string `json:"priority"`
	EstimatedEffort string `json:"estimatedEffort"`
}

type remediationResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

func (r *remediationResponse) Validate() error {
	if len(r.Tasks) == 0 {
		return fmt.Errorf("no tasks")
	}
	for i, t := range r.Tasks {
		if err := llmutil.RequireFields("title", t.Title, "description", t.Description); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

func parsePriority(s string) schemas.TaskPriority {
	switch p := schemas.TaskPriority(strings.ToLower(strings.TrimSpace(s))); p {
	case schemas.PriorityUrgent, schemas.PriorityHigh, schemas.PriorityLow:
		return p
	default:
		return schemas.PriorityMedium
	}
}

func remediationPrompt(fw *frameworks.Framework, f schemas.GapFinding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Framework: %s\nRequirement: %s %s\nSeverity: %s\n\nGap: %s\n%s\n",
		fw.Name, f.RequirementCode, f.RequirementTitle, f.Severity, f.Title, f.Description)
	if f.Recommendation != "" {
		fmt.Fprintf(&b, "\nRecommendation: %s\n", f.Recommendation)
	}
	for _, e := range f.Evidence {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Source, e.Citation(), truncate(e.Content, 300))
	}
	return b.String()
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
