package swarm

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// gapWeight is how many "requirement units" a non-compliant requirement
// counts for in the overall score.
func gapWeight(a schemas.RequirementAnalysis) int {
	if !a.HasGap {
		return 1
	}
	if w := a.Severity.Rank(); w > 0 {
		return w
	}
	return 1
}

// computeScore derives the compliance score from the assessed analyses.
// Categories use compliant/assessed; the overall score weights each failing
// requirement by the severity of its gap.
func computeScore(analyses []schemas.RequirementAnalysis) schemas.ComplianceScore {
	score := schemas.ComplianceScore{ByCategory: map[string]int{}}

	type tally struct{ compliant, assessed int }
	byCat := map[string]*tally{}
	compliant, weighted := 0, 0

	for _, a := range analyses {
		if !a.Assessed {
			continue
		}
		t := byCat[a.Category]
		if t == nil {
			t = &tally{}
			byCat[a.Category] = t
		}
		t.assessed++
		if a.IsCompliant && !a.HasGap {
			t.compliant++
			compliant++
			weighted++
		} else {
			weighted += gapWeight(a)
		}
	}

	for cat, t := range byCat {
		score.ByCategory[cat] = percent(t.compliant, t.assessed)
	}
	score.Overall = percent(compliant, weighted)
	return score
}

func percent(n, d int) int {
	if d == 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(d)))
}

// sortFindings orders findings by severity, most severe first, then by
// requirement code.
func sortFindings(f []schemas.GapFinding) {
	sort.SliceStable(f, func(i, j int) bool {
		if ri, rj := f[i].Severity.Rank(), f[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return f[i].RequirementCode < f[j].RequirementCode
	})
}

// severityCounts renders "1 critical, 2 high" for the severities present.
func severityCounts(findings []schemas.GapFinding) string {
	counts := map[schemas.Severity]int{}
	for _, f := range findings {
		counts[f.Severity]++
	}
	var parts []string
	for _, s := range []schemas.Severity{schemas.SeverityCritical, schemas.SeverityHigh, schemas.SeverityMedium, schemas.SeverityLow} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	return strings.Join(parts, ", ")
}

// fallbackSummary is used when the LLM cannot write the executive summary.
func fallbackSummary(framework string, analyses []schemas.RequirementAnalysis, findings []schemas.GapFinding, sources []string, score schemas.ComplianceScore) string {
	assessed := 0
	for _, a := range analyses {
		if a.Assessed {
			assessed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Assessed %d of %d %s requirements", assessed, len(analyses), framework)
	if len(sources) > 0 {
		fmt.Fprintf(&b, " using evidence from %s", strings.Join(sources, ", "))
	} else {
		b.WriteString(" without evidence from any data source")
	}
	fmt.Fprintf(&b, ". Overall compliance score: %d%%.", score.Overall)

	if len(findings) == 0 {
		b.WriteString(" No compliance gaps were identified.")
		return b.String()
	}
	fmt.Fprintf(&b, " Identified %d gap(s): %s.", len(findings), severityCounts(findings))
	top := findings[0]
	fmt.Fprintf(&b, " The most severe is %s (%s): %s.", top.RequirementCode, top.Severity, top.Title)
	return b.String()
}

// buildSections renders one detailed section per requirement category plus a
// data source coverage section.
func buildSections(categories []string, analyses []schemas.RequirementAnalysis, extractions []schemas.ExtractionResult) []schemas.ReportSection {
	var sections []schemas.ReportSection
	for _, cat := range categories {
		var (
			b         strings.Builder
			citations []string
			found     bool
		)
		for _, a := range analyses {
			if a.Category != cat {
				continue
			}
			found = true
			fmt.Fprintf(&b, "- **%s %s**: %s\n", a.RequirementCode, a.RequirementTitle, analysisStatus(a))
			citations = append(citations, a.Citations...)
		}
		if !found {
			continue
		}
		sections = append(sections, schemas.ReportSection{
			Title:     cat,
			Content:   strings.TrimRight(b.String(), "\n"),
			Citations: dedupe(citations),
		})
	}

	var b strings.Builder
	for _, er := range extractions {
		if er.Succeeded() {
			fmt.Fprintf(&b, "- **%s** (%s): %d document(s) from %d tool call(s)\n", er.Source, er.Category, len(er.Payload.Documents), len(er.ToolCalls))
		} else {
			fmt.Fprintf(&b, "- **%s** (%s): extraction failed: %s\n", er.Source, er.Category, er.Error)
		}
	}
	if b.Len() > 0 {
		sections = append(sections, schemas.ReportSection{
			Title:   "Data Source Coverage",
			Content: strings.TrimRight(b.String(), "\n"),
		})
	}
	return sections
}

func analysisStatus(a schemas.RequirementAnalysis) string {
	switch {
	case !a.Assessed:
		if a.Error != "" {
			return "not assessed (" + a.Error + ")"
		}
		return "not assessed"
	case a.HasGap:
		return fmt.Sprintf("gap (%s)", a.Severity)
	case a.IsCompliant:
		return "compliant"
	default:
		return "insufficient evidence"
	}
}

func dedupe(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// compareReports diffs the finding sets of two reports by requirement code.
func compareReports(previousRunID string, prev, cur *schemas.Report) *schemas.Comparison {
	prevCodes := findingCodes(prev.Findings)
	curCodes := findingCodes(cur.Findings)

	cmp := &schemas.Comparison{
		PreviousRunID:      previousRunID,
		NewFindings:        []string{},
		ResolvedFindings:   []string{},
		PersistingFindings: []string{},
		ScoreDelta:         cur.ComplianceScore.Overall - prev.ComplianceScore.Overall,
	}
	for code := range curCodes {
		if prevCodes[code] {
			cmp.PersistingFindings = append(cmp.PersistingFindings, code)
		} else {
			cmp.NewFindings = append(cmp.NewFindings, code)
		}
	}
	for code := range prevCodes {
		if !curCodes[code] {
			cmp.ResolvedFindings = append(cmp.ResolvedFindings, code)
		}
	}
	sort.Strings(cmp.NewFindings)
	sort.Strings(cmp.ResolvedFindings)
	sort.Strings(cmp.PersistingFindings)
	return cmp
}

func findingCodes(findings []schemas.GapFinding) map[string]bool {
	out := make(map[string]bool, len(findings))
	for _, f := range findings {
		out[f.RequirementCode] = true
	}
	return out
}
