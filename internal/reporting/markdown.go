package reporting

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// quoteLimit bounds evidence quotes, in runes.
const quoteLimit = 240

// MarkdownRenderer renders the human-readable report. Section headings and
// their order are stable so downstream tooling can parse them.
type MarkdownRenderer struct{}

func (m *MarkdownRenderer) Extension() string { return "md" }

func (m *MarkdownRenderer) Render(w io.Writer, report *schemas.Report) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) {
		fmt.Fprintf(bw, format, args...)
	}

	p("# %s Compliance Assessment Report\n", report.Framework)
	p("**Generated:** %s\n", report.GeneratedAt.UTC().Format(time.RFC3339))
	sources := "none"
	if len(report.DataSources) > 0 {
		sources = strings.Join(report.DataSources, ", ")
	}
	p("**Data Sources:** %s\n\n", sources)

	p("## Executive Summary\n%s\n\n", strings.TrimSpace(report.ExecutiveSummary))

	p("## Compliance Score\n**Overall:** %d%%\n", report.ComplianceScore.Overall)
	p("| Category | Score |\n|---|---|\n")
	cats := make([]string, 0, len(report.ComplianceScore.ByCategory))
	for c := range report.ComplianceScore.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		p("| %s | %d%% |\n", escapeCell(c), report.ComplianceScore.ByCategory[c])
	}
	p("\n")

	p("## Findings\n")
	if len(report.Findings) == 0 {
		p("No compliance gaps were identified.\n")
	}
	for i, f := range report.Findings {
		p("### %d. %s\n", i+1, f.Title)
		p("**Severity:** %s\n", strings.ToUpper(string(f.Severity)))
		p("**Requirement:** %s\n", f.RequirementCode)
		p("%s\n", strings.TrimSpace(f.Description))
		if len(f.Evidence) > 0 {
			p("**Evidence:**\n")
			for _, e := range f.Evidence {
				p("- [%s] %s: \"%s\"\n", e.Source, e.Citation(), quote(e.Content))
			}
		}
		if f.Recommendation != "" {
			p("**Recommendation:** %s\n", f.Recommendation)
		}
		p("\n")
	}

	p("## Detailed Analysis\n")
	for _, s := range report.Sections {
		p("### %s\n%s\n", s.Title, s.Content)
		if len(s.Citations) > 0 {
			p("**Citations:**\n")
			for _, c := range s.Citations {
				p("- %s\n", c)
			}
		}
		p("\n")
	}

	if len(report.Tasks) > 0 {
		p("## Remediation Plan\n")
		p("| # | Requirement | Task | Priority | Effort |\n|---|---|---|---|---|\n")
		for i, t := range report.Tasks {
			effort := t.EstimatedEffort
			if effort == "" {
				effort = "-"
			}
			p("| %d | %s | %s | %s | %s |\n", i+1, t.RequirementCode, escapeCell(t.Title), t.Priority, escapeCell(effort))
		}
		p("\n")
	}

	if c := report.Comparison; c != nil {
		p("## Comparison with Previous Run\n")
		p("**Previous Run:** %s\n", c.PreviousRunID)
		p("**Score Change:** %+d\n", c.ScoreDelta)
		p("- New findings: %s\n", listOrNone(c.NewFindings))
		p("- Resolved findings: %s\n", listOrNone(c.ResolvedFindings))
		p("- Persisting findings: %s\n", listOrNone(c.PersistingFindings))
		if len(c.ChangedSources)+len(c.UnchangedSources) > 0 {
			p("- Changed evidence: %s\n", listOrNone(c.ChangedSources))
			p("- Unchanged evidence: %s\n", listOrNone(c.UnchangedSources))
		}
	}

	return bw.Flush()
}

// quote flattens evidence content onto one line and shortens it.
func quote(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, `"`, `'`)
	r := []rune(s)
	if len(r) > quoteLimit {
		return string(r[:quoteLimit]) + "..."
	}
	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
