package chunker

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// Requirement splits regulation text into one chunk per section. Sections
// start at markdown headings, whole-line bold headings, or numbered markers
// such as "1.", "1.2", "§ 3", "Article 5" and "CC6.1". Text before the first
// marker becomes a preamble chunk with section 0.
//
// When Code is set every chunk carries it; otherwise each chunk carries the
// code found in its own heading.
type Requirement struct {
	Code      string
	Framework string
}

func (r Requirement) Name() string { return fmt.Sprintf("requirement:%s:%s", r.Framework, r.Code) }

var (
	mdHeadingRegex   = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	boldHeadingRegex = regexp.MustCompile(`^\*\*(.+?)\*\*\s*:?\s*$`)
	sectionSignRegex = regexp.MustCompile(`^(§\s*\d+(?:\.\d+)*)[.:]?(?:\s+(.*))?$`)
	articleRegex     = regexp.MustCompile(`(?i)^((?:article|section|clause|rule)\s+\d+[a-z]?(?:\.\d+)*)[.:]?(?:\s+(.*))?$`)
	controlCodeRegex = regexp.MustCompile(`^([A-Z]{1,4}\.?\d+(?:\.\d+)+(?:\([a-z0-9]+\))*)[.:]?(?:\s+(.*))?$`)
	// Dotted numbers ("1.2 Scope", "164.308(a) Safeguards") or a single
	// number with a terminator ("3. Scope"), so prose like "2023 was" is not a heading.
	dottedRegex   = regexp.MustCompile(`^(\d+(?:\.\d+)+(?:\([a-z0-9]+\))*)[.)]?\s+(\S.*)$`)
	numberedRegex = regexp.MustCompile(`^(\d+)[.)]\s+(\S.*)$`)
)

// sectionMarker reports whether line opens a section, returning the detected
// code (possibly empty) and title. Indented lines are list items or
// continuation text and never open a section.
func sectionMarker(line string) (code, title string, ok bool) {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
		return "", "", false
	}
	trimmed := strings.TrimSpace(line)

	for _, re := range []*regexp.Regexp{mdHeadingRegex, boldHeadingRegex} {
		if m := re.FindStringSubmatch(trimmed); m != nil {
			inner := strings.TrimSpace(m[1])
			if c, t, ok := codedTitle(inner); ok {
				return c, t, true
			}
			return "", inner, true
		}
	}
	return codedTitle(trimmed)
}

// codedTitle matches the numbered marker families.
func codedTitle(s string) (code, title string, ok bool) {
	for _, re := range []*regexp.Regexp{sectionSignRegex, articleRegex, controlCodeRegex, dottedRegex, numberedRegex} {
		if m := re.FindStringSubmatch(s); m != nil {
			title = strings.TrimSpace(strings.Trim(m[2], "*-–: "))
			if title == "" {
				title = m[1]
			}
			return m[1], title, true
		}
	}
	return "", "", false
}

func (r Requirement) split(content string) ([]piece, error) {
	var out []piece

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		current strings.Builder
		cur     = piece{}
		section = 0
		lineNo  = 0
	)
	flush := func() {
		text := strings.TrimSpace(current.String())
		if text != "" {
			p := cur
			p.text = text
			if r.Code != "" {
				p.code = r.Code
			}
			out = append(out, p)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		lineNo++

		if code, title, ok := sectionMarker(line); ok {
			flush()
			section++
			cur = piece{line: lineNo, section: section, sectionTitle: title, code: code}
		} else if current.Len() == 0 && strings.TrimSpace(line) == "" {
			continue
		} else if cur.line == 0 {
			cur.line = lineNo
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chunker: reading requirement text: %w", err)
	}
	flush()

	return out, nil
}
