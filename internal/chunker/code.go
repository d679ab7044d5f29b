package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Code splits source files on top-level declarations, packing small
// declarations together up to MaxSize runes. Declarations that are still too
// large fall back to line packing and finally a hard rune cutoff, so any input
// terminates.
type Code struct {
	MaxSize int
}

func (c Code) Name() string { return fmt.Sprintf("code:%d", c.MaxSize) }

var declRegex = regexp.MustCompile(`^(?:func|type|class|def|async\s+def|export|public|private|protected|internal|interface|const|var|let|fn|pub|impl|struct|enum|module|package|import|@\w+)\b`)

var commentRegex = regexp.MustCompile(`^\s*(?://|#|/\*|\*|--|""")`)

type segment struct {
	lines []string
	line  int
}

func (c Code) split(content string) ([]piece, error) {
	if c.MaxSize <= 0 {
		return nil, fmt.Errorf("chunker: code max size must be positive, got %d", c.MaxSize)
	}

	segments := declarationSegments(strings.Split(content, "\n"))

	var out []piece
	var (
		cur     []string
		curLen  int
		curLine int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		if text := strings.Trim(strings.Join(cur, "\n"), "\n"); strings.TrimSpace(text) != "" {
			out = append(out, piece{text: text, line: curLine})
		}
		cur, curLen = nil, 0
	}
	add := func(lines []string, line int) {
		text := strings.Join(lines, "\n")
		n := utf8.RuneCountInString(text)
		joined := curLen + n
		if len(cur) > 0 {
			joined++
		}
		if joined > c.MaxSize {
			flush()
			joined = n
		}
		if len(cur) == 0 {
			curLine = line
		}
		cur = append(cur, lines...)
		curLen = joined
	}

	for _, seg := range segments {
		text := strings.Join(seg.lines, "\n")
		if utf8.RuneCountInString(text) <= c.MaxSize {
			add(seg.lines, seg.line)
			continue
		}
		// Oversized declaration: pack by lines, cutting any single long line.
		flush()
		for i, l := range seg.lines {
			lineNo := seg.line + i
			if utf8.RuneCountInString(l) <= c.MaxSize {
				add([]string{l}, lineNo)
				continue
			}
			flush()
			for _, part := range hardCut(l, c.MaxSize) {
				out = append(out, piece{text: part, line: lineNo})
			}
		}
		flush()
	}
	flush()
	return out, nil
}

// declarationSegments groups lines into segments that each start at a
// top-level declaration. Leading comment lines attach to the declaration
// that follows them.
func declarationSegments(lines []string) []segment {
	var segs []segment
	cur := segment{line: 1}
	depth := 0
	commentStart := -1 // index in cur.lines where a trailing comment block begins

	for i, l := range lines {
		if depth == 0 && declRegex.MatchString(l) && len(cur.lines) > 0 {
			carry := []string(nil)
			if commentStart >= 0 {
				carry = append(carry, cur.lines[commentStart:]...)
				cur.lines = cur.lines[:commentStart]
			}
			if len(cur.lines) > 0 {
				segs = append(segs, cur)
			}
			cur = segment{lines: carry, line: i + 1 - len(carry)}
		}

		if commentRegex.MatchString(l) && depth == 0 {
			if commentStart < 0 {
				commentStart = len(cur.lines)
			}
		} else if strings.TrimSpace(l) != "" {
			commentStart = -1
		}

		cur.lines = append(cur.lines, l)
		depth += braceDelta(l)
		if depth < 0 {
			depth = 0
		}
	}
	if len(cur.lines) > 0 {
		segs = append(segs, cur)
	}
	return segs
}

// braceDelta counts { minus } outside string literals and line comments.
func braceDelta(line string) int {
	delta := 0
	var quote rune
	escaped := false
	prev := rune(0)
	for _, r := range line {
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			if r == '\\' {
				escaped = true
			} else if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '/' && prev == '/':
			return delta
		case r == '#' && prev == 0:
			return delta
		case r == '{':
			delta++
		case r == '}':
			delta--
		}
		if r != ' ' && r != '\t' {
			prev = r
		}
	}
	return delta
}

// hardCut splits s into pieces of at most max runes without splitting a rune.
func hardCut(s string, max int) []string {
	var out []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += max {
		out = append(out, string(runes[start:min(start+max, len(runes))]))
	}
	return out
}
