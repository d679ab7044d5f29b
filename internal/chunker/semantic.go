package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Semantic packs whole paragraphs (blank-line separated) into chunks of at
// most MaxSize runes. A paragraph longer than MaxSize becomes its own chunk
// marked Oversized; it is never truncated.
type Semantic struct {
	MaxSize int
}

func (s Semantic) Name() string { return fmt.Sprintf("semantic:%d", s.MaxSize) }

type paragraph struct {
	text string
	line int
}

func (s Semantic) split(content string) ([]piece, error) {
	if s.MaxSize <= 0 {
		return nil, fmt.Errorf("chunker: semantic max size must be positive, got %d", s.MaxSize)
	}

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
		out = append(out, piece{text: strings.Join(cur, "\n\n"), line: curLine})
		cur, curLen = nil, 0
	}

	for _, p := range paragraphs(content) {
		n := utf8.RuneCountInString(p.text)
		if n > s.MaxSize {
			flush()
			out = append(out, piece{text: p.text, line: p.line, oversized: true})
			continue
		}
		joined := curLen + n
		if len(cur) > 0 {
			joined += 2
		}
		if joined > s.MaxSize {
			flush()
			joined = n
		}
		if len(cur) == 0 {
			curLine = p.line
		}
		cur = append(cur, p.text)
		curLen = joined
	}
	flush()
	return out, nil
}

// paragraphs splits on blank lines, trimming each paragraph.
func paragraphs(content string) []paragraph {
	lines := strings.Split(content, "\n")
	var out []paragraph
	var buf []string
	start := 0
	emit := func() {
		if text := strings.TrimSpace(strings.Join(buf, "\n")); text != "" {
			out = append(out, paragraph{text: text, line: start})
		}
		buf = nil
	}
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			emit()
			continue
		}
		if len(buf) == 0 {
			start = i + 1
		}
		buf = append(buf, l)
	}
	emit()
	return out
}
