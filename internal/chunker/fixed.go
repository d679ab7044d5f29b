package chunker

import (
	"fmt"
	"strings"
)

// Fixed is a sliding window over runes. Consecutive windows share Overlap
// runes; the last window may be shorter than Size.
type Fixed struct {
	Size    int
	Overlap int
}

func (f Fixed) Name() string { return fmt.Sprintf("fixed:%d:%d", f.Size, f.Overlap) }

func (f Fixed) split(content string) ([]piece, error) {
	if f.Size <= 0 {
		return nil, fmt.Errorf("chunker: fixed size must be positive, got %d", f.Size)
	}
	if f.Overlap < 0 || f.Overlap >= f.Size {
		return nil, fmt.Errorf("chunker: overlap must be in [0, size), got %d with size %d", f.Overlap, f.Size)
	}

	runes := []rune(content)
	step := f.Size - f.Overlap
	var out []piece
	line, counted := 1, 0
	for start := 0; start < len(runes); start += step {
		for ; counted < start; counted++ {
			if runes[counted] == '\n' {
				line++
			}
		}
		end := min(start+f.Size, len(runes))
		out = append(out, piece{text: string(runes[start:end]), line: line})
		if end == len(runes) {
			break
		}
	}
	return out, nil
}

// Reassemble reverses a Fixed split: chunk 0 whole, then each later chunk with
// its first overlap runes removed.
func Reassemble(contents []string, overlap int) string {
	var b strings.Builder
	for i, c := range contents {
		if i == 0 {
			b.WriteString(c)
			continue
		}
		r := []rune(c)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}
