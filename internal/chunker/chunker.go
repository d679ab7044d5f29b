// Package chunker splits documents into bounded, metadata-tagged chunks for
// embedding. Every strategy is deterministic: the same input and parameters
// always yield the same chunk sequence and ids.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// Strategy selects how a document is split.
type Strategy interface {
	// Name identifies the strategy and its parameters in chunk ids.
	Name() string
	split(content string) ([]piece, error)
}

// piece is one strategy output before metadata is attached.
type piece struct {
	text         string
	line         int // 1-based line of the first rune, 0 when unknown
	oversized    bool
	section      int
	sectionTitle string
	code         string
}

// Chunk splits content with the given strategy. The metadata is copied onto
// every chunk with position fields filled in. Empty content yields no chunks.
// Fixed is lossless and windows whitespace-only content like any other; the
// other strategies yield no chunks for blank content.
func Chunk(content string, meta schemas.ChunkMetadata, strategy Strategy) ([]schemas.Chunk, error) {
	if strategy == nil {
		return nil, fmt.Errorf("chunker: nil strategy")
	}
	if content == "" {
		return nil, nil
	}
	if _, lossless := strategy.(Fixed); !lossless && strings.TrimSpace(content) == "" {
		return nil, nil
	}

	pieces, err := strategy.split(content)
	if err != nil {
		return nil, err
	}

	chunks := make([]schemas.Chunk, 0, len(pieces))
	for i, p := range pieces {
		m := meta
		m.ChunkIndex = i
		m.TotalChunks = len(pieces)
		m.Oversized = p.oversized
		if p.line > 0 {
			m.LineNumber = meta.LineNumber + p.line
			if meta.LineNumber > 0 {
				m.LineNumber-- // offsets are relative to the caller's base line
			}
		}
		if p.section > 0 || p.sectionTitle != "" {
			m.Section = p.section
			m.SectionTitle = p.sectionTitle
		}
		if p.code != "" {
			m.RequirementCode = p.code
		}

		switch s := strategy.(type) {
		case Code:
			if m.ContentType == "" {
				m.ContentType = schemas.ContentCode
			}
		case Requirement:
			m.ContentType = schemas.ContentRequirement
			if s.Framework != "" {
				m.Framework = s.Framework
			}
		}
		if m.ContentType == "" {
			m.ContentType = schemas.ContentText
		}

		chunks = append(chunks, schemas.Chunk{
			ID:       chunkID(m.Source, m.FilePath, strategy.Name(), i, p.text),
			Content:  p.text,
			Metadata: m,
		})
	}
	return chunks, nil
}

// chunkID is stable across runs so re-chunking an unchanged document upserts
// over the same records.
func chunkID(source, filePath, strategy string, index int, content string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write([]byte(filePath))
	h.Write([]byte{'|'})
	h.Write([]byte(strategy))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{'|'})
	h.Write([]byte(content))
	sum := hex.EncodeToString(h.Sum(nil))[:24]

	prefix := source
	if prefix == "" {
		prefix = "chunk"
	}
	return prefix + "-" + sum
}
