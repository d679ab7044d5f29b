package schemas

import (
	"strings"
	"time"
)

// -- Retrieval Schemas --

// ContentType tags what kind of text a chunk carries.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentCode        ContentType = "code"
	ContentRequirement ContentType = "requirement"
	ContentEvidence    ContentType = "evidence"
)

// ChunkMetadata describes where a chunk came from and its position in the
// parent document. ChunkIndex is always strictly less than TotalChunks.
type ChunkMetadata struct {
	Source          string      `json:"source"`
	ContentType     ContentType `json:"content_type"`
	Framework       string      `json:"framework,omitempty"`
	RequirementCode string      `json:"requirement_code,omitempty"`
	FilePath        string      `json:"file_path,omitempty"`
	LineNumber      int         `json:"line_number,omitempty"`
	Section         int         `json:"section,omitempty"`
	SectionTitle    string      `json:"section_title,omitempty"`
	ChunkIndex      int         `json:"chunk_index"`
	TotalChunks     int         `json:"total_chunks"`
	// Oversized marks a chunk that exceeds the configured maximum because its
	// content could not be split any further.
	Oversized bool `json:"oversized,omitempty"`
}

// Chunk is a bounded, immutable unit of text used for retrieval.
type Chunk struct {
	ID       string        `json:"id"`
	Content  string        `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ScoredChunk pairs a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// VectorRecord is a persisted chunk plus its embedding vector.
type VectorRecord struct {
	Chunk     Chunk     `json:"chunk"`
	Embedding []float32 `json:"embedding"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchFilters restricts a similarity search to chunks with matching
// metadata. Empty fields do not constrain the search.
type SearchFilters struct {
	Source          string      `json:"source,omitempty"`
	ContentType     ContentType `json:"content_type,omitempty"`
	Framework       string      `json:"framework,omitempty"`
	RequirementCode string      `json:"requirement_code,omitempty"`
	FilePath        string      `json:"file_path,omitempty"`
}

// IsEmpty reports whether the filter constrains nothing. A nil filter is empty.
func (f *SearchFilters) IsEmpty() bool {
	if f == nil {
		return true
	}
	return f.Source == "" && f.ContentType == "" && f.Framework == "" &&
		f.RequirementCode == "" && f.FilePath == ""
}

// Matches reports whether the metadata satisfies every non-empty filter field.
// Framework and requirement code comparisons are case-insensitive.
func (f *SearchFilters) Matches(m ChunkMetadata) bool {
	if f.IsEmpty() {
		return true
	}
	if f.Source != "" && f.Source != m.Source {
		return false
	}
	if f.ContentType != "" && f.ContentType != m.ContentType {
		return false
	}
	if f.Framework != "" && !strings.EqualFold(f.Framework, m.Framework) {
		return false
	}
	if f.RequirementCode != "" && !strings.EqualFold(f.RequirementCode, m.RequirementCode) {
		return false
	}
	if f.FilePath != "" && f.FilePath != m.FilePath {
		return false
	}
	return true
}
