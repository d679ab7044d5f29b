package rag

import (
	"context"
	"strings"
	"unicode"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// HybridSearch performs one vector search and re-ranks the hits by a blend of
// vector similarity and keyword overlap. The returned Similarity is the
// blended score.
func (e *Engine) HybridSearch(ctx context.Context, query string, k int, filters *schemas.SearchFilters) ([]schemas.ScoredChunk, error) {
	found, err := e.store.Search(ctx, query, k, filters)
	if err != nil {
		return nil, err
	}
	keywords := keywordsOf(query)
	out := make([]schemas.ScoredChunk, len(found))
	for i, sc := range found {
		out[i] = schemas.ScoredChunk{
			Chunk:      sc.Chunk,
			Similarity: e.cfg.VectorWeight*sc.Similarity + e.cfg.KeywordWeight*keywordOverlap(keywords, sc.Chunk.Content),
		}
	}
	sortScored(out)
	return out, nil
}

// keywordsOf returns the distinct lowercase words of query longer than three
// characters.
func keywordsOf(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) <= 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// keywordOverlap is the fraction of keywords present in content.
func keywordOverlap(keywords []string, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}
