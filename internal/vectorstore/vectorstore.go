package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
	"go.uber.org/zap"
)

// ErrSchemaMissing is returned by a backend whose table or vector extension
// has not been created yet.
var ErrSchemaMissing = errors.New("vector store schema is missing")

// Query is a similarity request handed to a Backend. Embedding is already
// computed; the backend only compares vectors of the same dimensionality.
type Query struct {
	Embedding     []float32
	K             int
	Filters       *schemas.SearchFilters
	MinSimilarity float64
}

// Backend is the storage half of the vector store.
type Backend interface {
	// Upsert writes records keyed by chunk id; the last write wins.
	Upsert(ctx context.Context, records []schemas.VectorRecord) error
	// Query returns at most K matches at or above MinSimilarity, most similar first.
	Query(ctx context.Context, q Query) ([]schemas.ScoredChunk, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
}

// Engine implements schemas.VectorStore on top of an Embedder and a Backend.
// Embedding, thresholds and degradation rules live here so every backend
// behaves the same way.
type Engine struct {
	backend  Backend
	embedder schemas.Embedder
	cfg      config.VectorStoreConfig
	logger   *zap.Logger
	now      func() time.Time
}

var _ schemas.VectorStore = (*Engine)(nil)

// New creates an Engine. Zero thresholds and timeouts fall back to the defaults.
func New(backend Backend, embedder schemas.Embedder, cfg config.VectorStoreConfig, logger *zap.Logger) *Engine {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.7
	}
	if cfg.FilteredMinSimilarity <= 0 {
		cfg.FilteredMinSimilarity = 0.6
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Engine{
		backend:  backend,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("vector_store"),
		now:      time.Now,
	}
}

// Store embeds every chunk and then upserts them. Nothing is written unless
// all embeddings were produced.
func (e *Engine) Store(ctx context.Context, chunks []schemas.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// Later duplicates in the same batch supersede earlier ones.
	index := make(map[string]int, len(chunks))
	unique := make([]schemas.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk has no id (source %q, index %d)", c.Metadata.Source, c.Metadata.ChunkIndex)
		}
		if i, ok := index[c.ID]; ok {
			unique[i] = c
			continue
		}
		index[c.ID] = len(unique)
		unique = append(unique, c)
	}

	texts := make([]string, len(unique))
	for i, c := range unique {
		texts[i] = c.Content
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vectors, err := e.embedder.EmbedBatch(embedCtx, texts)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to embed %d chunks: %w", len(unique), err)
	}
	if len(vectors) != len(unique) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(unique))
	}

	dim := e.embedder.Dimensions()
	now := e.now().UTC()
	records := make([]schemas.VectorRecord, len(unique))
	for i, c := range unique {
		if dim > 0 && len(vectors[i]) != dim {
			return fmt.Errorf("embedding for chunk %s has %d dimensions, expected %d", c.ID, len(vectors[i]), dim)
		}
		records[i] = schemas.VectorRecord{Chunk: c, Embedding: vectors[i], UpdatedAt: now}
	}

	if err := e.backend.Upsert(ctx, records); err != nil {
		if errors.Is(err, ErrSchemaMissing) {
			e.logger.Warn("Vector store schema missing, skipping store.", zap.Int("chunks", len(records)))
			return nil
		}
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	e.logger.Debug("Stored chunks.", zap.Int("count", len(records)), zap.String("model", e.embedder.Model()))
	return nil
}

// Search embeds the query and delegates to SearchByEmbedding. An embedding
// timeout degrades to an empty result.
func (e *Engine) Search(ctx context.Context, query string, k int, filters *schemas.SearchFilters) ([]schemas.ScoredChunk, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vec, err := e.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("Query embedding timed out, returning no results.", zap.Duration("timeout", e.cfg.EmbedTimeout))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return e.SearchByEmbedding(ctx, vec, k, filters)
}

// SearchByEmbedding applies the filtered threshold when filters are present
// and, if that yields nothing, retries unfiltered with the same embedding.
func (e *Engine) SearchByEmbedding(ctx context.Context, embedding []float32, k int, filters *schemas.SearchFilters) ([]schemas.ScoredChunk, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	if dim := e.embedder.Dimensions(); dim > 0 && len(embedding) != dim {
		return nil, fmt.Errorf("query embedding has %d dimensions, expected %d", len(embedding), dim)
	}

	if filters.IsEmpty() {
		return e.query(ctx, Query{Embedding: embedding, K: k, MinSimilarity: e.cfg.MinSimilarity})
	}

	results, err := e.query(ctx, Query{Embedding: embedding, K: k, Filters: filters, MinSimilarity: e.cfg.FilteredMinSimilarity})
	if err != nil || len(results) > 0 {
		return results, err
	}

	e.logger.Debug("Filtered search returned nothing, retrying unfiltered.",
		zap.String("framework", filters.Framework),
		zap.String("requirement_code", filters.RequirementCode))
	return e.query(ctx, Query{Embedding: embedding, K: k, MinSimilarity: e.cfg.MinSimilarity})
}

func (e *Engine) query(ctx context.Context, q Query) ([]schemas.ScoredChunk, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	results, err := e.backend.Query(queryCtx, q)
	if err == nil {
		return results, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	switch {
	case errors.Is(err, ErrSchemaMissing):
		e.logger.Warn("Vector store schema missing, returning no results.")
		return nil, nil
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("Vector query timed out, returning no results.", zap.Duration("timeout", e.cfg.QueryTimeout))
		return nil, nil
	}
	return nil, fmt.Errorf("vector query failed: %w", err)
}

// Delete removes every chunk whose metadata source matches.
func (e *Engine) Delete(ctx context.Context, source string) (int, error) {
	if source == "" {
		return 0, errors.New("source is required")
	}
	n, err := e.backend.DeleteBySource(ctx, source)
	if err != nil {
		if errors.Is(err, ErrSchemaMissing) {
			e.logger.Warn("Vector store schema missing, nothing to delete.", zap.String("source", source))
			return 0, nil
		}
		return 0, fmt.Errorf("failed to delete chunks for source %s: %w", source, err)
	}
	e.logger.Info("Deleted chunks.", zap.String("source", source), zap.Int("count", n))
	return n, nil
}
