package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

// GeminiEmbedder uses the Gemini embedding models through the genai SDK.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dim       int
	batchSize int
	logger    *zap.Logger
}

// NewGeminiEmbedder creates a Gemini embedder.
func NewGeminiEmbedder(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, &config.MissingValueError{Key: "embedding.api_key (or GEMINI_API_KEY)"}
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding.dimensions must be set for gemini")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}

	return &GeminiEmbedder{
		client:    client,
		model:     model,
		dim:       cfg.Dimensions,
		batchSize: batch,
		logger:    logger.Named("embedder.gemini"),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in batches, preserving input order.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	dim := int32(e.dim)
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}

		resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			TaskType:             "RETRIEVAL_DOCUMENT",
			OutputDimensionality: &dim,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini embed failed: %w", err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), end-start)
		}
		for _, emb := range resp.Embeddings {
			v := append([]float32(nil), emb.Values...)
			l2normalize(v)
			out = append(out, v)
		}
		e.logger.Debug("Embedded batch", zap.Int("size", end-start))
	}
	return out, nil
}

// Dimensions returns the configured output dimensionality.
func (e *GeminiEmbedder) Dimensions() int { return e.dim }

// Model returns model information.
func (e *GeminiEmbedder) Model() string { return "gemini-" + e.model }
