package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

// OpenAIEmbedder uses the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dim       int
	batchSize int
	logger    *zap.Logger
}

// NewOpenAIEmbedder creates an OpenAI embedder.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, &config.MissingValueError{Key: "embedding.api_key (or OPENAI_API_KEY)"}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	dim := cfg.Dimensions
	if dim <= 0 {
		dim = 1536 // text-embedding-3-small
		if cfg.Model == "text-embedding-3-large" {
			dim = 3072
		}
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dim:       dim,
		batchSize: batch,
		logger:    logger.Named("embedder.openai"),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in request-sized batches, preserving input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if len(t) == 0 {
			return nil, errors.New("cannot embed empty text")
		}
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model:      openai.EmbeddingModel(e.model),
			Input:      texts[start:end],
			Dimensions: e.dim,
		})
		if err != nil {
			return nil, fmt.Errorf("OpenAI API error: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), end-start)
		}

		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= end-start {
				return nil, fmt.Errorf("OpenAI returned out-of-range embedding index %d", d.Index)
			}
			v := make([]float32, len(d.Embedding))
			for i := range d.Embedding {
				v[i] = float32(d.Embedding[i])
			}
			l2normalize(v)
			out[start+d.Index] = v
		}
		e.logger.Debug("Embedded batch", zap.Int("size", end-start))
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dim }

// Model returns model information.
func (e *OpenAIEmbedder) Model() string { return "openai-" + e.model }
