package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// -- Hashing Embedder --

func TestHashingEmbedder(t *testing.T) {
	h := NewHashingEmbedder(128)
	ctx := context.Background()

	a, err := h.Embed(ctx, "Multi-factor authentication is enforced for all users")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "multi factor AUTHENTICATION is enforced for all users!")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "Quarterly revenue grew in the retail segment")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
	assert.InDelta(t, 1.0, cosine(a, b), 1e-5, "tokenization ignores case and punctuation")
	assert.Less(t, cosine(a, c), 0.5)

	batch, err := h.EmbedBatch(ctx, []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.Embed(cancelled, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"cc6", "1", "access", "control"}, Tokenize("CC6.1 — Access-Control"))
	assert.Empty(t, Tokenize("  ... "))
}

// -- OpenAI Embedder --

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/embeddings", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, 3, req.Dimensions)

		// Return data out of order to exercise index placement.
		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Object: "embedding", Embedding: []float32{float32(len(req.Input[i])), 0, 0}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "m"})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(config.EmbeddingConfig{
		APIKey: "k", BaseURL: server.URL, Model: "text-embedding-3-small", Dimensions: 3, BatchSize: 2,
	}, zap.NewNop())
	require.NoError(t, err)

	out, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2, requests, "three inputs at batch size two need two requests")
	for _, v := range out {
		assert.InDelta(t, 1.0, norm(v), 1e-6)
	}
	assert.Equal(t, 3, e.Dimensions())
	assert.Equal(t, "openai-text-embedding-3-small", e.Model())

	_, err = e.EmbedBatch(context.Background(), []string{""})
	assert.Error(t, err)
}

func TestNewOpenAIEmbedder_MissingKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(config.EmbeddingConfig{}, zap.NewNop())
	var missing *config.MissingValueError
	assert.True(t, errors.As(err, &missing))
}

func TestNewGeminiEmbedder_Validation(t *testing.T) {
	_, err := NewGeminiEmbedder(context.Background(), config.EmbeddingConfig{Dimensions: 8}, zap.NewNop())
	var missing *config.MissingValueError
	assert.True(t, errors.As(err, &missing))

	_, err = NewGeminiEmbedder(context.Background(), config.EmbeddingConfig{APIKey: "k"}, zap.NewNop())
	assert.Error(t, err)
}

// -- Factory --

func TestNew(t *testing.T) {
	e, cleanup, err := New(context.Background(), config.EmbeddingConfig{Provider: ProviderLocal, Dimensions: 64}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 64, e.Dimensions())
	assert.NoError(t, cleanup())

	_, _, err = New(context.Background(), config.EmbeddingConfig{Provider: "word2vec"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embedding provider")
}

// -- Cache Decorator --

type memBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("connection refused")
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type countingEmbedder struct {
	*HashingEmbedder
	calls int
	texts int
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	return c.HashingEmbedder.EmbedBatch(ctx, texts)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{HashingEmbedder: NewHashingEmbedder(32)}
	backend := &memBackend{data: map[string][]byte{}}
	cache := NewRedisCache(inner, backend, time.Hour, zap.NewNop())

	first, err := cache.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.texts)
	assert.Len(t, backend.data, 2)

	second, err := cache.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.texts, "only gamma is a miss")
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	single, err := cache.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, first[0], single)
	assert.Equal(t, 2, inner.calls, "a full hit does not reach the inner embedder")
	assert.Equal(t, 32, cache.Dimensions())
	assert.Equal(t, "local-hashing", cache.Model())
}

func TestRedisCache_BackendFailureIsBypassed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inner := NewHashingEmbedder(16)
	backend := &memBackend{data: map[string][]byte{}, failGet: true}
	cache := NewRedisCache(inner, backend, 0, zap.New(core))

	v, err := cache.Embed(context.Background(), "resilient")
	require.NoError(t, err)
	assert.Len(t, v, 16)
	assert.Equal(t, 1, logs.FilterMessage("Embedding cache read failed; bypassing").Len())
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got, ok := decodeVector(encodeVector(v), 3)
	require.True(t, ok)
	assert.Equal(t, v, got)

	_, ok = decodeVector([]byte{1, 2, 3}, 3)
	assert.False(t, ok)
}
