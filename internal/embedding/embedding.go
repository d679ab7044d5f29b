// Package embedding provides schemas.Embedder implementations: hosted models
// (OpenAI, Gemini), a local feature-hashing model for offline use, and a
// redis-backed cache decorator.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

// ProviderLocal selects the offline hashing embedder.
const ProviderLocal config.LLMProvider = "local"

// New builds the configured embedder, wrapped in a redis cache when enabled.
// The returned cleanup releases any clients created here.
func New(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (schemas.Embedder, func() error, error) {
	var (
		base schemas.Embedder
		err  error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		base, err = NewOpenAIEmbedder(cfg, logger)
	case config.ProviderGemini:
		base, err = NewGeminiEmbedder(ctx, cfg, logger)
	case ProviderLocal:
		base = NewHashingEmbedder(cfg.Dimensions)
	default:
		err = fmt.Errorf("unknown embedding provider %q. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderGemini, ProviderLocal)
	}
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() error { return nil }
	if !cfg.Cache.Enabled {
		return base, cleanup, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to embedding cache: %w", err)
	}

	cached := NewRedisCache(base, NewRedisBackend(client), cfg.Cache.TTL, logger)
	return cached, client.Close, nil
}

// l2normalize normalizes a vector to unit length in place.
func l2normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
