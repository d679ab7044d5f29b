package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// ErrCacheMiss is returned by a CacheBackend when the key is absent.
var ErrCacheMiss = errors.New("embedding cache miss")

// CacheBackend is the byte store under RedisCache.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisBackend adapts a go-redis client to CacheBackend.
type RedisBackend struct {
	client redis.Cmdable
}

// NewRedisBackend wraps a redis client.
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get retrieves a value from cache.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	return result, nil
}

// Set stores a value in cache with expiration.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

// RedisCache decorates an Embedder with a content-addressed cache. Cache
// failures are logged and bypassed; they never fail an embedding call.
type RedisCache struct {
	next    schemas.Embedder
	backend CacheBackend
	ttl     time.Duration
	logger  *zap.Logger
}

// NewRedisCache wraps next with a cache.
func NewRedisCache(next schemas.Embedder, backend CacheBackend, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		next:    next,
		backend: backend,
		ttl:     ttl,
		logger:  logger.Named("embedder.cache"),
	}
}

func (c *RedisCache) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch serves hits from the cache and embeds only the misses.
func (c *RedisCache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)

	for i, t := range texts {
		raw, err := c.backend.Get(ctx, c.key(t))
		if err == nil {
			if v, ok := decodeVector(raw, c.next.Dimensions()); ok {
				out[i] = v
				continue
			}
		} else if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Embedding cache read failed; bypassing", zap.Error(err))
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		out[idx] = fresh[j]
		if err := c.backend.Set(ctx, c.key(missTexts[j]), encodeVector(fresh[j]), c.ttl); err != nil {
			c.logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

func (c *RedisCache) Dimensions() int { return c.next.Dimensions() }
func (c *RedisCache) Model() string   { return c.next.Model() }

func (c *RedisCache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%d:%s", c.next.Model(), c.next.Dimensions(), hex.EncodeToString(sum[:]))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte, dim int) ([]float32, bool) {
	if len(raw) != 4*dim {
		return nil, false
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return v, true
}
