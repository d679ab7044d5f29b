package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// MemoryBackend keeps records in a map. It is safe for concurrent use.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]schemas.VectorRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]schemas.VectorRecord)}
}

func (m *MemoryBackend) Upsert(ctx context.Context, records []schemas.VectorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Embedding = append([]float32(nil), r.Embedding...)
		m.records[r.Chunk.ID] = r
	}
	return nil
}

func (m *MemoryBackend) Query(ctx context.Context, q Query) ([]schemas.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []schemas.ScoredChunk
	for _, r := range m.records {
		if len(r.Embedding) != len(q.Embedding) || !q.Filters.Matches(r.Chunk.Metadata) {
			continue
		}
		sim := cosine(q.Embedding, r.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		out = append(out, schemas.ScoredChunk{Chunk: r.Chunk, Similarity: sim})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

func (m *MemoryBackend) DeleteBySource(ctx context.Context, source string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.Chunk.Metadata.Source == source {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns the record for a chunk id.
func (m *MemoryBackend) Get(id string) (schemas.VectorRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
