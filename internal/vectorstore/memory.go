package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memoryRecord struct {
	tenantID string
	vector   []float32
	metadata map[string]string
}

// MemoryStore is an in-process Store used by tests and the default
// "memory" backend.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]memoryRecord // by embeddingID
	dimension int
}

func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{records: map[string]memoryRecord{}, dimension: dimension}
}

func (m *MemoryStore) StoreEmbedding(_ context.Context, tenantID, embeddingID string, vector []float32, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	m.records[embeddingID] = memoryRecord{tenantID: tenantID, vector: vec, metadata: md}
	return nil
}

func (m *MemoryStore) DeleteEmbedding(_ context.Context, tenantID, embeddingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[embeddingID]; ok && r.tenantID == tenantID {
		delete(m.records, embeddingID)
	}
	return nil
}

func (m *MemoryStore) FindSimilar(_ context.Context, tenantID string, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		id    string
		score float64
		md    map[string]string
		vec   []float32
	}
	var candidates []scored
	for id, r := range m.records {
		if r.tenantID != tenantID {
			continue
		}
		if !matchesFilter(r.metadata, filter) {
			continue
		}
		candidates = append(candidates, scored{id: id, score: cosineSimilarity(vector, r.vector), md: r.metadata, vec: r.vector})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{EmbeddingID: c.id, Score: c.score, Metadata: c.md, Vector: c.vec}
	}
	return out, nil
}

func (m *MemoryStore) Statistics(_ context.Context, tenantID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, r := range m.records {
		if r.tenantID == tenantID {
			count++
		}
	}
	return Stats{VectorCount: count, Dimension: m.dimension}, nil
}

func (m *MemoryStore) IsHealthy(_ context.Context) error { return nil }

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
