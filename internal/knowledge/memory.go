package knowledge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests, grounded on
// internal/persistence/databases/factory.go's noop-implementation idiom
// generalized into an actually-functional in-memory backend so unit tests
// can exercise real tenant-isolation and idempotency behavior without a
// database.
type MemoryStore struct {
	mu            sync.RWMutex
	objects       map[string]Object
	variants      map[string]Variant // key: objectID|variant
	variantsByID  map[string]Variant
	embeddings    map[string]Embedding // key: variantID
	relationships map[string]Relationship // key: source|target|type
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:       map[string]Object{},
		variants:      map[string]Variant{},
		variantsByID:  map[string]Variant{},
		embeddings:    map[string]Embedding{},
		relationships: map[string]Relationship{},
	}
}

func (s *MemoryStore) Init(_ context.Context) error { return nil }

func variantKey(objectID string, variant VariantType) string { return objectID + "|" + string(variant) }
func relKey(source, target string, t RelationshipType) string { return source + "|" + target + "|" + string(t) }

func (s *MemoryStore) CreateObject(_ context.Context, o Object) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.objects[o.ID]; !exists {
		s.objects[o.ID] = o
	}
	return s.objects[o.ID], nil
}

func (s *MemoryStore) GetObject(_ context.Context, tenantID, id string) (Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok || o.TenantID != tenantID {
		return Object{}, false, nil
	}
	return o, true, nil
}

func (s *MemoryStore) UpdateObject(_ context.Context, tenantID, id string, tags []string, metadata map[string]string) (Object, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok || o.TenantID != tenantID {
		return Object{}, false, nil
	}
	if tags != nil {
		o.Tags = tags
	}
	if metadata != nil {
		o.Metadata = metadata
	}
	s.objects[id] = o
	return o, true, nil
}

func (s *MemoryStore) ArchiveObject(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok || o.TenantID != tenantID {
		return nil
	}
	o.Archived = true
	s.objects[id] = o
	return nil
}

func (s *MemoryStore) ListObjects(_ context.Context, f Filters) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for _, o := range s.objects {
		if o.TenantID != f.TenantID {
			continue
		}
		if o.Archived && !f.IncludeArchived {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, o.Type) {
			continue
		}
		if f.MaxAgeSeconds > 0 && time.Since(o.CreatedAt) > time.Duration(f.MaxAgeSeconds)*time.Second {
			continue
		}
		if len(f.Tags) > 0 && !sharesTag(f.Tags, o.Tags) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func containsType(types []ObjectType, t ObjectType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func sharesTag(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) UpsertVariant(_ context.Context, v Variant) (Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.variants[variantKey(v.KnowledgeObjectID, v.Variant)] = v
	s.variantsByID[v.ID] = v
	return v, nil
}

func (s *MemoryStore) GetVariant(_ context.Context, tenantID, objectID string, variant VariantType) (Variant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[objectID]
	if !ok || o.TenantID != tenantID {
		return Variant{}, false, nil
	}
	v, ok := s.variants[variantKey(objectID, variant)]
	return v, ok, nil
}

func (s *MemoryStore) UpsertEmbedding(_ context.Context, e Embedding) (Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.embeddings[e.VariantID] = e
	if v, ok := s.variantsByID[e.VariantID]; ok {
		v.EmbeddingID = e.ID
		s.variantsByID[e.VariantID] = v
		s.variants[variantKey(v.KnowledgeObjectID, v.Variant)] = v
	}
	return e, nil
}

func (s *MemoryStore) UpsertRelationship(_ context.Context, r Relationship) (Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	k := relKey(r.SourceID, r.TargetID, r.Type)
	if existing, ok := s.relationships[k]; ok {
		r.CreatedAt = existing.CreatedAt // created_at of existing edges is unchanged (§8 scenario 6)
		r.ID = existing.ID
	}
	s.relationships[k] = r
	return r, nil
}

func (s *MemoryStore) ListRelationships(_ context.Context, tenantID, objectID string) ([]Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Relationship
	for _, r := range s.relationships {
		if r.SourceID == objectID || r.TargetID == objectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByRequestID(_ context.Context, tenantID, requestID string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for _, o := range s.objects {
		if o.TenantID == tenantID && o.Metadata["request_id"] == requestID {
			out = append(out, o)
		}
	}
	return out, nil
}

// Embeddings exposes the raw embedding map for tests/VectorStore wiring
// that need to enumerate vectors directly rather than through the Store
// interface.
func (s *MemoryStore) Embeddings() map[string]Embedding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Embedding, len(s.embeddings))
	for k, v := range s.embeddings {
		out[k] = v
	}
	return out
}
