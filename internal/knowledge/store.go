package knowledge

import "context"

// Filters narrows FindSimilar-adjacent listing calls; zero values mean "no
// filter" except TenantID, which is always required (§3: "every query,
// write, and index MUST include tenant_id"). A non-empty Tags keeps objects
// carrying at least one of the listed tags.
type Filters struct {
	TenantID      string
	Types         []ObjectType
	Tags          []string
	IncludeArchived bool
	MaxAgeSeconds int64
}

// Store persists KnowledgeObject/ContentVariant/Embedding/Relationship
// rows. Grounded on internal/persistence's Init/Upsert/GetByID/Delete
// store-interface convention.
type Store interface {
	Init(ctx context.Context) error

	CreateObject(ctx context.Context, o Object) (Object, error)
	GetObject(ctx context.Context, tenantID, id string) (Object, bool, error)
	// UpdateObject replaces Tags/Metadata on an existing object; other
	// fields (type, parentage, created_at) are immutable after creation.
	UpdateObject(ctx context.Context, tenantID, id string, tags []string, metadata map[string]string) (Object, bool, error)
	ArchiveObject(ctx context.Context, tenantID, id string) error
	ListObjects(ctx context.Context, f Filters) ([]Object, error)

	UpsertVariant(ctx context.Context, v Variant) (Variant, error)
	GetVariant(ctx context.Context, tenantID, objectID string, variant VariantType) (Variant, bool, error)

	// UpsertEmbedding replaces any existing embedding for VariantID (§3:
	// "re-embedding under the same variant_id replaces the prior vector").
	UpsertEmbedding(ctx context.Context, e Embedding) (Embedding, error)

	UpsertRelationship(ctx context.Context, r Relationship) (Relationship, error)
	ListRelationships(ctx context.Context, tenantID, objectID string) ([]Relationship, error)

	// FindByRequestID supports MemoryPipeline's at-most-once guarantee:
	// turns for a given request_id are looked up by metadata["request_id"]
	// before any write, so replays are no-ops.
	FindByRequestID(ctx context.Context, tenantID, requestID string) ([]Object, error)
}
