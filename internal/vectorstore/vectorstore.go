// Package vectorstore implements VectorStore (§4.4): nearest-neighbor
// lookup over Embedding vectors, backend-switchable between Qdrant and
// Postgres/pgvector, with tenant isolation enforced at the query layer
// (never left to caller discipline) so a cross-tenant leak cannot happen
// by forgetting a filter. Grounded on
// internal/persistence/databases/{interfaces.go,factory.go,qdrant_vector.go,
// postgres_vector.go}.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
)

// Result is a single nearest-neighbor hit. Score is cosine similarity in
// [-1,1], higher is closer.
type Result struct {
	EmbeddingID string
	Score       float64
	Metadata    map[string]string
	// Vector is the stored embedding itself, returned alongside the score so
	// callers that need pairwise similarity among results (MMR packing)
	// don't have to round-trip a second lookup.
	Vector []float32
}

// Stats summarizes a tenant's vector population, used by /health detail
// (§12) and job dashboards.
type Stats struct {
	VectorCount int64
	Dimension   int
}

// Store is the VectorStore contract. Every method is scoped to a single
// tenantID; no method accepts a cross-tenant query.
type Store interface {
	StoreEmbedding(ctx context.Context, tenantID, embeddingID string, vector []float32, metadata map[string]string) error
	FindSimilar(ctx context.Context, tenantID string, vector []float32, k int, filter map[string]string) ([]Result, error)
	DeleteEmbedding(ctx context.Context, tenantID, embeddingID string) error
	Statistics(ctx context.Context, tenantID string) (Stats, error)
	IsHealthy(ctx context.Context) error
}

// tenantFilterKey is the reserved metadata key used to scope every record
// and every query to one tenant. Callers may not override it: Build's
// backends always set/overwrite this key themselves.
const tenantFilterKey = "_tenant_id"

// Metadata key convention shared by every writer (MemoryPipeline,
// RelationshipDiscovery, SessionSummarization) and reader (ContextBuilder)
// of embeddings, so a Result can be resolved back to its KnowledgeObject/
// ContentVariant without a second store round-trip for routing decisions.
const (
	MetaObjectID   = "object_id"
	MetaObjectType = "object_type"
	MetaVariant    = "variant"
	MetaCreatedAt  = "created_at" // RFC3339
	MetaTokens     = "tokens"
	MetaArchived   = "archived" // "true" | "false"
	MetaTags       = "tags"     // comma-joined
)

// Build selects a backend by cfg.Backend ("qdrant"|"postgres"|"memory"),
// mirroring internal/persistence/databases/factory.go's NewManager switch.
func Build(ctx context.Context, cfg gatewayconfig.VectorStoreConfig, pool *pgxpool.Pool) (Store, error) {
	switch cfg.Backend {
	case "qdrant":
		return NewQdrantStore(cfg.QdrantURL, "gateway_embeddings", cfg.Dimension)
	case "postgres", "pgvector":
		if pool == nil {
			return nil, fmt.Errorf("vectorstore: postgres backend requires a connection pool")
		}
		return NewPostgresStore(pool, cfg.Dimension), nil
	case "", "memory":
		return NewMemoryStore(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("vectorstore: unsupported backend %q", cfg.Backend)
	}
}
