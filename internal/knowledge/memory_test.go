package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVariantExactlyOneOfContentOrStorageURI(t *testing.T) {
	require.True(t, Variant{Content: "hello"}.Valid())
	require.True(t, Variant{StorageURI: "s3://bucket/key"}.Valid())
	require.False(t, Variant{}.Valid())
	require.False(t, Variant{Content: "hello", StorageURI: "s3://bucket/key"}.Valid())
}

func TestMemoryStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.CreateObject(ctx, Object{ID: "o1", TenantID: "t1", Type: TypeExtractedFact})
	require.NoError(t, err)

	_, ok, err := s.GetObject(ctx, "t2", "o1")
	require.NoError(t, err)
	require.False(t, ok, "object created under t1 must not resolve under t2")

	objs, err := s.ListObjects(ctx, Filters{TenantID: "t2"})
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestMemoryStoreEmbeddingUpsertIsIdempotentPerVariant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.CreateObject(ctx, Object{ID: "o1", TenantID: "t1", Type: TypeTurn})
	_, _ = s.UpsertVariant(ctx, Variant{ID: "v1", KnowledgeObjectID: "o1", Variant: VariantShort, Content: "x"})

	_, err := s.UpsertEmbedding(ctx, Embedding{ID: "e1", VariantID: "v1", Vector: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.UpsertEmbedding(ctx, Embedding{ID: "e2", VariantID: "v1", Vector: []float32{0, 1}})
	require.NoError(t, err)

	require.Len(t, s.Embeddings(), 1, "re-embedding the same variant_id must replace, not duplicate")
	require.Equal(t, []float32{0, 1}, s.Embeddings()["v1"].Vector)
}

func TestArchivedObjectsExcludedByDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.CreateObject(ctx, Object{ID: "o1", TenantID: "t1", Type: TypeExtractedFact})
	require.NoError(t, s.ArchiveObject(ctx, "t1", "o1"))

	objs, err := s.ListObjects(ctx, Filters{TenantID: "t1"})
	require.NoError(t, err)
	require.Empty(t, objs)

	objs, err = s.ListObjects(ctx, Filters{TenantID: "t1", IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, objs, 1)
}

func TestRelationshipUpsertPreservesCreatedAtOnReRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r1, err := s.UpsertRelationship(ctx, Relationship{ID: "r1", SourceID: "a", TargetID: "b", Type: RelationSupports, Confidence: 0.9})
	require.NoError(t, err)

	r2, err := s.UpsertRelationship(ctx, Relationship{ID: "r2", SourceID: "a", TargetID: "b", Type: RelationSupports, Confidence: 0.95})
	require.NoError(t, err)

	require.Equal(t, r1.CreatedAt, r2.CreatedAt, "re-detection updates confidence but not created_at")
	require.Equal(t, 0.95, r2.Confidence)
}
