package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindSimilarIsolatesTenants(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, "tenant-a", "e1", []float32{1, 0, 0}, nil))
	require.NoError(t, store.StoreEmbedding(ctx, "tenant-b", "e2", []float32{1, 0, 0}, nil))

	resultsA, err := store.FindSimilar(ctx, "tenant-a", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, resultsA, 1)
	require.Equal(t, "e1", resultsA[0].EmbeddingID)

	resultsB, err := store.FindSimilar(ctx, "tenant-b", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, resultsB, 1)
	require.Equal(t, "e2", resultsB[0].EmbeddingID)
}

func TestFindSimilarRanksByCosineDescending(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, "t1", "close", []float32{1, 0.1}, nil))
	require.NoError(t, store.StoreEmbedding(ctx, "t1", "far", []float32{0, 1}, nil))
	require.NoError(t, store.StoreEmbedding(ctx, "t1", "exact", []float32{1, 0}, nil))

	results, err := store.FindSimilar(ctx, "t1", []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "exact", results[0].EmbeddingID)
	require.Equal(t, "far", results[len(results)-1].EmbeddingID)
}

func TestStoreEmbeddingIsIdempotentOnReUpsert(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, "t1", "e1", []float32{1, 0}, map[string]string{"v": "1"}))
	require.NoError(t, store.StoreEmbedding(ctx, "t1", "e1", []float32{0, 1}, map[string]string{"v": "2"}))

	stats, err := store.Statistics(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.VectorCount)

	results, err := store.FindSimilar(ctx, "t1", []float32{0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "2", results[0].Metadata["v"])
}

func TestFindSimilarAppliesMetadataFilter(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, "t1", "archived", []float32{1, 0}, map[string]string{"archived": "true"}))
	require.NoError(t, store.StoreEmbedding(ctx, "t1", "live", []float32{1, 0}, map[string]string{"archived": "false"}))

	results, err := store.FindSimilar(ctx, "t1", []float32{1, 0}, 10, map[string]string{"archived": "false"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "live", results[0].EmbeddingID)
}

func TestDeleteEmbeddingRespectsTenantOwnership(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, "t1", "e1", []float32{1, 0}, nil))

	require.NoError(t, store.DeleteEmbedding(ctx, "t2", "e1")) // wrong tenant: no-op
	stats, _ := store.Statistics(ctx, "t1")
	require.Equal(t, int64(1), stats.VectorCount)

	require.NoError(t, store.DeleteEmbedding(ctx, "t1", "e1"))
	stats, _ = store.Statistics(ctx, "t1")
	require.Equal(t, int64(0), stats.VectorCount)
}
