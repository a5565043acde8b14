package relate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

func seedObject(t *testing.T, ks *knowledge.MemoryStore, vs *vectorstore.MemoryStore, emb *embedprovider.Fake, tenantID, id, content string) {
	t.Helper()
	ctx := context.Background()
	obj, err := ks.CreateObject(ctx, knowledge.Object{ID: id, TenantID: tenantID, Type: knowledge.TypeExtractedFact})
	require.NoError(t, err)
	_, err = ks.UpsertVariant(ctx, knowledge.Variant{ID: id + "-bf", KnowledgeObjectID: obj.ID, Variant: knowledge.VariantBulletFacts, Content: content})
	require.NoError(t, err)
	vec, err := emb.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, vs.StoreEmbedding(ctx, tenantID, id+"-emb", vec, map[string]string{
		vectorstore.MetaObjectID:   id,
		vectorstore.MetaObjectType: string(knowledge.TypeExtractedFact),
		vectorstore.MetaVariant:    string(knowledge.VariantBulletFacts),
		vectorstore.MetaArchived:   "false",
	}))
}

func TestDiscoverObjectEmitsSupportsForCloseNeighbor(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	emb := &embedprovider.Fake{Dim: 32}

	seedObject(t, ks, vs, emb, "t1", "a", "the deployment window is tuesday at noon")
	seedObject(t, ks, vs, emb, "t1", "b", "the deployment window is tuesday at noon")

	d := New(Dependencies{Knowledge: ks, Vectors: vs, Classifier: HeuristicClassifier{}}, gatewayconfig.RelationshipsConfig{
		SupportsThreshold: 0.82, ContradictsThreshold: 0.70, NeighborK: 20,
	})

	res, err := d.DiscoverObject(context.Background(), "t1", "a")
	require.NoError(t, err)
	require.Equal(t, 1, res.SupportsEmitted)

	rels, err := ks.ListRelationships(context.Background(), "t1", "a")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, knowledge.RelationSupports, rels[0].Type)
	require.Equal(t, "b", rels[0].TargetID)
}

func TestDiscoverObjectEmitsContradictsOnNegationMismatch(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	emb := &embedprovider.Fake{Dim: 32}

	seedObject(t, ks, vs, emb, "t1", "a", "the feature flag is enabled for all tenants")
	seedObject(t, ks, vs, emb, "t1", "b", "the feature flag is not enabled for all tenants")

	d := New(Dependencies{Knowledge: ks, Vectors: vs, Classifier: HeuristicClassifier{}}, gatewayconfig.RelationshipsConfig{
		SupportsThreshold: 0.82, ContradictsThreshold: 0.10, NeighborK: 20,
	})

	res, err := d.DiscoverObject(context.Background(), "t1", "a")
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.ContradictsEmitted, 1)
}

func TestDiscoverObjectIsIdempotentOnRerun(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	emb := &embedprovider.Fake{Dim: 32}

	seedObject(t, ks, vs, emb, "t1", "a", "the rollout is stable")
	seedObject(t, ks, vs, emb, "t1", "b", "the rollout is stable")

	d := New(Dependencies{Knowledge: ks, Vectors: vs, Classifier: HeuristicClassifier{}}, gatewayconfig.RelationshipsConfig{
		SupportsThreshold: 0.82, ContradictsThreshold: 0.70, NeighborK: 20,
	})

	_, err := d.DiscoverObject(context.Background(), "t1", "a")
	require.NoError(t, err)
	_, err = d.DiscoverObject(context.Background(), "t1", "a")
	require.NoError(t, err)

	rels, err := ks.ListRelationships(context.Background(), "t1", "a")
	require.NoError(t, err)
	require.Len(t, rels, 1, "re-running discovery must update, not duplicate, the edge")
}

func TestHeuristicClassifierDoesNotFireWithoutNegationOrAntonym(t *testing.T) {
	c := HeuristicClassifier{}
	fires, _, err := c.Classify(context.Background(), "the sky is blue", "the grass is green")
	require.NoError(t, err)
	require.False(t, fires)
}
