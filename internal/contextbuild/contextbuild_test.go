package contextbuild

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/blobstore"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

func seedFact(t *testing.T, ks *knowledge.MemoryStore, vs *vectorstore.MemoryStore, emb embedprovider.Provider, tenantID, id, content string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	created := time.Now().UTC().Add(-age)
	obj, err := ks.CreateObject(ctx, knowledge.Object{
		ID: id, TenantID: tenantID, Type: knowledge.TypeExtractedFact, CreatedAt: created,
	})
	require.NoError(t, err)
	_, err = ks.UpsertVariant(ctx, knowledge.Variant{
		ID: id + "-bf", KnowledgeObjectID: obj.ID, Variant: knowledge.VariantBulletFacts,
		Content: content, Tokens: tokencount.EstimateText(content),
	})
	require.NoError(t, err)
	vec, err := emb.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, vs.StoreEmbedding(ctx, tenantID, id+"-emb", vec, map[string]string{
		vectorstore.MetaObjectID:   id,
		vectorstore.MetaObjectType: string(knowledge.TypeExtractedFact),
		vectorstore.MetaVariant:    string(knowledge.VariantBulletFacts),
		vectorstore.MetaCreatedAt:  created.Format(time.RFC3339),
		vectorstore.MetaTokens:     "10",
		vectorstore.MetaArchived:   "false",
	}))
}

func newTestBuilder(t *testing.T) (*Builder, *knowledge.MemoryStore, *vectorstore.MemoryStore, *dialogue.MemoryStore) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	emb := &embedprovider.Fake{Dim: 32}
	b := New(Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds, Tokens: tokencount.EstimateCounter{},
	}, gatewayconfig.ContextBudgetConfig{
		TokenBudget: 2000, RetrievalK: 40, Alpha: 1.0, Beta: 0.2, Delta: 0.4, RecencyLambda: 0.03, MMRDiversity: 0.3,
	})
	return b, ks, vs, ds
}

func TestBuildAssemblesCitedBullets(t *testing.T) {
	b, ks, vs, _ := newTestBuilder(t)
	emb := &embedprovider.Fake{Dim: 32}
	seedFact(t, ks, vs, emb, "t1", "fact-1", "the sky is blue because of rayleigh scattering", time.Hour)

	res, err := b.Build(context.Background(), "t1", "s1", "u1", "gpt-4", "why is the sky blue")
	require.NoError(t, err)
	require.Equal(t, DegradeNone, res.Degrade)
	require.Contains(t, res.Text, "[src:fact-1]")
	require.Contains(t, res.SourceObjectIDs, "fact-1")
}

func TestBuildIsolatesTenants(t *testing.T) {
	b, ks, vs, _ := newTestBuilder(t)
	emb := &embedprovider.Fake{Dim: 32}
	seedFact(t, ks, vs, emb, "tenant-a", "a-fact", "tenant a secret project codename falcon", time.Hour)

	res, err := b.Build(context.Background(), "tenant-b", "s1", "u1", "gpt-4", "tell me about falcon")
	require.NoError(t, err)
	require.NotContains(t, res.Text, "a-fact")
	require.Empty(t, res.SourceObjectIDs)
}

func TestBuildDegradesToStateOnlyOnRetrievalFailure(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	ds := dialogue.NewMemoryStore()
	_, err := ds.GetOrCreate(context.Background(), "t1", "s1", "u1")
	require.NoError(t, err)
	st, _ := ds.GetOrCreate(context.Background(), "t1", "s1", "u1")
	st.SummaryBullets = "- prior summary bullet"
	require.NoError(t, ds.Save(context.Background(), st))

	b := New(Dependencies{
		Knowledge: ks, Vectors: failingVectorStore{}, Embeddings: &embedprovider.Fake{Dim: 32}, Dialogue: ds, Tokens: tokencount.EstimateCounter{},
	}, gatewayconfig.ContextBudgetConfig{TokenBudget: 2000})

	res, err := b.Build(context.Background(), "t1", "s1", "u1", "gpt-4", "anything")
	require.NoError(t, err)
	require.Equal(t, DegradeRetrieval, res.Degrade)
	require.Contains(t, res.Text, "prior summary bullet")
}

func TestBuildDegradesToEmptyRetrievalOnEmbeddingFailure(t *testing.T) {
	b, ks, vs, _ := newTestBuilder(t)
	emb := &embedprovider.Fake{Dim: 32}
	seedFact(t, ks, vs, emb, "t1", "fact-1", "some retrievable content", time.Hour)

	b.deps.Embeddings = &embedprovider.Fake{Dim: 32, Err: errors.New("embedding backend down")}

	res, err := b.Build(context.Background(), "t1", "s1", "u1", "gpt-4", "anything")
	require.NoError(t, err)
	require.Equal(t, DegradeEmbedding, res.Degrade)
	require.Empty(t, res.SourceObjectIDs)
}

func TestMicroQuoteRetrievesOffloadedRawContentFromBlobStore(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	blobs := blobstore.NewInMemoryStore()
	emb := &embedprovider.Fake{Dim: 32}

	ctx := context.Background()
	obj, err := ks.CreateObject(ctx, knowledge.Object{ID: "turn-1", TenantID: "t1", Type: knowledge.TypeTurn, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	content := "a lengthy raw turn that got offloaded to blob storage"
	uri, err := blobs.Store(ctx, "t1", "turn-1-raw", []byte(content), nil)
	require.NoError(t, err)
	_, err = ks.UpsertVariant(ctx, knowledge.Variant{
		ID: "turn-1-raw", KnowledgeObjectID: obj.ID, Variant: knowledge.VariantRaw, StorageURI: uri,
	})
	require.NoError(t, err)

	b := New(Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds, Tokens: tokencount.EstimateCounter{}, Blob: blobs,
	}, gatewayconfig.ContextBudgetConfig{TokenBudget: 2000})

	quote, tokens, err := b.microQuote(ctx, "t1", obj.ID, "gpt-4")
	require.NoError(t, err)
	require.Equal(t, content, quote)
	require.Positive(t, tokens)
}

func TestMicroQuoteDegradesSilentlyWhenBlobMissing(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	emb := &embedprovider.Fake{Dim: 32}

	ctx := context.Background()
	obj, err := ks.CreateObject(ctx, knowledge.Object{ID: "turn-2", TenantID: "t1", Type: knowledge.TypeTurn, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = ks.UpsertVariant(ctx, knowledge.Variant{
		ID: "turn-2-raw", KnowledgeObjectID: obj.ID, Variant: knowledge.VariantRaw, StorageURI: "mem://t1/does-not-exist",
	})
	require.NoError(t, err)

	b := New(Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds, Tokens: tokencount.EstimateCounter{}, Blob: blobstore.NewInMemoryStore(),
	}, gatewayconfig.ContextBudgetConfig{TokenBudget: 2000})

	quote, tokens, err := b.microQuote(ctx, "t1", obj.ID, "gpt-4")
	require.NoError(t, err)
	require.Empty(t, quote)
	require.Zero(t, tokens)
}

type failingVectorStore struct{}

func (failingVectorStore) StoreEmbedding(context.Context, string, string, []float32, map[string]string) error {
	return errors.New("unreachable")
}
func (failingVectorStore) FindSimilar(context.Context, string, []float32, int, map[string]string) ([]vectorstore.Result, error) {
	return nil, errors.New("vector store unavailable")
}
func (failingVectorStore) DeleteEmbedding(context.Context, string, string) error { return nil }
func (failingVectorStore) Statistics(context.Context, string) (vectorstore.Stats, error) {
	return vectorstore.Stats{}, nil
}
func (failingVectorStore) IsHealthy(context.Context) error { return errors.New("unreachable") }
