package summarize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

func seedTurn(t *testing.T, ks *knowledge.MemoryStore, tenantID, sessionID, id, role, content string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	obj, err := ks.CreateObject(ctx, knowledge.Object{
		ID: id, TenantID: tenantID, Type: knowledge.TypeTurn, SessionID: sessionID,
		Metadata: map[string]string{"role": role}, CreatedAt: at,
	})
	require.NoError(t, err)
	_, err = ks.UpsertVariant(ctx, knowledge.Variant{ID: id + "-short", KnowledgeObjectID: obj.ID, Variant: knowledge.VariantShort, Content: content})
	require.NoError(t, err)
}

func newTestSummarizer(t *testing.T, provider llmprovider.Provider) (*Summarizer, *knowledge.MemoryStore, *dialogue.MemoryStore) {
	t.Helper()
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	emb := &embedprovider.Fake{Dim: 32}

	s := New(Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds,
		Provider: provider, Tokens: tokencount.EstimateCounter{},
	}, gatewayconfig.SummarizeConfig{SummaryTokenCap: 250, BulletTokenCap: 120})
	return s, ks, ds
}

const fakeSummaryJSON = `{"summary_short":"The user asked about deployment timing and the assistant confirmed Tuesday noon.","summary_bullets":"- deployment window is Tuesday noon\n- user confirmed availability"}`

func TestSummarizeWritesDialogueStateAndSessionMemory(t *testing.T) {
	provider := &llmprovider.Fake{Reply: fakeSummaryJSON}
	s, ks, ds := newTestSummarizer(t, provider)

	base := time.Unix(1700000000, 0).UTC()
	seedTurn(t, ks, "t1", "s1", "turn-1", "user", "when is the deployment", base)
	seedTurn(t, ks, "t1", "s1", "turn-2", "assistant", "tuesday at noon", base.Add(time.Second))

	rec, err := s.Summarize(context.Background(), "t1", "s1", "u1")
	require.NoError(t, err)
	require.Equal(t, "completed", rec.Status)
	require.NotEmpty(t, rec.MemoryObjectID)
	require.Contains(t, rec.Summary, "Tuesday noon")

	state, err := ds.GetOrCreate(context.Background(), "t1", "s1", "u1")
	require.NoError(t, err)
	require.Contains(t, state.SummaryShort, "Tuesday noon")
	require.NotEmpty(t, state.SummaryBullets)

	variant, ok, err := ks.GetVariant(context.Background(), "t1", rec.MemoryObjectID, knowledge.VariantBulletFacts)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, variant.Content, "deployment window")
}

func TestSummarizeSkipsEmptySession(t *testing.T) {
	provider := &llmprovider.Fake{Reply: fakeSummaryJSON}
	s, _, _ := newTestSummarizer(t, provider)

	rec, err := s.Summarize(context.Background(), "t1", "empty-session", "u1")
	require.NoError(t, err)
	require.Equal(t, "skipped", rec.Status)
	require.Equal(t, 0, provider.Calls)
}

func TestSummarizeIsolatesTenantsByTurnFilter(t *testing.T) {
	provider := &llmprovider.Fake{Reply: fakeSummaryJSON}
	s, ks, _ := newTestSummarizer(t, provider)

	base := time.Unix(1700000000, 0).UTC()
	seedTurn(t, ks, "t1", "shared-session-id", "turn-1", "user", "t1 content here", base)
	seedTurn(t, ks, "t2", "shared-session-id", "turn-2", "user", "t2 content here", base)

	rec, err := s.Summarize(context.Background(), "t1", "shared-session-id", "u1")
	require.NoError(t, err)
	require.Equal(t, "completed", rec.Status)
}

func TestDispatcherRunsTriggerAsynchronously(t *testing.T) {
	provider := &llmprovider.Fake{Reply: fakeSummaryJSON}
	s, ks, _ := newTestSummarizer(t, provider)

	base := time.Unix(1700000000, 0).UTC()
	seedTurn(t, ks, "t1", "s1", "turn-1", "user", "hello there friend", base)

	d := NewDispatcher(s, 4, 1)
	d.Trigger(context.Background(), "t1", "s1")
	d.Close()

	require.Equal(t, 1, provider.Calls)
}
