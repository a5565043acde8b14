package chatorch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/contextbuild"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/memorypipe"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/usage"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

func newTestOrchestrator(t *testing.T, provider llmprovider.Provider) (*Orchestrator, *usage.MemoryStore) {
	t.Helper()
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	emb := &embedprovider.Fake{Dim: 32}
	cb := contextbuild.New(contextbuild.Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds, Tokens: tokencount.EstimateCounter{},
	}, gatewayconfig.ContextBudgetConfig{TokenBudget: 2000, RetrievalK: 40})

	memPipe := memorypipe.New(memorypipe.Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds,
		Locker: dialogue.NewInProcessLocker(), Tokens: tokencount.EstimateCounter{},
		Extractor: memorypipe.HeuristicExtractor{},
	}, gatewayconfig.MemoryPipeConfig{Workers: 1, QueueHighWater: 10}, 120)

	usageStore := usage.NewMemoryStore()
	tracker := usage.NewTracker(usageStore, usage.NewPricingTable(nil))

	o := New(Dependencies{Context: cb, Provider: provider, Memory: memPipe, Usage: tracker, Tokens: tokencount.EstimateCounter{}})
	return o, usageStore
}

func TestCompleteHappyPathLogsUsageAndEnqueuesMemory(t *testing.T) {
	provider := &llmprovider.Fake{Reply: "the answer is 42"}
	o, usageStore := newTestOrchestrator(t, provider)

	resp, err := o.Complete(context.Background(), Request{
		TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-1",
		Model: "gpt-4", Messages: []Message{{Role: "user", Content: "what is the answer"}},
	})
	require.NoError(t, err)
	require.Equal(t, "the answer is 42", resp.Choice.Content)
	require.Equal(t, 1, usageStore.CountForRequest("t1", "req-1"))
	// Workers are never started here, so the enqueued job stays queued.
	require.Equal(t, int64(1), o.deps.Memory.QueueDepth())
}

func TestCompleteUsageLogIsIdempotentOnReplay(t *testing.T) {
	provider := &llmprovider.Fake{Reply: "ok"}
	o, usageStore := newTestOrchestrator(t, provider)

	req := Request{TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-1", Model: "gpt-4",
		Messages: []Message{{Role: "user", Content: "hi"}}}
	_, err := o.Complete(context.Background(), req)
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 1, usageStore.CountForRequest("t1", "req-1"), "duplicate request_id must not double-log usage")
}

func TestCompleteRejectsInvalidRequest(t *testing.T) {
	provider := &llmprovider.Fake{}
	o, _ := newTestOrchestrator(t, provider)

	_, err := o.Complete(context.Background(), Request{TenantID: "t1", Model: "", Messages: nil})
	require.Error(t, err)
	require.Equal(t, gatewayerr.InvalidRequest, gatewayerr.KindOf(err))
}

func TestCompleteSurfacesProviderUnavailable(t *testing.T) {
	provider := &llmprovider.Fake{Err: llmprovider.ErrUnavailable}
	o, _ := newTestOrchestrator(t, provider)

	_, err := o.Complete(context.Background(), Request{
		TenantID: "t1", SessionID: "s1", UserID: "u1", Model: "gpt-4",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.Equal(t, gatewayerr.ProviderUnavailable, gatewayerr.KindOf(err))
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(e Event) error {
	s.events = append(s.events, e)
	return nil
}

func TestStreamEmitsContextChunksThenDone(t *testing.T) {
	provider := &llmprovider.Fake{Reply: "hello world"}
	o, usageStore := newTestOrchestrator(t, provider)
	sink := &recordingSink{}

	err := o.Stream(context.Background(), Request{
		TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-1", Model: "gpt-4",
		Messages: []Message{{Role: "user", Content: "say hello"}},
	}, sink)
	require.NoError(t, err)

	require.NotEmpty(t, sink.events)
	require.Equal(t, EventContext, sink.events[0].Type)
	require.Equal(t, EventDone, sink.events[len(sink.events)-1].Type)

	var chunks int
	for _, e := range sink.events {
		if e.Type == EventChunk {
			chunks++
		}
	}
	require.Greater(t, chunks, 0)
	require.Equal(t, 1, usageStore.CountForRequest("t1", "req-1"))
}

func TestStreamSurfacesProviderErrorAsErrorEvent(t *testing.T) {
	provider := &llmprovider.Fake{Err: llmprovider.ErrUnavailable}
	o, _ := newTestOrchestrator(t, provider)
	sink := &recordingSink{}

	err := o.Stream(context.Background(), Request{
		TenantID: "t1", SessionID: "s1", UserID: "u1", Model: "gpt-4",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, sink)
	require.Error(t, err)

	last := sink.events[len(sink.events)-1]
	require.Equal(t, EventError, last.Type)
}
