package memorypipe

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/blobstore"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

type fakeExtractor struct {
	ext Extraction
	err error
}

func (f fakeExtractor) Extract(context.Context, string, dialogue.State) (Extraction, error) {
	return f.ext, f.err
}

type fakeTrigger struct {
	calls int
	last  struct{ tenantID, sessionID string }
}

func (f *fakeTrigger) Trigger(_ context.Context, tenantID, sessionID string) {
	f.calls++
	f.last.tenantID, f.last.sessionID = tenantID, sessionID
}

func newTestPipeline(t *testing.T, extractor Extractor, trigger SummarizationTrigger) (*Pipeline, *knowledge.MemoryStore, *vectorstore.MemoryStore, *dialogue.MemoryStore) {
	t.Helper()
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	p := New(Dependencies{
		Knowledge:  ks,
		Vectors:    vs,
		Embeddings: &embedprovider.Fake{Dim: 32},
		Dialogue:   ds,
		Locker:     dialogue.NewInProcessLocker(),
		Tokens:     tokencount.EstimateCounter{},
		Extractor:  extractor,
		Summarizer: trigger,
	}, gatewayconfig.MemoryPipeConfig{Workers: 1, QueueHighWater: 10}, 120)
	return p, ks, vs, ds
}

func TestProcessPersistsTurnsAndFacts(t *testing.T) {
	p, ks, _, ds := newTestPipeline(t, fakeExtractor{ext: Extraction{
		Facts:    []Fact{{Content: "the launch date is March 3rd", Confidence: 0.9}},
		Entities: []string{"launch"},
	}}, nil)

	err := p.process(context.Background(), Job{
		TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-1",
		UserMessage:      "when do we launch?",
		AssistantMessage: "The launch date is March 3rd.",
	})
	require.NoError(t, err)

	objs, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "t1", Types: []knowledge.ObjectType{knowledge.TypeTurn}})
	require.NoError(t, err)
	require.Len(t, objs, 2)

	facts, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "t1", Types: []knowledge.ObjectType{knowledge.TypeExtractedFact}})
	require.NoError(t, err)
	require.Len(t, facts, 1)

	state, err := ds.GetOrCreate(context.Background(), "t1", "s1", "u1")
	require.NoError(t, err)
	require.Equal(t, 1, state.TurnCount)
	require.Contains(t, state.Topics, "launch")
}

func TestProcessIsIdempotentOnReplay(t *testing.T) {
	p, ks, _, _ := newTestPipeline(t, fakeExtractor{}, nil)
	job := Job{TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-1", UserMessage: "hi", AssistantMessage: "hello"}

	require.NoError(t, p.process(context.Background(), job))
	require.NoError(t, p.process(context.Background(), job))

	objs, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "t1", Types: []knowledge.ObjectType{knowledge.TypeTurn}})
	require.NoError(t, err)
	require.Len(t, objs, 2, "replay must not duplicate turns")
}

func TestProcessDedupesNearDuplicateFacts(t *testing.T) {
	p, ks, _, _ := newTestPipeline(t, fakeExtractor{ext: Extraction{
		Facts: []Fact{{Content: "the project codename is falcon", Confidence: 0.8}},
	}}, nil)

	require.NoError(t, p.process(context.Background(), Job{
		TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-1",
		UserMessage: "what is the codename", AssistantMessage: "it is falcon",
	}))
	require.NoError(t, p.process(context.Background(), Job{
		TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: "req-2",
		UserMessage: "remind me of the codename", AssistantMessage: "still falcon",
	}))

	facts, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "t1", Types: []knowledge.ObjectType{knowledge.TypeExtractedFact}})
	require.NoError(t, err)
	require.Len(t, facts, 1, "identical fact text must not be persisted twice")
}

func TestProcessTriggersSummarizationEveryTenTurns(t *testing.T) {
	trigger := &fakeTrigger{}
	p, _, _, _ := newTestPipeline(t, fakeExtractor{}, trigger)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.process(context.Background(), Job{
			TenantID: "t1", SessionID: "s1", UserID: "u1", RequestID: uuidLike(i),
			UserMessage: "question", AssistantMessage: "answer",
		}))
	}
	require.Equal(t, 1, trigger.calls)
	require.Equal(t, "t1", trigger.last.tenantID)
	require.Equal(t, "s1", trigger.last.sessionID)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, fakeExtractor{}, nil)
	// Workers never started: queue (capacity QueueHighWater=10) fills up.
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Enqueue(context.Background(), Job{TenantID: "t1", SessionID: "s1", RequestID: uuidLike(i)}))
	}
	err := p.Enqueue(context.Background(), Job{TenantID: "t1", SessionID: "s1", RequestID: "overflow"})
	require.Error(t, err)
}

func TestIsolatesTenantsInFactDedup(t *testing.T) {
	p, ks, _, _ := newTestPipeline(t, fakeExtractor{ext: Extraction{
		Facts: []Fact{{Content: "shared wording across tenants", Confidence: 0.8}},
	}}, nil)

	require.NoError(t, p.process(context.Background(), Job{
		TenantID: "tenant-a", SessionID: "s1", UserID: "u1", RequestID: "req-a",
		UserMessage: "x", AssistantMessage: "y",
	}))
	require.NoError(t, p.process(context.Background(), Job{
		TenantID: "tenant-b", SessionID: "s1", UserID: "u1", RequestID: "req-b",
		UserMessage: "x", AssistantMessage: "y",
	}))

	factsA, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "tenant-a", Types: []knowledge.ObjectType{knowledge.TypeExtractedFact}})
	require.NoError(t, err)
	factsB, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "tenant-b", Types: []knowledge.ObjectType{knowledge.TypeExtractedFact}})
	require.NoError(t, err)
	require.Len(t, factsA, 1)
	require.Len(t, factsB, 1, "tenant-b's fact must persist independently of tenant-a's identical wording")
}

func uuidLike(i int) string {
	return fmt.Sprintf("req-%d", i)
}

func TestPersistTurnVariantsOffloadsLargeRawContentToBlob(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	blobs := blobstore.NewInMemoryStore()
	p := New(Dependencies{
		Knowledge:  ks,
		Vectors:    vs,
		Embeddings: &embedprovider.Fake{Dim: 32},
		Dialogue:   ds,
		Locker:     dialogue.NewInProcessLocker(),
		Tokens:     tokencount.EstimateCounter{},
		Extractor:  fakeExtractor{},
		Blob:       blobs,
	}, gatewayconfig.MemoryPipeConfig{Workers: 1, QueueHighWater: 10}, 120)

	large := strings.Repeat("x", rawBlobThresholdBytes+1)
	require.NoError(t, p.process(context.Background(), Job{
		TenantID: "tenant-a", SessionID: "s1", UserID: "u1", RequestID: "req-large",
		UserMessage: "short user message", AssistantMessage: large,
	}))

	turns, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "tenant-a", Types: []knowledge.ObjectType{knowledge.TypeTurn}})
	require.NoError(t, err)
	require.Len(t, turns, 2)

	var assistantTurnID string
	for _, turn := range turns {
		if turn.Metadata["role"] == "assistant" {
			assistantTurnID = turn.ID
		}
	}
	require.NotEmpty(t, assistantTurnID)

	raw, ok, err := ks.GetVariant(context.Background(), "tenant-a", assistantTurnID, knowledge.VariantRaw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, raw.Content)
	require.NotEmpty(t, raw.StorageURI)

	roundTripped, err := blobs.Retrieve(context.Background(), raw.StorageURI)
	require.NoError(t, err)
	require.Equal(t, large, string(roundTripped))
}

func TestPersistTurnVariantsKeepsSmallRawContentInline(t *testing.T) {
	ks := knowledge.NewMemoryStore()
	vs := vectorstore.NewMemoryStore(32)
	ds := dialogue.NewMemoryStore()
	blobs := blobstore.NewInMemoryStore()
	p := New(Dependencies{
		Knowledge:  ks,
		Vectors:    vs,
		Embeddings: &embedprovider.Fake{Dim: 32},
		Dialogue:   ds,
		Locker:     dialogue.NewInProcessLocker(),
		Tokens:     tokencount.EstimateCounter{},
		Extractor:  fakeExtractor{},
		Blob:       blobs,
	}, gatewayconfig.MemoryPipeConfig{Workers: 1, QueueHighWater: 10}, 120)

	require.NoError(t, p.process(context.Background(), Job{
		TenantID: "tenant-b", SessionID: "s1", UserID: "u1", RequestID: "req-small",
		UserMessage: "hi", AssistantMessage: "a short reply",
	}))

	turns, err := ks.ListObjects(context.Background(), knowledge.Filters{TenantID: "tenant-b", Types: []knowledge.ObjectType{knowledge.TypeTurn}})
	require.NoError(t, err)
	require.Len(t, turns, 2)

	var assistantTurnID string
	for _, turn := range turns {
		if turn.Metadata["role"] == "assistant" {
			assistantTurnID = turn.ID
		}
	}
	require.NotEmpty(t, assistantTurnID)

	raw, ok, err := ks.GetVariant(context.Background(), "tenant-b", assistantTurnID, knowledge.VariantRaw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a short reply", raw.Content)
	require.Empty(t, raw.StorageURI)
}
