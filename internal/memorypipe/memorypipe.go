// Package memorypipe implements MemoryPipeline (§4.6): single cooperative
// worker pool, in-order-per-session processing, at-most-once via
// request_id. Grounded on internal/rag/service/service.go's numbered,
// independently-observable-stage Ingest pipeline (preprocess → idempotency
// → chunk → search-upsert → embed-upsert → graph-upsert), generalized from
// document ingestion to per-turn memory extraction, and on
// internal/rag/ingest/idempotency.go's lookup-before-write idempotency
// check (re-keyed from content-hash to request_id).
package memorypipe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/manifold-run/gatewaycore/internal/blobstore"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/gatewaymetrics"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

// Job is the (tenant_id, session_id, user_id, user_msg, assistant_msg,
// ctx_meta) triple ChatOrchestrator enqueues after a successful turn.
type Job struct {
	TenantID         string
	SessionID        string
	UserID           string
	RequestID        string
	UserMessage      string
	AssistantMessage string
	// ContextObjectIDs are the knowledge_object.ids the ContextBuilder cited
	// for this turn (ctx_meta), stored as provenance on the turn objects.
	ContextObjectIDs []string
}

// Fact is one extracted memory candidate.
type Fact struct {
	Content    string
	Confidence float64
}

// Extraction is MemoryExtractor's output (§4.6 step 2).
type Extraction struct {
	Facts      []Fact
	Entities   []string
	Tasks      []string
	Confidence float64
}

// Extractor is the MemoryExtractor external collaborator: an LLM call that
// turns a turn into structured facts/entities/tasks.
type Extractor interface {
	Extract(ctx context.Context, assistantMessage string, state dialogue.State) (Extraction, error)
}

// SummarizationTrigger is implemented by internal/summarize's scheduler.
// Kept as a narrow interface here (rather than importing internal/summarize
// directly) so memorypipe has no dependency on the job's implementation,
// only on the capability of kicking it off.
type SummarizationTrigger interface {
	Trigger(ctx context.Context, tenantID, sessionID string)
}

// Dependencies are Pipeline's collaborators.
type Dependencies struct {
	Knowledge    knowledge.Store
	Vectors      vectorstore.Store
	Embeddings   embedprovider.Provider
	Dialogue     dialogue.Store
	Locker       dialogue.Locker
	Tokens       tokencount.Counter
	Extractor    Extractor
	Summarizer   SummarizationTrigger // may be nil
	Metrics      gatewaymetrics.Sink  // may be nil; defaults to a no-op sink
	Blob         blobstore.Store      // may be nil; RAW stays inline when absent
}

// rawBlobThresholdBytes is the RAW-content size past which persistTurnVariants
// offloads to Blob instead of storing inline (§3: "RAW may live behind
// storage_uri").
const rawBlobThresholdBytes = 8192

// Pipeline is MemoryPipeline: a bounded job queue drained by a small worker
// pool, FIFO per session (via Locker), unordered across sessions.
type Pipeline struct {
	deps      Dependencies
	cfg       gatewayconfig.MemoryPipeConfig
	shortCap  int
	jobs      chan Job
	queueLen  int64
	highWater int64
	wg        sync.WaitGroup
}

func New(deps Dependencies, cfg gatewayconfig.MemoryPipeConfig, shortVariantCap int) *Pipeline {
	hw := cfg.QueueHighWater
	if hw <= 0 {
		hw = 1000
	}
	if shortVariantCap <= 0 {
		shortVariantCap = 120
	}
	if deps.Metrics == nil {
		deps.Metrics = gatewaymetrics.NoopSink{}
	}
	return &Pipeline{
		deps:      deps,
		cfg:       cfg,
		shortCap:  shortVariantCap,
		jobs:      make(chan Job, hw),
		highWater: int64(hw),
	}
}

// Start launches the worker pool. Call once; workers run until ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			atomic.AddInt64(&p.queueLen, -1)
			p.processLocked(ctx, job)
		}
	}
}

// Enqueue is non-blocking (§4.5: "this MUST NOT block the response").
// Returns an error when the queue is at its high-water mark; the caller
// (ChatOrchestrator) logs and continues rather than failing the request.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		n := atomic.AddInt64(&p.queueLen, 1)
		if n >= p.highWater {
			gatewaylog.WithRequest(ctx).Warn().Int64("queue_len", n).Msg("memorypipe_queue_high_water")
		}
		return nil
	default:
		p.deps.Metrics.IncCounter("memorypipe_queue_dropped_total", map[string]string{"tenant_id": job.TenantID})
		return fmt.Errorf("memorypipe: queue full (high_water=%d)", p.highWater)
	}
}

// QueueDepth reports the current backlog, for /health detail (§12).
func (p *Pipeline) QueueDepth() int64 { return atomic.LoadInt64(&p.queueLen) }

func (p *Pipeline) processLocked(ctx context.Context, job Job) {
	unlock, err := p.deps.Locker.Lock(ctx, job.SessionID)
	if err != nil {
		gatewaylog.WithRequest(ctx).Error().Err(err).Str("session_id", job.SessionID).Msg("memorypipe_lock_failed")
		return
	}
	defer unlock()

	if err := p.process(ctx, job); err != nil {
		gatewaylog.WithRequest(ctx).Error().Err(err).Str("request_id", job.RequestID).Msg("memorypipe_process_failed")
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) error {
	log := gatewaylog.WithRequest(ctx)

	// At-most-once: a replayed request_id is a no-op (§4.6: "replays MUST
	// NOT duplicate turns, facts, or usage rows").
	existing, err := p.deps.Knowledge.FindByRequestID(ctx, job.TenantID, job.RequestID)
	if err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	}
	if len(existing) > 0 {
		log.Debug().Str("request_id", job.RequestID).Msg("memorypipe_replay_skipped")
		return nil
	}

	// 1. Persist turns.
	now := time.Now().UTC()
	userTurn, err := p.deps.Knowledge.CreateObject(ctx, knowledge.Object{
		ID: uuid.NewString(), TenantID: job.TenantID, Type: knowledge.TypeTurn,
		SessionID: job.SessionID, UserID: job.UserID,
		Metadata:  map[string]string{"request_id": job.RequestID, "role": "user"},
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	assistantTurn, err := p.deps.Knowledge.CreateObject(ctx, knowledge.Object{
		ID: uuid.NewString(), TenantID: job.TenantID, Type: knowledge.TypeTurn,
		SessionID: job.SessionID, UserID: job.UserID, ParentID: userTurn.ID,
		Metadata:  map[string]string{"request_id": job.RequestID, "role": "assistant", "ctx_object_ids": strings.Join(job.ContextObjectIDs, ",")},
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}

	userTokens, err := p.persistTurnVariants(ctx, job.TenantID, userTurn, job.UserMessage)
	if err != nil {
		return fmt.Errorf("persist user turn variants: %w", err)
	}
	assistantTokens, err := p.persistTurnVariants(ctx, job.TenantID, assistantTurn, job.AssistantMessage)
	if err != nil {
		return fmt.Errorf("persist assistant turn variants: %w", err)
	}

	// 2. Extract memory.
	state, err := p.deps.Dialogue.GetOrCreate(ctx, job.TenantID, job.SessionID, job.UserID)
	if err != nil {
		return fmt.Errorf("load dialogue state: %w", err)
	}
	var extraction Extraction
	if p.deps.Extractor != nil {
		extraction, err = p.deps.Extractor.Extract(ctx, job.AssistantMessage, state)
		if err != nil {
			log.Warn().Err(err).Msg("memorypipe_extraction_failed")
		}
	}

	// 3. Persist surviving facts.
	persistedFacts := 0
	for _, fact := range extraction.Facts {
		if !validFact(fact) {
			continue
		}
		dup, err := p.isDuplicateFact(ctx, job.TenantID, fact.Content)
		if err != nil {
			log.Warn().Err(err).Msg("memorypipe_dedup_check_failed")
			continue
		}
		if dup {
			continue
		}
		if err := p.persistFact(ctx, job.TenantID, assistantTurn.ID, fact); err != nil {
			log.Warn().Err(err).Msg("memorypipe_persist_fact_failed")
			continue
		}
		persistedFacts++
	}

	// 4. Update DialogueState.
	state.TurnCount++
	prevCumulative := state.CumulativeTokens
	state.CumulativeTokens += userTokens + assistantTokens
	state.PushTopics(extraction.Entities...)
	if err := p.deps.Dialogue.Save(ctx, state); err != nil {
		return fmt.Errorf("save dialogue state: %w", err)
	}

	// 5. Conditional summarization trigger.
	if p.deps.Summarizer != nil && shouldSummarize(state, prevCumulative) {
		p.deps.Summarizer.Trigger(ctx, job.TenantID, job.SessionID)
	}

	log.Info().
		Str("request_id", job.RequestID).
		Int("facts_persisted", persistedFacts).
		Msg("memorypipe_turn_processed")
	return nil
}

// persistTurnVariants stores RAW and a truncated SHORT variant, embedding
// SHORT synchronously (§4.6 step 1).
func (p *Pipeline) persistTurnVariants(ctx context.Context, tenantID string, obj knowledge.Object, content string) (int, error) {
	shortContent := truncateToTokens(content, p.shortCap)
	shortTokens, _ := p.deps.Tokens.CountText(ctx, "", shortContent)

	rawVariant := knowledge.Variant{ID: uuid.NewString(), KnowledgeObjectID: obj.ID, Variant: knowledge.VariantRaw}
	if p.deps.Blob != nil && len(content) > rawBlobThresholdBytes {
		uri, err := p.deps.Blob.Store(ctx, tenantID, rawVariant.ID, []byte(content), nil)
		if err != nil {
			gatewaylog.WithRequest(ctx).Warn().Err(err).Str("object_id", obj.ID).Msg("memorypipe_raw_blob_store_failed")
			rawVariant.Content = content
		} else {
			rawVariant.StorageURI = uri
		}
	} else {
		rawVariant.Content = content
	}
	if _, err := p.deps.Knowledge.UpsertVariant(ctx, rawVariant); err != nil {
		return 0, err
	}
	shortVariant, err := p.deps.Knowledge.UpsertVariant(ctx, knowledge.Variant{
		ID: uuid.NewString(), KnowledgeObjectID: obj.ID, Variant: knowledge.VariantShort,
		Content: shortContent, Tokens: shortTokens,
	})
	if err != nil {
		return 0, err
	}

	vec, err := p.deps.Embeddings.Embed(ctx, shortContent)
	if err != nil {
		gatewaylog.WithRequest(ctx).Warn().Err(err).Str("object_id", obj.ID).Msg("memorypipe_turn_embed_failed")
		return shortTokens, nil
	}
	embedding, err := p.deps.Knowledge.UpsertEmbedding(ctx, knowledge.Embedding{
		ID: uuid.NewString(), VariantID: shortVariant.ID, TextSnippet: shortContent,
	})
	if err != nil {
		return shortTokens, err
	}
	if err := p.deps.Vectors.StoreEmbedding(ctx, tenantID, embedding.ID, vec, map[string]string{
		vectorstore.MetaObjectID:   obj.ID,
		vectorstore.MetaObjectType: string(knowledge.TypeTurn),
		vectorstore.MetaVariant:    string(knowledge.VariantShort),
		vectorstore.MetaCreatedAt:  obj.CreatedAt.Format(time.RFC3339),
		vectorstore.MetaTokens:     fmt.Sprint(shortTokens),
		vectorstore.MetaArchived:   "false",
	}); err != nil {
		return shortTokens, err
	}
	return shortTokens, nil
}

func (p *Pipeline) persistFact(ctx context.Context, tenantID, parentTurnID string, fact Fact) error {
	now := time.Now().UTC()
	obj, err := p.deps.Knowledge.CreateObject(ctx, knowledge.Object{
		ID: uuid.NewString(), TenantID: tenantID, Type: knowledge.TypeExtractedFact,
		ParentID: parentTurnID, CreatedAt: now,
	})
	if err != nil {
		return err
	}
	bullet := "- " + fact.Content
	tokens, _ := p.deps.Tokens.CountText(ctx, "", bullet)
	variant, err := p.deps.Knowledge.UpsertVariant(ctx, knowledge.Variant{
		ID: uuid.NewString(), KnowledgeObjectID: obj.ID, Variant: knowledge.VariantBulletFacts,
		Content: bullet, Tokens: tokens,
	})
	if err != nil {
		return err
	}
	vec, err := p.deps.Embeddings.Embed(ctx, fact.Content)
	if err != nil {
		return nil // fact is persisted even if not immediately searchable
	}
	embedding, err := p.deps.Knowledge.UpsertEmbedding(ctx, knowledge.Embedding{
		ID: uuid.NewString(), VariantID: variant.ID, TextSnippet: fact.Content,
	})
	if err != nil {
		return err
	}
	return p.deps.Vectors.StoreEmbedding(ctx, tenantID, embedding.ID, vec, map[string]string{
		vectorstore.MetaObjectID:   obj.ID,
		vectorstore.MetaObjectType: string(knowledge.TypeExtractedFact),
		vectorstore.MetaVariant:    string(knowledge.VariantBulletFacts),
		vectorstore.MetaCreatedAt:  now.Format(time.RFC3339),
		vectorstore.MetaTokens:     fmt.Sprint(tokens),
		vectorstore.MetaArchived:   "false",
	})
}

// isDuplicateFact checks exact-text then cosine≥0.95 against existing
// EXTRACTED_FACTs in the tenant (§4.6 step 2).
func (p *Pipeline) isDuplicateFact(ctx context.Context, tenantID, content string) (bool, error) {
	vec, err := p.deps.Embeddings.Embed(ctx, content)
	if err != nil {
		return false, nil // cannot dedupe without a vector; keep the fact
	}
	neighbors, err := p.deps.Vectors.FindSimilar(ctx, tenantID, vec, 5, map[string]string{
		vectorstore.MetaObjectType: string(knowledge.TypeExtractedFact),
		vectorstore.MetaArchived:   "false",
	})
	if err != nil {
		return false, err
	}
	for _, n := range neighbors {
		objectID := n.Metadata[vectorstore.MetaObjectID]
		existing, ok, err := p.deps.Knowledge.GetVariant(ctx, tenantID, objectID, knowledge.VariantBulletFacts)
		if err != nil || !ok {
			continue
		}
		if strings.TrimSpace(existing.Content) == strings.TrimSpace("- "+content) {
			return true, nil
		}
		if n.Score >= 0.95 {
			return true, nil
		}
	}
	return false, nil
}

func validFact(f Fact) bool {
	return strings.TrimSpace(f.Content) != "" && f.Confidence >= 0 && f.Confidence <= 1
}

// shouldSummarize implements §4.6 step 5: "turn_count % 10 == 0 OR
// cumulative_tokens ≥ 3000 since last summary". Absent a dedicated
// since-last-summary counter in DialogueState (§3's field list has none),
// the token trigger fires the turn cumulative_tokens crosses a multiple of
// the threshold, which is equivalent when summarization always resets the
// running count to zero-equivalent cadence.
func shouldSummarize(state dialogue.State, prevCumulative int) bool {
	const tokenThreshold = 3000
	if state.TurnCount%10 == 0 {
		return true
	}
	return prevCumulative/tokenThreshold != state.CumulativeTokens/tokenThreshold
}

// truncateToTokens condenses content to approximately maxTokens tokens
// (§4.6 step 1: "truncate/condense to ≤N tokens").
func truncateToTokens(content string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(content) <= maxChars {
		return content
	}
	return strings.TrimSpace(content[:maxChars]) + "…"
}
