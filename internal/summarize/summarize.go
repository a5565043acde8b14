// Package summarize implements SessionSummarization (§4.8): collect a
// session's turns in order, call the LLM with a fixed summarization
// prompt, write the short summary back to DialogueState, and persist a
// SESSION_MEMORY knowledge object with the bullet form. Grounded on
// internal/agent/memory/manager.go's summarize-on-threshold flow,
// generalized from in-process conversation compaction to a triggerable,
// tenant-scoped background job whose completion is reported as a record
// rather than folded silently back into the caller's response.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

// CompletionRecord is emitted when a summarization run finishes (§4.8:
// "{status, session_id, summary, memory_object_id, tokens_used}").
type CompletionRecord struct {
	Status         string `json:"status"`
	SessionID      string `json:"session_id"`
	Summary        string `json:"summary"`
	MemoryObjectID string `json:"memory_object_id"`
	TokensUsed     int    `json:"tokens_used"`
}

// Dependencies are Summarizer's collaborators.
type Dependencies struct {
	Knowledge  knowledge.Store
	Vectors    vectorstore.Store
	Embeddings embedprovider.Provider
	Dialogue   Store
	Provider   llmprovider.Provider
	Tokens     tokencount.Counter
}

// Store is the subset of dialogue.Store Summarizer needs.
type Store interface {
	GetOrCreate(ctx context.Context, tenantID, sessionID, userID string) (dialogue.State, error)
	Save(ctx context.Context, s dialogue.State) error
}

// Summarizer runs §4.8's per-session job.
type Summarizer struct {
	deps Dependencies
	cfg  gatewayconfig.SummarizeConfig
}

func New(deps Dependencies, cfg gatewayconfig.SummarizeConfig) *Summarizer {
	return &Summarizer{deps: deps, cfg: cfg}
}

const summarizationSystemPrompt = `Summarize this conversation for long-term memory.
Respond with a single JSON object and nothing else:
{"summary_short":"...", "summary_bullets":"- bullet one\n- bullet two"}
summary_short is a flowing paragraph under 250 tokens.
summary_bullets is newline-separated "- " bullets, under 120 tokens total,
covering only durable facts and decisions, not conversational filler.`

// Summarize collects tenantID/sessionID's turns in order, calls the LLM,
// writes summary_short to DialogueState, and persists a SESSION_MEMORY
// object with the bullet form parented to the latest turn.
func (s *Summarizer) Summarize(ctx context.Context, tenantID, sessionID, userID string) (CompletionRecord, error) {
	log := gatewaylog.WithRequest(ctx)

	turns, err := s.deps.Knowledge.ListObjects(ctx, knowledge.Filters{TenantID: tenantID, Types: []knowledge.ObjectType{knowledge.TypeTurn}})
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: list turns: %w", err)
	}
	sessionTurns := filterSession(turns, sessionID)
	sortByCreatedAt(sessionTurns)

	transcript, latestTurnID := s.buildTranscript(ctx, tenantID, sessionTurns)
	if transcript == "" {
		return CompletionRecord{Status: "skipped", SessionID: sessionID}, nil
	}

	resp, err := s.deps.Provider.ChatCompletion(ctx, llmprovider.Request{
		Messages: []llmprovider.Message{
			{Role: "system", Content: summarizationSystemPrompt},
			{Role: "user", Content: transcript},
		},
		Temperature: 0,
		MaxTokens:   600,
	})
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: llm call: %w", err)
	}

	summaryShort, summaryBullets, err := parseSummary(resp.Content)
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: parse response: %w", err)
	}
	summaryShort = capToTokens(summaryShort, cfgOr(s.cfg.SummaryTokenCap, 250))
	summaryBullets = capToTokens(summaryBullets, cfgOr(s.cfg.BulletTokenCap, 120))

	state, err := s.deps.Dialogue.GetOrCreate(ctx, tenantID, sessionID, userID)
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: load dialogue state: %w", err)
	}
	state.SummaryShort = summaryShort
	state.SummaryBullets = summaryBullets
	if err := s.deps.Dialogue.Save(ctx, state); err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: save dialogue state: %w", err)
	}

	now := time.Now().UTC()
	memObj, err := s.deps.Knowledge.CreateObject(ctx, knowledge.Object{
		ID: uuid.NewString(), TenantID: tenantID, Type: knowledge.TypeSessionMemory,
		SessionID: sessionID, UserID: userID, ParentID: latestTurnID, CreatedAt: now,
	})
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: create session memory object: %w", err)
	}
	tokens, _ := s.deps.Tokens.CountText(ctx, "", summaryBullets)
	variant, err := s.deps.Knowledge.UpsertVariant(ctx, knowledge.Variant{
		ID: uuid.NewString(), KnowledgeObjectID: memObj.ID, Variant: knowledge.VariantBulletFacts,
		Content: summaryBullets, Tokens: tokens,
	})
	if err != nil {
		return CompletionRecord{}, fmt.Errorf("summarize: persist variant: %w", err)
	}

	if vec, err := s.deps.Embeddings.Embed(ctx, summaryBullets); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("summarize_embed_failed")
	} else {
		embedding, err := s.deps.Knowledge.UpsertEmbedding(ctx, knowledge.Embedding{ID: uuid.NewString(), VariantID: variant.ID, TextSnippet: summaryBullets})
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("summarize_persist_embedding_failed")
		} else if err := s.deps.Vectors.StoreEmbedding(ctx, tenantID, embedding.ID, vec, map[string]string{
			vectorstore.MetaObjectID:   memObj.ID,
			vectorstore.MetaObjectType: string(knowledge.TypeSessionMemory),
			vectorstore.MetaVariant:    string(knowledge.VariantBulletFacts),
			vectorstore.MetaCreatedAt:  now.Format(time.RFC3339),
			vectorstore.MetaTokens:     fmt.Sprint(tokens),
			vectorstore.MetaArchived:   "false",
		}); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("summarize_index_failed")
		}
	}

	return CompletionRecord{
		Status: "completed", SessionID: sessionID, Summary: summaryShort,
		MemoryObjectID: memObj.ID, TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func (s *Summarizer) buildTranscript(ctx context.Context, tenantID string, turns []knowledge.Object) (string, string) {
	var b strings.Builder
	var latestID string
	for _, t := range turns {
		v, ok, err := s.deps.Knowledge.GetVariant(ctx, tenantID, t.ID, knowledge.VariantRaw)
		if err != nil || !ok || v.Content == "" {
			v, ok, err = s.deps.Knowledge.GetVariant(ctx, tenantID, t.ID, knowledge.VariantShort)
			if err != nil || !ok || v.Content == "" {
				continue
			}
		}
		role := t.Metadata["role"]
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, v.Content)
		latestID = t.ID
	}
	return b.String(), latestID
}

func filterSession(objs []knowledge.Object, sessionID string) []knowledge.Object {
	out := make([]knowledge.Object, 0, len(objs))
	for _, o := range objs {
		if o.SessionID == sessionID {
			out = append(out, o)
		}
	}
	return out
}

func sortByCreatedAt(objs []knowledge.Object) {
	for i := 1; i < len(objs); i++ {
		for j := i; j > 0 && objs[j].CreatedAt.Before(objs[j-1].CreatedAt); j-- {
			objs[j], objs[j-1] = objs[j-1], objs[j]
		}
	}
}

// parseSummary tolerates a model that wraps its JSON in prose by extracting
// the outermost {...} span before unmarshaling, mirroring
// memorypipe.parseExtraction.
func parseSummary(content string) (string, string, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return "", "", fmt.Errorf("summarize: no JSON object in response")
	}
	var raw struct {
		SummaryShort   string `json:"summary_short"`
		SummaryBullets string `json:"summary_bullets"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return "", "", fmt.Errorf("summarize: parse response: %w", err)
	}
	if strings.TrimSpace(raw.SummaryShort) == "" {
		return "", "", fmt.Errorf("summarize: empty summary_short in response")
	}
	return strings.TrimSpace(raw.SummaryShort), strings.TrimSpace(raw.SummaryBullets), nil
}

func cfgOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func capToTokens(s string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}
