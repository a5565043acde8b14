// Package contextbuild implements ContextBuilder (§4.3, "the hard part"):
// Seed → Retrieve → Score → Pack-via-MMR → Micro-quote → Emit. Grounded on
// internal/rag/retrieve/{fusion.go,candidates.go,query.go}'s fused-candidate
// scoring and greedy diversification shape, generalized from RRF-over-two-
// lexical-sources to cosine+recency+redundancy over a single vector source.
package contextbuild

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/manifold-run/gatewaycore/internal/blobstore"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

// retrievalTypes are the object types eligible for context retrieval (§4.3
// step 2). TURN/RAW objects never surface except via the micro-quote path.
var retrievalTypes = map[knowledge.ObjectType]bool{
	knowledge.TypeSummary:       true,
	knowledge.TypeExtractedFact: true,
	knowledge.TypeSessionMemory: true,
	knowledge.TypeFileChunk:     true,
}

// Degrade names the degraded mode a Build call fell back to, for
// structured logging (§4.3: "these degradations MUST be marked in
// structured logs").
type Degrade string

const (
	DegradeNone      Degrade = ""
	DegradeRetrieval Degrade = "retrieval_failed"
	DegradeEmbedding Degrade = "embedding_failed"
)

// Result is ContextBuilder's output.
type Result struct {
	// Text is the synthetic system message: ≤ budget tokens, bullets
	// tagged "[src:<object_id>]", DialogueState.summary_bullets prepended
	// when present.
	Text string
	// SourceObjectIDs are every object_id cited in Text's provenance
	// markers, in emission order.
	SourceObjectIDs []string
	TokensUsed      int
	Degrade         Degrade
}

// Dependencies are ContextBuilder's read-only collaborators. Build never
// writes through any of them (§4.3 contract: "pure w.r.t. the store").
type Dependencies struct {
	Knowledge  knowledge.Store
	Vectors    vectorstore.Store
	Embeddings embedprovider.Provider
	Dialogue   dialogue.Store
	Tokens     tokencount.Counter
	Blob       blobstore.Store // may be nil; RAW behind storage_uri is then skipped for micro-quote
}

// Builder implements §4.3's algorithm.
type Builder struct {
	deps Dependencies
	cfg  gatewayconfig.ContextBudgetConfig
}

func New(deps Dependencies, cfg gatewayconfig.ContextBudgetConfig) *Builder {
	return &Builder{deps: deps, cfg: cfg}
}

type candidate struct {
	objectID  string
	variant   knowledge.VariantType
	content   string
	tokens    int
	cosine    float64
	createdAt time.Time
	vector    []float32
}

// Build runs Seed → Retrieve → Score → Pack → Micro-quote → Emit for one
// chat request. model is used for TokenCounter; "" falls back to the
// estimate heuristic.
func (b *Builder) Build(ctx context.Context, tenantID, sessionID, userID, model, userPrompt string) (Result, error) {
	log := gatewaylog.WithRequest(ctx)

	// 1. Seed.
	state, err := b.deps.Dialogue.GetOrCreate(ctx, tenantID, sessionID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("contextbuild: load dialogue state: %w", err)
	}
	seedQuery := userPrompt
	if len(state.Topics) > 0 {
		seedQuery = userPrompt + " " + strings.Join(state.Topics, " ")
	}

	budget := b.cfg.TokenBudget
	if budget <= 0 {
		budget = 2000
	}
	reserved, _ := b.deps.Tokens.CountText(ctx, model, state.SummaryBullets)
	available := budget - reserved
	if available < 0 {
		available = 0
	}

	// 2. Retrieve.
	var candidates []candidate
	degrade := DegradeNone

	vec, embedErr := b.deps.Embeddings.Embed(ctx, seedQuery)
	if embedErr != nil {
		degrade = DegradeEmbedding
		log.Warn().Err(embedErr).Str("tenant_id", tenantID).Msg("contextbuild_embedding_degraded")
	} else {
		k := b.cfg.RetrievalK
		if k <= 0 {
			k = 40
		}
		results, findErr := b.deps.Vectors.FindSimilar(ctx, tenantID, vec, k, map[string]string{
			vectorstore.MetaArchived: "false",
		})
		if findErr != nil {
			degrade = DegradeRetrieval
			log.Warn().Err(findErr).Str("tenant_id", tenantID).Msg("contextbuild_retrieval_degraded")
		} else {
			candidates = toCandidates(results)
		}
	}

	// 3+4. Score + pack via MMR.
	selected := pack(candidates, available, b.cfg)

	// Resolve content for the winners only (no content fetch happens
	// during the scoring/packing loop itself).
	selected = b.resolveContent(ctx, tenantID, selected)

	// 5. Micro-quote.
	var microQuote string
	if len(selected) > 0 && hasQuoteTrigger(userPrompt) {
		mq, mqTokens, err := b.microQuote(ctx, tenantID, selected[0].objectID, model)
		if err == nil && mq != "" && reserved+usedTokens(selected)+mqTokens <= budget {
			microQuote = mq
		}
	}

	// 6. Emit.
	text, ids := emit(state.SummaryBullets, selected, microQuote)
	used, _ := b.deps.Tokens.CountText(ctx, model, text)

	return Result{Text: text, SourceObjectIDs: ids, TokensUsed: used, Degrade: degrade}, nil
}

func toCandidates(results []vectorstore.Result) []candidate {
	out := make([]candidate, 0, len(results))
	for _, r := range results {
		objType := knowledge.ObjectType(r.Metadata[vectorstore.MetaObjectType])
		if !retrievalTypes[objType] {
			continue
		}
		objectID := r.Metadata[vectorstore.MetaObjectID]
		if objectID == "" {
			continue
		}
		tokens, _ := strconv.Atoi(r.Metadata[vectorstore.MetaTokens])
		createdAt, _ := time.Parse(time.RFC3339, r.Metadata[vectorstore.MetaCreatedAt])
		variant := knowledge.VariantType(r.Metadata[vectorstore.MetaVariant])
		out = append(out, candidate{
			objectID:  objectID,
			variant:   variant,
			tokens:    tokens,
			cosine:    r.Score,
			createdAt: createdAt,
			vector:    r.Vector,
		})
	}
	return out
}

// pack runs the greedy MMR selection loop (§4.3 step 4). Content is
// resolved afterward by resolveContent; pack only needs scores/tokens to
// decide which object_ids survive the budget.
func pack(candidates []candidate, available int, cfg gatewayconfig.ContextBudgetConfig) []candidate {
	alpha, beta, delta, lambda, mu := cfg.Alpha, cfg.Beta, cfg.Delta, cfg.RecencyLambda, cfg.MMRDiversity
	if alpha == 0 && beta == 0 && delta == 0 {
		alpha, beta, delta = 1.0, 0.2, 0.4
	}
	if lambda == 0 {
		lambda = 0.03
	}
	if mu == 0 {
		mu = 0.3
	}

	remaining := make([]candidate, len(candidates))
	copy(remaining, candidates)
	used := make([]bool, len(remaining))

	var selected []candidate
	tokensSoFar := 0
	now := time.Now()

	for {
		bestIdx := -1
		bestScore := -math.MaxFloat64
		for i, c := range remaining {
			if used[i] {
				continue
			}
			if tokensSoFar+c.tokens > available {
				continue
			}
			redundancy := maxSimilarity(c.vector, selected)
			ageDays := 0.0
			if !c.createdAt.IsZero() {
				ageDays = now.Sub(c.createdAt).Hours() / 24
			}
			recency := math.Exp(-lambda * ageDays)
			relevance := alpha*c.cosine + beta*recency - delta*redundancy
			mmrScore := mu*relevance - (1-mu)*redundancy
			if mmrScore > bestScore {
				bestScore = mmrScore
				bestIdx = i
			}
		}
		if bestIdx == -1 || bestScore < 0.0 {
			break
		}
		used[bestIdx] = true
		selected = append(selected, remaining[bestIdx])
		tokensSoFar += remaining[bestIdx].tokens
	}
	return selected
}

// resolveContent fetches each selected candidate's variant text. Preferred
// variant is whatever FindSimilar matched against (BULLET_FACTS or SHORT
// per §4.3 step 2); falls back to the other if missing. Candidates whose
// content cannot be resolved are dropped rather than emitted empty.
func (b *Builder) resolveContent(ctx context.Context, tenantID string, selected []candidate) []candidate {
	out := make([]candidate, 0, len(selected))
	for _, c := range selected {
		v, ok, err := b.deps.Knowledge.GetVariant(ctx, tenantID, c.objectID, c.variant)
		if err != nil || !ok || v.Content == "" {
			alt := knowledge.VariantShort
			if c.variant == knowledge.VariantShort {
				alt = knowledge.VariantBulletFacts
			}
			v, ok, err = b.deps.Knowledge.GetVariant(ctx, tenantID, c.objectID, alt)
			if err != nil || !ok || v.Content == "" {
				continue
			}
		}
		c.content = v.Content
		out = append(out, c)
	}
	return out
}

func maxSimilarity(v []float32, selected []candidate) float64 {
	if len(v) == 0 {
		return 0
	}
	max := 0.0
	for _, s := range selected {
		if sim := cosine(v, s.vector); sim > max {
			max = sim
		}
	}
	return max
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func usedTokens(selected []candidate) int {
	total := 0
	for _, c := range selected {
		total += c.tokens
	}
	return total
}

// hasQuoteTrigger detects a literal request for wording (§4.3 step 5).
func hasQuoteTrigger(prompt string) bool {
	p := strings.ToLower(prompt)
	triggers := []string{"exact wording", "verbatim", "quote", "word for word", "exact words"}
	for _, t := range triggers {
		if strings.Contains(p, t) {
			return true
		}
	}
	return false
}

// microQuote attaches at most one RAW slice of ≤120 tokens from the top
// item (§4.3 step 5). Resolution only; never writes.
func (b *Builder) microQuote(ctx context.Context, tenantID, objectID, model string) (string, int, error) {
	raw, ok, err := b.deps.Knowledge.GetVariant(ctx, tenantID, objectID, knowledge.VariantRaw)
	if err != nil || !ok {
		return "", 0, err
	}
	content := raw.Content
	if content == "" && raw.StorageURI != "" && b.deps.Blob != nil {
		blob, err := b.deps.Blob.Retrieve(ctx, raw.StorageURI)
		if err != nil {
			gatewaylog.WithRequest(ctx).Warn().Err(err).Str("object_id", objectID).Msg("contextbuild_raw_blob_retrieve_failed")
			return "", 0, nil
		}
		content = string(blob)
	}
	if content == "" {
		return "", 0, nil
	}
	const maxQuoteTokens = 120
	capped := capToTokens(content, maxQuoteTokens)
	tokens, _ := b.deps.Tokens.CountText(ctx, model, capped)
	return capped, tokens, nil
}

func capToTokens(s string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}

// emit assembles the final bullet list (§4.3 step 6): DialogueState's
// summary_bullets prepended when present, then one bullet per selected
// candidate tagged "[src:<object_id>]", then the micro-quote if any.
func emit(summaryBullets string, selected []candidate, microQuote string) (string, []string) {
	var b strings.Builder
	var ids []string
	if summaryBullets != "" {
		b.WriteString(summaryBullets)
		b.WriteString("\n")
	}
	for _, c := range selected {
		if c.content == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s [src:%s]\n", c.content, c.objectID)
		ids = append(ids, c.objectID)
	}
	if microQuote != "" {
		b.WriteString(microQuote)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), ids
}
