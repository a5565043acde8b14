package gatewayhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/cache"
	"github.com/manifold-run/gatewaycore/internal/chatorch"
	"github.com/manifold-run/gatewaycore/internal/contextbuild"
	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/embedprovider"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/memorypipe"
	"github.com/manifold-run/gatewaycore/internal/ratelimit"
	"github.com/manifold-run/gatewaycore/internal/relate"
	"github.com/manifold-run/gatewaycore/internal/summarize"
	"github.com/manifold-run/gatewaycore/internal/tenant"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/usage"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

const testAPIKey = "sk-test-key"

func newTestServer(t *testing.T, provider llmprovider.Provider) (*httptest.Server, *knowledge.MemoryStore) {
	t.Helper()

	tenants := tenant.NewMemoryStore()
	tenants.Seed(tenant.Tenant{TenantID: "t1", Plan: tenant.PlanFree, Active: true},
		tenant.APIKey{ID: "k1", KeyHash: tenant.HashKey(testAPIKey), TenantID: "t1", Active: true})
	auth := tenant.NewAuthenticator(tenants)

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

	orch := chatorch.New(chatorch.Dependencies{
		Context: cb, Provider: provider, Memory: memPipe, Usage: tracker, Tokens: tokencount.EstimateCounter{},
	})

	limiter := ratelimit.New(cache.NewInProcessCache(), gatewayconfig.RateLimitConfig{RequestsPerMinute: 60, Burst: 120, JobsPerMinute: 60})

	rel := relate.New(relate.Dependencies{Knowledge: ks, Vectors: vs}, gatewayconfig.RelationshipsConfig{NeighborK: 5, SupportsThreshold: 0.8})

	summ := summarize.New(summarize.Dependencies{
		Knowledge: ks, Vectors: vs, Embeddings: emb, Dialogue: ds, Provider: provider, Tokens: tokencount.EstimateCounter{},
	}, gatewayconfig.SummarizeConfig{})

	srv := New(Dependencies{
		Auth: auth, RateLimiter: limiter, Orchestrator: orch, Memory: memPipe,
		Knowledge: ks, Vectors: vs, Embeddings: emb, LLM: provider, Relate: rel, Summarize: summ,
	})

	return httptest.NewServer(srv.Router()), ks
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestChatCompletionsHappyPath(t *testing.T) {
	provider := &llmprovider.Fake{Reply: "the answer is 42"}
	srv, _ := newTestServer(t, provider)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/chat/completions", testAPIKey, map[string]any{
		"model":      "gpt-4",
		"session_id": "s1",
		"request_id": "req-1",
		"messages":   []map[string]string{{"role": "user", "content": "what is the answer"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out wireResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "the answer is 42", out.Choices[0].Message.Content)
}

func TestChatCompletionsRejectsMissingAuth(t *testing.T) {
	srv, _ := newTestServer(t, &llmprovider.Fake{Reply: "ok"})
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/chat/completions", "", map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListModelsWorksWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t, &llmprovider.Fake{Reply: "ok"})
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodGet, "/v1/models", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthWorksWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t, &llmprovider.Fake{Reply: "ok"})
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKnowledgeObjectCRUD(t *testing.T) {
	srv, _ := newTestServer(t, &llmprovider.Fake{Reply: "ok"})
	defer srv.Close()

	createResp := doJSON(t, srv, http.MethodPost, "/v1/knowledge/objects", testAPIKey, map[string]any{
		"type":    "FILE_CHUNK",
		"content": "hello world",
		"tags":    []string{"a", "b"},
	})
	defer createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	var created knowledgeObjectResponse
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	getResp := doJSON(t, srv, http.MethodGet, "/v1/knowledge/objects/"+created.ID, testAPIKey, nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	updateResp := doJSON(t, srv, http.MethodPut, "/v1/knowledge/objects/"+created.ID, testAPIKey, map[string]any{
		"tags": []string{"c"},
	})
	defer updateResp.Body.Close()
	require.Equal(t, http.StatusOK, updateResp.StatusCode)
	var updated knowledgeObjectResponse
	require.NoError(t, json.NewDecoder(updateResp.Body).Decode(&updated))
	require.Equal(t, []string{"c"}, updated.Tags)

	delResp := doJSON(t, srv, http.MethodDelete, "/v1/knowledge/objects/"+created.ID, testAPIKey, nil)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	getAfterDelete := doJSON(t, srv, http.MethodGet, "/v1/knowledge/objects/"+created.ID, testAPIKey, nil)
	defer getAfterDelete.Body.Close()
	require.Equal(t, http.StatusOK, getAfterDelete.StatusCode) // archive is not a hard delete (§8)
}

func TestKnowledgeObjectGetMissingReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &llmprovider.Fake{Reply: "ok"})
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodGet, "/v1/knowledge/objects/does-not-exist", testAPIKey, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEmbeddingsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &llmprovider.Fake{Reply: "ok"})
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/v1/embeddings", testAPIKey, map[string]any{
		"model": "text-embed", "input": []string{"hello", "world"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out embeddingsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data, 2)
	require.Len(t, out.Data[0].Embedding, 32)
}
