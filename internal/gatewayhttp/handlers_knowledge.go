package gatewayhttp

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/knowledge"
	"github.com/manifold-run/gatewaycore/internal/tenant"
	"github.com/manifold-run/gatewaycore/internal/vectorstore"
)

type knowledgeObjectRequest struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	ParentID  string            `json:"parent_id"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	Content   string            `json:"content"`
}

type knowledgeObjectResponse struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	ParentID  string            `json:"parent_id"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	Archived  bool              `json:"archived"`
	CreatedAt string            `json:"created_at"`
}

func toObjectResponse(o knowledge.Object) knowledgeObjectResponse {
	return knowledgeObjectResponse{
		ID: o.ID, Type: string(o.Type), SessionID: o.SessionID, UserID: o.UserID,
		ParentID: o.ParentID, Tags: o.Tags, Metadata: o.Metadata, Archived: o.Archived,
		CreatedAt: o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// handleKnowledgeObjectsCreate implements POST /v1/knowledge/objects (§6).
func (s *Server) handleKnowledgeObjectsCreate(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	var body knowledgeObjectRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}
	if body.Type == "" {
		writeErr(w, gatewayerr.New(gatewayerr.InvalidRequest, "type is required"))
		return
	}

	obj := knowledge.Object{
		ID: uuid.NewString(), TenantID: scope.TenantID, Type: knowledge.ObjectType(body.Type),
		SessionID: body.SessionID, UserID: body.UserID, ParentID: body.ParentID,
		Tags: body.Tags, Metadata: body.Metadata,
	}
	obj, err := s.deps.Knowledge.CreateObject(r.Context(), obj)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "create object failed", err))
		return
	}

	if body.Content != "" {
		_, err := s.deps.Knowledge.UpsertVariant(r.Context(), knowledge.Variant{
			ID: uuid.NewString(), KnowledgeObjectID: obj.ID, Variant: knowledge.VariantRaw, Content: body.Content,
		})
		if err != nil {
			writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "create variant failed", err))
			return
		}
	}

	writeJSON(w, http.StatusCreated, toObjectResponse(obj))
}

// handleKnowledgeObjectsList implements GET /v1/knowledge/objects (§6).
func (s *Server) handleKnowledgeObjectsList(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	f := knowledge.Filters{TenantID: scope.TenantID}
	if t := r.URL.Query().Get("type"); t != "" {
		f.Types = []knowledge.ObjectType{knowledge.ObjectType(t)}
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	if r.URL.Query().Get("include_archived") == "true" {
		f.IncludeArchived = true
	}
	objs, err := s.deps.Knowledge.ListObjects(r.Context(), f)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "list objects failed", err))
		return
	}
	out := make([]knowledgeObjectResponse, len(objs))
	for i, o := range objs {
		out[i] = toObjectResponse(o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}

// handleKnowledgeObjectGet implements GET /v1/knowledge/objects/{id} (§6).
func (s *Server) handleKnowledgeObjectGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	id := r.PathValue("id")
	obj, found, err := s.deps.Knowledge.GetObject(r.Context(), scope.TenantID, id)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "get object failed", err))
		return
	}
	if !found {
		writeErr(w, gatewayerr.New(gatewayerr.NotFound, "knowledge object not found"))
		return
	}
	writeJSON(w, http.StatusOK, toObjectResponse(obj))
}

// handleKnowledgeObjectUpdate implements PUT /v1/knowledge/objects/{id}
// (§6): replaces tags/metadata only, per knowledge.Store.UpdateObject.
func (s *Server) handleKnowledgeObjectUpdate(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	id := r.PathValue("id")
	var body knowledgeObjectRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}
	obj, found, err := s.deps.Knowledge.UpdateObject(r.Context(), scope.TenantID, id, body.Tags, body.Metadata)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "update object failed", err))
		return
	}
	if !found {
		writeErr(w, gatewayerr.New(gatewayerr.NotFound, "knowledge object not found"))
		return
	}
	writeJSON(w, http.StatusOK, toObjectResponse(obj))
}

// handleKnowledgeObjectDelete implements DELETE /v1/knowledge/objects/{id}
// (§6): archival, not a hard delete (§3/§8 archive-then-retrieve semantics).
func (s *Server) handleKnowledgeObjectDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Knowledge.ArchiveObject(r.Context(), scope.TenantID, id); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "archive object failed", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type knowledgeSearchResult struct {
	ObjectID string  `json:"object_id"`
	Score    float64 `json:"score"`
	Content  string  `json:"content,omitempty"`
}

// handleKnowledgeSearch implements GET /v1/knowledge/search (§6): embeds
// the query and returns ranked nearest neighbors, without ContextBuilder's
// MMR packing or token budget — a raw similarity search for API consumers.
func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeErr(w, gatewayerr.New(gatewayerr.InvalidRequest, "q is required"))
		return
	}
	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			k = n
		}
	}

	vec, err := s.deps.Embeddings.Embed(r.Context(), query)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.ProviderUnavailable, "query embedding failed", err))
		return
	}
	hits, err := s.deps.Vectors.FindSimilar(r.Context(), scope.TenantID, vec, k, nil)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "vector search failed", err))
		return
	}

	out := make([]knowledgeSearchResult, 0, len(hits))
	for _, h := range hits {
		objectID := h.Metadata[vectorstore.MetaObjectID]
		if h.Metadata[vectorstore.MetaArchived] == "true" {
			continue
		}
		res := knowledgeSearchResult{ObjectID: objectID, Score: h.Score}
		variant := knowledge.VariantType(h.Metadata[vectorstore.MetaVariant])
		if objectID != "" && variant != "" {
			if v, found, err := s.deps.Knowledge.GetVariant(r.Context(), scope.TenantID, objectID, variant); err == nil && found && v.HasContent() {
				res.Content = v.Content
			}
		}
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
