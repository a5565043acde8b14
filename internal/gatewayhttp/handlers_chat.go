package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/manifold-run/gatewaycore/internal/chatorch"
	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/ratelimit"
	"github.com/manifold-run/gatewaycore/internal/tenant"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
	SessionID   string        `json:"session_id"`
	RequestID   string        `json:"request_id"`
}

func toOrchReq(scope tenant.Scope, body chatCompletionRequest) chatorch.Request {
	msgs := make([]chatorch.Message, len(body.Messages))
	for i, m := range body.Messages {
		msgs[i] = chatorch.Message{Role: m.Role, Content: m.Content}
	}
	return chatorch.Request{
		TenantID: scope.TenantID, APIKeyID: scope.APIKeyID, SessionID: body.SessionID,
		RequestID: body.RequestID, Model: body.Model, Messages: msgs,
		Temperature: body.Temperature, MaxTokens: body.MaxTokens, Stream: body.Stream,
	}
}

// handleChatCompletions implements POST /v1/chat/completions (§6):
// blocking JSON response, or SSE when body.stream is true.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Unauthenticated, "missing auth scope"))
		return
	}

	res, err := s.deps.RateLimiter.Allow(r.Context(), scope.TenantID, scope.APIKeyID)
	if err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "rate limit check failed", err))
		return
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(res))
		writeErr(w, gatewayerr.New(gatewayerr.RateLimited, "rate limit exceeded"))
		return
	}

	var body chatCompletionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}
	req := toOrchReq(scope, body)

	if !body.Stream {
		resp, err := s.deps.Orchestrator.Complete(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWireResponse(resp))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fl, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, gatewayerr.New(gatewayerr.Internal, "streaming not supported by this transport"))
		return
	}
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, fl: fl}
	stopKeepalive := make(chan struct{})
	go sink.keepalive(stopKeepalive)
	defer close(stopKeepalive)

	_ = s.deps.Orchestrator.Stream(r.Context(), req, sink)
}

type wireResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage   `json:"usage"`
}

type wireChoice struct {
	Index   int         `json:"index"`
	Message chatMessage `json:"message"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toWireResponse(r chatorch.Response) wireResponse {
	return wireResponse{
		ID: r.ID, Object: r.Object, Created: r.Created, Model: r.Model,
		Choices: []wireChoice{{Index: 0, Message: chatMessage{Role: r.Choice.Role, Content: r.Choice.Content}}},
		Usage: wireUsage{PromptTokens: r.Usage.PromptTokens, CompletionTokens: r.Usage.CompletionTokens, TotalTokens: r.Usage.TotalTokens},
	}
}

// sseSink adapts chatorch.StreamSink onto an http.ResponseWriter, grounded
// on internal/agentd/handlers_chat.go's mutex-guarded writeSSE/keepalive-
// ticker pattern.
type sseSink struct {
	mu sync.Mutex
	w  http.ResponseWriter
	fl http.Flusher
}

func (s *sseSink) Emit(e chatorch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := map[string]any{"type": string(e.Type)}
	switch e.Type {
	case chatorch.EventContext, chatorch.EventChunk:
		payload["text"] = e.Text
	case chatorch.EventDone:
		payload["usage"] = wireUsage{PromptTokens: e.Usage.PromptTokens, CompletionTokens: e.Usage.CompletionTokens, TotalTokens: e.Usage.TotalTokens}
	case chatorch.EventError:
		payload["error"] = gatewayerr.ToEnvelope(e.Err).Error
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

func (s *sseSink) keepalive(stop chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			fmt.Fprint(s.w, ": keepalive\n\n")
			s.fl.Flush()
			s.mu.Unlock()
		}
	}
}
