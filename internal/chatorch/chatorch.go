// Package chatorch implements ChatOrchestrator (§4.5): the per-request
// state machine that ties authentication, rate limiting, context
// injection, the provider call, memory enqueue, and usage logging into one
// sequence. Grounded on internal/agentd/handlers_chat.go's request handler
// shape (validate → build context → call provider → stream/collect →
// trace/log), generalized from its single-tenant agent-run flow to a
// multi-tenant OpenAI-compatible completion with explicit state
// transitions and always-run post-turn bookkeeping.
package chatorch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manifold-run/gatewaycore/internal/contextbuild"
	"github.com/manifold-run/gatewaycore/internal/gatewayerr"
	"github.com/manifold-run/gatewaycore/internal/gatewaylog"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
	"github.com/manifold-run/gatewaycore/internal/memorypipe"
	"github.com/manifold-run/gatewaycore/internal/tokencount"
	"github.com/manifold-run/gatewaycore/internal/usage"
)

// State names the ChatOrchestrator state machine's positions (§4.5).
type State string

const (
	StateReceived      State = "RECEIVED"
	StateAuthenticated State = "AUTHENTICATED"
	StateRateChecked   State = "RATE_CHECKED"
	StateContextBuilt  State = "CONTEXT_BUILT"
	StateProviderCalled State = "PROVIDER_CALLED"
	StateStreaming     State = "STREAMING"
	StateCompleted     State = "COMPLETED"
	StateMemoryEnqueued State = "MEMORY_ENQUEUED"
	StateUsageLogged   State = "USAGE_LOGGED"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Message is one chat turn in the caller's request, independent of any
// specific provider's wire format.
type Message struct {
	Role    string
	Content string
}

// Request is a validated /v1/chat/completions call, already authenticated
// and tenant-scoped by the HTTP layer.
type Request struct {
	TenantID    string
	APIKeyID    string
	SessionID   string
	UserID      string
	RequestID   string // caller-provided or generated when empty
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Stream      bool
}

// Response is a non-streaming completion result, OpenAI-compatible (§6).
type Response struct {
	ID      string
	Object  string
	Created int64
	Model   string
	Choice  Message
	Usage   llmprovider.Usage
}

// EventType enumerates the SSE event names emitted while streaming (§4.5,
// §6: "context", "chunk", "done", "error").
type EventType string

const (
	EventContext EventType = "context"
	EventChunk   EventType = "chunk"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one SSE payload. Exactly one of the typed fields is populated,
// matching EventType.
type Event struct {
	Type  EventType
	Text  string            // context (debug dump) or chunk delta
	Usage llmprovider.Usage // done
	Err   error             // error
}

// StreamSink receives Events in order; the HTTP layer turns each into a
// `data: {...}\n\n` frame and flushes. Emit returning an error aborts the
// stream (mirrors the caller-disconnect path).
type StreamSink interface {
	Emit(Event) error
}

// Dependencies are ChatOrchestrator's collaborators.
type Dependencies struct {
	Context  *contextbuild.Builder
	Provider llmprovider.Provider
	Memory   *memorypipe.Pipeline
	Usage    *usage.Tracker
	Tokens   tokencount.Counter
}

// Orchestrator runs §4.5's state machine for one request at a time; it
// holds no per-request state itself.
type Orchestrator struct {
	deps Dependencies
}

func New(deps Dependencies) *Orchestrator { return &Orchestrator{deps: deps} }

func logState(ctx context.Context, requestID string, s State) {
	gatewaylog.WithRequest(ctx).Debug().Str("request_id", requestID).Str("state", string(s)).Msg("chatorch_state")
}

// IdleTimeout is the max gap between streamed chunks before the
// orchestrator aborts with an error event (§4.5, §5).
const IdleTimeout = 30 * time.Second

// Validate enforces §4.5's request-shape invariants, fast and side-effect
// free. A MaxTokens of 0 cannot be told apart from an omitted max_tokens
// and is accepted as "not provided"; negative values are rejected.
func Validate(req Request) error {
	if req.Model == "" {
		return gatewayerr.New(gatewayerr.InvalidRequest, "model is required").WithParam("model")
	}
	if len(req.Messages) == 0 {
		return gatewayerr.New(gatewayerr.InvalidRequest, "messages must be non-empty").WithParam("messages")
	}
	for i, m := range req.Messages {
		if m.Role == "" || m.Content == "" {
			return gatewayerr.New(gatewayerr.InvalidRequest, fmt.Sprintf("messages[%d] requires non-empty role and content", i)).WithParam("messages")
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return gatewayerr.New(gatewayerr.InvalidRequest, "temperature must be in [0,2]").WithParam("temperature")
	}
	if req.MaxTokens < 0 {
		return gatewayerr.New(gatewayerr.InvalidRequest, "max_tokens must be positive").WithParam("max_tokens")
	}
	return nil
}

// lastUserMessage returns the final user-role message, used to seed
// ContextBuilder (§4.3: "userPrompt").
func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func toProviderMessages(system string, msgs []Message) []llmprovider.Message {
	out := make([]llmprovider.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, llmprovider.Message{Role: "system", Content: system})
	}
	for _, m := range msgs {
		out = append(out, llmprovider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Complete runs the non-streaming path through CONTEXT_BUILT →
// PROVIDER_CALLED → COMPLETED → MEMORY_ENQUEUED → USAGE_LOGGED → DONE.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (Response, error) {
	if err := Validate(req); err != nil {
		return Response{}, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := gatewaylog.WithRequest(ctx)
	logState(ctx, req.RequestID, StateAuthenticated)
	logState(ctx, req.RequestID, StateRateChecked)

	ctxResult, err := o.deps.Context.Build(ctx, req.TenantID, req.SessionID, req.UserID, req.Model, lastUserMessage(req.Messages))
	if err != nil {
		log.Warn().Err(err).Msg("chatorch_context_build_failed")
		ctxResult = contextresultEmpty()
	}
	logState(ctx, req.RequestID, StateContextBuilt)

	providerReq := llmprovider.Request{
		Model:       req.Model,
		Messages:    toProviderMessages(ctxResult.Text, req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	resp, err := o.deps.Provider.ChatCompletion(ctx, providerReq)
	if err != nil {
		logState(ctx, req.RequestID, StateFailed)
		return Response{}, gatewayerr.Wrap(gatewayerr.ProviderUnavailable, "provider call failed", err)
	}
	logState(ctx, req.RequestID, StateProviderCalled)
	logState(ctx, req.RequestID, StateCompleted)

	o.postTurn(ctx, req, ctxResult, req.Messages, resp.Content, resp.Usage)
	logState(ctx, req.RequestID, StateDone)

	return Response{
		ID: req.RequestID, Object: "chat.completion", Created: time.Now().Unix(),
		Model: req.Model, Choice: Message{Role: "assistant", Content: resp.Content}, Usage: resp.Usage,
	}, nil
}

// streamHandler adapts a StreamSink into llmprovider.StreamHandler,
// accumulating the full text so post-turn bookkeeping sees the complete
// reply, and enforcing the idle timeout by stopping the chunk timer on
// every OnChunk call.
type streamHandler struct {
	sink     StreamSink
	text     *stringBuilder
	usage    *llmprovider.Usage
	lastBeat func()
}

type stringBuilder struct{ s string }

func (b *stringBuilder) WriteString(s string) { b.s += s }
func (b *stringBuilder) String() string       { return b.s }

func (h *streamHandler) OnChunk(c llmprovider.Chunk) error {
	if h.lastBeat != nil {
		h.lastBeat()
	}
	if c.Delta != "" {
		h.text.WriteString(c.Delta)
		if err := h.sink.Emit(Event{Type: EventChunk, Text: c.Delta}); err != nil {
			return err
		}
	}
	if c.Done {
		*h.usage = c.Usage
	}
	return nil
}

// Stream runs the streaming path: emits a `context` debug event once, then
// `chunk` events as the provider produces them, then `done`. An idle gap
// longer than IdleTimeout between chunks aborts with an `error` event and
// FAILED. Best-effort memory/usage writes still run for whatever partial
// text was produced (§4.5: "Cancellation... still runs best-effort memory/
// usage writes for the partial output already produced").
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink StreamSink) error {
	if err := Validate(req); err != nil {
		sink.Emit(Event{Type: EventError, Err: err})
		return err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := gatewaylog.WithRequest(ctx)
	logState(ctx, req.RequestID, StateAuthenticated)
	logState(ctx, req.RequestID, StateRateChecked)

	ctxResult, err := o.deps.Context.Build(ctx, req.TenantID, req.SessionID, req.UserID, req.Model, lastUserMessage(req.Messages))
	if err != nil {
		log.Warn().Err(err).Msg("chatorch_context_build_failed")
		ctxResult = contextresultEmpty()
	}
	logState(ctx, req.RequestID, StateContextBuilt)
	if err := sink.Emit(Event{Type: EventContext, Text: ctxResult.Text}); err != nil {
		return err
	}
	logState(ctx, req.RequestID, StateProviderCalled)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idleTimer := time.NewTimer(IdleTimeout)
	defer idleTimer.Stop()
	done := make(chan error, 1)

	var text stringBuilder
	var finalUsage llmprovider.Usage
	handler := &streamHandler{sink: sink, text: &text, usage: &finalUsage, lastBeat: func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(IdleTimeout)
	}}

	providerReq := llmprovider.Request{
		Model:       req.Model,
		Messages:    toProviderMessages(ctxResult.Text, req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	go func() {
		done <- o.deps.Provider.ChatCompletionStream(streamCtx, providerReq, handler)
	}()

	var streamErr error
	select {
	case streamErr = <-done:
	case <-idleTimer.C:
		cancel()
		streamErr = gatewayerr.New(gatewayerr.ProviderUnavailable, "provider idle timeout")
		<-done
	case <-ctx.Done():
		cancel()
		streamErr = ctx.Err()
		<-done
	}

	if streamErr != nil {
		logState(ctx, req.RequestID, StateFailed)
		sink.Emit(Event{Type: EventError, Err: streamErr})
	} else {
		logState(ctx, req.RequestID, StateCompleted)
		sink.Emit(Event{Type: EventDone, Usage: finalUsage})
	}

	// Best-effort post-turn bookkeeping always runs, even on error/cancel,
	// using whatever partial assistant text was produced.
	o.postTurn(ctx, req, ctxResult, req.Messages, text.String(), finalUsage)
	logState(ctx, req.RequestID, StateDone)

	return streamErr
}

// postTurn implements the always-run tail of §4.5: non-blocking memory
// enqueue, then a unique-on-request_id usage log write. Both failures are
// logged, never surfaced to the caller.
func (o *Orchestrator) postTurn(ctx context.Context, req Request, ctxResult contextbuild.Result, messages []Message, assistantText string, u llmprovider.Usage) {
	log := gatewaylog.WithRequest(ctx)

	if o.deps.Memory != nil && assistantText != "" {
		job := memorypipe.Job{
			TenantID: req.TenantID, SessionID: req.SessionID, UserID: req.UserID, RequestID: req.RequestID,
			UserMessage:      lastUserMessage(messages),
			AssistantMessage: assistantText,
			ContextObjectIDs: ctxResult.SourceObjectIDs,
		}
		if err := o.deps.Memory.Enqueue(context.Background(), job); err != nil {
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("chatorch_memory_enqueue_failed")
		}
	}
	logState(ctx, req.RequestID, StateMemoryEnqueued)

	if o.deps.Usage != nil {
		_, err := o.deps.Usage.Record(context.Background(), usage.Log{
			ID: uuid.NewString(), TenantID: req.TenantID, UserID: req.UserID, SessionID: req.SessionID,
			RequestID: req.RequestID, Model: req.Model, KnowledgeTokensUsed: ctxResult.TokensUsed,
			LLMInputTokens: u.PromptTokens, LLMOutputTokens: u.CompletionTokens,
		})
		if err != nil {
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("chatorch_usage_log_failed")
		}
	}
	logState(ctx, req.RequestID, StateUsageLogged)
}

func contextresultEmpty() contextbuild.Result {
	return contextbuild.Result{Degrade: contextbuild.DegradeRetrieval}
}
