package llmprovider

import (
	"context"
	"errors"
	"strings"
)

// Fake is an in-process Provider used by tests, grounded on
// internal/persistence/databases/factory.go's noop-implementation idiom.
// Reply defaults to echoing the last user message; Err, when set, is
// returned by every call (used to exercise PROVIDER_UNAVAILABLE paths).
type Fake struct {
	Reply string
	Err   error
	Calls int
}

func (f *Fake) reply(req Request) string {
	if f.Reply != "" {
		return f.Reply
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return "echo: " + req.Messages[i].Content
		}
	}
	return "ok"
}

func (f *Fake) ChatCompletion(_ context.Context, req Request) (Response, error) {
	f.Calls++
	if f.Err != nil {
		return Response{}, f.Err
	}
	text := f.reply(req)
	return Response{
		Content: text,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: len(strings.Fields(text)), TotalTokens: 10 + len(strings.Fields(text))},
	}, nil
}

func (f *Fake) ChatCompletionStream(_ context.Context, req Request, h StreamHandler) error {
	f.Calls++
	if f.Err != nil {
		return f.Err
	}
	text := f.reply(req)
	for _, word := range strings.Fields(text) {
		if err := h.OnChunk(Chunk{Delta: word + " "}); err != nil {
			return err
		}
	}
	return h.OnChunk(Chunk{Done: true, Usage: Usage{PromptTokens: 10, CompletionTokens: len(strings.Fields(text)), TotalTokens: 10 + len(strings.Fields(text))}})
}

func (f *Fake) ListModels(_ context.Context) ([]string, error) { return []string{"fake-model"}, nil }

func (f *Fake) IsHealthy(_ context.Context) bool { return f.Err == nil }

// ErrUnavailable is a ready-made PROVIDER_UNAVAILABLE-shaped error for tests.
var ErrUnavailable = errors.New("llmprovider: unavailable")
