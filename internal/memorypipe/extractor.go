package memorypipe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manifold-run/gatewaycore/internal/dialogue"
	"github.com/manifold-run/gatewaycore/internal/llmprovider"
)

// LLMExtractor implements Extractor by prompting model for a strict JSON
// extraction (§4.6 step 2). Grounded on internal/rag/ingest's LLM-backed
// enrichment calls, which ask the provider for one JSON object and parse it
// defensively rather than trusting well-formedness.
type LLMExtractor struct {
	Provider llmprovider.Provider
	Model    string
}

const extractionSystemPrompt = `You extract durable memory from one assistant reply in a conversation.
Respond with a single JSON object and nothing else, shaped exactly as:
{"facts":[{"content":"...","confidence":0.0}],"entities":["..."],"tasks":["..."]}
A fact is a statement worth remembering across sessions, not small talk.
confidence is in [0,1]. entities are short topic/person/project names.
tasks are outstanding action items the user or assistant committed to.
If there is nothing worth extracting, return {"facts":[],"entities":[],"tasks":[]}.`

func (e *LLMExtractor) Extract(ctx context.Context, assistantMessage string, state dialogue.State) (Extraction, error) {
	seed := assistantMessage
	if len(state.Topics) > 0 {
		seed = fmt.Sprintf("Known topics so far: %s\n\nReply to extract from:\n%s", strings.Join(state.Topics, ", "), assistantMessage)
	}
	resp, err := e.Provider.ChatCompletion(ctx, llmprovider.Request{
		Model: e.Model,
		Messages: []llmprovider.Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: seed},
		},
		Temperature: 0,
		MaxTokens:   800,
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("memorypipe: extraction call: %w", err)
	}
	return parseExtraction(resp.Content)
}

type rawExtraction struct {
	Facts []struct {
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
	Entities []string `json:"entities"`
	Tasks    []string `json:"tasks"`
}

// parseExtraction tolerates a model that wraps its JSON in prose or a code
// fence by extracting the outermost {...} span before unmarshaling.
func parseExtraction(content string) (Extraction, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Extraction{}, fmt.Errorf("memorypipe: no JSON object in extraction response")
	}
	var raw rawExtraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Extraction{}, fmt.Errorf("memorypipe: parse extraction response: %w", err)
	}
	out := Extraction{Entities: raw.Entities, Tasks: raw.Tasks}
	for _, f := range raw.Facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		out.Facts = append(out.Facts, Fact{Content: strings.TrimSpace(f.Content), Confidence: f.Confidence})
	}
	return out, nil
}

// HeuristicExtractor is a dependency-free Extractor for tests and for
// deployments with no extraction-capable model configured: every sentence
// in the assistant message longer than a few words becomes a low-confidence
// fact candidate, and capitalized words become entity guesses.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, assistantMessage string, _ dialogue.State) (Extraction, error) {
	var ext Extraction
	for _, sentence := range splitSentences(assistantMessage) {
		s := strings.TrimSpace(sentence)
		if len(strings.Fields(s)) < 4 {
			continue
		}
		ext.Facts = append(ext.Facts, Fact{Content: s, Confidence: 0.5})
	}
	for _, word := range strings.Fields(assistantMessage) {
		w := strings.Trim(word, ".,!?;:\"'")
		if len(w) > 2 && w[0] >= 'A' && w[0] <= 'Z' {
			ext.Entities = append(ext.Entities, w)
		}
	}
	return ext, nil
}

func splitSentences(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '\n'
	})
}
