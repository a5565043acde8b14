package relate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manifold-run/gatewaycore/internal/llmprovider"
)

// HeuristicClassifier fires on a lexical-overlap + negation/antonym rule:
// two statements sharing enough vocabulary to already be near-duplicates
// by cosine, but where one carries a negation the other lacks, are flagged
// as a likely contradiction. Zero external calls (§9 Open Question
// decision: ship a concrete classifier or gate it behind a flag, not both
// — HeuristicClassifier is the always-on default).
type HeuristicClassifier struct{}

var negationWords = map[string]bool{
	"not": true, "no": true, "never": true, "cannot": true, "can't": true,
	"won't": true, "isn't": true, "doesn't": true, "didn't": true, "false": true,
}

var antonymPairs = [][2]string{
	{"increase", "decrease"}, {"enabled", "disabled"}, {"true", "false"},
	{"supports", "rejects"}, {"success", "failure"}, {"up", "down"},
	{"online", "offline"}, {"active", "inactive"},
}

func (HeuristicClassifier) Classify(_ context.Context, a, b string) (bool, float64, error) {
	wordsA := tokenize(a)
	wordsB := tokenize(b)

	negA := hasNegation(wordsA)
	negB := hasNegation(wordsB)
	if negA != negB {
		return true, 0.6, nil
	}

	for _, pair := range antonymPairs {
		hasA0, hasA1 := wordsA[pair[0]], wordsA[pair[1]]
		hasB0, hasB1 := wordsB[pair[0]], wordsB[pair[1]]
		if (hasA0 && hasB1) || (hasA1 && hasB0) {
			return true, 0.7, nil
		}
	}
	return false, 0, nil
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,!?;:\"'")] = true
	}
	return out
}

func hasNegation(words map[string]bool) bool {
	for w := range words {
		if negationWords[w] {
			return true
		}
	}
	return false
}

// LLMClassifier asks the configured model a one-shot yes/no question:
// "do these two statements contradict each other?" Grounded on
// memorypipe.LLMExtractor's strict-JSON-response pattern, adapted to a
// single boolean+confidence answer.
type LLMClassifier struct {
	Provider llmprovider.Provider
	Model    string
}

const classifierSystemPrompt = `You judge whether two statements about the same subject contradict each other.
Respond with a single JSON object and nothing else: {"contradicts":true|false,"confidence":0.0}
Two statements that are merely about the same topic but not in conflict are NOT a contradiction.`

func (c *LLMClassifier) Classify(ctx context.Context, a, b string) (bool, float64, error) {
	resp, err := c.Provider.ChatCompletion(ctx, llmprovider.Request{
		Model: c.Model,
		Messages: []llmprovider.Message{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Statement A: %s\nStatement B: %s", a, b)},
		},
		Temperature: 0,
		MaxTokens:   100,
	})
	if err != nil {
		return false, 0, fmt.Errorf("relate: classifier call: %w", err)
	}
	return parseClassification(resp.Content)
}

func parseClassification(content string) (bool, float64, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return false, 0, fmt.Errorf("relate: no JSON object in classifier response")
	}
	var raw struct {
		Contradicts bool    `json:"contradicts"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return false, 0, err
	}
	return raw.Contradicts, raw.Confidence, nil
}
