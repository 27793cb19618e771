package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"diagramflow/internal/catalog"
	"diagramflow/internal/llm"
)

// ErrMalformedAdvice is returned when the advisor's answer cannot be parsed.
var ErrMalformedAdvice = errors.New("malformed advice")

// Advice is an advisor's recommendation before validation.
type Advice struct {
	Primary       catalog.Method   `json:"primary"`
	Confidence    float64          `json:"confidence"`
	Justification string           `json:"justification"`
	Fallbacks     []catalog.Method `json:"fallbacks"`
}

// Advisor recommends a method for a request among the catalog candidates.
type Advisor interface {
	Advise(ctx context.Context, sum Summary, candidates []catalog.Candidate) (Advice, error)
}

const advisorSystemPrompt = `You choose how to generate a diagram.
Answer with a single JSON object and nothing else:
{"primary": "<method>", "confidence": <0..1>, "justification": "<one sentence>", "fallbacks": ["<method>", ...]}
Only use methods from the candidate list.`

// LLMAdvisor asks a language model to pick the method.
type LLMAdvisor struct {
	client llm.Client
}

// NewLLMAdvisor creates an advisor backed by client.
func NewLLMAdvisor(client llm.Client) *LLMAdvisor {
	return &LLMAdvisor{client: client}
}

// Advise implements Advisor.
func (a *LLMAdvisor) Advise(ctx context.Context, sum Summary, candidates []catalog.Candidate) (Advice, error) {
	answer, err := a.client.Complete(ctx, llm.Request{
		System:      advisorSystemPrompt,
		Prompt:      advisorPrompt(sum, candidates),
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return Advice{}, fmt.Errorf("advisor completion: %w", err)
	}
	return ParseAdvice(answer)
}

func advisorPrompt(sum Summary, candidates []catalog.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagram kind: %s\n", sum.Kind)
	if sum.Theme != "" {
		fmt.Fprintf(&b, "Theme: %s\n", sum.Theme)
	}
	b.WriteString("Candidates (method, catalog priority, expected quality):\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s (%d, %s)\n", c.Method, c.Priority, c.Quality)
	}
	b.WriteString("Content")
	if sum.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString(":\n")
	b.WriteString(sum.Content)
	return b.String()
}

// ParseAdvice extracts the JSON object from a model answer.
func ParseAdvice(answer string) (Advice, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return Advice{}, fmt.Errorf("%w: no JSON object in answer", ErrMalformedAdvice)
	}
	var adv Advice
	if err := json.Unmarshal([]byte(answer[start:end+1]), &adv); err != nil {
		return Advice{}, fmt.Errorf("%w: %v", ErrMalformedAdvice, err)
	}
	adv.Primary = catalog.Method(strings.ToLower(strings.TrimSpace(string(adv.Primary))))
	for i, f := range adv.Fallbacks {
		adv.Fallbacks[i] = catalog.Method(strings.ToLower(strings.TrimSpace(string(f))))
	}
	return adv, nil
}
