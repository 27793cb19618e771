package routing

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
)

// Summary is the bounded view of a request sent to the advisor.
type Summary struct {
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Theme     string `json:"theme,omitempty"`
}

// Summarizer truncates request content to a token budget.
type Summarizer struct {
	codec  tokenizer.Codec
	budget int
}

// NewSummarizer creates a summarizer keeping at most budget tokens of
// content.
func NewSummarizer(budget int) (*Summarizer, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Summarizer{codec: codec, budget: budget}, nil
}

// Summarize builds the advisor view of req.
func (s *Summarizer) Summarize(req backend.Request) Summary {
	sum := Summary{Kind: catalog.Normalize(req.Kind), Theme: req.Theme.Name}
	sum.Content, sum.Truncated = s.truncate(req.Content)
	return sum
}

func (s *Summarizer) truncate(text string) (string, bool) {
	if s == nil || s.budget <= 0 {
		return text, false
	}
	if s.codec == nil {
		return truncateRunes(text, s.budget*4)
	}
	ids, _, err := s.codec.Encode(text)
	if err != nil {
		return truncateRunes(text, s.budget*4)
	}
	if len(ids) <= s.budget {
		return text, false
	}
	out, err := s.codec.Decode(ids[:s.budget])
	if err != nil {
		return truncateRunes(text, s.budget*4)
	}
	return out, true
}

func truncateRunes(text string, n int) (string, bool) {
	r := []rune(text)
	if len(r) <= n {
		return text, false
	}
	return string(r[:n]), true
}
