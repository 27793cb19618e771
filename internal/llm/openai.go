package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const defaultOpenAIModel = "gpt-4.1-mini"

// OpenAIClient uses the OpenAI Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI client. baseURL may point at any
// Responses-compatible endpoint.
func NewOpenAI(apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  orDefault(model, defaultOpenAIModel),
	}
}

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens(req))),
		Temperature:     openai.Float(req.Temperature),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(req.Prompt)},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai responses: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyResponse
	}

	text := resp.OutputText()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Model implements Client.
func (o *OpenAIClient) Model() string {
	return o.model
}
