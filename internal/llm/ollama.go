package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllama creates an Ollama client. An unparsable host falls back to the
// default local address.
func NewOllama(hostURL, model string) *OllamaClient {
	parsed, err := url.Parse(orDefault(hostURL, defaultOllamaHost))
	if err != nil {
		parsed, _ = url.Parse(defaultOllamaHost)
	}
	return &OllamaClient{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  orDefault(model, defaultOllamaModel),
	}
}

// Complete implements Client.
func (o *OllamaClient) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": maxTokens(req),
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	if response.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return response.Message.Content, nil
}

// Model implements Client.
func (o *OllamaClient) Model() string {
	return o.model
}
