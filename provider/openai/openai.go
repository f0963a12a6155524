package openai_provider

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/provider"
)

// Client implements provider.Provider against an OpenAI-compatible endpoint.
type Client struct {
	api *openai.Client
	cfg config.LLMConfig
}

// New creates a provider client from LLM configuration. BaseURL may point at
// any OpenAI-compatible inference service.
func New(cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{api: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

// Complete requests one chat completion, forwarding tool definitions and any
// prior tool results carried in the conversation.
func (c *Client) Complete(ctx context.Context, messages []provider.Message, tools []provider.ToolSpec) (provider.Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.CompletionModel,
		Messages:    toChatMessages(messages),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return provider.Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Completion{}, fmt.Errorf("no choices in completion response")
	}

	msg := resp.Choices[0].Message
	out := provider.Completion{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Embed generates embedding vectors for the given texts.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	}
	if c.cfg.EmbeddingDimensions > 0 {
		req.Dimensions = c.cfg.EmbeddingDimensions
	}
	resp, err := c.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func toChatMessages(messages []provider.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}
