package openaicompat

import (
	"context"

	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat requests structured output from providers that support it.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Content returns the first choice's message content.
func (r *ChatResponse) Content() (string, bool) {
	if len(r.Choices) == 0 || r.Choices[0].Message.Content == "" {
		return "", false
	}
	return r.Choices[0].Message.Content, true
}

// Complete runs a synchronous chat completion and returns the message content.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	var resp ChatResponse
	if err := c.PostJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	content, ok := resp.Content()
	if !ok {
		return "", &models.ProviderError{
			Provider: c.provider,
			Code:     "invalid_response",
			Message:  "chat completion returned no content",
		}
	}
	return content, nil
}
