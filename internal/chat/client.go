package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completer sends one chat-completion request and returns the first choice's text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	api     *openai.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: timeout,
		api:     openai.NewClientWithConfig(cfg),
	}
}

func (c *Client) Complete(ctx context.Context, body Request) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("api key is required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       body.Model,
		Messages:    messages,
		MaxTokens:   body.MaxTokens,
		Temperature: float32(body.Temperature),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return "", fmt.Errorf("chat api error: %s", apiErr.Message)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return "", fmt.Errorf("chat api returned status %d", reqErr.HTTPStatusCode)
		}
		return "", fmt.Errorf("chat request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat api returned empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
