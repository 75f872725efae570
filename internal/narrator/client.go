// Package narrator turns a message record into a persona-styled announcement
// through an OpenAI-compatible chat completion endpoint.
package narrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no endpoint is set
var ErrNotConfigured = errors.New("narrator not configured")

// ErrEmptyCompletion is returned when the model answered with no text
var ErrEmptyCompletion = errors.New("empty completion")

// Config for the narrator client
type Config struct {
	BaseURL      string // e.g., https://api.openai.com/v1
	APIKey       string
	Model        string
	SystemPrompt string
	HistoryTurns int // prompt/answer pairs kept per target
	Timeout      time.Duration
}

// Client is a chat completion client with a short per-target history
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	history      *History
	httpClient   *http.Client
}

// ChatMessage is one message of a chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewClient creates a new narrator client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		history:      NewHistory(cfg.HistoryTurns),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsConfigured returns true if an endpoint and model are set
func (c *Client) IsConfigured() bool {
	return c != nil && c.baseURL != "" && c.model != ""
}

// Narrate sends prompt in the conversation of target and returns the
// answer. The exchange is appended to the target's history on success.
func (c *Client) Narrate(ctx context.Context, target, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	messages := make([]ChatMessage, 0, 2+2*c.history.Limit())
	if c.systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: c.systemPrompt})
	}
	messages = append(messages, c.history.Get(target)...)
	messages = append(messages, ChatMessage{Role: "user", Content: prompt})

	answer, err := c.complete(ctx, messages)
	if err != nil {
		return "", err
	}

	c.history.Append(target, prompt, answer)
	return answer, nil
}

// Forget drops the conversation history of target
func (c *Client) Forget(target string) {
	if c != nil {
		c.history.Clear(target)
	}
}

func (c *Client) complete(ctx context.Context, messages []ChatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API error: %s (status %d)", strings.TrimSpace(string(respBody)), resp.StatusCode)
		}
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := ""
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("API error: %s (status %d)", msg, resp.StatusCode)
	}

	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	answer := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if answer == "" {
		return "", ErrEmptyCompletion
	}
	return answer, nil
}
