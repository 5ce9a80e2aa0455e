// Package llm is the OpenRouter chat-completions client used by the code
// and reviewer agents.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
)

const defaultOpenRouterBase = "https://openrouter.ai/api/v1"

// Message is one chat message in OpenRouter/OpenAI wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the OpenRouter chat completions endpoint.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxRetries int
	maxTokens  int
	client     *http.Client
}

// New creates a Client from cfg.
func New(cfg config.OpenRouterConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter api key is not configured")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenRouterBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid OpenRouter base URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid OpenRouter base URL scheme %q", u.Scheme)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(base, "/"),
		maxRetries: cfg.MaxRetries,
		maxTokens:  maxTokens,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends the conversation and returns the assistant's reply text.
// Transport and 5xx/429 failures are retried up to maxRetries times.
func (c *Client) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepWithContext(ctx, retryDelay(lastErr, attempt)); err != nil {
				return "", err
			}
		}
		content, retryable, err := c.chatOnce(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		slog.Warn("OpenRouter request failed; retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"model", c.model,
			"error", err,
		)
	}
	return "", fmt.Errorf("OpenRouter request failed: %w", lastErr)
}

func (c *Client) chatOnce(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	// #nosec G107,G704 -- baseURL is loaded from trusted local config and validated in New.
	resp, err := c.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("calling OpenRouter API: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return "", true, fmt.Errorf("reading response body: %w", err)
	}
	if closeErr != nil {
		slog.Debug("closing OpenRouter response body", "error", closeErr)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, &apiError{
			status:     resp.StatusCode,
			body:       string(respBody),
			retryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", false, fmt.Errorf("parsing API response: %w", err)
	}
	if apiResp.Error != nil {
		return "", false, fmt.Errorf("OpenRouter error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", false, fmt.Errorf("OpenRouter returned no choices")
	}
	return apiResp.Choices[0].Message.Content, false, nil
}

type apiError struct {
	status     int
	body       string
	retryAfter string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("OpenRouter API error %d: %s", e.status, e.body)
}

func retryDelay(lastErr error, attempt int) time.Duration {
	if ae, ok := lastErr.(*apiError); ok {
		if ra := strings.TrimSpace(ae.retryAfter); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	// 1s, 2s, 4s, ...
	return time.Duration(1<<uint(attempt-2)) * time.Second
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
