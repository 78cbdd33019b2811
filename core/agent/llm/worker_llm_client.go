// Package llm is the OpenAI-backed classify / parse / score provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"

	"intake_server/core/port/out"
	"intake_server/pkg/httputil"
	"intake_server/pkg/resilience"
)

const DefaultModel = "gpt-4o-mini"

// Client implements out.AIProvider.
type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	cb          *resilience.Breaker
	costs       *CostTracker
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string // optional, for compatible gateways
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

func NewClient(apiKey string) *Client {
	return NewClientWithConfig(ClientConfig{APIKey: apiKey})
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.HTTPClient = httputil.OpenAIClient()
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature), // 0 keeps extraction deterministic
		timeout:     timeout,
		cb:          resilience.NewBreaker(resilience.DefaultBreakerConfig("openai")),
		costs:       NewCostTracker(),
	}
}

// Costs exposes accumulated token spend.
func (c *Client) Costs() *CostTracker {
	return c.costs
}

// completeJSON runs a JSON-mode chat completion and decodes it into dest.
func (c *Client) completeJSON(ctx context.Context, systemPrompt, userPrompt string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	err := c.cb.Execute(func() error {
		var apiErr error
		resp, apiErr = c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		return apiErr
	}, isServerFailure)
	if err != nil {
		return wrapError(err)
	}

	c.costs.Track(c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return out.NewProviderError("openai", out.ProviderErrServer, "empty completion", nil, true)
	}
	if err := decodeJSON(resp.Choices[0].Message.Content, dest); err != nil {
		return fmt.Errorf("failed to parse completion: %w", err)
	}
	return nil
}

// decodeJSON tolerates markdown fences around the object.
func decodeJSON(raw string, dest any) error {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	return json.Unmarshal([]byte(raw), dest)
}

func isServerFailure(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

func wrapError(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return out.NewProviderError("openai", out.ProviderErrServer, "circuit open", err, true)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return out.NewProviderError("openai", out.ProviderErrAuth, "api key rejected", err, false)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return out.NewProviderError("openai", out.ProviderErrRateLimit, "rate limited", err, true)
		}
	}
	return out.NewProviderError("openai", out.ProviderErrServer, "completion failed", err, true)
}

// truncateBody cuts on a rune boundary.
func truncateBody(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	cut := maxLen
	for cut > 0 && !utf8RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

var _ out.AIProvider = (*Client)(nil)
