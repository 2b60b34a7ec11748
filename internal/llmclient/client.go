// Package llmclient talks to the tiered LLM backend the intent analyzer
// escalates to for ambiguous requests. Adapted from the teacher's
// internal/golem.YagnaClient: same circuit-breaker-wrapped HTTP client
// shape, repointed from a compute-marketplace daemon at an Ollama-style
// generate LLM endpoint, with exponential-backoff retry folded in from
// internal/recovery.RecoveryManager.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/circuitbreaker"
)

// CompletionRequest is the prompt sent to the LLM backend for one
// intent-analysis call.
type CompletionRequest struct {
	Model       string  `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// CompletionResponse is the raw text returned by the backend; the
// caller (internal/intent) is responsible for parsing it as the
// expected structured-output JSON.
type CompletionResponse struct {
	Text       string `json:"text"`
	ModelUsed  string `json:"model_used"`
	StopReason string `json:"stop_reason"`
}

// Backend performs the underlying completion call, real or mocked.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Client wraps a Backend with a circuit breaker and bounded retry, so a
// flaky or unreachable LLM degrades the intent analyzer's confidence
// instead of hanging the request pipeline.
type Client struct {
	backend   Backend
	cb        *circuitbreaker.CircuitBreaker
	maxAttempts int
	initialDelay time.Duration
}

// Config tunes retry and circuit-breaker behavior for a Client.
type Config struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	CircuitBreaker   circuitbreaker.Config
}

// DefaultConfig returns conservative defaults: 2 attempts (one retry),
// and a breaker that opens after 5 consecutive failures and stays open
// for 30s before letting a half-open probe through.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		CircuitBreaker: circuitbreaker.DefaultConfig("llmclient"),
	}
}

// New wraps backend with the given Config.
func New(backend Backend, cfg Config) *Client {
	return &Client{
		backend:      backend,
		cb:           circuitbreaker.New(cfg.CircuitBreaker),
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
	}
}

// Complete runs req through the circuit breaker with exponential
// backoff retry. Returns an apperrors.CircuitBreakerError when the
// breaker is open so callers can apply their fail-safe ladder without
// inspecting backend-specific error types.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	delay := c.initialDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		err := c.cb.Execute(ctx, func(ctx context.Context) error {
			r, err := c.backend.Complete(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err == nil {
			return resp, nil
		}
		if attempt == c.maxAttempts {
			if err == circuitbreaker.ErrCircuitOpen {
				return nil, apperrors.NewCircuitBreakerError("llmclient")
			}
			return nil, apperrors.Wrapf(err, apperrors.ExternalServiceError, "llm completion failed after %d attempts", c.maxAttempts)
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 2 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
			delay *= 2
		}
	}
	return resp, nil
}

// HTTPBackend is the real Backend. It speaks the wire format spec §6
// fixes for the external LLM interface: request
// {model, prompt, stream:false, format:"json"}, response
// {response: "<JSON string>"} where the inner string is itself the
// structured analysis JSON the caller parses.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend constructs a backend pointed at baseURL using apiKey
// for bearer auth (empty if the endpoint needs none).
func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type wireRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type wireResponse struct {
	Response string `json:"response"`
}

func (b *HTTPBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Prompt
	}
	wireReq := wireRequest{Model: req.Model, Prompt: prompt, Stream: false, Format: "json"}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llmclient: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llmclient: backend returned %d: %s", resp.StatusCode, string(data))
	}

	var out wireResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("llmclient: unmarshal response: %w", err)
	}
	return &CompletionResponse{Text: out.Response, ModelUsed: req.Model, StopReason: "stop"}, nil
}
