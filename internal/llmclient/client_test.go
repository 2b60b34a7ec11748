package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
)

func TestClient_Complete_ReturnsBackendResponse(t *testing.T) {
	backend := &MockBackend{}
	c := New(backend, DefaultConfig())

	resp, err := c.Complete(context.Background(), CompletionRequest{Model: "tier-1", Prompt: "hello"})
	require.NoError(t, err)
	require.Contains(t, resp.Text, "isMalicious")
	require.Len(t, backend.Calls, 1)
}

func TestClient_Complete_RetriesThenSucceeds(t *testing.T) {
	backend := &ScriptedBackend{
		Errors:    []error{errors.New("transient"), nil},
		Responses: []CompletionResponse{{}, {Text: "ok"}},
	}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	c := New(backend, cfg)

	resp, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
}

func TestClient_Complete_OpensCircuitAfterRepeatedFailures(t *testing.T) {
	backend := &MockBackend{Err: errors.New("down")}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.CircuitBreaker.MaxFailures = 2
	cfg.CircuitBreaker.Timeout = time.Minute
	c := New(backend, cfg)

	for i := 0; i < 2; i++ {
		_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"})
		require.Error(t, err)
	}

	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.CircuitBreakerError))
}
