package llmclient

import (
	"context"
	"fmt"
)

// MockBackend is a deterministic Backend for tests and for local
// development without a live LLM endpoint. It does not look at the
// prompt: every call returns Err, else Fixed, else a fixed benign verdict.
type MockBackend struct {
	// Fixed, when set, is returned verbatim for every call.
	Fixed *CompletionResponse
	// Err, when set, is returned for every call instead of a response.
	Err error
	// Calls records every request seen, for assertions in tests.
	Calls []CompletionRequest
}

func (m *MockBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Fixed != nil {
		return m.Fixed, nil
	}
	return &CompletionResponse{
		Text:       `{"isMalicious":false,"confidence":0.9,"threatType":"none","explanation":"benign request","riskScore":5}`,
		ModelUsed:  req.Model,
		StopReason: "stop",
	}, nil
}

// ScriptedBackend returns responses in order, one per call, cycling the
// last response once exhausted. Useful for testing the fail-safe ladder
// across a sequence of calls.
type ScriptedBackend struct {
	Responses []CompletionResponse
	Errors    []error
	idx       int
}

func (s *ScriptedBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	i := s.idx
	if i >= len(s.Responses) && i >= len(s.Errors) {
		i = len(s.Responses) - 1
	}
	if i < len(s.Errors) && s.Errors[i] != nil {
		s.idx++
		return nil, s.Errors[i]
	}
	if i < 0 || i >= len(s.Responses) {
		s.idx++
		return nil, fmt.Errorf("llmclient: scripted backend exhausted")
	}
	resp := s.Responses[i]
	s.idx++
	return &resp, nil
}
