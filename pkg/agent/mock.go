package agent

import (
	"context"
	"sync"
)

// ScriptedClient is a CompletionClient for tests. Responses are
// consumed in the order they were queued; the last one repeats once
// the queue is exhausted. Errors may be interleaved at fixed call
// indices.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errAt     map[int]error
	requests  []CompletionRequest
	calls     int
	model     string
}

// NewScriptedClient creates a scripted client answering with the given
// responses in order.
func NewScriptedClient(responses ...CompletionResponse) *ScriptedClient {
	return &ScriptedClient{
		responses: responses,
		errAt:     make(map[int]error),
		model:     "scripted-model",
	}
}

// FailAt makes the call with the given zero-based index return err
// instead of a scripted response. The failing call still consumes an
// index but not a response.
func (s *ScriptedClient) FailAt(call int, err error) *ScriptedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errAt[call] = err
	return s
}

// Queue appends further responses to the script.
func (s *ScriptedClient) Queue(responses ...CompletionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

// ModelName implements CompletionClient.
func (s *ScriptedClient) ModelName() string { return s.model }

// Complete implements CompletionClient.
func (s *ScriptedClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.calls
	s.calls++
	s.requests = append(s.requests, in)

	if err, ok := s.errAt[call]; ok {
		return CompletionResponse{}, err
	}

	if len(s.responses) == 0 {
		return CompletionResponse{Content: "ok", StopReason: "end_turn"}, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

// Calls returns how many completions were requested.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of every request seen so far.
func (s *ScriptedClient) Requests() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
