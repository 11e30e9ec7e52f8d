// Package agent provides the completion-client layer the pipeline
// roles talk through: a provider-agnostic CompletionClient interface,
// Anthropic and OpenAI implementations, a retrying decorator, and a
// scripted client for tests.
package agent

import (
	"context"

	"appforge/pkg/tools"
)

// CompletionRole is the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem is an instruction message extracted to the provider's
	// system parameter where the API requires it.
	RoleSystem CompletionRole = "system"
	// RoleUser is input to the model.
	RoleUser CompletionRole = "user"
	// RoleAssistant is prior model output carried back as context.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is used for planning, reviews, and verdicts.
	TemperatureDefault = 0.3
	// TemperatureDeterministic is used for code generation; slight
	// randomness avoids loop lock-in while staying consistent.
	TemperatureDeterministic = 0.2
)

// CompletionMessage is one message in a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest is a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.Definition
	ToolChoice  string // "", "auto", or "any"
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string // "end_turn", "tool_use", "max_tokens", ...
}

// CompletionClient is the interface every model provider implements.
type CompletionClient interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// ModelName returns the model this client targets.
	ModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}
