package agent

import (
	"fmt"
	"strings"

	"appforge/pkg/logx"
)

// ProviderKeys holds the API credentials for the supported providers.
type ProviderKeys struct {
	Anthropic string
	OpenAI    string
}

// NewClientForModel builds a retry-wrapped completion client for the
// given model name. Models prefixed "claude-" route to Anthropic, the
// rest to OpenAI.
func NewClientForModel(model string, keys ProviderKeys, logger *logx.Logger) (CompletionClient, error) {
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	var inner CompletionClient
	if strings.HasPrefix(model, "claude-") {
		if keys.Anthropic == "" {
			return nil, fmt.Errorf("model %s requires ANTHROPIC_API_KEY", model)
		}
		inner = NewAnthropicClient(keys.Anthropic, model)
	} else {
		if keys.OpenAI == "" {
			return nil, fmt.Errorf("model %s requires OPENAI_API_KEY", model)
		}
		inner = NewOpenAIClient(keys.OpenAI, model)
	}

	return NewRetryableClient(inner, DefaultRetryConfig, logger), nil
}
