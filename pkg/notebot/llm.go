package notebot

import (
	"context"
	"fmt"
	"strings"
)

// ServiceLLMProviderRegistry is the service key of the LLMProviderRegistry.
const ServiceLLMProviderRegistry = "notebot.llm_provider_registry"

// LLMProviderRegistry looks providers up by profile key. The reply pipeline
// and the auto poster share one instance, so it must be safe for concurrent use.
type LLMProviderRegistry interface {
	Resolve(key string) (LLMProvider, error)
}

// LLMProvider turns one instruction/input pair into text.
type LLMProvider interface {
	Generate(ctx context.Context, req LLMGenerateRequest) (LLMGenerateResult, error)
}

// LLMGenerateRequest is a single-turn completion: the bot never replays a
// conversation as alternating turns, its history lives in Instructions.
type LLMGenerateRequest struct {
	Model string
	// Instructions is sent as the system message.
	Instructions string
	// Input is sent as the only user message.
	Input string
	// MaxOutputTokens caps the reply length; zero leaves it to the provider.
	MaxOutputTokens int
}

// Validate requires a model and a non-blank input.
func (r LLMGenerateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Model) == "":
		return fmt.Errorf("validate llm generate request: missing model")
	case strings.TrimSpace(r.Input) == "":
		return fmt.Errorf("validate llm generate request: missing input")
	case r.MaxOutputTokens < 0:
		return fmt.Errorf("validate llm generate request: max_output_tokens must be >= 0")
	}

	return nil
}

// LLMGenerateResult is the first candidate of one call.
type LLMGenerateResult struct {
	Text         string
	FinishReason string
	// TotalTokens is the provider-reported usage, zero when not reported.
	TotalTokens int64
}
