// Package providers builds neutral LLM providers from configured profiles.
package providers

import (
	"fmt"
	"sort"

	"ex-notebot/pkg/llm/config"
	"ex-notebot/pkg/llm/providers/gemini"
	"ex-notebot/pkg/llm/providers/openai"
	"ex-notebot/pkg/notebot"
)

// Build constructs one provider per configured profile.
//
// OpenAI-compatible profiles default to zero SDK retries so that one failed
// completion skips the turn instead of stalling the pipeline.
func Build(cfg config.Config) (map[string]notebot.LLMProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("build llm providers: %w", err)
	}

	keys := make([]string, 0, len(cfg.Providers))
	for key := range cfg.Providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	built := make(map[string]notebot.LLMProvider, len(keys))
	for _, key := range keys {
		provider, err := buildOne(config.NormalizeProfile(cfg.Providers[key]))
		if err != nil {
			return nil, fmt.Errorf("build llm provider %s: %w", key, err)
		}
		built[key] = provider
	}

	return built, nil
}

func buildOne(profile config.ProviderProfile) (notebot.LLMProvider, error) {
	switch profile.Type {
	case config.ProviderTypeOpenAI:
		providerConfig := openai.ProviderConfig{
			APIKey:     profile.APIKey,
			BaseURL:    profile.BaseURL,
			MaxRetries: new(int),
		}
		if profile.OpenAI != nil {
			providerConfig.Organization = profile.OpenAI.Organization
			providerConfig.Project = profile.OpenAI.Project
			if profile.OpenAI.MaxRetries != nil {
				providerConfig.MaxRetries = profile.OpenAI.MaxRetries
			}
		}

		return openai.New(providerConfig)
	case config.ProviderTypeGemini:
		providerConfig := gemini.ProviderConfig{
			APIKey:  profile.APIKey,
			BaseURL: profile.BaseURL,
		}
		if profile.Gemini != nil {
			providerConfig.APIVersion = profile.Gemini.APIVersion
		}

		return gemini.New(providerConfig)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", profile.Type)
	}
}
