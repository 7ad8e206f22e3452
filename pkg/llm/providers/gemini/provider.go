package gemini

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"ex-notebot/pkg/notebot"

	"google.golang.org/genai"
)

const defaultAPIVersion = "v1beta"

var apiVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ProviderConfig is one gemini profile from the llm config. An empty
// APIVersion means v1beta.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string
}

// Provider answers one GenerateContent call per Generate call.
type Provider struct {
	models geminiModelsClient
}

type geminiModelsClient interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// New builds one Gemini API provider instance.
func New(cfg ProviderConfig) (*Provider, error) {
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, fmt.Errorf("new gemini provider: %w", err)
	}

	// NewClient only reads ctx while resolving default credentials, which an
	// explicit API key skips.
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	if client.Models == nil {
		return nil, fmt.Errorf("new gemini client: models client is nil")
	}

	return &Provider{models: client.Models}, nil
}

func (cfg ProviderConfig) clientConfig() (*genai.ClientConfig, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing api_key")
	}

	base := strings.TrimSpace(cfg.BaseURL)
	if base != "" {
		if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("parse base_url %q: want scheme://host[/path]", base)
		}
	}

	version := cmp.Or(strings.TrimSpace(cfg.APIVersion), defaultAPIVersion)
	if !apiVersionPattern.MatchString(version) {
		return nil, fmt.Errorf("invalid api_version %q", cfg.APIVersion)
	}

	return &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: version},
	}, nil
}

// Generate sends Instructions as the system instruction and Input as the
// single user turn. Thought parts are left out of the returned text.
func (p *Provider) Generate(ctx context.Context, req notebot.LLMGenerateRequest) (notebot.LLMGenerateResult, error) {
	if p == nil || p.models == nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("gemini generate: provider not initialized")
	}
	if err := req.Validate(); err != nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("gemini generate validate request: %w", err)
	}

	config, err := contentConfig(req)
	if err != nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("gemini generate: %w", err)
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Input, genai.RoleUser)}

	resp, err := p.models.GenerateContent(ctx, strings.TrimSpace(req.Model), contents, config)
	if err != nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("gemini generate: empty candidates")
	}

	candidate := resp.Candidates[0]
	result := notebot.LLMGenerateResult{
		Text:         visibleText(candidate.Content),
		FinishReason: string(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		result.TotalTokens = int64(resp.UsageMetadata.TotalTokenCount)
	}

	return result, nil
}

func contentConfig(req notebot.LLMGenerateRequest) (*genai.GenerateContentConfig, error) {
	if req.MaxOutputTokens > math.MaxInt32 {
		return nil, fmt.Errorf("max_output_tokens exceeds int32 range")
	}

	// The SDK default timeout would race the caller's deadline.
	noTimeout := time.Duration(0)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxOutputTokens),
		HTTPOptions:     &genai.HTTPOptions{Timeout: &noTimeout},
	}
	if strings.TrimSpace(req.Instructions) != "" {
		config.SystemInstruction = genai.NewContentFromText(req.Instructions, genai.RoleUser)
	}

	return config, nil
}

func visibleText(content *genai.Content) string {
	if content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range content.Parts {
		if part != nil && !part.Thought {
			text.WriteString(part.Text)
		}
	}

	return text.String()
}

var _ notebot.LLMProvider = (*Provider)(nil)
