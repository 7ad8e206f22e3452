package openai

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"ex-notebot/pkg/notebot"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const chatCompletionsPath = "/chat/completions"

// ProviderConfig is one openai profile from the llm config. BaseURL may be
// an API root or a full ".../chat/completions" endpoint.
type ProviderConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	Project      string
	// MaxRetries replaces the SDK retry count; nil keeps the SDK default.
	MaxRetries *int
}

// Provider answers one chat completion per Generate call.
type Provider struct {
	completions chatCompletionsClient
}

type chatCompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// New builds one Chat Completions provider instance.
func New(cfg ProviderConfig) (*Provider, error) {
	options, err := cfg.requestOptions()
	if err != nil {
		return nil, fmt.Errorf("new openai provider: %w", err)
	}
	client := openai.NewClient(options...)

	return &Provider{completions: &client.Chat.Completions}, nil
}

func (cfg ProviderConfig) requestOptions() ([]option.RequestOption, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing api_key")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}

	if base := trimCompletionsPath(strings.TrimSpace(cfg.BaseURL)); base != "" {
		if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("parse base_url %q: want scheme://host[/path]", base)
		}
		options = append(options, option.WithBaseURL(base))
	}
	if org := strings.TrimSpace(cfg.Organization); org != "" {
		options = append(options, option.WithOrganization(org))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		options = append(options, option.WithProject(project))
	}
	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must be >= 0")
		}
		options = append(options, option.WithMaxRetries(*cfg.MaxRetries))
	}

	return options, nil
}

// Generate sends Instructions as the system message and Input as the user
// message, and returns the first choice.
func (p *Provider) Generate(ctx context.Context, req notebot.LLMGenerateRequest) (notebot.LLMGenerateResult, error) {
	if p == nil || p.completions == nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("openai generate: provider not initialized")
	}
	if err := req.Validate(); err != nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("openai generate validate request: %w", err)
	}

	completion, err := p.completions.New(ctx, chatParams(req))
	if err != nil {
		return notebot.LLMGenerateResult{}, fmt.Errorf("openai generate: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return notebot.LLMGenerateResult{}, fmt.Errorf("openai generate: empty choices")
	}

	first := completion.Choices[0]
	return notebot.LLMGenerateResult{
		Text:         first.Message.Content,
		FinishReason: string(first.FinishReason),
		TotalTokens:  completion.Usage.TotalTokens,
	}, nil
}

func chatParams(req notebot.LLMGenerateRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.Instructions) != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	messages = append(messages, openai.UserMessage(req.Input))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages: messages,
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	return params
}

// trimCompletionsPath turns a full endpoint URL into the SDK base URL.
func trimCompletionsPath(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if strings.HasSuffix(trimmed, chatCompletionsPath) {
		return strings.TrimSuffix(trimmed, chatCompletionsPath) + "/"
	}

	return raw
}

var _ notebot.LLMProvider = (*Provider)(nil)
