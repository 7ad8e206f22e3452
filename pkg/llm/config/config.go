// Package config parses the "llm" section of the bot configuration into
// named provider profiles.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultRequestTimeout bounds one completion call when not configured.
	DefaultRequestTimeout = 90 * time.Second

	// ProviderTypeOpenAI selects any Chat Completions compatible endpoint.
	ProviderTypeOpenAI = "openai"
	// ProviderTypeGemini selects the Gemini Developer API.
	ProviderTypeGemini = "gemini"

	defaultGeminiAPIVersion = "v1beta"
)

var apiVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config is the parsed llm section.
type Config struct {
	RequestTimeout time.Duration
	// Providers is keyed by profile name; the chat and autopost modules pick one by key.
	Providers map[string]ProviderProfile
}

// ProviderProfile is one named endpoint plus its credential.
type ProviderProfile struct {
	Type    string
	APIKey  string
	BaseURL string
	OpenAI  *OpenAIOptions
	Gemini  *GeminiOptions
}

// OpenAIOptions are only valid on openai profiles.
type OpenAIOptions struct {
	Organization string
	Project      string
	// MaxRetries overrides the SDK retry count when set.
	MaxRetries *int
}

// GeminiOptions are only valid on gemini profiles.
type GeminiOptions struct {
	APIVersion string
}

type section struct {
	RequestTimeout string                   `json:"request_timeout"`
	Providers      map[string]profileFields `json:"providers"`
}

type profileFields struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	OpenAI  *struct {
		Organization string `json:"organization"`
		Project      string `json:"project"`
		MaxRetries   *int   `json:"max_retries"`
	} `json:"openai"`
	Gemini *struct {
		APIVersion string `json:"api_version"`
	} `json:"gemini"`
}

// Parse decodes one llm section. Unknown fields and duplicate provider keys
// are errors. An empty section yields the default timeout and no providers,
// which lets the environment supply the only profile.
func Parse(data []byte) (Config, error) {
	cfg := Config{
		RequestTimeout: DefaultRequestTimeout,
		Providers:      make(map[string]ProviderProfile),
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	if err := rejectDuplicateProviders(data); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	var raw section
	if err := decodeStrict(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse llm config: %w", err)
	}

	if timeout := strings.TrimSpace(raw.RequestTimeout); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse llm config request_timeout: %w", err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("parse llm config request_timeout: must be > 0")
		}
		cfg.RequestTimeout = parsed
	}

	for key, fields := range raw.Providers {
		key = strings.TrimSpace(key)
		if key == "" {
			return Config{}, fmt.Errorf("parse llm config providers: empty provider key")
		}
		cfg.Providers[key] = fields.profile()
	}

	return cfg, nil
}

func (f profileFields) profile() ProviderProfile {
	profile := ProviderProfile{Type: f.Type, APIKey: f.APIKey, BaseURL: f.BaseURL}
	if f.OpenAI != nil {
		profile.OpenAI = &OpenAIOptions{
			Organization: strings.TrimSpace(f.OpenAI.Organization),
			Project:      strings.TrimSpace(f.OpenAI.Project),
		}
		if f.OpenAI.MaxRetries != nil {
			retries := *f.OpenAI.MaxRetries
			profile.OpenAI.MaxRetries = &retries
		}
	}
	if f.Gemini != nil {
		profile.Gemini = &GeminiOptions{APIVersion: strings.TrimSpace(f.Gemini.APIVersion)}
	}

	return NormalizeProfile(profile)
}

// Override merges an endpoint and credential into the profile under key,
// creating an openai profile when none exists. Empty arguments leave the
// existing value alone.
func (cfg *Config) Override(key, baseURL, apiKey string) {
	if baseURL == "" && apiKey == "" {
		return
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderProfile)
	}

	profile, found := cfg.Providers[key]
	if !found {
		profile = ProviderProfile{Type: ProviderTypeOpenAI}
	}
	if baseURL != "" {
		profile.BaseURL = baseURL
	}
	if apiKey != "" {
		profile.APIKey = apiKey
	}
	cfg.Providers[key] = NormalizeProfile(profile)
}

// Validate reports the first incoherent setting.
func (cfg Config) Validate() error {
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("validate llm config: request_timeout must be > 0")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("validate llm config: providers is required")
	}
	for key, profile := range cfg.Providers {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("validate llm config: empty provider key")
		}
		if err := profile.validate(); err != nil {
			return fmt.Errorf("validate llm config providers[%s]: %w", key, err)
		}
	}

	return nil
}

func (p ProviderProfile) validate() error {
	kind := strings.ToLower(strings.TrimSpace(p.Type))
	if kind == "" {
		return fmt.Errorf("missing type")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("missing api_key")
	}

	switch kind {
	case ProviderTypeOpenAI:
		if p.Gemini != nil {
			return fmt.Errorf("gemini options are only supported for gemini providers")
		}
		if p.OpenAI != nil && p.OpenAI.MaxRetries != nil && *p.OpenAI.MaxRetries < 0 {
			return fmt.Errorf("invalid openai options: max_retries must be >= 0")
		}
	case ProviderTypeGemini:
		if p.OpenAI != nil {
			return fmt.Errorf("openai options are only supported for openai providers")
		}
		if p.Gemini != nil && !apiVersionPattern.MatchString(p.Gemini.APIVersion) {
			return fmt.Errorf("invalid gemini options: invalid api_version %q", p.Gemini.APIVersion)
		}
	default:
		return fmt.Errorf("unsupported type %q", p.Type)
	}

	if base := strings.TrimSpace(p.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid base_url: must include scheme and host")
		}
	}

	return nil
}

// NormalizeProfile trims fields, lowercases the type and fills the Gemini API
// version default.
func NormalizeProfile(profile ProviderProfile) ProviderProfile {
	profile.Type = strings.ToLower(strings.TrimSpace(profile.Type))
	profile.APIKey = strings.TrimSpace(profile.APIKey)
	profile.BaseURL = strings.TrimSpace(profile.BaseURL)
	if profile.Type == ProviderTypeGemini {
		if profile.Gemini == nil {
			profile.Gemini = &GeminiOptions{}
		}
		if strings.TrimSpace(profile.Gemini.APIVersion) == "" {
			profile.Gemini.APIVersion = defaultGeminiAPIVersion
		}
	}

	return profile
}

// rejectDuplicateProviders walks the raw providers object, since
// encoding/json silently keeps the last of two equal keys.
func rejectDuplicateProviders(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json")
	}
	providers := gjson.GetBytes(data, "providers")
	if !providers.Exists() || providers.Type == gjson.Null {
		return nil
	}
	if !providers.IsObject() {
		return fmt.Errorf("providers: expected object")
	}

	seen := make(map[string]struct{})
	var dup error
	providers.ForEach(func(key, _ gjson.Result) bool {
		name := strings.TrimSpace(key.String())
		if _, found := seen[name]; found {
			dup = fmt.Errorf("providers: duplicate provider key %s", name)
			return false
		}
		seen[name] = struct{}{}
		return true
	})

	return dup
}

func decodeStrict(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	err := decoder.Decode(&struct{}{})
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return fmt.Errorf("unexpected trailing content")
	default:
		return fmt.Errorf("decode trailing json: %w", err)
	}
}
