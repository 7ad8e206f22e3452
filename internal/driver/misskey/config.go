package misskey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DriverType is the configuration token selecting this driver.
	DriverType = "misskey"

	defaultKeepaliveInterval = 60 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultPublishTimeout    = 2 * time.Second
)

// FileConfig is the JSON shape of one misskey driver section.
//
// Durations are Go duration strings; empty values fall back to defaults.
type FileConfig struct {
	BaseURL           string `json:"base_url,omitempty"`
	StreamURL         string `json:"stream_url,omitempty"`
	Token             string `json:"token,omitempty"`
	ChannelID         string `json:"channel_id,omitempty"`
	KeepaliveInterval string `json:"keepalive_interval,omitempty"`
	ReconnectDelay    string `json:"reconnect_delay,omitempty"`
	RequestTimeout    string `json:"request_timeout,omitempty"`
	PublishTimeout    string `json:"publish_timeout,omitempty"`
}

// Config is the validated runtime configuration of one misskey account.
type Config struct {
	// BaseURL is the HTTP API origin, for example https://misskey.example.
	BaseURL string
	// StreamURL is the streaming origin, for example wss://misskey.example.
	StreamURL string
	// Token is the account access token used for both streaming and HTTP calls.
	Token string
	// ChannelID is the channel new notes and replies are posted into.
	ChannelID string
	// KeepaliveInterval is the ping period while a stream is connected.
	KeepaliveInterval time.Duration
	// ReconnectDelay is the fixed wait between a close and the next dial.
	ReconnectDelay time.Duration
	// RequestTimeout bounds one note creation request.
	RequestTimeout time.Duration
	// PublishTimeout bounds one event hand-off into the kernel.
	PublishTimeout time.Duration
}

// ParseConfig decodes and validates one driver section.
func ParseConfig(raw []byte) (Config, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Config{}, fmt.Errorf("parse misskey config: missing config")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var parsed FileConfig
	if err := decoder.Decode(&parsed); err != nil {
		return Config{}, fmt.Errorf("parse misskey config: %w", err)
	}

	cfg := Config{
		BaseURL:           strings.TrimRight(strings.TrimSpace(parsed.BaseURL), "/"),
		StreamURL:         strings.TrimRight(strings.TrimSpace(parsed.StreamURL), "/"),
		Token:             strings.TrimSpace(parsed.Token),
		ChannelID:         strings.TrimSpace(parsed.ChannelID),
		KeepaliveInterval: defaultKeepaliveInterval,
		ReconnectDelay:    defaultReconnectDelay,
		RequestTimeout:    defaultRequestTimeout,
		PublishTimeout:    defaultPublishTimeout,
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "keepalive_interval", raw: parsed.KeepaliveInterval, target: &cfg.KeepaliveInterval},
		{field: "reconnect_delay", raw: parsed.ReconnectDelay, target: &cfg.ReconnectDelay},
		{field: "request_timeout", raw: parsed.RequestTimeout, target: &cfg.RequestTimeout},
		{field: "publish_timeout", raw: parsed.PublishTimeout, target: &cfg.PublishTimeout},
	}
	for _, duration := range durations {
		trimmed := strings.TrimSpace(duration.raw)
		if trimmed == "" {
			continue
		}
		value, err := time.ParseDuration(trimmed)
		if err != nil {
			return Config{}, fmt.Errorf("parse misskey config %s: %w", duration.field, err)
		}
		if value <= 0 {
			return Config{}, fmt.Errorf("parse misskey config %s: must be > 0", duration.field)
		}
		*duration.target = value
	}

	if cfg.StreamURL == "" {
		cfg.StreamURL = deriveStreamURL(cfg.BaseURL)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("parse misskey config: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields and URL schemes.
func (c Config) Validate() error {
	if err := validateOrigin("base_url", c.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateOrigin("stream_url", c.StreamURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be > 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}

	return nil
}

// StreamEndpoint returns the authenticated streaming URL.
func (c Config) StreamEndpoint() string {
	return c.StreamURL + "/streaming?i=" + url.QueryEscape(c.Token)
}

func validateOrigin(field string, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: missing host", field)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s: unsupported scheme %q", field, parsed.Scheme)
}

func deriveStreamURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return ""
	}
}
