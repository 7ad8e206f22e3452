package chat

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultCooldown is the coalescing window per note id.
	DefaultCooldown = 2 * time.Second

	defaultRequestTimeout = 90 * time.Second
	defaultQueueSize      = 64
	historyLabel          = "Conversation history"
)

// Config configures the reply pipeline.
type Config struct {
	// BotUsername is the account handle without "@".
	BotUsername string
	// BotUserID is the account id compared against reply targets.
	BotUserID string
	// Provider is the LLM provider profile key.
	Provider string
	// Model is the provider model name.
	Model string
	// MaxOutputTokens bounds one reply; zero leaves the provider default.
	MaxOutputTokens int
	// Preamble is the persona instruction placed before the history.
	Preamble string
	// Cooldown is the coalescing window per note id.
	Cooldown time.Duration
	// RequestTimeout bounds one completion call.
	RequestTimeout time.Duration
	// QueueSize bounds selections waiting for the pipeline worker.
	QueueSize int
}

// Validate checks required fields and applies no defaults.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BotUsername) == "" {
		return fmt.Errorf("bot username is required")
	}
	if strings.HasPrefix(strings.TrimSpace(c.BotUsername), "@") {
		return fmt.Errorf("bot username must not start with @")
	}
	if strings.TrimSpace(c.BotUserID) == "" {
		return fmt.Errorf("bot user id is required")
	}
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if strings.TrimSpace(c.Preamble) == "" {
		return fmt.Errorf("preamble is required")
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens must be >= 0")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be >= 0")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must be >= 0")
	}

	return nil
}

func (c Config) withDefaults() Config {
	c.BotUsername = strings.TrimSpace(c.BotUsername)
	c.BotUserID = strings.TrimSpace(c.BotUserID)
	c.Provider = strings.TrimSpace(c.Provider)
	c.Model = strings.TrimSpace(c.Model)
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}

	return c
}
