package autopost

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMinDelay is the shortest wait between two auto posts.
	DefaultMinDelay = 30 * time.Minute
	// DefaultMaxDelay is the longest wait between two auto posts.
	DefaultMaxDelay = 4 * time.Hour
	// DefaultTrigger is the user message sent with every auto prompt.
	DefaultTrigger = "AUTO"
	// DefaultMaxOutputTokens bounds one auto post independently of replies.
	DefaultMaxOutputTokens = 500

	defaultRequestTimeout = 90 * time.Second
	historyLabel          = "Your previous posts"
)

// Config configures the auto pipeline.
type Config struct {
	BotUsername     string
	Provider        string
	Model           string
	MaxOutputTokens int
	// Preamble is the auto persona instruction.
	Preamble string
	Trigger  string
	MinDelay time.Duration
	MaxDelay time.Duration
	// RequestTimeout bounds one completion call.
	RequestTimeout time.Duration
}

// Validate checks required fields and delay bounds after defaults.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BotUsername) == "" {
		return fmt.Errorf("bot username is required")
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
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be >= 0")
	}

	withDefaults := c.withDefaults()
	if withDefaults.MinDelay <= 0 {
		return fmt.Errorf("min delay must be > 0")
	}
	if withDefaults.MaxDelay < withDefaults.MinDelay {
		return fmt.Errorf("max delay %s must be >= min delay %s", withDefaults.MaxDelay, withDefaults.MinDelay)
	}

	return nil
}

func (c Config) withDefaults() Config {
	c.BotUsername = strings.TrimSpace(c.BotUsername)
	c.Provider = strings.TrimSpace(c.Provider)
	c.Model = strings.TrimSpace(c.Model)
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if strings.TrimSpace(c.Trigger) == "" {
		c.Trigger = DefaultTrigger
	}
	if c.MinDelay == 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}

	return c
}
