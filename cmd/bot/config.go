package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"ex-notebot/internal/driver"
	"ex-notebot/internal/driver/misskey"
	"ex-notebot/modules/autopost"
	"ex-notebot/modules/chat"
	llmconfig "ex-notebot/pkg/llm/config"
)

const (
	envConfigFile             = "NOTEBOT_CONFIG_FILE"
	defaultConfigFilePath     = "config/bot.json"
	alternateConfigFilePath   = "bin/config/bot.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultHandlerTimeout     = 3 * time.Second
	defaultProviderKey        = "default"
	defaultMemoryCap          = 20
	defaultDriverName         = "misskey"
)

// Environment variables kept from the original deployment scripts.
const (
	envBaseURL          = "URL"
	envStreamURL        = "WS_URL"
	envToken            = "TOKEN"
	envChannel          = "CHANNEL"
	envLLMURL           = "LLM_URL"
	envLLMKey           = "LLM_KEY"
	envLLMModel         = "LLM_MODEL"
	envMaxToken         = "MAX_TOKEN"
	envSystemPrompt     = "SYSTEM_PROMPT"
	envSystemPromptAuto = "SYSTEM_PROMPT_AUTO"
	envMaxMemory        = "MAX_MEMORY"
	envBotUsername      = "BOT_USERNAME"
	envBotUserID        = "BOT_USER_ID"
)

type lookupEnvFunc func(key string) (string, bool)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	handlerTimeout     time.Duration

	driver driver.Definition
	llm    llmconfig.Config

	chat            chat.Config
	autopost        autopost.Config
	autopostEnabled bool

	interactiveMemoryCap int
	autonomousMemoryCap  int

	metricsAddr string
}

type fileConfig struct {
	LogLevel string             `json:"log_level"`
	Kernel   fileKernelConfig   `json:"kernel"`
	Misskey  misskey.FileConfig `json:"misskey"`
	LLM      json.RawMessage    `json:"llm"`
	Bot      fileBotConfig      `json:"bot"`
	Chat     fileChatConfig     `json:"chat"`
	Autopost fileAutopostConfig `json:"autopost"`
	Memory   fileMemoryConfig   `json:"memory"`
	Metrics  fileMetricsConfig  `json:"metrics"`

	// Set from LLM_URL and LLM_KEY; applied to the default provider profile.
	llmBaseURL string
	llmAPIKey  string
}

type fileKernelConfig struct {
	ModuleHookTimeout  string `json:"module_hook_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout"`
	HandlerTimeout     string `json:"handler_timeout"`
	SubscriptionBuffer *int   `json:"subscription_buffer"`
}

type fileBotConfig struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

type fileChatConfig struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	MaxOutputTokens *int   `json:"max_output_tokens"`
	Preamble        string `json:"preamble"`
	Cooldown        string `json:"cooldown"`
	QueueSize       *int   `json:"queue_size"`
}

type fileAutopostConfig struct {
	Enabled         *bool  `json:"enabled"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	MaxOutputTokens *int   `json:"max_output_tokens"`
	Preamble        string `json:"preamble"`
	Trigger         string `json:"trigger"`
	MinDelay        string `json:"min_delay"`
	MaxDelay        string `json:"max_delay"`
}

type fileMemoryConfig struct {
	InteractiveCap *int `json:"interactive_cap"`
	AutonomousCap  *int `json:"autonomous_cap"`
}

type fileMetricsConfig struct {
	ListenAddr string `json:"listen_addr"`
}

func loadConfig(lookupEnv lookupEnvFunc) (appConfig, string, error) {
	configFile, found, err := resolveConfigFilePath(lookupEnv)
	if err != nil {
		return appConfig{}, "", err
	}

	var parsed fileConfig
	if found {
		if err := readConfigFile(configFile, &parsed); err != nil {
			return appConfig{}, "", err
		}
	}
	if err := applyEnvOverrides(&parsed, lookupEnv); err != nil {
		return appConfig{}, "", fmt.Errorf("apply environment: %w", err)
	}

	cfg, err := buildAppConfig(parsed)
	if err != nil {
		return appConfig{}, "", err
	}
	if err := validateAppConfig(cfg); err != nil {
		return appConfig{}, "", fmt.Errorf("validate config: %w", err)
	}

	return cfg, configFile, nil
}

// resolveConfigFilePath returns found=false when no file exists, in which
// case configuration comes from the environment alone.
func resolveConfigFilePath(lookupEnv lookupEnvFunc) (string, bool, error) {
	if configFile := envValue(lookupEnv, envConfigFile); configFile != "" {
		return configFile, true, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", false, nil
}

func readConfigFile(path string, parsed *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

func envValue(lookupEnv lookupEnvFunc, key string) string {
	if lookupEnv == nil {
		return ""
	}
	value, ok := lookupEnv(key)
	if !ok {
		return ""
	}

	return strings.TrimSpace(value)
}

func applyEnvOverrides(parsed *fileConfig, lookupEnv lookupEnvFunc) error {
	stringOverrides := []struct {
		key    string
		target *string
	}{
		{key: envBaseURL, target: &parsed.Misskey.BaseURL},
		{key: envStreamURL, target: &parsed.Misskey.StreamURL},
		{key: envToken, target: &parsed.Misskey.Token},
		{key: envChannel, target: &parsed.Misskey.ChannelID},
		{key: envLLMURL, target: &parsed.llmBaseURL},
		{key: envLLMKey, target: &parsed.llmAPIKey},
		{key: envLLMModel, target: &parsed.Chat.Model},
		{key: envLLMModel, target: &parsed.Autopost.Model},
		{key: envSystemPrompt, target: &parsed.Chat.Preamble},
		{key: envSystemPromptAuto, target: &parsed.Autopost.Preamble},
		{key: envBotUsername, target: &parsed.Bot.Username},
		{key: envBotUserID, target: &parsed.Bot.UserID},
	}
	for _, override := range stringOverrides {
		if value := envValue(lookupEnv, override.key); value != "" {
			*override.target = value
		}
	}

	if raw := envValue(lookupEnv, envMaxToken); raw != "" {
		tokens, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envMaxToken, err)
		}
		parsed.Chat.MaxOutputTokens = &tokens
	}
	if raw := envValue(lookupEnv, envMaxMemory); raw != "" {
		capacity, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envMaxMemory, err)
		}
		parsed.Memory.InteractiveCap = &capacity
		autonomousCap := capacity
		parsed.Memory.AutonomousCap = &autonomousCap
	}

	return nil
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		handlerTimeout:     defaultHandlerTimeout,

		autopostEnabled:      true,
		interactiveMemoryCap: defaultMemoryCap,
		autonomousMemoryCap:  defaultMemoryCap,
	}
}

func buildAppConfig(parsed fileConfig) (appConfig, error) {
	cfg := defaultAppConfig()

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if err := applyKernelConfig(&cfg, parsed.Kernel); err != nil {
		return appConfig{}, err
	}

	misskeyRaw, err := json.Marshal(parsed.Misskey)
	if err != nil {
		return appConfig{}, fmt.Errorf("encode misskey config: %w", err)
	}
	cfg.driver = driver.Definition{
		Name:    defaultDriverName,
		Type:    misskey.DriverType,
		Enabled: true,
		Config:  misskeyRaw,
	}

	llmCfg, err := llmconfig.Parse(parsed.LLM)
	if err != nil {
		return appConfig{}, err
	}
	llmCfg.Override(defaultProviderKey, parsed.llmBaseURL, parsed.llmAPIKey)
	cfg.llm = llmCfg

	if err := applyChatConfig(&cfg, parsed); err != nil {
		return appConfig{}, err
	}
	if err := applyAutopostConfig(&cfg, parsed); err != nil {
		return appConfig{}, err
	}

	if parsed.Memory.InteractiveCap != nil {
		cfg.interactiveMemoryCap = *parsed.Memory.InteractiveCap
	}
	if parsed.Memory.AutonomousCap != nil {
		cfg.autonomousMemoryCap = *parsed.Memory.AutonomousCap
	}
	cfg.metricsAddr = strings.TrimSpace(parsed.Metrics.ListenAddr)

	return cfg, nil
}

func applyKernelConfig(cfg *appConfig, raw fileKernelConfig) error {
	if rawTimeout := strings.TrimSpace(raw.ModuleHookTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.module_hook_timeout: %w", err)
		}
		cfg.moduleHookTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(raw.ShutdownTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.shutdown_timeout: %w", err)
		}
		cfg.shutdownTimeout = timeout
	}
	if raw.SubscriptionBuffer != nil {
		if *raw.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *raw.SubscriptionBuffer
	}
	if rawTimeout := strings.TrimSpace(raw.HandlerTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse kernel.handler_timeout: %w", err)
		}
		cfg.handlerTimeout = timeout
	}

	return nil
}

func applyChatConfig(cfg *appConfig, parsed fileConfig) error {
	provider := strings.TrimSpace(parsed.Chat.Provider)
	if provider == "" {
		provider = defaultProviderKey
	}

	cfg.chat = chat.Config{
		BotUsername:    strings.TrimSpace(parsed.Bot.Username),
		BotUserID:      strings.TrimSpace(parsed.Bot.UserID),
		Provider:       provider,
		Model:          strings.TrimSpace(parsed.Chat.Model),
		Preamble:       parsed.Chat.Preamble,
		RequestTimeout: cfg.llm.RequestTimeout,
	}
	if parsed.Chat.MaxOutputTokens != nil {
		cfg.chat.MaxOutputTokens = *parsed.Chat.MaxOutputTokens
	}
	if parsed.Chat.QueueSize != nil {
		cfg.chat.QueueSize = *parsed.Chat.QueueSize
	}
	if rawCooldown := strings.TrimSpace(parsed.Chat.Cooldown); rawCooldown != "" {
		cooldown, err := parsePositiveDuration(rawCooldown)
		if err != nil {
			return fmt.Errorf("parse chat.cooldown: %w", err)
		}
		cfg.chat.Cooldown = cooldown
	}

	return nil
}

func applyAutopostConfig(cfg *appConfig, parsed fileConfig) error {
	raw := parsed.Autopost
	if raw.Enabled != nil {
		cfg.autopostEnabled = *raw.Enabled
	}

	provider := strings.TrimSpace(raw.Provider)
	if provider == "" {
		provider = cfg.chat.Provider
	}
	model := strings.TrimSpace(raw.Model)
	if model == "" {
		model = cfg.chat.Model
	}

	cfg.autopost = autopost.Config{
		BotUsername:    cfg.chat.BotUsername,
		Provider:       provider,
		Model:          model,
		Preamble:       raw.Preamble,
		Trigger:        strings.TrimSpace(raw.Trigger),
		RequestTimeout: cfg.llm.RequestTimeout,
	}
	if raw.MaxOutputTokens != nil {
		cfg.autopost.MaxOutputTokens = *raw.MaxOutputTokens
	}
	if rawDelay := strings.TrimSpace(raw.MinDelay); rawDelay != "" {
		delay, err := parsePositiveDuration(rawDelay)
		if err != nil {
			return fmt.Errorf("parse autopost.min_delay: %w", err)
		}
		cfg.autopost.MinDelay = delay
	}
	if rawDelay := strings.TrimSpace(raw.MaxDelay); rawDelay != "" {
		delay, err := parsePositiveDuration(rawDelay)
		if err != nil {
			return fmt.Errorf("parse autopost.max_delay: %w", err)
		}
		cfg.autopost.MaxDelay = delay
	}

	return nil
}

func validateAppConfig(cfg appConfig) error {
	if _, err := misskey.ParseConfig(cfg.driver.Config); err != nil {
		return fmt.Errorf("misskey: %w", err)
	}
	if err := cfg.llm.Validate(); err != nil {
		return err
	}
	if err := cfg.chat.Validate(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if _, exists := cfg.llm.Providers[cfg.chat.Provider]; !exists {
		return fmt.Errorf("chat.provider: unknown provider profile %s", cfg.chat.Provider)
	}
	if cfg.autopostEnabled {
		if err := cfg.autopost.Validate(); err != nil {
			return fmt.Errorf("autopost: %w", err)
		}
		if _, exists := cfg.llm.Providers[cfg.autopost.Provider]; !exists {
			return fmt.Errorf("autopost.provider: unknown provider profile %s", cfg.autopost.Provider)
		}
	}
	if cfg.interactiveMemoryCap <= 0 {
		return fmt.Errorf("memory.interactive_cap must be > 0")
	}
	if cfg.autonomousMemoryCap <= 0 {
		return fmt.Errorf("memory.autonomous_cap must be > 0")
	}

	return nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}

	return duration, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
