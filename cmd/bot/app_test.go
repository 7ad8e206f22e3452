package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ex-notebot/internal/driver/misskey"
	"ex-notebot/internal/kernel"
	"ex-notebot/internal/memory"
	"ex-notebot/internal/telemetry"
	"ex-notebot/pkg/llm"
	llmconfig "ex-notebot/pkg/llm/config"
	"ex-notebot/pkg/notebot"
)

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func mapEnv(values map[string]string) lookupEnvFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func minimalEnv() map[string]string {
	return map[string]string{
		"URL":                "https://misskey.example",
		"TOKEN":              "secret",
		"CHANNEL":            "chan-1",
		"LLM_URL":            "https://llm.example/v1/chat/completions",
		"LLM_KEY":            "sk-test",
		"LLM_MODEL":          "gpt-test",
		"SYSTEM_PROMPT":      "You are notebot.",
		"SYSTEM_PROMPT_AUTO": "Write a short note.",
		"BOT_USERNAME":       "notebot",
		"BOT_USER_ID":        "bot-id",
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseLogLevel(testCase.input)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr {
				return
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	t.Parallel()

	env := minimalEnv()
	env["MAX_TOKEN"] = "300"
	env["MAX_MEMORY"] = "7"

	cfg, configFile, err := loadConfig(mapEnv(env))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if configFile != "" {
		t.Fatalf("config file = %q, want none", configFile)
	}

	if cfg.chat.BotUsername != "notebot" || cfg.chat.BotUserID != "bot-id" {
		t.Fatalf("bot identity = %q/%q", cfg.chat.BotUsername, cfg.chat.BotUserID)
	}
	if cfg.chat.Provider != defaultProviderKey || cfg.chat.Model != "gpt-test" {
		t.Fatalf("chat provider/model = %q/%q", cfg.chat.Provider, cfg.chat.Model)
	}
	if cfg.chat.MaxOutputTokens != 300 {
		t.Fatalf("chat max tokens = %d, want 300", cfg.chat.MaxOutputTokens)
	}
	if cfg.autopost.MaxOutputTokens != 0 {
		t.Fatalf("autopost max tokens = %d, want unset so the 500 default applies", cfg.autopost.MaxOutputTokens)
	}
	if cfg.autopost.Model != "gpt-test" || cfg.autopost.Preamble != "Write a short note." {
		t.Fatalf("autopost model/preamble = %q/%q", cfg.autopost.Model, cfg.autopost.Preamble)
	}
	if cfg.interactiveMemoryCap != 7 || cfg.autonomousMemoryCap != 7 {
		t.Fatalf("memory caps = %d/%d, want 7/7", cfg.interactiveMemoryCap, cfg.autonomousMemoryCap)
	}
	if !cfg.autopostEnabled {
		t.Fatal("autopost should be enabled by default")
	}

	profile, ok := cfg.llm.Providers[defaultProviderKey]
	if !ok {
		t.Fatal("default provider profile missing")
	}
	if profile.Type != llmconfig.ProviderTypeOpenAI || profile.APIKey != "sk-test" {
		t.Fatalf("profile = %+v", profile)
	}
	if cfg.llm.RequestTimeout != llmconfig.DefaultRequestTimeout {
		t.Fatalf("request timeout = %s, want default", cfg.llm.RequestTimeout)
	}

	if cfg.driver.Type != "misskey" || !cfg.driver.Enabled {
		t.Fatalf("driver definition = %+v", cfg.driver)
	}
	if !strings.Contains(string(cfg.driver.Config), `"channel_id":"chan-1"`) {
		t.Fatalf("driver config = %s, want channel id", cfg.driver.Config)
	}
}

func TestLoadConfigFileWithEnvironmentOverrides(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "bot.json")
	writeConfigFile(t, configPath, `{
		"log_level":"warn",
		"kernel":{
			"module_hook_timeout":"7s",
			"shutdown_timeout":"15s",
			"subscription_buffer":64,
			"handler_timeout":"5s"
		},
		"misskey":{
			"base_url":"https://file.example",
			"token":"file-token",
			"channel_id":"file-channel",
			"keepalive_interval":"30s"
		},
		"llm":{
			"request_timeout":"45s",
			"providers":{
				"gemini-main":{"type":"gemini","api_key":"g-key"}
			}
		},
		"bot":{"username":"filebot","user_id":"file-id"},
		"chat":{
			"provider":"gemini-main",
			"model":"gemini-2.5-flash",
			"max_output_tokens":200,
			"preamble":"file preamble",
			"cooldown":"3s"
		},
		"autopost":{
			"enabled":false,
			"min_delay":"10m",
			"max_delay":"20m"
		},
		"memory":{"interactive_cap":12,"autonomous_cap":4},
		"metrics":{"listen_addr":":9464"}
	}`)

	cfg, configFile, err := loadConfig(mapEnv(map[string]string{
		"NOTEBOT_CONFIG_FILE": configPath,
		"TOKEN":               "env-token",
		"BOT_USERNAME":        "envbot",
	}))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if configFile != configPath {
		t.Fatalf("config file = %q, want %q", configFile, configPath)
	}

	if cfg.logLevel != slog.LevelWarn {
		t.Fatalf("log level = %v, want warn", cfg.logLevel)
	}
	if cfg.moduleHookTimeout != 7*time.Second || cfg.shutdownTimeout != 15*time.Second {
		t.Fatalf("kernel timeouts = %s/%s", cfg.moduleHookTimeout, cfg.shutdownTimeout)
	}
	if cfg.subscriptionBuffer != 64 || cfg.handlerTimeout != 5*time.Second {
		t.Fatalf("subscription = %d/%s", cfg.subscriptionBuffer, cfg.handlerTimeout)
	}
	if !strings.Contains(string(cfg.driver.Config), `"token":"env-token"`) {
		t.Fatalf("driver config = %s, want env token", cfg.driver.Config)
	}
	if cfg.chat.BotUsername != "envbot" || cfg.chat.BotUserID != "file-id" {
		t.Fatalf("bot identity = %q/%q", cfg.chat.BotUsername, cfg.chat.BotUserID)
	}
	if cfg.chat.Provider != "gemini-main" || cfg.chat.Cooldown != 3*time.Second {
		t.Fatalf("chat = %+v", cfg.chat)
	}
	if cfg.chat.RequestTimeout != 45*time.Second {
		t.Fatalf("chat request timeout = %s, want 45s", cfg.chat.RequestTimeout)
	}
	if cfg.autopostEnabled {
		t.Fatal("autopost should be disabled")
	}
	if cfg.autopost.MinDelay != 10*time.Minute || cfg.autopost.MaxDelay != 20*time.Minute {
		t.Fatalf("autopost delays = %s/%s", cfg.autopost.MinDelay, cfg.autopost.MaxDelay)
	}
	if cfg.interactiveMemoryCap != 12 || cfg.autonomousMemoryCap != 4 {
		t.Fatalf("memory caps = %d/%d", cfg.interactiveMemoryCap, cfg.autonomousMemoryCap)
	}
	if cfg.metricsAddr != ":9464" {
		t.Fatalf("metrics addr = %q", cfg.metricsAddr)
	}
	if profile := cfg.llm.Providers["gemini-main"]; profile.Gemini == nil || profile.Gemini.APIVersion != "v1beta" {
		t.Fatalf("gemini profile = %+v, want default api version", profile)
	}
}

func TestLoadConfigWithoutChannel(t *testing.T) {
	t.Parallel()

	env := minimalEnv()
	delete(env, "CHANNEL")
	cfg, _, err := loadConfig(mapEnv(env))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	parsed, err := misskey.ParseConfig(cfg.driver.Config)
	if err != nil {
		t.Fatalf("parse driver config failed: %v", err)
	}
	if parsed.ChannelID != "" {
		t.Fatalf("channel id = %q, want empty", parsed.ChannelID)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantErr string
	}{
		{name: "missing token", mutate: func(env map[string]string) { delete(env, "TOKEN") }, wantErr: "token"},
		{name: "zero memory cap", mutate: func(env map[string]string) { env["MAX_MEMORY"] = "0" }, wantErr: "memory"},
		{name: "negative memory cap", mutate: func(env map[string]string) { env["MAX_MEMORY"] = "-3" }, wantErr: "memory"},
		{name: "non numeric max token", mutate: func(env map[string]string) { env["MAX_TOKEN"] = "lots" }, wantErr: "MAX_TOKEN"},
		{name: "missing llm key", mutate: func(env map[string]string) { delete(env, "LLM_KEY") }, wantErr: "api_key"},
		{name: "missing bot user id", mutate: func(env map[string]string) { delete(env, "BOT_USER_ID") }, wantErr: "user id"},
		{name: "missing auto preamble", mutate: func(env map[string]string) { delete(env, "SYSTEM_PROMPT_AUTO") }, wantErr: "autopost"},
		{name: "missing llm entirely", mutate: func(env map[string]string) {
			delete(env, "LLM_KEY")
			delete(env, "LLM_URL")
		}, wantErr: "providers is required"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			env := minimalEnv()
			testCase.mutate(env)
			_, _, err := loadConfig(mapEnv(env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, testCase.wantErr)
			}
		})
	}
}

func TestLoadConfigUnknownChatProvider(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "bot.json")
	writeConfigFile(t, configPath, `{"chat":{"provider":"missing"}}`)

	env := minimalEnv()
	env["NOTEBOT_CONFIG_FILE"] = configPath
	_, _, err := loadConfig(mapEnv(env))
	if err == nil || !strings.Contains(err.Error(), "unknown provider profile missing") {
		t.Fatalf("error = %v, want unknown provider", err)
	}
}

type dispatcherStub struct{}

func (dispatcherStub) CreateNote(context.Context, notebot.CreateNoteRequest) (*notebot.CreatedNote, error) {
	return &notebot.CreatedNote{ID: "n1"}, nil
}

type providerStub struct{}

func (providerStub) Generate(context.Context, notebot.LLMGenerateRequest) (notebot.LLMGenerateResult, error) {
	return notebot.LLMGenerateResult{Text: "hello"}, nil
}

func TestRegisterRuntimeModulesWiresSharedSender(t *testing.T) {
	t.Parallel()

	env := minimalEnv()
	cfg, _, err := loadConfig(mapEnv(env))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	kernelRuntime := buildKernelRuntime(logger, cfg)

	interactive, autonomous, err := buildMemory(cfg)
	if err != nil {
		t.Fatalf("build memory failed: %v", err)
	}
	providerRegistry, err := llm.NewRegistry(map[string]notebot.LLMProvider{defaultProviderKey: providerStub{}})
	if err != nil {
		t.Fatalf("new provider registry failed: %v", err)
	}

	if err := registerRuntimeServices(kernelRuntime, runtimeServices{
		logger:            logger,
		metrics:           telemetry.NewMetrics(),
		dispatcher:        dispatcherStub{},
		interactiveMemory: interactive,
		autonomousMemory:  autonomous,
		providers:         providerRegistry,
	}); err != nil {
		t.Fatalf("register services failed: %v", err)
	}
	if err := registerRuntimeModules(context.Background(), kernelRuntime, cfg); err != nil {
		t.Fatalf("register modules failed: %v", err)
	}

	if _, err := notebot.ResolveAs[notebot.NoteSender](kernelRuntime.Services(), notebot.ServiceNoteSender); err != nil {
		t.Fatalf("resolve note sender failed: %v", err)
	}
}

func TestRegisterRuntimeServicesRejectsNilDispatcher(t *testing.T) {
	t.Parallel()

	interactive, err := memory.New("interactive", 1)
	if err != nil {
		t.Fatalf("new memory failed: %v", err)
	}
	err = registerRuntimeServices(kernel.New(), runtimeServices{
		logger:            slog.Default(),
		metrics:           telemetry.NewMetrics(),
		interactiveMemory: interactive,
		autonomousMemory:  interactive,
	})
	if err == nil {
		t.Fatal("expected nil dispatcher error")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	kernelRuntime := kernel.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, slog.Default(), kernelRuntime, telemetry.NewMetrics(), "")
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}
