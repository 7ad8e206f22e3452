package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ex-notebot/internal/driver"
	"ex-notebot/internal/kernel"
	"ex-notebot/internal/memory"
	"ex-notebot/internal/telemetry"
	"ex-notebot/modules/autopost"
	"ex-notebot/modules/chat"
	"ex-notebot/pkg/llm"
	"ex-notebot/pkg/llm/providers"
	"ex-notebot/pkg/notebot"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

type runtimeServices struct {
	logger            *slog.Logger
	metrics           *telemetry.Metrics
	dispatcher        notebot.NoteDispatcher
	interactiveMemory *memory.Buffer
	autonomousMemory  *memory.Buffer
	providers         *llm.Registry
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, configFile, err := loadConfig(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	if configFile == "" {
		logger.Info("no config file found, using environment only")
	} else {
		logger.Info("config loaded", "path", configFile)
	}

	metrics := telemetry.NewMetrics()
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}

	kernelRuntime := buildKernelRuntime(logger, cfg)

	drivers, dispatcher, err := buildDriverRuntime(context.Background(), logger, metrics, cfg, registry)
	if err != nil {
		return err
	}
	providerRegistry, err := buildProviderRegistry(cfg)
	if err != nil {
		return err
	}
	interactiveMemory, autonomousMemory, err := buildMemory(cfg)
	if err != nil {
		return err
	}

	if err := registerRuntimeDrivers(kernelRuntime, drivers); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, runtimeServices{
		logger:            logger,
		metrics:           metrics,
		dispatcher:        dispatcher,
		interactiveMemory: interactiveMemory,
		autonomousMemory:  autonomousMemory,
		providers:         providerRegistry,
	}); err != nil {
		return err
	}
	if err := registerRuntimeModules(context.Background(), kernelRuntime, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("bot running",
		"bot_username", cfg.chat.BotUsername,
		"model", cfg.chat.Model,
		"autopost", cfg.autopostEnabled,
		"metrics_addr", cfg.metricsAddr,
	)

	return serve(ctx, logger, kernelRuntime, metrics, cfg.metricsAddr)
}

// serve runs the kernel and, when configured, the metrics listener until
// either stops or ctx is cancelled.
func serve(
	ctx context.Context,
	logger *slog.Logger,
	kernelRuntime *kernel.Kernel,
	metrics *telemetry.Metrics,
	metricsAddr string,
) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer cancel()
		if err := kernelRuntime.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		group.Go(func() error {
			logger.Info("metrics listener started", "addr", metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown metrics listener: %w", err)
			}
			return nil
		})
	}

	return group.Wait()
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithHandlerTimeout(cfg.handlerTimeout),
	)
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	metrics notebot.MetricsRecorder,
	cfg appConfig,
	registry *driver.Registry,
) ([]notebot.Driver, notebot.NoteDispatcher, error) {
	if registry == nil {
		return nil, nil, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, []driver.Definition{cfg.driver}, driver.Dependencies{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build drivers: %w", err)
	}

	drivers := make([]notebot.Driver, 0, len(runtimes))
	for _, runtime := range runtimes {
		drivers = append(drivers, runtime.Driver)
	}

	dispatcher, err := driver.SoleDispatcher(runtimes)
	if err != nil {
		return nil, nil, fmt.Errorf("build note dispatcher: %w", err)
	}

	return drivers, dispatcher, nil
}

func buildProviderRegistry(cfg appConfig) (*llm.Registry, error) {
	built, err := providers.Build(cfg.llm)
	if err != nil {
		return nil, err
	}
	registry, err := llm.NewRegistry(built)
	if err != nil {
		return nil, fmt.Errorf("build llm provider registry: %w", err)
	}

	return registry, nil
}

func buildMemory(cfg appConfig) (*memory.Buffer, *memory.Buffer, error) {
	interactive, err := memory.New("interactive", cfg.interactiveMemoryCap)
	if err != nil {
		return nil, nil, err
	}
	autonomous, err := memory.New("autonomous", cfg.autonomousMemoryCap)
	if err != nil {
		return nil, nil, err
	}

	return interactive, autonomous, nil
}

func registerRuntimeServices(kernelRuntime *kernel.Kernel, services runtimeServices) error {
	if services.dispatcher == nil {
		return fmt.Errorf("register note dispatcher service: nil dispatcher")
	}

	entries := []struct {
		name  string
		value any
	}{
		{name: notebot.ServiceLogger, value: services.logger},
		{name: notebot.ServiceMetrics, value: services.metrics},
		{name: notebot.ServiceNoteDispatcher, value: services.dispatcher},
		{name: notebot.ServiceInteractiveMemory, value: services.interactiveMemory},
		{name: notebot.ServiceAutonomousMemory, value: services.autonomousMemory},
		{name: notebot.ServiceLLMProviderRegistry, value: services.providers},
	}
	for _, entry := range entries {
		if err := kernelRuntime.RegisterService(entry.name, entry.value); err != nil {
			return fmt.Errorf("register service %s: %w", entry.name, err)
		}
	}

	return nil
}

// registerRuntimeModules registers chat before autopost because chat
// publishes the note sender autopost depends on.
func registerRuntimeModules(ctx context.Context, kernelRuntime *kernel.Kernel, cfg appConfig) error {
	chatModule, err := chat.New(cfg.chat)
	if err != nil {
		return err
	}
	if err := kernelRuntime.RegisterModule(ctx, chatModule); err != nil {
		return fmt.Errorf("register chat module: %w", err)
	}

	if !cfg.autopostEnabled {
		return nil
	}
	autopostModule, err := autopost.New(cfg.autopost)
	if err != nil {
		return err
	}
	if err := kernelRuntime.RegisterModule(ctx, autopostModule); err != nil {
		return fmt.Errorf("register autopost module: %w", err)
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []notebot.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
