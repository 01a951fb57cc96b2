package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scribe-ai/internal/adapter/chat"
	"scribe-ai/internal/adapter/provider"
	"scribe-ai/internal/adapter/tool"
	"scribe-ai/internal/adapter/transcript"
	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/config"
	"scribe-ai/internal/infra/logger"
	"scribe-ai/internal/infra/tracer"
	"scribe-ai/internal/usecase"
	"scribe-ai/internal/usecase/eventbus"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: scribe.yaml if present)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		configPath = "scribe.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	bus := eventbus.New(log)
	defer bus.Close()

	assistants, err := provider.NewAssistantsClient(cfg.Provider, log)
	if err != nil {
		return err
	}
	var gen domain.GenerationProvider = assistants
	if cfg.Provider.CircuitBreaker.Enabled {
		gen = provider.NewBreakerClient(assistants, cfg.Provider.CircuitBreaker, log)
	}

	store, side, closeStore, err := buildTranscript(ctx, cfg.Chat, bus, log)
	if err != nil {
		return err
	}
	defer closeStore()

	indicators := chat.NewBroadcaster(side, cfg.Chat.IndicatorsPerSec, cfg.Chat.IndicatorBurst, log)

	runner := tool.NewRunner(log)
	search := tool.NewBreakerBackend(tool.NewTavilyBackend(cfg.Search, log), log)
	if err := runner.Register(tool.NewWebSearchTool(search, cfg.Search.CacheTTL, log)); err != nil {
		return err
	}

	manager := usecase.NewManager(usecase.OrchestratorDeps{
		Provider:   gen,
		Store:      store,
		Indicators: indicators,
		Tools:      runner,
		Bus:        bus,
		Logger:     log,
		Profile: usecase.AssistantProfile{
			Name:              cfg.Assistant.Name,
			Model:             cfg.Assistant.Model,
			SystemPrompt:      cfg.Assistant.SystemPrompt,
			Temperature:       cfg.Assistant.Temperature,
			GenerationTimeout: cfg.Assistant.GenerationTimeout,
		},
	})
	manager.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		manager.Close(shutdownCtx)
	}()

	if cfg.Reaper.Enabled {
		reaper, err := usecase.NewReaper(manager, cfg.Reaper.Schedule, cfg.Reaper.IdleAfter, log)
		if err != nil {
			return err
		}
		reaper.Start()
		defer reaper.Stop()
	}

	log.Info("scribe started",
		"provider", gen.Name(),
		"chat_mode", cfg.Chat.Mode,
		"web_search", search.Available())

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// buildTranscript wires the transcript store and side channel for the
// configured chat mode: a remote chat service, or a local SQLite file
// for single-node deployments.
func buildTranscript(ctx context.Context, cfg config.ChatConfig, bus *eventbus.Bus, log *slog.Logger) (domain.TranscriptStore, domain.SideChannel, func(), error) {
	switch cfg.Mode {
	case "remote":
		client, err := chat.NewClient(cfg, bus, log)
		if err != nil {
			return nil, nil, nil, err
		}
		go func() {
			if err := client.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("chat event listener stopped", "error", err)
			}
		}()
		return client, client, func() {}, nil
	case "local":
		store, err := transcript.NewSQLiteStore(cfg.LocalPath)
		if err != nil {
			return nil, nil, nil, err
		}
		closeStore := func() {
			if err := store.Close(); err != nil {
				log.Warn("transcript store close failed", "error", err)
			}
		}
		return store, store, closeStore, nil
	default:
		return nil, nil, nil, domain.NewDomainError("buildTranscript", domain.ErrConfigLoad,
			fmt.Sprintf("unsupported chat mode %q", cfg.Mode))
	}
}
