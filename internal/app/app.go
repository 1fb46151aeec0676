package app

import (
	"context"
	"fmt"

	"feedshield/internal/cache"
	"feedshield/internal/capability"
	"feedshield/internal/config"
	"feedshield/internal/handler"
	"feedshield/internal/pipeline"
	"feedshield/internal/registry"
	"feedshield/internal/server"
	"feedshield/internal/storage"
)

type App struct {
	server   *server.Server
	cache    *cache.Manager
	registry *registry.Registry

	bgCancel context.CancelFunc
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Dependencies
	backend, err := cache.NewBackend(cfg.Cache.PostgresDSN, cfg.Cache.MaxImages)
	if err != nil {
		return nil, fmt.Errorf("init cache backend: %w", err)
	}

	store, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init image store: %w", err)
	}

	gemini, err := capability.NewGeminiClient(context.Background(),
		cfg.Model.APIKey, cfg.Model.ImageModel, cfg.Model.JudgeModel)
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	caps, err := capability.NewRegistry(map[capability.Provider]capability.Set{
		capability.ProviderGemini: {Generator: gemini, Judge: gemini, Similarity: gemini},
	})
	if err != nil {
		return nil, fmt.Errorf("init capability registry: %w", err)
	}
	generationProvider := capability.Provider(cfg.Model.GenerationProvider)
	scoreProvider := capability.Provider(cfg.Model.ScoreProvider)
	if err := caps.Validate(generationProvider, scoreProvider); err != nil {
		return nil, fmt.Errorf("validate configured providers: %w", err)
	}

	resultCache := cache.NewManager(backend, gemini, cache.WithSubKeyLimit(cfg.Cache.SubKeyLimit))
	subs := registry.New(
		registry.WithPingInterval(cfg.Registry.PingInterval),
		registry.WithIdleTimeout(cfg.Registry.IdleTimeout),
	)
	orch := pipeline.NewOrchestrator(resultCache, store, caps,
		pipeline.WithDefaultProviders(generationProvider, scoreProvider),
	)

	processHandler := handler.NewProcessHandler(orch)
	resultHandler := handler.NewResultHandler(resultCache)
	wsHandler := handler.NewWSHandler(subs, resultCache)

	// Routing & Server
	mux := server.NewMux(processHandler, resultHandler, wsHandler)
	srv := server.New(cfg.Port, mux)

	return &App{
		server:   srv,
		cache:    resultCache,
		registry: subs,
	}, nil
}

// Start launches the liveness sweep and the completion bridge that forwards
// fresh cache inserts to waiting subscribers, then serves until Shutdown.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	go a.registry.Run(ctx)

	completions := make(chan cache.Completion, 64)
	a.cache.Subscribe(completions)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-completions:
				a.registry.OnComplete(c)
			}
		}
	}()

	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	if a.bgCancel != nil {
		a.bgCancel()
	}
	return a.server.Shutdown(ctx)
}
