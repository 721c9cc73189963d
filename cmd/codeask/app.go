package main

import (
	"context"
	"time"

	"codeask/internal/agent"
	"codeask/internal/anthropic"
	"codeask/internal/auth"
	"codeask/internal/config"
	"codeask/internal/conversation"
	"codeask/internal/logging"
	"codeask/internal/mcp"
	"codeask/internal/mirror"
	"codeask/internal/notify"
)

// app is the wired service: mirror, tool servers, backend client, and the
// conversation machinery built from one config.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	mirror        *mirror.Mirror
	registry      *mcp.Registry
	loop          *agent.Loop
	store         *conversation.Store
	conversations *conversation.Manager
	auth          *auth.Manager
	notifier      *notify.Manager
}

// buildApp initializes every component the service needs. Startup is
// fail-fast: a broken clone, manifest, or essential tool server aborts.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	m := mirror.New(mirror.Config{
		RemoteURL:    cfg.Repo.URL,
		Branch:       cfg.Repo.Branch,
		LocalPath:    cfg.Repo.CloneDir,
		Token:        cfg.Repo.Token,
		FetchTimeout: cfg.Repo.FetchTimeout(),
	}, logger.WithFields(map[string]interface{}{"component": "mirror"}))
	if err := m.Init(ctx); err != nil {
		return nil, err
	}

	specs, err := mcp.LoadManifest(cfg.ToolServers.ManifestPath)
	if err != nil {
		return nil, err
	}
	registry := mcp.NewRegistry(mcp.Config{
		CallTimeout:    cfg.ToolServers.CallTimeout(),
		ConnectTimeout: cfg.ToolServers.ConnectTimeout(),
	}, logger.WithFields(map[string]interface{}{"component": "mcp"}))
	if err := registry.ConnectAll(ctx, specs); err != nil {
		return nil, err
	}

	client := anthropic.NewClient(anthropic.Config{
		APIKey:         cfg.Anthropic.APIKey,
		BaseURL:        cfg.Anthropic.BaseURL,
		RequestTimeout: cfg.Anthropic.RequestTimeout(),
	}, logger)

	loop := agent.New(agent.Config{
		Model:                cfg.Anthropic.Model,
		MaxIterations:        cfg.Anthropic.MaxIterations,
		EnableThinking:       cfg.Anthropic.EnableThinking,
		ThinkingBudgetTokens: cfg.Anthropic.ThinkingBudgetTokens,
		OutputReserveTokens:  cfg.Anthropic.OutputReserveTokens,
	}, client, registry, m, logger.WithFields(map[string]interface{}{"component": "agent"}))

	store, err := conversation.OpenStore(cfg.StorePath(), logger)
	if err != nil {
		registry.Shutdown()
		return nil, err
	}
	conversations := conversation.NewManager(conversation.Config{
		TTL:            cfg.Conversation.TTL(),
		MaxConcurrency: cfg.Conversation.MaxConcurrency,
	}, store, logger)

	authMgr := auth.NewManager(auth.Config{
		APIKey:             cfg.Server.APIKey,
		HashedAPIKeys:      cfg.Server.HashedAPIKeys,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, logger)

	var notifier *notify.Manager
	if cfg.Notify.RulesPath != "" {
		rules, err := notify.LoadRules(cfg.Notify.RulesPath)
		if err != nil {
			store.Close()
			registry.Shutdown()
			return nil, err
		}
		notifier = notify.NewManager(rules, notify.Config{}, logger)
		notifier.Start()
	}

	return &app{
		cfg:           cfg,
		logger:        logger,
		mirror:        m,
		registry:      registry,
		loop:          loop,
		store:         store,
		conversations: conversations,
		auth:          authMgr,
		notifier:      notifier,
	}, nil
}

// shutdown tears the app down in reverse construction order
func (a *app) shutdown() {
	if a.notifier != nil {
		if err := a.notifier.Stop(10 * time.Second); err != nil {
			a.logger.Warn("Notifier shutdown error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Store close error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	a.registry.Shutdown()
}
