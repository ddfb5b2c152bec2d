// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/zhaopengme/chatrelay/pkg/bus"
	"github.com/zhaopengme/chatrelay/pkg/channels"
	"github.com/zhaopengme/chatrelay/pkg/config"
	"github.com/zhaopengme/chatrelay/pkg/logger"
	"github.com/zhaopengme/chatrelay/pkg/providers"
	"github.com/zhaopengme/chatrelay/pkg/router"
	"github.com/zhaopengme/chatrelay/pkg/session"
)

func serve(ctx context.Context, cfg *config.Config) error {
	provider, model, err := providers.CreateProvider(cfg.Generation)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	generator := providers.NewGenerator(provider, providers.ConversationConfig{
		Model:        model,
		SystemPrompt: cfg.Generation.SystemPrompt,
		MaxTokens:    cfg.Generation.MaxTokens,
		Temperature:  cfg.Generation.Temperature,
		Timeout:      cfg.Generation.Timeout,
	})
	sessions := session.NewRegistry(generator.NewConversation)

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	telegram, err := channels.NewTelegramChannel(cfg.Telegram, msgBus)
	if err != nil {
		return err
	}

	manager := channels.NewManager(msgBus)
	manager.Register(telegram)

	rt := router.NewRouter(msgBus, sessions, router.Options{
		PoweredBy:     poweredBy(cfg.Generation.Provider, model),
		IdleTTL:       cfg.Session.IdleTTL,
		SweepInterval: cfg.Session.SweepInterval,
	})

	logger.InfoCF("main", "Starting relay", map[string]interface{}{
		"version":  formatVersion(),
		"provider": cfg.Generation.Provider,
		"model":    model,
		"idle_ttl": cfg.Session.IdleTTL.String(),
	})

	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	defer manager.StopAll(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return manager.DispatchOutbound(gctx) })

	return g.Wait()
}

func poweredBy(provider, model string) string {
	switch provider {
	case config.ProviderGemini:
		return fmt.Sprintf("Google Gemini (%s)", model)
	case config.ProviderAnthropic:
		return fmt.Sprintf("Anthropic Claude (%s)", model)
	default:
		return model
	}
}
