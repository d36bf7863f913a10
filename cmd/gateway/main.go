package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/chat-gateway/internal/audit"
	"github.com/tjfontaine/chat-gateway/internal/config"
	"github.com/tjfontaine/chat-gateway/internal/dispatch"
	"github.com/tjfontaine/chat-gateway/internal/frontdoor"
	"github.com/tjfontaine/chat-gateway/internal/gateway"
	"github.com/tjfontaine/chat-gateway/internal/provider"
	"github.com/tjfontaine/chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/chat-gateway/internal/server"
	"github.com/tjfontaine/chat-gateway/internal/storage/memory"
	"github.com/tjfontaine/chat-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/chat-gateway/internal/telemetry"
	"github.com/tjfontaine/chat-gateway/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	sinks := audit.Multi{audit.LogSink{Logger: logger}}
	if cfg.Audit.Telegram.Token != "" {
		sinks = append(sinks, audit.NewTelegramSink(cfg.Audit.Telegram.Token, cfg.Audit.Telegram.ChatID, cfg.Audit.Telegram.BaseURL))
	}
	var (
		exchanges   *sqlite.Store
		handlerOpts []frontdoor.HandlerOption
	)
	if cfg.Audit.SQLite.Path != "" {
		exchanges, err = sqlite.New(cfg.Audit.SQLite.Path)
		if err != nil {
			log.Fatalf("Failed to open audit database: %v", err)
		}
		defer exchanges.Close()
		sinks = append(sinks, audit.StoreSink{Store: exchanges})
		handlerOpts = append(handlerOpts, frontdoor.WithExchangeLog(exchanges))
	}

	auditOpts := []audit.AsyncOption{audit.WithTokens(tokens.NewDefaultRegistry())}
	if cfg.Audit.Geo.Enabled {
		auditOpts = append(auditOpts, audit.WithLocator(audit.NewGeoLookup(cfg.Audit.Geo.BaseURL)))
	}
	auditor := audit.NewAsync(sinks, cfg.Audit.QueueSize, logger, auditOpts...)

	gw := gateway.New(gateway.Deps{
		Resolver: provider.NewResolver(cfg.ProviderURLs()),
		Conversations: memory.NewConversationStore(
			cfg.Conversation.MaxHistoryTurns,
			cfg.Conversation.MaxConversations,
			cfg.Conversation.TTL,
		),
		Cache:   memory.NewResponseCache(cfg.Cache.Size, cfg.Cache.TTL),
		Limiter: ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.MaxClients),
		Dispatcher: dispatch.New(dispatch.Config{
			Timeout:              cfg.Dispatch.Timeout,
			MaxRetries:           cfg.Dispatch.MaxRetries,
			Backoff:              cfg.Dispatch.Backoff,
			MaxConcurrent:        cfg.Dispatch.MaxConcurrent,
			MaxIdleConnsPerHost:  cfg.Dispatch.MaxIdleConnsPerHost,
			BlockPrivateNetworks: cfg.Dispatch.BlockPrivateNetworks,
			Credentials:          cfg.Credentials(),
		}, logger),
		Auditor: auditor,
		Logger:  logger,
	})

	keys := frontdoor.NewKeySource(cfg.Cache.KeyTTL, frontdoor.StaticKey(cfg.RapidAPI.Key))

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
	}, logger)
	frontdoor.Mount(srv.Router, frontdoor.NewHandler(gw, keys, cfg.Server.TrustForwardedFor, handlerOpts...), cfg.Server.StaticDir)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping gateway...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	if err := auditor.Close(shutdownCtx); err != nil {
		logger.Error("audit drain incomplete", slog.String("error", err.Error()))
	}

	logger.Info("Gateway shutdown complete")
}
