// Package main runs the room server: HTTP account API and websocket
// endpoint, narrator backend, room persistence and gRPC health service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/auth"
	"github.com/cory-johannsen/vdm/internal/config"
	"github.com/cory-johannsen/vdm/internal/frontend/handlers"
	"github.com/cory-johannsen/vdm/internal/frontend/wsconn"
	"github.com/cory-johannsen/vdm/internal/game/dice"
	"github.com/cory-johannsen/vdm/internal/game/registry"
	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/game/session"
	"github.com/cory-johannsen/vdm/internal/health"
	"github.com/cory-johannsen/vdm/internal/narrative"
	"github.com/cory-johannsen/vdm/internal/observability"
	"github.com/cory-johannsen/vdm/internal/server"
	"github.com/cory-johannsen/vdm/internal/storage"
	"github.com/cory-johannsen/vdm/internal/storage/postgres"
	"github.com/cory-johannsen/vdm/internal/storage/sqlite"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, level, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting room server",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("narrator", cfg.Narrative.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := observability.Phase(logger, "storage")
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}
	done(zap.String("driver", cfg.Storage.Driver))

	done = observability.Phase(logger, "narrator")
	prompts := narrative.DefaultPrompts()
	if cfg.Narrative.PromptsFile != "" {
		if prompts, err = narrative.LoadPrompts(cfg.Narrative.PromptsFile); err != nil {
			logger.Fatal("loading prompts", zap.Error(err))
		}
	}
	gen := newGenerator(cfg.Narrative, prompts, logger)
	done(zap.String("backend", cfg.Narrative.Backend), zap.Bool("voice", cfg.Narrative.VoiceURL != ""))

	accounts, err := auth.NewService(store, auth.Config{
		SigningKey: cfg.Auth.SigningKey,
		TokenTTL:   cfg.Auth.TokenTTL,
	}, logger.Named("auth"))
	if err != nil {
		logger.Fatal("creating auth service", zap.Error(err))
	}

	clips := narrative.NewClips(cfg.Narrative.AudioClips)
	rooms := registry.New(store, room.Deps{
		Generator: gen,
		Clips:     clips,
		Logger:    logger.Named("room"),
		Options: room.Options{
			GenerationTimeout: cfg.Narrative.Timeout,
			CheckpointTimeout: cfg.Storage.CheckpointTimeout,
			ContextMessages:   cfg.Narrative.ContextMessages,
			Streaming:         cfg.Narrative.Streaming,
			AutoResolve:       cfg.Narrative.AutoResolve,
			FallbackOpening:   prompts.FallbackOpening,
		},
	}, logger.Named("registry"))

	sessions := session.NewManager(accounts, rooms,
		dice.NewRoller(dice.CryptoSource(), logger.Named("dice")),
		session.Config{SendBuffer: cfg.Websocket.SendBuffer},
		logger.Named("session"),
	)
	accounts.OnRevoke(func(playerID string) { sessions.Revoke(playerID) })

	healthSrv := health.New(cfg.Health.Addr(), store, cfg.Health.Interval, logger.Named("health"))

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr(),
		Handler: handlers.NewRouter(handlers.Deps{
			Accounts: accounts,
			Sessions: sessions,
			Health:   healthSrv,
			Clips:    clips,
			Websocket: wsconn.Config{
				PingInterval:    cfg.Websocket.PingInterval,
				PongWait:        cfg.Websocket.PongWait,
				WriteWait:       cfg.Websocket.WriteWait,
				MaxMessageBytes: cfg.Websocket.MaxMessageBytes,
			},
			LogLevel:    level,
			Logger:      logger.Named("http"),
			BaseContext: ctx,
		}),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger, 0)

	lifecycle.Add("storage", &server.FuncService{
		StartFn: func() error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(context.Context) {
			if err := store.Close(); err != nil {
				logger.Warn("closing storage", zap.Error(err))
			}
		},
	})

	lifecycle.Add("rooms", &server.FuncService{
		StartFn: func() error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(stopCtx context.Context) {
			if err := rooms.Shutdown(stopCtx); err != nil {
				logger.Warn("shutting down rooms", zap.Error(err))
			}
		},
	})

	lifecycle.Add("health", healthSrv)

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving http: %w", err)
			}
			return nil
		},
		StopFn: func(stopCtx context.Context) {
			// Hijacked websocket connections end when the base context is cancelled.
			cancel()
			if err := httpSrv.Shutdown(stopCtx); err != nil {
				logger.Warn("shutting down http", zap.Error(err))
			}
		},
	})

	logger.Info("room server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return storage.NewMemory(), nil
	}
}

func newGenerator(cfg config.NarrativeConfig, prompts narrative.Prompts, logger *zap.Logger) narrative.Generator {
	var gen narrative.Generator
	switch cfg.Backend {
	case "anthropic":
		gen = narrative.NewAnthropicGenerator(narrative.AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, prompts, logger.Named("narrator"))
	default:
		gen = narrative.NewScripted(prompts, cfg.ScriptedDelay)
	}
	if cfg.VoiceURL != "" {
		synth := narrative.NewHTTPSynthesizer(cfg.VoiceURL, cfg.Voice, cfg.VoiceChunk, cfg.Timeout)
		gen = narrative.NewVoiced(gen, synth, logger.Named("voice"))
	}
	return gen
}
