package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/linkhubhq/linkhub/internal/channel/adapters"
	"github.com/linkhubhq/linkhub/internal/config"
	"github.com/linkhubhq/linkhub/internal/db"
	"github.com/linkhubhq/linkhub/internal/handlers"
	"github.com/linkhubhq/linkhub/internal/hub"
	"github.com/linkhubhq/linkhub/internal/logger"
	"github.com/linkhubhq/linkhub/internal/server"
	"github.com/linkhubhq/linkhub/internal/store"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			store.NewConnectionStore,
			store.NewUsageStore,
			provideHub,
			provideJanitor,
			providePingHandler,
			provideTokenHandler,
			provideConnectionsHandler,
			provideServer,
		),
		fx.Invoke(
			startHub,
			startJanitor,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideHub(log *slog.Logger, cfg config.Config, connections *store.ConnectionStore, usage *store.UsageStore) *hub.Hub {
	opts := adapters.Options{
		BridgeURL:      cfg.WhatsApp.BridgeURL,
		CredentialRoot: cfg.WhatsApp.CredentialRoot,
	}
	return hub.New(log, connections, usage, adapters.New, opts, cfg.Hub)
}

func provideJanitor(log *slog.Logger, cfg config.Config, h *hub.Hub) (*hub.Janitor, error) {
	return hub.NewJanitor(log, h, cfg.Hub.JanitorPeriod.Std(), cfg.Hub.PendingTTL.Std())
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideTokenHandler(log *slog.Logger, cfg config.Config) (*handlers.TokenHandler, error) {
	expiresIn, err := cfg.Auth.ExpiresIn()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	return handlers.NewTokenHandler(log, cfg.Auth.JWTSecret, expiresIn), nil
}

func provideConnectionsHandler(log *slog.Logger, h *hub.Hub) *handlers.ConnectionsHandler {
	return handlers.NewConnectionsHandler(log, h)
}

func provideServer(cfg config.Config, pingHandler *handlers.PingHandler, tokenHandler *handlers.TokenHandler, connectionsHandler *handlers.ConnectionsHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, pingHandler, tokenHandler, connectionsHandler)
}

func startHub(lc fx.Lifecycle, h *hub.Hub) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return h.Restore(ctx) },
	})
}

func startJanitor(lc fx.Lifecycle, j *hub.Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { j.Start(); return nil },
		OnStop:  func(context.Context) error { j.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
