// Package main runs the duel relay: a websocket server that pairs two
// players per room and relays validated moves between them.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"example.com/duel_relay/internal/config"
	"example.com/duel_relay/internal/game"
	"example.com/duel_relay/internal/observability"
	"example.com/duel_relay/internal/room"
	"example.com/duel_relay/internal/server"
	"example.com/duel_relay/internal/session"
	"example.com/duel_relay/internal/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and RELAY_* env when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	engine, err := game.New(cfg.Engine)
	if err != nil {
		logger.Fatal("loading game engine", zap.Error(err))
	}
	if c, ok := engine.(interface{ Close() }); ok {
		defer c.Close()
	}
	logger.Info("game engine ready", zap.String("engine", engine.Name()))

	reg := room.NewRegistry(engine, logger)
	hub := ws.NewHub(cfg.Transport, cfg.Server.AllowedOrigins, logger)
	hub.Attach(session.NewCoordinator(reg, hub, logger, session.Options{
		ReportRejections: cfg.Rooms.ReportRejections,
	}))

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", server.HTTPService(
		cfg.Server.Addr(),
		ws.NewMux(hub, cfg.Server.StaticDir, cfg.Server.AllowedOrigins),
		cfg.Server.ShutdownTimeout,
	))
	if cfg.Rooms.EmptyGrace > 0 {
		lifecycle.Add("reaper", server.LoopService(func(ctx context.Context) {
			reg.Reap(ctx, cfg.Rooms.ReapInterval, cfg.Rooms.EmptyGrace)
		}))
	}

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
		zap.Strings("allowed_origins", cfg.Server.AllowedOrigins),
		zap.String("static_dir", cfg.Server.StaticDir),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
