// Command chatserver runs the public chat room: the WebSocket endpoint, the
// health and metrics endpoints and an in-process sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/lobby/internal/app"
	"github.com/whisper/lobby/internal/config"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/sweeper"
	"github.com/whisper/lobby/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("chatserver")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer res.Close()
	lobby := app.New(res.Redis, res.Durable, res.Pub)

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.WorkerPoolSize = cfg.WorkerPoolSize
	serverCfg.MaxConnections = cfg.MaxConnections
	serverCfg.ReadTimeout = cfg.ReadTimeout
	serverCfg.WriteTimeout = cfg.WriteTimeout
	serverCfg.TrustedProxies = cfg.TrustedProxies

	dispatcher := ws.NewMessageDispatcher(nil)
	server, err := ws.NewServer(serverCfg, dispatcher.Dispatch)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server config")
	}
	dispatcher.SetServer(server)
	ws.NewRoom(server, dispatcher, lobby.Gateway, lobby.Presence, lobby.Broadcaster)

	sweep := sweeper.New(lobby.Redis, lobby.Presence, lobby.Bans, lobby.Presence, cfg.SweepInterval)

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("server_name", cfg.ServerName).
		Bool("durable", res.DB != nil).
		Bool("nats", res.NATS != nil).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Msg("lobby starting")

	sup := app.NewSupervisor("lobby", app.DefaultSupervisorConfig())
	sup.Add(server)
	sup.Add(sweep)

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor exited")
	}
	log.Info().Msg("lobby stopped")
}
