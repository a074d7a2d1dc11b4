// Command sweeper runs the periodic cleanup on its own, for deployments where
// chat servers are started with a very long sweep interval. It needs the
// shared database; sweeping in-memory stores of another process is
// meaningless.
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
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component("sweeper-cmd")

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("LOBBY_DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer res.Close()
	lobby := app.New(res.Redis, res.Durable, res.Pub)

	sup := app.NewSupervisor("lobby-sweeper", app.DefaultSupervisorConfig())
	sup.Add(sweeper.New(lobby.Redis, lobby.Presence, lobby.Bans, lobby.Presence, cfg.SweepInterval))

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor exited")
	}
}
