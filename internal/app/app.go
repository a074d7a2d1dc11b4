// Package app builds the lobby's component graph from process config. Both
// binaries share it so the chat server and the standalone sweeper see the
// same stores.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/ban"
	"github.com/whisper/lobby/internal/chat"
	"github.com/whisper/lobby/internal/config"
	"github.com/whisper/lobby/internal/decoy"
	"github.com/whisper/lobby/internal/gateway"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/moderation"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/ratelimit"
	"github.com/whisper/lobby/internal/settings"
	"github.com/whisper/lobby/internal/store"
	"github.com/whisper/lobby/internal/violation"
)

// Durable groups the repositories behind the durable store.
type Durable struct {
	Log      chat.Log
	Bans     ban.Repo
	Sessions presence.Repo
	Decoys   DecoyRepo
	Patterns moderation.PatternStore
	Settings settings.Source
}

// DecoyRepo is a decoy pool that can also be seeded.
type DecoyRepo interface {
	decoy.Repo
	decoy.Seeder
}

// MemoryDurable returns in-memory repositories. State is lost on exit.
func MemoryDurable() Durable {
	return Durable{
		Log:      chat.NewMemLog(),
		Bans:     ban.NewMemRepo(),
		Sessions: presence.NewMemRepo(),
		Decoys:   decoy.NewMemRepo(),
		Patterns: moderation.NewMemPatterns(),
		Settings: settings.NewMemSource(nil),
	}
}

// PostgresDurable returns PostgreSQL repositories, one circuit breaker per
// table group.
func PostgresDurable(db *sql.DB) Durable {
	return Durable{
		Log:      chat.NewPGLog(db, store.NewBreaker("messages")),
		Bans:     ban.NewPGRepo(db, store.NewBreaker("bans")),
		Sessions: presence.NewPGRepo(db, store.NewBreaker("sessions")),
		Decoys:   decoy.NewPGRepo(db, store.NewBreaker("decoys")),
		Patterns: moderation.NewPGPatterns(db, store.NewBreaker("blacklist")),
		Settings: settings.NewPGSource(db, store.NewBreaker("settings")),
	}
}

// Lobby is the wired component graph.
type Lobby struct {
	Redis       *redis.Client
	Broadcaster messaging.Broadcaster
	Settings    *settings.Provider
	Bans        *ban.Registry
	Violations  *violation.Tracker
	History     *chat.History
	Blacklist   *moderation.Blacklist
	Screener    *moderation.Screener
	Decoys      *decoy.Balancer
	Identities  *presence.RedisIdentities
	Presence    *presence.Tracker
	Gateway     *gateway.Gateway
}

// New wires the components on top of rdb, the durable repositories and pub.
func New(rdb *redis.Client, d Durable, pub messaging.Broadcaster) *Lobby {
	cfg := settings.NewProvider(d.Settings, settings.DefaultTTL)
	bans := ban.NewRegistry(rdb, d.Bans)
	violations := violation.NewTracker(rdb, bans, ratelimit.NewLimiter(rdb), cfg)
	history := chat.NewHistory(rdb, d.Log, cfg)
	blacklist := moderation.NewBlacklist(rdb, d.Patterns)
	screener := moderation.NewScreener(blacklist, violations)
	decoys := decoy.NewBalancer(rdb, d.Decoys, cfg)
	identities := presence.NewRedisIdentities(rdb)
	pres := presence.NewTracker(d.Sessions, rdb, bans, decoys, identities, pub)
	bans.SetEvictor(pres)

	return &Lobby{
		Redis:       rdb,
		Broadcaster: pub,
		Settings:    cfg,
		Bans:        bans,
		Violations:  violations,
		History:     history,
		Blacklist:   blacklist,
		Screener:    screener,
		Decoys:      decoys,
		Identities:  identities,
		Presence:    pres,
		Gateway:     gateway.New(bans, violations, history, screener, pub, cfg),
	}
}

// Resources are the external connections opened by Open.
type Resources struct {
	Redis   *redis.Client
	DB      *sql.DB // nil in memory mode
	NATS    *messaging.NATSClient
	Durable Durable
	Pub     messaging.Broadcaster
}

// Close releases every open connection.
func (r *Resources) Close() {
	if r.NATS != nil {
		r.NATS.Close()
	}
	if r.DB != nil {
		r.DB.Close()
	}
	if r.Redis != nil {
		r.Redis.Close()
	}
}

// Open connects to Redis, PostgreSQL (migrating it) and NATS as configured.
// An empty DSN selects in-memory repositories; an empty NATS URL selects the
// in-process hub.
func Open(ctx context.Context, cfg config.Config) (*Resources, error) {
	log := logging.Component("app")
	res := &Resources{}

	rdb, err := store.OpenRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	res.Redis = rdb

	if cfg.DatabaseURL == "" {
		log.Warn().Msg("no database configured, using in-memory durable stores")
		res.Durable = MemoryDurable()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.DB = db
		if err := store.Migrate(db); err != nil {
			res.Close()
			return nil, err
		}
		res.Durable = PostgresDurable(db)
	}

	if cfg.NATSURL == "" {
		log.Warn().Msg("no NATS configured, broadcasting in-process only")
		res.Pub = messaging.NewHub()
	} else {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		if cfg.ServerName != "" {
			natsCfg.Name = "lobby-" + cfg.ServerName
		}
		nc, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("app: nats: %w", err)
		}
		res.NATS = nc
		res.Pub = nc
	}

	if err := decoy.Seed(ctx, res.Durable.Decoys, cfg.Decoys); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}
