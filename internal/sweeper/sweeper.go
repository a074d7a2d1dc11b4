// Package sweeper runs periodic cleanup: stale sessions, expired bans and a
// decoy rebalance that also repairs the presence caches.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/metrics"
)

// LockKey serializes sweeps across processes.
const LockKey = "sweeper:lock"

// StaleEvictor removes sessions that stopped sending heartbeats.
type StaleEvictor interface {
	EvictStale(ctx context.Context) (int, error)
}

// BanPurger deletes bans past their expiry.
type BanPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Rebalancer recomputes decoys and republishes presence.
type Rebalancer interface {
	Rebalance(ctx context.Context)
}

// Result summarizes one sweep.
type Result struct {
	Skipped    bool
	Sessions   int
	BansPurged int64
	Rebalanced bool
}

// Sweeper is a suture.Service.
type Sweeper struct {
	rdb      *redis.Client
	sessions StaleEvictor
	bans     BanPurger
	decoys   Rebalancer
	interval time.Duration
	owner    string
}

// New creates a Sweeper. rdb may be nil, in which case sweeps are not
// coordinated across processes.
func New(rdb *redis.Client, sessions StaleEvictor, bans BanPurger, decoys Rebalancer, interval time.Duration) *Sweeper {
	return &Sweeper{
		rdb:      rdb,
		sessions: sessions,
		bans:     bans,
		decoys:   decoys,
		interval: interval,
		owner:    uuid.NewString(),
	}
}

// Serve sweeps every interval until ctx is cancelled.
func (s *Sweeper) Serve(ctx context.Context) error {
	log := logging.Component("sweeper")
	log.Info().Dur("interval", s.interval).Msg("sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("sweep incomplete")
			}
		}
	}
}

func (s *Sweeper) String() string { return "sweeper" }

// Sweep runs one pass. Each step runs even if an earlier one failed; the
// first error is returned.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	log := logging.Component("sweeper")
	var res Result

	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, LockKey, s.owner, s.interval/2).Result()
		if err != nil {
			log.Warn().Err(err).Msg("sweep lock unavailable, sweeping anyway")
		} else if !ok {
			res.Skipped = true
			return res, nil
		}
	}

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var firstErr error
	n, err := s.sessions.EvictStale(ctx)
	if err != nil {
		firstErr = fmt.Errorf("sweeper: evict stale: %w", err)
	}
	res.Sessions = n

	purged, err := s.bans.PurgeExpired(ctx)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sweeper: purge bans: %w", err)
	}
	res.BansPurged = purged

	s.decoys.Rebalance(ctx)
	res.Rebalanced = true

	if res.Sessions > 0 || res.BansPurged > 0 {
		log.Info().Int("sessions", res.Sessions).Int64("bans", res.BansPurged).Msg("sweep removed entries")
	}
	return res, firstErr
}
