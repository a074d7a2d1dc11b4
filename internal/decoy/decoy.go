// Package decoy keeps enough synthetic users visible to meet the configured
// minimum occupancy. Decoys are seeded by operators and only ever toggled
// active or inactive here.
package decoy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/settings"
)

// CacheKey is the Redis hash of active decoys, nickname -> JSON Decoy.
const CacheKey = "presence:decoys"

// ErrUnknownDecoy is returned when toggling a nickname that is not a decoy.
var ErrUnknownDecoy = errors.New("decoy: unknown nickname")

// Decoy is a synthetic user.
type Decoy struct {
	Nickname string `json:"nickname"`
	Age      int    `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
	Location string `json:"location,omitempty"`
	Active   bool   `json:"active"`
}

// Repo is the durable decoy pool.
type Repo interface {
	All(ctx context.Context) ([]Decoy, error)
	SetActive(ctx context.Context, nicknames []string, active bool) error
	Exists(ctx context.Context, nickname string) (bool, error)
}

// Seeder adds decoys to a pool. Existing nicknames are left untouched.
type Seeder interface {
	Add(ctx context.Context, d Decoy) error
}

// Seed adds a decoy for each non-empty nickname.
func Seed(ctx context.Context, s Seeder, nicknames []string) error {
	for _, n := range nicknames {
		if n = strings.TrimSpace(n); n == "" {
			continue
		}
		if err := s.Add(ctx, Decoy{Nickname: n}); err != nil {
			return fmt.Errorf("decoy: seed %s: %w", n, err)
		}
	}
	return nil
}

// SettingsSource supplies the current settings snapshot.
type SettingsSource interface {
	Current(ctx context.Context) settings.Snapshot
}

// Change describes what one Rebalance did.
type Change struct {
	Target      int
	Activated   []string
	Deactivated []string
	Active      int
}

// Balancer toggles decoys so that active decoys = max(0, target - real).
type Balancer struct {
	rdb      *redis.Client
	repo     Repo
	settings SettingsSource

	mu      sync.Mutex
	shuffle func(n int, swap func(i, j int))
}

// NewBalancer creates a Balancer.
func NewBalancer(rdb *redis.Client, repo Repo, settings SettingsSource) *Balancer {
	return &Balancer{rdb: rdb, repo: repo, settings: settings, shuffle: rand.Shuffle}
}

// Rebalance adjusts the active decoy set for realCount real users. Decoys
// to toggle are picked uniformly at random. Calling it again with the same
// realCount changes nothing.
func (b *Balancer) Rebalance(ctx context.Context, realCount int) (Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.settings.Current(ctx).MinOccupancy
	needed := max(0, target-realCount)

	all, err := b.repo.All(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("decoy: load pool: %w", err)
	}
	var active, inactive []Decoy
	for _, d := range all {
		if d.Active {
			active = append(active, d)
		} else {
			inactive = append(inactive, d)
		}
	}

	change := Change{Target: needed, Active: len(active)}
	switch {
	case needed > len(active):
		pick := b.pick(inactive, needed-len(active))
		if err := b.repo.SetActive(ctx, nicknames(pick), true); err != nil {
			return change, fmt.Errorf("decoy: activate: %w", err)
		}
		change.Activated = nicknames(pick)
		change.Active += len(pick)
		if len(pick) < needed-len(active) {
			log := logging.Component("decoy")
			log.Warn().Int("needed", needed).Int("pool", len(all)).Msg("decoy pool too small for occupancy target")
		}
		for i := range pick {
			pick[i].Active = true
		}
		b.cacheAdd(ctx, pick)

	case needed < len(active):
		pick := b.pick(active, len(active)-needed)
		if err := b.repo.SetActive(ctx, nicknames(pick), false); err != nil {
			return change, fmt.Errorf("decoy: deactivate: %w", err)
		}
		change.Deactivated = nicknames(pick)
		change.Active -= len(pick)
		b.cacheRemove(ctx, pick)

	default:
		b.repairCache(ctx, active)
	}

	metrics.ActiveDecoys.Set(float64(change.Active))
	if len(change.Activated) > 0 || len(change.Deactivated) > 0 {
		log := logging.Component("decoy")
		log.Info().Int("real", realCount).Int("target", target).Int("active", change.Active).
			Strs("activated", change.Activated).Strs("deactivated", change.Deactivated).
			Msg("decoys rebalanced")
	}
	return change, nil
}

func (b *Balancer) pick(from []Decoy, n int) []Decoy {
	pool := append([]Decoy(nil), from...)
	b.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	return pool[:n]
}

func (b *Balancer) cacheAdd(ctx context.Context, ds []Decoy) {
	if len(ds) == 0 {
		return
	}
	vals := make(map[string]any, len(ds))
	for _, d := range ds {
		data, err := json.Marshal(d)
		if err != nil {
			continue
		}
		vals[d.Nickname] = data
	}
	if err := b.rdb.HSet(ctx, CacheKey, vals).Err(); err != nil {
		log := logging.Component("decoy")
		log.Warn().Err(err).Msg("decoy cache update failed")
	}
}

func (b *Balancer) cacheRemove(ctx context.Context, ds []Decoy) {
	if len(ds) == 0 {
		return
	}
	if err := b.rdb.HDel(ctx, CacheKey, nicknames(ds)...).Err(); err != nil {
		log := logging.Component("decoy")
		log.Warn().Err(err).Msg("decoy cache update failed")
	}
}

// repairCache rewrites the hash when its nicknames disagree with the
// durable pool, e.g. after a cache flush or a partial write.
func (b *Balancer) repairCache(ctx context.Context, active []Decoy) {
	cached, err := b.rdb.HKeys(ctx, CacheKey).Result()
	if err != nil || sameNicknames(cached, active) {
		return
	}
	if err := b.rdb.Del(ctx, CacheKey).Err(); err != nil {
		return
	}
	b.cacheAdd(ctx, active)
}

func sameNicknames(cached []string, active []Decoy) bool {
	if len(cached) != len(active) {
		return false
	}
	want := make(map[string]struct{}, len(active))
	for _, d := range active {
		want[d.Nickname] = struct{}{}
	}
	for _, n := range cached {
		if _, ok := want[n]; !ok {
			return false
		}
	}
	return true
}

// Active returns the active decoys sorted by nickname. It reads the Redis
// hash and falls back to the durable pool if the cache is unreadable.
func (b *Balancer) Active(ctx context.Context) ([]Decoy, error) {
	raw, err := b.rdb.HGetAll(ctx, CacheKey).Result()
	if err != nil {
		log := logging.Component("decoy")
		log.Warn().Err(err).Msg("decoy cache read failed, reading durable pool")
		all, err := b.repo.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("decoy: load pool: %w", err)
		}
		var out []Decoy
		for _, d := range all {
			if d.Active {
				out = append(out, d)
			}
		}
		return out, nil
	}

	out := make([]Decoy, 0, len(raw))
	for nick, v := range raw {
		var d Decoy
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			d = Decoy{Nickname: nick, Active: true}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}

// IsReserved reports whether nickname belongs to any decoy, active or not.
// Matching is case-insensitive.
func (b *Balancer) IsReserved(ctx context.Context, nickname string) (bool, error) {
	ok, err := b.repo.Exists(ctx, strings.TrimSpace(nickname))
	if err != nil {
		return false, fmt.Errorf("decoy: reserved check: %w", err)
	}
	return ok, nil
}

func nicknames(ds []Decoy) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Nickname
	}
	return out
}
