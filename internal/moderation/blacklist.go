package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/store"
)

const (
	// BlacklistKey caches the pattern list as a JSON array.
	BlacklistKey = "moderation:blacklist"

	// BlacklistTTL bounds how stale the cached pattern list may be.
	BlacklistTTL = 5 * time.Minute
)

// PatternStore is the durable home of blacklist patterns.
type PatternStore interface {
	LoadPatterns(ctx context.Context) ([]string, error)
	AddPattern(ctx context.Context, pattern string) error
	RemovePattern(ctx context.Context, pattern string) error
}

// Blacklist serves blacklist patterns through a Redis cache.
type Blacklist struct {
	rdb   *redis.Client
	store PatternStore
}

// NewBlacklist creates a Blacklist loader.
func NewBlacklist(rdb *redis.Client, ps PatternStore) *Blacklist {
	return &Blacklist{rdb: rdb, store: ps}
}

// Patterns returns the current pattern list, reading through the cache.
func (b *Blacklist) Patterns(ctx context.Context) ([]string, error) {
	log := logging.Component("moderation")

	data, err := b.rdb.Get(ctx, BlacklistKey).Bytes()
	switch {
	case err == nil:
		var patterns []string
		if jerr := json.Unmarshal(data, &patterns); jerr == nil {
			return patterns, nil
		}
		log.Warn().Msg("discarding undecodable blacklist cache entry")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Msg("blacklist cache read failed")
	}

	patterns, err := b.store.LoadPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("moderation: load blacklist: %w", err)
	}
	if data, err := json.Marshal(patterns); err == nil {
		if err := b.rdb.Set(ctx, BlacklistKey, data, BlacklistTTL).Err(); err != nil {
			log.Warn().Err(err).Msg("blacklist cache write failed")
		}
	}
	return patterns, nil
}

// Add stores a pattern and drops the cached list.
func (b *Blacklist) Add(ctx context.Context, pattern string) error {
	if compileGlob(pattern) == nil {
		return fmt.Errorf("moderation: empty blacklist pattern")
	}
	if err := b.store.AddPattern(ctx, pattern); err != nil {
		return fmt.Errorf("moderation: add pattern: %w", err)
	}
	return b.invalidate(ctx)
}

// Remove deletes a pattern and drops the cached list.
func (b *Blacklist) Remove(ctx context.Context, pattern string) error {
	if err := b.store.RemovePattern(ctx, pattern); err != nil {
		return fmt.Errorf("moderation: remove pattern: %w", err)
	}
	return b.invalidate(ctx)
}

func (b *Blacklist) invalidate(ctx context.Context) error {
	if err := b.rdb.Del(ctx, BlacklistKey).Err(); err != nil {
		return fmt.Errorf("moderation: invalidate blacklist cache: %w", err)
	}
	return nil
}

// PGPatterns stores blacklist patterns in PostgreSQL.
type PGPatterns struct {
	db *sql.DB
	cb *store.Breaker
}

// NewPGPatterns creates a pattern store on the blacklist table.
func NewPGPatterns(db *sql.DB, cb *store.Breaker) *PGPatterns {
	return &PGPatterns{db: db, cb: cb}
}

func (p *PGPatterns) LoadPatterns(ctx context.Context) ([]string, error) {
	return store.Query(p.cb, func() ([]string, error) {
		rows, err := p.db.QueryContext(ctx, `SELECT pattern FROM blacklist ORDER BY pattern`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, rows.Err()
	})
}

func (p *PGPatterns) AddPattern(ctx context.Context, pattern string) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO blacklist (pattern) VALUES ($1) ON CONFLICT (pattern) DO NOTHING`, pattern)
		return err
	})
}

func (p *PGPatterns) RemovePattern(ctx context.Context, pattern string) error {
	return p.cb.Do(func() error {
		_, err := p.db.ExecContext(ctx, `DELETE FROM blacklist WHERE pattern = $1`, pattern)
		return err
	})
}

// MemPatterns keeps blacklist patterns in memory.
type MemPatterns struct {
	mu       sync.RWMutex
	patterns []string
}

// NewMemPatterns creates an in-memory pattern store.
func NewMemPatterns(patterns ...string) *MemPatterns {
	return &MemPatterns{patterns: append([]string(nil), patterns...)}
}

func (m *MemPatterns) LoadPatterns(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.patterns...), nil
}

func (m *MemPatterns) AddPattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patterns {
		if p == pattern {
			return nil
		}
	}
	m.patterns = append(m.patterns, pattern)
	return nil
}

func (m *MemPatterns) RemovePattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.patterns {
		if p == pattern {
			m.patterns = append(m.patterns[:i], m.patterns[i+1:]...)
			return nil
		}
	}
	return nil
}
