// Package ban manages IP and nickname bans. Bans live in PostgreSQL; readers
// go through a Redis copy of the whole ban list so a burst of posts costs at
// most one durable query per cache period:
//
//	Key:   bans:all
//	Value: JSON array of every ban record
//	TTL:   5 minutes, deleted on any ban or unban
//
// Expired bans stay in the table until a cleanup pass purges them, but are
// never reported as active.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/logging"
)

const (
	// CacheKey holds the cached ban list.
	CacheKey = "bans:all"

	// CacheTTL bounds how stale the cached list may be.
	CacheTTL = 5 * time.Minute
)

// Kind is the subject type of a ban.
type Kind string

const (
	KindIP       Kind = "ip"
	KindNickname Kind = "nickname"
)

// Ban is one ban record. A nil BannedUntil means permanent.
type Ban struct {
	Kind        Kind       `json:"kind"`
	Subject     string     `json:"subject"`
	Reason      string     `json:"reason"`
	BannedBy    string     `json:"banned_by"`
	BannedAt    time.Time  `json:"banned_at"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

// Active reports whether the ban is in force at now.
func (b Ban) Active(now time.Time) bool {
	return b.BannedUntil == nil || b.BannedUntil.After(now)
}

// Repo is the durable ban store. Upsert must be insert-or-update on
// (Kind, Subject).
type Repo interface {
	List(ctx context.Context) ([]Ban, error)
	Upsert(ctx context.Context, b Ban) error
	Delete(ctx context.Context, kind Kind, subject string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionEvictor drops live sessions using a nickname.
type SessionEvictor interface {
	EvictNickname(ctx context.Context, nickname string) (int, error)
}

// Registry answers ban checks and applies bans.
type Registry struct {
	rdb     *redis.Client
	repo    Repo
	evictor SessionEvictor
	now     func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(rdb *redis.Client, repo Repo) *Registry {
	return &Registry{rdb: rdb, repo: repo, now: time.Now}
}

// SetEvictor sets the session evictor used by BanNickname. Presence depends
// on the registry, so the evictor is attached after both are built.
func (r *Registry) SetEvictor(e SessionEvictor) {
	r.evictor = e
}

func normalize(kind Kind, subject string) string {
	subject = strings.TrimSpace(subject)
	if kind == KindNickname {
		return strings.ToLower(subject)
	}
	return subject
}

// IsIPBanned returns the active ban on ip, or nil.
func (r *Registry) IsIPBanned(ctx context.Context, ip string) (*Ban, error) {
	return r.lookup(ctx, KindIP, ip)
}

// IsNicknameBanned returns the active ban on nickname, or nil. Matching is
// case-insensitive.
func (r *Registry) IsNicknameBanned(ctx context.Context, nickname string) (*Ban, error) {
	return r.lookup(ctx, KindNickname, nickname)
}

// lookup fails open: if neither the cache nor the durable store can be read
// the subject is treated as not banned and the failure is logged.
func (r *Registry) lookup(ctx context.Context, kind Kind, subject string) (*Ban, error) {
	bans, err := r.cachedList(ctx)
	if err != nil {
		log := logging.Component("ban")
		log.Error().Err(err).Str("kind", string(kind)).Str("subject", subject).
			Msg("ban list unavailable, failing open")
		return nil, nil
	}

	subject = normalize(kind, subject)
	now := r.now()
	for i := range bans {
		b := bans[i]
		if b.Kind == kind && b.Subject == subject && b.Active(now) {
			return &b, nil
		}
	}
	return nil, nil
}

func (r *Registry) cachedList(ctx context.Context) ([]Ban, error) {
	log := logging.Component("ban")

	data, err := r.rdb.Get(ctx, CacheKey).Bytes()
	switch {
	case err == nil:
		var bans []Ban
		if jerr := json.Unmarshal(data, &bans); jerr == nil {
			return bans, nil
		}
		log.Warn().Msg("discarding undecodable ban cache entry")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Msg("ban cache read failed, reading durable store")
	}

	bans, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}
	if data, err := json.Marshal(bans); err == nil {
		if err := r.rdb.Set(ctx, CacheKey, data, CacheTTL).Err(); err != nil {
			log.Warn().Err(err).Msg("ban cache write failed")
		}
	}
	return bans, nil
}

func (r *Registry) invalidate(ctx context.Context) {
	if err := r.rdb.Del(ctx, CacheKey).Err(); err != nil {
		log := logging.Component("ban")
		log.Warn().Err(err).Msg("ban cache invalidation failed")
	}
}

func (r *Registry) ban(ctx context.Context, kind Kind, subject, reason, by string, durationDays *int) (Ban, error) {
	subject = normalize(kind, subject)
	if subject == "" {
		return Ban{}, fmt.Errorf("ban: empty %s", kind)
	}
	now := r.now().UTC()
	b := Ban{Kind: kind, Subject: subject, Reason: reason, BannedBy: by, BannedAt: now}
	if durationDays != nil && *durationDays > 0 {
		until := now.AddDate(0, 0, *durationDays)
		b.BannedUntil = &until
	}
	if err := r.repo.Upsert(ctx, b); err != nil {
		return Ban{}, fmt.Errorf("ban: upsert %s: %w", kind, err)
	}
	r.invalidate(ctx)

	log := logging.Component("ban")
	log.Info().Str("kind", string(kind)).Str("subject", subject).Str("reason", reason).
		Str("by", by).Msg("ban applied")
	return b, nil
}

// BanIP bans ip. A nil or non-positive durationDays bans permanently.
func (r *Registry) BanIP(ctx context.Context, ip, reason, by string, durationDays *int) error {
	_, err := r.ban(ctx, KindIP, ip, reason, by, durationDays)
	return err
}

// BanNickname bans nickname and evicts its live sessions. A failed eviction
// is logged; the session is cleaned up on the next stale sweep.
func (r *Registry) BanNickname(ctx context.Context, nickname, reason, by string, durationDays *int) error {
	if _, err := r.ban(ctx, KindNickname, nickname, reason, by, durationDays); err != nil {
		return err
	}
	if r.evictor == nil {
		return nil
	}
	n, err := r.evictor.EvictNickname(ctx, nickname)
	log := logging.Component("ban")
	if err != nil {
		log.Error().Err(err).Str("nickname", nickname).Msg("evicting banned nickname failed")
		return nil
	}
	if n > 0 {
		log.Info().Str("nickname", nickname).Int("sessions", n).Msg("evicted sessions of banned nickname")
	}
	return nil
}

func (r *Registry) unban(ctx context.Context, kind Kind, subject string) error {
	if err := r.repo.Delete(ctx, kind, normalize(kind, subject)); err != nil {
		return fmt.Errorf("ban: delete %s: %w", kind, err)
	}
	r.invalidate(ctx)
	return nil
}

// UnbanIP removes the ban on ip.
func (r *Registry) UnbanIP(ctx context.Context, ip string) error {
	return r.unban(ctx, KindIP, ip)
}

// UnbanNickname removes the ban on nickname.
func (r *Registry) UnbanNickname(ctx context.Context, nickname string) error {
	return r.unban(ctx, KindNickname, nickname)
}

// List returns every stored ban, including expired ones not yet purged.
func (r *Registry) List(ctx context.Context) ([]Ban, error) {
	bans, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}
	return bans, nil
}

// PurgeExpired deletes bans whose end time has passed.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := r.repo.PurgeExpired(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("ban: purge expired: %w", err)
	}
	if n > 0 {
		r.invalidate(ctx)
	}
	return n, nil
}
