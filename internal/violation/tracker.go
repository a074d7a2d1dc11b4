// Package violation counts abuse per IP and escalates to an automatic ban
// once a kind of violation repeats too often within an hour.
//
// Counters live in Redis under violation:<kind>:<ip>. Every violation pushes
// the expiry out by another hour, so the counter only resets after an hour
// without new violations of that kind.
package violation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/ratelimit"
	"github.com/whisper/lobby/internal/settings"
)

// Violation kinds.
const (
	KindRateLimit = "rate_limit"
	KindSpamURL   = "spam_url"
)

const (
	// KeyPrefix prefixes per-kind, per-IP counters.
	KeyPrefix = "violation:"

	// Window is the rolling expiry applied on every violation.
	Window = time.Hour

	// AutoBanDays is the length of an automatic ban.
	AutoBanDays = 1

	// BannedBy is recorded as the author of automatic bans.
	BannedBy = "system"

	defaultThreshold = 5
)

var thresholds = map[string]int{
	KindRateLimit: 3,
	KindSpamURL:   3,
}

// Threshold returns the number of violations of kind that triggers a ban.
func Threshold(kind string) int {
	if n, ok := thresholds[kind]; ok {
		return n
	}
	return defaultThreshold
}

// Outcome reports the state of a counter after one violation.
type Outcome struct {
	Blocked   bool // the IP was banned by this violation
	Count     int
	Threshold int
}

// Banner applies IP bans.
type Banner interface {
	BanIP(ctx context.Context, ip, reason, by string, durationDays *int) error
}

// SettingsSource supplies the current settings snapshot.
type SettingsSource interface {
	Current(ctx context.Context) settings.Snapshot
}

var recordLua = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n
`)

// Tracker records violations and enforces the posting rate budget.
type Tracker struct {
	rdb      *redis.Client
	banner   Banner
	limiter  *ratelimit.Limiter
	settings SettingsSource
}

// NewTracker creates a Tracker.
func NewTracker(rdb *redis.Client, banner Banner, limiter *ratelimit.Limiter, settings SettingsSource) *Tracker {
	return &Tracker{rdb: rdb, banner: banner, limiter: limiter, settings: settings}
}

func counterKey(kind, ip string) string {
	return KeyPrefix + kind + ":" + ip
}

// RecordAndCheck counts one violation of kind by ip. When the count reaches
// the kind's threshold the IP is banned for a day and the counter cleared.
// A Redis failure is returned with a zero Outcome and never blocks.
func (t *Tracker) RecordAndCheck(ctx context.Context, ip, kind string) (Outcome, error) {
	log := logging.Component("violation")
	key := counterKey(kind, ip)
	limit := Threshold(kind)

	n, err := recordLua.Run(ctx, t.rdb, []string{key}, int(Window/time.Second)).Int()
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Str("kind", kind).Msg("violation counter unavailable, failing open")
		return Outcome{}, fmt.Errorf("violation: record %s: %w", kind, err)
	}
	metrics.ViolationsTotal.WithLabelValues(kind).Inc()

	out := Outcome{Count: n, Threshold: limit}
	if n < limit {
		log.Info().Str("ip", ip).Str("kind", kind).Int("count", n).Int("remaining", limit-n).
			Msg("violation recorded")
		return out, nil
	}

	days := AutoBanDays
	if err := t.banner.BanIP(ctx, ip, "auto: "+kind, BannedBy, &days); err != nil {
		log.Error().Err(err).Str("ip", ip).Str("kind", kind).Msg("auto-ban failed")
		return out, fmt.Errorf("violation: auto-ban: %w", err)
	}
	if err := t.rdb.Del(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("clearing violation counter failed")
	}
	metrics.AutoBansTotal.WithLabelValues(kind).Inc()
	log.Warn().Str("ip", ip).Str("kind", kind).Int("count", n).Int("days", days).Msg("auto-ban applied")

	out.Blocked = true
	return out, nil
}

// CheckRate counts one post by ip against the configured budget. Over budget
// it records a rate_limit violation and returns a rate-limited error.
func (t *Tracker) CheckRate(ctx context.Context, ip string) error {
	rule := ratelimit.PostRule(t.settings.Current(ctx))
	allowed, _ := t.limiter.Allow(ctx, ip, rule)
	if allowed {
		return nil
	}

	if _, err := t.RecordAndCheck(ctx, ip, KindRateLimit); err != nil {
		log := logging.Component("violation")
		log.Error().Err(err).Str("ip", ip).Msg("recording rate limit violation failed")
	}
	if wait, _ := t.limiter.RetryAfter(ctx, ip, rule); wait > 0 {
		secs := int((wait + time.Second - 1) / time.Second)
		return apperr.RateLimited(fmt.Sprintf("too many messages, try again in %ds", secs))
	}
	return apperr.RateLimited("too many messages, slow down")
}
