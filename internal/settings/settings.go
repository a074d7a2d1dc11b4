// Package settings provides the runtime tunables the chat core reads on every
// request. Values are stored as strings in a key/value table owned by the
// admin surface; Provider parses them once into an immutable Snapshot and
// refreshes it on a TTL so call sites never cast strings themselves.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/whisper/lobby/internal/logging"
)

// Setting keys.
const (
	KeyMessageMaxLength = "message_max_length"
	KeyRateLimitCount   = "rate_limit_count"
	KeyRateLimitWindow  = "rate_limit_window_seconds"
	KeyHistoryLimit     = "history_limit"
	KeyMinOccupancy     = "min_occupancy"
)

const (
	// DefaultTTL is how long a loaded snapshot is served before a refresh.
	DefaultTTL = 5 * time.Minute

	// failureRetry is how long fallback values are served after a failed load.
	failureRetry = 30 * time.Second

	// MaxMessageLength is the hard ceiling on message length in runes;
	// the configured value may only lower it.
	MaxMessageLength = 500
)

// Snapshot is a parsed, immutable view of the settings.
type Snapshot struct {
	MessageMaxLength int
	RateLimitCount   int
	RateLimitWindow  time.Duration
	HistoryLimit     int
	MinOccupancy     int // 0 disables decoys
}

// Defaults returns the values used when a key is absent or unparseable.
func Defaults() Snapshot {
	return Snapshot{
		MessageMaxLength: MaxMessageLength,
		RateLimitCount:   10,
		RateLimitWindow:  60 * time.Second,
		HistoryLimit:     50,
		MinOccupancy:     0,
	}
}

// Parse converts raw key/value pairs into a Snapshot. Missing or invalid
// values fall back to Defaults individually.
func Parse(raw map[string]string) Snapshot {
	s := Defaults()
	s.MessageMaxLength = intSetting(raw, KeyMessageMaxLength, s.MessageMaxLength, 1)
	if s.MessageMaxLength > MaxMessageLength {
		s.MessageMaxLength = MaxMessageLength
	}
	s.RateLimitCount = intSetting(raw, KeyRateLimitCount, s.RateLimitCount, 1)
	s.RateLimitWindow = time.Duration(intSetting(raw, KeyRateLimitWindow, int(s.RateLimitWindow/time.Second), 1)) * time.Second
	s.HistoryLimit = intSetting(raw, KeyHistoryLimit, s.HistoryLimit, 1)
	s.MinOccupancy = intSetting(raw, KeyMinOccupancy, s.MinOccupancy, 0)
	return s
}

func intSetting(raw map[string]string, key string, def, floor int) int {
	v, ok := raw[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < floor {
		log := logging.Component("settings")
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("invalid setting, using default")
		return def
	}
	return n
}

// Validate checks a single key/value pair before it is written.
func Validate(key, value string) error {
	floor := 1
	switch key {
	case KeyMinOccupancy:
		floor = 0
	case KeyMessageMaxLength, KeyRateLimitCount, KeyRateLimitWindow, KeyHistoryLimit:
	default:
		return fmt.Errorf("settings: unknown key %q", key)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("settings: %s: not an integer: %q", key, value)
	}
	if n < floor {
		return fmt.Errorf("settings: %s: must be >= %d", key, floor)
	}
	if key == KeyMessageMaxLength && n > MaxMessageLength {
		return fmt.Errorf("settings: %s: must be <= %d", key, MaxMessageLength)
	}
	return nil
}

// Source loads the raw settings table.
type Source interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSetting(ctx context.Context, key, value string) error
}

type cached struct {
	snap    Snapshot
	expires time.Time
	ok      bool // false when serving fallback values
}

// Provider serves the current Snapshot, reloading it from the Source when
// the TTL lapses. Concurrent refreshes collapse into one load.
type Provider struct {
	src Source
	ttl time.Duration
	now func() time.Time

	cur atomic.Pointer[cached]
	sf  singleflight.Group
	mu  sync.Mutex // serializes Set with invalidation
}

// NewProvider creates a Provider. A ttl <= 0 uses DefaultTTL.
func NewProvider(src Source, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{src: src, ttl: ttl, now: time.Now}
}

// Current returns the live snapshot. It never fails: when the source is
// unavailable the last good snapshot is served, or Defaults if none was ever
// loaded.
func (p *Provider) Current(ctx context.Context) Snapshot {
	if c := p.cur.Load(); c != nil && p.now().Before(c.expires) {
		return c.snap
	}

	v, _, _ := p.sf.Do("load", func() (any, error) {
		return p.load(ctx), nil
	})
	return v.(Snapshot)
}

func (p *Provider) load(ctx context.Context) Snapshot {
	raw, err := p.src.LoadSettings(ctx)
	if err != nil {
		fallback := Defaults()
		if prev := p.cur.Load(); prev != nil && prev.ok {
			fallback = prev.snap
		}
		log := logging.Component("settings")
		log.Error().Err(err).Msg("settings load failed, serving fallback values")
		p.cur.Store(&cached{snap: fallback, expires: p.now().Add(failureRetry)})
		return fallback
	}

	snap := Parse(raw)
	p.cur.Store(&cached{snap: snap, expires: p.now().Add(p.ttl), ok: true})
	return snap
}

// Set validates and writes one setting, then drops the cached snapshot so
// the next Current call reloads it.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.src.SaveSetting(ctx, key, value); err != nil {
		return fmt.Errorf("settings: save %s: %w", key, err)
	}
	p.cur.Store(nil)
	return nil
}

// Raw returns the stored key/value pairs for the admin surface.
func (p *Provider) Raw(ctx context.Context) (map[string]string, error) {
	raw, err := p.src.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	return raw, nil
}
