// Package presence tracks who is in the room. Sessions are keyed by
// (username, session ID) and expire after five minutes without a heartbeat.
// Every change is followed by a decoy rebalance and a presence broadcast of
// {count, users}.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/ban"
	"github.com/whisper/lobby/internal/decoy"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/metrics"
)

const (
	// StaleAfter is how long a session survives without a heartbeat.
	StaleAfter = 5 * time.Minute

	// KickPrefix keys kick-bans by session ID.
	KickPrefix = "kick:"

	MaxUsernameChars = 50
)

// Rejection reasons reported by RegisterSession.
const (
	ReasonKicked           = "kicked"
	ReasonBanned           = "banned"
	ReasonIdentityRequired = "identity_required"
	ReasonNicknameReserved = "nickname_reserved"
	ReasonNicknameTaken    = "nickname_taken"
	ReasonSessionExpired   = "session_expired"
)

// Session is one live connection of a user.
type Session struct {
	Username      string
	SessionID     string
	IP            string
	JoinedAt      time.Time
	LastHeartbeat time.Time
}

// Profile holds optional self-reported user details.
type Profile struct {
	Username string
	Age      int
	Sex      string
	Location string
}

// User is one entry of the presence list.
type User struct {
	Username      string     `json:"username"`
	Age           int        `json:"age,omitempty"`
	Sex           string     `json:"sex,omitempty"`
	Location      string     `json:"location,omitempty"`
	IsDecoy       bool       `json:"is_decoy"`
	JoinedAt      *time.Time `json:"joined_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Snapshot is the presence event body.
type Snapshot struct {
	Count int    `json:"count"`
	Users []User `json:"users"`
}

// Repo is the durable session and profile store. Upserts are keyed by the
// natural key and must not read before writing.
type Repo interface {
	UpsertSession(ctx context.Context, s Session) error
	UpsertProfile(ctx context.Context, p Profile) error
	// Touch updates the heartbeat; it reports false if the session is gone.
	Touch(ctx context.Context, username, sessionID string, at time.Time) (bool, error)
	DeleteSession(ctx context.Context, username, sessionID string) error
	DeleteByUsername(ctx context.Context, username string) (int, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
	// Holders returns sessions whose username matches case-insensitively.
	Holders(ctx context.Context, username string) ([]Session, error)
	// Users returns one entry per username with a live session, profile
	// attached, oldest join first.
	Users(ctx context.Context) ([]User, error)
}

// BanChecker answers ban lookups.
type BanChecker interface {
	IsIPBanned(ctx context.Context, ip string) (*ban.Ban, error)
	IsNicknameBanned(ctx context.Context, nickname string) (*ban.Ban, error)
}

// Decoys is the decoy balancer as seen by presence.
type Decoys interface {
	Rebalance(ctx context.Context, realCount int) (decoy.Change, error)
	Active(ctx context.Context) ([]decoy.Decoy, error)
	IsReserved(ctx context.Context, nickname string) (bool, error)
}

// IdentityVerifier tells whether a username belongs to a registered identity
// and whether a session has proven ownership of it.
type IdentityVerifier interface {
	IsVerified(ctx context.Context, username string) (bool, error)
	Owns(ctx context.Context, username, sessionID string) (bool, error)
}

// RegisterRequest is a join attempt.
type RegisterRequest struct {
	Username  string
	SessionID string
	IP        string
	Profile   *Profile
}

// Tracker implements presence bookkeeping.
type Tracker struct {
	repo     Repo
	rdb      *redis.Client
	bans     BanChecker
	decoys   Decoys
	identity IdentityVerifier
	pub      messaging.Broadcaster
	now      func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(repo Repo, rdb *redis.Client, bans BanChecker, decoys Decoys,
	identity IdentityVerifier, pub messaging.Broadcaster) *Tracker {
	return &Tracker{
		repo:     repo,
		rdb:      rdb,
		bans:     bans,
		decoys:   decoys,
		identity: identity,
		pub:      pub,
		now:      time.Now,
	}
}

func (t *Tracker) cutoff() time.Time {
	return t.now().Add(-StaleAfter)
}

// IsNicknameAvailable reports whether sessionID may use nickname. Decoy
// nicknames are never available. A verified identity is available only to
// sessions that proved ownership, on any number of sessions. Otherwise the
// name is available unless a different live session holds it.
func (t *Tracker) IsNicknameAvailable(ctx context.Context, nickname, sessionID string) (bool, error) {
	reason, err := t.nicknameCheck(ctx, nickname, sessionID)
	if err != nil {
		return false, err
	}
	return reason == "", nil
}

// nicknameCheck returns the rejection reason for nickname, or "".
func (t *Tracker) nicknameCheck(ctx context.Context, nickname, sessionID string) (string, error) {
	reserved, err := t.decoys.IsReserved(ctx, nickname)
	if err != nil {
		return "", apperr.Unavailable("presence nickname check", err)
	}
	if reserved {
		return ReasonNicknameReserved, nil
	}

	verified, err := t.identity.IsVerified(ctx, nickname)
	if err != nil {
		return "", apperr.Unavailable("presence identity check", err)
	}
	if verified {
		owns, err := t.identity.Owns(ctx, nickname, sessionID)
		if err != nil {
			return "", apperr.Unavailable("presence identity check", err)
		}
		if !owns {
			return ReasonIdentityRequired, nil
		}
		return "", nil
	}

	holders, err := t.repo.Holders(ctx, nickname)
	if err != nil {
		return "", apperr.Unavailable("presence nickname check", err)
	}
	cutoff := t.cutoff()
	for _, h := range holders {
		if h.SessionID != sessionID && h.LastHeartbeat.After(cutoff) {
			return ReasonNicknameTaken, nil
		}
	}
	return "", nil
}

// RegisterSession admits a session into the room or reports why it was
// refused. Refusals are classified errors carrying one of the Reason
// constants.
func (t *Tracker) RegisterSession(ctx context.Context, req RegisterRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return apperr.Validation("username is required")
	}
	if len([]rune(req.Username)) > MaxUsernameChars {
		return apperr.Validation(fmt.Sprintf("username exceeds %d characters", MaxUsernameChars))
	}
	if req.SessionID == "" {
		return apperr.Validation("session id is required")
	}

	kicked, err := t.rdb.Exists(ctx, KickPrefix+req.SessionID).Result()
	if err != nil {
		log := logging.Component("presence")
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("kick lookup failed, failing open")
	}
	if kicked > 0 {
		return apperr.Banned(ReasonKicked)
	}

	if b, _ := t.bans.IsIPBanned(ctx, req.IP); b != nil {
		return apperr.Banned(ReasonBanned)
	}
	if b, _ := t.bans.IsNicknameBanned(ctx, req.Username); b != nil {
		return apperr.Banned(ReasonBanned)
	}

	t.evictStale(ctx)

	reason, err := t.nicknameCheck(ctx, req.Username, req.SessionID)
	if err != nil {
		return err
	}
	if reason != "" {
		return apperr.Validation(reason)
	}

	now := t.now().UTC()
	if err := t.repo.UpsertSession(ctx, Session{
		Username:      req.Username,
		SessionID:     req.SessionID,
		IP:            req.IP,
		JoinedAt:      now,
		LastHeartbeat: now,
	}); err != nil {
		return apperr.Unavailable("presence register", err)
	}
	if req.Profile != nil {
		p := *req.Profile
		p.Username = req.Username
		if err := t.repo.UpsertProfile(ctx, p); err != nil {
			log := logging.Component("presence")
			log.Warn().Err(err).Str("username", req.Username).Msg("profile upsert failed")
		}
	}

	log := logging.Component("presence")
	log.Info().Str("username", req.Username).Str("session_id", req.SessionID).Msg("session registered")
	t.changed(ctx)
	return nil
}

// Heartbeat marks the session alive. A session that was already evicted
// must register again.
func (t *Tracker) Heartbeat(ctx context.Context, username, sessionID string) error {
	t.evictStale(ctx)

	ok, err := t.repo.Touch(ctx, username, sessionID, t.now().UTC())
	if err != nil {
		return apperr.Unavailable("presence heartbeat", err)
	}
	if !ok {
		return apperr.Validation(ReasonSessionExpired)
	}
	t.changed(ctx)
	return nil
}

// RemoveSession removes a session from the room.
func (t *Tracker) RemoveSession(ctx context.Context, username, sessionID string) error {
	t.evictStale(ctx)

	if err := t.repo.DeleteSession(ctx, username, sessionID); err != nil {
		return apperr.Unavailable("presence remove", err)
	}
	t.changed(ctx)
	return nil
}

// Kick removes a session and blocks it from registering again for d.
func (t *Tracker) Kick(ctx context.Context, username, sessionID string, d time.Duration) error {
	if err := t.rdb.Set(ctx, KickPrefix+sessionID, username, d).Err(); err != nil {
		return fmt.Errorf("presence: kick: %w", err)
	}
	return t.RemoveSession(ctx, username, sessionID)
}

// EvictNickname removes every session using nickname, case-insensitively.
func (t *Tracker) EvictNickname(ctx context.Context, nickname string) (int, error) {
	n, err := t.repo.DeleteByUsername(ctx, nickname)
	if err != nil {
		return 0, fmt.Errorf("presence: evict nickname: %w", err)
	}
	if n > 0 {
		t.changed(ctx)
	}
	return n, nil
}

// EvictStale removes sessions without a heartbeat for StaleAfter and
// broadcasts if anything was removed.
func (t *Tracker) EvictStale(ctx context.Context) (int, error) {
	n, err := t.repo.DeleteStale(ctx, t.cutoff())
	if err != nil {
		return 0, fmt.Errorf("presence: evict stale: %w", err)
	}
	if n > 0 {
		t.changed(ctx)
	}
	return n, nil
}

func (t *Tracker) evictStale(ctx context.Context) {
	n, err := t.repo.DeleteStale(ctx, t.cutoff())
	log := logging.Component("presence")
	if err != nil {
		log.Warn().Err(err).Msg("stale session eviction failed")
		return
	}
	if n > 0 {
		log.Info().Int("sessions", n).Msg("evicted stale sessions")
	}
}

// ListPresence returns real users followed by active decoys.
func (t *Tracker) ListPresence(ctx context.Context) (Snapshot, error) {
	users, err := t.repo.Users(ctx)
	if err != nil {
		return Snapshot{}, apperr.Unavailable("presence list", err)
	}
	return t.withDecoys(ctx, users), nil
}

func (t *Tracker) withDecoys(ctx context.Context, users []User) Snapshot {
	decoys, err := t.decoys.Active(ctx)
	if err != nil {
		log := logging.Component("presence")
		log.Warn().Err(err).Msg("active decoys unavailable, listing real users only")
	}
	sort.Slice(decoys, func(i, j int) bool { return decoys[i].Nickname < decoys[j].Nickname })
	for _, d := range decoys {
		users = append(users, User{
			Username: d.Nickname,
			Age:      d.Age,
			Sex:      d.Sex,
			Location: d.Location,
			IsDecoy:  true,
		})
	}
	if users == nil {
		users = []User{}
	}
	return Snapshot{Count: len(users), Users: users}
}

// RealCount returns the number of distinct real usernames present.
func RealCount(users []User) int {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if !u.IsDecoy {
			seen[strings.ToLower(u.Username)] = struct{}{}
		}
	}
	return len(seen)
}

// changed rebalances decoys against the real count and broadcasts the new
// snapshot. Failures are logged; the mutation that triggered it stands.
func (t *Tracker) changed(ctx context.Context) {
	log := logging.Component("presence")

	users, err := t.repo.Users(ctx)
	if err != nil {
		log.Error().Err(err).Msg("presence reload failed, skipping broadcast")
		return
	}
	realUsers := RealCount(users)
	metrics.PresenceUsers.Set(float64(realUsers))

	if _, err := t.decoys.Rebalance(ctx, realUsers); err != nil {
		log.Error().Err(err).Int("real", realUsers).Msg("decoy rebalance failed")
	}

	data, err := json.Marshal(t.withDecoys(ctx, users))
	if err != nil {
		log.Error().Err(err).Msg("presence encode failed")
		return
	}
	if err := t.pub.Publish(ctx, messaging.ChannelPresence, data); err != nil {
		log.Error().Err(err).Msg("presence publish failed")
	}
}

// Rebalance recomputes decoys and broadcasts without a session change.
func (t *Tracker) Rebalance(ctx context.Context) {
	t.changed(ctx)
}
