package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/ban"
	"github.com/whisper/lobby/internal/decoy"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/settings"
)

type fixture struct {
	tracker  *Tracker
	repo     *MemRepo
	bans     *ban.Registry
	decoys   *decoy.MemRepo
	identity *RedisIdentities
	hub      *messaging.Hub
	mr       *miniredis.Miniredis
	clock    *time.Time
}

func setup(t *testing.T, minOccupancy int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pool := make([]decoy.Decoy, 8)
	for i := range pool {
		pool[i] = decoy.Decoy{Nickname: fmt.Sprintf("Decoy%d", i), Age: 25, Sex: "f", Location: "Lyon"}
	}
	decoyRepo := decoy.NewMemRepo(pool...)
	cfg := settings.NewProvider(settings.NewMemSource(map[string]string{
		settings.KeyMinOccupancy: fmt.Sprint(minOccupancy),
	}), time.Minute)

	bans := ban.NewRegistry(rdb, ban.NewMemRepo())
	identity := NewRedisIdentities(rdb)
	hub := messaging.NewHub()
	repo := NewMemRepo()

	tr := NewTracker(repo, rdb, bans, decoy.NewBalancer(rdb, decoyRepo, cfg), identity, hub)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	bans.SetEvictor(tr)

	return &fixture{
		tracker:  tr,
		repo:     repo,
		bans:     bans,
		decoys:   decoyRepo,
		identity: identity,
		hub:      hub,
		mr:       mr,
		clock:    &clock,
	}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func register(t *testing.T, f *fixture, username, sid string) {
	t.Helper()
	require.NoError(t, f.tracker.RegisterSession(context.Background(), RegisterRequest{
		Username:  username,
		SessionID: sid,
		IP:        "10.0.0." + sid,
	}))
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	_, msg := apperr.Public(err)
	return msg
}

func TestIsNicknameAvailable(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	register(t, f, "alice", "1")

	ok, err := f.tracker.IsNicknameAvailable(ctx, "alice", "1")
	require.NoError(t, err)
	assert.True(t, ok, "same session re-checking its own name")

	ok, err = f.tracker.IsNicknameAvailable(ctx, "ALICE", "2")
	require.NoError(t, err)
	assert.False(t, ok, "held by another live session")

	ok, err = f.tracker.IsNicknameAvailable(ctx, "decoy3", "2")
	require.NoError(t, err)
	assert.False(t, ok, "decoy names are reserved")

	ok, err = f.tracker.IsNicknameAvailable(ctx, "bob", "2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsNicknameAvailable_StaleHolderIgnored(t *testing.T) {
	f := setup(t, 0)
	register(t, f, "alice", "1")
	f.advance(StaleAfter + time.Second)

	ok, err := f.tracker.IsNicknameAvailable(context.Background(), "alice", "2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifiedIdentity(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.identity.Verify(ctx, "Carol", "a"))
	require.NoError(t, f.identity.Verify(ctx, "carol", "b"))

	register(t, f, "Carol", "a")
	register(t, f, "Carol", "b")

	err := f.tracker.RegisterSession(ctx, RegisterRequest{Username: "carol", SessionID: "c", IP: "10.0.0.9"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, ReasonIdentityRequired, reasonOf(t, err))

	snap, err := f.tracker.ListPresence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count, "one user across two sessions")

	require.NoError(t, f.identity.Revoke(ctx, "carol", "b"))
	ok, err := f.tracker.IsNicknameAvailable(ctx, "carol", "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterSession_Rejections(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	register(t, f, "alice", "1")
	days := 1
	require.NoError(t, f.bans.BanIP(ctx, "10.9.9.9", "spam", "admin", &days))
	require.NoError(t, f.bans.BanNickname(ctx, "Mallory", "abuse", "admin", nil))

	tests := []struct {
		name   string
		req    RegisterRequest
		target error
		reason string
	}{
		{"empty username", RegisterRequest{Username: "  ", SessionID: "x"}, apperr.ErrValidation, "username is required"},
		{"missing session", RegisterRequest{Username: "bob"}, apperr.ErrValidation, "session id is required"},
		{"banned ip", RegisterRequest{Username: "bob", SessionID: "2", IP: "10.9.9.9"}, apperr.ErrBanned, ReasonBanned},
		{"banned nickname", RegisterRequest{Username: "mallory", SessionID: "2", IP: "10.0.0.2"}, apperr.ErrBanned, ReasonBanned},
		{"taken", RegisterRequest{Username: "Alice", SessionID: "2", IP: "10.0.0.2"}, apperr.ErrValidation, ReasonNicknameTaken},
		{"reserved", RegisterRequest{Username: "Decoy0", SessionID: "2", IP: "10.0.0.2"}, apperr.ErrValidation, ReasonNicknameReserved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.tracker.RegisterSession(ctx, tt.req)
			require.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.reason, reasonOf(t, err))
		})
	}
}

func TestRegisterSession_TooLongUsername(t *testing.T) {
	f := setup(t, 0)
	long := make([]rune, MaxUsernameChars+1)
	for i := range long {
		long[i] = 'é'
	}
	err := f.tracker.RegisterSession(context.Background(), RegisterRequest{Username: string(long), SessionID: "1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestKick(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	register(t, f, "alice", "1")

	require.NoError(t, f.tracker.Kick(ctx, "alice", "1", 10*time.Minute))
	holders, err := f.repo.Holders(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, holders)

	err = f.tracker.RegisterSession(ctx, RegisterRequest{Username: "alice", SessionID: "1", IP: "10.0.0.1"})
	require.ErrorIs(t, err, apperr.ErrBanned)
	assert.Equal(t, ReasonKicked, reasonOf(t, err))

	f.mr.FastForward(11 * time.Minute)
	register(t, f, "alice", "1")
}

func TestHeartbeat(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	register(t, f, "alice", "1")

	f.advance(4 * time.Minute)
	require.NoError(t, f.tracker.Heartbeat(ctx, "alice", "1"))
	f.advance(4 * time.Minute)
	require.NoError(t, f.tracker.Heartbeat(ctx, "alice", "1"), "heartbeat kept the session alive")

	f.advance(StaleAfter + time.Second)
	err := f.tracker.Heartbeat(ctx, "alice", "1")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, ReasonSessionExpired, reasonOf(t, err))
}

func TestEvictStale(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	register(t, f, "alice", "1")
	f.advance(3 * time.Minute)
	register(t, f, "bob", "2")
	f.advance(3 * time.Minute)

	n, err := f.tracker.EvictStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := f.tracker.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "bob", snap.Users[0].Username)
}

func TestBanNicknameEvictsSessions(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	register(t, f, "alice", "1")

	require.NoError(t, f.bans.BanNickname(ctx, "ALICE", "abuse", "admin", nil))
	holders, err := f.repo.Holders(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestPresenceBroadcast(t *testing.T) {
	f := setup(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.hub.Subscribe(ctx, messaging.ChannelPresence)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.tracker.RegisterSession(ctx, RegisterRequest{
		Username:  "alice",
		SessionID: "1",
		IP:        "10.0.0.1",
		Profile:   &Profile{Age: 30, Sex: "f", Location: "Nice"},
	}))

	select {
	case data := <-sub.C:
		var snap Snapshot
		require.NoError(t, json.Unmarshal(data, &snap))
		assert.Equal(t, 1, snap.Count)
		require.Len(t, snap.Users, 1)
		assert.Equal(t, "alice", snap.Users[0].Username)
		assert.Equal(t, 30, snap.Users[0].Age)
		assert.False(t, snap.Users[0].IsDecoy)
	case <-time.After(time.Second):
		t.Fatal("no presence event")
	}
}

func TestDecoyScenario(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()

	register(t, f, "alice", "1")
	register(t, f, "bob", "2")
	snap, err := f.tracker.ListPresence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Count)
	assert.Equal(t, 2, RealCount(snap.Users))

	for i, u := range snap.Users {
		assert.Equal(t, i >= 2, u.IsDecoy, "real users come first")
	}

	register(t, f, "carol", "3")
	snap, err = f.tracker.ListPresence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Count)
	assert.Equal(t, 3, RealCount(snap.Users))

	require.NoError(t, f.tracker.RemoveSession(ctx, "alice", "1"))
	require.NoError(t, f.tracker.RemoveSession(ctx, "bob", "2"))
	require.NoError(t, f.tracker.RemoveSession(ctx, "carol", "3"))
	snap, err = f.tracker.ListPresence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Count)
	assert.Zero(t, RealCount(snap.Users))
}

func TestRealCount(t *testing.T) {
	users := []User{
		{Username: "alice"},
		{Username: "Alice"},
		{Username: "bob"},
		{Username: "Decoy1", IsDecoy: true},
	}
	assert.Equal(t, 2, RealCount(users))
}

func TestMemRepo_UsersMergesSessions(t *testing.T) {
	repo := NewMemRepo()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertSession(ctx, Session{Username: "bob", SessionID: "b", JoinedAt: t0, LastHeartbeat: t0}))
	require.NoError(t, repo.UpsertSession(ctx, Session{Username: "alice", SessionID: "a1", JoinedAt: t0.Add(time.Minute), LastHeartbeat: t0.Add(time.Minute)}))
	require.NoError(t, repo.UpsertSession(ctx, Session{Username: "alice", SessionID: "a2", JoinedAt: t0.Add(-time.Minute), LastHeartbeat: t0.Add(2 * time.Minute)}))
	require.NoError(t, repo.UpsertProfile(ctx, Profile{Username: "alice", Age: 41}))

	users, err := repo.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, 41, users[0].Age)
	assert.Equal(t, t0.Add(-time.Minute), *users[0].JoinedAt)
	assert.Equal(t, t0.Add(2*time.Minute), *users[0].LastHeartbeat)
	assert.Equal(t, "bob", users[1].Username)
}
