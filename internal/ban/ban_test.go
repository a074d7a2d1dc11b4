package ban

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvictor struct {
	evicted []string
}

func (f *fakeEvictor) EvictNickname(_ context.Context, nickname string) (int, error) {
	f.evicted = append(f.evicted, nickname)
	return 1, nil
}

// countingRepo counts List calls to observe cache hits.
type countingRepo struct {
	*MemRepo
	lists   int
	failAll bool
}

func (c *countingRepo) List(ctx context.Context) ([]Ban, error) {
	c.lists++
	if c.failAll {
		return nil, errors.New("db down")
	}
	return c.MemRepo.List(ctx)
}

func newTestRegistry(t *testing.T) (*Registry, *countingRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	repo := &countingRepo{MemRepo: NewMemRepo()}
	return NewRegistry(rdb, repo), repo, mr
}

func days(n int) *int { return &n }

func TestIsIPBanned_NotBanned(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	b, err := r.IsIPBanned(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestBanIPAndCheck(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "spam", "admin", days(1)))

	b, err := r.IsIPBanned(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "spam", b.Reason)
	assert.Equal(t, "admin", b.BannedBy)
	require.NotNil(t, b.BannedUntil)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *b.BannedUntil, time.Minute)

	other, _ := r.IsIPBanned(ctx, "10.0.0.2")
	assert.Nil(t, other)
}

func TestBanPermanent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "abuse", "admin", nil))
	b, _ := r.IsIPBanned(ctx, "10.0.0.1")
	require.NotNil(t, b)
	assert.Nil(t, b.BannedUntil)
}

func TestExpiredBanIsNotActive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "spam", "admin", days(1)))
	r.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	b, err := r.IsIPBanned(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, b)

	n, err := r.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	all, _ := r.List(ctx)
	assert.Empty(t, all)
}

func TestUpsertReplacesExisting(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "first", "a", days(1)))
	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "second", "b", nil))

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Reason)
	assert.Nil(t, all[0].BannedUntil)
}

func TestNicknameBanCaseInsensitiveAndEvicts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ev := &fakeEvictor{}
	r.SetEvictor(ev)
	ctx := context.Background()

	require.NoError(t, r.BanNickname(ctx, "Troll", "rude", "admin", nil))
	assert.Equal(t, []string{"Troll"}, ev.evicted)

	for _, nick := range []string{"troll", "TROLL", "Troll"} {
		b, err := r.IsNicknameBanned(ctx, nick)
		require.NoError(t, err)
		assert.NotNil(t, b, nick)
	}

	require.NoError(t, r.UnbanNickname(ctx, "TROLL"))
	b, _ := r.IsNicknameBanned(ctx, "troll")
	assert.Nil(t, b)
}

func TestIPAndNicknameAreSeparate(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.BanNickname(ctx, "1.2.3.4", "odd name", "admin", nil))
	b, _ := r.IsIPBanned(ctx, "1.2.3.4")
	assert.Nil(t, b)
}

func TestCacheReadThroughAndInvalidation(t *testing.T) {
	r, repo, mr := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.IsIPBanned(ctx, "10.0.0.1")
	_, _ = r.IsIPBanned(ctx, "10.0.0.2")
	_, _ = r.IsNicknameBanned(ctx, "bob")
	assert.Equal(t, 1, repo.lists, "one durable read serves every check")
	assert.Equal(t, CacheTTL, mr.TTL(CacheKey))

	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "spam", "admin", nil))
	assert.False(t, mr.Exists(CacheKey), "write invalidates the cache")

	b, _ := r.IsIPBanned(ctx, "10.0.0.1")
	assert.NotNil(t, b)
	assert.Equal(t, 2, repo.lists)

	require.NoError(t, r.UnbanIP(ctx, "10.0.0.1"))
	b, _ = r.IsIPBanned(ctx, "10.0.0.1")
	assert.Nil(t, b)
}

func TestCacheDownReadsDurable(t *testing.T) {
	r, _, mr := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.BanIP(ctx, "10.0.0.1", "spam", "admin", nil))
	mr.Close()

	b, err := r.IsIPBanned(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestBothStoresDownFailOpen(t *testing.T) {
	r, repo, mr := newTestRegistry(t)
	repo.failAll = true
	mr.Close()

	b, err := r.IsIPBanned(context.Background(), "10.0.0.1")
	assert.NoError(t, err)
	assert.Nil(t, b)
}

func TestBanRejectsEmptySubject(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.Error(t, r.BanIP(context.Background(), " ", "x", "admin", nil))
}
