package decoy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lobby/internal/settings"
)

func pool(n int) []Decoy {
	out := make([]Decoy, n)
	for i := range out {
		out[i] = Decoy{Nickname: fmt.Sprintf("Decoy%d", i), Age: 20 + i, Sex: "f", Location: "Paris"}
	}
	return out
}

func setupBalancer(t *testing.T, target, poolSize int) (*Balancer, *MemRepo, *settings.Provider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	repo := NewMemRepo(pool(poolSize)...)
	p := settings.NewProvider(settings.NewMemSource(map[string]string{
		settings.KeyMinOccupancy: fmt.Sprint(target),
	}), time.Minute)
	return NewBalancer(rdb, repo, p), repo, p, mr
}

func activeCount(t *testing.T, repo *MemRepo) int {
	t.Helper()
	all, err := repo.All(context.Background())
	require.NoError(t, err)
	n := 0
	for _, d := range all {
		if d.Active {
			n++
		}
	}
	return n
}

func TestRebalance_Scenario(t *testing.T) {
	b, repo, _, _ := setupBalancer(t, 5, 8)
	ctx := context.Background()

	ch, err := b.Rebalance(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ch.Activated, 3)
	assert.Equal(t, 3, ch.Active)
	assert.Equal(t, 3, activeCount(t, repo))

	ch, err = b.Rebalance(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, ch.Deactivated, 1)
	assert.Empty(t, ch.Activated)
	assert.Equal(t, 2, activeCount(t, repo))

	active, err := b.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRebalance_Idempotent(t *testing.T) {
	b, repo, _, _ := setupBalancer(t, 4, 6)
	ctx := context.Background()

	for users := 0; users <= 6; users++ {
		_, err := b.Rebalance(ctx, users)
		require.NoError(t, err)
		want := max(0, 4-users)
		assert.Equal(t, want, activeCount(t, repo), "users=%d", users)

		ch, err := b.Rebalance(ctx, users)
		require.NoError(t, err)
		assert.Empty(t, ch.Activated, "users=%d", users)
		assert.Empty(t, ch.Deactivated, "users=%d", users)
		assert.Equal(t, want, activeCount(t, repo))
	}
}

func TestRebalance_DisabledDeactivatesAll(t *testing.T) {
	b, repo, p, _ := setupBalancer(t, 3, 5)
	ctx := context.Background()

	_, err := b.Rebalance(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, activeCount(t, repo))

	require.NoError(t, p.Set(ctx, settings.KeyMinOccupancy, "0"))
	ch, err := b.Rebalance(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, ch.Deactivated, 3)
	assert.Equal(t, 0, activeCount(t, repo))

	active, err := b.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRebalance_PoolTooSmall(t *testing.T) {
	b, repo, _, _ := setupBalancer(t, 10, 2)

	ch, err := b.Rebalance(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, ch.Activated, 2)
	assert.Equal(t, 2, activeCount(t, repo))
}

func TestRebalance_CacheMirrorsPool(t *testing.T) {
	b, _, _, mr := setupBalancer(t, 3, 5)
	ctx := context.Background()

	ch, err := b.Rebalance(ctx, 0)
	require.NoError(t, err)
	for _, n := range ch.Activated {
		assert.NotEmpty(t, mr.HGet(CacheKey, n), n)
	}

	active, err := b.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "Paris", active[0].Location)
	assert.True(t, active[0].Active)

	mr.Del(CacheKey)
	_, err = b.Rebalance(ctx, 0)
	require.NoError(t, err)
	active, _ = b.Active(ctx)
	assert.Len(t, active, 3, "no-op rebalance repairs a flushed cache")
}

func TestRebalance_RepairsCacheWithWrongNicknames(t *testing.T) {
	b, _, _, mr := setupBalancer(t, 2, 4)
	b.shuffle = func(int, func(i, j int)) {}
	ctx := context.Background()

	_, err := b.Rebalance(ctx, 0)
	require.NoError(t, err)

	mr.Del(CacheKey)
	mr.HSet(CacheKey,
		"Decoy2", `{"nickname":"Decoy2","active":true}`,
		"Decoy3", `{"nickname":"Decoy3","active":true}`)

	_, err = b.Rebalance(ctx, 0)
	require.NoError(t, err)
	active, err := b.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Decoy0", active[0].Nickname)
	assert.Equal(t, "Decoy1", active[1].Nickname)
}

func TestRebalance_DeterministicWithShuffle(t *testing.T) {
	b, _, _, _ := setupBalancer(t, 2, 4)
	b.shuffle = func(int, func(i, j int)) {}

	ch, err := b.Rebalance(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Decoy0", "Decoy1"}, ch.Activated)
}

func TestActive_FallsBackToPool(t *testing.T) {
	b, _, _, mr := setupBalancer(t, 2, 4)
	ctx := context.Background()
	_, err := b.Rebalance(ctx, 0)
	require.NoError(t, err)

	mr.Close()
	active, err := b.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestIsReserved(t *testing.T) {
	b, _, _, _ := setupBalancer(t, 0, 2)
	ctx := context.Background()

	for _, n := range []string{"Decoy0", "decoy0", "DECOY1"} {
		ok, err := b.IsReserved(ctx, n)
		require.NoError(t, err)
		assert.True(t, ok, n)
	}
	ok, err := b.IsReserved(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeed(t *testing.T) {
	repo := NewMemRepo()
	ctx := context.Background()
	require.NoError(t, Seed(ctx, repo, []string{"Mia", " ", "Zoe", "Mia"}))

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mia", "Zoe"}, nicknames(all))
}
