package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Identity keys. The verified flag marks a username owned by a registered
// account; the set lists sessions that proved ownership.
const (
	IdentityVerifiedPrefix = "identity:verified:"
	IdentitySessionsPrefix = "identity:sessions:"
)

// RedisIdentities implements IdentityVerifier on Redis. The authentication
// collaborator calls Verify after a successful login.
type RedisIdentities struct {
	rdb *redis.Client
}

// NewRedisIdentities creates a Redis-backed identity verifier.
func NewRedisIdentities(rdb *redis.Client) *RedisIdentities {
	return &RedisIdentities{rdb: rdb}
}

func identityKey(prefix, username string) string {
	return prefix + strings.ToLower(strings.TrimSpace(username))
}

func (r *RedisIdentities) IsVerified(ctx context.Context, username string) (bool, error) {
	n, err := r.rdb.Exists(ctx, identityKey(IdentityVerifiedPrefix, username)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: identity lookup: %w", err)
	}
	return n > 0, nil
}

func (r *RedisIdentities) Owns(ctx context.Context, username, sessionID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, identityKey(IdentitySessionsPrefix, username), sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: identity ownership: %w", err)
	}
	return ok, nil
}

// Verify marks username as a registered identity owned by sessionID.
func (r *RedisIdentities) Verify(ctx context.Context, username, sessionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, identityKey(IdentityVerifiedPrefix, username), 1, 0)
	pipe.SAdd(ctx, identityKey(IdentitySessionsPrefix, username), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: identity verify: %w", err)
	}
	return nil
}

// Revoke withdraws sessionID's proof of ownership.
func (r *RedisIdentities) Revoke(ctx context.Context, username, sessionID string) error {
	if err := r.rdb.SRem(ctx, identityKey(IdentitySessionsPrefix, username), sessionID).Err(); err != nil {
		return fmt.Errorf("presence: identity revoke: %w", err)
	}
	return nil
}
