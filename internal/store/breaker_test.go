package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lobby/internal/apperr"
)

func TestBreaker_PassesResults(t *testing.T) {
	b := NewBreaker("test")

	n, err := Query(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test")
	boom := errors.New("connection refused")

	for i := 0; i < 5; i++ {
		err := b.Do(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	calls := 0
	err := b.Do(func() error { calls++; return nil })
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Zero(t, calls, "open breaker must not call through")
}

func TestBreaker_NoRowsIsNotAFailure(t *testing.T) {
	b := NewBreaker("test")

	for i := 0; i < 10; i++ {
		_ = b.Do(func() error { return sql.ErrNoRows })
	}

	err := b.Do(func() error { return nil })
	assert.NoError(t, err)
}

func TestBreaker_Nil(t *testing.T) {
	var b *Breaker
	s, err := Query(b, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", s)
}
