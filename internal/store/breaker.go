package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/logging"
)

// Breaker trips after consecutive durable-store failures so a dead database
// fails requests fast instead of stacking up connection timeouts. Open-state
// rejections surface as apperr.Unavailable.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreaker creates a breaker that opens after five consecutive failures and
// probes again after ten seconds.
func NewBreaker(name string) *Breaker {
	log := logging.Component("store")
	return &Breaker{
		name: name,
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, sql.ErrNoRows)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

// Do runs fn through the breaker. A nil Breaker runs fn directly.
func (b *Breaker) Do(fn func() error) error {
	_, err := Query(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Query runs fn through the breaker and returns its result.
func Query[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, apperr.Unavailable(b.name, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
