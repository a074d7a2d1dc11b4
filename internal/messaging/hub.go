package messaging

import (
	"context"
	"sync"

	"github.com/whisper/lobby/internal/logging"
)

// Hub is an in-process Broadcaster for single-node deployments and tests.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*hubSub]struct{}
}

type hubSub struct {
	ch chan []byte
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

// Publish delivers data to every current subscriber of channel without
// blocking. Subscribers with a full buffer miss the event.
func (h *Hub) Publish(_ context.Context, channel string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[channel] {
		select {
		case s.ch <- data:
		default:
			log := logging.Component("hub")
			log.Warn().Str("channel", channel).Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Subscribe registers a subscriber on channel.
func (h *Hub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &hubSub{ch: make(chan []byte, subscriptionBuffer)}

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*hubSub]struct{})
	}
	h.subs[channel][s] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[channel], s)
		if len(h.subs[channel]) == 0 {
			delete(h.subs, channel)
		}
		close(s.ch)
		h.mu.Unlock()
	}()

	return &Subscription{C: s.ch, cancel: cancel, done: done}, nil
}

// Subscribers returns the number of live subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
