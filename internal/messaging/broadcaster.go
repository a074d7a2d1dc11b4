package messaging

import (
	"context"
	"strings"
	"sync"
)

// Logical channels.
const (
	ChannelMessages = "messages"
	ChannelPresence = "presence"
	channelPrivate  = "private."
)

// PrivateChannel returns the channel carrying private messages for username.
func PrivateChannel(username string) string {
	return channelPrivate + strings.ToLower(username)
}

// Broadcaster fans events out to live subscribers. Subscribers only see
// events published after they subscribed.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe returns a stream for channel. The subscription ends when ctx
	// is cancelled or Close is called; C is closed afterwards.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
}

// subscriptionBuffer is the per-subscriber event backlog. A subscriber that
// falls further behind loses events.
const subscriptionBuffer = 64

// Subscription is a live event stream for one channel.
type Subscription struct {
	C <-chan []byte

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close ends the subscription and waits for it to be released.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
