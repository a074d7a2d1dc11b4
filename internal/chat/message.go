package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReplySnapshotMaxRunes bounds the quoted body carried by a reply.
const ReplySnapshotMaxRunes = 100

// ReplySnapshot is the quoted part of the message being replied to, copied
// at post time. It is never updated if the original changes.
type ReplySnapshot struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Message is a single room message. Once persisted only Deleted may change.
type Message struct {
	ID        string         `json:"id"`
	Author    string         `json:"author"`
	Body      string         `json:"body"`
	CreatedAt time.Time      `json:"timestamp"`
	OriginIP  string         `json:"ip"`
	ReplyToID string         `json:"reply_to_id,omitempty"`
	Reply     *ReplySnapshot `json:"reply_snapshot,omitempty"`
	Deleted   bool           `json:"-"`
}

// NewMessage assigns a time-ordered ID and timestamp.
func NewMessage(author, body, originIP string, now time.Time) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("chat: new message id: %w", err)
	}
	return &Message{
		ID:        id.String(),
		Author:    author,
		Body:      body,
		CreatedAt: now.UTC(),
		OriginIP:  originIP,
	}, nil
}

// Snapshot returns the reply snapshot of m with the body truncated.
func (m *Message) Snapshot() *ReplySnapshot {
	return &ReplySnapshot{Author: m.Author, Body: truncateRunes(m.Body, ReplySnapshotMaxRunes)}
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
