// Package gateway runs the post pipeline: validate, ban check, rate check,
// reply resolution, moderation, persistence and publish. Each step
// short-circuits with a classified error from apperr.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/ban"
	"github.com/whisper/lobby/internal/chat"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/moderation"
	"github.com/whisper/lobby/internal/settings"
)

// Room labels used in metrics.
const (
	RoomPublic  = "public"
	RoomPrivate = "private"
)

// BanChecker answers ban lookups. Implementations fail open.
type BanChecker interface {
	IsIPBanned(ctx context.Context, ip string) (*ban.Ban, error)
	IsNicknameBanned(ctx context.Context, nickname string) (*ban.Ban, error)
}

// RateChecker counts a post against the sender's budget.
type RateChecker interface {
	CheckRate(ctx context.Context, ip string) error
}

// HistoryStore is the recent-message store.
type HistoryStore interface {
	Append(ctx context.Context, m *chat.Message) error
	GetHistory(ctx context.Context, limit int) ([]*chat.Message, error)
	Lookup(ctx context.Context, id string) (*chat.Message, error)
}

// Screener redacts message bodies.
type Screener interface {
	FilterPublic(body string) moderation.Result
	FilterPrivate(ctx context.Context, body, ip string) moderation.Result
}

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Current(ctx context.Context) settings.Snapshot
}

// PostRequest is a public room post.
type PostRequest struct {
	Author    string
	Body      string
	OriginIP  string
	SessionID string
	ReplyToID string
}

// PrivateRequest is a one-to-one message.
type PrivateRequest struct {
	Author    string
	Recipient string
	Body      string
	OriginIP  string
	SessionID string
}

// PrivateMessage is the event delivered on the recipient's private channel.
type PrivateMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"timestamp"`
}

// Gateway orchestrates message posting.
type Gateway struct {
	bans     BanChecker
	rate     RateChecker
	history  HistoryStore
	screener Screener
	pub      messaging.Broadcaster
	settings SettingsSource
	now      func() time.Time
}

// New creates a Gateway.
func New(bans BanChecker, rate RateChecker, history HistoryStore, screener Screener,
	pub messaging.Broadcaster, settings SettingsSource) *Gateway {
	return &Gateway{
		bans:     bans,
		rate:     rate,
		history:  history,
		screener: screener,
		pub:      pub,
		settings: settings,
		now:      time.Now,
	}
}

// admit runs the checks shared by public and private posts.
func (g *Gateway) admit(ctx context.Context, author, body, ip string) error {
	snap := g.settings.Current(ctx)
	if err := chat.ValidatePost(author, body, snap.MessageMaxLength); err != nil {
		return err
	}
	if b, _ := g.bans.IsIPBanned(ctx, ip); b != nil {
		return apperr.Banned("you are banned")
	}
	if b, _ := g.bans.IsNicknameBanned(ctx, author); b != nil {
		return apperr.Banned("you are banned")
	}
	return g.rate.CheckRate(ctx, ip)
}

// PostMessage posts to the public room and returns the stored message.
func (g *Gateway) PostMessage(ctx context.Context, req PostRequest) (msg *chat.Message, err error) {
	start := time.Now()
	defer func() { observe(RoomPublic, start, err) }()

	req.Author = strings.TrimSpace(req.Author)
	if err := g.admit(ctx, req.Author, req.Body, req.OriginIP); err != nil {
		return nil, err
	}

	var reply *chat.ReplySnapshot
	if req.ReplyToID != "" {
		reply = g.resolveReply(ctx, req.ReplyToID)
	}

	res := g.screener.FilterPublic(req.Body)

	msg, err = chat.NewMessage(req.Author, res.Filtered, req.OriginIP, g.now())
	if err != nil {
		return nil, apperr.Unavailable("post message", err)
	}
	if reply != nil {
		msg.ReplyToID = req.ReplyToID
		msg.Reply = reply
	}

	if err := g.history.Append(ctx, msg); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode message: %w", err)
	}
	if err := g.pub.Publish(ctx, messaging.ChannelMessages, data); err != nil {
		log := logging.Component("gateway")
		log.Error().Err(err).Str("id", msg.ID).Msg("message persisted but publish failed")
	}
	return msg, nil
}

// resolveReply returns the snapshot of the message being replied to, or nil
// if it cannot be found.
func (g *Gateway) resolveReply(ctx context.Context, id string) *chat.ReplySnapshot {
	orig, err := g.history.Lookup(ctx, id)
	if err != nil {
		log := logging.Component("gateway")
		log.Warn().Err(err).Str("reply_to_id", id).Msg("reply lookup failed, omitting reply")
		return nil
	}
	if orig == nil {
		return nil
	}
	return orig.Snapshot()
}

// PostPrivate delivers a private message. Private messages are not kept in
// the room history.
func (g *Gateway) PostPrivate(ctx context.Context, req PrivateRequest) (pm *PrivateMessage, err error) {
	start := time.Now()
	defer func() { observe(RoomPrivate, start, err) }()

	req.Author = strings.TrimSpace(req.Author)
	req.Recipient = strings.TrimSpace(req.Recipient)
	if req.Recipient == "" {
		return nil, apperr.Validation("recipient is required")
	}
	if strings.EqualFold(req.Recipient, req.Author) {
		return nil, apperr.Validation("cannot message yourself")
	}
	if err := g.admit(ctx, req.Author, req.Body, req.OriginIP); err != nil {
		return nil, err
	}

	res := g.screener.FilterPrivate(ctx, req.Body, req.OriginIP)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Unavailable("post private", err)
	}
	pm = &PrivateMessage{
		ID:        id.String(),
		From:      req.Author,
		To:        req.Recipient,
		Body:      res.Filtered,
		CreatedAt: g.now().UTC(),
	}
	data, err := json.Marshal(pm)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode private message: %w", err)
	}
	if err := g.pub.Publish(ctx, messaging.PrivateChannel(req.Recipient), data); err != nil {
		return nil, apperr.Unavailable("post private", err)
	}
	return pm, nil
}

// History returns up to limit recent messages, oldest first. A limit outside
// [1, history_limit] is clamped.
func (g *Gateway) History(ctx context.Context, limit int) ([]*chat.Message, error) {
	window := g.settings.Current(ctx).HistoryLimit
	if limit <= 0 || limit > window {
		limit = window
	}
	return g.history.GetHistory(ctx, limit)
}

func observe(room string, start time.Time, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.MessagesTotal.WithLabelValues(room, outcome).Inc()
	if err == nil {
		metrics.MessageLatency.Observe(time.Since(start).Seconds())
	}
}
