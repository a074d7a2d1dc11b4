package ws

import (
	"context"
	"time"

	"github.com/whisper/lobby/internal/apperr"
	"github.com/whisper/lobby/internal/chat"
	"github.com/whisper/lobby/internal/gateway"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
)

// requestTimeout bounds the work done for one client message.
const requestTimeout = 5 * time.Second

// Poster is the message gateway as seen by the room.
type Poster interface {
	PostMessage(ctx context.Context, req gateway.PostRequest) (*chat.Message, error)
	PostPrivate(ctx context.Context, req gateway.PrivateRequest) (*gateway.PrivateMessage, error)
	History(ctx context.Context, limit int) ([]*chat.Message, error)
}

// Presence is the presence tracker as seen by the room.
type Presence interface {
	RegisterSession(ctx context.Context, req presence.RegisterRequest) error
	Heartbeat(ctx context.Context, username, sessionID string) error
	RemoveSession(ctx context.Context, username, sessionID string) error
	ListPresence(ctx context.Context) (presence.Snapshot, error)
}

// Room binds client messages to the gateway and presence tracker and streams
// broadcaster events to every connection.
type Room struct {
	server     *Server
	dispatcher *MessageDispatcher
	gw         Poster
	presence   Presence
	pub        messaging.Broadcaster
}

// NewRoom registers the room handlers on d and the connection callbacks on
// server.
func NewRoom(server *Server, d *MessageDispatcher, gw Poster, pres Presence, pub messaging.Broadcaster) *Room {
	r := &Room{server: server, dispatcher: d, gw: gw, presence: pres, pub: pub}

	d.Register(protocol.TypeJoin, r.handleJoin)
	d.Register(protocol.TypeHeartbeat, r.handleHeartbeat)
	d.Register(protocol.TypeLeave, r.handleLeave)
	d.Register(protocol.TypePost, r.handlePost)
	d.Register(protocol.TypePrivate, r.handlePrivate)
	d.Register(protocol.TypeHistory, r.handleHistory)

	server.SetOnConnect(r.connected)
	server.SetOnDisconnect(r.disconnected)
	return r
}

// connected streams room messages and presence snapshots to c for as long as
// it lives.
func (r *Room) connected(c *Connection) {
	r.stream(c.Context(), c, messaging.ChannelMessages, protocol.TypeMessage)
	r.stream(c.Context(), c, messaging.ChannelPresence, protocol.TypePresence)
}

func (r *Room) disconnected(c *Connection) {
	username, sid := c.clearIdentity()
	if username == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := r.presence.RemoveSession(ctx, username, sid); err != nil {
		log := logging.Component("room")
		log.Warn().Err(err).Str("username", username).Msg("removing session on disconnect failed")
	}
}

// stream forwards events from channel to c until ctx ends.
func (r *Room) stream(ctx context.Context, c *Connection, channel, msgType string) {
	log := logging.Component("room")
	sub, err := r.pub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Str("conn", c.ID).Msg("subscribe failed")
		return
	}
	go func() {
		for data := range sub.C {
			out, err := protocol.WrapEvent(msgType, data)
			if err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed event")
				continue
			}
			if err := r.server.Send(c, out); err != nil {
				log.Debug().Err(err).Str("conn", c.ID).Msg("event delivery failed")
			}
		}
	}()
}

func (r *Room) fail(c *Connection, err error) {
	code, message := apperr.Public(err)
	if apperr.KindOf(err) == apperr.KindUnavailable || apperr.KindOf(err) == apperr.KindUnknown {
		log := logging.Component("room")
		log.Error().Err(err).Str("conn", c.ID).Msg("request failed")
	}
	r.dispatcher.sendError(c, code, message)
}

// joined returns the connection identity or reports that join is required.
func (r *Room) joined(c *Connection) (string, string, bool) {
	username, sid := c.Identity()
	if username == "" {
		r.fail(c, apperr.Validation("join first"))
		return "", "", false
	}
	return username, sid, true
}

func (r *Room) handleJoin(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	sid := m.SessionID
	if sid == "" {
		sid = c.ID
	}
	if prev, prevSID := c.Identity(); prev != "" && (prev != m.Username || prevSID != sid) {
		r.leave(ctx, c)
	}

	req := presence.RegisterRequest{Username: m.Username, SessionID: sid, IP: c.IP}
	if m.Profile != nil {
		req.Profile = &presence.Profile{Age: m.Profile.Age, Sex: m.Profile.Sex, Location: m.Profile.Location}
	}
	if err := r.presence.RegisterSession(ctx, req); err != nil {
		r.fail(c, err)
		return
	}

	privCtx, stop := context.WithCancel(c.Context())
	c.setIdentity(m.Username, sid, stop)
	r.stream(privCtx, c, messaging.PrivateChannel(m.Username), protocol.TypePrivateMessage)

	r.dispatcher.send(c, protocol.TypeJoined, protocol.JoinedMsg{Username: m.Username, SessionID: sid})
	if snap, err := r.presence.ListPresence(ctx); err == nil {
		r.dispatcher.send(c, protocol.TypePresence, snap)
	}
	r.sendHistory(ctx, c, 0)
}

func (r *Room) handleHeartbeat(c *Connection, _ interface{}) {
	username, sid, ok := r.joined(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	if err := r.presence.Heartbeat(ctx, username, sid); err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			c.clearIdentity()
		}
		r.fail(c, err)
	}
}

func (r *Room) handleLeave(c *Connection, _ interface{}) {
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	r.leave(ctx, c)
}

func (r *Room) leave(ctx context.Context, c *Connection) {
	username, sid := c.clearIdentity()
	if username == "" {
		return
	}
	if err := r.presence.RemoveSession(ctx, username, sid); err != nil {
		r.fail(c, err)
	}
}

func (r *Room) handlePost(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.PostMsg)
	if !ok {
		return
	}
	username, sid, ok := r.joined(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	_, err := r.gw.PostMessage(ctx, gateway.PostRequest{
		Author:    username,
		Body:      m.Body,
		OriginIP:  c.IP,
		SessionID: sid,
		ReplyToID: m.ReplyToID,
	})
	if err != nil {
		r.fail(c, err)
	}
}

func (r *Room) handlePrivate(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.PrivateMsg)
	if !ok {
		return
	}
	username, sid, ok := r.joined(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	pm, err := r.gw.PostPrivate(ctx, gateway.PrivateRequest{
		Author:    username,
		Recipient: m.To,
		Body:      m.Body,
		OriginIP:  c.IP,
		SessionID: sid,
	})
	if err != nil {
		r.fail(c, err)
		return
	}
	// The sender sees what the recipient got.
	r.dispatcher.send(c, protocol.TypePrivateMessage, pm)
}

func (r *Room) handleHistory(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.HistoryRequestMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	r.sendHistory(ctx, c, m.Limit)
}

func (r *Room) sendHistory(ctx context.Context, c *Connection, limit int) {
	msgs, err := r.gw.History(ctx, limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	r.dispatcher.send(c, protocol.TypeHistory, protocol.HistoryMsg{Messages: msgs})
}
