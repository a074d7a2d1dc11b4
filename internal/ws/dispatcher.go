package ws

import (
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to registered handlers by
// type. Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to server.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the server after construction, since NewServer needs
// Dispatch as its callback.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	log := logging.Component("ws")

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("conn", conn.ID).Msg("dispatch parse error")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	d.send(conn, protocol.TypePong, protocol.PongMsg{})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	log := logging.Component("ws")
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("failed to build server message")
		return
	}
	if err := d.server.Send(conn, data); err != nil {
		log.Debug().Err(err).Str("type", msgType).Str("conn", conn.ID).Msg("send failed")
	}
}
