package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/strangers/relay/internal/metrics"
	"github.com/strangers/relay/internal/protocol"
)

// Error codes sent in protocol.ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.MessageMsg,
// protocol.TypingMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by event
// name. It answers the application-level ping itself and replies with an
// error event to frames it cannot route.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(log *zap.Logger) *MessageDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.With(zap.String("component", "dispatcher")),
	}
}

// Register associates a handler with an event name, replacing any previous
// handler.
func (d *MessageDispatcher) Register(event string, handler MessageHandler) {
	d.handlers[event] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues("invalid").Inc()
		if errors.Is(err, protocol.ErrUnknownEvent) {
			d.log.Debug("unknown event", zap.String("session", conn.ID), zap.String("event", event))
			d.SendError(conn, CodeUnsupportedType, "unsupported event")
			return
		}
		d.log.Debug("parse error", zap.String("session", conn.ID), zap.Error(err))
		d.SendError(conn, CodeParseError, "invalid message format")
		return
	}

	if event == protocol.EventPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		d.log.Debug("no handler", zap.String("session", conn.ID), zap.String("event", event))
		d.SendError(conn, CodeUnsupportedType, "unsupported event")
		return
	}

	handler(conn, msg)
}

// SendError writes an error event to conn. Failures are logged.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.EventError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.log.Error("build error message", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("send error message", zap.String("session", conn.ID), zap.Error(err))
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.EventPong, protocol.EmptyMsg{})
	if err != nil {
		d.log.Error("build pong message", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("send pong", zap.String("session", conn.ID), zap.Error(err))
	}
}
