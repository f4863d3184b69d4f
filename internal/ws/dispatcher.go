package ws

import (
	"log"

	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// event. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.RegisterMsg, protocol.ChatMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket frames to registered handlers
// based on the event type. It handles the built-in ping/pong keepalive
// internally. Inbound payloads are untrusted and best-effort: frames that
// fail to parse, and event types with no registered handler, are logged and
// silently dropped — no event can produce a protocol error response.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed event, handles ping internally, and routes all other
// types to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v (dropping)", conn.ID, err)
		return
	}

	// Built-in ping handler — respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s (dropping)", msgType, conn.ID)
		return
	}

	handler(conn, msg)
}

// sendPong responds to a client ping with a pong event and refreshes the
// connection's activity timestamp for the heartbeat monitor.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.MarkAlive()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong conn=%s: %v", conn.ID, err)
	}
}
