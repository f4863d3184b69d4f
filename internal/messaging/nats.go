// Package messaging provides the optional NATS message tap. Every message
// the relay accepts is published, best-effort, to a NATS subject so external
// consumers (archival, moderation tooling) can observe the stream without
// touching the relay's broadcast path. The tap is publish-only: the relay
// never routes client traffic through NATS.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/relay/internal/protocol"
)

// SubjectMessages is the subject accepted messages are published to.
const SubjectMessages = "relay.messages"

// TapConfig holds NATS connection settings.
type TapConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultTapConfig returns sensible defaults.
func DefaultTapConfig() TapConfig {
	return TapConfig{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Tap wraps the NATS connection used to mirror accepted messages.
type Tap struct {
	conn *nats.Conn
}

// NewTap connects to NATS with the given config and returns a ready tap.
// It returns an error if the initial connection fails.
func NewTap(config TapConfig) (*Tap, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Tap{conn: nc}, nil
}

// PublishMessage mirrors one accepted message to the tap subject. Failure
// is returned for logging only; callers must not surface it to clients.
func (t *Tap) PublishMessage(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: marshal message: %w", err)
	}
	if err := t.conn.Publish(SubjectMessages, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", SubjectMessages, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (t *Tap) Close() {
	if err := t.conn.Drain(); err != nil {
		log.Printf("[nats] drain error: %v", err)
	}
	t.conn.Close()
}
