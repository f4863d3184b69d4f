// Package relay implements the Connection Gateway: the single coordinator
// that owns the relay's shared state (history, presence, typing, last-seen)
// and wires inbound client events to state mutations and broadcasts.
package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper/relay/internal/history"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
)

// Transport is what the gateway needs from the WebSocket layer: targeted
// sends, full fan-out, fan-out excluding one connection, and the raw
// connection count reported in presence updates.
type Transport interface {
	Send(connID string, data []byte) error
	Broadcast(data []byte)
	BroadcastExcept(connID string, data []byte)
	Count() int
}

// DurableStore is the optional persistence capability. Appends are invoked
// fire-and-forget; LoadRecent is called once at startup.
type DurableStore interface {
	Append(ctx context.Context, msg protocol.Message) error
	LoadRecent(ctx context.Context, limit int) ([]protocol.Message, error)
}

// MessageTap is the optional firehose capability: accepted messages are
// mirrored to it best-effort.
type MessageTap interface {
	PublishMessage(msg protocol.Message) error
}

// MessageLimiter is the optional rate-limiting capability.
type MessageLimiter interface {
	AllowMessage(ctx context.Context, connID string) bool
}

// Options configures optional gateway capabilities. Nil fields disable the
// corresponding capability; the gateway runs fine with all of them absent.
type Options struct {
	Store   DurableStore
	Tap     MessageTap
	Limiter MessageLimiter
	Now     func() time.Time // test hook; defaults to time.Now
}

// storeTimeout bounds each fire-and-forget durable append.
const storeTimeout = 5 * time.Second

// limiterTimeout bounds the per-message rate-limit check. The check runs on
// the inbound worker before the gateway mutex is taken, so this is the most
// one message can stall its own worker, never the other handlers.
const limiterTimeout = 100 * time.Millisecond

// Gateway owns the five shared state structures and serializes every event
// handler with a single mutex — the Go rendition of a single-threaded
// reactor. State is mutated only inside handlers; broadcasts fan out
// synchronously to the connection set as it exists at the moment of the
// event. The only asynchronous work is the best-effort durable append and
// tap publish, which never block or fail the broadcast path.
type Gateway struct {
	mu        sync.Mutex
	history   *history.Buffer
	registry  *presence.Registry
	typing    *presence.TypingTracker
	lastSeen  *presence.LastSeenLedger
	transport Transport
	store     DurableStore
	tap       MessageTap
	limiter   MessageLimiter
	now       func() time.Time
}

// NewGateway creates a Gateway over the given transport with an empty
// history buffer of the given capacity.
func NewGateway(transport Transport, capacity int, opts Options) *Gateway {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		history:   history.NewBuffer(capacity),
		registry:  presence.NewRegistry(),
		typing:    presence.NewTypingTracker(),
		lastSeen:  presence.NewLastSeenLedger(),
		transport: transport,
		store:     opts.Store,
		tap:       opts.Tap,
		limiter:   opts.Limiter,
		now:       now,
	}
}

// SeedHistory loads recent messages from the durable store into the history
// buffer. It is called once at startup, before the first connection is
// accepted. Failure logs and leaves the buffer empty; startup never aborts
// on durable-store problems.
func (g *Gateway) SeedHistory(ctx context.Context) {
	if g.store == nil {
		return
	}

	msgs, err := g.store.LoadRecent(ctx, g.history.Capacity())
	if err != nil {
		log.Printf("relay: history reload failed, starting empty: %v", err)
		return
	}
	g.history.Reload(msgs)
	log.Printf("relay: reloaded %d messages from durable store", len(msgs))
}

// Connect handles a new connection: it sends the initial state snapshot
// (session id, history, last-seen ledger, presence, typing) to that
// connection only.
func (g *Gateway) Connect(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sendTo(connID, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{ConnID: connID})
	g.sendTo(connID, protocol.TypeHistory, protocol.HistoryMsg{Messages: g.history.Snapshot()})
	g.sendTo(connID, protocol.TypeLastSeen, protocol.LastSeenMsg{Seen: g.lastSeen.Snapshot()})
	g.sendTo(connID, protocol.TypePresence, g.presenceSnapshot())
	g.sendTo(connID, protocol.TypeTyping, protocol.ServerTypingMsg{Entries: g.typing.Snapshot()})
}

// Register binds a display name to the connection and broadcasts the
// updated presence. A name that is blank after sanitizing drops the event.
// Re-registering overwrites the prior name. Any stale typing entry for the
// connection is cleared.
func (g *Gateway) Register(connID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored, ok := g.registry.Register(connID, name)
	if !ok {
		return
	}

	g.typing.Clear(connID)
	g.broadcast(protocol.TypeTyping, protocol.ServerTypingMsg{Entries: g.typing.Snapshot()})
	g.broadcast(protocol.TypePresence, g.presenceSnapshot())
	metrics.RegisteredNames.Set(float64(len(g.registry.Names())))

	log.Printf("relay: registered conn=%s name=%q", connID, stored)
}

// Message validates, stores and fans out a chat message. The event is legal
// in both the unregistered and registered states: it carries its own name,
// which tolerates registration races. Blank text drops the event. The
// broadcast includes the sender; persistence and the tap run asynchronously
// and best-effort afterwards.
func (g *Gateway) Message(connID, name, text string, ts protocol.UnixMillis) {
	text = protocol.SanitizeText(text)
	if text == "" {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	// The limiter is a network call; it runs before the mutex so a slow
	// limiter backend stalls only this message, not every other handler.
	if g.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
		allowed := g.limiter.AllowMessage(ctx, connID)
		cancel()
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	msg := protocol.Message{
		ConnID: connID,
		Name:   g.resolveName(connID, name),
		Text:   text,
		Ts:     g.resolveTs(ts),
	}

	g.history.Append(msg)
	g.broadcast(protocol.TypeMessage, msg)
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()

	g.persistAsync(msg)
}

// Typing updates the typing tracker per the boolean flag and broadcasts the
// resulting snapshot to everyone.
func (g *Gateway) Typing(connID, name string, typing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if typing {
		resolved := g.resolveName(connID, name)
		if resolved == "" {
			return
		}
		g.typing.Set(connID, resolved)
	} else {
		g.typing.Clear(connID)
	}

	g.broadcast(protocol.TypeTyping, protocol.ServerTypingMsg{Entries: g.typing.Snapshot()})
}

// Seen relays a seen receipt to every connection except the viewer. It is a
// notification, not a state mutation: nothing is stored.
func (g *Gateway) Seen(connID, name string, ts protocol.UnixMillis) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resolved := g.resolveName(connID, name)
	if resolved == "" {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeSeen, protocol.ServerSeenMsg{
		Name:   resolved,
		Ts:     g.resolveTs(ts),
		ConnID: connID,
	})
	if err != nil {
		log.Printf("relay: failed to build seen receipt conn=%s: %v", connID, err)
		return
	}
	g.transport.BroadcastExcept(connID, data)
}

// Disconnect removes the connection's state. If the connection had a
// registered name, the last-seen ledger is stamped with the current server
// time and broadcast; presence and typing snapshots follow.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := g.registry.Name(connID)
	if name != "" {
		g.lastSeen.Record(name, g.now().UnixMilli())
		g.broadcast(protocol.TypeLastSeen, protocol.LastSeenMsg{Seen: g.lastSeen.Snapshot()})
	}

	g.registry.Remove(connID)
	g.typing.Clear(connID)

	g.broadcast(protocol.TypePresence, g.presenceSnapshot())
	g.broadcast(protocol.TypeTyping, protocol.ServerTypingMsg{Entries: g.typing.Snapshot()})
	metrics.RegisteredNames.Set(float64(len(g.registry.Names())))
}

// History exposes the history buffer for startup seeding and tests.
func (g *Gateway) History() *history.Buffer {
	return g.history
}

// resolveName sanitizes the event's own name and falls back to the
// connection's registered name when the event carried none. The result may
// still be empty for an unregistered connection that sent no name.
func (g *Gateway) resolveName(connID, name string) string {
	name = protocol.SanitizeName(name)
	if name == "" {
		name = g.registry.Name(connID)
	}
	return name
}

// resolveTs keeps the client-supplied display timestamp when it carried a
// positive value and substitutes server time otherwise. Arrival order, not
// this value, stays authoritative for ordering.
func (g *Gateway) resolveTs(ts protocol.UnixMillis) int64 {
	if ts > 0 {
		return int64(ts)
	}
	return g.now().UnixMilli()
}

// presenceSnapshot derives the presence payload: raw transport connection
// count plus distinct registered names.
func (g *Gateway) presenceSnapshot() protocol.PresenceMsg {
	return protocol.PresenceMsg{
		Connections: g.transport.Count(),
		Names:       g.registry.Names(),
	}
}

// sendTo sends one event to a single connection. Send failures are logged
// only; a freshly dead connection is reaped by the transport layer.
func (g *Gateway) sendTo(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: failed to build %s for conn=%s: %v", msgType, connID, err)
		return
	}
	if err := g.transport.Send(connID, data); err != nil {
		log.Printf("relay: failed to send %s to conn=%s: %v", msgType, connID, err)
	}
}

// broadcast fans one event out to every connection. A failed send to one
// connection never aborts delivery to the others (the transport guarantees
// that).
func (g *Gateway) broadcast(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: failed to build %s broadcast: %v", msgType, err)
		return
	}

	start := time.Now()
	g.transport.Broadcast(data)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// persistAsync forwards an accepted message to the durable store and the
// message tap on a background goroutine. Failures are logged and counted,
// never retried, and never surfaced to any client.
func (g *Gateway) persistAsync(msg protocol.Message) {
	if g.store == nil && g.tap == nil {
		return
	}

	go func() {
		if g.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := g.store.Append(ctx, msg); err != nil {
				log.Printf("relay: store append failed: %v", err)
				metrics.StoreAppendFailures.Inc()
			}
			cancel()
		}
		if g.tap != nil {
			if err := g.tap.PublishMessage(msg); err != nil {
				log.Printf("relay: tap publish failed: %v", err)
			}
		}
	}()
}
