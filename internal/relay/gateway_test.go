package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/relay/internal/protocol"
)

// fakeTransport records every payload sent to each connection, decoded back
// into generic maps for assertions.
type fakeTransport struct {
	mu    sync.Mutex
	conns map[string][]map[string]interface{}
}

func newFakeTransport(connIDs ...string) *fakeTransport {
	ft := &fakeTransport{conns: make(map[string][]map[string]interface{})}
	for _, id := range connIDs {
		ft.conns[id] = nil
	}
	return ft
}

func (ft *fakeTransport) record(connID string, data []byte) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		panic("fakeTransport: invalid JSON payload: " + err.Error())
	}
	ft.conns[connID] = append(ft.conns[connID], decoded)
}

func (ft *fakeTransport) Send(connID string, data []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if _, ok := ft.conns[connID]; !ok {
		return errors.New("connection not found")
	}
	ft.record(connID, data)
	return nil
}

func (ft *fakeTransport) Broadcast(data []byte) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for connID := range ft.conns {
		ft.record(connID, data)
	}
}

func (ft *fakeTransport) BroadcastExcept(exclude string, data []byte) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for connID := range ft.conns {
		if connID != exclude {
			ft.record(connID, data)
		}
	}
}

func (ft *fakeTransport) Count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.conns)
}

func (ft *fakeTransport) drop(connID string) {
	ft.mu.Lock()
	delete(ft.conns, connID)
	ft.mu.Unlock()
}

// eventsOfType returns the recorded events of the given type for a connection.
func (ft *fakeTransport) eventsOfType(connID, msgType string) []map[string]interface{} {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range ft.conns[connID] {
		if ev["type"] == msgType {
			out = append(out, ev)
		}
	}
	return out
}

func (ft *fakeTransport) lastOfType(connID, msgType string) map[string]interface{} {
	evs := ft.eventsOfType(connID, msgType)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

// recordingStore implements DurableStore and signals each append.
type recordingStore struct {
	mu       sync.Mutex
	appended []protocol.Message
	seed     []protocol.Message
	seedErr  error
	appendCh chan struct{}
}

func (rs *recordingStore) Append(_ context.Context, msg protocol.Message) error {
	rs.mu.Lock()
	rs.appended = append(rs.appended, msg)
	rs.mu.Unlock()
	if rs.appendCh != nil {
		rs.appendCh <- struct{}{}
	}
	return nil
}

func (rs *recordingStore) LoadRecent(_ context.Context, limit int) ([]protocol.Message, error) {
	if rs.seedErr != nil {
		return nil, rs.seedErr
	}
	if len(rs.seed) > limit {
		return rs.seed[len(rs.seed)-limit:], nil
	}
	return rs.seed, nil
}

// failingStore always errors; the broadcast path must not care.
type failingStore struct{ failed chan struct{} }

func (fs *failingStore) Append(context.Context, protocol.Message) error {
	fs.failed <- struct{}{}
	return errors.New("disk on fire")
}

func (fs *failingStore) LoadRecent(context.Context, int) ([]protocol.Message, error) {
	return nil, errors.New("disk on fire")
}

// denyLimiter rejects every message.
type denyLimiter struct{}

func (denyLimiter) AllowMessage(context.Context, string) bool { return false }

// stallingLimiter blocks inside the check until released, modeling a stalled
// limiter backend.
type stallingLimiter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (sl *stallingLimiter) AllowMessage(context.Context, string) bool {
	sl.once.Do(func() { close(sl.entered) })
	<-sl.release
	return true
}

func fixedNow(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestConnectSendsInitialSnapshot(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Connect("c1")

	expected := []string{
		protocol.TypeSessionCreated,
		protocol.TypeHistory,
		protocol.TypeLastSeen,
		protocol.TypePresence,
		protocol.TypeTyping,
	}
	events := ft.conns["c1"]
	if len(events) != len(expected) {
		t.Fatalf("expected %d events, got %d", len(expected), len(events))
	}
	for i, typ := range expected {
		if events[i]["type"] != typ {
			t.Errorf("event %d: expected type %q, got %v", i, typ, events[i]["type"])
		}
	}
	if events[0]["conn_id"] != "c1" {
		t.Errorf("session_created should carry the connection id, got %v", events[0]["conn_id"])
	}
}

func TestScenarioAliceAndBob(t *testing.T) {
	ft := newFakeTransport("a", "b")
	g := NewGateway(ft, 0, Options{Now: fixedNow(5000)})

	g.Connect("a")
	g.Register("a", "Alice")
	g.Connect("b")
	g.Register("b", "Bob")

	// Alice sends "hi" — both sides receive it with her name.
	g.Message("a", "Alice", "hi", 0)
	for _, connID := range []string{"a", "b"} {
		msg := ft.lastOfType(connID, protocol.TypeMessage)
		if msg == nil {
			t.Fatalf("conn %s never received the message", connID)
		}
		if msg["name"] != "Alice" || msg["text"] != "hi" {
			t.Errorf("conn %s: unexpected message %v", connID, msg)
		}
	}

	// Bob starts typing — Alice sees a snapshot containing Bob.
	g.Typing("b", "Bob", true)
	snap := ft.lastOfType("a", protocol.TypeTyping)
	entries, ok := snap["entries"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one typing entry, got %v", snap["entries"])
	}
	if entries[0].(map[string]interface{})["name"] != "Bob" {
		t.Errorf("expected Bob typing, got %v", entries[0])
	}

	// Bob disconnects — Alice gets a decremented presence count and a
	// last-seen entry for Bob.
	ft.drop("b")
	g.Disconnect("b")

	pres := ft.lastOfType("a", protocol.TypePresence)
	if pres["connections"].(float64) != 1 {
		t.Errorf("expected 1 connection after disconnect, got %v", pres["connections"])
	}
	names := pres["names"].([]interface{})
	if len(names) != 1 || names[0] != "Alice" {
		t.Errorf("expected only Alice present, got %v", names)
	}

	seen := ft.lastOfType("a", protocol.TypeLastSeen)
	ledger := seen["seen"].(map[string]interface{})
	if ledger["Bob"].(float64) != 5000 {
		t.Errorf("expected Bob last seen at 5000, got %v", ledger["Bob"])
	}
}

func TestBlankMessageDropped(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Message("c1", "Alice", "   \t  ", 0)

	if g.History().Len() != 0 {
		t.Error("whitespace-only message must not enter history")
	}
	if len(ft.eventsOfType("c1", protocol.TypeMessage)) != 0 {
		t.Error("whitespace-only message must not be broadcast")
	}
}

func TestMessageTruncation(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Message("c1", strings.Repeat("n", 40), strings.Repeat("x", 400), 0)

	msgs := g.History().Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if len(msgs[0].Text) != 350 {
		t.Errorf("expected text truncated to 350 chars, got %d", len(msgs[0].Text))
	}
	if len(msgs[0].Name) != 24 {
		t.Errorf("expected name truncated to 24 chars, got %d", len(msgs[0].Name))
	}
}

func TestMessageWithoutRegistration(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	// A message event carries its own name; prior registration is not
	// required (tolerates registration races).
	g.Message("c1", "Drifter", "hello", 0)

	msg := ft.lastOfType("c1", protocol.TypeMessage)
	if msg == nil || msg["name"] != "Drifter" {
		t.Fatalf("expected broadcast from Drifter, got %v", msg)
	}
}

func TestMessageNameFallsBackToRegistration(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Register("c1", "Alice")
	g.Message("c1", "", "hello", 0)

	msg := ft.lastOfType("c1", protocol.TypeMessage)
	if msg["name"] != "Alice" {
		t.Errorf("expected registered name fallback, got %v", msg["name"])
	}
}

func TestClientTimestampPreserved(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{Now: fixedNow(9999)})

	g.Message("c1", "Alice", "with ts", 1234)
	g.Message("c1", "Alice", "without ts", 0)

	msgs := g.History().Snapshot()
	if msgs[0].Ts != 1234 {
		t.Errorf("expected client timestamp 1234, got %d", msgs[0].Ts)
	}
	if msgs[1].Ts != 9999 {
		t.Errorf("expected server time fallback 9999, got %d", msgs[1].Ts)
	}
}

func TestRegisterTwiceKeepsLatestName(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Register("c1", "Alice")
	g.Register("c1", "Alicia")

	pres := ft.lastOfType("c1", protocol.TypePresence)
	names := pres["names"].([]interface{})
	if len(names) != 1 || names[0] != "Alicia" {
		t.Errorf("expected only the latest name, got %v", names)
	}
}

func TestRegisterBlankNameIgnored(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Register("c1", "   ")

	if len(ft.eventsOfType("c1", protocol.TypePresence)) != 0 {
		t.Error("blank registration must not trigger a presence broadcast")
	}
}

func TestRegisterClearsStaleTyping(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.Typing("c1", "Alice", true)
	g.Register("c1", "Alice")

	snap := ft.lastOfType("c1", protocol.TypeTyping)
	if snap["entries"] != nil {
		if entries := snap["entries"].([]interface{}); len(entries) != 0 {
			t.Errorf("expected typing cleared on registration, got %v", entries)
		}
	}
}

func TestTypingStopIdempotent(t *testing.T) {
	ft := newFakeTransport("c1", "c2")
	g := NewGateway(ft, 0, Options{})

	g.Typing("c1", "Alice", true)
	g.Typing("c1", "Alice", false)
	first := ft.lastOfType("c2", protocol.TypeTyping)
	g.Typing("c1", "Alice", false)
	second := ft.lastOfType("c2", protocol.TypeTyping)

	for _, snap := range []map[string]interface{}{first, second} {
		if snap["entries"] != nil {
			if entries := snap["entries"].([]interface{}); len(entries) != 0 {
				t.Errorf("expected empty typing snapshot, got %v", entries)
			}
		}
	}
}

func TestSeenExcludesViewer(t *testing.T) {
	ft := newFakeTransport("a", "b", "c")
	g := NewGateway(ft, 0, Options{Now: fixedNow(777)})

	g.Seen("a", "Alice", 0)

	if len(ft.eventsOfType("a", protocol.TypeSeen)) != 0 {
		t.Error("viewer must not receive its own seen receipt")
	}
	for _, connID := range []string{"b", "c"} {
		receipt := ft.lastOfType(connID, protocol.TypeSeen)
		if receipt == nil {
			t.Fatalf("conn %s did not receive the seen receipt", connID)
		}
		if receipt["name"] != "Alice" || receipt["conn_id"] != "a" {
			t.Errorf("conn %s: unexpected receipt %v", connID, receipt)
		}
		if receipt["ts"].(float64) != 777 {
			t.Errorf("conn %s: expected server-time ts 777, got %v", connID, receipt["ts"])
		}
	}
}

func TestSeenWithoutNameDropped(t *testing.T) {
	ft := newFakeTransport("a", "b")
	g := NewGateway(ft, 0, Options{})

	g.Seen("a", "  ", 0)

	if len(ft.eventsOfType("b", protocol.TypeSeen)) != 0 {
		t.Error("anonymous seen receipt should be dropped")
	}
}

func TestDisconnectCleansUpState(t *testing.T) {
	ft := newFakeTransport("a", "b")
	g := NewGateway(ft, 0, Options{Now: fixedNow(4242)})

	g.Register("a", "Alice")
	g.Typing("a", "Alice", true)

	ft.drop("a")
	g.Disconnect("a")

	pres := ft.lastOfType("b", protocol.TypePresence)
	if names := pres["names"].([]interface{}); len(names) != 0 {
		t.Errorf("expected no registered names after disconnect, got %v", names)
	}

	snap := ft.lastOfType("b", protocol.TypeTyping)
	if snap["entries"] != nil {
		if entries := snap["entries"].([]interface{}); len(entries) != 0 {
			t.Errorf("expected no typing entries after disconnect, got %v", entries)
		}
	}

	ledger := ft.lastOfType("b", protocol.TypeLastSeen)["seen"].(map[string]interface{})
	if ledger["Alice"].(float64) != 4242 {
		t.Errorf("expected Alice last seen at disconnect time, got %v", ledger["Alice"])
	}
}

func TestDisconnectUnregisteredSkipsLedger(t *testing.T) {
	ft := newFakeTransport("a", "b")
	g := NewGateway(ft, 0, Options{})

	ft.drop("a")
	g.Disconnect("a")

	if len(ft.eventsOfType("b", protocol.TypeLastSeen)) != 0 {
		t.Error("unregistered disconnect must not broadcast the ledger")
	}
	// Presence and typing snapshots still go out.
	if len(ft.eventsOfType("b", protocol.TypePresence)) != 1 {
		t.Error("expected a presence broadcast on disconnect")
	}
}

func TestMessagePersistedAsync(t *testing.T) {
	ft := newFakeTransport("c1")
	rs := &recordingStore{appendCh: make(chan struct{}, 1)}
	g := NewGateway(ft, 0, Options{Store: rs})

	g.Message("c1", "Alice", "persist me", 0)

	select {
	case <-rs.appendCh:
	case <-time.After(2 * time.Second):
		t.Fatal("durable append never happened")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.appended) != 1 || rs.appended[0].Text != "persist me" {
		t.Errorf("unexpected appended messages: %+v", rs.appended)
	}
}

func TestStoreFailureNeverBlocksBroadcast(t *testing.T) {
	ft := newFakeTransport("c1")
	fs := &failingStore{failed: make(chan struct{}, 1)}
	g := NewGateway(ft, 0, Options{Store: fs})

	g.Message("c1", "Alice", "hi", 0)

	// The broadcast already happened synchronously.
	if ft.lastOfType("c1", protocol.TypeMessage) == nil {
		t.Fatal("message was not broadcast despite store failure")
	}

	select {
	case <-fs.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("store append was never attempted")
	}

	if g.History().Len() != 1 {
		t.Error("message should remain in history despite store failure")
	}
}

func TestSeedHistory(t *testing.T) {
	ft := newFakeTransport("c1")
	rs := &recordingStore{seed: []protocol.Message{
		{Name: "Alice", Text: "old one", Ts: 1},
		{Name: "Bob", Text: "old two", Ts: 2},
	}}
	g := NewGateway(ft, 0, Options{Store: rs})

	g.SeedHistory(context.Background())
	g.Connect("c1")

	hist := ft.lastOfType("c1", protocol.TypeHistory)
	msgs := hist["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 seeded messages, got %d", len(msgs))
	}
	if msgs[0].(map[string]interface{})["text"] != "old one" {
		t.Errorf("unexpected seeded order: %v", msgs)
	}
}

func TestSeedHistoryFailureStartsEmpty(t *testing.T) {
	ft := newFakeTransport("c1")
	fs := &failingStore{failed: make(chan struct{}, 1)}
	g := NewGateway(ft, 0, Options{Store: fs})

	g.SeedHistory(context.Background())

	if g.History().Len() != 0 {
		t.Error("failed reload must leave the buffer empty")
	}

	// The relay still functions memory-only.
	g.Connect("c1")
	g.Message("c1", "Alice", "still works", 0)
	if ft.lastOfType("c1", protocol.TypeMessage)["text"] != "still works" {
		t.Error("relay should keep working after a failed reload")
	}
}

func TestNoStoreConfigured(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{})

	g.SeedHistory(context.Background())
	g.Connect("c1")
	g.Register("c1", "Alice")
	g.Message("c1", "Alice", "memory only", 0)
	g.Typing("c1", "Alice", true)
	g.Seen("c1", "Alice", 0)
	g.Disconnect("c1")

	if g.History().Len() != 1 {
		t.Error("memory-only relay should still retain history")
	}
}

func TestRateLimitedMessageDropped(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 0, Options{Limiter: denyLimiter{}})

	g.Message("c1", "Alice", "too fast", 0)

	if g.History().Len() != 0 {
		t.Error("rate-limited message must not enter history")
	}
	if len(ft.eventsOfType("c1", protocol.TypeMessage)) != 0 {
		t.Error("rate-limited message must not be broadcast")
	}
}

func TestStalledLimiterDoesNotBlockOtherHandlers(t *testing.T) {
	ft := newFakeTransport("c1", "c2")
	sl := &stallingLimiter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	g := NewGateway(ft, 0, Options{Limiter: sl})
	g.Register("c2", "Bob")

	msgDone := make(chan struct{})
	go func() {
		g.Message("c1", "Alice", "hi", 0)
		close(msgDone)
	}()
	<-sl.entered

	// With c1's message stuck in the limiter, other handlers must still run.
	typingDone := make(chan struct{})
	go func() {
		g.Typing("c2", "Bob", true)
		close(typingDone)
	}()
	select {
	case <-typingDone:
	case <-time.After(time.Second):
		t.Fatal("typing handler stalled behind a blocked rate-limit check")
	}

	close(sl.release)
	select {
	case <-msgDone:
	case <-time.After(time.Second):
		t.Fatal("message handler never completed after limiter release")
	}
	if len(ft.eventsOfType("c2", protocol.TypeMessage)) != 1 {
		t.Error("released message should still be broadcast")
	}
}

func TestHistoryCapacityBound(t *testing.T) {
	ft := newFakeTransport("c1")
	g := NewGateway(ft, 10, Options{})

	for i := 0; i < 25; i++ {
		g.Message("c1", "Alice", strings.Repeat("m", i+1), 0)
	}

	msgs := g.History().Snapshot()
	if len(msgs) != 10 {
		t.Fatalf("expected history capped at 10, got %d", len(msgs))
	}
	if len(msgs[0].Text) != 16 {
		t.Errorf("expected oldest retained message to be the 16th, got len %d", len(msgs[0].Text))
	}
}
