package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/whisper/relay/internal/protocol"
)

func msg(i int) protocol.Message {
	return protocol.Message{
		ConnID: "conn",
		Name:   "sender",
		Text:   fmt.Sprintf("msg-%d", i),
		Ts:     int64(i),
	}
}

func TestAppendAndSnapshot(t *testing.T) {
	b := NewBuffer(5)

	b.Append(protocol.Message{Name: "a", Text: "hello", Ts: 1})
	b.Append(protocol.Message{Name: "b", Text: "hi", Ts: 2})
	b.Append(protocol.Message{Name: "a", Text: "how are you?", Ts: 3})

	msgs := b.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Text)
	}
	if msgs[1].Text != "hi" {
		t.Errorf("expected second message 'hi', got %q", msgs[1].Text)
	}
	if msgs[2].Text != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Text)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	b := NewBuffer(5)

	// Add 8 messages; the buffer holds only 5.
	for i := 1; i <= 8; i++ {
		b.Append(msg(i))
	}

	msgs := b.Snapshot()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	// Should contain messages 4 through 8 in order.
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+4)
		if m.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, m.Text)
		}
	}
}

func TestLengthNeverExceedsCapacity(t *testing.T) {
	b := NewBuffer(DefaultCapacity)

	for i := 0; i < DefaultCapacity+37; i++ {
		b.Append(msg(i))
		if b.Len() > DefaultCapacity {
			t.Fatalf("length %d exceeds capacity after %d appends", b.Len(), i+1)
		}
	}

	msgs := b.Snapshot()
	if len(msgs) != DefaultCapacity {
		t.Fatalf("expected %d messages, got %d", DefaultCapacity, len(msgs))
	}
	if msgs[0].Text != "msg-37" {
		t.Errorf("expected oldest retained message 'msg-37', got %q", msgs[0].Text)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	b := NewBuffer(5)

	msgs := b.Snapshot()
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	b := NewBuffer(5)
	b.Append(msg(1))

	msgs := b.Snapshot()
	msgs[0].Text = "mutated"

	if b.Snapshot()[0].Text != "msg-1" {
		t.Error("mutating a snapshot leaked into the buffer")
	}
}

func TestReload(t *testing.T) {
	b := NewBuffer(5)
	b.Append(msg(99)) // pre-existing content is discarded

	b.Reload([]protocol.Message{msg(1), msg(2), msg(3)})

	msgs := b.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "msg-1" || msgs[2].Text != "msg-3" {
		t.Errorf("unexpected snapshot after reload: %+v", msgs)
	}
}

func TestReloadOverCapacityKeepsNewest(t *testing.T) {
	b := NewBuffer(3)

	b.Reload([]protocol.Message{msg(1), msg(2), msg(3), msg(4), msg(5)})

	msgs := b.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if m.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, m.Text)
		}
	}
}

func TestAppendAfterReloadWraps(t *testing.T) {
	b := NewBuffer(3)
	b.Reload([]protocol.Message{msg(1), msg(2), msg(3)})

	b.Append(msg(4))

	msgs := b.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "msg-2" || msgs[2].Text != "msg-4" {
		t.Errorf("unexpected snapshot after append-past-reload: %+v", msgs)
	}
}

func TestConcurrentAppend(t *testing.T) {
	b := NewBuffer(DefaultCapacity)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Append(msg(i))
			}
		}()
	}
	wg.Wait()

	if b.Len() != DefaultCapacity {
		t.Fatalf("expected %d messages after concurrent appends, got %d", DefaultCapacity, b.Len())
	}
}
