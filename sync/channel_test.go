package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/codepair/codepair/commons"
	"github.com/codepair/codepair/ot"
)

// recordingRelay captures published messages and lets tests inject inbound
// ones.
type recordingRelay struct {
	mu        gosync.Mutex
	published []commons.Message
	events    chan commons.Message
	closed    bool
}

func newRecordingRelay() *recordingRelay {
	return &recordingRelay{events: make(chan commons.Message, 64)}
}

func (r *recordingRelay) Publish(msg commons.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, msg)
	return nil
}

func (r *recordingRelay) Events() <-chan commons.Message {
	return r.events
}

func (r *recordingRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

func (r *recordingRelay) messages(t commons.MessageType) []commons.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []commons.Message
	for _, m := range r.published {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestChannel(t *testing.T, relay Relay) *Channel {
	t.Helper()

	ch := NewChannel(Config{
		SessionID:      "s1",
		Self:           commons.PresenceRecord{UserID: "self", Username: "me", Color: "#fff"},
		Dial:           func(context.Context) (Relay, error) { return relay, nil },
		DocDebounce:    20 * time.Millisecond,
		CursorDebounce: 20 * time.Millisecond,
	})
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(ch.Unsubscribe)
	return ch
}

// TestDebounceCollapse checks that a burst of edits inside the quiet window
// produces exactly one outbound doc-change, carrying only the final content.
func TestDebounceCollapse(t *testing.T) {
	relay := newRecordingRelay()
	ch := newTestChannel(t, relay)

	for i := 0; i < 10; i++ {
		ch.BroadcastDocument(string(rune('a' + i)))
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(80 * time.Millisecond)

	got := relay.messages(commons.DocChangeMessage)
	if len(got) != 1 {
		t.Fatalf("got %d doc broadcasts, want 1", len(got))
	}
	if content := got[0].DocChange.Content; content != "j" {
		t.Errorf("got content %q, want %q (the final edit)", content, "j")
	}
	if author := got[0].DocChange.AuthorID; author != "self" {
		t.Errorf("got author %q, want %q", author, "self")
	}
}

// TestSelfFiltering checks that a broadcast authored by the local peer is
// never surfaced as an event and never lands in presence.
func TestSelfFiltering(t *testing.T) {
	relay := newRecordingRelay()
	ch := newTestChannel(t, relay)

	relay.events <- commons.Message{
		Type:      commons.DocChangeMessage,
		DocChange: &commons.DocChange{AuthorID: "self", Content: "own echo"},
	}
	relay.events <- commons.Message{
		Type: commons.CursorChangeMessage,
		CursorChange: &commons.CursorChange{
			UserID: "self", Position: commons.CursorPos{Line: 1, Column: 2},
		},
	}
	relay.events <- commons.Message{
		Type:      commons.OperationMessage,
		Operation: &ot.Operation{Kind: ot.Insert, Position: 0, Text: "x", AuthorID: "self"},
	}
	relay.events <- commons.Message{
		Type:     commons.PresenceJoinMessage,
		Presence: &commons.PresenceRecord{UserID: "self", Username: "me"},
	}
	// A marker from another peer proves the earlier messages were processed.
	relay.events <- commons.Message{
		Type:      commons.DocChangeMessage,
		DocChange: &commons.DocChange{AuthorID: "peer", Content: "marker"},
	}

	select {
	case ev := <-ch.Events():
		if ev.Kind != EventDocChange || ev.Doc.AuthorID != "peer" {
			t.Fatalf("got unexpected event %+v before the marker", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("marker event never arrived")
	}

	if got := ch.Presence().Remotes(); len(got) != 0 {
		t.Errorf("self leaked into presence: %+v", got)
	}
}

func TestPresenceSyncExcludesSelf(t *testing.T) {
	relay := newRecordingRelay()
	ch := newTestChannel(t, relay)

	relay.events <- commons.Message{
		Type: commons.PresenceSyncMessage,
		PresenceState: []commons.PresenceRecord{
			{UserID: "self", Username: "me"},
			{UserID: "bob", Username: "Bob"},
			{UserID: "alice", Username: "Alice"},
		},
	}

	waitEvent(t, ch, EventPresenceChange)

	got := ch.Presence().Remotes()
	if len(got) != 2 {
		t.Fatalf("got %d remotes, want 2: %+v", len(got), got)
	}
	// Remotes is sorted by user id.
	if got[0].UserID != "alice" || got[1].UserID != "bob" {
		t.Errorf("got %q, %q; want alice, bob", got[0].UserID, got[1].UserID)
	}
}

func TestPresenceLeaveRemovesImmediately(t *testing.T) {
	relay := newRecordingRelay()
	ch := newTestChannel(t, relay)

	relay.events <- commons.Message{
		Type:     commons.PresenceJoinMessage,
		Presence: &commons.PresenceRecord{UserID: "bob", Username: "Bob"},
	}
	waitEvent(t, ch, EventPresenceChange)

	relay.events <- commons.Message{Type: commons.PresenceLeaveMessage, UserID: "bob"}
	waitEvent(t, ch, EventPresenceChange)

	if got := ch.Presence().Remotes(); len(got) != 0 {
		t.Errorf("bob still present after leave: %+v", got)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	relay := newRecordingRelay()
	dials := 0
	ch := NewChannel(Config{
		SessionID: "s1",
		Self:      commons.PresenceRecord{UserID: "self"},
		Dial: func(context.Context) (Relay, error) {
			dials++
			return relay, nil
		},
	})
	t.Cleanup(ch.Unsubscribe)

	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if dials != 1 {
		t.Errorf("got %d dials, want 1 (repeat subscribe must be a no-op)", dials)
	}
}

func TestUnsubscribeClearsStateAndTimers(t *testing.T) {
	relay := newRecordingRelay()
	torndown := 0
	ch := NewChannel(Config{
		SessionID:   "s1",
		Self:        commons.PresenceRecord{UserID: "self"},
		Dial:        func(context.Context) (Relay, error) { return relay, nil },
		DocDebounce: 20 * time.Millisecond,
		OnTeardown:  func() { torndown++ },
	})
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	relay.events <- commons.Message{
		Type:     commons.PresenceJoinMessage,
		Presence: &commons.PresenceRecord{UserID: "bob"},
	}
	waitEvent(t, ch, EventPresenceChange)

	// A broadcast left pending at unsubscribe time must never fire.
	ch.BroadcastDocument("pending")
	ch.Unsubscribe()
	ch.Unsubscribe() // idempotent

	time.Sleep(60 * time.Millisecond)

	if got := relay.messages(commons.DocChangeMessage); len(got) != 0 {
		t.Errorf("debounced broadcast fired after teardown: %+v", got)
	}
	if got := ch.Presence().Remotes(); len(got) != 0 {
		t.Errorf("presence survived teardown: %+v", got)
	}
	if torndown != 1 {
		t.Errorf("teardown hook ran %d times, want 1", torndown)
	}
}

func TestDroppedRelaySignalsSession(t *testing.T) {
	relay := newRecordingRelay()
	ch := newTestChannel(t, relay)

	// Simulate the connection dying underneath the subscription.
	relay.Close()

	waitEvent(t, ch, EventDropped)
}

func waitEvent(t *testing.T, ch *Channel, kind EventKind) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

// TestDroppedStreamResubscribes covers recovery after the relay dies under a
// live channel: the drop clears the subscription and presence synchronously,
// so the next Subscribe dials a fresh relay instead of no-opping.
func TestDroppedStreamResubscribes(t *testing.T) {
	relays := []*recordingRelay{newRecordingRelay(), newRecordingRelay()}
	dials := 0
	ch := NewChannel(Config{
		SessionID: "s1",
		Self:      commons.PresenceRecord{UserID: "self", Username: "me", Color: "#fff"},
		Dial: func(context.Context) (Relay, error) {
			r := relays[dials]
			dials++
			return r, nil
		},
	})
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(ch.Unsubscribe)

	relays[0].events <- commons.Message{
		Type:     commons.PresenceJoinMessage,
		Presence: &commons.PresenceRecord{UserID: "peer", Username: "peer"},
	}
	waitEvent(t, ch, EventPresenceChange)

	relays[0].Close()
	waitEvent(t, ch, EventDropped)

	if got := ch.Presence().Remotes(); len(got) != 0 {
		t.Fatalf("presence still holds %d records after the stream dropped", len(got))
	}
	err := ch.BroadcastOperation(ot.Operation{Kind: ot.Insert, Text: "x", AuthorID: "self"})
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("broadcast while dropped returned %v, want ErrNotSubscribed", err)
	}

	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if dials != 2 {
		t.Fatalf("got %d dials, want 2", dials)
	}
	if got := relays[1].messages(commons.SubscribeMessage); len(got) != 1 {
		t.Fatalf("new relay got %d subscribe messages, want 1", len(got))
	}

	if err := ch.BroadcastOperation(ot.Operation{Kind: ot.Insert, Text: "x", AuthorID: "self"}); err != nil {
		t.Fatalf("broadcast after resubscribe: %v", err)
	}
	if got := relays[1].messages(commons.OperationMessage); len(got) != 1 {
		t.Fatalf("new relay got %d operations, want 1", len(got))
	}
}

// TestOperationBurstSurvivesFullBuffer checks that a burst larger than the
// event buffer back-pressures the relay reader instead of dropping edits.
func TestOperationBurstSurvivesFullBuffer(t *testing.T) {
	relay := newRecordingRelay()
	ch := newTestChannel(t, relay)

	const burst = 200
	go func() {
		for i := 0; i < burst; i++ {
			relay.events <- commons.Message{
				Type:      commons.OperationMessage,
				Operation: &ot.Operation{Kind: ot.Insert, Position: i, Text: "x", AuthorID: "peer", Timestamp: int64(i)},
			}
		}
	}()

	// Let the buffers fill up before draining.
	time.Sleep(50 * time.Millisecond)

	received := 0
	deadline := time.After(2 * time.Second)
	for received < burst {
		select {
		case ev := <-ch.Events():
			if ev.Kind != EventOperation {
				continue
			}
			if ev.Operation.Position != received {
				t.Fatalf("operation %d arrived at index %d", ev.Operation.Position, received)
			}
			received++
		case <-deadline:
			t.Fatalf("received %d of %d operations", received, burst)
		}
	}
}
