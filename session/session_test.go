package session

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codepair/codepair/commons"
	"github.com/codepair/codepair/monitor"
	"github.com/codepair/codepair/ot"
	"github.com/codepair/codepair/persist"
	"github.com/codepair/codepair/sync"
)

// stubBackend is an in-memory persistence backend shared by test peers.
type stubBackend struct {
	mu        gosync.Mutex
	content   map[string]string
	snapshots map[string][]persist.Snapshot
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		content:   make(map[string]string),
		snapshots: make(map[string][]persist.Snapshot),
	}
}

func (b *stubBackend) document(sessionID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.content[sessionID]
	return content, ok
}

func (b *stubBackend) FetchDocument(_ context.Context, sessionID string) (ot.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.content[sessionID]
	if !ok {
		return ot.Document{}, persist.ErrNotFound
	}
	return ot.Document{Content: content}, nil
}

func (b *stubBackend) SaveDocument(_ context.Context, sessionID, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content[sessionID] = content
	return nil
}

func (b *stubBackend) CreateSnapshot(_ context.Context, sessionID, userID, content string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	version := 1
	if snaps := b.snapshots[sessionID]; len(snaps) > 0 {
		version = snaps[0].Version + 1
	}
	b.snapshots[sessionID] = append([]persist.Snapshot{{
		Version:  version,
		Content:  content,
		AuthorID: userID,
	}}, b.snapshots[sessionID]...)
	return version, nil
}

func (b *stubBackend) ListSnapshots(_ context.Context, sessionID string, limit int) ([]persist.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := b.snapshots[sessionID]
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

// scriptedRelay lets tests inject inbound traffic and fail operation
// publishes on demand.
type scriptedRelay struct {
	mu        gosync.Mutex
	failOps   bool
	published []commons.Message
	events    chan commons.Message
	closed    bool
}

func newScriptedRelay() *scriptedRelay {
	return &scriptedRelay{events: make(chan commons.Message, 64)}
}

func (r *scriptedRelay) setFailOps(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOps = fail
}

func (r *scriptedRelay) Publish(msg commons.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOps && msg.Type == commons.OperationMessage {
		return errors.New("relay unavailable")
	}
	r.published = append(r.published, msg)
	return nil
}

func (r *scriptedRelay) Events() <-chan commons.Message {
	return r.events
}

func (r *scriptedRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

func (r *scriptedRelay) inject(msg commons.Message) {
	r.events <- msg
}

func (r *scriptedRelay) operations() []ot.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ot.Operation
	for _, m := range r.published {
		if m.Type == commons.OperationMessage {
			out = append(out, *m.Operation)
		}
	}
	return out
}

type testPeer struct {
	session *Session
	mon     *monitor.Monitor
	backend *stubBackend
}

// neverAfter keeps the health-check timer from ever firing during a test.
func neverAfter(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func newTestPeer(t *testing.T, backend *stubBackend, user string, dial sync.Dialer) *testPeer {
	t.Helper()

	cache, err := persist.OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	co := persist.NewCoordinator(persist.CoordinatorConfig{
		SessionID:     "s1",
		UserID:        user,
		Backend:       backend,
		Cache:         cache,
		AutosaveDelay: 10 * time.Millisecond,
	})

	self := commons.PresenceRecord{UserID: user, Username: user, Color: "#abc"}
	ch := sync.NewChannel(sync.Config{
		SessionID:      "s1",
		Self:           self,
		Dial:           dial,
		DocDebounce:    10 * time.Millisecond,
		CursorDebounce: 10 * time.Millisecond,
	})

	mon := monitor.New(monitor.Config{
		Probe: func(context.Context) error { return nil },
		After: neverAfter,
	})

	s := New(Config{
		SessionID:   "s1",
		Self:        self,
		Channel:     ch,
		Monitor:     mon,
		Coordinator: co,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session for %s: %v", user, err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	return &testPeer{session: s, mon: mon, backend: backend}
}

func newBusPeer(t *testing.T, bus *sync.MemBus, backend *stubBackend, user string) *testPeer {
	t.Helper()
	return newTestPeer(t, backend, user, func(context.Context) (sync.Relay, error) {
		return bus.Join(), nil
	})
}

func waitFor(t *testing.T, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestEditsPropagateBetweenPeers(t *testing.T) {
	bus := sync.NewMemBus()
	backend := newStubBackend()

	alice := newBusPeer(t, bus, backend, "alice")
	bob := newBusPeer(t, bus, backend, "bob")

	alice.session.Insert(0, "hello")
	waitFor(t, func() bool { return bob.session.Content() == "hello" }, "bob to receive the insert")

	// Let the debounced snapshot of "hello" flush before bob edits, so it
	// cannot land after his change and roll it back.
	time.Sleep(50 * time.Millisecond)

	bob.session.Insert(5, " world")
	waitFor(t, func() bool { return alice.session.Content() == "hello world" }, "alice to receive bob's insert")
	waitFor(t, func() bool { return bob.session.Content() == "hello world" }, "bob to keep his own insert")

	if got := alice.session.Content(); got != bob.session.Content() {
		t.Fatalf("peers diverged: alice %q, bob %q", got, bob.session.Content())
	}
	if alice.session.Version() == 0 {
		t.Fatal("alice version never advanced")
	}
}

func TestDeletePropagates(t *testing.T) {
	bus := sync.NewMemBus()
	backend := newStubBackend()

	alice := newBusPeer(t, bus, backend, "alice")
	bob := newBusPeer(t, bus, backend, "bob")

	alice.session.Insert(0, "abcdef")
	waitFor(t, func() bool { return bob.session.Content() == "abcdef" }, "bob to receive the insert")
	time.Sleep(50 * time.Millisecond)

	alice.session.Delete(1, 3)
	waitFor(t, func() bool { return bob.session.Content() == "aef" }, "bob to receive the delete")
	if got := alice.session.Content(); got != "aef" {
		t.Fatalf("alice content = %q, want %q", got, "aef")
	}
}

func TestRemotePeerVisibleInPresence(t *testing.T) {
	bus := sync.NewMemBus()
	backend := newStubBackend()

	alice := newBusPeer(t, bus, backend, "alice")
	bob := newBusPeer(t, bus, backend, "bob")

	waitFor(t, func() bool {
		remotes := alice.session.RemoteCursors()
		return len(remotes) == 1 && remotes[0].UserID == "bob"
	}, "alice to see bob in presence")

	bob.session.MoveCursor(commons.CursorPos{Line: 2, Column: 7}, nil)
	waitFor(t, func() bool {
		remotes := alice.session.RemoteCursors()
		return len(remotes) == 1 && remotes[0].Cursor != nil && remotes[0].Cursor.Line == 2
	}, "bob's cursor to reach alice")
}

// TestRemoteOperationTransformsAgainstPending covers the concurrent-edit
// path: a remote insert arriving while a local insert is still unsent must
// be shifted past it, with the local author winning the position tie.
func TestRemoteOperationTransformsAgainstPending(t *testing.T) {
	backend := newStubBackend()
	relay := newScriptedRelay()
	peer := newTestPeer(t, backend, "alice", func(context.Context) (sync.Relay, error) {
		return relay, nil
	})

	relay.setFailOps(true)
	peer.session.Insert(0, "abc")
	waitFor(t, func() bool { return peer.session.Content() == "abc" }, "local insert to apply")

	relay.inject(commons.Message{
		Type:      commons.OperationMessage,
		SessionID: "s1",
		Operation: &ot.Operation{Kind: ot.Insert, Position: 0, Text: "xyz", AuthorID: "bob", Timestamp: 1},
	})
	waitFor(t, func() bool { return peer.session.Content() == "abcxyz" }, "remote insert to transform past the pending one")

	// Recovery replays the pending operation once the relay is back.
	relay.setFailOps(false)
	peer.mon.ForceReconnect()
	waitFor(t, func() bool { return len(relay.operations()) == 1 }, "pending operation replay")

	op := relay.operations()[0]
	if op.AuthorID != "alice" || op.Position != 0 || op.Text != "abc" {
		t.Fatalf("replayed operation = %+v, want alice insert %q at 0", op, "abc")
	}
}

func TestSnapshotIgnoredWhilePendingOps(t *testing.T) {
	backend := newStubBackend()
	relay := newScriptedRelay()
	peer := newTestPeer(t, backend, "alice", func(context.Context) (sync.Relay, error) {
		return relay, nil
	})

	relay.setFailOps(true)
	peer.session.Insert(0, "abc")
	waitFor(t, func() bool { return peer.session.Content() == "abc" }, "local insert to apply")

	relay.inject(commons.Message{
		Type:      commons.DocChangeMessage,
		SessionID: "s1",
		DocChange: &commons.DocChange{AuthorID: "bob", Content: "zzz", Timestamp: 2},
	})
	time.Sleep(50 * time.Millisecond)
	if got := peer.session.Content(); got != "abc" {
		t.Fatalf("snapshot overrode pending edits: content = %q, want %q", got, "abc")
	}

	// With nothing pending the snapshot topic is authoritative again.
	relay.setFailOps(false)
	peer.mon.ForceReconnect()
	waitFor(t, func() bool { return len(relay.operations()) == 1 }, "pending operation replay")

	relay.inject(commons.Message{
		Type:      commons.DocChangeMessage,
		SessionID: "s1",
		DocChange: &commons.DocChange{AuthorID: "bob", Content: "zzz", Timestamp: 3},
	})
	waitFor(t, func() bool { return peer.session.Content() == "zzz" }, "snapshot adoption after replay")
}

func TestRemoteChangeCallbackSeesConsistentSession(t *testing.T) {
	backend := newStubBackend()
	relay := newScriptedRelay()

	var (
		mu       gosync.Mutex
		callback []string
	)

	cache, err := persist.OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	self := commons.PresenceRecord{UserID: "alice", Username: "alice", Color: "#abc"}
	var s *Session
	s = New(Config{
		SessionID: "s1",
		Self:      self,
		Channel: sync.NewChannel(sync.Config{
			SessionID:   "s1",
			Self:        self,
			Dial:        func(context.Context) (sync.Relay, error) { return relay, nil },
			DocDebounce: 10 * time.Millisecond,
		}),
		Monitor: monitor.New(monitor.Config{
			Probe: func(context.Context) error { return nil },
			After: neverAfter,
		}),
		Coordinator: persist.NewCoordinator(persist.CoordinatorConfig{
			SessionID: "s1",
			UserID:    "alice",
			Backend:   backend,
			Cache:     cache,
		}),
		OnRemoteChange: func(content string) {
			// Reading back through the session must not deadlock.
			got := s.Content()
			mu.Lock()
			callback = append(callback, got)
			mu.Unlock()
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	relay.inject(commons.Message{
		Type:      commons.OperationMessage,
		SessionID: "s1",
		Operation: &ot.Operation{Kind: ot.Insert, Position: 0, Text: "remote", AuthorID: "bob", Timestamp: 1},
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(callback) == 1 && callback[0] == "remote"
	}, "remote-change callback")
}

func TestCloseFlushesFinalSave(t *testing.T) {
	bus := sync.NewMemBus()
	backend := newStubBackend()

	peer := newBusPeer(t, bus, backend, "alice")
	peer.session.Insert(0, "keep me")
	waitFor(t, func() bool { return peer.session.Content() == "keep me" }, "local insert to apply")

	if err := peer.session.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	content, ok := backend.document("s1")
	if !ok || content != "keep me" {
		t.Fatalf("backend content after close = %q (found=%v), want %q", content, ok, "keep me")
	}
	if !peer.session.Saved() {
		t.Fatal("session not marked saved after final flush")
	}

	// Close is idempotent.
	if err := peer.session.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseBeforeStartReturns(t *testing.T) {
	backend := newStubBackend()
	relay := newScriptedRelay()

	cache, err := persist.OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	self := commons.PresenceRecord{UserID: "alice"}
	s := New(Config{
		SessionID: "s1",
		Self:      self,
		Channel: sync.NewChannel(sync.Config{
			SessionID: "s1",
			Self:      self,
			Dial:      func(context.Context) (sync.Relay, error) { return relay, nil },
		}),
		Monitor: monitor.New(monitor.Config{
			Probe: func(context.Context) error { return nil },
			After: neverAfter,
		}),
		Coordinator: persist.NewCoordinator(persist.CoordinatorConfig{
			SessionID: "s1",
			UserID:    "alice",
			Backend:   backend,
			Cache:     cache,
		}),
	})

	done := make(chan error, 1)
	go func() { done <- s.Close(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close before start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close before start blocked")
	}
}

func TestLoadPicksUpExistingDocument(t *testing.T) {
	bus := sync.NewMemBus()
	backend := newStubBackend()
	backend.content["s1"] = "already here"

	peer := newBusPeer(t, bus, backend, "alice")
	if got := peer.session.Content(); got != "already here" {
		t.Fatalf("content after start = %q, want %q", got, "already here")
	}
}

// TestReplayedPendingOpsConvergeOnRemotePeer walks an offline burst: two
// local inserts held pending, a concurrent remote insert arriving between
// them, then reconnection. The replayed log, applied to the remote peer's
// view of the document, must reproduce the local content exactly.
func TestReplayedPendingOpsConvergeOnRemotePeer(t *testing.T) {
	backend := newStubBackend()
	backend.content["s1"] = "cc"
	relay := newScriptedRelay()
	peer := newTestPeer(t, backend, "alice", func(context.Context) (sync.Relay, error) {
		return relay, nil
	})
	if got := peer.session.Content(); got != "cc" {
		t.Fatalf("content after start = %q, want %q", got, "cc")
	}

	relay.setFailOps(true)
	peer.session.Insert(0, "AAAA")
	peer.session.Insert(2, "B")
	waitFor(t, func() bool { return peer.session.Content() == "AABAAcc" }, "local inserts to apply")

	// Concurrent remote edit issued against the shared base "cc".
	relay.inject(commons.Message{
		Type:      commons.OperationMessage,
		SessionID: "s1",
		Operation: &ot.Operation{Kind: ot.Insert, Position: 1, Text: "X", AuthorID: "bob", Timestamp: 1},
	})
	waitFor(t, func() bool { return peer.session.Content() == "AABAAcXc" }, "remote insert to merge")

	relay.setFailOps(false)
	peer.mon.ForceReconnect()
	waitFor(t, func() bool { return len(relay.operations()) == 2 }, "pending replay")

	// The remote peer holds "cXc" after its own insert; folding the
	// replayed log over it must converge with the local document.
	remoteDoc := "cXc"
	for _, op := range relay.operations() {
		next, err := ot.Apply(remoteDoc, op)
		if err != nil {
			t.Fatalf("replayed op %+v does not apply remotely: %v", op, err)
		}
		remoteDoc = next
	}
	if remoteDoc != peer.session.Content() {
		t.Fatalf("peers diverged: remote %q, local %q", remoteDoc, peer.session.Content())
	}
	if ops := relay.operations(); ops[1].Position != 2 {
		t.Fatalf("second replayed op at position %d, want 2", ops[1].Position)
	}
}

// TestRelayDropRedials covers the recovery loop end to end: the relay stream
// closing must surface through the monitor and end in a second dial, with
// later edits flowing over the new relay.
func TestRelayDropRedials(t *testing.T) {
	backend := newStubBackend()
	var dials int32
	relays := make(chan *scriptedRelay, 4)
	peer := newTestPeer(t, backend, "alice", func(context.Context) (sync.Relay, error) {
		r := newScriptedRelay()
		atomic.AddInt32(&dials, 1)
		relays <- r
		return r, nil
	})

	first := <-relays
	first.Close()

	waitFor(t, func() bool { return atomic.LoadInt32(&dials) == 2 }, "a second dial after the relay dropped")
	second := <-relays

	peer.session.Insert(0, "x")
	waitFor(t, func() bool { return len(second.operations()) == 1 }, "an operation on the new relay")
	if got := peer.session.Content(); got != "x" {
		t.Fatalf("content = %q, want %q", got, "x")
	}
}
