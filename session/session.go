package session

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codepair/codepair/commons"
	"github.com/codepair/codepair/monitor"
	"github.com/codepair/codepair/ot"
	"github.com/codepair/codepair/persist"
	"github.com/codepair/codepair/sync"
)

// DefaultFinalSaveTimeout bounds the forced save that gates teardown.
const DefaultFinalSaveTimeout = 5 * time.Second

// Config wires one collaborative session together.
type Config struct {
	SessionID string

	// Self is the local peer's identity; Self.UserID is the author id on
	// every operation this session issues.
	Self commons.PresenceRecord

	Channel     *sync.Channel
	Monitor     *monitor.Monitor
	Coordinator *persist.Coordinator

	// OnRemoteChange, when set, is called with the new authoritative content
	// after a remote edit lands. The editor widget redraws from it.
	OnRemoteChange func(content string)

	// FinalSaveTimeout bounds the teardown flush when Close's context has no
	// deadline of its own.
	FinalSaveTimeout time.Duration

	Logger *logrus.Logger
}

// Session is the per-peer synchronization actor. All document and pending-log
// mutation happens on its single event loop goroutine; the editor-facing
// methods only enqueue events, so no handler ever runs concurrently with
// another for the same session.
type Session struct {
	cfg Config
	log *logrus.Logger

	mu      gosync.RWMutex
	doc     ot.Document
	pending ot.PendingLog
	lastTS  int64

	edits   chan ot.Operation
	cursors chan cursorMove
	done    chan struct{}
	loopEnd chan struct{}
	closed  gosync.Once
	running bool
}

type cursorMove struct {
	pos commons.CursorPos
	sel *commons.Selection
}

// New builds a session around its collaborators.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.FinalSaveTimeout <= 0 {
		cfg.FinalSaveTimeout = DefaultFinalSaveTimeout
	}

	return &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		edits:   make(chan ot.Operation, 64),
		cursors: make(chan cursorMove, 64),
		done:    make(chan struct{}),
		loopEnd: make(chan struct{}),
	}
}

// Start loads the document, subscribes to the relay, and launches the event
// loop. The document comes from the backend, or the local cache if the
// backend is unreachable; a session that exists nowhere starts empty.
func (s *Session) Start(ctx context.Context) error {
	content, err := s.cfg.Coordinator.Load(ctx)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("load document: %w", err)
	}

	s.mu.Lock()
	s.doc = ot.Document{Content: content}
	s.mu.Unlock()

	if err := s.cfg.Channel.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.cfg.Monitor.Start()
	s.cfg.Monitor.MarkConnected()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.run()
	return nil
}

// Insert enqueues a local insert from the editor.
func (s *Session) Insert(position int, text string) {
	s.enqueue(ot.Operation{
		Kind:     ot.Insert,
		Position: position,
		Text:     text,
		AuthorID: s.cfg.Self.UserID,
	})
}

// Delete enqueues a local delete from the editor.
func (s *Session) Delete(position, length int) {
	s.enqueue(ot.Operation{
		Kind:     ot.Delete,
		Position: position,
		Length:   length,
		AuthorID: s.cfg.Self.UserID,
	})
}

func (s *Session) enqueue(op ot.Operation) {
	select {
	case s.edits <- op:
	case <-s.done:
	}
}

// MoveCursor reports the local cursor to the channel, which debounces the
// broadcast.
func (s *Session) MoveCursor(pos commons.CursorPos, sel *commons.Selection) {
	select {
	case s.cursors <- cursorMove{pos: pos, sel: sel}:
	case <-s.done:
	}
}

// Content returns the authoritative local document text.
func (s *Session) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Content
}

// Version returns the local document version counter.
func (s *Session) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Version
}

// RemoteCursors returns the remote peers and their cursors for rendering.
func (s *Session) RemoteCursors() []commons.PresenceRecord {
	return s.cfg.Channel.Presence().Remotes()
}

// Status returns the current connection state.
func (s *Session) Status() monitor.State {
	return s.cfg.Monitor.State()
}

// Saved reports whether the current content has reached the backend.
func (s *Session) Saved() bool {
	return s.cfg.Coordinator.IsSaved(s.Content())
}

// Close tears the session down in unmount order: cancel timers, flush the
// final save bounded by ctx, then clear channel state and stop supervision.
func (s *Session) Close(ctx context.Context) error {
	var flushErr error
	s.closed.Do(func() {
		close(s.done)

		s.mu.RLock()
		running := s.running
		s.mu.RUnlock()
		if running {
			<-s.loopEnd
		}

		s.cfg.Coordinator.Close()

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.FinalSaveTimeout)
			defer cancel()
		}
		flushErr = s.cfg.Coordinator.FlushFinal(ctx, s.Content())

		s.cfg.Channel.Unsubscribe()
		s.cfg.Monitor.Stop()
	})
	return flushErr
}

// run is the session's event loop. It is the only goroutine that touches the
// document and the pending log.
func (s *Session) run() {
	defer close(s.loopEnd)

	for {
		select {
		case <-s.done:
			return
		case op := <-s.edits:
			s.handleLocalEdit(op)
		case cur := <-s.cursors:
			s.cfg.Channel.BroadcastCursor(cur.pos, cur.sel)
		case ev := <-s.cfg.Channel.Events():
			s.handleChannelEvent(ev)
		case st := <-s.cfg.Monitor.Updates():
			s.handleMonitorState(st)
		}
	}
}

// handleLocalEdit applies a local operation, records it as pending, and
// broadcasts it. A malformed operation is rejected at the boundary: the
// document and pending log keep their prior state.
func (s *Session) handleLocalEdit(op ot.Operation) {
	op.Timestamp = s.nextTimestamp()

	s.mu.Lock()
	next, err := ot.Apply(s.doc.Content, op)
	if err != nil {
		s.mu.Unlock()
		s.log.Errorf("rejecting local operation %+v: %v", op, err)
		return
	}
	s.doc.Content = next
	s.doc.Version++
	s.pending.Append(op)
	pending := s.pending.Ops()
	version := s.doc.Version
	s.mu.Unlock()

	// Flush the whole log in issuance order; an op kept pending by an
	// earlier failed broadcast goes out before this one.
	if s.broadcastAll(pending) {
		s.mu.Lock()
		s.pending.Clear(version)
		s.mu.Unlock()
	}

	s.cfg.Channel.BroadcastDocument(next)
	s.cfg.Coordinator.DocumentChanged(next)
}

// broadcastAll publishes ops in order, reporting whether every publish
// succeeded. On failure the log is left intact for the reconnect replay.
func (s *Session) broadcastAll(ops []ot.Operation) bool {
	for _, op := range ops {
		if err := s.cfg.Channel.BroadcastOperation(op); err != nil {
			s.log.Warnf("operation broadcast failed, kept pending: %v", err)
			return false
		}
	}
	return true
}

func (s *Session) handleChannelEvent(ev sync.Event) {
	switch ev.Kind {
	case sync.EventOperation:
		s.applyRemoteOperation(*ev.Operation)

	case sync.EventDocChange:
		s.applyRemoteSnapshot(*ev.Doc)

	case sync.EventCursorChange, sync.EventPresenceChange:
		// Presence registry is already up to date; renderers pull from it.

	case sync.EventDropped:
		s.log.Warn("relay connection dropped")
		s.cfg.Monitor.ForceReconnect()
	}
}

// applyRemoteOperation merges a concurrent remote edit. The pending log is a
// ladder: each pending op lives in the coordinate space produced by the ones
// before it, so the remote op is carried forward through the log step by
// step, rebasing each pending op against the remote as seen at its rung.
// The fully carried remote is what applies to the local document.
func (s *Session) applyRemoteOperation(remote ot.Operation) {
	s.mu.Lock()

	pending := s.pending.Ops()
	rebased := make([]ot.Operation, len(pending))
	merged := remote
	for i, op := range pending {
		rebased[i] = ot.Transform(op, merged)
		merged = ot.Transform(merged, op)
	}

	next, err := ot.Apply(s.doc.Content, merged)
	if err != nil {
		s.mu.Unlock()
		s.log.Errorf("rejecting remote operation %+v: %v", merged, err)
		return
	}

	s.pending.Rebase(rebased)

	s.doc.Content = next
	s.doc.Version++
	s.mu.Unlock()

	s.notifyRemoteChange(next)
	s.cfg.Coordinator.DocumentChanged(next)
}

// applyRemoteSnapshot handles the whole-document resync topic. Snapshots are
// last-writer-wins, so one only lands when nothing is pending locally;
// otherwise the operation stream is left to converge on its own.
func (s *Session) applyRemoteSnapshot(doc commons.DocChange) {
	s.mu.Lock()

	if s.pending.Len() > 0 {
		s.mu.Unlock()
		s.log.Debugf("ignoring snapshot from %s, %d local ops pending", doc.AuthorID, s.pending.Len())
		return
	}
	if doc.Content == s.doc.Content {
		s.mu.Unlock()
		return
	}

	s.doc.Content = doc.Content
	s.doc.Version++
	s.mu.Unlock()

	s.notifyRemoteChange(doc.Content)
	s.cfg.Coordinator.DocumentChanged(doc.Content)
}

// handleMonitorState reacts to connectivity transitions. Regaining the
// connection re-subscribes the channel, replays anything pending, and
// reconciles against the local cache.
func (s *Session) handleMonitorState(st monitor.State) {
	switch st.Kind {
	case monitor.Connected:
		s.onReconnected()

	case monitor.Disconnected:
		if st.Terminal {
			s.log.Error("reconnection attempts exhausted; manual retry required")
		}

	case monitor.Reconnecting:
		s.log.Infof("reconnecting, attempt %d", st.Attempt)
	}
}

func (s *Session) onReconnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.cfg.Channel.Subscribe(ctx); err != nil {
		s.log.Errorf("re-subscribe failed: %v", err)
		s.cfg.Monitor.ForceReconnect()
		return
	}

	// Replay edits issued while offline.
	s.mu.Lock()
	pending := s.pending.Ops()
	version := s.doc.Version
	s.mu.Unlock()

	replayed := true
	for _, op := range pending {
		if err := s.cfg.Channel.BroadcastOperation(op); err != nil {
			s.log.Warnf("pending replay failed: %v", err)
			replayed = false
			break
		}
	}
	if replayed && len(pending) > 0 {
		s.mu.Lock()
		s.pending.Clear(version)
		s.mu.Unlock()
	}

	adopted, changed := s.cfg.Coordinator.Reconcile(ctx, s.Content())
	if changed {
		s.mu.Lock()
		s.doc.Content = adopted
		s.doc.Version++
		s.mu.Unlock()

		s.notifyRemoteChange(adopted)
		s.cfg.Channel.BroadcastDocument(adopted)
		s.cfg.Coordinator.DocumentChanged(adopted)
	}
}

func (s *Session) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// notifyRemoteChange runs the editor callback. It is always called with the
// session lock released, so the callback may read back through the session.
func (s *Session) notifyRemoteChange(content string) {
	if s.cfg.OnRemoteChange != nil {
		s.cfg.OnRemoteChange(content)
	}
}
