package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codepair/codepair/commons"
	"github.com/codepair/codepair/ot"
)

const (
	// DefaultDocDebounce is the quiet window for document broadcasts.
	DefaultDocDebounce = 100 * time.Millisecond

	// DefaultCursorDebounce is the quiet window for cursor broadcasts.
	DefaultCursorDebounce = 200 * time.Millisecond
)

// EventKind discriminates the events a channel hands to its session.
type EventKind int

const (
	// EventOperation is a remote transformable edit.
	EventOperation EventKind = iota

	// EventDocChange is a remote whole-document snapshot.
	EventDocChange

	// EventCursorChange is a remote cursor movement.
	EventCursorChange

	// EventPresenceChange signals that the remote peer list changed.
	EventPresenceChange

	// EventDropped signals that the relay connection went away mid-session.
	EventDropped
)

// Event is one inbound occurrence on the channel, already self-filtered.
type Event struct {
	Kind      EventKind
	Operation *ot.Operation
	Doc       *commons.DocChange
	Cursor    *commons.CursorChange
}

// Config carries the per-session wiring for a Channel.
type Config struct {
	SessionID string

	// Self is the local peer's identity and display metadata. Its cursor is
	// omitted from presence until the first cursor broadcast.
	Self commons.PresenceRecord

	// Dial opens a fresh relay subscription. Called on every Subscribe.
	Dial Dialer

	// DocDebounce and CursorDebounce override the topic quiet windows.
	DocDebounce    time.Duration
	CursorDebounce time.Duration

	// OnTeardown runs synchronously inside Unsubscribe, after presence is
	// cleared. The session uses it to drop the connection state.
	OnTeardown func()

	Logger *logrus.Logger

	// Now returns unix milliseconds. Tests substitute a fake clock.
	Now func() int64
}

// Channel manages one logical real-time channel per session: presence
// membership plus the operation, doc-change, and cursor-change topics.
type Channel struct {
	cfg      Config
	presence *Presence
	docDeb   *debouncer
	curDeb   *debouncer
	events   chan Event
	log      *logrus.Logger

	mu         gosync.Mutex
	relay      Relay
	subscribed bool
	generation int
	stop       chan struct{}
	lastCursor *commons.CursorPos
	lastSel    *commons.Selection
}

// ErrNotSubscribed reports a publish on a channel with no live relay, either
// before Subscribe or after the connection dropped.
var ErrNotSubscribed = errors.New("channel not subscribed")

// NewChannel builds a channel from cfg, filling in defaults.
func NewChannel(cfg Config) *Channel {
	if cfg.DocDebounce <= 0 {
		cfg.DocDebounce = DefaultDocDebounce
	}
	if cfg.CursorDebounce <= 0 {
		cfg.CursorDebounce = DefaultCursorDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixMilli() }
	}

	return &Channel{
		cfg:      cfg,
		presence: NewPresence(cfg.Self.UserID),
		docDeb:   newDebouncer(cfg.DocDebounce),
		curDeb:   newDebouncer(cfg.CursorDebounce),
		events:   make(chan Event, 64),
		log:      cfg.Logger,
	}
}

// Subscribe dials the relay, announces presence, and starts dispatching
// inbound events. Subscribing an already-active channel is a no-op.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	relay, err := c.cfg.Dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.subscribed {
		// Lost the race with a concurrent Subscribe; keep the first relay.
		c.mu.Unlock()
		relay.Close()
		return nil
	}
	c.relay = relay
	c.subscribed = true
	c.generation++
	c.stop = make(chan struct{})
	gen := c.generation
	self := c.trackRecordLocked()
	c.mu.Unlock()

	c.docDeb.Reset()
	c.curDeb.Reset()

	if err := relay.Publish(commons.Message{Type: commons.SubscribeMessage, SessionID: c.cfg.SessionID}); err != nil {
		c.Unsubscribe()
		return err
	}
	if err := relay.Publish(commons.Message{Type: commons.TrackPresenceMessage, SessionID: c.cfg.SessionID, Presence: &self}); err != nil {
		c.Unsubscribe()
		return err
	}

	go c.dispatch(relay, gen)

	c.log.Infof("subscribed to session %s as %s", c.cfg.SessionID, c.cfg.Self.UserID)
	return nil
}

// trackRecordLocked returns the presence record to announce: identity plus
// the last broadcast cursor, if there has been one.
func (c *Channel) trackRecordLocked() commons.PresenceRecord {
	self := c.cfg.Self
	self.Cursor = c.lastCursor
	self.Selection = c.lastSel
	self.LastSeen = c.cfg.Now()
	return self
}

// Unsubscribe tears the channel down: pending debounce timers are stopped,
// presence is cleared synchronously, and the teardown hook runs. Repeated
// calls are no-ops.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = false
	relay := c.relay
	c.relay = nil
	close(c.stop)
	c.mu.Unlock()

	c.docDeb.Stop()
	c.curDeb.Stop()
	if relay != nil {
		relay.Close()
	}
	c.presence.clear()

	if c.cfg.OnTeardown != nil {
		c.cfg.OnTeardown()
	}

	c.log.Infof("unsubscribed from session %s", c.cfg.SessionID)
}

// Events returns the channel's inbound event stream. The stream survives
// re-subscription, so the session selects on it exactly once.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Presence exposes the remote peer registry, read-only for rendering.
func (c *Channel) Presence() *Presence {
	return c.presence
}

// BroadcastOperation publishes a single edit immediately; operations are not
// debounced so issuance order is preserved on the wire.
func (c *Channel) BroadcastOperation(op ot.Operation) error {
	c.mu.Lock()
	relay := c.relay
	c.mu.Unlock()
	if relay == nil {
		return ErrNotSubscribed
	}
	return relay.Publish(commons.Message{
		Type:      commons.OperationMessage,
		SessionID: c.cfg.SessionID,
		Operation: &op,
	})
}

// BroadcastDocument schedules a whole-document snapshot broadcast. Within
// the quiet window only the last call survives.
func (c *Channel) BroadcastDocument(content string) {
	c.docDeb.Call(func() {
		c.mu.Lock()
		relay := c.relay
		c.mu.Unlock()
		if relay == nil {
			return
		}
		err := relay.Publish(commons.Message{
			Type:      commons.DocChangeMessage,
			SessionID: c.cfg.SessionID,
			DocChange: &commons.DocChange{
				AuthorID:  c.cfg.Self.UserID,
				Content:   content,
				Timestamp: c.cfg.Now(),
			},
		})
		if err != nil {
			c.log.Errorf("doc broadcast failed: %v", err)
		}
	})
}

// BroadcastCursor schedules a cursor broadcast and records the cursor so
// future presence announcements include it.
func (c *Channel) BroadcastCursor(pos commons.CursorPos, sel *commons.Selection) {
	c.mu.Lock()
	p := pos
	c.lastCursor = &p
	c.lastSel = sel
	c.mu.Unlock()

	c.curDeb.Call(func() {
		c.mu.Lock()
		relay := c.relay
		c.mu.Unlock()
		if relay == nil {
			return
		}
		err := relay.Publish(commons.Message{
			Type:      commons.CursorChangeMessage,
			SessionID: c.cfg.SessionID,
			CursorChange: &commons.CursorChange{
				UserID:    c.cfg.Self.UserID,
				Username:  c.cfg.Self.Username,
				Color:     c.cfg.Self.Color,
				Position:  pos,
				Selection: sel,
			},
		})
		if err != nil {
			c.log.Errorf("cursor broadcast failed: %v", err)
		}
	})
}

// dispatch translates raw relay messages into self-filtered channel events
// until the relay's stream closes.
func (c *Channel) dispatch(relay Relay, gen int) {
	for msg := range relay.Events() {
		c.handle(msg)
	}

	// The stream closing on the current generation means the connection went
	// away underneath us, not that Unsubscribe was called. Tear the
	// subscription down so the next Subscribe re-dials.
	if c.dropCurrent(gen) {
		c.emit(Event{Kind: EventDropped})
	}
}

// dropCurrent marks the channel unsubscribed after generation gen's stream
// closed. It reports false when the stream was already superseded.
func (c *Channel) dropCurrent(gen int) bool {
	c.mu.Lock()
	if !c.subscribed || c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.subscribed = false
	c.relay = nil
	close(c.stop)
	c.mu.Unlock()

	c.docDeb.Stop()
	c.curDeb.Stop()
	c.presence.clear()

	if c.cfg.OnTeardown != nil {
		c.cfg.OnTeardown()
	}

	c.log.Warnf("relay stream for session %s closed, channel needs a new subscribe", c.cfg.SessionID)
	return true
}

func (c *Channel) handle(msg commons.Message) {
	selfID := c.cfg.Self.UserID

	switch msg.Type {
	case commons.PresenceSyncMessage:
		c.presence.replaceAll(msg.PresenceState)
		c.emit(Event{Kind: EventPresenceChange})

	case commons.PresenceJoinMessage:
		if msg.Presence == nil {
			return
		}
		if c.presence.set(*msg.Presence) {
			c.emit(Event{Kind: EventPresenceChange})
		}

	case commons.PresenceLeaveMessage:
		c.presence.remove(msg.UserID)
		c.emit(Event{Kind: EventPresenceChange})

	case commons.DocChangeMessage:
		if msg.DocChange == nil || msg.DocChange.AuthorID == selfID {
			return
		}
		c.emit(Event{Kind: EventDocChange, Doc: msg.DocChange})

	case commons.CursorChangeMessage:
		if msg.CursorChange == nil || msg.CursorChange.UserID == selfID {
			return
		}
		c.presence.setCursor(*msg.CursorChange, c.cfg.Now())
		c.emit(Event{Kind: EventCursorChange, Cursor: msg.CursorChange})

	case commons.OperationMessage:
		if msg.Operation == nil || msg.Operation.AuthorID == selfID {
			return
		}
		c.emit(Event{Kind: EventOperation, Operation: msg.Operation})
	}
}

func (c *Channel) emit(ev Event) {
	switch ev.Kind {
	case EventOperation, EventDocChange:
		// Edits are never dropped; a full buffer back-pressures the relay
		// read loop until the session drains. Teardown closes stop so a
		// blocked emit cannot outlive the subscription.
		c.mu.Lock()
		stop := c.stop
		c.mu.Unlock()
		select {
		case c.events <- ev:
		case <-stop:
		}
	default:
		select {
		case c.events <- ev:
		default:
			c.log.Warnf("event buffer full, dropping %v event", ev.Kind)
		}
	}
}
