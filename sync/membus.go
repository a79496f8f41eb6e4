package sync

import (
	"errors"
	gosync "sync"

	"github.com/codepair/codepair/commons"
)

// MemBus is an in-process relay: every subscriber receives every published
// message, including its own, and presence bookkeeping mirrors what the relay
// server does. It backs tests and single-machine sessions.
type MemBus struct {
	mu    gosync.Mutex
	peers []*memRelay
}

// NewMemBus returns an empty bus.
func NewMemBus() *MemBus {
	return &MemBus{}
}

// Join attaches a new subscriber to the bus.
func (b *MemBus) Join() Relay {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &memRelay{
		bus:    b,
		events: make(chan commons.Message, 256),
	}
	b.peers = append(b.peers, r)
	return r
}

func (b *MemBus) publish(from *memRelay, msg commons.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch msg.Type {
	case commons.SubscribeMessage:
		// Registration only; presence follows on track-presence.
		return

	case commons.TrackPresenceMessage:
		if msg.Presence != nil {
			from.presence = msg.Presence
		}
		b.broadcastLocked(commons.Message{
			Type:          commons.PresenceSyncMessage,
			SessionID:     msg.SessionID,
			PresenceState: b.presenceStateLocked(),
		})
		return
	}

	b.broadcastLocked(msg)
}

func (b *MemBus) presenceStateLocked() []commons.PresenceRecord {
	var state []commons.PresenceRecord
	for _, p := range b.peers {
		if p.presence != nil && !p.closed {
			state = append(state, *p.presence)
		}
	}
	return state
}

func (b *MemBus) broadcastLocked(msg commons.Message) {
	for _, p := range b.peers {
		if p.closed {
			continue
		}
		select {
		case p.events <- msg:
		default:
			// Slow subscriber: drop rather than deadlock the bus.
		}
	}
}

func (b *MemBus) leave(r *memRelay) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.events)

	if r.presence != nil {
		b.broadcastLocked(commons.Message{
			Type:   commons.PresenceLeaveMessage,
			UserID: r.presence.UserID,
		})
	}
}

type memRelay struct {
	bus      *MemBus
	events   chan commons.Message
	presence *commons.PresenceRecord
	closed   bool
}

func (r *memRelay) Publish(msg commons.Message) error {
	r.bus.mu.Lock()
	closed := r.closed
	r.bus.mu.Unlock()
	if closed {
		return errors.New("membus: relay closed")
	}

	r.bus.publish(r, msg)
	return nil
}

func (r *memRelay) Events() <-chan commons.Message {
	return r.events
}

func (r *memRelay) Close() error {
	r.bus.leave(r)
	return nil
}
