package sync

import (
	"sort"
	gosync "sync"

	"github.com/codepair/codepair/commons"
)

// Presence tracks the remote peers connected to a session, keyed by user id.
// The local peer is excluded at the single write path: a record that resolves
// to the local id is dropped, not stored, no matter where it came from.
type Presence struct {
	selfID string

	mu    gosync.RWMutex
	peers map[string]commons.PresenceRecord
}

// NewPresence returns an empty registry that will never hold selfID.
func NewPresence(selfID string) *Presence {
	return &Presence{
		selfID: selfID,
		peers:  make(map[string]commons.PresenceRecord),
	}
}

// set stores rec unless it belongs to the local peer. It reports whether the
// record was stored.
func (p *Presence) set(rec commons.PresenceRecord) bool {
	if rec.UserID == p.selfID {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[rec.UserID] = rec
	return true
}

// remove deletes a peer immediately. There is no grace period on leave.
func (p *Presence) remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, userID)
}

// replaceAll recomputes the whole remote list from a full presence-state
// event. Peers absent from recs are dropped.
func (p *Presence) replaceAll(recs []commons.PresenceRecord) {
	p.mu.Lock()
	p.peers = make(map[string]commons.PresenceRecord, len(recs))
	p.mu.Unlock()

	for _, rec := range recs {
		p.set(rec)
	}
}

// setCursor refreshes the cursor on an existing record, creating the record
// if the peer was not yet known.
func (p *Presence) setCursor(cur commons.CursorChange, seenAt int64) {
	pos := cur.Position
	p.set(commons.PresenceRecord{
		UserID:    cur.UserID,
		Username:  cur.Username,
		Color:     cur.Color,
		Cursor:    &pos,
		Selection: cur.Selection,
		LastSeen:  seenAt,
	})
}

// clear drops every record, used on unsubscribe.
func (p *Presence) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = make(map[string]commons.PresenceRecord)
}

// Remotes returns the remote peers ordered by user id, ready for rendering.
func (p *Presence) Remotes() []commons.PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]commons.PresenceRecord, 0, len(p.peers))
	for _, rec := range p.peers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
