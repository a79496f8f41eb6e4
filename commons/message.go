package commons

import "github.com/codepair/codepair/ot"

// Message represents the message sent over the wire between a peer and the
// relay. Exactly one payload field is set, selected by Type.
type Message struct {
	// Type represents the message type.
	Type MessageType `json:"type"`

	// SessionID addresses the logical channel the message belongs to.
	SessionID string `json:"sessionId"`

	// Presence carries a single peer's record for join/track messages.
	Presence *PresenceRecord `json:"presence,omitempty"`

	// PresenceState carries the full member list for sync messages.
	PresenceState []PresenceRecord `json:"presenceState,omitempty"`

	// UserID identifies the peer a presence-leave refers to.
	UserID string `json:"userId,omitempty"`

	// DocChange carries a whole-document snapshot broadcast.
	DocChange *DocChange `json:"docChange,omitempty"`

	// CursorChange carries a cursor/selection broadcast.
	CursorChange *CursorChange `json:"cursorChange,omitempty"`

	// Operation carries a single transformable edit.
	Operation *ot.Operation `json:"operation,omitempty"`
}

// MessageType represents the type of the message.
type MessageType string

// The protocol carries three presence events (sync, join, leave), two
// debounced broadcast topics (doc-change, cursor-change), one per-edit
// operation topic, and the subscribe/track control messages a peer sends
// on joining a channel.
const (
	PresenceSyncMessage  MessageType = "presence-sync"
	PresenceJoinMessage  MessageType = "presence-join"
	PresenceLeaveMessage MessageType = "presence-leave"
	DocChangeMessage     MessageType = "doc-change"
	CursorChangeMessage  MessageType = "cursor-change"
	OperationMessage     MessageType = "operation"
	SubscribeMessage     MessageType = "subscribe"
	TrackPresenceMessage MessageType = "track-presence"
)

// DocChange is a whole-document snapshot taken after the debounce window.
type DocChange struct {
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// CursorChange is a single peer's cursor movement.
type CursorChange struct {
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	Color     string     `json:"color"`
	Position  CursorPos  `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// CursorPos is a line/column pair as reported by the editor widget.
type CursorPos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is an editor selection range.
type Selection struct {
	StartLine int `json:"startLine"`
	StartCol  int `json:"startCol"`
	EndLine   int `json:"endLine"`
	EndCol    int `json:"endCol"`
}
