package commons

// PresenceRecord describes one connected peer: identity, display metadata,
// and its last broadcast cursor. One record exists per remote peer, keyed by
// UserID; the local peer never appears in its own presence view.
type PresenceRecord struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Color    string     `json:"color"`
	Cursor   *CursorPos `json:"cursor,omitempty"`

	// Selection accompanies Cursor when the peer has an active selection.
	Selection *Selection `json:"selection,omitempty"`

	// LastSeen is refreshed on every broadcast from the peer, unix millis.
	LastSeen int64 `json:"lastSeen"`
}
