package ot

import "errors"

// Kind distinguishes the two operation types.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

var (
	ErrOutOfRange  = errors.New("operation out of range")
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Operation is an atomic edit against document text. Operations are immutable:
// Transform returns new values and never mutates its arguments.
type Operation struct {
	// Kind is either Insert or Delete.
	Kind Kind `json:"kind"`

	// Position is the rune-agnostic byte offset the operation targets.
	Position int `json:"position"`

	// Text is the inserted text. Only set for inserts.
	Text string `json:"text,omitempty"`

	// Length is the number of characters removed. Only set for deletes.
	Length int `json:"length,omitempty"`

	// AuthorID identifies the peer that issued the operation. It is also the
	// tie-breaker for concurrent inserts at the same position.
	AuthorID string `json:"authorId"`

	// Timestamp is a per-author monotonically increasing counter.
	Timestamp int64 `json:"timestamp"`
}

// Document is the authoritative local text plus its sync version. It is owned
// by the session; collaborators read and write through it, never around it.
type Document struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

// Apply splices op into content and returns the result. On a bounds violation
// it returns ErrOutOfRange and the content unchanged, never partial state.
func Apply(content string, op Operation) (string, error) {
	switch op.Kind {
	case Insert:
		if op.Position < 0 || op.Position > len(content) {
			return content, ErrOutOfRange
		}
		return content[:op.Position] + op.Text + content[op.Position:], nil
	case Delete:
		if op.Position < 0 || op.Position+op.Length > len(content) {
			return content, ErrOutOfRange
		}
		return content[:op.Position] + content[op.Position+op.Length:], nil
	}
	return content, ErrUnknownKind
}
