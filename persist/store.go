package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codepair/codepair/ot"
)

// ErrNotFound reports that the backend holds no document for the session.
var ErrNotFound = errors.New("document not found")

// Snapshot is an immutable, versioned copy of document content, distinct
// from the live document.
type Snapshot struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Backend is the session/document persistence collaborator.
type Backend interface {
	// FetchDocument returns the stored document for a session.
	FetchDocument(ctx context.Context, sessionID string) (ot.Document, error)

	// SaveDocument replaces the live document content.
	SaveDocument(ctx context.Context, sessionID, content string) error

	// CreateSnapshot persists a versioned copy and returns the assigned
	// version. Versions are strictly increasing per session.
	CreateSnapshot(ctx context.Context, sessionID, userID, content string) (int, error)

	// ListSnapshots returns up to limit snapshots, newest version first.
	ListSnapshots(ctx context.Context, sessionID string, limit int) ([]Snapshot, error)
}

// APIBackend talks to the codepair server's document API over HTTP.
type APIBackend struct {
	base   string
	client *http.Client
}

// NewAPIBackend builds a backend client for the server at base, e.g.
// "http://localhost:8080".
func NewAPIBackend(base string, client *http.Client) *APIBackend {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIBackend{base: base, client: client}
}

func (b *APIBackend) FetchDocument(ctx context.Context, sessionID string) (ot.Document, error) {
	var doc ot.Document
	err := b.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(sessionID), nil, &doc)
	return doc, err
}

func (b *APIBackend) SaveDocument(ctx context.Context, sessionID, content string) error {
	body := map[string]string{"content": content}
	return b.do(ctx, http.MethodPut, "/api/documents/"+url.PathEscape(sessionID), body, nil)
}

func (b *APIBackend) CreateSnapshot(ctx context.Context, sessionID, userID, content string) (int, error) {
	body := map[string]string{
		"sessionId": sessionID,
		"userId":    userID,
		"content":   content,
	}
	var out struct {
		Version int `json:"version"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/snapshots", body, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func (b *APIBackend) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("limit", strconv.Itoa(limit))

	var out []Snapshot
	err := b.do(ctx, http.MethodGet, "/api/snapshots?"+q.Encode(), nil, &out)
	return out, err
}

func (b *APIBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
