package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codepair/codepair/ot"
	"github.com/codepair/codepair/persist"
)

var errNoDocument = errors.New("no document for session")

// docStore persists live documents and their snapshot history in Postgres.
//
// Schema:
//
//	documents(session_id text primary key, content text, version int, updated_at timestamptz)
//	snapshots(session_id text, version int, content text, author_id text, created_at timestamptz,
//	          primary key (session_id, version))
type docStore struct {
	pool *pgxpool.Pool
}

func newDocStore(pool *pgxpool.Pool) *docStore {
	return &docStore{pool: pool}
}

func (s *docStore) fetchDocument(ctx context.Context, sessionID string) (ot.Document, error) {
	var doc ot.Document
	err := s.pool.QueryRow(ctx,
		`SELECT content, version FROM documents WHERE session_id = $1`,
		sessionID,
	).Scan(&doc.Content, &doc.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ot.Document{}, errNoDocument
	}
	if err != nil {
		return ot.Document{}, fmt.Errorf("fetch document: %w", err)
	}
	return doc, nil
}

func (s *docStore) saveDocument(ctx context.Context, sessionID, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (session_id, content, version, updated_at)
		 VALUES ($1, $2, 1, now())
		 ON CONFLICT (session_id)
		 DO UPDATE SET content = $2, version = documents.version + 1, updated_at = now()`,
		sessionID, content,
	)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// createSnapshot assigns the next version for the session inside one
// transaction, so concurrent snapshotters never collide.
func (s *docStore) createSnapshot(ctx context.Context, sessionID, authorID, content string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx,
		`INSERT INTO snapshots (session_id, version, content, author_id, created_at)
		 SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, now()
		 FROM snapshots WHERE session_id = $1
		 RETURNING version`,
		sessionID, content, authorID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	return version, nil
}

func (s *docStore) listSnapshots(ctx context.Context, sessionID string, limit int) ([]persist.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, content, author_id, created_at
		 FROM snapshots WHERE session_id = $1
		 ORDER BY version DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []persist.Snapshot{}
	for rows.Next() {
		var snap persist.Snapshot
		if err := rows.Scan(&snap.Version, &snap.Content, &snap.AuthorID, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
