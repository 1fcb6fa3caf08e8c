// Package snapshot persists the full serialized state of each document,
// one row per canonical document id.
//
// Every write is an unconditional full-state upsert. Callers that may race
// with a newer state merge with the stored row first. Each row carries a
// BLAKE2b-256 checksum of its payload, verified on read.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/docsync/dbopen"
)

// Schema creates the snapshot table. Pass it to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
    document_id TEXT PRIMARY KEY,
    payload     BLOB NOT NULL,
    checksum    TEXT NOT NULL,
    size        INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_snapshots_updated ON document_snapshots(updated_at);
`

var (
	ErrNotFound = errors.New("snapshot: not found")
	ErrCorrupt  = errors.New("snapshot: checksum mismatch")
)

// Snapshot is one stored document state.
type Snapshot struct {
	DocumentID string
	Payload    []byte
	Checksum   string
	Size       int
	UpdatedAt  time.Time
}

// Store reads and writes snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// New returns a Store over db. The caller applies Schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Checksum returns the hex BLAKE2b-256 digest of payload.
func Checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Get returns the snapshot for id, ErrNotFound when none exists, or
// ErrCorrupt when the payload no longer matches its checksum.
func (s *Store) Get(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, payload, checksum, size, updated_at
		 FROM document_snapshots WHERE document_id = ?`, id,
	).Scan(&snap.DocumentID, &snap.Payload, &snap.Checksum, &snap.Size, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: get %s: %w", id, err)
	}
	if Checksum(snap.Payload) != snap.Checksum {
		return Snapshot{}, fmt.Errorf("%w: document %s", ErrCorrupt, id)
	}
	snap.UpdatedAt = time.UnixMilli(updatedAt)
	return snap, nil
}

// Stat returns snapshot metadata without the payload.
func (s *Store) Stat(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, checksum, size, updated_at
		 FROM document_snapshots WHERE document_id = ?`, id,
	).Scan(&snap.DocumentID, &snap.Checksum, &snap.Size, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: stat %s: %w", id, err)
	}
	snap.UpdatedAt = time.UnixMilli(updatedAt)
	return snap, nil
}

// Put replaces the full state of id. updatedAt is recorded as given, even
// when it is older than the stored row.
func (s *Store) Put(ctx context.Context, id string, payload []byte, updatedAt time.Time) error {
	if payload == nil {
		payload = []byte{}
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO document_snapshots (document_id, payload, checksum, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			payload    = excluded.payload,
			checksum   = excluded.checksum,
			size       = excluded.size,
			updated_at = excluded.updated_at`,
		id, payload, Checksum(payload), len(payload), updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("snapshot: put %s: %w", id, err)
	}
	return nil
}

// List returns metadata for the most recently updated snapshots.
func (s *Store) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, checksum, size, updated_at
		 FROM document_snapshots ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var updatedAt int64
		if err := rows.Scan(&snap.DocumentID, &snap.Checksum, &snap.Size, &updatedAt); err != nil {
			return nil, fmt.Errorf("snapshot: list scan: %w", err)
		}
		snap.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}
