package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/docsync/dbopen"
	"github.com/hazyhaar/docsync/idgen"
)

// Schema creates the identity table. human_id is UNIQUE so concurrent
// creations of the same name surface as ErrDuplicate.
const Schema = `
CREATE TABLE IF NOT EXISTS document_identities (
    canonical_id TEXT PRIMARY KEY,
    human_id     TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    created_at   INTEGER NOT NULL
);
`

// Identity maps a human-readable document name to its canonical id.
type Identity struct {
	CanonicalID string
	HumanID     string
	DisplayName string
	CreatedAt   time.Time
}

// Store is the persistent identity table.
type Store interface {
	// FindByHumanID returns ErrNotFound when no identity exists.
	FindByHumanID(ctx context.Context, humanID string) (Identity, error)
	// Create mints a new canonical id. It returns ErrDuplicate when humanID
	// already exists, distinct from any other failure.
	Create(ctx context.Context, humanID, displayName string) (Identity, error)
}

// SQLite is the Store backed by the document_identities table.
type SQLite struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// SQLiteOption customises a SQLite store.
type SQLiteOption func(*SQLite)

// WithIDGenerator overrides the canonical id generator (default UUIDv7).
func WithIDGenerator(gen idgen.Generator) SQLiteOption {
	return func(s *SQLite) { s.newID = gen }
}

// NewSQLite returns a Store over db. The caller applies Schema.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) *SQLite {
	s := &SQLite{db: db, newID: idgen.Default, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FindByHumanID implements Store.
func (s *SQLite) FindByHumanID(ctx context.Context, humanID string) (Identity, error) {
	var idn Identity
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_id, human_id, display_name, created_at
		 FROM document_identities WHERE human_id = ?`, humanID,
	).Scan(&idn.CanonicalID, &idn.HumanID, &idn.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: find %q: %w", humanID, err)
	}
	idn.CreatedAt = time.UnixMilli(createdAt)
	return idn, nil
}

// Create implements Store.
func (s *SQLite) Create(ctx context.Context, humanID, displayName string) (Identity, error) {
	idn := Identity{
		CanonicalID: s.newID(),
		HumanID:     humanID,
		DisplayName: displayName,
		CreatedAt:   time.UnixMilli(s.now().UnixMilli()),
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO document_identities (canonical_id, human_id, display_name, created_at)
		 VALUES (?, ?, ?, ?)`,
		idn.CanonicalID, idn.HumanID, idn.DisplayName, idn.CreatedAt.UnixMilli(),
	)
	if dbopen.IsUniqueViolation(err) {
		return Identity{}, fmt.Errorf("%w: %q", ErrDuplicate, humanID)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: create %q: %w", humanID, err)
	}
	return idn, nil
}
