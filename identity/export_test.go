package identity

import "context"

// Count returns the number of identities stored for humanID.
func (s *SQLite) Count(ctx context.Context, humanID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_identities WHERE human_id = ?`, humanID).Scan(&n)
	return n, err
}
