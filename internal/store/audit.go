package store

import "time"

// AppendAudit records an operator-facing action (node key rotation,
// manual member revocation via CLI) to node_audit_log — supplemented
// from the original implementation's audit trail, not present in the
// distilled data model.
func (s *Store) AppendAudit(action, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO node_audit_log (action, detail, created_at) VALUES (?, ?, ?)
	`, action, nullableString(detail), time.Now().Unix())
	return err
}

// AuditEntry is one node_audit_log row.
type AuditEntry struct {
	ID        int64
	Action    string
	Detail    string
	CreatedAt time.Time
}

// RecentAudit returns the most recent limit audit rows, newest first.
func (s *Store) RecentAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, action, detail, created_at FROM node_audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail *string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Action, &detail, &createdAt); err != nil {
			return nil, err
		}
		if detail != nil {
			e.Detail = *detail
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
