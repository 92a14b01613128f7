package store

import (
	"database/sql"
	"time"
)

// OutboxEntry is one row of the monotone outbox queue (spec §3 Outbox).
type OutboxEntry struct {
	Seq          int64
	Op           string
	EventID      string
	TopicID      string
	Kind         int
	CreatedAt    time.Time
	EffectiveKey string
	Reason       string
}

// OutboxAfter returns up to limit entries with seq > afterSeq, ordered by
// seq ascending (spec §4.6: "monotonic ordered queue ... consumed by
// downstream workers").
func (s *Store) OutboxAfter(afterSeq int64, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT seq, op, event_id, topic_id, kind, created_at, effective_key, reason
		FROM events_outbox WHERE seq > ? ORDER BY seq ASC LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var createdAt int64
		var effectiveKey, reason *string
		if err := rows.Scan(&e.Seq, &e.Op, &e.EventID, &e.TopicID, &e.Kind, &createdAt, &effectiveKey, &reason); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		if effectiveKey != nil {
			e.EffectiveKey = *effectiveKey
		}
		if reason != nil {
			e.Reason = *reason
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxOutboxSeq returns the highest seq ever written, or 0 if the outbox
// is empty. Consumers use it alongside their cursor to report backlog
// depth.
func (s *Store) MaxOutboxSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM events_outbox`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CursorFor returns the last acknowledged seq for a named consumer (e.g.
// "trust:report_based", "trust:communication_density"), defaulting to 0
// for a consumer seen for the first time.
func (s *Store) CursorFor(consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT last_seq FROM outbox_cursors WHERE consumer = ?`, consumer).Scan(&seq)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

// AdvanceCursor upserts a consumer's cursor to seq. Consumers MUST only
// advance monotonically; callers are expected to pass the highest seq
// they have durably processed (at-least-once, idempotent handlers per
// spec §4.6).
func (s *Store) AdvanceCursor(consumer string, seq int64) error {
	_, err := s.db.Exec(`
		INSERT INTO outbox_cursors (consumer, last_seq) VALUES (?, ?)
		ON CONFLICT(consumer) DO UPDATE SET last_seq = excluded.last_seq WHERE excluded.last_seq > outbox_cursors.last_seq
	`, consumer, seq)
	return err
}
