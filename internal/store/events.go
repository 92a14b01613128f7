package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
)

// ErrDuplicateEvent is returned by InsertEvent when the event id already
// exists (spec §4.2: "insert StoredEvent (conflict on id -> duplicate
// branch)").
var ErrDuplicateEvent = errors.New("duplicate event id")

// StoredEvent mirrors spec §3's StoredEvent: the signed event plus the
// node-local lifecycle fields.
type StoredEvent struct {
	Event          kipevent.SignedEvent
	IngestedAt     time.Time
	IsCurrent      bool
	IsDeleted      bool
	IsEphemeral    bool
	ReplaceableKey string
	AddressableKey string
	ExpiresAt      *int64
}

// InsertEventParams bundles everything C2 persists atomically in one
// ingest transaction.
type InsertEventParams struct {
	Event          *kipevent.SignedEvent
	TopicIDs       []string
	ReplaceableKey string
	AddressableKey string
	IsEphemeral    bool
	ExpiresAt      *int64
	OutboxOp       string // "upsert" or "delete"
	OutboxReason   string
}

// InsertEvent persists a validated event, its topic links, and an outbox
// row inside a single transaction (spec §4.2). If an event with the same
// id already exists, it returns ErrDuplicateEvent and makes no changes.
// When replaceableKey or addressableKey is set, any prior current event
// sharing that key is marked superseded (is_current = 0) first.
func (s *Store) InsertEvent(p InsertEventParams) (seq int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if scanErr := tx.QueryRow(`SELECT 1 FROM events WHERE id = ?`, p.Event.ID).Scan(&exists); scanErr == nil {
		return 0, ErrDuplicateEvent
	} else if !errors.Is(scanErr, sql.ErrNoRows) {
		return 0, scanErr
	}

	if p.ReplaceableKey != "" {
		if _, err = tx.Exec(`UPDATE events SET is_current = 0 WHERE replaceable_key = ? AND is_current = 1`, p.ReplaceableKey); err != nil {
			return 0, err
		}
	}
	if p.AddressableKey != "" {
		if _, err = tx.Exec(`UPDATE events SET is_current = 0 WHERE addressable_key = ? AND is_current = 1`, p.AddressableKey); err != nil {
			return 0, err
		}
	}

	tagsJSON, err := json.Marshal(p.Event.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}
	rawJSON, err := json.Marshal(p.Event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO events (id, pubkey, created_at, kind, tags_json, content, sig, raw_json,
			ingested_at, is_current, is_deleted, is_ephemeral, replaceable_key, addressable_key, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?, ?)
	`, p.Event.ID, p.Event.PubKey, int64(p.Event.CreatedAt), p.Event.Kind, string(tagsJSON), p.Event.Content, p.Event.Sig,
		string(rawJSON), now, p.IsEphemeral, nullableString(p.ReplaceableKey), nullableString(p.AddressableKey), p.ExpiresAt)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	for _, topicID := range p.TopicIDs {
		if _, err = tx.Exec(`INSERT OR IGNORE INTO event_topics (event_id, topic_id) VALUES (?, ?)`, p.Event.ID, topicID); err != nil {
			return 0, fmt.Errorf("insert event_topics: %w", err)
		}
	}

	op := p.OutboxOp
	if op == "" {
		op = "upsert"
	}
	primaryTopic := ""
	if len(p.TopicIDs) > 0 {
		primaryTopic = p.TopicIDs[0]
	}
	res, err := tx.Exec(`
		INSERT INTO events_outbox (op, event_id, topic_id, kind, created_at, effective_key, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op, p.Event.ID, primaryTopic, p.Event.Kind, now, nullableString(firstNonEmpty(p.ReplaceableKey, p.AddressableKey)), nullableString(p.OutboxReason))
	if err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	seq, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// GetEvent returns the stored event by id, or nil if not found.
func (s *Store) GetEvent(id string) (*StoredEvent, error) {
	row := s.db.QueryRow(`
		SELECT raw_json, ingested_at, is_current, is_deleted, is_ephemeral, replaceable_key, addressable_key, expires_at
		FROM events WHERE id = ?
	`, id)
	return scanStoredEvent(row)
}

func scanStoredEvent(row *sql.Row) (*StoredEvent, error) {
	var rawJSON string
	var ingestedAt int64
	var isCurrent, isDeleted, isEphemeral bool
	var replaceableKey, addressableKey sql.NullString
	var expiresAt sql.NullInt64

	err := row.Scan(&rawJSON, &ingestedAt, &isCurrent, &isDeleted, &isEphemeral, &replaceableKey, &addressableKey, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	se := &StoredEvent{
		IngestedAt:  time.Unix(ingestedAt, 0).UTC(),
		IsCurrent:   isCurrent,
		IsDeleted:   isDeleted,
		IsEphemeral: isEphemeral,
	}
	if err := json.Unmarshal([]byte(rawJSON), &se.Event); err != nil {
		return nil, fmt.Errorf("unmarshal stored event: %w", err)
	}
	if replaceableKey.Valid {
		se.ReplaceableKey = replaceableKey.String
	}
	if addressableKey.Valid {
		se.AddressableKey = addressableKey.String
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		se.ExpiresAt = &v
	}
	return se, nil
}

// MarkDeleted flags an event as deleted (NIP-09-style tombstone).
func (s *Store) MarkDeleted(id string) error {
	_, err := s.db.Exec(`UPDATE events SET is_deleted = 1 WHERE id = ?`, id)
	return err
}

// PurgeExpired physically removes events whose expires_at has passed,
// returning the number of rows removed (spec §3: "physically GC'd when
// expires_at < now").
func (s *Store) PurgeExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueryFilter mirrors spec §3's Filter wire form for matching stored events.
type QueryFilter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string
}

// QueryEvents returns stored, non-deleted, currently-valid events
// matching filter, ordered by created_at ASC, id ASC (spec §4.5 REQ
// handling), optionally restricted to the given topic set.
func (s *Store) QueryEvents(filter QueryFilter, topicIDs []string) ([]*StoredEvent, error) {
	query := `
		SELECT DISTINCT e.raw_json, e.ingested_at, e.is_current, e.is_deleted, e.is_ephemeral, e.replaceable_key, e.addressable_key, e.expires_at
		FROM events e`
	var args []any
	var conds []string

	if len(topicIDs) > 0 {
		query += ` JOIN event_topics et ON et.event_id = e.id`
		conds = append(conds, inClause("et.topic_id", len(topicIDs)))
		for _, t := range topicIDs {
			args = append(args, t)
		}
	}

	conds = append(conds, "e.is_deleted = 0", "e.is_current = 1")

	if len(filter.IDs) > 0 {
		conds = append(conds, inClause("e.id", len(filter.IDs)))
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Authors) > 0 {
		conds = append(conds, inClause("e.pubkey", len(filter.Authors)))
		for _, a := range filter.Authors {
			args = append(args, a)
		}
	}
	if len(filter.Kinds) > 0 {
		conds = append(conds, inClause("e.kind", len(filter.Kinds)))
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.Since != nil {
		conds = append(conds, "e.created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		conds = append(conds, "e.created_at <= ?")
		args = append(args, *filter.Until)
	}

	if len(conds) > 0 {
		query += " WHERE " + join(conds, " AND ")
	}
	query += " ORDER BY e.created_at ASC, e.id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var rawJSON string
		var ingestedAt int64
		var isCurrent, isDeleted, isEphemeral bool
		var replaceableKey, addressableKey sql.NullString
		var expiresAt sql.NullInt64

		if err := rows.Scan(&rawJSON, &ingestedAt, &isCurrent, &isDeleted, &isEphemeral, &replaceableKey, &addressableKey, &expiresAt); err != nil {
			return nil, err
		}
		se := &StoredEvent{
			IngestedAt:  time.Unix(ingestedAt, 0).UTC(),
			IsCurrent:   isCurrent,
			IsDeleted:   isDeleted,
			IsEphemeral: isEphemeral,
		}
		if err := json.Unmarshal([]byte(rawJSON), &se.Event); err != nil {
			return nil, err
		}
		if replaceableKey.Valid {
			se.ReplaceableKey = replaceableKey.String
		}
		if addressableKey.Valid {
			se.AddressableKey = addressableKey.String
		}
		if expiresAt.Valid {
			v := expiresAt.Int64
			se.ExpiresAt = &v
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func inClause(col string, n int) string {
	placeholders := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return col + " IN (" + string(placeholders) + ")"
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
