// Package substate implements C8, the Subscription State Machine: a
// client-side durable record of subscription intent (topic or user) so a
// reconnecting client knows what to re-subscribe to and from what point,
// rather than replaying every event since the beginning of time. Grounded
// on the original Rust `subscription_state.rs` (SubscriptionStateMachine /
// SubscriptionStateStore), translated to the store package's migration and
// repository style.
package substate

import (
	"database/sql"
	"fmt"
	"time"
)

// ResyncBackoffSeconds is subtracted from last_synced_at when restoring a
// subscription, so a client re-subscribes slightly before where it left
// off and tolerates clock skew / in-flight events it may have missed
// (spec §4.8: "RESYNC_BACKOFF_SECS (default 300)").
const ResyncBackoffSeconds int64 = 300

// TargetType is the closed set of subscription target kinds.
type TargetType string

const (
	TargetTopic TargetType = "topic"
	TargetUser  TargetType = "user"
)

// Target identifies what a subscription record tracks.
type Target struct {
	Type TargetType
	ID   string
}

// Status is a SubscriptionRecord's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSubscribed  Status = "subscribed"
	StatusNeedsResync Status = "needs_resync"
)

// Record mirrors spec §3's SubscriptionRecord.
type Record struct {
	Target        Target
	Status        Status
	LastSyncedAt  *int64
	LastAttemptAt *int64
	FailureCount  int64
	ErrorMessage  string
}

// SinceTimestamp returns the floor to resubscribe from: last_synced_at
// minus ResyncBackoffSeconds, saturating at zero, or nil if the target was
// never successfully synced.
func (r Record) SinceTimestamp() *int64 {
	if r.LastSyncedAt == nil {
		return nil
	}
	since := *r.LastSyncedAt - ResyncBackoffSeconds
	if since < 0 {
		since = 0
	}
	return &since
}

// Store is the SQLite-backed SubscriptionStateStore, using its own
// database file (substate.db in the data directory) per
// config.Config.SubstatePath, mirroring the teacher's pattern of separate
// SQLite files per concern.
type Store struct {
	db *sql.DB
}

// NewStore opens the schema and returns a ready Store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("substate: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS nostr_subscriptions (
			target TEXT NOT NULL,
			target_type TEXT NOT NULL,
			status TEXT NOT NULL,
			last_synced_at INTEGER,
			last_attempt_at INTEGER,
			failure_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (target_type, target)
		)
	`)
	return err
}

// RecordRequest inserts a new pending row if target is unseen, or resets
// an existing row to pending, clearing any prior error (spec §4.8:
// "INSERT-OR-IGNORE with status pending; UPDATE existing row to pending,
// clear error_message, set last_attempt_at=now").
func (s *Store) RecordRequest(target Target) (Record, error) {
	now := time.Now().Unix()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO nostr_subscriptions (
			target, target_type, status, last_synced_at, last_attempt_at,
			failure_count, error_message, created_at, updated_at
		) VALUES (?, ?, 'pending', NULL, ?, 0, NULL, ?, ?)
	`, target.ID, string(target.Type), now, now, now)
	if err != nil {
		return Record{}, fmt.Errorf("substate: insert %s/%s: %w", target.Type, target.ID, err)
	}

	_, err = s.db.Exec(`
		UPDATE nostr_subscriptions
		SET status = 'pending', last_attempt_at = ?, updated_at = ?, error_message = NULL
		WHERE target_type = ? AND target = ?
	`, now, now, string(target.Type), target.ID)
	if err != nil {
		return Record{}, fmt.Errorf("substate: update %s/%s: %w", target.Type, target.ID, err)
	}

	return s.fetch(target)
}

// MarkSubscribed records a successful subscription at syncedAt, resetting
// the failure count.
func (s *Store) MarkSubscribed(target Target, syncedAt int64) error {
	_, err := s.db.Exec(`
		UPDATE nostr_subscriptions
		SET status = 'subscribed', last_synced_at = ?, updated_at = ?, failure_count = 0, error_message = NULL
		WHERE target_type = ? AND target = ?
	`, syncedAt, time.Now().Unix(), string(target.Type), target.ID)
	if err != nil {
		return fmt.Errorf("substate: mark subscribed %s/%s: %w", target.Type, target.ID, err)
	}
	return nil
}

// MarkFailure transitions target to needs_resync, incrementing its
// failure count and storing the error.
func (s *Store) MarkFailure(target Target, errMsg string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		UPDATE nostr_subscriptions
		SET status = 'needs_resync', failure_count = failure_count + 1, last_attempt_at = ?, updated_at = ?, error_message = ?
		WHERE target_type = ? AND target = ?
	`, now, now, errMsg, string(target.Type), target.ID)
	if err != nil {
		return fmt.Errorf("substate: mark failure %s/%s: %w", target.Type, target.ID, err)
	}
	return nil
}

// MarkAllNeedResync transitions every subscribed row to needs_resync
// (used on network disconnect, spec §4.8).
func (s *Store) MarkAllNeedResync() error {
	_, err := s.db.Exec(`
		UPDATE nostr_subscriptions
		SET status = 'needs_resync', updated_at = ?, error_message = NULL
		WHERE status = 'subscribed'
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("substate: mark all need resync: %w", err)
	}
	return nil
}

// ListForRestore returns every row with status pending or needs_resync,
// in stable (updated_at ASC) order, for reconnect-time resubscription.
func (s *Store) ListForRestore() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT target, target_type, status, last_synced_at, last_attempt_at, failure_count, error_message
		FROM nostr_subscriptions
		WHERE status IN ('pending', 'needs_resync')
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("substate: list for restore: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListAll returns every subscription record, for admin/debug inspection.
func (s *Store) ListAll() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT target, target_type, status, last_synced_at, last_attempt_at, failure_count, error_message
		FROM nostr_subscriptions
		ORDER BY target_type ASC, target ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("substate: list all: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) fetch(target Target) (Record, error) {
	row := s.db.QueryRow(`
		SELECT target, target_type, status, last_synced_at, last_attempt_at, failure_count, error_message
		FROM nostr_subscriptions
		WHERE target_type = ? AND target = ?
	`, string(target.Type), target.ID)
	return scanRecord(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var targetType string
	var lastSyncedAt, lastAttemptAt *int64
	var errMsg *string
	if err := row.Scan(&r.Target.ID, &targetType, &r.Status, &lastSyncedAt, &lastAttemptAt, &r.FailureCount, &errMsg); err != nil {
		return Record{}, err
	}
	r.Target.Type = TargetType(targetType)
	r.LastSyncedAt = lastSyncedAt
	r.LastAttemptAt = lastAttemptAt
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
