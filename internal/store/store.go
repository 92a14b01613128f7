// Package store is the SQLite persistence layer shared by every
// component: StoredEvent/Outbox (C2/C6), topic and group-key state (C4),
// trust score and job rows (C7), and the node's audit log. Construction
// follows the teacher's pattern: the caller opens the *sql.DB (choosing
// mattn/go-sqlite3 in production, modernc.org/sqlite in tests) and hands
// it to NewStore, which owns migration.
package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Store wraps the shared *sql.DB and exposes one repository method set
// per table group. All repositories share the same connection so that
// C2's ingest transaction (event + topic links + outbox row) is atomic.
type Store struct {
	db *sql.DB
}

// NewStore opens the schema (creating tables that do not yet exist,
// additively altering ones that do) and returns a ready Store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// DB returns the underlying connection, for components (e.g. trust job
// claiming) that need row-level locking beyond what a repository method
// exposes.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			tags_json TEXT NOT NULL,
			content TEXT NOT NULL,
			sig TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			ingested_at INTEGER NOT NULL,
			is_current BOOLEAN NOT NULL DEFAULT 1,
			is_deleted BOOLEAN NOT NULL DEFAULT 0,
			is_ephemeral BOOLEAN NOT NULL DEFAULT 0,
			replaceable_key TEXT,
			addressable_key TEXT,
			expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind ON events(pubkey, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_events_replaceable ON events(replaceable_key) WHERE replaceable_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_addressable ON events(addressable_key) WHERE addressable_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at, id)`,

		`CREATE TABLE IF NOT EXISTS event_topics (
			event_id TEXT NOT NULL REFERENCES events(id),
			topic_id TEXT NOT NULL,
			PRIMARY KEY (event_id, topic_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_topics_topic ON event_topics(topic_id)`,

		`CREATE TABLE IF NOT EXISTS events_outbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			op TEXT NOT NULL,
			event_id TEXT NOT NULL,
			topic_id TEXT NOT NULL,
			kind INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			effective_key TEXT,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_topic ON events_outbox(topic_id)`,

		`CREATE TABLE IF NOT EXISTS outbox_cursors (
			consumer TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			member_count INTEGER NOT NULL DEFAULT 0,
			post_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS topic_memberships (
			topic_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			pubkey TEXT NOT NULL,
			status TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			revoked_at INTEGER,
			revoked_reason TEXT,
			PRIMARY KEY (topic_id, scope, pubkey)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_pubkey ON topic_memberships(pubkey)`,

		`CREATE TABLE IF NOT EXISTS topic_scope_state (
			topic_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			current_epoch INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (topic_id, scope)
		)`,

		`CREATE TABLE IF NOT EXISTS topic_scope_keys (
			topic_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			key_ciphertext TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (topic_id, scope, epoch)
		)`,

		`CREATE TABLE IF NOT EXISTS key_envelopes (
			topic_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			recipient_pubkey TEXT NOT NULL,
			event_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (topic_id, scope, epoch, recipient_pubkey)
		)`,

		`CREATE TABLE IF NOT EXISTS key_envelope_distribution_results (
			topic_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			recipient_pubkey TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (topic_id, scope, epoch, recipient_pubkey)
		)`,

		`CREATE TABLE IF NOT EXISTS invite_capabilities (
			nonce TEXT PRIMARY KEY,
			topic_id TEXT NOT NULL,
			issuer_pubkey TEXT NOT NULL,
			uses_remaining INTEGER,
			expires_at INTEGER,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS join_requests (
			invite_nonce TEXT NOT NULL,
			requester_pubkey TEXT NOT NULL,
			topic_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (invite_nonce, requester_pubkey)
		)`,

		`CREATE TABLE IF NOT EXISTS trust_report_scores (
			subject_pubkey TEXT PRIMARY KEY,
			score REAL NOT NULL DEFAULT 0,
			report_count INTEGER NOT NULL DEFAULT 0,
			label_count INTEGER NOT NULL DEFAULT 0,
			attestation_id TEXT,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trust_communication_scores (
			subject_pubkey TEXT PRIMARY KEY,
			score REAL NOT NULL DEFAULT 0,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			peer_count INTEGER NOT NULL DEFAULT 0,
			attestation_id TEXT,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trust_attestations (
			event_id TEXT PRIMARY KEY,
			subject_pubkey TEXT NOT NULL,
			job_type TEXT NOT NULL,
			claim TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attestations_subject ON trust_attestations(subject_pubkey)`,

		`CREATE TABLE IF NOT EXISTS trust_raw_interactions (
			event_id TEXT PRIMARY KEY,
			kind INTEGER NOT NULL,
			subject_pubkey TEXT NOT NULL,
			actor_pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_raw_interactions_kind_created ON trust_raw_interactions(kind, created_at)`,

		`CREATE TABLE IF NOT EXISTS trust_jobs (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			scanned_count INTEGER NOT NULL DEFAULT 0,
			updated_count INTEGER NOT NULL DEFAULT 0,
			attestation_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			started_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_jobs_type ON trust_jobs(job_type)`,

		`CREATE TABLE IF NOT EXISTS trust_job_schedules (
			job_type TEXT PRIMARY KEY,
			interval_seconds INTEGER NOT NULL,
			next_run_at INTEGER NOT NULL,
			last_run_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS node_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			detail TEXT,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration %q: %w", firstLine(stmt), err)
		}
	}

	// Additive migrations for columns introduced after the initial
	// release; duplicate-column errors are expected and ignored.
	additive := []struct {
		sql  string
		desc string
	}{
		{`ALTER TABLE events ADD COLUMN raw_json TEXT NOT NULL DEFAULT ''`, "events.raw_json"},
	}
	for _, m := range additive {
		if _, err := s.db.Exec(m.sql); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migrate %s: %w", m.desc, err)
			}
		}
	}

	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
