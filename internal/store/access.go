package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrMembershipNotFound is returned by RevokeMember when no active
// membership row exists for the given (topic, scope, pubkey) (spec
// §4.4.3).
var ErrMembershipNotFound = errors.New("membership not found")

// Membership mirrors spec §3's Membership row.
type Membership struct {
	TopicID       string
	Scope         string
	Pubkey        string
	Status        string
	JoinedAt      time.Time
	RevokedAt     *time.Time
	RevokedReason string
}

// EnsureTopic upserts a topic row's existence (id/name), leaving counters
// untouched if the row already exists.
func (s *Store) EnsureTopic(id, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO topics (id, name, created_at, member_count, post_count) VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(id) DO NOTHING
	`, id, name, time.Now().Unix())
	return err
}

// TopicExists reports whether a topics row exists for topicID, as created
// by EnsureTopic. Ingesting an event does not create one. C5 uses this to
// decide whether a REQ's t-tag names a topic the node actually hosts.
func (s *Store) TopicExists(id string) (bool, error) {
	var x int
	err := s.db.QueryRow(`SELECT 1 FROM topics WHERE id = ?`, id).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMembership inserts or reactivates an active membership row.
func (s *Store) AddMembership(topicID, scope, pubkey string) error {
	_, err := s.db.Exec(`
		INSERT INTO topic_memberships (topic_id, scope, pubkey, status, joined_at)
		VALUES (?, ?, ?, 'active', ?)
		ON CONFLICT(topic_id, scope, pubkey) DO UPDATE SET status = 'active', joined_at = excluded.joined_at, revoked_at = NULL, revoked_reason = NULL
	`, topicID, scope, pubkey, time.Now().Unix())
	return err
}

// IsActiveMember reports whether pubkey has an active membership row for
// (topicID, scope).
func (s *Store) IsActiveMember(topicID, scope, pubkey string) (bool, error) {
	var status string
	err := s.db.QueryRow(`
		SELECT status FROM topic_memberships WHERE topic_id = ? AND scope = ? AND pubkey = ?
	`, topicID, scope, pubkey).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == "active", nil
}

// ActiveMembers returns every active member pubkey for (topicID, scope).
func (s *Store) ActiveMembers(topicID, scope string) ([]string, error) {
	return queryActiveMembers(s.db, topicID, scope)
}

// ActiveMembersTx is the in-transaction counterpart of ActiveMembers, used
// by a rotation so the recipient list is read from the same snapshot the
// epoch bump commits against.
func ActiveMembersTx(tx *sql.Tx, topicID, scope string) ([]string, error) {
	return queryActiveMembers(tx, topicID, scope)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryActiveMembers(q querier, topicID, scope string) ([]string, error) {
	rows, err := q.Query(`
		SELECT pubkey FROM topic_memberships WHERE topic_id = ? AND scope = ? AND status = 'active' ORDER BY pubkey
	`, topicID, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// AddMembershipTx is the in-transaction counterpart of AddMembership, used
// by the join handler so membership creation and the triggered rotation
// commit together.
func AddMembershipTx(tx *sql.Tx, topicID, scope, pubkey string) error {
	_, err := tx.Exec(`
		INSERT INTO topic_memberships (topic_id, scope, pubkey, status, joined_at)
		VALUES (?, ?, ?, 'active', ?)
		ON CONFLICT(topic_id, scope, pubkey) DO UPDATE SET status = 'active', joined_at = excluded.joined_at, revoked_at = NULL, revoked_reason = NULL
	`, topicID, scope, pubkey, time.Now().Unix())
	return err
}

// GetMembershipTx reads a membership row regardless of status, within tx,
// so a caller can distinguish "no such row" (returned as nil, nil) from
// "row exists but is not active" before attempting a status transition.
func GetMembershipTx(tx *sql.Tx, topicID, scope, pubkey string) (*Membership, error) {
	m := &Membership{TopicID: topicID, Scope: scope, Pubkey: pubkey}
	var joinedAt int64
	var revokedAt sql.NullInt64
	var revokedReason sql.NullString
	err := tx.QueryRow(`
		SELECT status, joined_at, revoked_at, revoked_reason FROM topic_memberships
		WHERE topic_id = ? AND scope = ? AND pubkey = ?
	`, topicID, scope, pubkey).Scan(&m.Status, &joinedAt, &revokedAt, &revokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.JoinedAt = time.Unix(joinedAt, 0).UTC()
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0).UTC()
		m.RevokedAt = &t
	}
	if revokedReason.Valid {
		m.RevokedReason = revokedReason.String
	}
	return m, nil
}

// RevokeMemberTx marks a membership revoked within tx; the caller is
// responsible for committing in the same transaction as the epoch bump
// (spec §4.4.1: "the membership update and the epoch increment live in
// the same transaction").
func RevokeMemberTx(tx *sql.Tx, topicID, scope, pubkey, reason string) error {
	res, err := tx.Exec(`
		UPDATE topic_memberships SET status = 'revoked', revoked_at = ?, revoked_reason = ?
		WHERE topic_id = ? AND scope = ? AND pubkey = ? AND status = 'active'
	`, time.Now().Unix(), nullableString(reason), topicID, scope, pubkey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// CurrentEpochTx reads (creating with epoch 1 if absent) the current epoch
// for (topicID, scope) within tx.
func CurrentEpochTx(tx *sql.Tx, topicID, scope string) (int64, error) {
	var epoch int64
	err := tx.QueryRow(`SELECT current_epoch FROM topic_scope_state WHERE topic_id = ? AND scope = ?`, topicID, scope).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`INSERT INTO topic_scope_state (topic_id, scope, current_epoch) VALUES (?, ?, 1)`, topicID, scope); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// CurrentEpoch is the read-only counterpart of CurrentEpochTx for callers
// outside a rotation transaction (e.g. C2 epoch-staleness checks).
func (s *Store) CurrentEpoch(topicID, scope string) (int64, error) {
	var epoch int64
	err := s.db.QueryRow(`SELECT current_epoch FROM topic_scope_state WHERE topic_id = ? AND scope = ?`, topicID, scope).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	return epoch, err
}

// AdvanceEpochTx bumps (topicID, scope) to newEpoch within tx.
func AdvanceEpochTx(tx *sql.Tx, topicID, scope string, newEpoch int64) error {
	_, err := tx.Exec(`
		INSERT INTO topic_scope_state (topic_id, scope, current_epoch) VALUES (?, ?, ?)
		ON CONFLICT(topic_id, scope) DO UPDATE SET current_epoch = excluded.current_epoch
	`, topicID, scope, newEpoch)
	return err
}

// AdvanceEpochOnRotateTx increments the current epoch for (topicID, scope)
// by one, creating the row at epoch 1 (previous=0) the first time a scope
// is rotated. Mirrors the community node's rotation upsert
// (`current_epoch = current_epoch + 1 RETURNING current_epoch`).
func AdvanceEpochOnRotateTx(tx *sql.Tx, topicID, scope string) (previous, current int64, err error) {
	_, err = tx.Exec(`
		INSERT INTO topic_scope_state (topic_id, scope, current_epoch) VALUES (?, ?, 1)
		ON CONFLICT(topic_id, scope) DO UPDATE SET current_epoch = topic_scope_state.current_epoch + 1
	`, topicID, scope)
	if err != nil {
		return 0, 0, err
	}
	err = tx.QueryRow(`SELECT current_epoch FROM topic_scope_state WHERE topic_id = ? AND scope = ?`, topicID, scope).Scan(&current)
	if err != nil {
		return 0, 0, err
	}
	return current - 1, current, nil
}

// PutScopeKeyTx stores the self-encrypted symmetric key for
// (topicID, scope, epoch) within tx.
func PutScopeKeyTx(tx *sql.Tx, topicID, scope string, epoch int64, keyCiphertext string) error {
	_, err := tx.Exec(`
		INSERT INTO topic_scope_keys (topic_id, scope, epoch, key_ciphertext, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, scope, epoch) DO UPDATE SET key_ciphertext = excluded.key_ciphertext
	`, topicID, scope, epoch, keyCiphertext, time.Now().Unix())
	return err
}

// ScopeKeyCiphertext returns the self-encrypted key for (topicID, scope,
// epoch), or "" if absent.
func (s *Store) ScopeKeyCiphertext(topicID, scope string, epoch int64) (string, error) {
	return scopeKeyCiphertext(s.db, topicID, scope, epoch)
}

// ScopeKeyCiphertextTx is the in-transaction counterpart of
// ScopeKeyCiphertext, used by a rotation to check for an already-persisted
// key for the target epoch before generating a new one.
func ScopeKeyCiphertextTx(tx *sql.Tx, topicID, scope string, epoch int64) (string, error) {
	return scopeKeyCiphertext(tx, topicID, scope, epoch)
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func scopeKeyCiphertext(q rowQuerier, topicID, scope string, epoch int64) (string, error) {
	var ct string
	err := q.QueryRow(`
		SELECT key_ciphertext FROM topic_scope_keys WHERE topic_id = ? AND scope = ? AND epoch = ?
	`, topicID, scope, epoch).Scan(&ct)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return ct, err
}

// BeginTx exposes a raw transaction for multi-step sequences (rotation,
// revocation) that span several of the Tx-suffixed helpers above.
func (s *Store) BeginTx() (*sql.Tx, error) {
	return s.db.Begin()
}

// UpsertKeyEnvelope stores the signed 39020 event JSON for a recipient
// (spec §3 KeyEnvelope: "idempotent upsert").
func (s *Store) UpsertKeyEnvelope(topicID, scope string, epoch int64, recipientPubkey, eventJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO key_envelopes (topic_id, scope, epoch, recipient_pubkey, event_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, scope, epoch, recipient_pubkey) DO UPDATE SET event_json = excluded.event_json
	`, topicID, scope, epoch, recipientPubkey, eventJSON, time.Now().Unix())
	return err
}

// SetDistributionResult upserts the delivery outcome for one recipient's
// key envelope.
func (s *Store) SetDistributionResult(topicID, scope string, epoch int64, recipientPubkey, status, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO key_envelope_distribution_results (topic_id, scope, epoch, recipient_pubkey, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, scope, epoch, recipient_pubkey) DO UPDATE SET status = excluded.status, reason = excluded.reason, updated_at = excluded.updated_at
	`, topicID, scope, epoch, recipientPubkey, status, nullableString(reason), time.Now().Unix())
	return err
}

// SetDistributionResultTx is the in-transaction counterpart of
// SetDistributionResult, used while a rotation still holds its transaction
// so every recipient has a `pending` row visible as soon as the epoch bump
// commits.
func SetDistributionResultTx(tx *sql.Tx, topicID, scope string, epoch int64, recipientPubkey, status, reason string) error {
	_, err := tx.Exec(`
		INSERT INTO key_envelope_distribution_results (topic_id, scope, epoch, recipient_pubkey, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, scope, epoch, recipient_pubkey) DO UPDATE SET status = excluded.status, reason = excluded.reason, updated_at = excluded.updated_at
	`, topicID, scope, epoch, recipientPubkey, status, nullableString(reason), time.Now().Unix())
	return err
}

// PutInviteCapability records an issued invite for later validation
// against join requests.
func (s *Store) PutInviteCapability(nonce, topicID, issuerPubkey string, usesRemaining *int, expiresAt *int64) error {
	_, err := s.db.Exec(`
		INSERT INTO invite_capabilities (nonce, topic_id, issuer_pubkey, uses_remaining, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(nonce) DO UPDATE SET uses_remaining = excluded.uses_remaining, expires_at = excluded.expires_at
	`, nonce, topicID, issuerPubkey, usesRemaining, expiresAt, time.Now().Unix())
	return err
}

// InviteCapability is the row shape returned by GetInviteCapability.
type InviteCapability struct {
	Nonce         string
	TopicID       string
	IssuerPubkey  string
	UsesRemaining *int
	ExpiresAt     *int64
}

// GetInviteCapability looks up a previously-issued invite by nonce.
func (s *Store) GetInviteCapability(nonce string) (*InviteCapability, error) {
	return getInviteCapability(s.db, nonce)
}

// GetInviteCapabilityTx is the in-transaction counterpart of
// GetInviteCapability, used by the join handler so the uses-remaining
// check and decrement happen against the same locked snapshot.
func GetInviteCapabilityTx(tx *sql.Tx, nonce string) (*InviteCapability, error) {
	return getInviteCapability(tx, nonce)
}

func getInviteCapability(q rowQuerier, nonce string) (*InviteCapability, error) {
	row := q.QueryRow(`
		SELECT nonce, topic_id, issuer_pubkey, uses_remaining, expires_at FROM invite_capabilities WHERE nonce = ?
	`, nonce)
	ic := &InviteCapability{}
	var uses sql.NullInt64
	var exp sql.NullInt64
	if err := row.Scan(&ic.Nonce, &ic.TopicID, &ic.IssuerPubkey, &uses, &exp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if uses.Valid {
		v := int(uses.Int64)
		ic.UsesRemaining = &v
	}
	if exp.Valid {
		v := exp.Int64
		ic.ExpiresAt = &v
	}
	return ic, nil
}

// ErrInviteExhausted is returned by DecrementInviteUsesTx when the invite's
// uses_remaining counter has already reached zero.
var ErrInviteExhausted = errors.New("invite capability exhausted")

// DecrementInviteUsesTx consumes one use of the invite identified by nonce
// within tx. Invites with a nil uses_remaining (unlimited) are left
// untouched.
func DecrementInviteUsesTx(tx *sql.Tx, nonce string) error {
	res, err := tx.Exec(`
		UPDATE invite_capabilities SET uses_remaining = uses_remaining - 1
		WHERE nonce = ? AND uses_remaining IS NOT NULL AND uses_remaining > 0
	`, nonce)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// n == 0: either the invite has unlimited uses (no row matched the
	// "IS NOT NULL" guard) or it is already exhausted. Disambiguate.
	var usesRemaining sql.NullInt64
	err = tx.QueryRow(`SELECT uses_remaining FROM invite_capabilities WHERE nonce = ?`, nonce).Scan(&usesRemaining)
	if err != nil {
		return err
	}
	if usesRemaining.Valid && usesRemaining.Int64 <= 0 {
		return ErrInviteExhausted
	}
	return nil
}

// RecordJoinRequestTx is the in-transaction counterpart of
// RecordJoinRequest, used so replay-dedup and the resulting membership
// insert commit atomically.
func RecordJoinRequestTx(tx *sql.Tx, inviteNonce, requesterPubkey, topicID string) error {
	_, err := tx.Exec(`
		INSERT INTO join_requests (invite_nonce, requester_pubkey, topic_id, created_at) VALUES (?, ?, ?, ?)
	`, inviteNonce, requesterPubkey, topicID, time.Now().Unix())
	if err != nil && isUniqueViolation(err) {
		return ErrJoinRequestReplay
	}
	return err
}

// ErrJoinRequestReplay is returned by RecordJoinRequest when the same
// (invite_nonce, requester_pubkey) pair has already been recorded (spec
// §9 open question: invite replay protection).
var ErrJoinRequestReplay = errors.New("join request already processed")

// RecordJoinRequest inserts the (invite_nonce, requester_pubkey) dedup
// row, failing with ErrJoinRequestReplay on a second attempt for the same
// pair.
func (s *Store) RecordJoinRequest(inviteNonce, requesterPubkey, topicID string) error {
	_, err := s.db.Exec(`
		INSERT INTO join_requests (invite_nonce, requester_pubkey, topic_id, created_at) VALUES (?, ?, ?, ?)
	`, inviteNonce, requesterPubkey, topicID, time.Now().Unix())
	if err != nil && isUniqueViolation(err) {
		return ErrJoinRequestReplay
	}
	return err
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
