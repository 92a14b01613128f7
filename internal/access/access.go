// Package access implements C4, the Access Controller: group-key
// lifecycle (rotation/revocation), the invite/join handshake, and the
// NIP-44-encrypted key-envelope distribution that follows both. Ported
// from the community node's cn-core::access_control module, translated
// from sqlx/Postgres transactions to database/sql and from nostr_sdk's
// nip44 helpers to go-nostr's.
package access

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

const (
	schemaKeyEnvelope = "kukuri-key-envelope-v1"
	schemaJoinRequest = "kukuri-join-request-v1"
)

// Distribution outcome values (spec §4.4.1).
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var (
	ErrInvalidScope   = errors.New("invalid scope")
	ErrInvalidPubkey  = errors.New("invalid pubkey")
	ErrNotActive      = errors.New("membership is not active")
	ErrInviteNotFound = errors.New("invite capability not found")
	ErrInviteExpired  = errors.New("invite capability expired")
	ErrWrongRecipient = errors.New("key envelope not addressed to this node")
	ErrUnhandledKind  = errors.New("event kind is not handled by the access controller")
	ErrMalformedEvent = errors.New("malformed access-control event content")
)

// ErrMembershipNotFound re-exports the store sentinel so callers importing
// only this package can match on it.
var ErrMembershipNotFound = store.ErrMembershipNotFound

// DistributionResult is one recipient's key-envelope delivery outcome.
type DistributionResult struct {
	RecipientPubkey string
	Status          string
	Reason          string
}

// RotationSummary is the result of Rotate and the rotation embedded in a
// RevocationSummary (spec §4.4.3).
type RotationSummary struct {
	TopicID             string
	Scope               string
	PreviousEpoch       int64
	NewEpoch            int64
	Recipients          int
	DistributionResults []DistributionResult
}

// RevocationSummary is the result of RevokeMember.
type RevocationSummary struct {
	TopicID       string
	Scope         string
	RevokedPubkey string
	Rotation      RotationSummary
}

// Broadcaster is the subset of the gossip mesh the controller needs to
// fan out key-envelope events to a recipient's user-topic. Satisfied by
// *gossip.Node; kept narrow here to avoid a package-level dependency on
// internal/gossip's full Mesh interface.
type Broadcaster interface {
	JoinTopic(topicID string, peerHints []string) error
	Broadcast(topicID string, eventBytes []byte) error
}

// Controller is the node's C4 implementation. One Controller is shared by
// every (topic, scope) the node administers; it signs key-envelope events
// with the node's own identity key, per cn-core's node_keys.
type Controller struct {
	store   *store.Store
	mesh    Broadcaster
	bus     *realtime.Bus
	nodeSK  string
	nodePub string
}

// NewController derives the node's public key from nodeSK (hex-encoded
// Schnorr secret key) and wires the controller to st/mesh/bus. mesh may be
// nil, in which case key envelopes are persisted but never broadcast
// (useful for tests and for single-process dry runs).
func NewController(st *store.Store, mesh Broadcaster, bus *realtime.Bus, nodeSK string) (*Controller, error) {
	pub, err := nostr.GetPublicKey(nodeSK)
	if err != nil {
		return nil, fmt.Errorf("derive node public key: %w", err)
	}
	return &Controller{store: st, mesh: mesh, bus: bus, nodeSK: nodeSK, nodePub: pub}, nil
}

func normalizeScope(scope string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(scope))
	switch kipevent.Scope(s) {
	case kipevent.ScopeFriend, kipevent.ScopeFriendPlus, kipevent.ScopeInvite:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

func normalizePubkey(pubkey string) (string, error) {
	p := strings.TrimSpace(pubkey)
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPubkey)
	}
	if err := validatePubkeyHex(p); err != nil {
		return "", err
	}
	return strings.ToLower(p), nil
}

func validatePubkeyHex(pubkey string) error {
	if len(pubkey) != 64 {
		return fmt.Errorf("%w: %q", ErrInvalidPubkey, pubkey)
	}
	if _, err := hex.DecodeString(pubkey); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPubkey, pubkey)
	}
	return nil
}

// Rotate advances (topicID, scope) to a new epoch, generates a fresh group
// key, and distributes it to every active member (spec §4.4.1, §4.4.3).
func (c *Controller) Rotate(topicID, scope string) (RotationSummary, error) {
	topicID = kipevent.NormalizeTopicID(topicID)
	normScope, err := normalizeScope(scope)
	if err != nil {
		return RotationSummary{}, err
	}

	prepared, err := c.prepareRotation(topicID, normScope)
	if err != nil {
		return RotationSummary{}, err
	}

	results := c.distributeKeyEnvelopes(prepared)
	c.bus.Publish(realtime.Event{
		Timestamp: time.Now(),
		Source:    realtime.SourceAccess,
		Kind:      realtime.KindEpochRotated,
		Data: map[string]any{
			"topic_id":       prepared.topicID,
			"scope":          prepared.scope,
			"previous_epoch": prepared.previousEpoch,
			"new_epoch":      prepared.newEpoch,
			"recipients":     len(prepared.recipients),
		},
	})

	return RotationSummary{
		TopicID:             prepared.topicID,
		Scope:               prepared.scope,
		PreviousEpoch:       prepared.previousEpoch,
		NewEpoch:            prepared.newEpoch,
		Recipients:          len(prepared.recipients),
		DistributionResults: results,
	}, nil
}

// RevokeMember revokes pubkey's membership in (topicID, scope) and forces
// a rotation in the same transaction so no envelope is produced for the
// revoked member (spec §4.4.1).
func (c *Controller) RevokeMember(topicID, scope, pubkey, reason string) (RevocationSummary, error) {
	topicID = kipevent.NormalizeTopicID(topicID)
	normScope, err := normalizeScope(scope)
	if err != nil {
		return RevocationSummary{}, err
	}
	normPubkey, err := normalizePubkey(pubkey)
	if err != nil {
		return RevocationSummary{}, err
	}

	tx, err := c.store.BeginTx()
	if err != nil {
		return RevocationSummary{}, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	membership, err := store.GetMembershipTx(tx, topicID, normScope, normPubkey)
	if err != nil {
		return RevocationSummary{}, err
	}
	if membership == nil {
		return RevocationSummary{}, store.ErrMembershipNotFound
	}
	if membership.Status != "active" {
		return RevocationSummary{}, ErrNotActive
	}

	if err := store.RevokeMemberTx(tx, topicID, normScope, normPubkey, reason); err != nil {
		return RevocationSummary{}, err
	}

	prepared, err := c.prepareRotationTx(tx, topicID, normScope)
	if err != nil {
		return RevocationSummary{}, err
	}

	if err := tx.Commit(); err != nil {
		return RevocationSummary{}, err
	}
	committed = true

	results := c.distributeKeyEnvelopes(prepared)

	c.bus.Publish(realtime.Event{
		Timestamp: time.Now(),
		Source:    realtime.SourceAccess,
		Kind:      realtime.KindMemberRevoked,
		Data: map[string]any{
			"topic_id": topicID,
			"scope":    normScope,
			"pubkey":   normPubkey,
			"reason":   reason,
		},
	})
	c.bus.Publish(realtime.Event{
		Timestamp: time.Now(),
		Source:    realtime.SourceAccess,
		Kind:      realtime.KindEpochRotated,
		Data: map[string]any{
			"topic_id":       topicID,
			"scope":          normScope,
			"previous_epoch": prepared.previousEpoch,
			"new_epoch":      prepared.newEpoch,
			"recipients":     len(prepared.recipients),
		},
	})

	return RevocationSummary{
		TopicID:       topicID,
		Scope:         normScope,
		RevokedPubkey: normPubkey,
		Rotation: RotationSummary{
			TopicID:             topicID,
			Scope:               normScope,
			PreviousEpoch:       prepared.previousEpoch,
			NewEpoch:            prepared.newEpoch,
			Recipients:          len(prepared.recipients),
			DistributionResults: results,
		},
	}, nil
}

type preparedRotation struct {
	topicID       string
	scope         string
	previousEpoch int64
	newEpoch      int64
	keyB64        string
	recipients    []string
}

func (c *Controller) prepareRotation(topicID, scope string) (*preparedRotation, error) {
	tx, err := c.store.BeginTx()
	if err != nil {
		return nil, err
	}
	prepared, err := c.prepareRotationTx(tx, topicID, scope)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prepared, nil
}

// prepareRotationTx performs the epoch bump, group-key generation, and
// pending-distribution bookkeeping within tx, mirroring cn-core's
// prepare_rotation_tx. The caller commits.
func (c *Controller) prepareRotationTx(tx *sql.Tx, topicID, scope string) (*preparedRotation, error) {
	previous, current, err := store.AdvanceEpochOnRotateTx(tx, topicID, scope)
	if err != nil {
		return nil, err
	}

	keyB64, err := c.loadOrCreateGroupKeyTx(tx, topicID, scope, current)
	if err != nil {
		return nil, err
	}

	recipients, err := store.ActiveMembersTx(tx, topicID, scope)
	if err != nil {
		return nil, err
	}

	for _, recipient := range recipients {
		if err := store.SetDistributionResultTx(tx, topicID, scope, current, recipient, StatusPending, ""); err != nil {
			return nil, err
		}
	}

	return &preparedRotation{
		topicID:       topicID,
		scope:         scope,
		previousEpoch: previous,
		newEpoch:      current,
		keyB64:        keyB64,
		recipients:    recipients,
	}, nil
}

// loadOrCreateGroupKeyTx returns the plaintext group key for
// (topicID, scope, epoch), generating and self-encrypting a fresh 256-bit
// key if none is persisted yet.
func (c *Controller) loadOrCreateGroupKeyTx(tx *sql.Tx, topicID, scope string, epoch int64) (string, error) {
	ciphertext, err := store.ScopeKeyCiphertextTx(tx, topicID, scope, epoch)
	if err != nil {
		return "", err
	}

	selfKey, err := nip44.GenerateConversationKey(c.nodePub, c.nodeSK)
	if err != nil {
		return "", fmt.Errorf("derive self conversation key: %w", err)
	}

	if ciphertext != "" {
		plain, err := nip44.Decrypt(ciphertext, selfKey)
		if err != nil {
			return "", fmt.Errorf("decrypt group key: %w", err)
		}
		return plain, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate group key: %w", err)
	}
	keyB64 := base64.StdEncoding.EncodeToString(raw)

	ct, err := nip44.Encrypt(keyB64, selfKey)
	if err != nil {
		return "", fmt.Errorf("self-encrypt group key: %w", err)
	}
	if err := store.PutScopeKeyTx(tx, topicID, scope, epoch, ct); err != nil {
		return "", err
	}
	return keyB64, nil
}

// buildKeyEnvelopeEvent constructs and signs a kind-39020 event carrying
// keyB64 NIP-44-encrypted to recipientPubkey (spec §4.4.1).
func (c *Controller) buildKeyEnvelopeEvent(recipientPubkey, topicID, scope string, epoch int64, keyB64 string) (*kipevent.SignedEvent, error) {
	if epoch <= 0 {
		return nil, fmt.Errorf("epoch must be positive")
	}
	if err := validatePubkeyHex(recipientPubkey); err != nil {
		return nil, err
	}

	convKey, err := nip44.GenerateConversationKey(recipientPubkey, c.nodeSK)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"schema":    schemaKeyEnvelope,
		"topic":     topicID,
		"scope":     scope,
		"epoch":     epoch,
		"key_b64":   keyB64,
		"issued_at": time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := nip44.Encrypt(string(payload), convKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt key envelope: %w", err)
	}

	dTag := fmt.Sprintf("keyenv:%s:%s:%d:%s", topicID, scope, epoch, recipientPubkey)
	evt := &nostr.Event{
		PubKey:    c.nodePub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kipevent.KindKeyEnvelope,
		Tags: nostr.Tags{
			{"p", recipientPubkey},
			{"t", topicID},
			{"scope", scope},
			{"epoch", strconv.FormatInt(epoch, 10)},
			{"k", kipevent.Namespace},
			{"ver", kipevent.Version},
			{"d", dTag},
		},
		Content: encrypted,
	}
	if err := evt.Sign(c.nodeSK); err != nil {
		return nil, fmt.Errorf("sign key envelope: %w", err)
	}
	return evt, nil
}

func (c *Controller) distributeKeyEnvelopes(prepared *preparedRotation) []DistributionResult {
	results := make([]DistributionResult, 0, len(prepared.recipients))
	for _, recipient := range prepared.recipients {
		results = append(results, c.distributeOne(prepared, recipient))
	}
	return results
}

func (c *Controller) distributeOne(prepared *preparedRotation, recipient string) DistributionResult {
	fail := func(reason string) DistributionResult {
		c.finishDistribution(prepared, recipient, StatusFailed, reason)
		return DistributionResult{RecipientPubkey: recipient, Status: StatusFailed, Reason: reason}
	}

	evt, err := c.buildKeyEnvelopeEvent(recipient, prepared.topicID, prepared.scope, prepared.newEpoch, prepared.keyB64)
	if err != nil {
		return fail(fmt.Sprintf("key envelope build failed: %v", err))
	}

	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return fail(fmt.Sprintf("key envelope serialize failed: %v", err))
	}

	if err := c.store.UpsertKeyEnvelope(prepared.topicID, prepared.scope, prepared.newEpoch, recipient, string(eventJSON)); err != nil {
		return fail(fmt.Sprintf("key envelope upsert failed: %v", err))
	}

	if err := c.broadcast(recipient, eventJSON); err != nil {
		return fail(fmt.Sprintf("broadcast failed: %v", err))
	}

	c.finishDistribution(prepared, recipient, StatusSuccess, "")
	return DistributionResult{RecipientPubkey: recipient, Status: StatusSuccess}
}

func (c *Controller) finishDistribution(prepared *preparedRotation, recipient, status, reason string) {
	_ = c.store.SetDistributionResult(prepared.topicID, prepared.scope, prepared.newEpoch, recipient, status, reason)
}

// broadcast publishes the key-envelope frame on the recipient's user-topic,
// joining it first if the node has not already (spec: gossip broadcast is
// fire-and-forget; failures are recorded per-recipient, never fatal to the
// rotation itself).
func (c *Controller) broadcast(recipient string, frame []byte) error {
	if c.mesh == nil {
		return nil
	}
	topic := kipevent.UserTopicID(recipient)
	if err := c.mesh.JoinTopic(topic, nil); err != nil {
		return err
	}
	return c.mesh.Broadcast(topic, frame)
}
