package access

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

// HandleInboundEvent dispatches an already-validated KIP event to the
// handler for its kind (spec §4.4.3): 39020 stores an envelope addressed
// to this node, 39021 records an invite capability, 39022 runs the
// join-request handshake.
func (c *Controller) HandleInboundEvent(evt *kipevent.SignedEvent) error {
	switch evt.Kind {
	case kipevent.KindKeyEnvelope:
		return c.handleKeyEnvelope(evt)
	case kipevent.KindInviteCapability:
		return c.handleInviteCapability(evt)
	case kipevent.KindJoinRequest:
		return c.handleJoinRequest(evt)
	default:
		return fmt.Errorf("%w: kind %d", ErrUnhandledKind, evt.Kind)
	}
}

// handleKeyEnvelope validates that the envelope is addressed to this
// node's own public key, decrypts it, and records receipt. A community
// node is the author of its members' envelopes, not normally a recipient;
// this path exists for federation between nodes and is otherwise unused.
func (c *Controller) handleKeyEnvelope(evt *kipevent.SignedEvent) error {
	recipient, ok := kipevent.FirstTagValue(evt, "p")
	if !ok {
		return fmt.Errorf("%w: missing p tag", ErrMalformedEvent)
	}
	if !strings.EqualFold(recipient, c.nodePub) {
		return ErrWrongRecipient
	}

	convKey, err := nip44.GenerateConversationKey(evt.PubKey, c.nodeSK)
	if err != nil {
		return fmt.Errorf("derive conversation key: %w", err)
	}
	plain, err := nip44.Decrypt(evt.Content, convKey)
	if err != nil {
		return fmt.Errorf("decrypt key envelope: %w", err)
	}

	var payload struct {
		Schema string `json:"schema"`
		Topic  string `json:"topic"`
		Scope  string `json:"scope"`
		Epoch  int64  `json:"epoch"`
	}
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if payload.Schema != schemaKeyEnvelope {
		return fmt.Errorf("%w: schema=%q", ErrMalformedEvent, payload.Schema)
	}

	return c.store.AppendAudit("key_envelope.received", fmt.Sprintf(
		"topic=%s scope=%s epoch=%d issuer=%s", payload.Topic, payload.Scope, payload.Epoch, evt.PubKey,
	))
}

// handleInviteCapability stores an issued invite for later validation
// against join requests (spec §4.4.2 step 1).
func (c *Controller) handleInviteCapability(evt *kipevent.SignedEvent) error {
	topicID, ok := kipevent.FirstTagValue(evt, "t")
	if !ok {
		return fmt.Errorf("%w: missing t tag", ErrMalformedEvent)
	}
	topicID = kipevent.NormalizeTopicID(topicID)

	var content struct {
		Schema string `json:"schema"`
		Nonce  string `json:"nonce"`
		Uses   *int   `json:"uses"`
	}
	if err := json.Unmarshal([]byte(evt.Content), &content); err != nil || content.Nonce == "" {
		return fmt.Errorf("%w: invite content", ErrMalformedEvent)
	}

	var expiresAt *int64
	if exp, ok := kipevent.ExpTag(evt); ok {
		expiresAt = &exp
	}

	return c.store.PutInviteCapability(content.Nonce, topicID, evt.PubKey, content.Uses, expiresAt)
}

// handleJoinRequest runs spec §4.4.2 step 3: verify the invite, record
// replay-dedup, add the membership, and trigger a rotation-without-
// revocation so the new member receives the current key in an envelope
// alongside every other active member.
func (c *Controller) handleJoinRequest(evt *kipevent.SignedEvent) error {
	topicID, ok := kipevent.FirstTagValue(evt, "t")
	if !ok {
		return fmt.Errorf("%w: missing t tag", ErrMalformedEvent)
	}
	topicID = kipevent.NormalizeTopicID(topicID)

	scopeTag, ok := kipevent.FirstTagValue(evt, "scope")
	if !ok {
		return fmt.Errorf("%w: missing scope tag", ErrMalformedEvent)
	}
	normScope, err := normalizeScope(scopeTag)
	if err != nil {
		return err
	}

	var content struct {
		Schema          string `json:"schema"`
		InviteNonce     string `json:"invite_nonce"`
		RequesterPubkey string `json:"requester_pubkey"`
	}
	if err := json.Unmarshal([]byte(evt.Content), &content); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if content.Schema != schemaJoinRequest || content.InviteNonce == "" || content.RequesterPubkey == "" {
		return fmt.Errorf("%w: join-request content", ErrMalformedEvent)
	}
	requesterPubkey, err := normalizePubkey(content.RequesterPubkey)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	tx, err := c.store.BeginTx()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	invite, err := store.GetInviteCapabilityTx(tx, content.InviteNonce)
	if err != nil {
		return err
	}
	if invite == nil {
		return ErrInviteNotFound
	}
	if invite.ExpiresAt != nil && *invite.ExpiresAt <= now {
		return ErrInviteExpired
	}

	if err := store.RecordJoinRequestTx(tx, content.InviteNonce, requesterPubkey, topicID); err != nil {
		return err
	}
	if err := store.DecrementInviteUsesTx(tx, content.InviteNonce); err != nil {
		return err
	}
	if err := store.AddMembershipTx(tx, topicID, normScope, requesterPubkey); err != nil {
		return err
	}

	prepared, err := c.prepareRotationTx(tx, topicID, normScope)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	c.distributeKeyEnvelopes(prepared)

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
			"reason":         "join",
		},
	})
	return nil
}
