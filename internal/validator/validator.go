// Package validator implements C1, the Event Validator: parsing a raw
// signed event, verifying its signature, and checking the KIP-shaped tag
// invariants required for each closed-set kind (spec §4.1). It is ported
// from the original node's cn-kip-types::validate_kip_event.
package validator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
)

// Options configures a ValidateKIP call. The caller may disable the
// k/ver tag checks for legacy relay events per spec §4.1.
type Options struct {
	Now             time.Time
	VerifySignature bool
	RequireKTag     bool
	RequireVerTag   bool
}

// DefaultOptions returns the strict validation options used by the
// ingest path (spec §4.2: "Call C1 validate_kip(event, now()) with
// signature verification enabled").
func DefaultOptions(now time.Time) Options {
	return Options{
		Now:             now,
		VerifySignature: true,
		RequireKTag:     true,
		RequireVerTag:   true,
	}
}

// ParseEvent decodes a raw JSON event value into a SignedEvent. It does
// not verify signatures or tag invariants; call ValidateKIP for that.
func ParseEvent(raw []byte) (*kipevent.SignedEvent, error) {
	var evt kipevent.SignedEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &evt, nil
}

// VerifySignature recomputes the canonical event id and checks the
// Schnorr signature over it, delegating to nostr.Event.CheckSignature
// (which itself recomputes id and compares before verifying).
func VerifySignature(evt *kipevent.SignedEvent) error {
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// ValidateKIP dispatches by kind and checks the required tags and
// additional constraints from spec §4.1's table. It returns the
// classified KipKind on success, or a typed rejection error.
//
// Kinds outside the closed KIP set (e.g. plain kind-1 notes without t
// tags, kind-7 reactions) are not rejected here — ValidateKIP only
// enforces invariants for the nine kinds that carry KIP semantics. The
// ingest engine separately rejects, as unsupported_kind, any kind outside
// its allowed set.
func ValidateKIP(evt *kipevent.SignedEvent, opts Options) (kipevent.KipKind, error) {
	if opts.VerifySignature {
		if err := VerifySignature(evt); err != nil {
			return kipevent.KindUnknown, err
		}
	}

	if kipevent.IsExpired(evt, opts.Now) {
		return kipevent.KindUnknown, ErrExpiredEvent
	}

	kind, isKip := kipevent.ClassifyKind(evt.Kind)
	if !isKip {
		// Not one of the nine KIP-tagged kinds; nothing further to check
		// here. Kind-acceptance policy (reject truly unknown kinds) lives
		// in the ingest engine, which knows the full set of kinds it is
		// willing to store (including plain notes/reactions).
		return kipevent.KindUnknown, nil
	}

	if opts.RequireKTag {
		v, ok := kipevent.FirstTagValue(evt, "k")
		if !ok {
			return kind, fmt.Errorf("%w: k", ErrMissingTag)
		}
		if v != kipevent.Namespace {
			return kind, fmt.Errorf("%w: k=%q", ErrInvalidTag, v)
		}
	}
	if opts.RequireVerTag {
		v, ok := kipevent.FirstTagValue(evt, "ver")
		if !ok {
			return kind, fmt.Errorf("%w: ver", ErrMissingTag)
		}
		if v != kipevent.Version {
			return kind, fmt.Errorf("%w: ver=%q", ErrInvalidTag, v)
		}
	}

	switch kind {
	case kipevent.KipNodeDescriptor:
		if err := requireTags(evt, "d"); err != nil {
			return kind, err
		}
		if err := requireExp(evt, opts.Now); err != nil {
			return kind, err
		}
		if err := requireSchema(evt, "kukuri-node-desc-v1"); err != nil {
			return kind, err
		}
	case kipevent.KipTopicService:
		if err := requireTags(evt, "d", "t", "role"); err != nil {
			return kind, err
		}
		scope, ok := kipevent.FirstTagValue(evt, "scope")
		if !ok {
			return kind, fmt.Errorf("%w: scope", ErrMissingTag)
		}
		if !kipevent.ValidScope(scope) {
			return kind, fmt.Errorf("%w: scope=%q", ErrInvalidTag, scope)
		}
		if err := requireExp(evt, opts.Now); err != nil {
			return kind, err
		}
		if err := requireSchema(evt, "kukuri-topic-service-v1"); err != nil {
			return kind, err
		}
	case kipevent.KipReport:
		if err := requireTags(evt, "target", "reason"); err != nil {
			return kind, err
		}
	case kipevent.KipLabel:
		if err := requireTags(evt, "target", "label"); err != nil {
			return kind, err
		}
		if err := requireExp(evt, opts.Now); err != nil {
			return kind, err
		}
		hasURL := kipevent.HasTag(evt, "policy_url")
		hasPolicy := kipevent.HasTag(evt, "policy")
		if !hasURL && !hasPolicy {
			return kind, fmt.Errorf("%w: policy_url or policy", ErrMissingTag)
		}
		if v, ok := kipevent.FirstTagValue(evt, "policy_ref"); ok && v == "" {
			return kind, fmt.Errorf("%w: policy_ref", ErrInvalidTag)
		}
	case kipevent.KipAttestation:
		subTag, ok := kipevent.FullTag(evt, "sub")
		if !ok || len(subTag) < 3 {
			return kind, fmt.Errorf("%w: sub", ErrInvalidTag)
		}
		if err := requireTags(evt, "claim"); err != nil {
			return kind, err
		}
		if err := requireExp(evt, opts.Now); err != nil {
			return kind, err
		}
		if err := requireSchema(evt, "kukuri-attest-v1"); err != nil {
			return kind, err
		}
	case kipevent.KipTrustAnchor:
		if err := requireTags(evt, "attester", "weight"); err != nil {
			return kind, err
		}
	case kipevent.KipKeyEnvelope:
		if err := requireTags(evt, "p", "t", "d"); err != nil {
			return kind, err
		}
		scope, ok := kipevent.FirstTagValue(evt, "scope")
		if !ok {
			return kind, fmt.Errorf("%w: scope", ErrMissingTag)
		}
		switch kipevent.Scope(scope) {
		case kipevent.ScopeFriend, kipevent.ScopeFriendPlus, kipevent.ScopeInvite:
		default:
			return kind, fmt.Errorf("%w: scope=%q", ErrInvalidTag, scope)
		}
		epochStr, ok := kipevent.FirstTagValue(evt, "epoch")
		if !ok {
			return kind, fmt.Errorf("%w: epoch", ErrMissingTag)
		}
		var epoch int64
		if _, err := fmt.Sscanf(epochStr, "%d", &epoch); err != nil || epoch <= 0 {
			return kind, fmt.Errorf("%w: epoch=%q", ErrInvalidTag, epochStr)
		}
	case kipevent.KipInviteCapability:
		if err := requireTags(evt, "t", "d"); err != nil {
			return kind, err
		}
		scope, ok := kipevent.FirstTagValue(evt, "scope")
		if !ok || kipevent.Scope(scope) != kipevent.ScopeInvite {
			return kind, fmt.Errorf("%w: scope=%q", ErrInvalidTag, scope)
		}
	case kipevent.KipJoinRequest:
		if err := requireTags(evt, "t", "d"); err != nil {
			return kind, err
		}
		scope, ok := kipevent.FirstTagValue(evt, "scope")
		if !ok {
			return kind, fmt.Errorf("%w: scope", ErrMissingTag)
		}
		switch kipevent.Scope(scope) {
		case kipevent.ScopeInvite, kipevent.ScopeFriend:
		default:
			return kind, fmt.Errorf("%w: scope=%q", ErrInvalidTag, scope)
		}
		if err := requireSchema(evt, "kukuri-join-request-v1"); err != nil {
			return kind, err
		}
	}

	return kind, nil
}

func requireTags(evt *kipevent.SignedEvent, names ...string) error {
	for _, name := range names {
		v, ok := kipevent.FirstTagValue(evt, name)
		if !ok || v == "" {
			return fmt.Errorf("%w: %s", ErrMissingTag, name)
		}
	}
	return nil
}

func requireExp(evt *kipevent.SignedEvent, now time.Time) error {
	exp, ok := kipevent.ExpTag(evt)
	if !ok {
		return fmt.Errorf("%w: exp", ErrMissingTag)
	}
	if exp <= now.Unix() {
		return ErrExpiredEvent
	}
	return nil
}

func requireSchema(evt *kipevent.SignedEvent, want string) error {
	got := kipevent.SchemaOf(evt.Content)
	if got != want {
		return fmt.Errorf("%w: want %q got %q", ErrBadSchema, want, got)
	}
	return nil
}
