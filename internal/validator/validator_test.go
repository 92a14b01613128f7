package validator

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
)

func signedEvent(t *testing.T, kind int, tags nostr.Tags, content string, createdAt time.Time) *kipevent.SignedEvent {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	evt := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

func TestParseEvent_Malformed(t *testing.T) {
	_, err := ParseEvent([]byte("not json"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestVerifySignature_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	evt := signedEvent(t, kipevent.KindTextNote, nil, "hello", now)
	if err := VerifySignature(evt); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifySignature_TamperedContent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	evt := signedEvent(t, kipevent.KindTextNote, nil, "hello", now)
	evt.Content = "tampered"
	if err := VerifySignature(evt); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestValidateKIP_NonKipKindPassesThrough(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	evt := signedEvent(t, kipevent.KindTextNote, nostr.Tags{{"t", "kukuri:topic:abcd"}}, "hello", now)
	kind, err := ValidateKIP(evt, DefaultOptions(now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kipevent.KindUnknown {
		t.Fatalf("expected KindUnknown classification for plain note, got %v", kind)
	}
}

func TestValidateKIP_ExpiredEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-10 * time.Second)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"d", "node-1"},
		{"exp", "1699999990"},
	}
	evt := signedEvent(t, kipevent.KindNodeDescriptor, tags, `{"schema":"kukuri-node-desc-v1"}`, past)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrExpiredEvent) {
		t.Fatalf("want ErrExpiredEvent, got %v", err)
	}
}

func TestValidateKIP_NodeDescriptor_MissingSchema(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"d", "node-1"},
		{"exp", "1700003600"},
	}
	evt := signedEvent(t, kipevent.KindNodeDescriptor, tags, `{}`, now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrBadSchema) {
		t.Fatalf("want ErrBadSchema, got %v", err)
	}
}

func TestValidateKIP_NodeDescriptor_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"d", "node-1"},
		{"exp", "1700003600"},
	}
	evt := signedEvent(t, kipevent.KindNodeDescriptor, tags, `{"schema":"kukuri-node-desc-v1"}`, now)
	kind, err := ValidateKIP(evt, DefaultOptions(now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kipevent.KipNodeDescriptor {
		t.Fatalf("want KipNodeDescriptor, got %v", kind)
	}
}

func TestValidateKIP_TopicService_InvalidScope(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"d", "svc-1"},
		{"t", "kukuri:topic:abcd"},
		{"role", "archive"},
		{"scope", "bogus"},
		{"exp", "1700003600"},
	}
	evt := signedEvent(t, kipevent.KindTopicService, tags, `{"schema":"kukuri-topic-service-v1"}`, now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("want ErrInvalidTag, got %v", err)
	}
}

func TestValidateKIP_Report_RequiresTargetAndReason(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"target", hex.EncodeToString(make([]byte, 32))},
	}
	evt := signedEvent(t, kipevent.KindReport, tags, "", now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrMissingTag) {
		t.Fatalf("want ErrMissingTag, got %v", err)
	}
}

func TestValidateKIP_Attestation_RequiresSubWithKindAndTarget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"sub", "39005"},
		{"claim", "trustworthy"},
		{"exp", "1700003600"},
	}
	evt := signedEvent(t, kipevent.KindAttestation, tags, `{"schema":"kukuri-attest-v1"}`, now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("want ErrInvalidTag for short sub tag, got %v", err)
	}
}

func TestValidateKIP_Attestation_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"sub", "39005", hex.EncodeToString(make([]byte, 32))},
		{"claim", "trustworthy"},
		{"exp", "1700003600"},
	}
	evt := signedEvent(t, kipevent.KindAttestation, tags, `{"schema":"kukuri-attest-v1"}`, now)
	kind, err := ValidateKIP(evt, DefaultOptions(now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kipevent.KipAttestation {
		t.Fatalf("want KipAttestation, got %v", kind)
	}
}

func TestValidateKIP_KeyEnvelope_RequiresPositiveEpoch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"p", hex.EncodeToString(make([]byte, 32))},
		{"t", "kukuri:topic:abcd"},
		{"d", "env-1"},
		{"scope", string(kipevent.ScopeFriend)},
		{"epoch", "0"},
	}
	evt := signedEvent(t, kipevent.KindKeyEnvelope, tags, "", now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("want ErrInvalidTag for epoch=0, got %v", err)
	}
}

func TestValidateKIP_KeyEnvelope_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"p", hex.EncodeToString(make([]byte, 32))},
		{"t", "kukuri:topic:abcd"},
		{"d", "env-1"},
		{"scope", string(kipevent.ScopeFriendPlus)},
		{"epoch", "3"},
	}
	evt := signedEvent(t, kipevent.KindKeyEnvelope, tags, "", now)
	kind, err := ValidateKIP(evt, DefaultOptions(now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kipevent.KipKeyEnvelope {
		t.Fatalf("want KipKeyEnvelope, got %v", kind)
	}
}

func TestValidateKIP_InviteCapability_RequiresInviteScope(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"t", "kukuri:topic:abcd"},
		{"d", "invite-1"},
		{"scope", string(kipevent.ScopeFriend)},
	}
	evt := signedEvent(t, kipevent.KindInviteCapability, tags, "", now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("want ErrInvalidTag, got %v", err)
	}
}

func TestValidateKIP_JoinRequest_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"k", kipevent.Namespace},
		{"ver", kipevent.Version},
		{"t", "kukuri:topic:abcd"},
		{"d", "join-1"},
		{"scope", string(kipevent.ScopeInvite)},
	}
	evt := signedEvent(t, kipevent.KindJoinRequest, tags, `{"schema":"kukuri-join-request-v1"}`, now)
	kind, err := ValidateKIP(evt, DefaultOptions(now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kipevent.KipJoinRequest {
		t.Fatalf("want KipJoinRequest, got %v", kind)
	}
}

func TestValidateKIP_MissingNamespaceTag(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tags := nostr.Tags{
		{"ver", kipevent.Version},
		{"target", hex.EncodeToString(make([]byte, 32))},
		{"reason", "spam"},
	}
	evt := signedEvent(t, kipevent.KindReport, tags, "", now)
	_, err := ValidateKIP(evt, DefaultOptions(now))
	if !errors.Is(err, ErrMissingTag) {
		t.Fatalf("want ErrMissingTag for missing k tag, got %v", err)
	}
}
