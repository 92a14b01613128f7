// Package kipevent defines the KIP (Kukuri-prefixed) event shape shared by
// every component: the signed event envelope, its tag vocabulary, and the
// closed set of meaningful kinds. It wraps github.com/nbd-wtf/go-nostr's
// Event so id computation and Schnorr signature verification are never
// reimplemented by hand.
package kipevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Namespace and version values required on every KIP-shaped tag set.
const (
	Namespace = "kukuri"
	Version   = "1"
)

// Kind constants for the closed set of meaningful kinds (spec §3).
const (
	KindTextNote         = 1
	KindReaction         = 7
	KindAuthResponse     = 22242
	KindTopicPost        = 30078
	KindNodeDescriptor   = 39000
	KindTopicService     = 39001
	KindReport           = 39005
	KindLabel            = 39006
	KindAttestation      = 39010
	KindTrustAnchor      = 39011
	KindKeyEnvelope      = 39020
	KindInviteCapability = 39021
	KindJoinRequest      = 39022
)

// KipKind classifies a validated event by its KIP role. ValidateKIP returns
// the zero value KindUnknown for kinds outside the nine KIP kinds and
// alongside every rejection error.
type KipKind int

const (
	KindUnknown KipKind = iota
	KipNodeDescriptor
	KipTopicService
	KipReport
	KipLabel
	KipAttestation
	KipTrustAnchor
	KipKeyEnvelope
	KipInviteCapability
	KipJoinRequest
)

// kipKindByNumeric maps the wire kind to its KipKind classification.
var kipKindByNumeric = map[int]KipKind{
	KindNodeDescriptor:   KipNodeDescriptor,
	KindTopicService:     KipTopicService,
	KindReport:           KipReport,
	KindLabel:            KipLabel,
	KindAttestation:      KipAttestation,
	KindTrustAnchor:      KipTrustAnchor,
	KindKeyEnvelope:      KipKeyEnvelope,
	KindInviteCapability: KipInviteCapability,
	KindJoinRequest:      KipJoinRequest,
}

// ClassifyKind returns the KipKind for a wire kind, or KindUnknown if the
// kind carries no KIP tag-invariant requirements (e.g. plain kind-1 notes).
func ClassifyKind(kind int) (KipKind, bool) {
	k, ok := kipKindByNumeric[kind]
	return k, ok
}

// IsKipShaped reports whether kind is one of the nine kinds with documented
// KIP tag requirements in spec §4.1.
func IsKipShaped(kind int) bool {
	_, ok := kipKindByNumeric[kind]
	return ok
}

// SignedEvent is the universal event envelope (spec §3). It is a thin
// alias over nostr.Event: id/signature invariants are enforced by the
// library, not reimplemented here.
type SignedEvent = nostr.Event

// Scope is the visibility band of a topic.
type Scope string

const (
	ScopePublic     Scope = "public"
	ScopeFriend     Scope = "friend"
	ScopeFriendPlus Scope = "friend_plus"
	ScopeInvite     Scope = "invite"
)

// ValidScope reports whether s is one of the four defined scopes.
func ValidScope(s string) bool {
	switch Scope(s) {
	case ScopePublic, ScopeFriend, ScopeFriendPlus, ScopeInvite:
		return true
	}
	return false
}

// FirstTagValue returns the first value (index 1) of the first tag named
// name, and whether such a tag exists.
func FirstTagValue(e *SignedEvent, name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns every value (index 1) across all tags named name, in
// tag order.
func TagValues(e *SignedEvent, name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// HasTag reports whether any tag named name is present, regardless of
// whether it carries a value.
func HasTag(e *SignedEvent, name string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return true
		}
	}
	return false
}

// FullTag returns the first full tag vector named name.
func FullTag(e *SignedEvent, name string) ([]string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// ExpTag returns the event's exp tag as a Unix timestamp, if present and
// parseable.
func ExpTag(e *SignedEvent) (int64, bool) {
	v, ok := FirstTagValue(e, "exp")
	if !ok {
		return 0, false
	}
	var exp int64
	if _, err := fmt.Sscanf(v, "%d", &exp); err != nil {
		return 0, false
	}
	return exp, true
}

// IsExpired reports whether the event carries an exp tag that has already
// passed as of now.
func IsExpired(e *SignedEvent, now time.Time) bool {
	exp, ok := ExpTag(e)
	if !ok {
		return false
	}
	return exp <= now.Unix()
}

// SchemaOf extracts the "schema" discriminator from a JSON content body.
// Returns "" if content is not a JSON object or has no schema field.
func SchemaOf(content string) string {
	var probe struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return ""
	}
	return probe.Schema
}

// NormalizeTopicID lowercases the ASCII letters of a topic identifier for
// storage and comparison. It does not trim whitespace and does not add a
// kukuri:topic: prefix; any other byte is returned unchanged.
func NormalizeTopicID(raw string) string {
	return normalizeLower(raw)
}

func normalizeLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// UserTopicID returns the per-author "user topic" that every event from
// pubkey is linked to in addition to its explicit t-tags (spec §3
// EventTopicLink).
func UserTopicID(pubkey string) string {
	return "user:" + normalizeLower(pubkey)
}
