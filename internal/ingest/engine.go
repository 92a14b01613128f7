// Package ingest implements C2, the Ingest Engine: the single path every
// signed event takes before it is considered part of this node's state,
// regardless of whether it arrived over a client WebSocket connection, an
// HTTP publish endpoint, or the gossip mesh (spec §4.2). It chains C1
// validation, rate limiting, topic derivation, scope/epoch/membership
// authorization, duplicate suppression, and atomic persistence, then
// fans the result out to the realtime bus, the gossip mesh, and the
// access controller.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kukuri-dev/kukuri-node/internal/access"
	"github.com/kukuri-dev/kukuri-node/internal/dedup"
	"github.com/kukuri-dev/kukuri-node/internal/gossip"
	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/metrics"
	"github.com/kukuri-dev/kukuri-node/internal/ratelimit"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
	"github.com/kukuri-dev/kukuri-node/internal/subscribe"
	"github.com/kukuri-dev/kukuri-node/internal/validator"
)

// globalTopicID is appended to every non-addressable event's topic links
// by default (spec §3 EventTopicLink: "The global topic is appended by
// default unless the event's kind is addressable (30078)").
const globalTopicID = "kukuri:topic:global"

// Source identifies where an event entered the node, per spec §4.2's
// closed set. Re-ingested attestations (§4.7) are attributed to http,
// the closest fit for an internally-originated, non-gossip, non-connection
// publish.
type Source string

const (
	SourceWS     Source = "ws"
	SourceHTTP   Source = "http"
	SourceGossip Source = "gossip"
)

// Context carries the per-call identity used for rate limiting and
// authorization (spec §4.2: "bucket key = pubkey if context has
// auth_pubkey, else peer-address").
type Context struct {
	AuthPubkey string
	PeerAddr   string
}

// Result mirrors spec §4.2's IngestOutcome, trimmed to what callers need
// to acknowledge a publish.
type Result struct {
	Accepted  bool
	Duplicate bool
	Rejected  bool
	Reason    string
}

// allowedKinds is the full set of kinds this node is willing to store,
// including the two plain, non-KIP-shaped kinds (spec §3: "closed set of
// meaningful kinds"). Anything else is rejected as unsupported_kind.
var allowedKinds = map[int]bool{
	kipevent.KindTextNote:         true,
	kipevent.KindReaction:         true,
	kipevent.KindAuthResponse:     true,
	kipevent.KindTopicPost:        true,
	kipevent.KindNodeDescriptor:   true,
	kipevent.KindTopicService:     true,
	kipevent.KindReport:           true,
	kipevent.KindLabel:            true,
	kipevent.KindAttestation:      true,
	kipevent.KindTrustAnchor:      true,
	kipevent.KindKeyEnvelope:      true,
	kipevent.KindInviteCapability: true,
	kipevent.KindJoinRequest:      true,
}

// accessKinds are delivered to C4 in addition to normal storage (spec
// §4.2: "Kinds with side effects interpreted by C4 ... are delivered to
// C4 via the realtime channel in addition to normal storage").
var accessKinds = map[int]bool{
	kipevent.KindKeyEnvelope:      true,
	kipevent.KindInviteCapability: true,
	kipevent.KindJoinRequest:      true,
}

// Config bundles the Engine's collaborators. Mesh, Access, Dedup, and
// Limiter may be nil to disable the corresponding behavior (useful for
// focused tests); Store and Bus are required.
type Config struct {
	Store           *store.Store
	Bus             *realtime.Bus
	Mesh            gossip.Mesh
	Limiter         *ratelimit.Limiter
	Dedup           *dedup.Cache
	Access          *access.Controller
	TopicAllowed    func(topicID string) (bool, error)
	StaleEpochGrace int64
	Now             func() time.Time
	Log             *slog.Logger
}

// Engine is C2's concrete implementation.
type Engine struct {
	store           *store.Store
	bus             *realtime.Bus
	mesh            gossip.Mesh
	limiter         *ratelimit.Limiter
	dedup           *dedup.Cache
	access          *access.Controller
	topicAllowed    func(string) (bool, error)
	staleEpochGrace int64
	now             func() time.Time
	log             *slog.Logger
}

// New builds an Engine from cfg, applying defaults for optional fields.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.TopicAllowed == nil {
		cfg.TopicAllowed = func(string) (bool, error) { return true, nil }
	}
	return &Engine{
		store:           cfg.Store,
		bus:             cfg.Bus,
		mesh:            cfg.Mesh,
		limiter:         cfg.Limiter,
		dedup:           cfg.Dedup,
		access:          cfg.Access,
		topicAllowed:    cfg.TopicAllowed,
		staleEpochGrace: cfg.StaleEpochGrace,
		now:             cfg.Now,
		log:             cfg.Log,
	}
}

// Ingest runs raw through the full C2 pipeline (spec §4.2's
// ingest_event(event, source, context) -> IngestOutcome contract).
func (e *Engine) Ingest(raw json.RawMessage, src Source, ictx Context) (Result, error) {
	identity := ictx.AuthPubkey
	if identity == "" {
		identity = ictx.PeerAddr
	}
	if e.limiter != nil && !e.limiter.Allow(ratelimit.PurposeIngestEvent, identity) {
		return e.reject(string(src), "rate-limited"), nil
	}

	evt, err := validator.ParseEvent(raw)
	if err != nil {
		return e.reject(string(src), "malformed"), nil
	}

	if !allowedKinds[evt.Kind] {
		return e.reject(string(src), "unsupported_kind"), nil
	}

	if _, err := validator.ValidateKIP(evt, validator.DefaultOptions(e.now())); err != nil {
		return e.reject(string(src), err.Error()), nil
	}

	tTopics, err := e.deriveEnabledTopics(evt)
	if err != nil {
		return Result{}, err
	}
	rawTTags := kipevent.TagValues(evt, "t")
	if len(tTopics) == 0 && requiresTopicScoping(evt.Kind, len(rawTTags) > 0) {
		return e.reject(string(src), "topic_not_allowed"), nil
	}

	if ok, reason := e.authorize(evt, tTopics, ictx.AuthPubkey); !ok {
		return e.reject(string(src), reason), nil
	}

	if e.dedup != nil && e.dedup.Seen(evt.ID) {
		metrics.IngestEventsTotal.WithLabelValues("duplicate").Inc()
		return Result{Accepted: true, Duplicate: true}, nil
	}

	linkTopics := appendUnique(append([]string{}, tTopics...), kipevent.UserTopicID(evt.PubKey))
	if evt.Kind != kipevent.KindTopicPost {
		linkTopics = appendUnique(linkTopics, globalTopicID)
	}

	replaceableKey, addressableKey, ephemeral, expiresAt := classifyPersistence(evt)

	_, err = e.store.InsertEvent(store.InsertEventParams{
		Event:          evt,
		TopicIDs:       linkTopics,
		ReplaceableKey: replaceableKey,
		AddressableKey: addressableKey,
		IsEphemeral:    ephemeral,
		ExpiresAt:      expiresAt,
		OutboxOp:       "upsert",
		OutboxReason:   string(src),
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		metrics.IngestEventsTotal.WithLabelValues("duplicate").Inc()
		return Result{Accepted: true, Duplicate: true}, nil
	}
	if err != nil {
		e.log.Error("ingest: persist failed", "event_id", evt.ID, "error", err)
		metrics.IngestEventsTotal.WithLabelValues("persist_error").Inc()
		return Result{}, err
	}

	metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()

	e.bus.Publish(realtime.Event{
		Timestamp: time.Now(),
		Source:    realtime.SourceIngest,
		Kind:      realtime.KindEventAccepted,
		Data: map[string]any{
			"event_id":  evt.ID,
			"kind":      evt.Kind,
			"topic_ids": linkTopics,
			"source":    string(src),
		},
	})

	if src != SourceGossip && e.mesh != nil {
		e.broadcast(evt, linkTopics)
	}

	if e.access != nil && accessKinds[evt.Kind] {
		if aerr := e.access.HandleInboundEvent(evt); aerr != nil {
			e.log.Warn("ingest: access controller rejected inbound event", "event_id", evt.ID, "error", aerr)
		}
	}

	return Result{Accepted: true}, nil
}

// reject records the outcome metric, publishes KindEventRejected, and
// builds the Result a rejection branch returns.
func (e *Engine) reject(source, reason string) Result {
	metrics.IngestEventsTotal.WithLabelValues(reason).Inc()
	e.bus.Publish(realtime.Event{
		Timestamp: time.Now(),
		Source:    realtime.SourceIngest,
		Kind:      realtime.KindEventRejected,
		Data:      map[string]any{"reason": reason, "source": source},
	})
	return Result{Rejected: true, Reason: reason}
}

func (e *Engine) broadcast(evt *kipevent.SignedEvent, topics []string) {
	frameBytes, err := gossip.EncodeFrame(evt)
	if err != nil {
		e.log.Warn("ingest: encode gossip frame failed", "event_id", evt.ID, "error", err)
		return
	}
	for _, topicID := range topics {
		if topicID == globalTopicID {
			continue
		}
		_ = e.mesh.JoinTopic(topicID, nil)
		if err := e.mesh.Broadcast(topicID, frameBytes); err != nil && !errors.Is(err, gossip.ErrTopicNotFound) {
			e.log.Warn("ingest: gossip broadcast failed", "topic", topicID, "error", err)
		}
	}
}

// deriveEnabledTopics normalizes every t-tag value and keeps only the
// ones this node has enabled (spec §4.2: "intersect with this node's
// enabled topic set").
func (e *Engine) deriveEnabledTopics(evt *kipevent.SignedEvent) ([]string, error) {
	raw := kipevent.TagValues(evt, "t")
	var out []string
	for _, t := range raw {
		norm := kipevent.NormalizeTopicID(t)
		ok, err := e.topicAllowed(norm)
		if err != nil {
			return nil, fmt.Errorf("ingest: topic allowed check: %w", err)
		}
		if ok {
			out = appendUnique(out, norm)
		}
	}
	return out, nil
}

// requiresTopicScoping reports whether kind requires at least one
// surviving enabled topic to proceed (spec §4.2's closed list).
func requiresTopicScoping(kind int, hasTTag bool) bool {
	switch kind {
	case kipevent.KindTopicPost, kipevent.KindTopicService, kipevent.KindKeyEnvelope,
		kipevent.KindInviteCapability, kipevent.KindJoinRequest:
		return true
	case kipevent.KindTextNote:
		return hasTTag
	default:
		return false
	}
}

// authorize enforces spec §4.2's scope/membership/epoch rule across
// every derived topic. Events with no scope tag, or scope=public, are
// always allowed. Mirrors internal/subscribe's isAllowed, generalized to
// a set of topics instead of one.
func (e *Engine) authorize(evt *kipevent.SignedEvent, topics []string, authPubkey string) (bool, string) {
	scopeVal, ok := kipevent.FirstTagValue(evt, "scope")
	if !ok || kipevent.Scope(scopeVal) == kipevent.ScopePublic {
		return true, ""
	}
	if authPubkey == "" {
		return false, "consent_required"
	}
	if len(topics) == 0 {
		return false, "membership_required"
	}

	var epoch int64
	hasEpoch := false
	if epochStr, ok := kipevent.FirstTagValue(evt, "epoch"); ok {
		if _, err := fmt.Sscanf(epochStr, "%d", &epoch); err == nil {
			hasEpoch = true
		}
	}

	for _, topicID := range topics {
		active, err := e.store.IsActiveMember(topicID, scopeVal, authPubkey)
		if err != nil || !active {
			return false, "membership_required"
		}
		if hasEpoch {
			current, err := e.store.CurrentEpoch(topicID, scopeVal)
			if err == nil && (epoch > current || epoch < current-e.staleEpochGrace) {
				return false, "stale_epoch"
			}
		}
	}
	return true, ""
}

// classifyPersistence derives the replaceable/addressable supersession
// key, ephemeral flag, and expiry for evt from its kind, following the
// same replaceable (10000-19999) / ephemeral (20000-29999) / addressable
// (30000-39999) kind-range convention the wire format already uses for
// k=22242 and the 39xxx KIP kinds (spec §3's StoredEvent lifecycle).
func classifyPersistence(evt *kipevent.SignedEvent) (replaceableKey, addressableKey string, ephemeral bool, expiresAt *int64) {
	switch {
	case evt.Kind == 0 || evt.Kind == 3 || (evt.Kind >= 10000 && evt.Kind < 20000):
		replaceableKey = fmt.Sprintf("%s:%d", evt.PubKey, evt.Kind)
	case evt.Kind >= 20000 && evt.Kind < 30000:
		ephemeral = true
	case evt.Kind >= 30000 && evt.Kind < 40000:
		d, _ := kipevent.FirstTagValue(evt, "d")
		addressableKey = fmt.Sprintf("%s:%d:%s", evt.PubKey, evt.Kind, d)
	}
	if expStr, ok := kipevent.FirstTagValue(evt, "exp"); ok {
		var exp int64
		if _, err := fmt.Sscanf(expStr, "%d", &exp); err == nil {
			expiresAt = &exp
		}
	}
	return
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// WSAdapter binds an Engine to one WebSocket session, satisfying
// internal/subscribe's narrow Ingestor interface. AuthPubkey is called
// lazily on every publish so it reflects the session's current
// authentication state (set after an AUTH handshake completes).
type WSAdapter struct {
	Engine     *Engine
	AuthPubkey func() string
	PeerAddr   string
}

// IngestEvent implements subscribe.Ingestor.
func (a *WSAdapter) IngestEvent(raw json.RawMessage) (subscribe.IngestResult, error) {
	ctx := Context{PeerAddr: a.PeerAddr}
	if a.AuthPubkey != nil {
		ctx.AuthPubkey = a.AuthPubkey()
	}
	res, err := a.Engine.Ingest(raw, SourceWS, ctx)
	return subscribe.IngestResult{Duplicate: res.Duplicate, Rejected: res.Rejected, Reason: res.Reason}, err
}

// TrustAdapter re-ingests the trust worker's own signed attestation
// events (spec §4.7: "re-ingest it via C2 so it flows through the normal
// event pipeline"), satisfying internal/trust's simpler, error-only
// Ingestor interface by structural typing (no import of internal/trust
// needed).
type TrustAdapter struct {
	Engine     *Engine
	NodePubkey string
}

// IngestEvent implements trust.Ingestor.
func (a *TrustAdapter) IngestEvent(raw json.RawMessage) error {
	_, err := a.Engine.Ingest(raw, SourceHTTP, Context{AuthPubkey: a.NodePubkey})
	return err
}
