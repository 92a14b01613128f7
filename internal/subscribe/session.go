package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/metrics"
	"github.com/kukuri-dev/kukuri-node/internal/ratelimit"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
	"github.com/kukuri-dev/kukuri-node/internal/validator"
)

// authState is the connection's position in the Unauthenticated ->
// Authenticated state machine (spec §4.5).
type authState int

const (
	stateUnauthenticated authState = iota
	stateAuthenticated
)

// Conn is the minimal transport C5 needs: read/write one text frame at a
// time. The real adapter wraps *websocket.Conn; tests use a fake.
type Conn interface {
	ReadText() ([]byte, error)
	WriteText(data []byte) error
	Close() error
}

// Config bundles a Session's static policy knobs.
type Config struct {
	RelayURL          string
	RequireAuth       bool
	AuthTimeout       time.Duration // default 30s per spec §5
	ChallengeInterval time.Duration // how often to reissue a challenge while unauthenticated
	StaleEpochGrace   int64
	SubscribeBufSize  int // realtime bus channel buffer, default 64
	Identity          string
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.ChallengeInterval <= 0 {
		c.ChallengeInterval = 5 * time.Second
	}
	if c.SubscribeBufSize <= 0 {
		c.SubscribeBufSize = 64
	}
	return c
}

// subscription is the filter set registered under one REQ sub_id.
type subscription struct {
	filters []Filter
}

// Session drives one connection's entire lifecycle: auth handshake, REQ
// backfill + live fan-out, and client-published EVENT ingestion.
type Session struct {
	conn     Conn
	store    *store.Store
	bus      *realtime.Bus
	limiter  *ratelimit.Limiter
	ingestor Ingestor
	topicOK  func(topicID string) (bool, error)
	cfg      Config
	log      *slog.Logger

	mu              sync.Mutex
	state           authState
	authPubkey      string
	challenge       string
	subs            map[string]*subscription
	unauthGaugeOnce sync.Once
}

// NewSession constructs a Session. topicAllowed decides whether a t-tag
// value names a topic this node will serve REQ/backfill for; nil falls
// back to store.TopicExists, which accepts only topics with a topics row.
func NewSession(conn Conn, st *store.Store, bus *realtime.Bus, limiter *ratelimit.Limiter, ingestor Ingestor, topicAllowed func(string) (bool, error), cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if topicAllowed == nil {
		topicAllowed = st.TopicExists
	}
	return &Session{
		conn:     conn,
		store:    st,
		bus:      bus,
		limiter:  limiter,
		ingestor: ingestor,
		topicOK:  topicAllowed,
		cfg:      cfg.withDefaults(),
		log:      log,
		subs:     make(map[string]*subscription),
	}
}

// Run drives the connection until the context is canceled, the
// transport errors, or the connection is closed server-side (e.g. a
// missed auth deadline). It always returns with the connection closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	var busCh <-chan realtime.Event
	if s.bus != nil {
		busCh = s.bus.Subscribe(s.cfg.SubscribeBufSize)
		defer s.bus.Unsubscribe(busCh)
	}

	readCh := make(chan []byte)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			msg, err := s.conn.ReadText()
			if err != nil {
				select {
				case errCh <- err:
				case <-done:
				}
				return
			}
			select {
			case readCh <- msg:
			case <-done:
				return
			}
		}
	}()

	deadline := time.Now().Add(s.cfg.AuthTimeout)
	if s.cfg.RequireAuth {
		metrics.WSUnauthenticatedConnections.Inc()
		defer s.decrementUnauthGauge()
		if err := s.issueChallenge(); err != nil {
			return err
		}
	} else {
		s.mu.Lock()
		s.state = stateAuthenticated
		s.mu.Unlock()
	}

	ticker := time.NewTicker(s.cfg.ChallengeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-readCh:
			if err := s.handleMessage(msg); err != nil {
				s.log.Warn("subscribe: message handling error", "error", err)
			}
		case evt := <-busCh:
			s.handleRealtimeEvent(evt)
		case <-ticker.C:
			s.mu.Lock()
			unauth := s.state == stateUnauthenticated
			s.mu.Unlock()
			if !unauth {
				continue
			}
			if time.Now().After(deadline) {
				_ = s.sendClosed("", "auth-required")
				return fmt.Errorf("auth deadline exceeded")
			}
			if err := s.issueChallenge(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) issueChallenge() error {
	token := uuid.NewString()
	s.mu.Lock()
	s.challenge = token
	s.mu.Unlock()
	b, err := authChallengeFrame(token)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}

func (s *Session) handleMessage(raw []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
		return s.sendNotice("malformed message")
	}
	var typ string
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return s.sendNotice("malformed message type")
	}

	switch typ {
	case "EVENT":
		return s.handleEvent(arr)
	case "REQ":
		return s.handleReq(arr)
	case "CLOSE":
		return s.handleClose(arr)
	case "AUTH":
		return s.handleAuth(arr)
	default:
		return s.sendNotice("unsupported message type: " + typ)
	}
}

func (s *Session) handleEvent(arr []json.RawMessage) error {
	if len(arr) < 2 {
		return s.sendNotice("EVENT: missing payload")
	}
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(arr[1], &probe)

	if s.limiter != nil && !s.limiter.Allow(ratelimit.PurposeIngestEvent, s.identity()) {
		return s.sendOK(probe.ID, false, "rate-limited")
	}
	if s.ingestor == nil {
		return s.sendOK(probe.ID, false, "ingest unavailable")
	}

	result, err := s.ingestor.IngestEvent(arr[1])
	if err != nil {
		return s.sendOK(probe.ID, false, "invalid: "+err.Error())
	}
	if result.Duplicate {
		return s.sendOK(probe.ID, true, "duplicate")
	}
	if result.Rejected {
		return s.sendOK(probe.ID, false, result.Reason)
	}
	return s.sendOK(probe.ID, true, "")
}

func (s *Session) handleReq(arr []json.RawMessage) error {
	if len(arr) < 3 {
		return s.sendNotice("REQ: missing sub_id or filter")
	}
	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		return s.sendNotice("REQ: malformed sub_id")
	}

	if s.limiter != nil && !s.limiter.Allow(ratelimit.PurposeSubscribeReq, s.identity()) {
		return s.sendClosed(subID, "rate-limited")
	}

	filters := make([]Filter, 0, len(arr)-2)
	for _, raw := range arr[2:] {
		f, err := ParseFilter(raw)
		if err != nil {
			return s.sendClosed(subID, "malformed filter")
		}
		filters = append(filters, f)
	}

	for _, f := range filters {
		for _, topicID := range f.NormalizedTopics() {
			ok, err := s.topicOK(topicID)
			if err != nil {
				return s.sendClosed(subID, "internal error")
			}
			if !ok {
				return s.sendClosed(subID, "restricted: topic not enabled")
			}
		}
	}

	s.mu.Lock()
	s.subs[subID] = &subscription{filters: filters}
	s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, f := range filters {
		qf := store.QueryFilter{
			IDs:     f.IDs,
			Authors: f.Authors,
			Kinds:   f.Kinds,
			Since:   f.Since,
			Until:   f.Until,
			Limit:   f.Limit,
		}
		rows, err := s.store.QueryEvents(qf, f.NormalizedTopics())
		if err != nil {
			return s.sendClosed(subID, "internal error")
		}
		for _, row := range rows {
			if _, dup := seen[row.Event.ID]; dup {
				continue
			}
			seen[row.Event.ID] = struct{}{}
			if !f.Matches(&row.Event) {
				continue
			}
			allowed, _ := isAllowed(s.store, s.cfg.StaleEpochGrace, &row.Event, s.authPubkeySnapshot())
			if !allowed {
				continue
			}
			rawEvent, err := json.Marshal(row.Event)
			if err != nil {
				continue
			}
			if err := s.sendEvent(subID, rawEvent); err != nil {
				return err
			}
		}
	}
	return s.sendEOSE(subID)
}

func (s *Session) handleClose(arr []json.RawMessage) error {
	if len(arr) < 2 {
		return nil
	}
	var subID string
	if err := json.Unmarshal(arr[1], &subID); err != nil {
		return nil
	}
	s.mu.Lock()
	delete(s.subs, subID)
	s.mu.Unlock()
	return nil
}

// handleAuth validates a kind-22242 auth response against the
// outstanding challenge and the server's announced relay URL (spec §4.5,
// S6). On success the connection's auth_pubkey is set; on failure the
// connection remains unauthenticated and the caller learns why via an
// OK-false frame.
func (s *Session) handleAuth(arr []json.RawMessage) error {
	if len(arr) < 2 {
		return s.sendNotice("AUTH: missing event")
	}
	var evt kipevent.SignedEvent
	if err := json.Unmarshal(arr[1], &evt); err != nil {
		return s.sendNotice("AUTH: malformed event")
	}

	reason := s.validateAuthEvent(&evt)
	if reason != "" {
		return s.sendOK(evt.ID, false, "auth-required: "+reason)
	}

	s.mu.Lock()
	s.state = stateAuthenticated
	s.authPubkey = evt.PubKey
	s.mu.Unlock()
	s.decrementUnauthGauge()

	return s.sendOK(evt.ID, true, "")
}

// decrementUnauthGauge decrements ws_unauthenticated_connections exactly
// once per session, whether that happens on successful auth or on the
// deferred cleanup when a still-unauthenticated connection closes (spec
// §5: "decrement ws_connections/ws_unauthenticated_connections gauges
// before returning").
func (s *Session) decrementUnauthGauge() {
	s.unauthGaugeOnce.Do(func() {
		metrics.WSUnauthenticatedConnections.Dec()
	})
}

func (s *Session) validateAuthEvent(evt *kipevent.SignedEvent) string {
	if evt.Kind != kipevent.KindAuthResponse {
		return "wrong kind"
	}
	if err := validator.VerifySignature(evt); err != nil {
		return "bad signature"
	}
	now := time.Now().Unix()
	if diff := now - int64(evt.CreatedAt); diff > 600 || diff < -600 {
		return "stale timestamp"
	}

	s.mu.Lock()
	wantChallenge := s.challenge
	s.mu.Unlock()

	challenge, ok := kipevent.FirstTagValue(evt, "challenge")
	if !ok || challenge != wantChallenge {
		return "challenge mismatch"
	}
	relay, ok := kipevent.FirstTagValue(evt, "relay")
	if !ok || !strings.EqualFold(relay, s.cfg.RelayURL) {
		return "relay mismatch"
	}
	return ""
}

// handleRealtimeEvent pushes a newly-accepted event to every subscription
// whose filters match it and which passes is_allowed for this
// connection's auth_pubkey.
func (s *Session) handleRealtimeEvent(evt realtime.Event) {
	if evt.Kind != realtime.KindEventAccepted {
		return
	}
	eventID, _ := evt.Data["event_id"].(string)
	if eventID == "" {
		return
	}
	stored, err := s.store.GetEvent(eventID)
	if err != nil || stored == nil {
		return
	}

	authPubkey := s.authPubkeySnapshot()
	allowed, _ := isAllowed(s.store, s.cfg.StaleEpochGrace, &stored.Event, authPubkey)
	if !allowed {
		return
	}

	rawEvent, err := json.Marshal(stored.Event)
	if err != nil {
		return
	}

	s.mu.Lock()
	matches := make([]string, 0, 1)
	for subID, sub := range s.subs {
		for _, f := range sub.filters {
			if f.Matches(&stored.Event) {
				matches = append(matches, subID)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, subID := range matches {
		_ = s.sendEvent(subID, rawEvent)
	}
}

func (s *Session) authPubkeySnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authPubkey
}

// AuthPubkey returns the pubkey this session authenticated as, or "" if
// the AUTH handshake has not completed. Exported so a composition root can
// bind it as ingest.WSAdapter's AuthPubkey closure, read fresh on every
// publish rather than snapshotted at session construction.
func (s *Session) AuthPubkey() string {
	return s.authPubkeySnapshot()
}

func (s *Session) identity() string {
	s.mu.Lock()
	pub := s.authPubkey
	s.mu.Unlock()
	if pub != "" {
		return pub
	}
	return s.cfg.Identity
}

func (s *Session) sendOK(eventID string, ok bool, message string) error {
	b, err := okFrame(eventID, ok, message)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}

func (s *Session) sendEvent(subID string, rawEvent json.RawMessage) error {
	b, err := eventFrame(subID, rawEvent)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}

func (s *Session) sendEOSE(subID string) error {
	b, err := eoseFrame(subID)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}

func (s *Session) sendClosed(subID, reason string) error {
	b, err := closedFrame(subID, reason)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}

func (s *Session) sendNotice(text string) error {
	b, err := noticeFrame(text)
	if err != nil {
		return err
	}
	return s.conn.WriteText(b)
}
