package subscribe

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

// fakeConn is an in-process Conn double: test code writes to `in` to
// simulate a client message and reads from `out` to observe server
// frames.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadText() ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return nil, errClosed
	}
}

func (f *fakeConn) WriteText(data []byte) error {
	select {
	case f.out <- data:
		return nil
	default:
		return nil
	}
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) send(t *testing.T, items ...any) {
	t.Helper()
	b, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.in <- b
}

func (f *fakeConn) expectFrame(t *testing.T, timeout time.Duration) []json.RawMessage {
	t.Helper()
	select {
	case b := <-f.out:
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return arr
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func frameType(t *testing.T, arr []json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(arr[0], &s); err != nil {
		t.Fatalf("frame type: %v", err)
	}
	return s
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := store.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func signedNote(t *testing.T, sk string, kind int, content string, tags nostr.Tags) *kipevent.SignedEvent {
	t.Helper()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("get pubkey: %v", err)
	}
	evt := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return evt
}

type noopIngestor struct{}

func (noopIngestor) IngestEvent(raw json.RawMessage) (IngestResult, error) {
	return IngestResult{}, nil
}

func TestREQ_BackfillThenEOSE(t *testing.T) {
	st := newTestStore(t)
	topicID := "kukuri:topic:abcd"
	if err := st.EnsureTopic(topicID, "abcd"); err != nil {
		t.Fatalf("ensure topic: %v", err)
	}

	sk := nostr.GeneratePrivateKey()
	evt := signedNote(t, sk, kipevent.KindTextNote, "hello", nostr.Tags{{"t", topicID}})
	if _, err := st.InsertEvent(store.InsertEventParams{Event: evt, TopicIDs: []string{topicID}}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	conn := newFakeConn()
	sess := NewSession(conn, st, nil, nil, noopIngestor{}, nil, Config{RequireAuth: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	conn.send(t, "REQ", "sub-1", map[string]any{"t": []string{topicID}})

	f1 := conn.expectFrame(t, time.Second)
	if frameType(t, f1) != "EVENT" {
		t.Fatalf("expected EVENT frame, got %s", frameType(t, f1))
	}
	f2 := conn.expectFrame(t, time.Second)
	if frameType(t, f2) != "EOSE" {
		t.Fatalf("expected EOSE frame, got %s", frameType(t, f2))
	}
}

func TestREQ_RestrictedTopicClosesSubscription(t *testing.T) {
	st := newTestStore(t)
	conn := newFakeConn()
	sess := NewSession(conn, st, nil, nil, noopIngestor{}, nil, Config{RequireAuth: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	conn.send(t, "REQ", "sub-1", map[string]any{"t": []string{"kukuri:topic:unknown"}})

	f := conn.expectFrame(t, time.Second)
	if frameType(t, f) != "CLOSED" {
		t.Fatalf("expected CLOSED frame, got %s", frameType(t, f))
	}
}

func TestAuth_ChallengeBindingRejectsRelayMismatch(t *testing.T) {
	st := newTestStore(t)
	conn := newFakeConn()
	sess := NewSession(conn, st, nil, nil, noopIngestor{}, nil, Config{
		RequireAuth: true,
		RelayURL:    "wss://n.example",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	challengeFrame := conn.expectFrame(t, time.Second)
	if frameType(t, challengeFrame) != "AUTH" {
		t.Fatalf("expected AUTH challenge, got %s", frameType(t, challengeFrame))
	}
	var challenge string
	if err := json.Unmarshal(challengeFrame[1], &challenge); err != nil {
		t.Fatalf("unmarshal challenge: %v", err)
	}

	sk := nostr.GeneratePrivateKey()
	authEvt := signedNote(t, sk, kipevent.KindAuthResponse, "", nostr.Tags{
		{"challenge", challenge},
		{"relay", "wss://other"},
	})
	rawEvt, err := json.Marshal(authEvt)
	if err != nil {
		t.Fatalf("marshal auth event: %v", err)
	}
	conn.in <- mustFrame(t, "AUTH", json.RawMessage(rawEvt))

	resp := conn.expectFrame(t, time.Second)
	if frameType(t, resp) != "OK" {
		t.Fatalf("expected OK frame, got %s", frameType(t, resp))
	}
	var ok bool
	if err := json.Unmarshal(resp[2], &ok); err != nil {
		t.Fatalf("unmarshal ok flag: %v", err)
	}
	if ok {
		t.Fatal("expected auth to be rejected on relay mismatch")
	}
	var msg string
	if err := json.Unmarshal(resp[3], &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg != "auth-required: relay mismatch" {
		t.Fatalf("unexpected rejection message: %q", msg)
	}
}

func TestRealtimeFanOut_DeliversToMatchingSubscription(t *testing.T) {
	st := newTestStore(t)
	topicID := "kukuri:topic:abcd"
	if err := st.EnsureTopic(topicID, "abcd"); err != nil {
		t.Fatalf("ensure topic: %v", err)
	}
	bus := realtime.New()

	conn := newFakeConn()
	sess := NewSession(conn, st, bus, nil, noopIngestor{}, nil, Config{RequireAuth: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	conn.send(t, "REQ", "sub-1", map[string]any{"t": []string{topicID}})
	_ = conn.expectFrame(t, time.Second) // EOSE (no backfill yet)

	sk := nostr.GeneratePrivateKey()
	evt := signedNote(t, sk, kipevent.KindTextNote, "live", nostr.Tags{{"t", topicID}})
	seq, err := st.InsertEvent(store.InsertEventParams{Event: evt, TopicIDs: []string{topicID}})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	bus.Publish(realtime.Event{
		Timestamp: time.Now(),
		Source:    realtime.SourceIngest,
		Kind:      realtime.KindEventAccepted,
		Data:      map[string]any{"event_id": evt.ID, "kind": evt.Kind, "seq": seq},
	})

	f := conn.expectFrame(t, time.Second)
	if frameType(t, f) != "EVENT" {
		t.Fatalf("expected EVENT frame, got %s", frameType(t, f))
	}
}

func mustFrame(t *testing.T, items ...any) []byte {
	t.Helper()
	b, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}
