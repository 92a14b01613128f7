package ingest

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"

	"github.com/kukuri-dev/kukuri-node/internal/dedup"
	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

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

func signedEvent(t *testing.T, sk string, kind int, content string, tags nostr.Tags) *kipevent.SignedEvent {
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

func rawOf(t *testing.T, evt *kipevent.SignedEvent) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func newTestEngine(t *testing.T, st *store.Store) *Engine {
	t.Helper()
	cache, err := dedup.New(1024)
	if err != nil {
		t.Fatalf("new dedup cache: %v", err)
	}
	return New(Config{
		Store: st,
		Bus:   realtime.New(),
		Dedup: cache,
	})
}

func TestIngest_AcceptsPlainNoteAndAppendsGlobalAndUserTopics(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st)
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	evt := signedEvent(t, sk, kipevent.KindTextNote, "hello", nostr.Tags{})

	res, err := eng.Ingest(rawOf(t, evt), SourceWS, Context{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Accepted || res.Rejected {
		t.Fatalf("expected accepted, got %+v", res)
	}

	stored, err := st.GetEvent(evt.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored == nil {
		t.Fatal("expected event to be persisted")
	}

	got, err := st.QueryEvents(store.QueryFilter{}, []string{kipevent.UserTopicID(pub)})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(got) != 1 || got[0].Event.ID != evt.ID {
		t.Fatalf("expected event linked to user topic, got %+v", got)
	}

	got, err = st.QueryEvents(store.QueryFilter{}, []string{globalTopicID})
	if err != nil {
		t.Fatalf("query global topic: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected event linked to global topic, got %d", len(got))
	}
}

func TestIngest_RejectsTextNoteWithDisallowedTopic(t *testing.T) {
	st := newTestStore(t)
	eng := New(Config{
		Store:        st,
		Bus:          realtime.New(),
		TopicAllowed: func(string) (bool, error) { return false, nil },
	})
	sk := nostr.GeneratePrivateKey()
	evt := signedEvent(t, sk, kipevent.KindTextNote, "hi", nostr.Tags{{"t", "kukuri:topic:unknown"}})

	res, err := eng.Ingest(rawOf(t, evt), SourceWS, Context{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Rejected || res.Reason != "topic_not_allowed" {
		t.Fatalf("expected topic_not_allowed rejection, got %+v", res)
	}
}

func TestIngest_DuplicateEventReturnsAcceptedDuplicateWithoutReinsert(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st)
	sk := nostr.GeneratePrivateKey()
	evt := signedEvent(t, sk, kipevent.KindTextNote, "hello", nostr.Tags{})
	raw := rawOf(t, evt)

	first, err := eng.Ingest(raw, SourceWS, Context{})
	if err != nil || !first.Accepted || first.Duplicate {
		t.Fatalf("expected first accept, got %+v err=%v", first, err)
	}

	second, err := eng.Ingest(raw, SourceWS, Context{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !second.Accepted || !second.Duplicate {
		t.Fatalf("expected accepted duplicate, got %+v", second)
	}

	max, err := st.MaxOutboxSeq()
	if err != nil {
		t.Fatalf("max outbox seq: %v", err)
	}
	if max != 1 {
		t.Fatalf("expected exactly one outbox row, got seq=%d", max)
	}
}

func TestIngest_FriendScopedTopicPostRequiresMembership(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st)
	topicID := "kukuri:topic:cafe"
	if err := st.EnsureTopic(topicID, "cafe"); err != nil {
		t.Fatalf("ensure topic: %v", err)
	}

	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	evt := signedEvent(t, sk, kipevent.KindTopicPost, "secret", nostr.Tags{
		{"t", topicID},
		{"scope", "friend"},
		{"d", "post-1"},
	})

	rejected, err := eng.Ingest(rawOf(t, evt), SourceWS, Context{AuthPubkey: pub})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !rejected.Rejected || rejected.Reason != "membership_required" {
		t.Fatalf("expected membership_required, got %+v", rejected)
	}

	if err := st.AddMembership(topicID, "friend", pub); err != nil {
		t.Fatalf("add membership: %v", err)
	}

	evt2 := signedEvent(t, sk, kipevent.KindTopicPost, "secret", nostr.Tags{
		{"t", topicID},
		{"scope", "friend"},
		{"d", "post-2"},
	})
	accepted, err := eng.Ingest(rawOf(t, evt2), SourceWS, Context{AuthPubkey: pub})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !accepted.Accepted {
		t.Fatalf("expected accepted once a member, got %+v", accepted)
	}
}

func TestIngest_StaleEpochRejected(t *testing.T) {
	st := newTestStore(t)
	eng := New(Config{
		Store:           st,
		Bus:             realtime.New(),
		StaleEpochGrace: 0,
	})
	topicID := "kukuri:topic:cafe"
	if err := st.EnsureTopic(topicID, "cafe"); err != nil {
		t.Fatalf("ensure topic: %v", err)
	}
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	if err := st.AddMembership(topicID, "friend", pub); err != nil {
		t.Fatalf("add membership: %v", err)
	}
	// Rotate twice so current_epoch is 2; an event stamped with epoch 1
	// is then exactly one epoch stale, which StaleEpochGrace=0 rejects.
	if err := advanceEpoch(st, topicID, "friend"); err != nil {
		t.Fatalf("advance epoch: %v", err)
	}
	if err := advanceEpoch(st, topicID, "friend"); err != nil {
		t.Fatalf("advance epoch: %v", err)
	}

	evt := signedEvent(t, sk, kipevent.KindTopicPost, "secret", nostr.Tags{
		{"t", topicID},
		{"scope", "friend"},
		{"epoch", "1"},
		{"d", "post-1"},
	})
	res, err := eng.Ingest(rawOf(t, evt), SourceWS, Context{AuthPubkey: pub})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Rejected || res.Reason != "stale_epoch" {
		t.Fatalf("expected stale_epoch, got %+v", res)
	}
}

// advanceEpoch bumps (topicID, scope)'s current_epoch by one, mirroring
// what internal/access's Rotate does inside its own transaction.
func advanceEpoch(st *store.Store, topicID, scope string) error {
	tx, err := st.BeginTx()
	if err != nil {
		return err
	}
	if _, _, err := store.AdvanceEpochOnRotateTx(tx, topicID, scope); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestIngest_UnsupportedKindRejected(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st)
	sk := nostr.GeneratePrivateKey()
	evt := signedEvent(t, sk, 9999, "x", nostr.Tags{})

	res, err := eng.Ingest(rawOf(t, evt), SourceWS, Context{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Rejected || res.Reason != "unsupported_kind" {
		t.Fatalf("expected unsupported_kind, got %+v", res)
	}
}
