package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
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

type capturingIngestor struct {
	events []*nostr.Event
}

func (c *capturingIngestor) IngestEvent(raw json.RawMessage) error {
	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return err
	}
	c.events = append(c.events, &evt)
	return nil
}

// drainOutbox feeds every outstanding events_outbox row through w's
// intake consumer, standing in for the outbox dispatcher's poll loop so
// tests can exercise the same (consumer_id, last_seq) path production
// uses instead of seeding trust_raw_interactions directly.
func drainOutbox(t *testing.T, st *store.Store, w *Worker) {
	t.Helper()
	entries, err := st.OutboxAfter(0, 1000)
	if err != nil {
		t.Fatalf("outbox after: %v", err)
	}
	if err := w.consumeOutbox(entries); err != nil {
		t.Fatalf("consume outbox: %v", err)
	}
}

func insertReport(t *testing.T, st *store.Store, reporterSK, subjectPub, reason string) {
	t.Helper()
	pub, err := nostr.GetPublicKey(reporterSK)
	if err != nil {
		t.Fatalf("get pubkey: %v", err)
	}
	evt := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kipevent.KindReport,
		Tags: nostr.Tags{
			{"target", subjectPub},
			{"reason", reason},
		},
		Content: "",
	}
	if err := evt.Sign(reporterSK); err != nil {
		t.Fatalf("sign report: %v", err)
	}
	if _, err := st.InsertEvent(store.InsertEventParams{Event: evt}); err != nil {
		t.Fatalf("insert report: %v", err)
	}
}

// TestReportBasedScoring_S4 implements spec's literal S4 scenario: one
// kind-39005 report against a subject yields score 0.1 with the
// configured weights/normalization, plus a referenced attestation event.
func TestReportBasedScoring_S4(t *testing.T) {
	st := newTestStore(t)

	reporterSK := nostr.GeneratePrivateKey()
	subjectSK := nostr.GeneratePrivateKey()
	subjectPub, err := nostr.GetPublicKey(subjectSK)
	if err != nil {
		t.Fatalf("get subject pubkey: %v", err)
	}
	insertReport(t, st, reporterSK, subjectPub, "spam")

	nodeSK := nostr.GeneratePrivateKey()
	ingestor := &capturingIngestor{}
	w, err := New(st, nil, nodeSK, ingestor, Config{
		WindowDays:               30,
		ReportWeight:             1.0,
		LabelWeight:              1.0,
		ReportScoreNormalization: 10.0,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	drainOutbox(t, st, w)
	if err := w.RunOnce(context.Background(), JobTypeReportBased); err != nil {
		t.Fatalf("run once: %v", err)
	}

	score, err := st.GetReportScore(subjectPub)
	if err != nil {
		t.Fatalf("get report score: %v", err)
	}
	if score.Score != 0.1 {
		t.Fatalf("expected score 0.1, got %v", score.Score)
	}
	if score.ReportCount != 1 {
		t.Fatalf("expected report_count 1, got %d", score.ReportCount)
	}
	if score.LabelCount != 0 {
		t.Fatalf("expected label_count 0, got %d", score.LabelCount)
	}
	if score.AttestationID == "" {
		t.Fatal("expected attestation_id to be set")
	}

	if len(ingestor.events) != 1 {
		t.Fatalf("expected 1 re-ingested attestation event, got %d", len(ingestor.events))
	}
	att := ingestor.events[0]
	if att.ID != score.AttestationID {
		t.Fatalf("attestation event id %q does not match score.attestation_id %q", att.ID, score.AttestationID)
	}
	if att.Kind != kipevent.KindAttestation {
		t.Fatalf("expected kind 39010, got %d", att.Kind)
	}
	claim, ok := kipevent.FirstTagValue(att, "claim")
	if !ok || claim != "moderation.risk" {
		t.Fatalf("expected claim=moderation.risk, got %q (ok=%v)", claim, ok)
	}
	subTag, ok := kipevent.FullTag(att, "sub")
	if !ok || len(subTag) < 3 || subTag[1] != "pubkey" || subTag[2] != subjectPub {
		t.Fatalf("unexpected sub tag: %v (ok=%v)", subTag, ok)
	}
	var content struct {
		Schema  string  `json:"schema"`
		Subject string  `json:"subject"`
		Claim   string  `json:"claim"`
		Score   float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(att.Content), &content); err != nil {
		t.Fatalf("unmarshal attestation content: %v", err)
	}
	if content.Score != 0.1 || content.Subject != subjectPub || content.Claim != "moderation.risk" {
		t.Fatalf("unexpected attestation content: %+v", content)
	}
}

// TestReportBasedScoring_Monotonicity implements spec invariant 7: a
// second run with no new qualifying events produces no new attestation
// and leaves attestation_id unchanged.
func TestReportBasedScoring_Monotonicity(t *testing.T) {
	st := newTestStore(t)

	reporterSK := nostr.GeneratePrivateKey()
	subjectSK := nostr.GeneratePrivateKey()
	subjectPub, err := nostr.GetPublicKey(subjectSK)
	if err != nil {
		t.Fatalf("get subject pubkey: %v", err)
	}
	insertReport(t, st, reporterSK, subjectPub, "spam")

	nodeSK := nostr.GeneratePrivateKey()
	ingestor := &capturingIngestor{}
	w, err := New(st, nil, nodeSK, ingestor, Config{
		WindowDays:               30,
		ReportWeight:             1.0,
		LabelWeight:              1.0,
		ReportScoreNormalization: 10.0,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	drainOutbox(t, st, w)
	if err := w.RunOnce(context.Background(), JobTypeReportBased); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := st.GetReportScore(subjectPub)
	if err != nil {
		t.Fatalf("get report score: %v", err)
	}

	if err := w.RunOnce(context.Background(), JobTypeReportBased); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := st.GetReportScore(subjectPub)
	if err != nil {
		t.Fatalf("get report score: %v", err)
	}

	if second.AttestationID != first.AttestationID {
		t.Fatalf("expected attestation_id unchanged, got %q != %q", second.AttestationID, first.AttestationID)
	}
	if len(ingestor.events) != 1 {
		t.Fatalf("expected exactly 1 attestation across both runs, got %d", len(ingestor.events))
	}
}

func TestCommunicationDensityScoring(t *testing.T) {
	st := newTestStore(t)

	actorSK := nostr.GeneratePrivateKey()
	subjectSK := nostr.GeneratePrivateKey()
	subjectPub, err := nostr.GetPublicKey(subjectSK)
	if err != nil {
		t.Fatalf("get subject pubkey: %v", err)
	}
	actorPub, err := nostr.GetPublicKey(actorSK)
	if err != nil {
		t.Fatalf("get actor pubkey: %v", err)
	}

	evt := &nostr.Event{
		PubKey:    actorPub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kipevent.KindReaction,
		Tags:      nostr.Tags{{"p", subjectPub}},
		Content:   "+",
	}
	if err := evt.Sign(actorSK); err != nil {
		t.Fatalf("sign reaction: %v", err)
	}
	if _, err := st.InsertEvent(store.InsertEventParams{Event: evt}); err != nil {
		t.Fatalf("insert reaction: %v", err)
	}

	nodeSK := nostr.GeneratePrivateKey()
	ingestor := &capturingIngestor{}
	w, err := New(st, nil, nodeSK, ingestor, Config{
		WindowDays:                      30,
		InteractionWeights:              map[int]float64{kipevent.KindReaction: 5.0},
		CommunicationScoreNormalization: 10.0,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	drainOutbox(t, st, w)
	if err := w.RunOnce(context.Background(), JobTypeCommunicationDensity); err != nil {
		t.Fatalf("run once: %v", err)
	}

	score, err := st.GetCommunicationScore(subjectPub)
	if err != nil {
		t.Fatalf("get communication score: %v", err)
	}
	if score.Score != 0.5 {
		t.Fatalf("expected score 0.5, got %v", score.Score)
	}
	if score.PeerCount != 1 {
		t.Fatalf("expected peer_count 1, got %d", score.PeerCount)
	}
	if len(ingestor.events) != 1 {
		t.Fatalf("expected 1 attestation event, got %d", len(ingestor.events))
	}
	claim, _ := kipevent.FirstTagValue(ingestor.events[0], "claim")
	if claim != "reputation" {
		t.Fatalf("expected claim=reputation, got %q", claim)
	}
}
