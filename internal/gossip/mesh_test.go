package gossip

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
)

func testSignedEvent(t *testing.T) *kipevent.SignedEvent {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	evt := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kipevent.KindTextNote,
		Content:   "hi",
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return evt
}

func TestJoinTopic_EmitsNeighborUp(t *testing.T) {
	bus := realtime.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	n := NewNode(bus, nil)
	if err := n.JoinTopic("kukuri:topic:abcd", []string{"peer-1"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != realtime.KindNeighborUp {
			t.Fatalf("expected NeighborUp, got %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NeighborUp")
	}
}

func TestBroadcast_WithoutJoin_Fails(t *testing.T) {
	n := NewNode(realtime.New(), nil)
	evt := testSignedEvent(t)
	frame, err := EncodeFrame(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := n.Broadcast("kukuri:topic:abcd", frame); err != ErrTopicNotFound {
		t.Fatalf("want ErrTopicNotFound, got %v", err)
	}
}

func TestSubscribe_ReceivesBroadcast(t *testing.T) {
	n := NewNode(realtime.New(), nil)
	topicID := "kukuri:topic:abcd"
	if err := n.JoinTopic(topicID, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch, cancel := n.Subscribe(topicID)
	defer cancel()

	evt := testSignedEvent(t)
	frame, err := EncodeFrame(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := n.Broadcast(topicID, frame); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != evt.ID {
			t.Fatalf("id mismatch: got %s want %s", got.ID, evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestSubscribe_MultipleSubscribersAllReceive(t *testing.T) {
	n := NewNode(realtime.New(), nil)
	topicID := "kukuri:topic:abcd"
	if err := n.JoinTopic(topicID, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch1, cancel1 := n.Subscribe(topicID)
	defer cancel1()
	ch2, cancel2 := n.Subscribe(topicID)
	defer cancel2()

	evt := testSignedEvent(t)
	frame, _ := EncodeFrame(evt)
	if err := n.Broadcast(topicID, frame); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for i, ch := range []<-chan *kipevent.SignedEvent{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != evt.ID {
				t.Fatalf("subscriber %d: id mismatch", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestLeaveTopic_ClosesSubscriberChannels(t *testing.T) {
	n := NewNode(realtime.New(), nil)
	topicID := "kukuri:topic:abcd"
	if err := n.JoinTopic(topicID, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch, _ := n.Subscribe(topicID)

	if err := n.LeaveTopic(topicID); err != nil {
		t.Fatalf("leave: %v", err)
	}

	_, ok := <-ch
	if ok {
		t.Fatal("expected subscriber channel closed after LeaveTopic")
	}
}

func TestGetTopicStats_TracksMessageCount(t *testing.T) {
	n := NewNode(realtime.New(), nil)
	topicID := "kukuri:topic:abcd"
	if err := n.JoinTopic(topicID, []string{"peer-1", "peer-2"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	ch, cancel := n.Subscribe(topicID)
	defer cancel()

	evt := testSignedEvent(t)
	frame, _ := EncodeFrame(evt)
	if err := n.Broadcast(topicID, frame); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	<-ch

	stats, ok := n.GetTopicStats(topicID)
	if !ok {
		t.Fatal("expected stats present")
	}
	if stats.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", stats.MessageCount)
	}
	if stats.PeerCount != 2 {
		t.Fatalf("expected peer count 2, got %d", stats.PeerCount)
	}
}

func TestHintStore_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gossip.db")

	hs, err := OpenHintStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := hs.put("kukuri:topic:abcd", []string{"peer-1", "peer-2"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := hs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	hs2, err := OpenHintStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer hs2.Close()

	hints, err := hs2.Load("kukuri:topic:abcd")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(hints) != 2 {
		t.Fatalf("expected 2 persisted hints, got %d", len(hints))
	}
}
