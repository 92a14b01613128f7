// Package gossip implements C3, the topic-keyed gossip mesh. No concrete
// P2P transport (WebRTC/QUIC/iroh-gossip) is in scope (spec §1); this is
// an in-process implementation of the abstract capabilities the spec
// requires, with peer-hint persistence across restarts via bbolt so a
// node rejoining a topic after a crash keeps its previously-learned
// neighbor candidates.
package gossip

import (
	"errors"
	"sync"
	"time"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/metrics"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
)

// ErrTopicNotFound is returned by Broadcast when the caller has not
// joined the topic (spec §4.3: "fails with TopicNotFound if not joined").
var ErrTopicNotFound = errors.New("topic not joined")

// TopicStats mirrors spec §4.3's get_topic_stats result.
type TopicStats struct {
	PeerCount    int
	MessageCount int64
	LastActivity time.Time
}

// Mesh is the abstract transport capability C3 requires. Any
// implementation satisfying this interface is acceptable per spec §4.3;
// Node is this repository's in-process implementation.
type Mesh interface {
	JoinTopic(topicID string, peerHints []string) error
	LeaveTopic(topicID string) error
	Broadcast(topicID string, eventBytes []byte) error
	Subscribe(topicID string) (<-chan *kipevent.SignedEvent, func())
	GetJoinedTopics() []string
	GetTopicPeers(topicID string) []string
	GetTopicStats(topicID string) (TopicStats, bool)
	// Deliver pushes an inbound frame received from a real transport
	// into the mesh so it fans out to local subscribers. Implementations
	// do not validate the frame themselves; the caller (C2's gossip
	// ingress path) is responsible for treating it as untrusted.
	Deliver(topicID string, evt *kipevent.SignedEvent)
}

type topicState struct {
	mu        sync.RWMutex
	peerHints map[string]struct{}
	subs      map[chan *kipevent.SignedEvent]struct{}
	stats     TopicStats
}

// Node is the in-process Mesh implementation. It has no real network
// transport: "peers" are hint strings tracked for observability, and
// broadcast/subscribe fan-out happens entirely within this process via
// buffered channels, mirroring the bounded, drop-on-slow-consumer
// semantics used by internal/realtime.
type Node struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	bus    *realtime.Bus
	hints  *hintStore
}

// NewNode creates a mesh node. bus receives NeighborUp/NeighborDown/
// Lagged notifications (spec §4.3); hints may be nil to disable
// cross-restart peer-hint persistence.
func NewNode(bus *realtime.Bus, hints *hintStore) *Node {
	return &Node{
		topics: make(map[string]*topicState),
		bus:    bus,
		hints:  hints,
	}
}

func (n *Node) topicFor(topicID string) *topicState {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts, ok := n.topics[topicID]
	if !ok {
		ts = &topicState{
			peerHints: make(map[string]struct{}),
			subs:      make(map[chan *kipevent.SignedEvent]struct{}),
		}
		n.topics[topicID] = ts
	}
	return ts
}

// JoinTopic declares interest in topicID and merges peerHints into the
// neighbor candidate set. Re-joining with additional hints adds them
// without duplicate work (spec §4.3).
func (n *Node) JoinTopic(topicID string, peerHints []string) error {
	ts := n.topicFor(topicID)
	ts.mu.Lock()
	for _, h := range peerHints {
		if _, exists := ts.peerHints[h]; !exists {
			ts.peerHints[h] = struct{}{}
			ts.mu.Unlock()
			n.bus.Publish(realtime.Event{
				Timestamp: time.Now(),
				Source:    realtime.SourceGossip,
				Kind:      realtime.KindNeighborUp,
				Data:      map[string]any{"topic_id": topicID, "peer_id": h},
			})
			ts.mu.Lock()
		}
	}
	ts.stats.PeerCount = len(ts.peerHints)
	ts.mu.Unlock()
	metrics.GossipTopicPeers.WithLabelValues(topicID).Set(float64(ts.stats.PeerCount))

	if n.hints != nil {
		if err := n.hints.put(topicID, n.GetTopicPeers(topicID)); err != nil {
			return err
		}
	}
	return nil
}

// LeaveTopic stops forwarding and unsubscribes every local subscriber for
// topicID, closing their channels.
func (n *Node) LeaveTopic(topicID string) error {
	n.mu.Lock()
	ts, ok := n.topics[topicID]
	if ok {
		delete(n.topics, topicID)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for ch := range ts.subs {
		delete(ts.subs, ch)
		close(ch)
	}
	for peerID := range ts.peerHints {
		n.bus.Publish(realtime.Event{
			Timestamp: time.Now(),
			Source:    realtime.SourceGossip,
			Kind:      realtime.KindNeighborDown,
			Data:      map[string]any{"topic_id": topicID, "peer_id": peerID},
		})
	}
	metrics.GossipTopicPeers.DeleteLabelValues(topicID)
	return nil
}

// Broadcast delivers eventBytes to every local subscriber of topicID.
// This in-process mesh cannot reach remote peers, so "flood across the
// neighbor mesh" (spec §4.3) degenerates to local fan-out plus the
// bootstrap peer-hint bookkeeping kept for observability.
func (n *Node) Broadcast(topicID string, eventBytes []byte) error {
	evt, err := decodeFrame(eventBytes)
	if err != nil {
		return err
	}
	n.mu.RLock()
	ts, ok := n.topics[topicID]
	n.mu.RUnlock()
	if !ok {
		return ErrTopicNotFound
	}
	n.fanOut(ts, topicID, evt)
	return nil
}

// Deliver pushes an inbound frame (already decoded) into the mesh, used
// by the gossip ingress adapter once a real transport hands it a frame.
func (n *Node) Deliver(topicID string, evt *kipevent.SignedEvent) {
	n.mu.RLock()
	ts, ok := n.topics[topicID]
	n.mu.RUnlock()
	if !ok {
		return
	}
	n.fanOut(ts, topicID, evt)
}

func (n *Node) fanOut(ts *topicState, topicID string, evt *kipevent.SignedEvent) {
	ts.mu.Lock()
	ts.stats.MessageCount++
	ts.stats.LastActivity = time.Now()
	lagged := false
	for ch := range ts.subs {
		select {
		case ch <- evt:
		default:
			lagged = true
		}
	}
	ts.mu.Unlock()

	if lagged {
		metrics.GossipLaggedTotal.WithLabelValues(topicID).Inc()
		n.bus.Publish(realtime.Event{
			Timestamp: time.Now(),
			Source:    realtime.SourceGossip,
			Kind:      realtime.KindLagged,
			Data:      map[string]any{"topic_id": topicID},
		})
	}
}

// Subscribe returns a cold stream of inbound events for topicID. Multiple
// concurrent subscribers all see every delivered event (spec §4.3). The
// returned cancel func must be called to release the subscription.
func (n *Node) Subscribe(topicID string) (<-chan *kipevent.SignedEvent, func()) {
	ts := n.topicFor(topicID)
	ch := make(chan *kipevent.SignedEvent, 256)

	ts.mu.Lock()
	ts.subs[ch] = struct{}{}
	ts.mu.Unlock()

	cancel := func() {
		ts.mu.Lock()
		if _, ok := ts.subs[ch]; ok {
			delete(ts.subs, ch)
			close(ch)
		}
		ts.mu.Unlock()
	}
	return ch, cancel
}

// GetJoinedTopics returns every topic id this node has joined.
func (n *Node) GetJoinedTopics() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.topics))
	for id := range n.topics {
		out = append(out, id)
	}
	return out
}

// GetTopicPeers returns the current peer-hint candidate set for topicID.
func (n *Node) GetTopicPeers(topicID string) []string {
	n.mu.RLock()
	ts, ok := n.topics[topicID]
	n.mu.RUnlock()
	if !ok {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.peerHints))
	for h := range ts.peerHints {
		out = append(out, h)
	}
	return out
}

// GetTopicStats returns observability counters for topicID.
func (n *Node) GetTopicStats(topicID string) (TopicStats, bool) {
	n.mu.RLock()
	ts, ok := n.topics[topicID]
	n.mu.RUnlock()
	if !ok {
		return TopicStats{}, false
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.stats, true
}
