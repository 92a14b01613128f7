// Package realtime provides the non-blocking broadcast bus that connects
// C2 (Ingest Engine) to C4 (Access Controller), C5 (Subscription & Filter
// Engine) connections, and operational observers. Accepted events are
// published here post-commit; slow subscribers miss events rather than
// stalling ingest (spec §4.2, §5). The bus is nil-safe: Publish on a nil
// *Bus is a no-op so components never need guard checks.
package realtime

import (
	"sync"
	"time"
)

// Source identifies which component published an event.
const (
	SourceIngest = "ingest"
	SourceGossip = "gossip"
	SourceAccess = "access"
	SourceTrust  = "trust"
	SourceOutbox = "outbox"
)

// Kind describes the type of event within a source.
const (
	// KindEventAccepted signals a signed event was accepted and persisted.
	// Data: event_id, kind, topic_ids, source.
	KindEventAccepted = "event_accepted"
	// KindEventRejected signals ingest rejected an event.
	// Data: reason, source.
	KindEventRejected = "event_rejected"

	// KindNeighborUp signals a gossip peer joined a topic mesh.
	// Data: topic_id, peer_id.
	KindNeighborUp = "neighbor_up"
	// KindNeighborDown signals a gossip peer left a topic mesh.
	// Data: topic_id, peer_id.
	KindNeighborDown = "neighbor_down"
	// KindLagged signals gossip backpressure on a topic.
	// Data: topic_id.
	KindLagged = "lagged"

	// KindEpochRotated signals a (topic, scope) epoch advanced.
	// Data: topic_id, scope, previous_epoch, new_epoch.
	KindEpochRotated = "epoch_rotated"
	// KindMemberRevoked signals a membership was revoked.
	// Data: topic_id, scope, pubkey, reason.
	KindMemberRevoked = "member_revoked"

	// KindTrustJobStarted signals a trust job began running.
	// Data: job_id, job_type.
	KindTrustJobStarted = "trust_job_started"
	// KindTrustJobFinished signals a trust job completed.
	// Data: job_id, job_type, status, scanned, updated, attestations.
	KindTrustJobFinished = "trust_job_finished"

	// KindOutboxAppended signals a new outbox row was written.
	// Data: seq, op, event_id, topic_id.
	KindOutboxAppended = "outbox_appended"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event without an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; C5 connections typically use 64.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
