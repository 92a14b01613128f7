// Package subscribe implements C5, the Subscription & Filter Engine: the
// per-connection Unauthenticated/Authenticated state machine, the
// REQ/EVENT/CLOSE/AUTH wire protocol, and the filter-then-authorize
// delivery path that bridges stored-event backfill with the realtime
// broadcast bus. Ported from the community node's cn-relay::ws module,
// translated from axum/tokio to a gorilla/websocket connection and
// channel-based select loop.
package subscribe

import "encoding/json"

// IngestResult is what an Ingestor reports back for a client-published
// EVENT message, driving the OK acknowledgment.
type IngestResult struct {
	Duplicate bool
	Rejected  bool
	Reason    string
}

// Ingestor is the narrow interface C5 needs from C2 to accept a
// client-published event. Kept separate from the ingest engine's full
// API so this package does not depend on C2's internals.
type Ingestor interface {
	IngestEvent(raw json.RawMessage) (IngestResult, error)
}

func frame(items ...any) ([]byte, error) {
	return json.Marshal(items)
}

func okFrame(eventID string, ok bool, message string) ([]byte, error) {
	return frame("OK", eventID, ok, message)
}

func eventFrame(subID string, rawEvent json.RawMessage) ([]byte, error) {
	return frame("EVENT", subID, rawEvent)
}

func eoseFrame(subID string) ([]byte, error) {
	return frame("EOSE", subID)
}

func closedFrame(subID, reason string) ([]byte, error) {
	return frame("CLOSED", subID, reason)
}

func authChallengeFrame(challenge string) ([]byte, error) {
	return frame("AUTH", challenge)
}

func noticeFrame(text string) ([]byte, error) {
	return frame("NOTICE", text)
}
