package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
)

// decodeFrame parses a broadcast wire frame into a SignedEvent. Frames
// are plain JSON-encoded events; no additional envelope is defined at
// this layer (spec §4.3 treats delivered frames as opaque bytes until
// handed to C1/C2).
func decodeFrame(b []byte) (*kipevent.SignedEvent, error) {
	var evt kipevent.SignedEvent
	if err := json.Unmarshal(b, &evt); err != nil {
		return nil, fmt.Errorf("decode gossip frame: %w", err)
	}
	return &evt, nil
}

// EncodeFrame serializes evt for Broadcast.
func EncodeFrame(evt *kipevent.SignedEvent) ([]byte, error) {
	return json.Marshal(evt)
}
