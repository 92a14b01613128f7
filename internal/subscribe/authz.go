package subscribe

import (
	"fmt"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

// isAllowed re-checks scope/epoch/membership on a candidate event before
// it is delivered to a connection (spec §4.5: "filter each candidate
// through is_allowed(event, auth_pubkey)"). Public-scope events (or
// events with no scope tag at all) are always allowed.
func isAllowed(st *store.Store, staleEpochGrace int64, evt *kipevent.SignedEvent, authPubkey string) (bool, string) {
	scopeVal, ok := kipevent.FirstTagValue(evt, "scope")
	if !ok || kipevent.Scope(scopeVal) == kipevent.ScopePublic {
		return true, ""
	}

	topicID, ok := kipevent.FirstTagValue(evt, "t")
	if !ok {
		return false, "membership_required"
	}
	topicID = kipevent.NormalizeTopicID(topicID)

	if authPubkey == "" {
		return false, "auth-required"
	}

	if epochStr, ok := kipevent.FirstTagValue(evt, "epoch"); ok {
		var epoch int64
		if _, err := fmt.Sscanf(epochStr, "%d", &epoch); err == nil {
			current, err := st.CurrentEpoch(topicID, scopeVal)
			if err == nil {
				if epoch > current || epoch < current-staleEpochGrace {
					return false, "epoch_invalid"
				}
			}
		}
	}

	active, err := st.IsActiveMember(topicID, scopeVal, authPubkey)
	if err != nil || !active {
		return false, "membership_required"
	}
	return true, ""
}
