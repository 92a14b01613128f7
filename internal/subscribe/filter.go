package subscribe

import (
	"encoding/json"

	"github.com/kukuri-dev/kukuri-node/internal/kipevent"
)

// Filter mirrors the wire-form Filter (spec §3): optional lists of ids,
// authors, kinds, a since/until window, a result limit, and a tag-name to
// list-of-values map. An event matches a filter if every populated field
// is satisfied; an absent field imposes no constraint.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string
}

// ParseFilter decodes one wire filter object. Unrecognized keys whose
// value is a JSON array of strings are treated as tag filters (e.g.
// {"t": ["kukuri:topic:abcd"]}); anything else is ignored rather than
// rejected, so forward-compatible filter keys do not break older nodes.
func ParseFilter(raw json.RawMessage) (Filter, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Filter{}, err
	}

	f := Filter{Tags: make(map[string][]string)}
	for key, val := range m {
		switch key {
		case "ids":
			_ = json.Unmarshal(val, &f.IDs)
		case "authors":
			_ = json.Unmarshal(val, &f.Authors)
		case "kinds":
			_ = json.Unmarshal(val, &f.Kinds)
		case "since":
			var since int64
			if err := json.Unmarshal(val, &since); err == nil {
				f.Since = &since
			}
		case "until":
			var until int64
			if err := json.Unmarshal(val, &until); err == nil {
				f.Until = &until
			}
		case "limit":
			_ = json.Unmarshal(val, &f.Limit)
		default:
			var vals []string
			if err := json.Unmarshal(val, &vals); err == nil {
				f.Tags[key] = vals
			}
		}
	}
	return f, nil
}

// NormalizedTopics returns the filter's "t" tag values run through
// kipevent.NormalizeTopicID, or nil if the filter has no t-tag.
func (f Filter) NormalizedTopics() []string {
	vals, ok := f.Tags["t"]
	if !ok {
		return nil
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = kipevent.NormalizeTopicID(v)
	}
	return out
}

// Matches reports whether evt satisfies every populated field of f.
func (f Filter) Matches(evt *kipevent.SignedEvent) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && int64(evt.CreatedAt) < *f.Since {
		return false
	}
	if f.Until != nil && int64(evt.CreatedAt) > *f.Until {
		return false
	}
	for name, vals := range f.Tags {
		if !eventHasAnyTagValue(evt, name, vals) {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func eventHasAnyTagValue(evt *kipevent.SignedEvent, name string, vals []string) bool {
	for _, got := range kipevent.TagValues(evt, name) {
		if containsString(vals, got) {
			return true
		}
	}
	return false
}
