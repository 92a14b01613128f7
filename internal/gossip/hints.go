package gossip

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketPeerHints = []byte("peer_hints")

// hintStore persists per-topic peer hints in a bbolt file so a node
// rejoining a topic after a restart starts from its previously-learned
// neighbor candidates instead of cold (grounded on cuemby-warren's
// BoltStore: one bucket, JSON-encoded values keyed by id).
type hintStore struct {
	db *bolt.DB
}

// OpenHintStore opens (creating if necessary) the bbolt file at path.
func OpenHintStore(path string) (*hintStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open gossip hint store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeerHints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &hintStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (h *hintStore) Close() error {
	return h.db.Close()
}

func (h *hintStore) put(topicID string, hints []string) error {
	data, err := json.Marshal(hints)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeerHints).Put([]byte(topicID), data)
	})
}

// Load returns the persisted peer hints for topicID, or nil if none were
// recorded.
func (h *hintStore) Load(topicID string) ([]string, error) {
	var hints []string
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeerHints).Get([]byte(topicID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &hints)
	})
	return hints, err
}

// LoadAll returns every topic id with persisted hints, for bootstrap-time
// rejoining of previously-joined topics.
func (h *hintStore) LoadAll() (map[string][]string, error) {
	out := make(map[string][]string)
	err := h.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeerHints)
		return b.ForEach(func(k, v []byte) error {
			var hints []string
			if err := json.Unmarshal(v, &hints); err != nil {
				return err
			}
			out[string(k)] = hints
			return nil
		})
	})
	return out, err
}
