// Package nodekey manages this node's Schnorr keypair: the identity it
// signs outbound attestations and node-descriptor events with (spec §6's
// `node-key generate|rotate` CLI contract).
package nodekey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kukuri-dev/kukuri-node/internal/store"
)

// ErrAlreadyExists is returned by Generate when a key file is already
// present at path and force overwrite was not requested.
var ErrAlreadyExists = errors.New("nodekey: key file already exists")

// Load reads the hex-encoded private key at path and returns it alongside
// its derived public key.
func Load(path string) (privHex, pubHex string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("nodekey: read %s: %w", path, err)
	}
	privHex = strings.TrimSpace(string(data))
	pubHex, err = nostr.GetPublicKey(privHex)
	if err != nil {
		return "", "", fmt.Errorf("nodekey: derive public key: %w", err)
	}
	return privHex, pubHex, nil
}

// Generate creates a new keypair and writes the private key to path. It
// refuses to overwrite an existing file unless force is true. Returns the
// new public key hex.
func Generate(path string, force bool) (pubHex string, err error) {
	if !force {
		if _, statErr := os.Stat(path); statErr == nil {
			return "", ErrAlreadyExists
		}
	}
	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return "", fmt.Errorf("nodekey: derive public key: %w", err)
	}
	if err := writeKeyFile(path, priv); err != nil {
		return "", err
	}
	return pub, nil
}

// Rotate replaces the key at path with a freshly generated one and records
// an audit row via st.AppendAudit("node_key.rotate", ...). Returns the new
// public key hex; st may be nil, in which case no audit row is written
// (useful for offline key-file-only rotation).
func Rotate(path string, st *store.Store) (pubHex string, err error) {
	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return "", fmt.Errorf("nodekey: derive public key: %w", err)
	}
	if err := writeKeyFile(path, priv); err != nil {
		return "", err
	}
	if st != nil {
		if err := st.AppendAudit("node_key.rotate", fmt.Sprintf("new_pubkey=%s path=%s", pub, path)); err != nil {
			return "", fmt.Errorf("nodekey: audit rotate: %w", err)
		}
	}
	return pub, nil
}

func writeKeyFile(path, privHex string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("nodekey: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(privHex+"\n"), 0600); err != nil {
		return fmt.Errorf("nodekey: write %s: %w", path, err)
	}
	return nil
}
