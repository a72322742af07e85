package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bftkit/statetransfer/selector"
)

// PublicKeys reads the replica-public-key list, one "<replica>:<hex>"
// item per replica
func (f *File) PublicKeys() (map[selector.ReplicaID]ed25519.PublicKey, error) {
	keys := map[selector.ReplicaID]ed25519.PublicKey{}
	for _, v := range f.Values("replica-public-key") {
		idStr, keyStr, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("replica-public-key: expected <replica>:<hex>, got %q", v)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("replica-public-key: %w", err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(keyStr))
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("replica-public-key: invalid key for replica %d", id)
		}
		keys[selector.ReplicaID(id)] = ed25519.PublicKey(key)
	}
	return keys, nil
}

// LoadPrivateKey reads a hex encoded ed25519 seed
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("private key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key %s: expected %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// WritePrivateKey stores key's seed in the format LoadPrivateKey reads
func WritePrivateKey(path string, key ed25519.PrivateKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())+"\n"), 0o600)
}
