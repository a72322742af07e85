package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftkit/statetransfer/selector"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "replica.key")
	require.NoError(t, WritePrivateKey(path, key))

	loaded, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadPrivateKeyInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPrivateKey(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("abcd\n"), 0o600))
	_, err = LoadPrivateKey(short)
	assert.Error(t, err)

	notHex := filepath.Join(dir, "nothex")
	require.NoError(t, os.WriteFile(notHex, []byte("zz\n"), 0o600))
	_, err = LoadPrivateKey(notHex)
	assert.Error(t, err)
}

func TestPublicKeys(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	f, err := Parse(strings.NewReader("replica-public-key:\n- 2:" + hex.EncodeToString(pub) + "\n"))
	require.NoError(t, err)
	keys, err := f.PublicKeys()
	require.NoError(t, err)
	assert.Equal(t, map[selector.ReplicaID]ed25519.PublicKey{2: pub}, keys)

	for _, bad := range []string{"- 2\n", "- x:00\n", "- 2:abcd\n"} {
		f, err := Parse(strings.NewReader("replica-public-key:\n" + bad))
		require.NoError(t, err)
		_, err = f.PublicKeys()
		assert.Error(t, err, bad)
	}
}
