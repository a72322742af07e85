package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftkit/statetransfer/config"
	"github.com/bftkit/statetransfer/selector"
)

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "replica.conf")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		"# replica 1",
		"s3-bucket-name: blocks",
		"s3-access-key: AKIA",
		"s3-protocol: HTTP",
		"s3-url: minio:9000",
		"s3-secret-key: hunter2",
		"s3-path-prefix: r1",
		"checkpoint-first-block: 0",
		"checkpoint-last-block: 0",
		"checkpoint-sources: 2, 3",
		"checkpoint-digest:",
		"- 0:" + strings.Repeat("ab", 32),
		"",
	}, "\n")), 0o600))

	tuning := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(tuning, []byte(`{"max_blocks_per_fetch": 8}`), 0o600))

	var out bytes.Buffer
	cmd := &configCheckCmd{File: file, Tuning: tuning, out: &out}
	require.NoError(t, cmd.Run(context.Background()))

	report := out.String()
	assert.NotContains(t, report, "hunter2")
	assert.NotContains(t, report, "AKIA")
	assert.Contains(t, report, "s3-secret-key: ********")
	assert.Contains(t, report, "object store: http://minio:9000/blocks/r1 (timeout 1m0s)")
	assert.Contains(t, report, "checkpoint: blocks 0..0, 1 digests, sources [2 3]")
	assert.Contains(t, report, `"max_blocks_per_fetch": 8`)
}

func TestConfigCheckInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		config string
		tuning string
	}{
		{
			name:   "partial_object_store",
			config: "s3-bucket-name: blocks\n",
		},
		{
			name:   "bad_checkpoint",
			config: "checkpoint-first-block: 5\ncheckpoint-last-block: 1\n",
		},
		{
			name:   "bad_public_key",
			config: "replica-public-key:\n- 1:zz\n",
		},
		{
			name:   "bad_tuning",
			config: "# empty\n",
			tuning: `{"tick_interval_ms": 0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(dir, tt.name+".conf")
			require.NoError(t, os.WriteFile(file, []byte(tt.config), 0o600))

			cmd := &configCheckCmd{File: file, out: &bytes.Buffer{}}
			if tt.tuning != "" {
				cmd.Tuning = filepath.Join(dir, tt.name+".json")
				require.NoError(t, os.WriteFile(cmd.Tuning, []byte(tt.tuning), 0o600))
			}
			assert.Error(t, cmd.Run(context.Background()))
		})
	}
}

func TestConfigKeygen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.key")

	var out bytes.Buffer
	cmd := &configKeygenCmd{Out: path, ID: 3, out: &out}
	require.NoError(t, cmd.Run())

	key, err := config.LoadPrivateKey(path)
	require.NoError(t, err)

	// the printed lines are a valid config fragment
	f, err := config.Parse(&out)
	require.NoError(t, err)
	keys, err := f.PublicKeys()
	require.NoError(t, err)
	require.Contains(t, keys, selector.ReplicaID(3))
	assert.True(t, keys[3].Equal(key.Public()))

	// refuses to overwrite
	assert.Error(t, cmd.Run())
}
