package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/bftkit/statetransfer/selector"
)

func digestLine(id uint64, data string) string {
	sum := blake2b.Sum256([]byte(data))
	return fmt.Sprintf("- %d:%s\n", id, hex.EncodeToString(sum[:]))
}

func TestCheckpoint(t *testing.T) {
	doc := strings.Join([]string{
		"checkpoint-first-block: 10",
		"checkpoint-last-block: 11",
		"checkpoint-sources: 3, 1,2",
		"checkpoint-digest:",
		digestLine(10, "ten") + digestLine(11, "eleven"),
	}, "\n")

	f, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	cp, err := f.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.FirstBlock)
	assert.Equal(t, uint64(11), cp.LastBlock)
	assert.Equal(t, []selector.ReplicaID{3, 1, 2}, cp.Sources)
	assert.Equal(t, blake2b.Sum256([]byte("eleven")), cp.Digests[11])
}

func TestCheckpointInvalid(t *testing.T) {
	good := digestLine(0, "zero")

	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing_range", doc: "checkpoint-sources: 1\n"},
		{name: "inverted_range", doc: "checkpoint-first-block: 2\ncheckpoint-last-block: 1\n"},
		{name: "bad_source", doc: "checkpoint-first-block: 0\ncheckpoint-last-block: 0\ncheckpoint-sources: 1,x\ncheckpoint-digest:\n" + good},
		{name: "reserved_source", doc: "checkpoint-first-block: 0\ncheckpoint-last-block: 0\ncheckpoint-sources: 65535\ncheckpoint-digest:\n" + good},
		{name: "missing_digest", doc: "checkpoint-first-block: 0\ncheckpoint-last-block: 1\ncheckpoint-digest:\n" + good},
		{name: "short_digest", doc: "checkpoint-first-block: 0\ncheckpoint-last-block: 0\ncheckpoint-digest:\n- 0:abcd\n"},
		{name: "no_separator", doc: "checkpoint-first-block: 0\ncheckpoint-last-block: 0\ncheckpoint-digest:\n- abcd\n"},
		{name: "outside_range", doc: "checkpoint-first-block: 1\ncheckpoint-last-block: 1\ncheckpoint-digest:\n" + good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(strings.NewReader(tt.doc))
			require.NoError(t, err)
			_, err = f.Checkpoint()
			assert.Error(t, err)
		})
	}
}
