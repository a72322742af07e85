package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.ntppool.org/common/logger"
	"go.uber.org/goleak"

	"github.com/bftkit/statetransfer/selector"
)

func TestSimulate(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out bytes.Buffer
	cmd := &simulateCmd{
		Replicas:  4,
		Blocks:    20,
		BlockSize: 64,
		ChunkSize: 16,
		Sessions:  2,
		Byzantine: []uint16{2},
		Timeout:   30 * time.Second,
		out:       &out,
	}
	ctx := logger.NewContext(context.Background(), slog.New(slog.DiscardHandler))
	require.NoError(t, cmd.Run(ctx))

	report := out.String()
	assert.Contains(t, report, "byzantine:  2")
	assert.Contains(t, report, "blocks 0..9")
	assert.Contains(t, report, "blocks 10..19")

	lines := 0
	for _, line := range strings.Split(report, "\n") {
		_, sources, ok := strings.Cut(line, "sources [")
		if !ok {
			continue
		}
		lines++
		assert.NotContains(t, sources, "2", "corrupting replica listed as a source")
		assert.NotEqual(t, "]", sources)
	}
	assert.Equal(t, 2, lines)
}

func TestSimulateValidate(t *testing.T) {
	tests := []struct {
		name string
		cmd  simulateCmd
	}{
		{name: "single_replica", cmd: simulateCmd{Replicas: 1, Blocks: 1, Sessions: 1, BlockSize: 1, ChunkSize: 1}},
		{name: "no_blocks", cmd: simulateCmd{Replicas: 4, Blocks: 0, Sessions: 1, BlockSize: 1, ChunkSize: 1}},
		{name: "more_sessions_than_blocks", cmd: simulateCmd{Replicas: 4, Blocks: 2, Sessions: 3, BlockSize: 1, ChunkSize: 1}},
		{name: "empty_blocks", cmd: simulateCmd{Replicas: 4, Blocks: 2, Sessions: 1, BlockSize: 0, ChunkSize: 1}},
		{name: "all_byzantine", cmd: simulateCmd{Replicas: 3, Blocks: 2, Sessions: 1, BlockSize: 1, ChunkSize: 1, Byzantine: []uint16{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cmd.validate())
		})
	}
}

func TestSimulateTuningOverride(t *testing.T) {
	cmd := &simulateCmd{Tuning: `{"retransmission_timeout_ms": 750, "self_id": 9}`}
	tn, err := cmd.tuning([]selector.ReplicaID{0, 1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), tn.RetransmissionTimeoutMilli)
	assert.Equal(t, uint64(20), tn.TickIntervalMilli)
	assert.EqualValues(t, 1, tn.SelfID)
}
