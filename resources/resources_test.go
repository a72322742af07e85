package resources

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *Counters, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := &Counters{}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return New(c, DefaultMapping, nil, opts...), c, clock
}

func TestFirstCallPrimes(t *testing.T) {
	m, c, _ := newTestManager(t)

	c.AddTransactions(1000)
	info := m.PruneInfo()
	assert.Equal(t, PruneInfo{}, info)
	assert.Equal(t, uint64(0), c.Measurement(KindTransactionsAccumulated), "counters reset on priming call")
}

func TestPruneInfoMapping(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		txs     uint64
		want    PruneInfo
	}{
		{name: "idle", elapsed: 10 * time.Second, txs: 0, want: PruneInfo{BlocksPerSecond: 35, BatchSize: 1}},
		{name: "below_first_rate", elapsed: 10 * time.Second, txs: 190, want: PruneInfo{BlocksPerSecond: 35, BatchSize: 1}},
		{name: "at_first_rate", elapsed: 10 * time.Second, txs: 200, want: PruneInfo{BlocksPerSecond: 35, BatchSize: 1}},
		{name: "above_first_rate", elapsed: 10 * time.Second, txs: 210, want: PruneInfo{BlocksPerSecond: 21, BatchSize: 1}},
		{name: "mid", elapsed: 2 * time.Second, txs: 500, want: PruneInfo{BlocksPerSecond: 14, BatchSize: 1}},
		{name: "high", elapsed: time.Second, txs: 499, want: PruneInfo{BlocksPerSecond: 7, BatchSize: 1}},
		{name: "overloaded", elapsed: time.Second, txs: 501, want: PruneInfo{BlocksPerSecond: 0, BatchSize: 1}},
		{name: "sub_second_counts_as_one", elapsed: 100 * time.Millisecond, txs: 150, want: PruneInfo{BlocksPerSecond: 14, BatchSize: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c, clock := newTestManager(t)
			m.PruneInfo()

			clock.advance(tt.elapsed)
			c.AddTransactions(tt.txs)
			assert.Equal(t, tt.want, m.PruneInfo())
			assert.Equal(t, uint64(0), c.Measurement(KindTransactionsAccumulated))
		})
	}
}

func TestCatchAllInterval(t *testing.T) {
	m := New(&Counters{}, nil, nil)
	require.Len(t, m.mapping, 1)

	iv, ok := m.lookup(1_000_000)
	require.True(t, ok)
	assert.Equal(t, uint64(0), iv.BlocksPerSecond)

	_, ok = m.lookup(^uint64(0))
	assert.False(t, ok)
}

func TestMappingIsCopied(t *testing.T) {
	mapping := []Interval{{Rate: 10, BlocksPerSecond: 1}}
	New(&Counters{}, mapping, nil)
	assert.Len(t, mapping, 1)
}

func TestCounters(t *testing.T) {
	c := &Counters{}
	c.AddTransactions(3)
	c.AddTransactions(4)
	c.SetPostExecutionUtilization(50)
	c.SetPruningUtilization(20)
	c.SetPruningAvgTime(1500 * time.Microsecond)

	assert.Equal(t, uint64(7), c.Measurement(KindTransactionsAccumulated))
	assert.Equal(t, uint64(50), c.Measurement(KindPostExecutionUtilization))
	assert.Equal(t, uint64(20), c.Measurement(KindPruningUtilization))
	assert.Equal(t, uint64(1500), c.Measurement(KindPruningAvgTimeMicro))
	assert.Equal(t, uint64(0), c.Measurement(Kind(99)))

	c.Reset()
	assert.Equal(t, uint64(0), c.Measurement(KindTransactionsAccumulated))
	assert.Equal(t, uint64(0), c.Measurement(KindPruningAvgTimeMicro))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, c, clock := newTestManager(t, WithMetrics(reg))
	m.PruneInfo()

	clock.advance(4 * time.Second)
	c.AddTransactions(1000)
	m.PruneInfo()

	assert.Equal(t, float64(250), promtestutil.ToFloat64(m.metrics.tps))
	assert.Equal(t, float64(14), promtestutil.ToFloat64(m.metrics.blocksPerSecond))
}
