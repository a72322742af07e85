// Package resources maps the replica's recent load to a pruning rate.
package resources

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind selects one of the measurements a SystemResources tracks
type Kind uint8

const (
	KindTransactionsAccumulated Kind = iota
	KindPostExecutionUtilization
	KindPruningUtilization
	KindPruningAvgTimeMicro
)

// SystemResources is the load source for a Manager
type SystemResources interface {
	Measurement(k Kind) uint64
	Reset()
}

// Interval maps traffic below Rate transactions per second to a pruning
// rate of BlocksPerSecond
type Interval struct {
	Rate            uint64
	BlocksPerSecond uint64
}

// DefaultMapping is used when no mapping is configured
var DefaultMapping = []Interval{
	{Rate: 20, BlocksPerSecond: 35},
	{Rate: 100, BlocksPerSecond: 21},
	{Rate: 300, BlocksPerSecond: 14},
	{Rate: 500, BlocksPerSecond: 7},
}

type PruneInfo struct {
	BlocksPerSecond float64
	BatchSize       uint64
}

type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = newMetrics(reg)
	}
}

// Manager is the interval mapping resource manager. Traffic above the last
// configured rate maps to zero blocks per second.
type Manager struct {
	res     SystemResources
	mapping []Interval
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics

	lastInvocation time.Time
}

// New copies mapping (which must be sorted by Rate) and appends the
// catch-all interval
func New(res SystemResources, mapping []Interval, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		res:     res,
		mapping: append(append(make([]Interval, 0, len(mapping)+1), mapping...), Interval{Rate: math.MaxUint64}),
		log:     log.WithGroup("resources"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.log.Info("constructing with the following intervals {rate,blocks}", "intervals", m.intervalsString())
	return m
}

func (m *Manager) intervalsString() string {
	var b strings.Builder
	for _, iv := range m.mapping {
		fmt.Fprintf(&b, "{%d,%d},", iv.Rate, iv.BlocksPerSecond)
	}
	return b.String()
}

// PruneInfo returns the pruning rate for the load measured since the
// previous call. The first call only starts the measurement window.
// Not safe for concurrent use.
func (m *Manager) PruneInfo() PruneInfo {
	duration := m.durationFromLastCallSec()
	if duration == 0 {
		m.res.Reset()
		return PruneInfo{}
	}

	transactions := m.res.Measurement(KindTransactionsAccumulated)
	postExecUtilization := m.res.Measurement(KindPostExecutionUtilization)
	pruningUtilization := m.res.Measurement(KindPruningUtilization)
	pruningAvgTimeMicro := m.res.Measurement(KindPruningAvgTimeMicro)
	tps := transactions / duration
	m.res.Reset()

	var ret PruneInfo
	if iv, ok := m.lookup(tps); ok {
		ret.BlocksPerSecond = float64(iv.BlocksPerSecond)
		ret.BatchSize = 1
	}

	m.log.Info("calculated pruning rate",
		"tps", tps,
		"blocks_per_second", ret.BlocksPerSecond,
		"post_execution_utilization", postExecUtilization,
		"pruning_utilization", pruningUtilization,
		"pruning_avg_time_micro", pruningAvgTimeMicro,
	)
	m.metrics.observe(tps, ret.BlocksPerSecond)

	return ret
}

// lookup finds the first interval ordered after {tps, 0}
func (m *Manager) lookup(tps uint64) (Interval, bool) {
	for _, iv := range m.mapping {
		if iv.Rate > tps || (iv.Rate == tps && iv.BlocksPerSecond > 0) {
			return iv, true
		}
	}
	return Interval{}, false
}

func (m *Manager) durationFromLastCallSec() uint64 {
	now := m.now()
	if m.lastInvocation.IsZero() {
		m.lastInvocation = now
		return 0
	}
	dur := uint64(max(now.Sub(m.lastInvocation), 0) / time.Second)
	if dur == 0 {
		dur = 1
	}
	m.lastInvocation = now
	return dur
}

// Counters is an in-memory SystemResources. The execution engine feeds it
// in process or through the status API's POST /load.
type Counters struct {
	transactions        atomic.Uint64
	postExecUtilization atomic.Uint64
	pruningUtilization  atomic.Uint64
	pruningAvgTimeMicro atomic.Uint64
}

func (c *Counters) AddTransactions(n uint64) {
	c.transactions.Add(n)
}

func (c *Counters) SetPostExecutionUtilization(v uint64) {
	c.postExecUtilization.Store(v)
}

func (c *Counters) SetPruningUtilization(v uint64) {
	c.pruningUtilization.Store(v)
}

func (c *Counters) SetPruningAvgTime(d time.Duration) {
	c.pruningAvgTimeMicro.Store(uint64(d.Microseconds()))
}

func (c *Counters) Measurement(k Kind) uint64 {
	switch k {
	case KindTransactionsAccumulated:
		return c.transactions.Load()
	case KindPostExecutionUtilization:
		return c.postExecUtilization.Load()
	case KindPruningUtilization:
		return c.pruningUtilization.Load()
	case KindPruningAvgTimeMicro:
		return c.pruningAvgTimeMicro.Load()
	}
	return 0
}

func (c *Counters) Reset() {
	c.transactions.Store(0)
	c.postExecUtilization.Store(0)
	c.pruningUtilization.Store(0)
	c.pruningAvgTimeMicro.Store(0)
}

type metrics struct {
	tps             prometheus.Gauge
	blocksPerSecond prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statetransfer_resources_tps",
			Help: "Transactions per second measured over the last pruning interval",
		}),
		blocksPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statetransfer_resources_prune_blocks_per_second",
			Help: "Pruning rate mapped from the measured load",
		}),
	}
	reg.MustRegister(m.tps, m.blocksPerSecond)
	return m
}

func (m *metrics) observe(tps uint64, bps float64) {
	if m == nil {
		return
	}
	m.tps.Set(float64(tps))
	m.blocksPerSecond.Set(bps)
}
