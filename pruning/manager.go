// Package pruning runs the adaptive pruning loop: while this replica is
// primary and adaptive mode is on, it periodically turns the measured load
// into a signed prune rate request for all replicas.
package pruning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bftkit/statetransfer/cbor"
	"github.com/bftkit/statetransfer/resources"
)

const RequestCID = "adaptive-pruning-manager-cid"

var ErrNoClient = errors.New("pruning: consensus client is not set")

type Mode uint32

const (
	ModeLegacy Mode = iota
	ModeAdaptive
)

func (m Mode) String() string {
	if m == ModeAdaptive {
		return "adaptive"
	}
	return "legacy"
}

// Client submits requests to the consensus layer
type Client interface {
	ClientID() uint16
	SendRequest(ctx context.Context, flags uint64, payload []byte, cid string) error
}

// PruneInfoProvider is satisfied by *resources.Manager
type PruneInfoProvider interface {
	PruneInfo() resources.PruneInfo
}

type Config struct {
	ReplicaID   uint16
	NumReplicas int
	Interval    time.Duration
}

type Manager struct {
	cfg     Config
	res     PruneInfoProvider
	signer  Signer
	log     *slog.Logger
	metrics *Metrics

	mode    atomic.Uint32
	primary atomic.Bool
	wake    chan struct{}

	mu      sync.Mutex
	client  Client
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, res PruneInfoProvider, signer Signer, log *slog.Logger, metrics *Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Manager{
		cfg:     cfg,
		res:     res,
		signer:  signer,
		log:     log.WithGroup("pruning"),
		metrics: metrics,
		wake:    make(chan struct{}, 1),
	}
}

func (m *Manager) SetMode(mode Mode) {
	m.mode.Store(uint32(mode))
	m.log.Info("pruning mode", "mode", mode)
	m.notify()
}

func (m *Manager) Mode() Mode {
	return Mode(m.mode.Load())
}

func (m *Manager) SetPrimary(primary bool) {
	m.primary.Store(primary)
	m.notify()
}

func (m *Manager) active() bool {
	return m.Mode() == ModeAdaptive && m.primary.Load()
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// InitClient sets the consensus client and starts the loop
func (m *Manager) InitClient(ctx context.Context, cl Client) {
	m.mu.Lock()
	m.client = cl
	m.mu.Unlock()
	m.log.Info("initializing client and starting the loop")
	m.Start(ctx)
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.res == nil || m.client == nil {
		m.log.Info("failed to start pruning loop", "running", m.running)
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true
	go m.run(ctx, m.done)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		if !m.active() {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		info := m.res.PruneInfo()
		if err := m.notifyReplicas(ctx, info.BlocksPerSecond, info.BatchSize); err != nil {
			m.log.ErrorContext(ctx, "could not send prune rate", "err", err)
		}

		timer := time.NewTimer(m.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) notifyReplicas(ctx context.Context, rate float64, batchSize uint64) error {
	m.mu.Lock()
	cl := m.client
	m.mu.Unlock()
	if cl == nil {
		return ErrNoClient
	}

	ctx, span := tracing.Start(ctx, "pruning.notifyReplicas")
	defer span.End()

	numReplicas := max(m.cfg.NumReplicas, 1)
	cmd := PruneTicksChangeRequest{
		SenderID:          cl.ClientID(),
		TickPeriodSeconds: 1,
		BatchBlocksNum:    uint64(rate / float64(numReplicas)),
	}
	span.SetAttributes(
		attribute.Float64("rate", rate),
		attribute.Int64("batch_size", int64(batchSize)),
		attribute.Int64("batch_blocks_num", int64(cmd.BatchBlocksNum)),
	)

	req, err := NewSignedRequest(cl.ClientID(), cmd, m.signer)
	if err != nil {
		span.RecordError(err)
		m.metrics.trackRequest(err)
		return err
	}
	payload, err := cbor.Encode(req)
	if err != nil {
		m.metrics.trackRequest(err)
		return fmt.Errorf("encode request: %w", err)
	}

	m.log.DebugContext(ctx, "sending prune rate", "replica", m.cfg.ReplicaID, "batch_blocks_num", cmd.BatchBlocksNum)

	err = cl.SendRequest(ctx, 0, payload, RequestCID)
	if err != nil {
		span.RecordError(err)
		err = fmt.Errorf("send request: %w", err)
	}
	m.metrics.trackRequest(err)
	return err
}
