// Package replica wires the state transfer components of one replica:
// the fetcher and its responder, the adaptive pruning loop and the
// transport they share.
package replica

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bftkit/statetransfer/cbor"
	"github.com/bftkit/statetransfer/config"
	"github.com/bftkit/statetransfer/fetcher"
	"github.com/bftkit/statetransfer/provenance"
	"github.com/bftkit/statetransfer/pruning"
	"github.com/bftkit/statetransfer/resources"
	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/stmsg"
	"github.com/bftkit/statetransfer/transport"
)

var ErrUnknownKey = errors.New("replica: no public key for sender")

// BlockStore is where fetched blocks go and served blocks come from
type BlockStore interface {
	fetcher.BlockSink
	fetcher.BlockReader
}

type Config struct {
	Tuning  *config.Tuning
	Primary bool

	ResponderOptions []fetcher.ResponderOption
	FetcherOptions   []fetcher.Option
}

// Deps are the external resources a Node uses. Registry may be nil to
// run without metrics.
type Deps struct {
	Comm      transport.Communication
	Blocks    BlockStore
	Validator fetcher.Validator
	Store     provenance.Store
	Key       ed25519.PrivateKey
	PeerKeys  map[selector.ReplicaID]ed25519.PublicKey
	Registry  prometheus.Registerer
}

// PruneSchedule is the last prune rate accepted from the primary
type PruneSchedule struct {
	Sender            selector.ReplicaID `json:"sender"`
	TickPeriodSeconds uint32             `json:"tick_period_seconds"`
	BatchBlocksNum    uint64             `json:"batch_blocks_num"`
	Received          time.Time          `json:"received"`
}

type Node struct {
	self     selector.ReplicaID
	comm     transport.Communication
	log      *slog.Logger
	peerKeys map[selector.ReplicaID]ed25519.PublicKey

	fetcher   *fetcher.Fetcher
	counters  *resources.Counters
	resources *resources.Manager
	pruning   *pruning.Manager

	mu       sync.Mutex
	tuning   *config.Tuning
	schedule *PruneSchedule
}

var _ transport.Receiver = (*Node)(nil)

func NewNode(cfg Config, deps Deps, log *slog.Logger) (*Node, error) {
	if cfg.Tuning == nil {
		return nil, errors.New("replica: tuning is required")
	}
	if log == nil {
		log = slog.Default()
	}
	t := cfg.Tuning
	self := t.SelfID
	log = log.With("replica", self)

	n := &Node{
		self:     self,
		comm:     deps.Comm,
		log:      log,
		peerKeys: map[selector.ReplicaID]ed25519.PublicKey{},
		counters: &resources.Counters{},
		tuning:   t,
	}
	for id, k := range deps.PeerKeys {
		n.peerKeys[id] = k
	}
	if len(deps.Key) == ed25519.PrivateKeySize {
		n.peerKeys[self] = deps.Key.Public().(ed25519.PublicKey)
	}

	fopts := []fetcher.Option{
		fetcher.WithResponder(fetcher.NewResponder(deps.Comm, deps.Blocks, t.MaxBlocksPerFetch, log, cfg.ResponderOptions...)),
	}
	var (
		resOpts      []resources.Option
		pruneMetrics *pruning.Metrics
	)
	if deps.Registry != nil {
		fopts = append(fopts,
			fetcher.WithMetrics(fetcher.NewMetrics(deps.Registry)),
			fetcher.WithSelectorOptions(selector.WithMetrics(selector.NewMetrics(deps.Registry))),
		)
		resOpts = append(resOpts, resources.WithMetrics(deps.Registry))
		pruneMetrics = pruning.NewMetrics(deps.Registry)
	}
	fopts = append(fopts, cfg.FetcherOptions...)

	f, err := fetcher.New(fetcher.Config{
		Selector:          t.SelectorConfig(),
		Replicas:          t.Replicas,
		TickInterval:      t.TickInterval(),
		MaxBlocksPerFetch: t.MaxBlocksPerFetch,
	}, self, deps.Comm, deps.Validator, deps.Blocks, deps.Store, log, fopts...)
	if err != nil {
		return nil, err
	}
	n.fetcher = f

	n.resources = resources.New(n.counters, resources.DefaultMapping, log, resOpts...)
	n.pruning = pruning.New(pruning.Config{
		ReplicaID:   uint16(self),
		NumReplicas: len(t.Replicas),
		Interval:    t.PruningInterval(),
	}, n.resources, pruning.NewEd25519Signer(deps.Key), log, pruneMetrics)
	n.pruning.SetMode(pruningMode(t.AdaptivePruning))
	n.pruning.SetPrimary(cfg.Primary)

	deps.Comm.SetReceiver(n)
	return n, nil
}

func pruningMode(adaptive bool) pruning.Mode {
	if adaptive {
		return pruning.ModeAdaptive
	}
	return pruning.ModeLegacy
}

func (n *Node) ID() selector.ReplicaID {
	return n.self
}

func (n *Node) Fetcher() *fetcher.Fetcher {
	return n.fetcher
}

// Resources are the load counters the adaptive pruning rate is computed
// from
func (n *Node) Resources() *resources.Counters {
	return n.counters
}

func (n *Node) Pruning() *pruning.Manager {
	return n.pruning
}

// PruneSchedule returns the last accepted prune rate, or nil
func (n *Node) PruneSchedule() *PruneSchedule {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.schedule == nil {
		return nil
	}
	s := *n.schedule
	return &s
}

// ApplyTuning takes a reloaded tuning. Only the pruning mode changes at
// runtime; the other settings are logged and need a restart.
func (n *Node) ApplyTuning(ctx context.Context, t *config.Tuning) {
	n.mu.Lock()
	old := n.tuning
	n.tuning = t
	n.mu.Unlock()

	if old.AdaptivePruning != t.AdaptivePruning {
		n.pruning.SetMode(pruningMode(t.AdaptivePruning))
	}
	if old.SelectorConfig() != t.SelectorConfig() ||
		old.TickIntervalMilli != t.TickIntervalMilli ||
		old.MaxBlocksPerFetch != t.MaxBlocksPerFetch ||
		old.PruningIntervalMilli != t.PruningIntervalMilli {
		n.log.WarnContext(ctx, "tuning changed, restart to apply", "selector", t.SelectorConfig())
	}
}

// Run starts the transport and the pruning loop and processes messages
// until ctx is done
func (n *Node) Run(ctx context.Context) error {
	if err := n.comm.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	n.pruning.InitClient(ctx, &commClient{node: n})

	err := n.fetcher.Run(ctx)

	n.pruning.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := n.comm.Stop(stopCtx); stopErr != nil {
		n.log.Warn("stop transport", "err", stopErr)
	}
	return err
}

func (n *Node) OnNewMessage(from selector.ReplicaID, payload []byte) {
	if t, err := cbor.DecodeFirstUint(payload); err == nil && t == MessageTypeClientRequest {
		if err := n.handleClientRequest(from, payload); err != nil {
			n.log.Warn("client request", "from", from, "err", err)
		}
		return
	}
	n.fetcher.OnNewMessage(from, payload)
}

func (n *Node) OnConnectionStatusChanged(id selector.ReplicaID, status transport.ConnectionStatus) {
	n.fetcher.OnConnectionStatusChanged(id, status)
}

func (n *Node) handleClientRequest(from selector.ReplicaID, payload []byte) error {
	cr := &ClientRequest{}
	if _, err := cbor.Decode(payload, cr); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if cr.CID != pruning.RequestCID {
		n.log.Debug("ignoring client request", "cid", cr.CID)
		return nil
	}

	req, err := pruning.DecodeRequest(cr.Payload)
	if err != nil {
		return err
	}
	if selector.ReplicaID(req.Sender) != from || req.Command.SenderID != req.Sender {
		return fmt.Errorf("request from %s claims sender %d", from, req.Sender)
	}
	key, ok := n.peerKeys[from]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownKey, from)
	}
	if err := req.Verify(key); err != nil {
		return err
	}

	s := &PruneSchedule{
		Sender:            from,
		TickPeriodSeconds: req.Command.TickPeriodSeconds,
		BatchBlocksNum:    req.Command.BatchBlocksNum,
		Received:          time.Now(),
	}
	n.mu.Lock()
	n.schedule = s
	n.mu.Unlock()

	n.log.Debug("prune rate accepted",
		"from", from,
		"tick_period_seconds", s.TickPeriodSeconds,
		"batch_blocks_num", s.BatchBlocksNum)
	return nil
}

// MessageTypeClientRequest tags client requests sharing the state transfer
// transport; it is outside the stmsg type range
const MessageTypeClientRequest = 16

// ClientRequest is a request submitted through the consensus client
// interface and delivered to every replica
type ClientRequest struct {
	stmsg.MessageBase
	ClientID uint16
	Flags    uint64
	CID      string
	Payload  []byte
}

func (r *ClientRequest) SeqNum() uint64 { return 0 }

// commClient submits requests by broadcasting them over the node's
// transport and applying them locally
type commClient struct {
	node *Node
}

var _ pruning.Client = (*commClient)(nil)

func (c *commClient) ClientID() uint16 {
	return uint16(c.node.self)
}

func (c *commClient) SendRequest(ctx context.Context, flags uint64, payload []byte, cid string) error {
	n := c.node
	data, err := stmsg.Encode(&ClientRequest{
		MessageBase: stmsg.MessageBase{MessageType: MessageTypeClientRequest},
		ClientID:    c.ClientID(),
		Flags:       flags,
		CID:         cid,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	others := n.tuning.OtherReplicas()
	n.mu.Unlock()

	failed := n.comm.Broadcast(ctx, others, data)
	for id, err := range failed {
		n.log.DebugContext(ctx, "client request not delivered", "dest", id, "err", err)
	}
	if len(others) > 0 && len(failed) == len(others) {
		return fmt.Errorf("client request not delivered to any of %d replicas", len(others))
	}
	return n.handleClientRequest(n.self, data)
}
