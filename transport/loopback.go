package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bftkit/statetransfer/selector"
)

const (
	loopbackInboxSize      = 1024
	loopbackMaxMessageSize = 64 * 1024 * 1024
)

type envelope struct {
	from    selector.ReplicaID
	payload []byte
}

// LoopbackNetwork connects in-process endpoints. Traffic from a replica can
// be dropped or delayed to simulate slow and faulty peers.
type LoopbackNetwork struct {
	log *slog.Logger

	mu        sync.RWMutex
	endpoints map[selector.ReplicaID]*Loopback
	drop      map[selector.ReplicaID]bool
	delay     map[selector.ReplicaID]time.Duration
}

func NewLoopbackNetwork(log *slog.Logger) *LoopbackNetwork {
	if log == nil {
		log = slog.Default()
	}
	return &LoopbackNetwork{
		log:       log.WithGroup("loopback"),
		endpoints: map[selector.ReplicaID]*Loopback{},
		drop:      map[selector.ReplicaID]bool{},
		delay:     map[selector.ReplicaID]time.Duration{},
	}
}

// Endpoint returns the endpoint for id, creating it on first use
func (n *LoopbackNetwork) Endpoint(id selector.ReplicaID) *Loopback {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Loopback{
		id:  id,
		net: n,
		log: n.log.With("replica", id),
	}
	n.endpoints[id] = ep
	return ep
}

// SetDrop makes the network discard everything sent by id
func (n *LoopbackNetwork) SetDrop(id selector.ReplicaID, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if drop {
		n.drop[id] = true
	} else {
		delete(n.drop, id)
	}
}

// SetDelay holds back messages sent by id for d
func (n *LoopbackNetwork) SetDelay(id selector.ReplicaID, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d <= 0 {
		delete(n.delay, id)
		return
	}
	n.delay[id] = d
}

func (n *LoopbackNetwork) route(from selector.ReplicaID, dest selector.ReplicaID) (*Loopback, bool, time.Duration, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[dest]
	if !ok {
		return nil, false, 0, fmt.Errorf("%w: %s", ErrUnknownReplica, dest)
	}
	return ep, n.drop[from], n.delay[from], nil
}

// Loopback is one replica's endpoint on a LoopbackNetwork
type Loopback struct {
	id  selector.ReplicaID
	net *LoopbackNetwork
	log *slog.Logger

	receiver atomic.Pointer[Receiver]

	mu      sync.Mutex
	running bool
	inbox   chan envelope
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Communication = (*Loopback)(nil)

func (l *Loopback) ID() selector.ReplicaID {
	return l.id
}

func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	l.inbox = make(chan envelope, loopbackInboxSize)
	l.done = make(chan struct{})
	l.running = true

	l.wg.Add(1)
	go l.deliver(l.inbox, l.done)
	return nil
}

func (l *Loopback) deliver(inbox <-chan envelope, done <-chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case <-done:
			return
		case env := <-inbox:
			if r := l.receiver.Load(); r != nil {
				(*r).OnNewMessage(env.from, env.payload)
			}
		}
	}
}

func (l *Loopback) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.done)
	l.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loopback) Send(ctx context.Context, dest selector.ReplicaID, payload []byte) error {
	if !l.IsRunning() {
		return ErrNotRunning
	}
	if len(payload) > l.MaxMessageSize() {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ep, drop, delay, err := l.net.route(l.id, dest)
	if err != nil {
		return err
	}
	if drop {
		l.log.Debug("dropping message", "dest", dest)
		return nil
	}

	// the receiver owns its copy
	buf := make([]byte, len(payload))
	copy(buf, payload)
	env := envelope{from: l.id, payload: buf}

	if delay > 0 {
		time.AfterFunc(delay, func() { ep.enqueue(env) })
		return nil
	}
	ep.enqueue(env)
	return nil
}

// enqueue never blocks; a stopped or saturated endpoint loses the message
// the same way a real network would
func (l *Loopback) enqueue(env envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	select {
	case l.inbox <- env:
	default:
		l.log.Warn("inbox full, dropping message", "from", env.from)
	}
}

func (l *Loopback) Broadcast(ctx context.Context, dests []selector.ReplicaID, payload []byte) map[selector.ReplicaID]error {
	return SendEach(ctx, l, dests, payload)
}

func (l *Loopback) SetReceiver(r Receiver) {
	if r == nil {
		l.receiver.Store(nil)
		return
	}
	l.receiver.Store(&r)
}

func (l *Loopback) ConnectionStatus(id selector.ReplicaID) ConnectionStatus {
	l.net.mu.RLock()
	ep, ok := l.net.endpoints[id]
	dropped := l.net.drop[id]
	l.net.mu.RUnlock()
	if !ok {
		return StatusUnknown
	}
	if dropped || !ep.IsRunning() {
		return StatusDisconnected
	}
	return StatusConnected
}

func (l *Loopback) MaxMessageSize() int {
	return loopbackMaxMessageSize
}
