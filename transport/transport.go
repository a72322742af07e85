// Package transport is the replica-to-replica message layer used by state
// transfer. Implementations deliver opaque payloads; framing and message
// types live in package stmsg.
package transport

import (
	"context"
	"errors"

	"github.com/bftkit/statetransfer/selector"
)

var (
	ErrNotRunning     = errors.New("transport: not running")
	ErrUnknownReplica = errors.New("transport: unknown replica")
	ErrTooLarge       = errors.New("transport: message too large")
)

type ConnectionStatus uint8

const (
	StatusUnknown ConnectionStatus = iota
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Receiver gets inbound messages. OnNewMessage must not block for long;
// implementations call it from their delivery goroutine.
type Receiver interface {
	OnNewMessage(from selector.ReplicaID, payload []byte)
	OnConnectionStatusChanged(id selector.ReplicaID, status ConnectionStatus)
}

type Communication interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool

	Send(ctx context.Context, dest selector.ReplicaID, payload []byte) error

	// Broadcast returns the destinations that failed
	Broadcast(ctx context.Context, dests []selector.ReplicaID, payload []byte) map[selector.ReplicaID]error

	SetReceiver(r Receiver)
	ConnectionStatus(id selector.ReplicaID) ConnectionStatus
	MaxMessageSize() int
}

// ReceiverFunc adapts a function to Receiver, ignoring status changes
type ReceiverFunc func(from selector.ReplicaID, payload []byte)

func (f ReceiverFunc) OnNewMessage(from selector.ReplicaID, payload []byte) {
	f(from, payload)
}

func (f ReceiverFunc) OnConnectionStatusChanged(selector.ReplicaID, ConnectionStatus) {}

// SendEach sends payload to every destination in turn and collects the
// failures. Implementations without a native multicast use it for Broadcast.
func SendEach(ctx context.Context, c Communication, dests []selector.ReplicaID, payload []byte) map[selector.ReplicaID]error {
	failed := map[selector.ReplicaID]error{}
	for _, id := range dests {
		if err := c.Send(ctx, id, payload); err != nil {
			failed[id] = err
		}
	}
	return failed
}
