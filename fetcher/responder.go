package fetcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/stmsg"
	"github.com/bftkit/statetransfer/transport"
)

const defaultChunkSize = 32 * 1024

// BlockReader returns committed blocks; ok is false for blocks this
// replica doesn't have
type BlockReader interface {
	GetBlock(ctx context.Context, blockID uint64) (data []byte, ok bool)
}

type ResponderOption func(*Responder)

// WithChunkSize lowers the chunk size; it never exceeds what the
// transport can carry in one message
func WithChunkSize(n int) ResponderOption {
	return func(r *Responder) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithTamper rewrites outgoing block data. Used to simulate byzantine
// sources.
func WithTamper(fn func(blockID uint64, data []byte) []byte) ResponderOption {
	return func(r *Responder) {
		r.tamper = fn
	}
}

// Responder serves FetchBlocks requests from lagging replicas
type Responder struct {
	comm      transport.Communication
	blocks    BlockReader
	log       *slog.Logger
	chunkSize int
	maxBlocks uint64
	tamper    func(uint64, []byte) []byte
}

func NewResponder(comm transport.Communication, blocks BlockReader, maxBlocks uint64, log *slog.Logger, opts ...ResponderOption) *Responder {
	if log == nil {
		log = slog.Default()
	}
	if maxBlocks == 0 {
		maxBlocks = 64
	}
	r := &Responder{
		comm:      comm,
		blocks:    blocks,
		log:       log.WithGroup("responder"),
		chunkSize: defaultChunkSize,
		maxBlocks: maxBlocks,
	}
	for _, o := range opts {
		o(r)
	}

	// every ItemData has to fit in one transport message
	if limit := stmsg.MaxItemData(comm.MaxMessageSize()); limit < r.chunkSize {
		if limit < 1 {
			r.log.Error("transport message size too small for block data",
				"max_message_size", comm.MaxMessageSize())
			limit = 1
		}
		r.chunkSize = limit
	}
	return r
}

// ChunkSize is the most block data sent in one ItemData
func (r *Responder) ChunkSize() int {
	return r.chunkSize
}

func (r *Responder) reject(ctx context.Context, to selector.ReplicaID, req *stmsg.FetchBlocks, reason string) error {
	r.log.DebugContext(ctx, "rejecting fetch", "from", to, "reason", reason)
	data, err := stmsg.Encode(stmsg.NewRejectFetching(req.MsgSeqNum, reason))
	if err != nil {
		return err
	}
	return r.comm.Send(ctx, to, data)
}

// Serve answers one request with the requested blocks in order, resuming
// the first block after LastKnownChunk. A request that starts with a block
// this replica doesn't have is rejected.
func (r *Responder) Serve(ctx context.Context, from selector.ReplicaID, req *stmsg.FetchBlocks) error {
	if req.MinBlockID > req.MaxBlockID {
		return r.reject(ctx, from, req, "invalid range")
	}
	if req.MaxBlockID-req.MinBlockID >= r.maxBlocks {
		return r.reject(ctx, from, req, "too many blocks")
	}

	for id := req.MinBlockID; id <= req.MaxBlockID; id++ {
		data, ok := r.blocks.GetBlock(ctx, id)
		if !ok {
			if id == req.MinBlockID {
				return r.reject(ctx, from, req, "block not available")
			}
			break
		}
		if r.tamper != nil {
			data = r.tamper(id, data)
		}

		chunks := splitChunks(data, r.chunkSize)
		first := 0
		if id == req.MinBlockID && int(req.LastKnownChunk) < len(chunks) {
			first = int(req.LastKnownChunk)
		}
		for i := first; i < len(chunks); i++ {
			item := stmsg.NewItemData(req.MsgSeqNum, id, chunks[i])
			item.TotalChunks = uint32(len(chunks))
			item.ChunkNumber = uint32(i + 1)
			payload, err := stmsg.Encode(item)
			if err != nil {
				return err
			}
			if err := r.comm.Send(ctx, from, payload); err != nil {
				return fmt.Errorf("send block %d to %s: %w", id, from, err)
			}
		}
	}
	return nil
}

func splitChunks(data []byte, size int) [][]byte {
	if len(data) <= size {
		return [][]byte{data}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
