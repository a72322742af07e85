// Package stmsg defines the state transfer messages exchanged between a
// fetching replica and its source.
package stmsg

import (
	"errors"
	"fmt"

	"github.com/bftkit/statetransfer/cbor"
)

// Message types
const (
	MessageTypeFetchBlocks    = 1
	MessageTypeItemData       = 2
	MessageTypeRejectFetching = 3
)

var ErrUnknownMessageType = errors.New("stmsg: unknown message type")

type Message interface {
	Type() uint8
	SeqNum() uint64
}

// MessageBase is embedded first in every message so the type tag is the
// first element of the encoded array
type MessageBase struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_           struct{} `cbor:",toarray"`
	MessageType uint8
}

func (m *MessageBase) Type() uint8 {
	return m.MessageType
}

// FetchBlocks asks the source for blocks MinBlockID..MaxBlockID, starting
// after LastKnownChunk of MaxBlockID's predecessor when resuming.
type FetchBlocks struct {
	MessageBase
	MsgSeqNum      uint64
	MinBlockID     uint64
	MaxBlockID     uint64
	LastKnownChunk uint32
}

func NewFetchBlocks(seq, minBlock, maxBlock uint64) *FetchBlocks {
	return &FetchBlocks{
		MessageBase: MessageBase{MessageType: MessageTypeFetchBlocks},
		MsgSeqNum:   seq,
		MinBlockID:  minBlock,
		MaxBlockID:  maxBlock,
	}
}

func (m *FetchBlocks) SeqNum() uint64 { return m.MsgSeqNum }

// ItemData carries one chunk of a block in answer to a FetchBlocks request
type ItemData struct {
	MessageBase
	RequestSeqNum uint64
	BlockID       uint64
	TotalChunks   uint32
	ChunkNumber   uint32
	Data          []byte
}

// ItemDataOverhead is the largest number of bytes an encoded ItemData
// adds to its Data: the array header, the type, two uint64 and two uint32
// fields at their widest, and the byte string header.
const ItemDataOverhead = 1 + 1 + 9 + 9 + 5 + 5 + 9

// MaxItemData is the most block data one ItemData can carry in a message
// of at most maxMessageSize bytes
func MaxItemData(maxMessageSize int) int {
	return maxMessageSize - ItemDataOverhead
}

func NewItemData(reqSeq, blockID uint64, data []byte) *ItemData {
	return &ItemData{
		MessageBase:   MessageBase{MessageType: MessageTypeItemData},
		RequestSeqNum: reqSeq,
		BlockID:       blockID,
		TotalChunks:   1,
		ChunkNumber:   1,
		Data:          data,
	}
}

func (m *ItemData) SeqNum() uint64 { return m.RequestSeqNum }

// LastChunk reports whether this is the final chunk of the block
func (m *ItemData) LastChunk() bool {
	return m.ChunkNumber >= m.TotalChunks
}

// RejectFetching is sent by a replica that cannot serve a request
type RejectFetching struct {
	MessageBase
	RequestSeqNum uint64
	Reason        string
}

func NewRejectFetching(reqSeq uint64, reason string) *RejectFetching {
	return &RejectFetching{
		MessageBase:   MessageBase{MessageType: MessageTypeRejectFetching},
		RequestSeqNum: reqSeq,
		Reason:        reason,
	}
}

func (m *RejectFetching) SeqNum() uint64 { return m.RequestSeqNum }

func Encode(msg Message) ([]byte, error) {
	data, err := cbor.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("stmsg: encode type %d: %w", msg.Type(), err)
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	msgType, err := cbor.DecodeFirstUint(data)
	if err != nil {
		return nil, fmt.Errorf("stmsg: decode type: %w", err)
	}
	var ret Message
	switch msgType {
	case MessageTypeFetchBlocks:
		ret = &FetchBlocks{}
	case MessageTypeItemData:
		ret = &ItemData{}
	case MessageTypeRejectFetching:
		ret = &RejectFetching{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("stmsg: decode error: %w", err)
	}
	return ret, nil
}
