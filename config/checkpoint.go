package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/bftkit/statetransfer/selector"
)

// Checkpoint is the stable checkpoint a lagging replica fetches up to:
// the block range, the replicas that signed it and the expected
// blake2b-256 digest of each block.
type Checkpoint struct {
	FirstBlock uint64
	LastBlock  uint64
	Sources    []selector.ReplicaID
	Digests    map[uint64][blake2b.Size256]byte
}

// Checkpoint reads the checkpoint-* keys:
//
//	checkpoint-first-block: 0
//	checkpoint-last-block: 99
//	checkpoint-sources: 1, 2, 3
//	checkpoint-digest:
//	- 0:5a1f...
func (f *File) Checkpoint() (*Checkpoint, error) {
	cp := &Checkpoint{Digests: map[uint64][blake2b.Size256]byte{}}

	var err error
	if cp.FirstBlock, err = f.uintValue("checkpoint-first-block"); err != nil {
		return nil, err
	}
	if cp.LastBlock, err = f.uintValue("checkpoint-last-block"); err != nil {
		return nil, err
	}
	if cp.LastBlock < cp.FirstBlock {
		return nil, fmt.Errorf("checkpoint: last block %d before first block %d", cp.LastBlock, cp.FirstBlock)
	}

	for _, s := range SplitValue(f.OptionalValue("checkpoint-sources", ""), ", ") {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil || selector.ReplicaID(id) == selector.NoReplica {
			return nil, fmt.Errorf("checkpoint-sources: invalid replica %q", s)
		}
		cp.Sources = append(cp.Sources, selector.ReplicaID(id))
	}

	for _, v := range f.Values("checkpoint-digest") {
		idStr, sumStr, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("checkpoint-digest: expected <block>:<hex>, got %q", v)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint-digest: %w", err)
		}
		sum, err := hex.DecodeString(strings.TrimSpace(sumStr))
		if err != nil || len(sum) != blake2b.Size256 {
			return nil, fmt.Errorf("checkpoint-digest: invalid digest for block %d", id)
		}
		if id < cp.FirstBlock || id > cp.LastBlock {
			return nil, fmt.Errorf("checkpoint-digest: block %d outside checkpoint range", id)
		}
		cp.Digests[id] = [blake2b.Size256]byte(sum)
	}
	if n := uint64(len(cp.Digests)); n != cp.LastBlock-cp.FirstBlock+1 {
		return nil, fmt.Errorf("checkpoint: %d digests for %d blocks", n, cp.LastBlock-cp.FirstBlock+1)
	}
	return cp, nil
}

func (f *File) uintValue(key string) (uint64, error) {
	v, err := f.Value(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
