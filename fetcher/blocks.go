package fetcher

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// MemoryBlocks is an in-memory block store usable as both BlockSink and
// BlockReader
type MemoryBlocks struct {
	mu     sync.RWMutex
	blocks map[uint64][]byte
}

func NewMemoryBlocks() *MemoryBlocks {
	return &MemoryBlocks{blocks: map[uint64][]byte{}}
}

func (m *MemoryBlocks) PutBlock(ctx context.Context, blockID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[blockID] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlocks) GetBlock(ctx context.Context, blockID uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[blockID]
	return data, ok
}

func (m *MemoryBlocks) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// DirBlocks keeps one file per block in a directory, named by block id
type DirBlocks struct {
	dir string
}

func NewDirBlocks(dir string) (*DirBlocks, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("block dir: %w", err)
	}
	return &DirBlocks{dir: dir}, nil
}

func (d *DirBlocks) path(blockID uint64) string {
	return filepath.Join(d.dir, strconv.FormatUint(blockID, 10)+".blk")
}

// PutBlock writes through a temporary file so readers never see a partial
// block
func (d *DirBlocks) PutBlock(ctx context.Context, blockID uint64, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, ".block-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.path(blockID))
}

func (d *DirBlocks) GetBlock(ctx context.Context, blockID uint64) ([]byte, bool) {
	data, err := os.ReadFile(d.path(blockID))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Has reports whether the block is stored, without reading it
func (d *DirBlocks) Has(blockID uint64) (bool, error) {
	_, err := os.Stat(d.path(blockID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// DigestValidator accepts a block when its blake2b-256 digest matches the
// digest known for that block id, e.g. from a checkpoint
type DigestValidator struct {
	mu      sync.RWMutex
	digests map[uint64][blake2b.Size256]byte
}

func NewDigestValidator() *DigestValidator {
	return &DigestValidator{digests: map[uint64][blake2b.Size256]byte{}}
}

func (v *DigestValidator) Expect(blockID uint64, data []byte) {
	v.ExpectDigest(blockID, blake2b.Sum256(data))
}

func (v *DigestValidator) ExpectDigest(blockID uint64, sum [blake2b.Size256]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.digests[blockID] = sum
}

func (v *DigestValidator) Validate(blockID uint64, data []byte) bool {
	v.mu.RLock()
	want, ok := v.digests[blockID]
	v.mu.RUnlock()
	if !ok {
		return false
	}
	got := blake2b.Sum256(data)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}
