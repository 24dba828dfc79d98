package disk

import (
	"sync"

	"github.com/pkg/errors"
)

var _ Disk = (*MemDisk)(nil)

// MemDisk is an in-memory disk, used by tests and mkfs dry runs.
type MemDisk struct {
	mu     *sync.Mutex
	blocks [][]byte
}

func NewMemDisk(numBlocks uint64) *MemDisk {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &MemDisk{mu: new(sync.Mutex), blocks: blocks}
}

func (d *MemDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return errors.Errorf("buffer is not block-sized (%d bytes)", len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a >= uint64(len(d.blocks)) {
		return errors.Errorf("out-of-bounds read at %v", a)
	}
	copy(buf, d.blocks[a])
	return nil
}

func (d *MemDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *MemDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return errors.Errorf("v is not block-sized (%d bytes)", len(v))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a >= uint64(len(d.blocks)) {
		return errors.Errorf("out-of-bounds write at %v", a)
	}
	copy(d.blocks[a], v)
	return nil
}

func (d *MemDisk) Size() (uint64, error) {
	return uint64(len(d.blocks)), nil
}

func (d *MemDisk) Barrier() error {
	return nil
}

func (d *MemDisk) Close() error {
	return nil
}
