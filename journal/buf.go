package journal

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"

	"github.com/BlackLotus/cowfs/closure"
	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/jset"
)

const (
	filterBits  = 256
	filterWords = filterBits / 64
)

// entryBuffer stages one in-construction log entry. Two of these alternate:
// while one is open for reservations the other may have a write in flight.
type entryBuffer struct {
	data []byte // payload arena, zeroed at init so unused space decodes as padding
	size uint64

	// used is the payload bytes present before the entry opens (pre-seeded
	// records); sealed to the final reservation offset at switch.
	used uint32

	// diskSectors is what the device rings offered when this entry opened.
	diskSectors uint64

	hdr jset.Header

	// seq duplicates hdr.Seq for the lock-free fast path, which reads it
	// while holding a reservation count (the count prevents re-init).
	seq atomic.Uint64

	// hasInode is the per-entry Bloom filter of touched inode numbers.
	// Producers set bits unlocked while holding a reservation.
	hasInode [filterWords]atomic.Uint64

	// wait is woken when this buffer's write completes (or errors).
	wait closure.WaitList

	// targets are the per-device locations assigned at switch time; devs
	// mirrors the device indices for the debug surface.
	targets []writeTarget
	devs    []int
}

func mkEntryBuffer(size uint64) *entryBuffer {
	return &entryBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// grow reallocates the arena, preserving any pre-seeded payload.
func (b *entryBuffer) grow(size uint64) {
	if size <= b.size {
		return
	}
	data := make([]byte, size)
	copy(data, b.data[:b.used])
	b.data = data
	b.size = size
}

func inodeFilterBit(inum common.Inum) uint {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], uint64(inum))
	return uint(xxhash.Checksum64(raw[:]) % filterBits)
}

func (b *entryBuffer) filterSet(bit uint) {
	w := &b.hasInode[bit/64]
	mask := uint64(1) << (bit % 64)
	for {
		v := w.Load()
		if v&mask != 0 || w.CompareAndSwap(v, v|mask) {
			return
		}
	}
}

func (b *entryBuffer) filterTest(bit uint) bool {
	return b.hasInode[bit/64].Load()&(uint64(1)<<(bit%64)) != 0
}

func (b *entryBuffer) filterReset() {
	for i := range b.hasInode {
		b.hasInode[i].Store(0)
	}
}
