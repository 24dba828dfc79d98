package journal

import (
	"github.com/BlackLotus/cowfs/common"
)

// The reservation state is one 64-bit word so the fast path is a single
// compare-and-swap. Layout, low to high bit:
//
//	[0:20)  offset        bytes reserved in the open entry, or a sentinel
//	[20]    idx           which buffer is current
//	[21]    prevUnwritten the other buffer has a write in flight
//	[22:43) count[0]      outstanding reservations on buffer 0
//	[43:64) count[1]      outstanding reservations on buffer 1
//
// The word lives in memory only and is never written to disk.
const (
	offsetBits = 20
	offsetMask = (1 << offsetBits) - 1
	countBits  = 21
	countMask  = (1 << countBits) - 1

	// offClosed marks the entry closed; offError is the latched error
	// state. Neither is a valid byte offset: offsets stay strictly below
	// offClosed.
	offClosed uint32 = offsetMask - 1
	offError  uint32 = offsetMask
)

type resState struct {
	offset        uint32
	idx           uint32
	prevUnwritten bool
	count         [2]uint32
}

func unpackState(v uint64) resState {
	return resState{
		offset:        uint32(v & offsetMask),
		idx:           uint32(v >> 20 & 1),
		prevUnwritten: v>>21&1 != 0,
		count: [2]uint32{
			uint32(v >> 22 & countMask),
			uint32(v >> 43 & countMask),
		},
	}
}

func (s resState) pack() uint64 {
	v := uint64(s.offset) | uint64(s.idx)<<20
	if s.prevUnwritten {
		v |= 1 << 21
	}
	return v | uint64(s.count[0])<<22 | uint64(s.count[1])<<43
}

func (s resState) entryOpen() bool {
	return s.offset < offClosed
}

// Reservation is a caller-exclusive byte range inside the open entry.
type Reservation struct {
	Seq    common.Seq
	Offset uint32 // byte offset of the granted range in the entry payload
	Bytes  uint32 // granted bytes, needMin <= Bytes <= needMax

	idx  uint32
	used uint32 // bytes consumed so far via AddEntry
}
