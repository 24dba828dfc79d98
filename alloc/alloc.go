// Package alloc allocates device buckets for journal use.
//
// The journal proper only consumes the BucketSource interface; the real
// filesystem backs it with its allocator. Alloc is a bitmap-based source
// used by tests and tooling, and NewFSSource is the bespoke mkfs-time
// source that hands out buckets sequentially without any open-bucket
// machinery.
package alloc

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/util"
)

var ErrNoSpace = errors.New("alloc: no free buckets")

// BucketSource hands out whole buckets and accounts for their use.
type BucketSource interface {
	// AllocBucket returns a free bucket number.
	AllocBucket() (common.Bnum, error)

	// ReleaseBucket returns a bucket obtained from AllocBucket that was
	// not committed to a journal.
	ReleaseBucket(b common.Bnum)

	// MarkMetadataBucket records that the bucket now holds journal
	// metadata, for allocator accounting.
	MarkMetadataBucket(b common.Bnum)
}

// Alloc allocates bucket numbers [start, start+n) with a bitmap. Bit i
// corresponds to bucket start+i.
type Alloc struct {
	lock   *sync.Mutex
	start  common.Bnum
	n      uint64
	next   uint64 // rotor; the next search starts at the bit after it
	bitmap []byte
	meta   map[common.Bnum]bool
}

func MkAlloc(start common.Bnum, n uint64) *Alloc {
	return &Alloc{
		lock:   new(sync.Mutex),
		start:  start,
		n:      n,
		next:   0,
		bitmap: make([]byte, util.RoundUp(n, 8)),
		meta:   make(map[common.Bnum]bool),
	}
}

// incNext advances the rotor; caller holds lock.
func (a *Alloc) incNext() uint64 {
	a.next = a.next + 1
	if a.next >= a.n {
		a.next = 0
	}
	return a.next
}

func (a *Alloc) AllocBucket() (common.Bnum, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	num := a.incNext()
	start := num
	for {
		byt := num / 8
		bit := num % 8
		if a.bitmap[byt]&(1<<bit) == 0 {
			a.bitmap[byt] |= 1 << bit
			util.DPrintf(10, "AllocBucket: bucket %d", a.start+num)
			return a.start + num, nil
		}
		num = a.incNext()
		if num == start {
			return common.NULLBNUM, ErrNoSpace
		}
	}
}

func (a *Alloc) ReleaseBucket(b common.Bnum) {
	a.lock.Lock()
	defer a.lock.Unlock()
	num := b - a.start
	if num >= a.n {
		panic("ReleaseBucket: bucket out of range")
	}
	a.bitmap[num/8] &= ^(byte(1) << (num % 8))
	delete(a.meta, b)
}

func (a *Alloc) MarkMetadataBucket(b common.Bnum) {
	a.lock.Lock()
	a.meta[b] = true
	a.lock.Unlock()
}

// MetadataBuckets reports the buckets currently accounted as journal
// metadata, in order.
func (a *Alloc) MetadataBuckets() []common.Bnum {
	a.lock.Lock()
	defer a.lock.Unlock()
	bs := make([]common.Bnum, 0, len(a.meta))
	for b := range a.meta {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	return bs
}

// NewFSSource allocates sequentially from start; used at mkfs time when the
// allocator's runtime machinery isn't up yet.
type NewFSSource struct {
	lock *sync.Mutex
	next common.Bnum
	end  common.Bnum
	meta map[common.Bnum]bool
}

func MkNewFSSource(start common.Bnum, n uint64) *NewFSSource {
	return &NewFSSource{
		lock: new(sync.Mutex),
		next: start,
		end:  start + n,
		meta: make(map[common.Bnum]bool),
	}
}

func (s *NewFSSource) AllocBucket() (common.Bnum, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.next >= s.end {
		return common.NULLBNUM, ErrNoSpace
	}
	b := s.next
	s.next++
	return b, nil
}

func (s *NewFSSource) ReleaseBucket(b common.Bnum) {
	// mkfs aborts on failure; nothing to undo
}

func (s *NewFSSource) MarkMetadataBucket(b common.Bnum) {
	s.lock.Lock()
	s.meta[b] = true
	s.lock.Unlock()
}

func (s *NewFSSource) MetadataBuckets() []common.Bnum {
	s.lock.Lock()
	defer s.lock.Unlock()
	bs := make([]common.Bnum, 0, len(s.meta))
	for b := range s.meta {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	return bs
}
