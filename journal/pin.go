package journal

import (
	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/util"
)

// FlushFn is a deferred flusher keyed to a sequence: it makes the effects
// pinning seq durable (typically by writing back dirty btree nodes) and
// eventually drops its pin.
type FlushFn func(p *Pin, seq common.Seq) error

// Pin holds a sequence in the FIFO. While any pin on a seq is active, the
// seq's journal space cannot be reclaimed.
type Pin struct {
	seq    common.Seq
	flush  FlushFn
	active bool
}

func (p *Pin) Seq() common.Seq {
	return p.seq
}

// pinList tracks everything keeping one sequence alive: an aggregate
// refcount (one reference represents "buffer open / write in flight") plus
// registered flushers.
type pinList struct {
	count   int
	pending []*Pin
	flushed []*Pin // retained for the debug surface

	// flushing marks a flusher in progress with the core mutex dropped;
	// the list must not be popped underneath it.
	flushing bool
}

func (p *pinList) reset(count int) {
	p.count = count
	p.pending = nil
	p.flushed = nil
	p.flushing = false
}

// pinFIFO is a bounded ring of pin lists indexed by sequence number.
// front == last_seq, back == cur_seq + 1; entries [front, back) are live.
type pinFIFO struct {
	lists []pinList
	mask  uint64
	front uint64
	back  uint64
}

func mkPinFIFO(n uint64) pinFIFO {
	if n&(n-1) != 0 {
		panic("journal: pin fifo size must be a power of two")
	}
	return pinFIFO{
		lists: make([]pinList, n),
		mask:  n - 1,
		front: 1,
		back:  1,
	}
}

func (f *pinFIFO) used() uint64 {
	return f.back - f.front
}

func (f *pinFIFO) full() bool {
	return f.used() >= uint64(len(f.lists))
}

func (f *pinFIFO) push(count int) *pinList {
	if f.full() {
		panic("journal: pin fifo overflow")
	}
	p := &f.lists[f.back&f.mask]
	p.reset(count)
	f.back++
	return p
}

func (f *pinFIFO) pop() {
	if f.used() == 0 {
		panic("journal: pin fifo underflow")
	}
	f.lists[f.front&f.mask].reset(0)
	f.front++
}

func (f *pinFIFO) frontList() *pinList {
	return &f.lists[f.front&f.mask]
}

// listFor returns the pin list for seq, or nil if seq is outside the live
// window.
func (f *pinFIFO) listFor(seq common.Seq) *pinList {
	if uint64(seq) < f.front || uint64(seq) >= f.back {
		return nil
	}
	return &f.lists[uint64(seq)&f.mask]
}

// PinAdd registers p as a pin on seq with flush as its deferred flusher.
// The seq must still be in the live window.
func (j *Journal) PinAdd(p *Pin, seq common.Seq, flush FlushFn) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p.active {
		panic("journal: pin already active")
	}
	list := j.pin.listFor(seq)
	if list == nil {
		panic("journal: pin on reclaimed seq")
	}
	p.seq = seq
	p.flush = flush
	p.active = true
	list.count++
	if flush != nil {
		list.pending = append(list.pending, p)
	}
}

// PinDrop releases p. Dropping an inactive pin is a no-op so flushers can
// drop unconditionally.
func (j *Journal) PinDrop(p *Pin) {
	j.mu.Lock()
	if !p.active {
		j.mu.Unlock()
		return
	}
	p.active = false
	if list := j.pin.listFor(p.seq); list != nil {
		if list.count <= 0 {
			panic("journal: pin refcount underflow")
		}
		list.count--
		for i, q := range list.pending {
			if q == p {
				list.pending = append(list.pending[:i], list.pending[i+1:]...)
				break
			}
		}
	}
	j.wait.Broadcast()
	j.mu.Unlock()
	j.kickReclaim()
}

// reclaimFast pops fully-drained pin lists off the front of the FIFO,
// advancing last_seq. Caller holds j.mu.
func (j *Journal) reclaimFast() {
	popped := false
	for j.pin.used() > 0 {
		p := j.pin.frontList()
		if p.count != 0 || len(p.pending) != 0 || p.flushing {
			break
		}
		util.DPrintf(5, "journal: reclaim seq %d", j.pin.front)
		j.pin.pop()
		popped = true
	}
	if popped {
		j.wait.Broadcast()
	}
}
