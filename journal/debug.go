package journal

import (
	"fmt"
	"strings"
)

// DebugString renders a snapshot of the reservation state and device rings.
// Diagnostic only; not part of any correctness contract.
func (j *Journal) DebugString() string {
	var b strings.Builder

	j.mu.Lock()
	s := unpackState(j.reservations.Load())
	fmt.Fprintf(&b,
		"active journal entries:\t%d\n"+
			"seq:\t\t\t%d\n"+
			"last_seq:\t\t%d\n"+
			"last_seq_ondisk:\t%d\n"+
			"reservation count:\t%d\n"+
			"reservation offset:\t%d\n"+
			"current entry bytes:\t%d\n"+
			"io in flight:\t\t%v\n"+
			"need write:\t\t%v\n"+
			"dirty:\t\t\t%v\n"+
			"blocked total:\t\t%v\n"+
			"delay total:\t\t%v\n",
		j.pin.used(),
		j.curSeqLocked(),
		j.lastSeqLocked(),
		j.lastSeqOndisk,
		s.count[s.idx],
		s.offset,
		j.curEntryBytes.Load(),
		s.prevUnwritten,
		j.needWrite,
		s.entryOpen(),
		j.blockedTotal,
		j.delayTotal)

	for _, d := range j.devs {
		if d.nr == 0 {
			continue
		}
		fmt.Fprintf(&b,
			"dev %d:\n"+
				"\tnr\t\t%d\n"+
				"\tcur_idx\t\t%d (seq %d)\n"+
				"\tlast_idx\t%d (seq %d)\n",
			d.idx, d.nr,
			d.curIdx, d.bucketSeq[d.curIdx],
			d.lastIdx, d.bucketSeq[d.lastIdx])
	}
	j.mu.Unlock()

	return b.String()
}

// PinsString renders the pin FIFO: per-seq refcounts plus pending and
// flushed flusher lists.
func (j *Journal) PinsString() string {
	var b strings.Builder

	j.mu.Lock()
	for seq := j.pin.front; seq < j.pin.back; seq++ {
		p := &j.pin.lists[seq&j.pin.mask]
		fmt.Fprintf(&b, "%d: count %d\n", seq, p.count)
		for _, pin := range p.pending {
			fmt.Fprintf(&b, "\t%p %v\n", pin, pin.flush != nil)
		}
		if len(p.flushed) > 0 {
			fmt.Fprintf(&b, "flushed:\n")
			for _, pin := range p.flushed {
				fmt.Fprintf(&b, "\t%p %v\n", pin, pin.flush != nil)
			}
		}
	}
	j.mu.Unlock()

	return b.String()
}
