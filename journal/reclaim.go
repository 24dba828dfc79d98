package journal

import (
	"time"

	"github.com/BlackLotus/cowfs/util"
)

// reclaimLoop is the background reclaim worker. The timer is an
// optimization; the reservation slow path also reclaims inline so forward
// progress never depends on it.
func (j *Journal) reclaimLoop() {
	defer close(j.reclaimDone)
	ticker := time.NewTicker(j.cfg.ReclaimDelay)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopc:
			return
		case <-ticker.C:
		case <-j.reclaimKick:
		}
		j.reclaimTick()
	}
}

func (j *Journal) kickReclaim() {
	select {
	case j.reclaimKick <- struct{}{}:
	default:
	}
}

// reclaimTick drains the oldest pinned sequences: flushers registered
// against them run (with the core mutex dropped), drained seqs are popped,
// and last_seq advances, which may unblock reservation waiters and free
// ring buckets.
//
// If a flusher returns an error, reclaim yields. That flusher is not called
// again; its seq stays pinned, and blocked producers stay blocked, until its
// pin is dropped.
func (j *Journal) reclaimTick() {
	j.reclaimMu.Lock()
	defer j.reclaimMu.Unlock()

	j.mu.Lock()
	j.reclaimFast()
	for j.pin.used() > 0 {
		p := j.pin.frontList()
		if len(p.pending) == 0 {
			if p.count != 0 {
				break
			}
			j.pin.pop()
			j.wait.Broadcast()
			continue
		}

		pin := p.pending[0]
		p.pending = p.pending[1:]
		p.flushed = append(p.flushed, pin)
		p.flushing = true
		seq := j.lastSeqLocked()
		j.mu.Unlock()

		err := pin.flush(pin, seq)

		j.mu.Lock()
		p.flushing = false
		if err != nil {
			util.DPrintf(2, "journal: reclaim yielding at seq %d: %v", seq, err)
			break
		}
	}
	j.reclaimFast()
	j.devRingAdvance()
	j.wait.Broadcast()
	j.mu.Unlock()
}

// devRingAdvance frees ring buckets whose newest entry is at or below
// last_seq_ondisk. Caller holds j.mu.
func (j *Journal) devRingAdvance() {
	for _, d := range j.devs {
		for d.nr > 1 && d.lastIdx != d.curIdx &&
			d.bucketSeq[d.lastIdx] <= j.lastSeqOndisk {
			d.lastIdx = (d.lastIdx + 1) % d.nr
		}
	}
}
