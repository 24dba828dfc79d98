package journal

import (
	"time"

	"github.com/BlackLotus/cowfs/closure"
	"github.com/BlackLotus/cowfs/common"
)

// setNeedWrite marks that someone wants the open entry written; returns
// whether this caller set it. Caller holds j.mu.
func (j *Journal) setNeedWrite() bool {
	if j.needWrite {
		return false
	}
	j.needWrite = true
	j.needWriteTime = time.Now()
	return true
}

// seqFlushedLocked reports whether seq is durable, forcing a write of the
// current entry when necessary. Caller holds j.mu; unlocked=true means the
// mutex was dropped by a successful switch and nothing else is known.
func (j *Journal) seqFlushedLocked(seq common.Seq) (flushed bool, err error, unlocked bool) {
	cur := j.curSeqLocked()
	if seq > cur {
		panic("journal: flush of unassigned seq")
	}
	s := unpackState(j.reservations.Load())

	if seq == cur {
		if j.Error() {
			return false, ErrIO, false
		}
		if !s.entryOpen() {
			if s.prevUnwritten {
				// the previous entry is still in flight; this one has
				// nothing yet and completes vacuously after it
				return false, nil, false
			}
			if j.curBuf().used == 0 {
				return true, nil, false
			}
			// pre-seeded records with no open entry: wait for open
			return false, nil, false
		}
		needWriteJustSet := j.setNeedWrite()
		switch j.switchBuffer(needWriteJustSet) {
		case switchError:
			return false, ErrIO, false
		case switchClosed, switchInuse:
			return false, nil, false
		case switchUnlocked:
			return false, nil, true
		}
	} else if seq+1 == cur && s.prevUnwritten {
		if j.Error() {
			return false, ErrIO, false
		}
		return false, nil, false
	}

	return true, nil, false
}

// FlushSeq blocks until seq is durable on every journal device, forcing a
// write if needed. Returns ErrIO if the journal latched an error first.
func (j *Journal) FlushSeq(seq common.Seq) error {
	j.mu.Lock()
	for {
		if j.shutdown {
			j.mu.Unlock()
			return ErrInterrupted
		}
		flushed, err, unlocked := j.seqFlushedLocked(seq)
		if unlocked {
			j.mu.Lock()
			continue
		}
		if err != nil {
			j.mu.Unlock()
			return err
		}
		if flushed {
			j.mu.Unlock()
			return nil
		}
		j.wait.Wait()
	}
}

// FlushSeqAsync registers parent to be woken once seq is durable, forcing a
// write immediately when seq is the open entry. If the journal is errored
// parent fires at once so the caller observes the error and unwinds.
func (j *Journal) FlushSeqAsync(seq common.Seq, parent *closure.Closure) {
	j.mu.Lock()
	cur := j.curSeqLocked()
	if seq > cur {
		panic("journal: flush of unassigned seq")
	}
	if j.Error() {
		j.mu.Unlock()
		if parent != nil {
			parent.Complete()
		}
		return
	}
	s := unpackState(j.reservations.Load())

	if seq == cur {
		buf := j.curBuf()
		if !s.entryOpen() && !s.prevUnwritten && buf.used == 0 {
			j.mu.Unlock()
			if parent != nil {
				parent.Complete()
			}
			return
		}
		if parent != nil {
			buf.wait.Register(parent)
		}
		if !s.entryOpen() {
			// nothing to force yet; the wait list fires when this
			// entry is eventually written (or the journal errors)
			j.mu.Unlock()
			return
		}
		needWriteJustSet := j.setNeedWrite()
		switch j.switchBuffer(needWriteJustSet) {
		case switchError:
			j.mu.Unlock()
			buf.wait.WakeAll()
		case switchClosed, switchInuse:
			j.mu.Unlock()
		case switchUnlocked:
		}
		return
	}

	if seq+1 == cur && s.prevUnwritten {
		buf := j.prevBuf()
		if parent != nil {
			buf.wait.Register(parent)
			// re-check: the completion may have raced our registration
			s2 := unpackState(j.reservations.Load())
			if !s2.prevUnwritten || j.Error() {
				buf.wait.WakeAll()
			}
		}
		j.mu.Unlock()
		return
	}

	j.mu.Unlock()
	if parent != nil {
		parent.Complete()
	}
}

// flushTarget picks the seq Flush should wait on: the open entry, or the
// last one if the entry is closed. Returns false when no seq exists yet
// (before Start).
func (j *Journal) flushTarget() (common.Seq, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cur := j.curSeqLocked()
	if j.entryIsOpen() {
		return cur, true
	}
	if cur > 0 {
		return cur - 1, true
	}
	return 0, false
}

// Flush writes out the open entry, if any, and waits for it and everything
// before it to be durable.
func (j *Journal) Flush() error {
	seq, ok := j.flushTarget()
	if !ok {
		return nil
	}
	return j.FlushSeq(seq)
}

// FlushAsync is Flush with a continuation instead of blocking.
func (j *Journal) FlushAsync(parent *closure.Closure) {
	seq, ok := j.flushTarget()
	if !ok {
		if parent != nil {
			parent.Complete()
		}
		return
	}
	j.FlushSeqAsync(seq, parent)
}

// Meta acquires an empty reservation solely to create a new durable
// sequence: a barrier when no real mutation is pending.
func (j *Journal) Meta() error {
	res, err := j.ResGet(8, 8)
	if err != nil {
		return err
	}
	j.ResPut(res)
	return j.FlushSeq(res.Seq)
}

// MetaAsync is Meta with a continuation instead of blocking.
func (j *Journal) MetaAsync(parent *closure.Closure) error {
	res, err := j.ResGet(8, 8)
	if err != nil {
		if parent != nil {
			parent.Complete()
		}
		return err
	}
	j.ResPut(res)
	j.FlushSeqAsync(res.Seq, parent)
	return nil
}

// OpenSeqAsync ensures the entry for seq is open. Used by the btree
// interior update machinery: every entry carries all btree roots, so a root
// update needs no reservation, just an open entry.
//
// Returns (true, nil) when seq already exists or is already open. When the
// journal is full, parent is queued and fires on the next successful open;
// the return is (false, nil).
func (j *Journal) OpenSeqAsync(seq common.Seq, parent *closure.Closure) (bool, error) {
	j.mu.Lock()
	cur := j.curSeqLocked()
	if seq > cur {
		panic("journal: open of future seq")
	}
	if seq < cur || j.entryIsOpen() {
		j.mu.Unlock()
		return true, nil
	}
	opened, err := j.entryOpen()
	if err != nil {
		j.mu.Unlock()
		return false, err
	}
	if opened {
		j.mu.Unlock()
		return true, nil
	}
	if parent != nil {
		j.asyncWait.Register(parent)
	}
	j.mu.Unlock()
	j.kickReclaim()
	return false, nil
}
