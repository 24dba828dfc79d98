package journal

import (
	"time"

	"github.com/BlackLotus/cowfs/disk"
	"github.com/BlackLotus/cowfs/jset"
	"github.com/BlackLotus/cowfs/util"
)

type switchResult int

const (
	switchError switchResult = iota
	switchInuse
	switchClosed
	switchUnlocked
)

// pinNewEntry creates the next sequence: the seq counter and the FIFO push
// are one step so last_seq is always computable. Caller holds j.mu.
func (j *Journal) pinNewEntry(count int) {
	j.pin.push(count)
}

// bufInit prepares the current buffer for its new sequence. Caller holds
// j.mu.
func (j *Journal) bufInit() {
	buf := j.curBuf()
	for i := range buf.data {
		buf.data[i] = 0
	}
	buf.used = 0
	buf.diskSectors = 0
	buf.hdr = jset.Header{Seq: j.curSeqLocked()}
	buf.seq.Store(uint64(buf.hdr.Seq))
	buf.filterReset()
	buf.targets = nil
	buf.devs = nil
}

// switchBuffer is the single state-machine edge: it atomically closes the
// open entry, flips to the other buffer, and marks the outgoing write as in
// flight. Refused with switchInuse while the other buffer's write has not
// completed.
//
// Caller holds j.mu. On switchUnlocked the mutex was released inside the
// call and must not be assumed held.
func (j *Journal) switchBuffer(needWriteJustSet bool) switchResult {
	var old, s resState
	for {
		v := j.reservations.Load()
		old = unpackState(v)
		s = old
		if old.offset == offClosed {
			return switchClosed
		}
		if old.offset == offError {
			return switchError
		}
		if old.prevUnwritten {
			return switchInuse
		}

		// hold the closing buffer across header sealing so the write
		// cannot start before u64s_used is recorded
		s.count[s.idx]++
		s.offset = offClosed
		s.idx ^= 1
		s.prevUnwritten = true
		if s.count[s.idx] != 0 {
			panic("journal: incoming buffer still referenced")
		}
		if j.reservations.CompareAndSwap(v, s.pack()) {
			break
		}
	}

	j.needWrite = false

	buf := j.buf[old.idx]
	buf.hdr.U64sUsed = old.offset / 8
	buf.used = old.offset

	j.prevBufSectors = util.RoundUp(
		jset.HeaderBytes+uint64(buf.used)+jset.RootsReserveBytes(),
		disk.SectorSize)
	if j.prevBufSectors > j.curBufSectors {
		panic("journal: entry overran its sectors")
	}

	j.reclaimFast()
	buf.hdr.LastSeq = j.lastSeqLocked()

	j.pinNewEntry(1)
	j.bufInit()

	// the write's on-disk locations are fixed here, under the mutex, so
	// the next open sees current ring bookkeeping
	j.allocWriteSpace(buf)

	if j.writeTimer != nil {
		j.writeTimer.Stop()
	}

	j.bucketSwitchCount++
	cleanup := j.bucketSwitchCount > bucketSeqCleanupThreshold
	if cleanup {
		j.bucketSwitchCount = 0
	}

	j.mu.Unlock()

	if cleanup && j.cfg.BucketSeqCleanup != nil {
		j.cfg.BucketSeqCleanup()
	}

	// drop the synthetic reference taken above; this may submit the write
	j.bufPut(old.idx, needWriteJustSet)

	return switchUnlocked
}

// entryOpen publishes the closed current buffer as the open entry.
//
// Caller holds j.mu; the buffer must be closed. Returns (false, nil) when
// the journal is currently full and the caller must wait for reclaim.
func (j *Journal) entryOpen() (bool, error) {
	buf := j.curBuf()
	if j.entryIsOpen() {
		panic("journal: entry already open")
	}
	if j.pin.full() {
		return false, nil
	}

	if j.bufSizeWant > buf.size {
		buf.grow(util.Min(j.bufSizeWant, j.cfg.BufBytesMax))
		j.bufSizeWant = 0
	}

	sectors, err := j.entrySectors()
	if err != nil {
		return false, err
	}
	if sectors == 0 {
		return false, nil
	}
	buf.diskSectors = sectors

	sectors = util.Min(sectors, buf.size/disk.SectorSize)
	j.curBufSectors = sectors

	bytes := sectors * disk.SectorSize
	if bytes <= jset.HeaderBytes+jset.RootsReserveBytes() {
		return false, nil
	}
	// the header and the btree-root suffix ride outside the reservable
	// payload
	bytes -= jset.HeaderBytes + jset.RootsReserveBytes()
	if bytes >= uint64(offClosed) {
		panic("journal: entry larger than the offset field")
	}
	if bytes <= uint64(buf.used) {
		return false, nil
	}

	// must be published before the entry is marked open
	j.curEntryBytes.Store(uint32(bytes))

	for {
		v := j.reservations.Load()
		s := unpackState(v)
		if s.offset == offError {
			return false, ErrIO
		}
		// pre-seeded records count as already reserved
		s.offset = buf.used
		if j.reservations.CompareAndSwap(v, s.pack()) {
			break
		}
	}

	if !j.blockedStart.IsZero() {
		j.blockedTotal += time.Since(j.blockedStart)
		j.blockedStart = time.Time{}
	}

	j.armWriteTimer()
	j.asyncWait.WakeAll()
	j.wait.Broadcast()
	util.DPrintf(5, "journal: opened seq %d (%d bytes)", buf.hdr.Seq, bytes)
	return true, nil
}

func (j *Journal) armWriteTimer() {
	if j.writeTimer == nil {
		j.writeTimer = time.AfterFunc(j.cfg.WriteDelay, j.writeTimerFired)
	} else {
		j.writeTimer.Reset(j.cfg.WriteDelay)
	}
}

func (j *Journal) writeTimerFired() {
	j.mu.Lock()
	if j.shutdown {
		j.mu.Unlock()
		return
	}
	_, unlocked := j.flushWriteLocked()
	if !unlocked {
		j.mu.Unlock()
	}
}
