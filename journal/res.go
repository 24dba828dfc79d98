package journal

import (
	"time"

	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/disk"
	"github.com/BlackLotus/cowfs/jset"
	"github.com/BlackLotus/cowfs/util"
)

// ResGet reserves between needMin and needMax bytes (8-byte aligned) in the
// currently-open entry. The granted range belongs exclusively to the caller
// until ResPut.
//
// This is the entry point for the btree insert path; the fast path is a
// single compare-and-swap. The caller must not hold btree node write locks,
// or reclaim cannot make forward progress.
func (j *Journal) ResGet(needMin uint64, needMax uint64) (*Reservation, error) {
	needMin = util.RoundUp(needMin, 8) * 8
	needMax = util.RoundUp(needMax, 8) * 8
	if needMin == 0 {
		needMin = 8
	}
	if needMax < needMin {
		needMax = needMin
	}

	res := &Reservation{}
	if j.resGetFast(res, needMin, needMax) {
		return res, nil
	}
	if err := j.resGetSlow(res, needMin, needMax); err != nil {
		return nil, err
	}
	return res, nil
}

func (j *Journal) resGetFast(res *Reservation, needMin uint64, needMax uint64) bool {
	for {
		v := j.reservations.Load()
		s := unpackState(v)
		if !s.entryOpen() {
			return false
		}

		cur := uint64(j.curEntryBytes.Load())
		if uint64(s.offset) > cur {
			// raced a switch between the state load and the capacity
			// load; the slow path retries under the mutex
			return false
		}
		avail := cur - uint64(s.offset)
		grant := util.Min(needMax, avail)
		if grant < needMin {
			return false
		}

		old := s
		s.offset += uint32(grant)
		s.count[s.idx]++
		if j.reservations.CompareAndSwap(v, s.pack()) {
			res.idx = old.idx
			res.Offset = old.offset
			res.Bytes = uint32(grant)
			res.used = 0
			// the count taken above keeps the buffer from being
			// re-initialized under us
			res.Seq = common.Seq(j.buf[old.idx].seq.Load())
			return true
		}
	}
}

func (j *Journal) resGetSlow(res *Reservation, needMin uint64, needMax uint64) error {
	j.mu.Lock()
	reclaimed := false
	for {
		if j.shutdown {
			j.mu.Unlock()
			return ErrInterrupted
		}
		// recheck under the mutex so we don't race another thread that
		// just opened the entry and close it needlessly
		if j.resGetFast(res, needMin, needMax) {
			j.mu.Unlock()
			return nil
		}
		if limit, ok := j.maxEntryPayload(); ok && needMin > limit {
			j.mu.Unlock()
			return ErrNoSpace
		}

		// if the buffer filled up but the device ring had room for a
		// bigger entry, ask for larger buffers
		buf := j.curBuf()
		if j.entryIsOpen() && buf.size < j.cfg.BufBytesMax &&
			buf.size/disk.SectorSize < buf.diskSectors {
			j.bufSizeWant = util.Max(j.bufSizeWant, buf.size*2)
		}

		switch j.switchBuffer(false) {
		case switchError:
			j.mu.Unlock()
			return ErrIO
		case switchInuse:
			// haven't finished writing out the previous entry
			j.blockStart()
			j.wait.Wait()
			continue
		case switchUnlocked:
			j.mu.Lock()
			continue
		case switchClosed:
		}

		opened, err := j.entryOpen()
		if err != nil {
			j.mu.Unlock()
			return err
		}
		if opened {
			continue
		}

		// journal is full: reclaim directly, the worker's timer cannot
		// be relied on for forward progress
		j.blockStart()
		if !reclaimed {
			reclaimed = true
			j.mu.Unlock()
			j.reclaimTick()
			j.mu.Lock()
			continue
		}
		j.wait.Wait()
		reclaimed = false
	}
}

// maxEntryPayload is the largest payload any entry could ever offer given
// the buffer cap and the attached rings. Caller holds j.mu.
func (j *Journal) maxEntryPayload() (uint64, bool) {
	sectors := j.cfg.BufBytesMax / disk.SectorSize
	any := false
	for _, d := range j.devs {
		if !d.rw || d.nr == 0 {
			continue
		}
		any = true
		sectors = util.Min(sectors, d.bucketSectors())
	}
	if !any {
		return 0, false
	}
	overhead := jset.HeaderBytes + jset.RootsReserveBytes()
	bytes := sectors * disk.SectorSize
	if bytes <= overhead {
		return 0, true
	}
	return bytes - overhead, true
}

// ResPut releases a reservation. The last put on a closed buffer submits
// its write.
func (j *Journal) ResPut(res *Reservation) {
	j.bufPut(res.idx, false)
}

func (j *Journal) bufPut(idx uint32, needWriteJustSet bool) {
	var s resState
	for {
		v := j.reservations.Load()
		s = unpackState(v)
		if s.count[idx] == 0 {
			panic("journal: buffer refcount underflow")
		}
		s.count[idx]--
		if j.reservations.CompareAndSwap(v, s.pack()) {
			break
		}
	}
	if s.idx != idx && s.count[idx] == 0 && s.prevUnwritten {
		j.bufPutSlow(idx, needWriteJustSet)
	}
}

func (j *Journal) bufPutSlow(idx uint32, needWriteJustSet bool) {
	w := j.buf[idx]
	if !needWriteJustSet {
		j.mu.Lock()
		if j.needWrite {
			j.delayTotal += time.Since(j.needWriteTime)
		}
		j.mu.Unlock()
	}
	j.writeEntry(w)
}

// AddEntry appends one record into the reservation's byte range.
func (j *Journal) AddEntry(res *Reservation, e jset.Entry) {
	sz := e.EncodedBytes()
	if uint64(res.used)+sz > uint64(res.Bytes) {
		panic("journal: reservation overflow")
	}
	buf := j.buf[res.idx]
	jset.PutEntry(buf.data, uint64(res.Offset)+uint64(res.used), e)
	res.used += uint32(sz)
}

// AddKeys appends btree keys for one tree; keys is the packed bkey payload.
func (j *Journal) AddKeys(res *Reservation, id common.BtreeID, level uint8, keys []byte) {
	j.AddEntry(res, jset.Entry{
		BtreeID: id,
		Type:    jset.EntryBtreeKeys,
		Level:   level,
		Data:    keys,
	})
}

// ResMarkInode records that the reservation's mutation touches inum. Called
// unlocked: the reservation's count keeps the buffer alive under us.
func (j *Journal) ResMarkInode(res *Reservation, inum common.Inum) {
	j.buf[res.idx].filterSet(inodeFilterBit(inum))
}
