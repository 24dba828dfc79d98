package journal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/disk"
	"github.com/BlackLotus/cowfs/jset"
	"github.com/BlackLotus/cowfs/util"
)

type writeTarget struct {
	dev    *Device
	addr   uint64 // block address of the entry's first block
	blocks uint64 // blocks reserved in the ring
}

// allocWriteSpace fixes the sealed buffer's on-disk locations on every rw
// device. Caller holds j.mu; runs at switch time so ring bookkeeping is
// current before the next entry opens.
func (j *Journal) allocWriteSpace(buf *entryBuffer) {
	blocks := util.RoundUp(j.prevBufSectors, disk.SectorsPerBlock)
	for _, d := range j.devs {
		if !d.rw || d.nr == 0 {
			continue
		}
		addr, ok := j.devAllocWrite(d, blocks, buf.hdr.Seq)
		if !ok {
			util.DPrintf(1, "journal: dev %d has no room for seq %d", d.idx, buf.hdr.Seq)
			continue
		}
		buf.targets = append(buf.targets, writeTarget{dev: d, addr: addr, blocks: blocks})
		buf.devs = append(buf.devs, d.idx)
	}
}

// writeEntry submits the sealed buffer to its journal devices. Runs with no
// locks held, once the last reservation holder has put.
func (j *Journal) writeEntry(w *entryBuffer) {
	j.appendRoots(w)

	blob := jset.Encode(w.hdr, w.data[:uint64(w.hdr.U64sUsed)*8])
	blocks := uint64(len(blob)) / disk.BlockSize

	j.mu.Lock()
	targets := w.targets
	j.mu.Unlock()

	if len(targets) == 0 {
		j.writeDone(w, errors.Errorf("journal: no replicas for seq %d", w.hdr.Seq))
		return
	}
	for _, t := range targets {
		if blocks > t.blocks {
			panic("journal: entry outgrew its ring allocation")
		}
	}

	util.DPrintf(3, "journal: writing seq %d: %d blocks, %d replicas",
		w.hdr.Seq, blocks, len(targets))

	// the entry is durable only once every replica acks
	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t writeTarget) {
			defer wg.Done()
			errs[i] = t.write(blob)
		}(i, t)
	}
	wg.Wait()

	var err error
	for i, e := range errs {
		if e != nil {
			err = errors.Wrapf(e, "journal: replica on dev %d", targets[i].dev.idx)
			break
		}
	}
	j.writeDone(w, err)
}

func (t writeTarget) write(blob []byte) error {
	for i := uint64(0); i*disk.BlockSize < uint64(len(blob)); i++ {
		b := blob[i*disk.BlockSize : (i+1)*disk.BlockSize]
		if err := t.dev.d.Write(t.addr+i, b); err != nil {
			return err
		}
	}
	return t.dev.d.Barrier()
}

// appendRoots fills the reserved suffix with one record per btree holding
// its current root. The suffix was sized at open time, so no capacity check
// is repeated here.
func (j *Journal) appendRoots(w *entryBuffer) {
	if j.cfg.Roots == nil {
		return
	}
	off := uint64(w.hdr.U64sUsed) * 8
	n := uint64(0)
	for _, r := range j.cfg.Roots() {
		if n == common.BtreeIDCount {
			break
		}
		if uint64(len(r.Key)) > jset.MaxExtentBytes {
			panic("journal: btree root key exceeds the reserved record size")
		}
		off = jset.PutEntry(w.data, off, r.Entry())
		n++
	}
	w.hdr.U64sUsed = uint32(off / 8)
}

// writeDone is the write completion: it clears the in-flight flag, drops
// the completed seq's open/writing pin reference, wakes waiters, and kicks
// reclaim. On error the journal is latched first so woken waiters observe
// it.
func (j *Journal) writeDone(w *entryBuffer, err error) {
	if err != nil {
		util.DPrintf(1, "journal: write for seq %d failed: %v", w.hdr.Seq, err)
		j.Halt()
	}

	j.mu.Lock()
	if err == nil {
		j.lastSeqOndisk = w.hdr.LastSeq
	}
	for {
		v := j.reservations.Load()
		s := unpackState(v)
		if !s.prevUnwritten {
			panic("journal: write completion with no write in flight")
		}
		s.prevUnwritten = false
		if j.reservations.CompareAndSwap(v, s.pack()) {
			break
		}
	}
	if p := j.pin.listFor(w.hdr.Seq); p != nil {
		if p.count <= 0 {
			panic("journal: pin refcount underflow")
		}
		p.count--
	}
	j.reclaimFast()
	j.devRingAdvance()
	j.wait.Broadcast()
	redrive := j.needWrite && j.entryIsOpen()
	j.mu.Unlock()

	w.wait.WakeAll()
	j.kickReclaim()

	// a flush asked for a write while ours was still in flight; run it now
	// that the buffers are free
	if redrive {
		j.mu.Lock()
		if !j.shutdown {
			if _, unlocked := j.flushWriteLocked(); unlocked {
				return
			}
		}
		j.mu.Unlock()
	}
}
