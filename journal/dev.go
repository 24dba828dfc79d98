package journal

import (
	"math"

	"github.com/pkg/errors"

	"github.com/BlackLotus/cowfs/alloc"
	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/disk"
	"github.com/BlackLotus/cowfs/sb"
	"github.com/BlackLotus/cowfs/util"
)

// Device is one journal device: a disk plus the circular allocation of its
// on-disk journal buckets. All ring fields are protected by the journal's
// core mutex.
type Device struct {
	d   disk.Disk
	idx int
	rw  bool

	bucketBlocks uint64
	buckets      []common.Bnum // physical bucket numbers
	bucketSeq    []common.Seq  // newest seq written into each bucket
	nr           int
	curIdx       int // bucket being written
	lastIdx      int // oldest live bucket
	sectorsFree  uint64

	// sbj is the device's superblock journal section, kept in step with
	// the ring so the superblock writer always sees a matching list.
	sbj *sb.Journal
}

func (d *Device) bucketSectors() uint64 {
	return d.bucketBlocks * disk.SectorsPerBlock
}

// Nr reports the ring size.
func (d *Device) Nr() int {
	return d.nr
}

// DevJournalInit attaches a journal device described by its superblock
// journal section.
func (j *Journal) DevJournalInit(d disk.Disk, sbj *sb.Journal, bucketBlocks uint64) (*Device, error) {
	if bucketBlocks == 0 {
		return nil, errors.New("journal: zero bucket size")
	}
	nr := len(sbj.Buckets)
	dev := &Device{
		d:            d,
		rw:           true,
		bucketBlocks: bucketBlocks,
		buckets:      make([]common.Bnum, nr),
		bucketSeq:    make([]common.Seq, nr),
		nr:           nr,
		sbj:          sbj,
	}
	copy(dev.buckets, sbj.Buckets)
	if nr > 0 {
		dev.sectorsFree = dev.bucketSectors()
	}

	j.mu.Lock()
	dev.idx = len(j.devs)
	j.devs = append(j.devs, dev)
	j.mu.Unlock()
	return dev, nil
}

// DevJournalExit detaches a stopped device.
func (j *Journal) DevJournalExit(dev *Device) {
	j.mu.Lock()
	for i, d := range j.devs {
		if d == dev {
			j.devs = append(j.devs[:i], j.devs[i+1:]...)
			break
		}
	}
	j.mu.Unlock()
}

// DevStop drops the device from the rw set and blocks until no in-flight
// entry write targets it.
func (j *Journal) DevStop(dev *Device) {
	j.mu.Lock()
	dev.rw = false
	for j.writingToDevice(dev) {
		j.wait.Wait()
	}
	j.mu.Unlock()
}

// writingToDevice reports whether the in-flight entry, if any, has a
// replica on dev. Caller holds j.mu.
func (j *Journal) writingToDevice(dev *Device) bool {
	s := unpackState(j.reservations.Load())
	if !s.prevUnwritten {
		return false
	}
	for _, t := range j.buf[s.idx^1].targets {
		if t.dev == dev {
			return true
		}
	}
	return false
}

// entrySectors asks every rw ring what it can give the next entry this
// round and returns the minimum. Caller holds j.mu.
func (j *Journal) entrySectors() (uint64, error) {
	nrw := 0
	avail := uint64(math.MaxUint64)
	for _, d := range j.devs {
		if !d.rw || d.nr == 0 {
			continue
		}
		nrw++
		avail = util.Min(avail, j.devSectorsAvailable(d))
	}
	if nrw == 0 {
		return 0, ErrReadOnly
	}
	return avail, nil
}

// devSectorsAvailable is the room d can offer a single entry: the rest of
// the current bucket, or a whole bucket if one can be turned over. Caller
// holds j.mu.
func (j *Journal) devSectorsAvailable(d *Device) uint64 {
	free := d.sectorsFree
	next := (d.curIdx + 1) % d.nr
	if next != d.lastIdx || d.bucketSeq[next] <= j.lastSeqOndisk {
		free = util.Max(free, d.bucketSectors())
	}
	return free
}

// devAllocWrite reserves blocks in d's ring for the entry with seq,
// turning the ring over to the next bucket when the current one is out of
// room. Caller holds j.mu.
func (j *Journal) devAllocWrite(d *Device, blocks uint64, seq common.Seq) (uint64, bool) {
	sectors := blocks * disk.SectorsPerBlock
	if d.nr == 0 || sectors > d.bucketSectors() {
		return 0, false
	}
	if d.sectorsFree < sectors {
		next := (d.curIdx + 1) % d.nr
		if next == d.lastIdx && d.bucketSeq[next] > j.lastSeqOndisk {
			return 0, false
		}
		if next == d.lastIdx {
			d.lastIdx = (d.lastIdx + 1) % d.nr
		}
		d.curIdx = next
		d.sectorsFree = d.bucketSectors()
	}
	off := (d.bucketSectors() - d.sectorsFree) / disk.SectorsPerBlock
	addr := d.buckets[d.curIdx]*d.bucketBlocks + off
	d.sectorsFree -= sectors
	d.bucketSeq[d.curIdx] = seq
	return addr, true
}

// insertBucket inserts b at last_idx so existing live buckets keep their
// relative order, shifting cur_idx when it sits at or past the insertion
// point. Caller holds j.mu.
func (d *Device) insertBucket(b common.Bnum) {
	copy(d.buckets[d.lastIdx+1:d.nr+1], d.buckets[d.lastIdx:d.nr])
	copy(d.bucketSeq[d.lastIdx+1:d.nr+1], d.bucketSeq[d.lastIdx:d.nr])
	copy(d.sbj.Buckets[d.lastIdx+1:d.nr+1], d.sbj.Buckets[d.lastIdx:d.nr])

	d.buckets[d.lastIdx] = b
	d.bucketSeq[d.lastIdx] = 0
	d.sbj.Buckets[d.lastIdx] = b

	if d.lastIdx < d.nr {
		if d.curIdx >= d.lastIdx {
			d.curIdx++
		}
		d.lastIdx++
	}
	d.nr++
	if d.nr == 1 {
		d.sectorsFree = d.bucketSectors()
	}
}

// SetNrJournalBuckets grows dev's ring to nr buckets; shrinking is
// unsupported. The superblock section is resized first, then the arrays are
// swapped in under the core mutex, then buckets are allocated and inserted
// one by one. On a mid-way allocation failure the already-allocated buckets
// are released.
func (j *Journal) SetNrJournalBuckets(dev *Device, nr int, newFS bool, src alloc.BucketSource) error {
	if nr <= dev.nr {
		return nil
	}
	if src == nil {
		return errors.New("journal: nil bucket source")
	}

	util.DPrintf(2, "journal: dev %d ring %d -> %d buckets (newfs %v)",
		dev.idx, dev.nr, nr, newFS)

	if err := dev.sbj.Resize(nr); err != nil {
		return err
	}

	newBuckets := make([]common.Bnum, nr)
	newSeq := make([]common.Seq, nr)
	j.mu.Lock()
	copy(newBuckets, dev.buckets[:dev.nr])
	copy(newSeq, dev.bucketSeq[:dev.nr])
	dev.buckets = newBuckets
	dev.bucketSeq = newSeq
	j.mu.Unlock()

	need := nr - dev.nr
	got := make([]common.Bnum, 0, need)
	for i := 0; i < need; i++ {
		b, err := src.AllocBucket()
		if err != nil {
			for _, ob := range got {
				src.ReleaseBucket(ob)
			}
			return errors.Wrap(err, "journal: allocating journal buckets")
		}
		got = append(got, b)
	}

	j.mu.Lock()
	for _, b := range got {
		dev.insertBucket(b)
	}
	j.mu.Unlock()

	for _, b := range got {
		src.MarkMetadataBucket(b)
	}
	return nil
}

// DevJournalAlloc sizes and allocates a fresh device's journal at mkfs
// time: nbuckets/256 buckets, clamped to [MinBuckets, min(1024,
// 512MiB/bucket)].
func (j *Journal) DevJournalAlloc(dev *Device, nbuckets uint64, src alloc.BucketSource) error {
	nr := util.Clamp(nbuckets>>8, MinBuckets,
		util.Min(1<<10, (512<<20)/(dev.bucketBlocks*disk.BlockSize)))
	return j.SetNrJournalBuckets(dev, int(nr), true, src)
}
