// Package journal is the write-ahead journal core: it serializes metadata
// mutations into append-only log entries, replicates them across the
// journal devices before acknowledging, and coordinates reclamation of
// journal space against downstream flushers.
//
// Producers reserve space in the currently-open entry with ResGet, fill
// their byte range, and release it with ResPut. Closing the open entry and
// opening the next is a single atomic edge on a packed 64-bit reservation
// word, so the reservation fast path never takes a lock.
package journal

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BlackLotus/cowfs/closure"
	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/jset"
)

const (
	DefaultWriteDelay   = 1000 * time.Millisecond
	DefaultReclaimDelay = 100 * time.Millisecond

	DefaultBufBytesMin = uint64(1) << 12
	DefaultBufBytesMax = uint64(1) << 19

	DefaultPinCount = uint64(1) << 9

	// MinBuckets is the smallest per-device journal ring.
	MinBuckets = uint64(8)

	// bucketSeqCleanupThreshold is how many buffer switches accumulate
	// before the allocator's bucket-seq cleanup callback fires.
	bucketSeqCleanupThreshold = uint64(1) << 14
)

type Config struct {
	// WriteDelay bounds how long an open entry sits before a write is
	// forced; ReclaimDelay paces the background reclaim worker. Both are
	// optimizations: correctness never depends on the timers.
	WriteDelay   time.Duration
	ReclaimDelay time.Duration

	// BufBytesMin and BufBytesMax bound the entry staging buffers; a
	// buffer grows on demand up to the max.
	BufBytesMin uint64
	BufBytesMax uint64

	// PinCount is the pin FIFO capacity (power of two).
	PinCount uint64

	// Roots, when set, supplies the current btree roots appended into
	// every entry's reserved suffix at write time.
	Roots func() []jset.RootEntry

	// BucketSeqCleanup is the allocator integration point invoked after
	// every 1<<14 buffer switches.
	BucketSeqCleanup func()
}

func (c *Config) setDefaults() {
	if c.WriteDelay == 0 {
		c.WriteDelay = DefaultWriteDelay
	}
	if c.ReclaimDelay == 0 {
		c.ReclaimDelay = DefaultReclaimDelay
	}
	if c.BufBytesMin == 0 {
		c.BufBytesMin = DefaultBufBytesMin
	}
	if c.BufBytesMax == 0 {
		c.BufBytesMax = DefaultBufBytesMax
	}
	if c.PinCount == 0 {
		c.PinCount = DefaultPinCount
	}
}

// SeqRange is an inclusive range [Start, End] of blacklisted sequence
// numbers that must never be reused after recovery.
type SeqRange struct {
	Start common.Seq
	End   common.Seq
}

// Journal is one filesystem instance's journal. It is not a singleton;
// create one per mounted filesystem.
type Journal struct {
	mu   sync.Mutex
	wait *sync.Cond

	// reservations is the packed atomic reservation word; curEntryBytes
	// is published before the open state so the lock-free fast path reads
	// a consistent capacity.
	reservations  atomic.Uint64
	curEntryBytes atomic.Uint32

	buf [2]*entryBuffer

	pin           pinFIFO
	lastSeqOndisk common.Seq

	curBufSectors  uint64
	prevBufSectors uint64
	bufSizeWant    uint64

	devs []*Device

	started  bool
	shutdown bool

	needWrite     bool
	needWriteTime time.Time
	blockedStart  time.Time
	blockedTotal  time.Duration
	delayTotal    time.Duration

	writeTimer *time.Timer

	reclaimMu   sync.Mutex
	reclaimKick chan struct{}
	stopc       chan struct{}
	reclaimDone chan struct{}

	// asyncWait holds OpenSeqAsync continuations blocked on a full
	// journal.
	asyncWait closure.WaitList

	bucketSwitchCount uint64

	cfg Config
}

// New initializes a journal. Call Start after the devices are attached.
func New(cfg Config) (*Journal, error) {
	cfg.setDefaults()
	if cfg.PinCount&(cfg.PinCount-1) != 0 {
		return nil, errors.Errorf("journal: pin count %d not a power of two", cfg.PinCount)
	}
	if cfg.BufBytesMin > cfg.BufBytesMax {
		return nil, errors.Errorf("journal: buffer min %d exceeds max %d",
			cfg.BufBytesMin, cfg.BufBytesMax)
	}
	if cfg.BufBytesMax >= uint64(offClosed) {
		return nil, errors.Errorf("journal: buffer max %d overflows the offset field",
			cfg.BufBytesMax)
	}
	j := &Journal{
		buf: [2]*entryBuffer{
			mkEntryBuffer(cfg.BufBytesMin),
			mkEntryBuffer(cfg.BufBytesMin),
		},
		pin:         mkPinFIFO(cfg.PinCount),
		reclaimKick: make(chan struct{}, 1),
		stopc:       make(chan struct{}),
		reclaimDone: make(chan struct{}),
		cfg:         cfg,
	}
	j.wait = sync.NewCond(&j.mu)
	j.reservations.Store(resState{offset: offClosed}.pack())
	return j, nil
}

// Start brings the journal online after replay. Blacklisted ranges are
// skipped (their seqs are created already-reclaimed) and recorded in the
// first entry written.
func (j *Journal) Start(blacklist []SeqRange) error {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return errors.New("journal: already started")
	}
	j.started = true

	var skipTo common.Seq
	for _, r := range blacklist {
		if r.End > skipTo {
			skipTo = r.End
		}
	}
	for j.curSeqLocked() < skipTo {
		if j.pin.full() {
			// blacklisted seqs are born reclaimed
			j.reclaimFast()
		}
		j.pinNewEntry(0)
	}

	// the switch path inits the next entry when it closes one; the very
	// first entry is initialized here
	j.pinNewEntry(1)
	j.bufInit()

	// blacklist records ride in the next entry written; they are added
	// before the entry opens and published as its starting offset
	buf := j.curBuf()
	for _, r := range blacklist {
		e := jset.BlacklistEntry(r.Start, r.End)
		buf.used = uint32(jset.PutEntry(buf.data, uint64(buf.used), e))
	}
	j.mu.Unlock()

	go j.reclaimLoop()
	return nil
}

// Stop flushes everything and shuts the journal down. Blocked reservation
// waiters are woken with ErrInterrupted.
func (j *Journal) Stop() error {
	j.mu.Lock()
	if !j.started {
		j.shutdown = true
		j.mu.Unlock()
		return nil
	}
	for {
		done, unlocked := j.flushWriteLocked()
		if unlocked {
			j.mu.Lock()
			continue
		}
		if done {
			break
		}
		j.wait.Wait()
	}
	j.shutdown = true
	j.wait.Broadcast()
	if j.writeTimer != nil {
		j.writeTimer.Stop()
	}
	j.mu.Unlock()

	close(j.stopc)
	<-j.reclaimDone
	if j.Error() {
		return ErrIO
	}
	return nil
}

// flushWriteLocked forces a write of the open entry if there is one.
// Returns done=true when there is nothing to flush and no write in flight.
// Caller holds j.mu; unlocked=true means the mutex was released.
func (j *Journal) flushWriteLocked() (done bool, unlocked bool) {
	s := unpackState(j.reservations.Load())
	done = !s.prevUnwritten
	if !s.entryOpen() {
		return done, false
	}
	needWriteJustSet := j.setNeedWrite()
	if j.switchBuffer(needWriteJustSet) == switchUnlocked {
		return false, true
	}
	return done, false
}

// Halt latches the journal into the error state: no further reservations
// succeed and all waiters are woken so they observe the error and unwind.
// The transition is one-way.
func (j *Journal) Halt() {
	for {
		v := j.reservations.Load()
		s := unpackState(v)
		if s.offset == offError {
			return
		}
		s.offset = offError
		if j.reservations.CompareAndSwap(v, s.pack()) {
			break
		}
	}
	j.mu.Lock()
	j.wait.Broadcast()
	j.mu.Unlock()
	j.buf[0].wait.WakeAll()
	j.buf[1].wait.WakeAll()
	j.asyncWait.WakeAll()
}

// Error reports whether the journal has latched an I/O error.
func (j *Journal) Error() bool {
	return unpackState(j.reservations.Load()).offset == offError
}

// InodeJournalSeq answers "what is the most recent unflushed seq that
// touched this inode?" A false positive only forces an unnecessary flush; a
// false negative never occurs.
func (j *Journal) InodeJournalSeq(inum common.Inum) common.Seq {
	bit := inodeFilterBit(inum)
	if !j.buf[0].filterTest(bit) && !j.buf[1].filterTest(bit) {
		return 0
	}

	var seq common.Seq
	j.mu.Lock()
	s := unpackState(j.reservations.Load())
	if j.buf[s.idx].filterTest(bit) {
		seq = j.curSeqLocked()
	} else if j.buf[s.idx^1].filterTest(bit) {
		seq = j.curSeqLocked() - 1
	}
	j.mu.Unlock()
	return seq
}

// LastUnwrittenSeq returns the oldest seq whose write has not yet
// completed: the in-flight entry if there is one, else the current entry.
func (j *Journal) LastUnwrittenSeq() common.Seq {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.curSeqLocked()
	if unpackState(j.reservations.Load()).prevUnwritten {
		seq--
	}
	return seq
}

// LockDropper is implemented by reservation-consuming iterators (the btree
// insert path) that can drop their read locks to yield.
type LockDropper interface {
	DropLocks()
}

// CondYield lets the outer loop yield to the scheduler between
// reservations without holding btree locks across the reschedule.
func CondYield(it LockDropper) {
	it.DropLocks()
	runtime.Gosched()
}

func (j *Journal) entryIsOpen() bool {
	return unpackState(j.reservations.Load()).entryOpen()
}

func (j *Journal) curBuf() *entryBuffer {
	return j.buf[unpackState(j.reservations.Load()).idx]
}

func (j *Journal) prevBuf() *entryBuffer {
	return j.buf[unpackState(j.reservations.Load()).idx^1]
}

// curSeqLocked is the sequence of the current entry; caller holds j.mu.
func (j *Journal) curSeqLocked() common.Seq {
	return common.Seq(j.pin.back - 1)
}

// lastSeqLocked is the oldest still-pinned sequence; caller holds j.mu.
func (j *Journal) lastSeqLocked() common.Seq {
	return common.Seq(j.pin.front)
}

func (j *Journal) blockStart() {
	if j.blockedStart.IsZero() {
		j.blockedStart = time.Now()
	}
}
