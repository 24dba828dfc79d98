package common

// Seq is a journal sequence number. Sequence numbers are assigned in buffer
// switch order and are never reused within a filesystem instance.
type Seq uint64

type Inum uint64
type Bnum = uint64

// BtreeID identifies one of the filesystem's B-trees. Every journal entry
// records which tree its keys belong to, and each entry write appends the
// current root of every tree into a reserved suffix.
type BtreeID uint8

const (
	BtreeExtents BtreeID = iota
	BtreeInodes
	BtreeDirents
	BtreeXattrs
	BtreeAlloc

	BtreeIDCount uint64 = 5
)

const (
	NULLINUM Inum = 0
	NULLBNUM Bnum = 0
)
