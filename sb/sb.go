// Package sb serializes the journal-bucket section of a device superblock.
//
// The section records the fixed list of journal buckets on the device as
// { le64 nr; le64 buckets[nr] }, occupying one superblock block.
package sb

import (
	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/disk"
)

// MaxBuckets is how many bucket numbers fit in the one-block section.
const MaxBuckets = int(disk.BlockSize/8) - 1

// Journal is the in-memory form of the journal-bucket section.
type Journal struct {
	Buckets []common.Bnum
}

// Resize grows the bucket array to nr entries. Shrinking is unsupported.
func (j *Journal) Resize(nr int) error {
	if nr < len(j.Buckets) {
		return errors.Errorf("sb: cannot shrink journal section (%d -> %d)",
			len(j.Buckets), nr)
	}
	if nr > MaxBuckets {
		return errors.Errorf("sb: journal section overflow (%d buckets)", nr)
	}
	buckets := make([]common.Bnum, nr)
	copy(buckets, j.Buckets)
	j.Buckets = buckets
	return nil
}

func (j *Journal) Encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(uint64(len(j.Buckets)))
	enc.PutInts(j.Buckets)
	return enc.Finish()
}

func Decode(b disk.Block) (*Journal, error) {
	if uint64(len(b)) != disk.BlockSize {
		return nil, errors.Errorf("sb: section is not block-sized (%d bytes)", len(b))
	}
	dec := marshal.NewDec(b)
	nr := dec.GetInt()
	if nr > uint64(MaxBuckets) {
		return nil, errors.Errorf("sb: corrupt journal section (%d buckets)", nr)
	}
	return &Journal{Buckets: dec.GetInts(nr)}, nil
}
