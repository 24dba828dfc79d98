package jset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/disk"
)

func mkKey(b byte, n int) []byte {
	d := make([]byte, n)
	for i := range d {
		d[i] = b
	}
	return d
}

func TestEncodeDecodeEntry(t *testing.T) {
	payload := make([]byte, 256)
	off := PutEntry(payload, 0, Entry{
		BtreeID: common.BtreeExtents,
		Type:    EntryBtreeKeys,
		Level:   0,
		Data:    mkKey(0x42, 24),
	})
	assert.Equal(t, uint64(32), off)
	off = PutEntry(payload, off, Entry{
		BtreeID: common.BtreeInodes,
		Type:    EntryBtreeRoot,
		Level:   2,
		Data:    mkKey(0x17, 16),
	})
	assert.Equal(t, uint64(56), off)

	e, next, err := GetEntry(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, common.BtreeExtents, e.BtreeID)
	assert.Equal(t, EntryBtreeKeys, e.Type)
	assert.Equal(t, mkKey(0x42, 24), e.Data)
	assert.Equal(t, uint64(32), next)

	e, _, err = GetEntry(payload, next)
	require.NoError(t, err)
	assert.Equal(t, common.BtreeInodes, e.BtreeID)
	assert.Equal(t, EntryBtreeRoot, e.Type)
	assert.Equal(t, uint8(2), e.Level)
	assert.Equal(t, mkKey(0x17, 16), e.Data)
}

func TestEntriesSkipPadding(t *testing.T) {
	// trailing zero words decode as padding, the way an entry's unused
	// reservation tail looks on disk
	payload := make([]byte, 64)
	PutEntry(payload, 0, Entry{
		BtreeID: common.BtreeDirents,
		Data:    mkKey(0x01, 8),
	})

	es, err := Entries(payload)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, common.BtreeDirents, es[0].BtreeID)
}

func TestEncodeDecodeSet(t *testing.T) {
	payload := make([]byte, 40)
	PutEntry(payload, 0, Entry{BtreeID: common.BtreeExtents, Data: mkKey(0xaa, 32)})
	h := Header{Seq: 7, LastSeq: 3, U64sUsed: 5, Flags: 0}

	blob := Encode(h, payload)
	assert.Equal(t, uint64(len(blob))%disk.BlockSize, uint64(0))

	h2, payload2, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	assert.Equal(t, payload, payload2)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode(make([]byte, 8))
	assert.Error(t, err)

	// a header claiming more payload than the buffer holds
	h := Header{Seq: 1, LastSeq: 1, U64sUsed: 1}
	blob := Encode(h, make([]byte, 8))
	short := blob[:HeaderBytes]
	_, _, err = Decode(short)
	assert.Error(t, err)
}

func TestCorruptRecordLength(t *testing.T) {
	payload := make([]byte, 16)
	// overhead word claims 100 u64s of payload
	PutEntry(payload, 0, Entry{Data: nil})
	payload[0] = 100
	_, err := Entries(payload)
	assert.Error(t, err)
}

func TestBlacklistRoundTrip(t *testing.T) {
	e := BlacklistEntry(4, 9)
	assert.Equal(t, EntryBlacklist, e.Type)

	start, end, err := DecodeBlacklist(e)
	require.NoError(t, err)
	assert.Equal(t, common.Seq(4), start)
	assert.Equal(t, common.Seq(9), end)

	_, _, err = DecodeBlacklist(Entry{Type: EntryBtreeKeys})
	assert.Error(t, err)
}

func TestRootsReserveCoversRootRecords(t *testing.T) {
	// one maximum-size root per btree must fit the reserved suffix
	var total uint64
	for i := uint64(0); i < common.BtreeIDCount; i++ {
		r := RootEntry{BtreeID: common.BtreeID(i), Key: mkKey(0xff, int(MaxExtentBytes))}
		e := r.Entry()
		total += e.EncodedBytes()
	}
	assert.LessOrEqual(t, total, RootsReserveBytes())
}
