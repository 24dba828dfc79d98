// Package jset defines the on-disk format of journal entries.
//
// An entry (a "jset") is a header followed by a payload of records, written
// as a unit and durable as a unit. All fields are little-endian. The header:
//
//	u64 seq;       // this entry's sequence
//	u64 last_seq;  // oldest still-pinned seq at close time
//	u32 u64s_used; // payload length in 64-bit words
//	u32 flags;
//
// The payload is a sequence of records, each led by one 64-bit overhead word
// { u16 u64s; u8 btree_id; u8 type; u8 level; u8 pad[3] } followed by u64s
// 64-bit words of payload. A record with u64s == 0 and type EntryBtreeKeys
// is padding and is skipped on decode.
package jset

import (
	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/BlackLotus/cowfs/common"
	"github.com/BlackLotus/cowfs/disk"
	"github.com/BlackLotus/cowfs/util"
)

const (
	HeaderBytes uint64 = 24

	// EntryOverheadBytes is the per-record overhead word.
	EntryOverheadBytes uint64 = 8

	// MaxExtentBytes bounds the encoded size of a single extent key, which
	// also bounds the size of a btree root record's payload.
	MaxExtentBytes uint64 = 8 * 16
)

// RootsReserveBytes is the suffix reserved in every open entry so that one
// root record per btree can be appended at write time without re-checking
// capacity.
func RootsReserveBytes() uint64 {
	return common.BtreeIDCount * (EntryOverheadBytes + MaxExtentBytes)
}

const (
	EntryBtreeKeys uint8 = iota
	EntryBtreeRoot
	EntryBlacklist
)

type Header struct {
	Seq      common.Seq
	LastSeq  common.Seq
	U64sUsed uint32
	Flags    uint32
}

// Entry is one payload record. Data must be a multiple of 8 bytes; its
// contents (packed bkeys) are opaque to the journal.
type Entry struct {
	BtreeID common.BtreeID
	Type    uint8
	Level   uint8
	Data    []byte
}

func (e *Entry) EncodedBytes() uint64 {
	return EntryOverheadBytes + uint64(len(e.Data))
}

// RootEntry records the current root of one btree; one per tree is appended
// into the reserved suffix at write time.
type RootEntry struct {
	BtreeID common.BtreeID
	Level   uint8
	Key     []byte
}

func (r *RootEntry) Entry() Entry {
	return Entry{BtreeID: r.BtreeID, Type: EntryBtreeRoot, Level: r.Level, Data: r.Key}
}

func BlacklistEntry(start common.Seq, end common.Seq) Entry {
	enc := marshal.NewEnc(16)
	enc.PutInt(uint64(start))
	enc.PutInt(uint64(end))
	return Entry{Type: EntryBlacklist, Data: enc.Finish()}
}

func DecodeBlacklist(e Entry) (common.Seq, common.Seq, error) {
	if e.Type != EntryBlacklist || len(e.Data) != 16 {
		return 0, 0, errors.Errorf("not a blacklist record (type %d, %d bytes)",
			e.Type, len(e.Data))
	}
	dec := marshal.NewDec(e.Data)
	return common.Seq(dec.GetInt()), common.Seq(dec.GetInt()), nil
}

// overhead word layout, low to high byte:
// [0:2] u64s, [2] btree_id, [3] type, [4] level, [5:8] pad
func packOverhead(u64s uint16, id common.BtreeID, typ uint8, level uint8) uint64 {
	return uint64(u64s) | uint64(id)<<16 | uint64(typ)<<24 | uint64(level)<<32
}

// PutEntry writes e into buf at byte offset off and returns the offset just
// past it. The caller guarantees capacity.
func PutEntry(buf []byte, off uint64, e Entry) uint64 {
	if uint64(len(e.Data))%8 != 0 {
		panic("jset: record payload not u64 aligned")
	}
	enc := marshal.NewEnc(8)
	enc.PutInt(packOverhead(uint16(len(e.Data)/8), e.BtreeID, e.Type, e.Level))
	copy(buf[off:off+8], enc.Finish())
	copy(buf[off+8:], e.Data)
	return off + e.EncodedBytes()
}

// GetEntry decodes the record at byte offset off.
func GetEntry(buf []byte, off uint64) (Entry, uint64, error) {
	if off+8 > uint64(len(buf)) {
		return Entry{}, 0, errors.Errorf("truncated record at offset %d", off)
	}
	dec := marshal.NewDec(buf[off : off+8])
	w := dec.GetInt()
	e := Entry{
		BtreeID: common.BtreeID(w >> 16),
		Type:    uint8(w >> 24),
		Level:   uint8(w >> 32),
	}
	sz := (w & 0xffff) * 8
	if off+8+sz > uint64(len(buf)) {
		return Entry{}, 0, errors.Errorf("record at offset %d overruns payload", off)
	}
	e.Data = buf[off+8 : off+8+sz]
	return e, off + 8 + sz, nil
}

// Entries decodes all records in payload, skipping padding.
func Entries(payload []byte) ([]Entry, error) {
	var es []Entry
	for off := uint64(0); off < uint64(len(payload)); {
		e, next, err := GetEntry(payload, off)
		if err != nil {
			return nil, err
		}
		if !(len(e.Data) == 0 && e.Type == EntryBtreeKeys) {
			es = append(es, e)
		}
		off = next
	}
	return es, nil
}

func encodeHeader(h Header) []byte {
	enc := marshal.NewEnc(HeaderBytes)
	enc.PutInt(uint64(h.Seq))
	enc.PutInt(uint64(h.LastSeq))
	// u32 u64s_used and u32 flags, little-endian, are one u64 word
	enc.PutInt(uint64(h.U64sUsed) | uint64(h.Flags)<<32)
	return enc.Finish()
}

func decodeHeader(b []byte) Header {
	dec := marshal.NewDec(b)
	h := Header{
		Seq:     common.Seq(dec.GetInt()),
		LastSeq: common.Seq(dec.GetInt()),
	}
	w := dec.GetInt()
	h.U64sUsed = uint32(w)
	h.Flags = uint32(w >> 32)
	return h
}

// Blocks returns the number of disk blocks an entry with the given payload
// occupies.
func Blocks(payloadBytes uint64) uint64 {
	return util.RoundUp(HeaderBytes+payloadBytes, disk.BlockSize)
}

// Encode serializes header + payload, zero-padded to a whole number of
// blocks.
func Encode(h Header, payload []byte) []byte {
	if uint64(len(payload)) != uint64(h.U64sUsed)*8 {
		panic("jset: payload does not match u64s_used")
	}
	b := make([]byte, Blocks(uint64(len(payload)))*disk.BlockSize)
	copy(b, encodeHeader(h))
	copy(b[HeaderBytes:], payload)
	return b
}

// Decode parses an encoded entry, returning the header and the u64s_used
// payload bytes.
func Decode(b []byte) (Header, []byte, error) {
	if uint64(len(b)) < HeaderBytes {
		return Header{}, nil, errors.New("jset: short buffer")
	}
	h := decodeHeader(b)
	sz := uint64(h.U64sUsed) * 8
	if HeaderBytes+sz > uint64(len(b)) {
		return Header{}, nil, errors.Errorf("jset: seq %d payload overruns buffer", h.Seq)
	}
	return h, b[HeaderBytes : HeaderBytes+sz], nil
}
