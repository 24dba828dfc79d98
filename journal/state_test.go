package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateRoundTrip(t *testing.T) {
	states := []resState{
		{offset: offClosed},
		{offset: offError, idx: 1},
		{offset: 0, idx: 0, count: [2]uint32{1, 0}},
		{offset: 4096, idx: 1, prevUnwritten: true, count: [2]uint32{3, 17}},
		{offset: offClosed - 1, idx: 1, count: [2]uint32{countMask, countMask}},
	}
	for _, s := range states {
		assert.Equal(t, s, unpackState(s.pack()))
	}
}

func TestStateSentinels(t *testing.T) {
	assert.False(t, resState{offset: offClosed}.entryOpen())
	assert.False(t, resState{offset: offError}.entryOpen())
	assert.True(t, resState{offset: offClosed - 1}.entryOpen())
	assert.True(t, resState{offset: 0}.entryOpen())
}

func TestStateFieldsIndependent(t *testing.T) {
	s := resState{offset: 123, idx: 1, count: [2]uint32{5, 9}}

	s2 := unpackState(s.pack())
	s2.count[0]++
	s2.offset += 64
	s2 = unpackState(s2.pack())

	assert.Equal(t, uint32(123+64), s2.offset)
	assert.Equal(t, uint32(6), s2.count[0])
	assert.Equal(t, uint32(1), s2.idx)
	assert.Equal(t, uint32(9), s2.count[1])
	assert.False(t, s2.prevUnwritten)
}
