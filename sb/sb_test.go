package sb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackLotus/cowfs/common"
)

func TestRoundTrip(t *testing.T) {
	j := &Journal{Buckets: []common.Bnum{8, 12, 16, 20}}
	j2, err := Decode(j.Encode())
	require.NoError(t, err)
	assert.Equal(t, j.Buckets, j2.Buckets)
}

func TestResizeGrowOnly(t *testing.T) {
	j := &Journal{Buckets: []common.Bnum{1, 2}}
	require.NoError(t, j.Resize(5))
	assert.Len(t, j.Buckets, 5)
	assert.Equal(t, common.Bnum(1), j.Buckets[0])
	assert.Equal(t, common.Bnum(2), j.Buckets[1])

	assert.Error(t, j.Resize(3), "shrink must be refused")
	assert.Error(t, j.Resize(MaxBuckets+1))
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode(make([]byte, 100))
	assert.Error(t, err)

	blk := (&Journal{}).Encode()
	blk[0] = 0xff
	blk[1] = 0xff
	_, err = Decode(blk)
	assert.Error(t, err)
}
