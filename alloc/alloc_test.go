package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackLotus/cowfs/common"
)

func TestAllocFree(t *testing.T) {
	a := MkAlloc(10, 4)

	seen := map[common.Bnum]bool{}
	for i := 0; i < 4; i++ {
		b, err := a.AllocBucket()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(b), uint64(10))
		assert.Less(t, uint64(b), uint64(14))
		assert.False(t, seen[b], "bucket handed out twice")
		seen[b] = true
	}

	_, err := a.AllocBucket()
	assert.Equal(t, ErrNoSpace, err)

	a.ReleaseBucket(12)
	b, err := a.AllocBucket()
	require.NoError(t, err)
	assert.Equal(t, common.Bnum(12), b)
}

func TestMetadataAccounting(t *testing.T) {
	a := MkAlloc(0, 8)
	b1, err := a.AllocBucket()
	require.NoError(t, err)
	b2, err := a.AllocBucket()
	require.NoError(t, err)

	a.MarkMetadataBucket(b1)
	a.MarkMetadataBucket(b2)
	assert.Len(t, a.MetadataBuckets(), 2)

	a.ReleaseBucket(b1)
	assert.Equal(t, []common.Bnum{b2}, a.MetadataBuckets())
}

func TestNewFSSourceSequential(t *testing.T) {
	s := MkNewFSSource(100, 3)
	for i := uint64(0); i < 3; i++ {
		b, err := s.AllocBucket()
		require.NoError(t, err)
		assert.Equal(t, common.Bnum(100+i), b)
		s.MarkMetadataBucket(b)
	}
	_, err := s.AllocBucket()
	assert.Equal(t, ErrNoSpace, err)
	assert.Len(t, s.MetadataBuckets(), 3)
}
