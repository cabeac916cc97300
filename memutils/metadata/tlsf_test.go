package metadata_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinvec/memutils"
	"github.com/vkngwrapper/thinvec/memutils/metadata"
)

func allocate(t *testing.T, tlsf *metadata.TLSFBlockMetadata, size int, alignment uint, userData any) metadata.BlockAllocationHandle {
	success, req, err := tlsf.CreateAllocationRequest(size, alignment, metadata.AllocationStrategyMinMemory, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	err = tlsf.Alloc(req, userData)
	require.NoError(t, err)
	require.NoError(t, tlsf.Validate())

	return req.BlockAllocationHandle
}

// skipWithGuardBytes skips tests that check exact offsets and region counts, which shift when guard
// bytes are placed after every allocation
func skipWithGuardBytes(t *testing.T) {
	if memutils.DebugMargin > 0 {
		t.Skip("guard bytes change the layout of the block")
	}
}

func TestTLSFBasicAlloc(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	alloc1 := allocate(t, tlsf, 100, 1, "first")

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	userData, err := tlsf.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, "first", userData)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 1000, tlsf.SumFreeSize())
	require.Equal(t, 1, tlsf.FreeRegionsCount())

	err = tlsf.Free(alloc1)
	require.Error(t, err)
}

func TestTLSFSameSize(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(10000)

	alloc1 := allocate(t, tlsf, 100, 1, nil)
	alloc2 := allocate(t, tlsf, 100, 1, nil)
	alloc3 := allocate(t, tlsf, 100, 1, nil)
	alloc4 := allocate(t, tlsf, 100, 1, nil)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 4,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 9600,
		UnusedRangeSizeMax: 9600,
	}, stats)

	require.NoError(t, tlsf.Free(alloc1))
	require.NoError(t, tlsf.Free(alloc3))
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 3, tlsf.FreeRegionsCount())

	// A freed hole is reused before the tail is touched
	reused := allocate(t, tlsf, 100, 1, nil)
	offset, err := tlsf.AllocationOffset(reused)
	require.NoError(t, err)
	require.Contains(t, []int{0, 200}, offset)
	require.NoError(t, tlsf.Free(reused))

	require.NoError(t, tlsf.Free(alloc2))
	require.NoError(t, tlsf.Free(alloc4))
	require.NoError(t, tlsf.Validate())

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 10000,
		UnusedRangeSizeMax: 10000,
	}, stats)
}

func TestTLSFAlignment(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 10, 1, nil)
	alloc2 := allocate(t, tlsf, 64, 32, nil)

	offset, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 32, offset)
	require.Equal(t, 2, tlsf.FreeRegionsCount())

	type visited struct {
		offset, size int
		free         bool
	}
	var regions []visited
	err = tlsf.VisitAllRegions(func(handle metadata.BlockAllocationHandle, region metadata.Suballocation, free bool) error {
		regions = append(regions, visited{region.Offset, region.Size, free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []visited{
		{0, 10, false},
		{10, 22, true},
		{32, 64, false},
		{96, 904, true},
	}, regions)

	first, err := tlsf.AllocationListBegin()
	require.NoError(t, err)
	require.Equal(t, alloc1, first)

	next, err := tlsf.FindNextAllocation(first)
	require.NoError(t, err)
	require.Equal(t, alloc2, next)

	next, err = tlsf.FindNextAllocation(next)
	require.NoError(t, err)
	require.Equal(t, metadata.NoAllocation, next)

	_, _, err = tlsf.CreateAllocationRequest(16, 24, metadata.AllocationStrategyMinTime, math.MaxInt)
	require.Error(t, err)
}

func TestTLSFMaxOffset(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	allocate(t, tlsf, 100, 1, nil)

	success, _, err := tlsf.CreateAllocationRequest(100, 1, metadata.AllocationStrategyMinOffset, 50)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = tlsf.CreateAllocationRequest(2000, 1, metadata.AllocationStrategyMinOffset, math.MaxInt)
	require.NoError(t, err)
	require.False(t, success)
	require.False(t, tlsf.MayHaveFreeBlock(2000))
	require.True(t, tlsf.MayHaveFreeBlock(900))
}

func TestTLSFTryExtendIntoTail(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, nil)
	alloc2 := allocate(t, tlsf, 100, 1, nil)

	extended, err := tlsf.TryExtend(alloc2, 300)
	require.NoError(t, err)
	require.True(t, extended)
	require.NoError(t, tlsf.Validate())

	size, err := tlsf.AllocationSize(alloc2)
	require.NoError(t, err)
	require.Equal(t, 300, size)
	require.Equal(t, 600, tlsf.SumFreeSize())

	// alloc1 is followed by a live allocation
	extended, err = tlsf.TryExtend(alloc1, 150)
	require.NoError(t, err)
	require.False(t, extended)

	require.NoError(t, tlsf.Free(alloc2))

	extended, err = tlsf.TryExtend(alloc1, 1000)
	require.NoError(t, err)
	require.True(t, extended)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 0, tlsf.SumFreeSize())

	extended, err = tlsf.TryExtend(alloc1, 1001)
	require.NoError(t, err)
	require.False(t, extended)

	require.NoError(t, tlsf.Free(alloc1))
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 1000, tlsf.SumFreeSize())
	require.NoError(t, tlsf.Validate())
}

func TestTLSFTryExtendIntoFreeRegion(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocate(t, tlsf, 100, 1, nil)
	alloc2 := allocate(t, tlsf, 100, 1, nil)
	alloc3 := allocate(t, tlsf, 100, 1, nil)

	require.NoError(t, tlsf.Free(alloc2))
	require.Equal(t, 2, tlsf.FreeRegionsCount())

	extended, err := tlsf.TryExtend(alloc1, 150)
	require.NoError(t, err)
	require.True(t, extended)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 2, tlsf.FreeRegionsCount())
	require.Equal(t, 750, tlsf.SumFreeSize())

	extended, err = tlsf.TryExtend(alloc1, 200)
	require.NoError(t, err)
	require.True(t, extended)
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 1, tlsf.FreeRegionsCount())
	require.Equal(t, 700, tlsf.SumFreeSize())

	extended, err = tlsf.TryExtend(alloc1, 250)
	require.NoError(t, err)
	require.False(t, extended)

	_, err = tlsf.TryExtend(alloc1, 100)
	require.Error(t, err)

	offset, err := tlsf.AllocationOffset(alloc3)
	require.NoError(t, err)
	require.Equal(t, 200, offset)

	require.NoError(t, tlsf.Free(alloc1))
	require.NoError(t, tlsf.Free(alloc3))
	require.True(t, tlsf.IsEmpty())
	require.NoError(t, tlsf.Validate())
}

func TestTLSFClearAndJson(t *testing.T) {
	skipWithGuardBytes(t)

	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(4096)

	allocate(t, tlsf, 512, 8, nil)
	allocate(t, tlsf, 1024, 8, nil)
	require.Equal(t, 2, tlsf.AllocationCount())

	w := jwriter.NewWriter()
	obj := w.Object()
	tlsf.BlockJsonData(&obj)
	obj.End()

	require.JSONEq(t, `{"TotalBytes":4096,"UnusedBytes":2560,"Allocations":2,"UnusedRanges":1}`, string(w.Bytes()))

	tlsf.Clear()
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 0, tlsf.AllocationCount())
	require.Equal(t, 4096, tlsf.SumFreeSize())
	require.NoError(t, tlsf.Validate())
}

func TestTLSFEmptyAfterReleasingEverything(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(4096)

	sizes := []int{100, 16, 250, 16, 64}
	handles := make([]metadata.BlockAllocationHandle, len(sizes))
	for i, size := range sizes {
		handles[i] = allocate(t, tlsf, size, 8, i)
	}
	require.False(t, tlsf.IsEmpty())

	var walked []any
	handle, err := tlsf.AllocationListBegin()
	require.NoError(t, err)
	for handle != metadata.NoAllocation {
		userData, err := tlsf.AllocationUserData(handle)
		require.NoError(t, err)
		walked = append(walked, userData)

		handle, err = tlsf.FindNextAllocation(handle)
		require.NoError(t, err)
	}
	require.Equal(t, []any{0, 1, 2, 3, 4}, walked)

	for _, i := range []int{1, 4, 0, 3} {
		require.NoError(t, tlsf.Free(handles[i]))
		require.NoError(t, tlsf.Validate())
		require.False(t, tlsf.IsEmpty())
	}

	require.NoError(t, tlsf.Free(handles[2]))
	require.NoError(t, tlsf.Validate())
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 0, tlsf.AllocationCount())
	require.Equal(t, 4096, tlsf.SumFreeSize())

	first, err := tlsf.AllocationListBegin()
	require.NoError(t, err)
	require.Equal(t, metadata.NoAllocation, first)
}

func TestAllocationStrategyNames(t *testing.T) {
	for _, strategy := range []metadata.AllocationStrategy{
		0,
		metadata.AllocationStrategyMinMemory,
		metadata.AllocationStrategyMinTime,
		metadata.AllocationStrategyMinOffset,
	} {
		parsed, ok := metadata.ParseAllocationStrategy(strategy.String())
		require.True(t, ok)
		require.Equal(t, strategy, parsed)
	}

	_, ok := metadata.ParseAllocationStrategy("Fastest")
	require.False(t, ok)
}
