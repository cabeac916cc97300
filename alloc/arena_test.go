package alloc_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinvec/alloc"
	"github.com/vkngwrapper/thinvec/layout"
	"github.com/vkngwrapper/thinvec/memutils"
	"github.com/vkngwrapper/thinvec/memutils/metadata"
	"golang.org/x/exp/slog"
)

func newArena(t *testing.T, options alloc.ArenaCreateOptions) *alloc.Arena {
	arena, err := alloc.NewArena(options)
	require.NoError(t, err)
	return arena
}

func TestArenaAllocateAndRelease(t *testing.T) {
	for _, useMmap := range []bool{false, true} {
		arena := newArena(t, alloc.ArenaCreateOptions{Size: 16 * 1024, UseMmap: useMmap})

		l := layout.MustFor[uint64](8)
		block, err := arena.Allocate(l)
		require.NoError(t, err)
		require.True(t, memutils.IsAligned(block, l.Align))
		require.Equal(t, make([]byte, l.Size), unsafe.Slice((*byte)(block), l.Size))

		var stats memutils.Statistics
		arena.Statistics(&stats)
		require.Equal(t, memutils.Statistics{
			BlockCount:      1,
			AllocationCount: 1,
			BlockBytes:      16 * 1024,
			AllocationBytes: l.Size,
		}, stats)

		var detailed memutils.DetailedStatistics
		detailed.Clear()
		arena.DetailedStatistics(&detailed)
		require.Equal(t, stats, detailed.Statistics)
		require.Equal(t, l.Size, detailed.AllocationSizeMin)
		require.Equal(t, l.Size, detailed.AllocationSizeMax)

		arena.Deallocate(block, l)
		require.NoError(t, arena.Validate())
		require.NoError(t, arena.Close())
	}
}

func TestArenaGrowInPlace(t *testing.T) {
	if memutils.DebugMargin > 0 {
		t.Skip("guard bytes after each block prevent in-place growth")
	}

	arena := newArena(t, alloc.ArenaCreateOptions{Size: 4096})

	small := layout.MustFor[uint32](2)
	block, err := arena.Allocate(small)
	require.NoError(t, err)
	copy(slots[uint32](block, small), []uint32{7, 9})

	large := layout.MustFor[uint32](64)
	grown, err := arena.Grow(block, small, large)
	require.NoError(t, err)
	require.Equal(t, block, grown)
	require.Equal(t, []uint32{7, 9, 0, 0}, slots[uint32](grown, large)[:4])

	arena.Deallocate(grown, large)
	require.NoError(t, arena.Close())
}

func TestArenaGrowRelocates(t *testing.T) {
	arena := newArena(t, alloc.ArenaCreateOptions{Size: 4096, Strategy: metadata.AllocationStrategyMinOffset})

	small := layout.MustFor[uint32](2)
	first, err := arena.Allocate(small)
	require.NoError(t, err)
	second, err := arena.Allocate(small)
	require.NoError(t, err)

	copy(slots[uint32](first, small), []uint32{1, 2})

	large := layout.MustFor[uint32](16)
	grown, err := arena.Grow(first, small, large)
	require.NoError(t, err)
	require.NotEqual(t, first, grown)
	require.Equal(t, []uint32{1, 2, 0}, slots[uint32](grown, large)[:3])
	require.NoError(t, arena.Validate())

	arena.Deallocate(second, small)
	arena.Deallocate(grown, large)
	require.NoError(t, arena.Close())
}

func TestArenaExhausted(t *testing.T) {
	arena := newArena(t, alloc.ArenaCreateOptions{Size: 1024})

	l := layout.MustFor[uint64](8)
	block, err := arena.Allocate(l)
	require.NoError(t, err)

	huge := layout.MustFor[uint64](256)
	_, err = arena.Grow(block, l, huge)
	require.True(t, errors.Is(err, alloc.ErrArenaExhausted))
	require.True(t, errors.Is(err, alloc.ErrAllocationFailure))

	_, err = arena.Allocate(huge)
	require.True(t, errors.Is(err, alloc.ErrArenaExhausted))
	require.True(t, errors.Is(err, alloc.ErrAllocationFailure))
	require.ErrorContains(t, err, "of 1024 bytes are free")

	arena.Deallocate(block, l)
	require.NoError(t, arena.Close())
}

func TestArenaCloseReportsLeaks(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	arena := newArena(t, alloc.ArenaCreateOptions{Size: 4096, Logger: logger})

	l := layout.MustFor[int32](4)
	block, err := arena.Allocate(l)
	require.NoError(t, err)

	other := layout.MustFor[uint8](100)
	otherBlock, err := arena.Allocate(other)
	require.NoError(t, err)

	require.ErrorContains(t, arena.Close(), "2 blocks were not released")
	require.Equal(t, 2, strings.Count(logs.String(), "[UNRELEASED MEMORY] unreleased block"))
	require.Contains(t, logs.String(), "4 x int32")
	require.Contains(t, logs.String(), "100 x uint8")
	require.NotContains(t, logs.String(), "error while iterating")

	arena.Deallocate(block, l)
	arena.Deallocate(otherBlock, other)
	require.NoError(t, arena.Close())
	require.NoError(t, arena.Close())
}

func TestArenaStatsString(t *testing.T) {
	arena := newArena(t, alloc.ArenaCreateOptions{Size: 4096, Strategy: metadata.AllocationStrategyMinTime})

	l := layout.MustFor[uint16](8)
	block, err := arena.Allocate(l)
	require.NoError(t, err)

	var summary struct {
		Total struct {
			BlockCount      int
			AllocationCount int
			AllocationBytes int
		}
		Strategy    string
		FreeRegions int
		Slab        struct {
			TotalBytes  int
			Allocations int
			Regions     []struct {
				Offset   int
				Size     int
				Free     bool
				Capacity int
				Element  string
			}
		}
	}

	require.NoError(t, json.Unmarshal([]byte(arena.BuildStatsString(false)), &summary))
	require.Equal(t, 1, summary.Total.BlockCount)
	require.Equal(t, 1, summary.Total.AllocationCount)
	require.Equal(t, "MinTime", summary.Strategy)
	require.Positive(t, summary.FreeRegions)
	require.Equal(t, 4096, summary.Slab.TotalBytes)
	require.Equal(t, 1, summary.Slab.Allocations)
	require.Empty(t, summary.Slab.Regions)

	require.NoError(t, json.Unmarshal([]byte(arena.BuildStatsString(true)), &summary))
	require.NotEmpty(t, summary.Slab.Regions)

	var taken int
	for _, region := range summary.Slab.Regions {
		if !region.Free {
			taken++
			require.Equal(t, 8, region.Capacity)
			require.Equal(t, "uint16", region.Element)
		}
	}
	require.Equal(t, 1, taken)

	arena.Deallocate(block, l)
	require.NoError(t, arena.Close())
}

func TestArenaReset(t *testing.T) {
	arena := newArena(t, alloc.ArenaCreateOptions{Size: 4096})

	l := layout.MustFor[uint32](32)
	for i := 0; i < 4; i++ {
		_, err := arena.Allocate(l)
		require.NoError(t, err)
	}

	arena.Reset()
	require.NoError(t, arena.Validate())

	var stats memutils.Statistics
	arena.Statistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	whole := layout.MustFor[byte](4096 - l.ElementOffset - memutils.DebugMargin)
	block, err := arena.Allocate(whole)
	require.NoError(t, err)

	arena.Deallocate(block, whole)
	require.NoError(t, arena.Close())
	arena.Reset()
}

func TestArenaRejectsLayouts(t *testing.T) {
	arena := newArena(t, alloc.ArenaCreateOptions{Size: 4096})
	defer func() { require.NoError(t, arena.Close()) }()

	_, err := arena.Allocate(layout.MustFor[[]int](1))
	require.True(t, errors.Is(err, alloc.ErrUnsupportedLayout))

	_, err = alloc.NewArena(alloc.ArenaCreateOptions{Size: -1})
	require.Error(t, err)

	require.Panics(t, func() {
		arena.Deallocate(nil, layout.MustFor[int](0))
	})
}
