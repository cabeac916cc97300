package memutils_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinvec/memutils"
)

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.UnusedRangeSizeMin)

	stats.BlockCount++
	stats.BlockBytes += 1024
	stats.AddAllocation(16)
	stats.AddAllocation(48)
	stats.AddUnusedRange(960)

	var other memutils.DetailedStatistics
	other.Clear()
	other.BlockCount++
	other.BlockBytes += 64
	other.AddAllocation(64)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			BlockBytes:      1088,
			AllocationCount: 3,
			AllocationBytes: 128,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  16,
		AllocationSizeMax:  64,
		UnusedRangeSizeMin: 960,
		UnusedRangeSizeMax: 960,
	}, stats)
}

func TestDetailedStatisticsJson(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.BlockCount = 1
	stats.BlockBytes = 32
	stats.AddAllocation(32)

	w := jwriter.NewWriter()
	obj := w.Object()
	stats.WriteJson(&obj)
	obj.End()

	require.JSONEq(t, `{
		"BlockCount": 1,
		"BlockBytes": 32,
		"AllocationCount": 1,
		"AllocationBytes": 32,
		"UnusedRangeCount": 0,
		"AllocationSizeMin": 32,
		"AllocationSizeMax": 32
	}`, string(w.Bytes()))
}
