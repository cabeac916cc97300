package alloctest_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinvec/alloc"
	"github.com/vkngwrapper/thinvec/alloc/alloctest"
	"github.com/vkngwrapper/thinvec/layout"
)

func TestRecorderTracksBlocks(t *testing.T) {
	recorder := alloctest.NewRecorder(nil)

	empty := layout.MustFor[int](0)
	four := layout.MustFor[int](4)

	block, err := recorder.Allocate(empty)
	require.NoError(t, err)
	require.Equal(t, 1, recorder.LiveBlocks())

	grown, err := recorder.Grow(block, empty, four)
	require.NoError(t, err)
	require.Equal(t, 1, recorder.LiveBlocks())

	_, live := recorder.LiveLayout(block)
	require.False(t, live)
	current, live := recorder.LiveLayout(grown)
	require.True(t, live)
	require.True(t, four.Equal(current))

	recorder.Deallocate(grown, four)
	require.Equal(t, 0, recorder.LiveBlocks())

	require.Equal(t, []alloctest.Op{alloctest.OpAllocate, alloctest.OpGrow, alloctest.OpDeallocate}, recorder.Ops())
	require.Equal(t, "Grow", recorder.Calls()[1].Op.String())
	require.True(t, recorder.Calls()[1].OldLayout.Equal(empty))
}

func TestRecorderInjectsFailures(t *testing.T) {
	recorder := alloctest.NewRecorder(alloc.Heap{})
	recorder.FailAllocateAt(2)
	recorder.FailGrowAt(1)

	l := layout.MustFor[uint8](0)

	first, err := recorder.Allocate(l)
	require.NoError(t, err)

	_, err = recorder.Allocate(l)
	require.True(t, errors.Is(err, alloctest.ErrInjectedFailure))
	require.True(t, errors.Is(err, alloc.ErrAllocationFailure))

	_, err = recorder.Allocate(l)
	require.NoError(t, err)

	_, err = recorder.Grow(first, l, layout.MustFor[uint8](1))
	require.True(t, errors.Is(err, alloctest.ErrInjectedFailure))
	require.Equal(t, 2, recorder.LiveBlocks())

	failed := recorder.CallsOf(alloctest.OpGrow)
	require.Len(t, failed, 1)
	require.Error(t, failed[0].Err)
	require.Nil(t, failed[0].Result)

	recorder.ReportDropFailure(errors.New("dropped"))
	require.Len(t, recorder.DropFailures(), 1)
}
