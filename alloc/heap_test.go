package alloc_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinvec/alloc"
	"github.com/vkngwrapper/thinvec/layout"
	"github.com/vkngwrapper/thinvec/memutils"
)

type wide struct {
	Lanes [8]float32
}

func (wide) Alignment() uintptr { return 64 }

type wideWithPointer struct {
	Name *string
}

func (wideWithPointer) Alignment() uintptr { return 64 }

func slots[T any](block unsafe.Pointer, l layout.Layout) []T {
	return unsafe.Slice((*T)(unsafe.Add(block, l.ElementOffset)), l.Capacity)
}

func TestHeapRawBlocks(t *testing.T) {
	heap := alloc.Heap{}

	small := layout.MustFor[uint32](4)
	block, err := heap.Allocate(small)
	require.NoError(t, err)
	require.True(t, memutils.IsAligned(block, small.Align))
	require.Equal(t, make([]byte, small.Size), unsafe.Slice((*byte)(block), small.Size))

	copy(slots[uint32](block, small), []uint32{1, 2, 3, 4})

	large := layout.MustFor[uint32](8)
	grown, err := heap.Grow(block, small, large)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3, 4, 0, 0, 0, 0}, slots[uint32](grown, large))

	heap.Deallocate(grown, large)
}

func TestHeapOverAlignedRawBlocks(t *testing.T) {
	heap := alloc.Heap{}

	for capacity := 0; capacity < 20; capacity++ {
		l := layout.MustFor[wide](capacity)
		block, err := heap.Allocate(l)
		require.NoError(t, err)
		require.True(t, memutils.IsAligned(block, 64))
		require.True(t, memutils.IsAligned(unsafe.Add(block, l.ElementOffset), 64))
	}
}

func TestHeapTypedBlocks(t *testing.T) {
	heap := alloc.Heap{}

	small := layout.MustFor[*int](2)
	require.True(t, small.Pointers)

	block, err := heap.Allocate(small)
	require.NoError(t, err)

	for i, slot := range slots[*int](block, small) {
		require.Nil(t, slot, "slot %d", i)
	}

	first, second := 10, 20
	copy(slots[*int](block, small), []*int{&first, &second})
	*(*int)(block) = 2

	large := layout.MustFor[*int](4)
	grown, err := heap.Grow(block, small, large)
	require.NoError(t, err)

	runtime.GC()

	require.Equal(t, 2, *(*int)(grown))
	grownSlots := slots[*int](grown, large)
	require.Equal(t, 10, *grownSlots[0])
	require.Equal(t, 20, *grownSlots[1])
	require.Nil(t, grownSlots[2])
	require.Nil(t, grownSlots[3])
}

func TestHeapRejectsOverAlignedPointers(t *testing.T) {
	_, err := alloc.Heap{}.Allocate(layout.MustFor[wideWithPointer](1))
	require.True(t, errors.Is(err, alloc.ErrUnsupportedLayout))
	require.True(t, errors.Is(err, alloc.ErrAllocationFailure))
}
