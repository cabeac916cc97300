// Package alloc contains the allocator contract used by vector blocks, along with a handful of
// implementations: the garbage-collected Heap, off-heap Mmap blocks, a fixed-size Arena managed by
// two-level segregated fit metadata, and decorators that count, measure, or log the calls they forward.
package alloc

import (
	"unsafe"

	"github.com/vkngwrapper/thinvec/layout"
)

// Allocator provides the memory behind a vector block. A vector only ever releases or grows a block
// with the allocator that produced it, and always passes back the layout the block currently has.
type Allocator interface {
	// Allocate returns zeroed memory of l.Size bytes, aligned to l.Align. Failure is reported as an
	// error marked with ErrAllocationFailure.
	Allocate(l layout.Layout) (unsafe.Pointer, error)
	// Deallocate releases a block previously returned by Allocate or Grow. l must be the layout the
	// block was last allocated or grown with.
	Deallocate(block unsafe.Pointer, l layout.Layout)
	// Grow returns a block of newLayout.Size bytes whose first oldLayout.Size bytes match the bytes of
	// block, and whose remaining bytes are zeroed. The block may be extended in place, in which case the
	// same pointer is returned. On success the old block must no longer be used. On failure the old
	// block is untouched and still owned by the caller.
	Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error)
}

// DropReporter may be implemented by allocators that want to hear about elements that failed to
// release their resources while a vector was being dropped. Without it those failures are discarded.
type DropReporter interface {
	ReportDropFailure(err error)
}

func bytesOf(block unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(block), size)
}

// zeroTail clears the bytes of block between from and to
func zeroTail(block unsafe.Pointer, from, to int) {
	if to > from {
		clear(bytesOf(unsafe.Add(block, from), to-from))
	}
}
