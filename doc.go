// Package thinvec provides Vec, a growable contiguous sequence whose length and capacity live at
// the start of the same allocation as its elements. A Vec handle holds nothing but a pointer to
// that block and the allocator that produced it, so a Vec using a zero-sized allocator such as
// alloc.Heap is exactly one machine word.
//
// A block is laid out as
//
//	[len: int][cap: int][padding][slot 0]...[slot cap-1]
//
// where the padding only appears for element types whose alignment exceeds two machine words. The
// block is allocated eagerly when the Vec is created, and grows by doubling its capacity.
//
// Go has no destructors, so a Vec must be released explicitly with Drop, which gives every element
// that implements Dropper or io.Closer a chance to release its own resources before the block is
// returned to the allocator.
package thinvec
