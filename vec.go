package thinvec

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinvec/alloc"
	"github.com/vkngwrapper/thinvec/layout"
)

// noCopy lets go vet's copylocks check catch copies of a Vec, since two copies would share one block
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// header is the bookkeeping stored at offset 0 of every block
type header struct {
	len int
	cap int
}

// Vec is a growable sequence of T stored in a single block obtained from an allocator of type A.
// The zero Vec is not usable: create one with New or NewIn, and release it with Drop.
//
// Vec does no internal locking. Mutating calls need exclusive access to the Vec, and views returned
// by Slice and MutableSlice are invalidated by the next call to Push or Drop.
type Vec[T any, A alloc.Allocator] struct {
	_     noCopy
	alloc A
	block unsafe.Pointer
}

// New creates an empty Vec whose block lives on the garbage-collected heap. It panics if T declares
// an alignment that is not a power of two, or one that the heap cannot provide for T.
func New[T any]() Vec[T, alloc.Heap] {
	block, err := allocateHeader[T](alloc.Heap{})
	if err != nil {
		panic(err)
	}

	return Vec[T, alloc.Heap]{block: block}
}

// NewIn creates an empty Vec whose block is obtained from allocator. The returned error is marked
// with alloc.ErrAllocationFailure if the allocator could not provide the block.
func NewIn[T any, A alloc.Allocator](allocator A) (Vec[T, A], error) {
	block, err := allocateHeader[T](allocator)
	if err != nil {
		return Vec[T, A]{}, err
	}

	return Vec[T, A]{alloc: allocator, block: block}, nil
}

func allocateHeader[T any, A alloc.Allocator](allocator A) (unsafe.Pointer, error) {
	l, err := layout.For[T](0)
	if err != nil {
		return nil, err
	}

	block, err := allocator.Allocate(l)
	if err != nil {
		return nil, markAllocationFailure(err, "failed to allocate an empty %s", l)
	}

	*(*header)(block) = header{}
	return block, nil
}

func (v *Vec[T, A]) header() *header {
	if v.block == nil {
		panic(fmt.Sprintf("thinvec: use of a %s that was released or never created", v.typeName()))
	}
	return (*header)(v.block)
}

// Len returns the number of elements in the Vec
func (v *Vec[T, A]) Len() int {
	return v.header().len
}

// Cap returns the number of elements the current block can hold
func (v *Vec[T, A]) Cap() int {
	return v.header().cap
}

// IsEmpty reports whether the Vec holds no elements
func (v *Vec[T, A]) IsEmpty() bool {
	return v.header().len == 0
}

// Allocator returns the allocator that owns the Vec's block
func (v *Vec[T, A]) Allocator() A {
	return v.alloc
}

// Push appends value to the end of the Vec. When the block is full, its capacity is doubled first
// (or set to 1 if it was 0). If the allocator cannot grow the block, Push returns an error marked
// with alloc.ErrAllocationFailure and the Vec is left exactly as it was.
//
// Push panics if the doubled capacity cannot be represented as a block.
func (v *Vec[T, A]) Push(value T) error {
	h := v.header()
	if h.len == h.cap {
		if err := v.grow(); err != nil {
			return err
		}
		h = v.header()
	}

	*v.slot(h.len) = value
	h.len++
	return nil
}

func (v *Vec[T, A]) grow() error {
	oldCap := v.header().cap

	newCap := 1
	if oldCap > 0 {
		if oldCap > math.MaxInt/2 {
			panic(cerrors.Wrapf(layout.ErrLayoutOverflow, "cannot double the capacity of a %s past %d", v.typeName(), oldCap))
		}
		newCap = oldCap * 2
	}

	oldLayout := layout.MustFor[T](oldCap)
	newLayout, err := layout.For[T](newCap)
	if err != nil {
		panic(cerrors.Wrapf(err, "cannot grow a %s to capacity %d", v.typeName(), newCap))
	}

	block, err := v.alloc.Grow(v.block, oldLayout, newLayout)
	if err != nil {
		return markAllocationFailure(err, "failed to grow %s from capacity %d to %d", v.typeName(), oldCap, newCap)
	}

	v.block = block
	v.header().cap = newCap
	return nil
}

// slot returns a pointer to the slot at index. Zero-sized elements all share the block's address so
// the pointer never strays past the end of the block.
func (v *Vec[T, A]) slot(index int) *T {
	size := layout.SizeOf[T]()
	if size == 0 {
		return (*T)(v.block)
	}

	return (*T)(unsafe.Add(v.block, layout.ElementOffset[T]()+index*size))
}

// Slice returns a view of the elements of the Vec, in order. The view must not be modified; use
// MutableSlice for that. Its capacity is clipped to its length, so appending to it copies instead
// of writing into the block. It returns nil when the Vec is empty.
func (v *Vec[T, A]) Slice() []T {
	return v.view()
}

// MutableSlice returns a view of the elements of the Vec, in order, through which they may be
// modified in place. Its capacity is clipped to its length. It returns nil when the Vec is empty.
func (v *Vec[T, A]) MutableSlice() []T {
	return v.view()
}

func (v *Vec[T, A]) view() []T {
	length := v.header().len
	if length == 0 {
		return nil
	}

	return unsafe.Slice(v.slot(0), length)[:length:length]
}

// Drop releases every element of the Vec in index order, then returns the block to the allocator.
// Elements are released as described by Dropper. Elements that fail to release, by returning an
// error or panicking, do not stop the others, and the block is returned to the allocator
// regardless. If the allocator implements alloc.DropReporter, the combined failures are reported
// to it; otherwise they are discarded.
//
// After Drop the Vec is released: calling Drop again does nothing, and any other method panics.
func (v *Vec[T, A]) Drop() {
	if v.block == nil {
		return
	}

	block := v.block
	blockLayout := layout.MustFor[T](v.header().cap)
	elements := v.MutableSlice()

	defer func() {
		v.block = nil
		v.alloc.Deallocate(block, blockLayout)
	}()

	if err := dropElements(elements); err != nil {
		if reporter, ok := any(v.alloc).(alloc.DropReporter); ok {
			reporter.ReportDropFailure(cerrors.Wrapf(err, "dropping %s", v.typeName()))
		}
	}
}

func (v *Vec[T, A]) String() string {
	if v.block == nil {
		return v.typeName() + "(released)"
	}

	h := v.header()
	return fmt.Sprintf("%s(len=%d, cap=%d)", v.typeName(), h.len, h.cap)
}

func (v *Vec[T, A]) typeName() string {
	return "Vec[" + reflect.TypeOf((*T)(nil)).Elem().String() + "]"
}

func markAllocationFailure(err error, format string, args ...any) error {
	return cerrors.Mark(cerrors.Wrapf(err, format, args...), alloc.ErrAllocationFailure)
}
