// Package layout computes the shape of a vector block: a header of two machine words holding the
// length and capacity, followed by suitably aligned storage for a number of elements.
//
//	[len: int][cap: int][padding][slot 0]...[slot cap-1]
//
// Every accessor that needs to find the elements of a block must go through ElementOffset (or a
// Layout produced by this package), so that the header and element regions always agree.
package layout

import (
	"fmt"
	"reflect"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinvec/memutils"
)

// HeaderSize is the number of bytes occupied by the length and capacity words at the start of a block
const HeaderSize int = 2 * memutils.WordSize

// Aligned may be implemented by element types that require a stricter alignment than the one Go
// assigns them, such as SIMD lanes or cache-line sized records. The method is called on the zero
// value of the type and must return a power of two.
type Aligned interface {
	Alignment() uintptr
}

// Layout describes a single block.
type Layout struct {
	// Size is the total number of bytes in the block, a multiple of Align
	Size int
	// Align is the required alignment of the start of the block
	Align uint
	// ElementOffset is the offset in bytes of slot 0 from the start of the block
	ElementOffset int
	// ElementSize is the size in bytes of a single slot
	ElementSize int
	// ElementAlign is the alignment in bytes of a single slot
	ElementAlign uint
	// Capacity is the number of slots in the block
	Capacity int

	// Element is the Go type stored in the slots, or nil when the layout was built from a raw
	// size and alignment
	Element reflect.Type
	// Pointers is true when Element contains Go pointers. Blocks for such layouts must be visible to
	// the garbage collector, so they cannot live in untyped or off-heap memory.
	Pointers bool
}

// Of computes the layout of a block holding capacity slots of elemSize bytes each, aligned to
// elemAlign. It returns an error wrapping ErrLayoutOverflow if the block cannot be represented, or
// ErrInvalidAlignment if elemAlign is not a power of two.
func Of(elemSize int, elemAlign uint, capacity int) (Layout, error) {
	if err := memutils.CheckPow2(elemAlign, "element alignment"); err != nil {
		return Layout{}, cerrors.Mark(err, ErrInvalidAlignment)
	}
	if elemSize < 0 {
		return Layout{}, cerrors.Newf("element size cannot be negative, was %d", elemSize)
	}
	if capacity < 0 {
		return Layout{}, cerrors.Wrapf(ErrLayoutOverflow, "capacity %d is negative", capacity)
	}

	align := max(memutils.WordAlign, elemAlign)
	offset := memutils.AlignUp(HeaderSize, elemAlign)

	slotBytes, err := memutils.CheckedMul(elemSize, capacity)
	if err != nil {
		return Layout{}, cerrors.Wrapf(ErrLayoutOverflow, "%d slots of %d bytes: %v", capacity, elemSize, err)
	}

	if slotBytes > maxBlockSize-offset {
		return Layout{}, cerrors.Wrapf(ErrLayoutOverflow, "%d slots of %d bytes after a %d byte header", capacity, elemSize, offset)
	}

	size, err := memutils.CheckedAlignUp(offset+slotBytes, align)
	if err != nil || size > maxBlockSize {
		return Layout{}, cerrors.Wrapf(ErrLayoutOverflow, "block of %d bytes aligned to %d", offset+slotBytes, align)
	}

	return Layout{
		Size:          size,
		Align:         align,
		ElementOffset: offset,
		ElementSize:   elemSize,
		ElementAlign:  elemAlign,
		Capacity:      capacity,
	}, nil
}

// For computes the layout of a block holding capacity elements of type T.
func For[T any](capacity int) (Layout, error) {
	info, err := infoFor[T]()
	if err != nil {
		return Layout{}, err
	}

	l, err := Of(info.size, info.align, capacity)
	if err != nil {
		return Layout{}, cerrors.Wrapf(err, "layout of %d x %s", capacity, info.typ)
	}

	l.Element = info.typ
	l.Pointers = info.pointers
	return l, nil
}

// MustFor is like For, but panics on error. It is meant for capacities that are known to be
// representable, such as the capacity of a block that already exists.
func MustFor[T any](capacity int) Layout {
	l, err := For[T](capacity)
	if err != nil {
		panic(err)
	}
	return l
}

// ElementOffset returns the offset of slot 0 from the start of any block holding elements of type T.
// It panics if T declares an invalid alignment.
func ElementOffset[T any]() int {
	return mustInfoFor[T]().offset
}

// AlignOf returns the alignment used for slots of type T: the larger of Go's alignment for T and
// the alignment T declares through Aligned.
func AlignOf[T any]() uint {
	return mustInfoFor[T]().align
}

// SizeOf returns the size of a single slot of type T.
func SizeOf[T any]() int {
	return mustInfoFor[T]().size
}

// SlotOffset returns the offset of slot index from the start of the block
func (l Layout) SlotOffset(index int) int {
	return l.ElementOffset + index*l.ElementSize
}

// Equal reports whether two layouts describe the same block shape
func (l Layout) Equal(other Layout) bool {
	return l.Size == other.Size &&
		l.Align == other.Align &&
		l.ElementOffset == other.ElementOffset &&
		l.ElementSize == other.ElementSize &&
		l.Capacity == other.Capacity &&
		l.Element == other.Element
}

func (l Layout) String() string {
	elem := "raw"
	if l.Element != nil {
		elem = l.Element.String()
	}
	return fmt.Sprintf("%d x %s (size=%d align=%d offset=%d)", l.Capacity, elem, l.Size, l.Align, l.ElementOffset)
}
