package memutils

import (
	"math"
	"math/bits"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

const (
	// WordSize is the size in bytes of a machine word on the host
	WordSize int = int(unsafe.Sizeof(uintptr(0)))
	// WordAlign is the alignment in bytes of a machine word on the host
	WordAlign uint = uint(unsafe.Alignof(uintptr(0)))
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether the address held by ptr is a multiple of alignment
func IsAligned(ptr unsafe.Pointer, alignment uint) bool {
	return uintptr(ptr)&uintptr(alignment-1) == 0
}

// CheckedMul multiplies two non-negative ints, returning OverflowError if the product
// does not fit in an int
func CheckedMul(a, b int) (int, error) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, cerrors.Wrapf(OverflowError, "%d * %d", a, b)
	}
	return int(lo), nil
}

// CheckedAlignUp behaves like AlignUp, but returns OverflowError instead of wrapping
// around when value is too close to math.MaxInt
func CheckedAlignUp(value int, alignment uint) (int, error) {
	if value > math.MaxInt-int(alignment-1) {
		return 0, cerrors.Wrapf(OverflowError, "aligning %d up to %d", value, alignment)
	}
	return AlignUp(value, alignment), nil
}
