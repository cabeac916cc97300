package alloc

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/thinvec/layout"
)

// ErrAllocationFailure marks every error an allocator returns because it could not provide memory
var ErrAllocationFailure = errors.New("allocation failure")

// ErrUnsupportedLayout is returned when an allocator cannot place a block with the requested
// layout, such as a pointer-bearing element type in memory the garbage collector cannot see. Errors
// carrying it are also marked with ErrAllocationFailure.
var ErrUnsupportedLayout = errors.New("unsupported block layout")

func allocationFailure(err error, format string, args ...any) error {
	return cerrors.Mark(cerrors.Wrapf(err, format, args...), ErrAllocationFailure)
}

func unsupportedLayout(l layout.Layout, reason string) error {
	return cerrors.Mark(cerrors.Wrapf(ErrUnsupportedLayout, "%s: %s", l, reason), ErrAllocationFailure)
}

// ErrArenaExhausted is returned by an Arena when no free region of its slab can hold a block. Errors
// carrying it are also marked with ErrAllocationFailure.
var ErrArenaExhausted = errors.New("arena exhausted")
