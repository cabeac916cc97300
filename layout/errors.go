package layout

import (
	"math"

	"github.com/pkg/errors"
)

// ErrLayoutOverflow is returned when the requested capacity cannot be represented as a block.
// Inside a vector this is a programming error, and growth panics with it rather than returning it.
var ErrLayoutOverflow = errors.New("block layout overflows the address space")

// ErrInvalidAlignment is returned when an element type declares an alignment that is not a power of two
var ErrInvalidAlignment = errors.New("invalid element alignment")

// maxBlockSize bounds the size of any block to half the address space, so that slot offsets and
// alignment padding stay representable as an int
const maxBlockSize = math.MaxInt >> 1
