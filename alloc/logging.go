package alloc

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/thinvec/layout"
	"golang.org/x/exp/slog"
)

// Logging forwards every call to another allocator and logs it. Successful calls are logged at
// debug level and failures at error level. Elements that fail to release their resources while a
// vector is dropped are logged at error level too.
type Logging[A Allocator] struct {
	inner  A
	logger *slog.Logger
}

var _ Allocator = &Logging[Heap]{}
var _ DropReporter = &Logging[Heap]{}

// NewLogging wraps inner. If logger is nil, slog.Default is used.
func NewLogging[A Allocator](inner A, logger *slog.Logger) *Logging[A] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Logging[A]{inner: inner, logger: logger}
}

func (l *Logging[A]) Allocate(blockLayout layout.Layout) (unsafe.Pointer, error) {
	block, err := l.inner.Allocate(blockLayout)
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelError, "block allocation failed",
			slog.String("layout", blockLayout.String()),
			slog.Any("error", err))
		return nil, err
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocated block",
		slog.String("block", fmt.Sprintf("%p", block)),
		slog.Int("capacity", blockLayout.Capacity),
		slog.String("size", humanize.IBytes(uint64(blockLayout.Size))))
	return block, nil
}

func (l *Logging[A]) Deallocate(block unsafe.Pointer, blockLayout layout.Layout) {
	l.inner.Deallocate(block, blockLayout)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "released block",
		slog.String("block", fmt.Sprintf("%p", block)),
		slog.Int("capacity", blockLayout.Capacity),
		slog.String("size", humanize.IBytes(uint64(blockLayout.Size))))
}

func (l *Logging[A]) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	newBlock, err := l.inner.Grow(block, oldLayout, newLayout)
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelError, "block growth failed",
			slog.String("block", fmt.Sprintf("%p", block)),
			slog.Int("oldCapacity", oldLayout.Capacity),
			slog.Int("newCapacity", newLayout.Capacity),
			slog.Any("error", err))
		return nil, err
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "grew block",
		slog.String("block", fmt.Sprintf("%p", newBlock)),
		slog.Int("oldCapacity", oldLayout.Capacity),
		slog.Int("newCapacity", newLayout.Capacity),
		slog.String("oldSize", humanize.IBytes(uint64(oldLayout.Size))),
		slog.String("newSize", humanize.IBytes(uint64(newLayout.Size))),
		slog.Bool("moved", newBlock != block))
	return newBlock, nil
}

func (l *Logging[A]) ReportDropFailure(err error) {
	l.logger.LogAttrs(context.Background(), slog.LevelError, "vector elements failed to release their resources",
		slog.Any("error", err))

	if reporter, ok := any(l.inner).(DropReporter); ok {
		reporter.ReportDropFailure(err)
	}
}
