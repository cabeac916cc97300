package alloc

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/thinvec/layout"
	"github.com/vkngwrapper/thinvec/memutils"
	"go.uber.org/atomic"
)

// Counting forwards every call to another allocator and keeps running totals of the calls and of
// the blocks that are currently live. It is safe for concurrent use if the wrapped allocator is.
type Counting[A Allocator] struct {
	inner A

	allocations   atomic.Int64
	deallocations atomic.Int64
	grows         atomic.Int64
	inPlaceGrows  atomic.Int64
	failures      atomic.Int64
	dropFailures  atomic.Int64

	liveBlocks atomic.Int64
	liveBytes  atomic.Int64
}

var _ Allocator = &Counting[Heap]{}
var _ DropReporter = &Counting[Heap]{}

func NewCounting[A Allocator](inner A) *Counting[A] {
	return &Counting[A]{inner: inner}
}

// Inner returns the wrapped allocator
func (c *Counting[A]) Inner() A {
	return c.inner
}

func (c *Counting[A]) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	block, err := c.inner.Allocate(l)
	if err != nil {
		c.failures.Inc()
		return nil, err
	}

	c.allocations.Inc()
	c.liveBlocks.Inc()
	c.liveBytes.Add(int64(l.Size))
	return block, nil
}

func (c *Counting[A]) Deallocate(block unsafe.Pointer, l layout.Layout) {
	c.inner.Deallocate(block, l)

	c.deallocations.Inc()
	c.liveBlocks.Dec()
	c.liveBytes.Sub(int64(l.Size))
}

func (c *Counting[A]) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	newBlock, err := c.inner.Grow(block, oldLayout, newLayout)
	if err != nil {
		c.failures.Inc()
		return nil, err
	}

	c.grows.Inc()
	if newBlock == block {
		c.inPlaceGrows.Inc()
	}
	c.liveBytes.Add(int64(newLayout.Size - oldLayout.Size))
	return newBlock, nil
}

func (c *Counting[A]) ReportDropFailure(err error) {
	c.dropFailures.Inc()

	if reporter, ok := any(c.inner).(DropReporter); ok {
		reporter.ReportDropFailure(err)
	}
}

func (c *Counting[A]) Allocations() int64   { return c.allocations.Load() }
func (c *Counting[A]) Deallocations() int64 { return c.deallocations.Load() }
func (c *Counting[A]) Grows() int64         { return c.grows.Load() }
func (c *Counting[A]) InPlaceGrows() int64  { return c.inPlaceGrows.Load() }
func (c *Counting[A]) Failures() int64      { return c.failures.Load() }
func (c *Counting[A]) DropFailures() int64  { return c.dropFailures.Load() }

// Statistics adds the live blocks to stats. Each live block counts as one block holding a single
// allocation that covers it entirely.
func (c *Counting[A]) Statistics(stats *memutils.Statistics) {
	blocks := int(c.liveBlocks.Load())
	bytes := int(c.liveBytes.Load())

	stats.BlockCount += blocks
	stats.BlockBytes += bytes
	stats.AllocationCount += blocks
	stats.AllocationBytes += bytes
}

// BuildStatsString returns a JSON document with the call counters and live statistics
func (c *Counting[A]) BuildStatsString() string {
	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("Allocations").Int(int(c.Allocations()))
	root.Name("Deallocations").Int(int(c.Deallocations()))
	root.Name("Grows").Int(int(c.Grows()))
	root.Name("InPlaceGrows").Int(int(c.InPlaceGrows()))
	root.Name("Failures").Int(int(c.Failures()))
	root.Name("DropFailures").Int(int(c.DropFailures()))

	var stats memutils.Statistics
	c.Statistics(&stats)

	liveObj := root.Name("Live").Object()
	stats.WriteJson(&liveObj)
	liveObj.End()

	root.End()
	return string(writer.Bytes())
}
