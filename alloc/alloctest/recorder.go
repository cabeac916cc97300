// Package alloctest provides allocators for testing code that owns vector blocks
package alloctest

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/thinvec/alloc"
	"github.com/vkngwrapper/thinvec/layout"
)

// ErrInjectedFailure is returned by a Recorder for calls it was told to fail. Errors carrying it are
// also marked with alloc.ErrAllocationFailure.
var ErrInjectedFailure = errors.New("injected allocation failure")

// Op identifies an allocator method
type Op int

const (
	OpAllocate Op = iota
	OpDeallocate
	OpGrow
)

var opMapping = map[Op]string{
	OpAllocate:   "Allocate",
	OpDeallocate: "Deallocate",
	OpGrow:       "Grow",
}

func (o Op) String() string {
	str, ok := opMapping[o]
	if !ok {
		return "Unknown"
	}
	return str
}

// Call is a single recorded allocator call
type Call struct {
	Op Op
	// Layout is the layout passed to Allocate or Deallocate, or the new layout passed to Grow
	Layout layout.Layout
	// OldLayout is the old layout passed to Grow
	OldLayout layout.Layout
	// Block is the block passed to Deallocate or Grow
	Block unsafe.Pointer
	// Result is the block returned from Allocate or Grow
	Result unsafe.Pointer
	// Err is the error returned from Allocate or Grow
	Err error
}

// Recorder forwards calls to another allocator and records each of them. It can be told to fail a
// specific Allocate or Grow call, and it tracks which blocks are live so tests can check that every
// block was released with the layout it was last given.
type Recorder struct {
	mutex sync.Mutex
	inner alloc.Allocator

	calls        []Call
	live         map[unsafe.Pointer]layout.Layout
	dropFailures []error

	allocateCount int
	growCount     int
	failAllocate  int
	failGrow      int
}

var _ alloc.Allocator = &Recorder{}
var _ alloc.DropReporter = &Recorder{}

// NewRecorder wraps inner. If inner is nil, alloc.Heap is used.
func NewRecorder(inner alloc.Allocator) *Recorder {
	if inner == nil {
		inner = alloc.Heap{}
	}

	return &Recorder{
		inner: inner,
		live:  make(map[unsafe.Pointer]layout.Layout),
	}
}

// FailAllocateAt makes the nth Allocate call fail, counting from 1 over the recorder's lifetime.
// Passing 0 disables the failure.
func (r *Recorder) FailAllocateAt(n int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.failAllocate = n
}

// FailGrowAt makes the nth Grow call fail, counting from 1 over the recorder's lifetime. Passing 0
// disables the failure.
func (r *Recorder) FailGrowAt(n int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.failGrow = n
}

func (r *Recorder) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.allocateCount++
	call := Call{Op: OpAllocate, Layout: l}

	if r.allocateCount == r.failAllocate {
		call.Err = injectedFailure(OpAllocate, r.allocateCount)
	} else {
		call.Result, call.Err = r.inner.Allocate(l)
	}

	if call.Err == nil {
		r.live[call.Result] = l
	}

	r.calls = append(r.calls, call)
	return call.Result, call.Err
}

func (r *Recorder) Deallocate(block unsafe.Pointer, l layout.Layout) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.calls = append(r.calls, Call{Op: OpDeallocate, Layout: l, Block: block})
	delete(r.live, block)

	r.inner.Deallocate(block, l)
}

func (r *Recorder) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.growCount++
	call := Call{Op: OpGrow, Layout: newLayout, OldLayout: oldLayout, Block: block}

	if r.growCount == r.failGrow {
		call.Err = injectedFailure(OpGrow, r.growCount)
	} else {
		call.Result, call.Err = r.inner.Grow(block, oldLayout, newLayout)
	}

	if call.Err == nil {
		delete(r.live, block)
		r.live[call.Result] = newLayout
	}

	r.calls = append(r.calls, call)
	return call.Result, call.Err
}

func (r *Recorder) ReportDropFailure(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.dropFailures = append(r.dropFailures, err)
}

// Calls returns a copy of every call recorded so far
func (r *Recorder) Calls() []Call {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	calls := make([]Call, len(r.calls))
	copy(calls, r.calls)
	return calls
}

// CallsOf returns a copy of the recorded calls to a single method
func (r *Recorder) CallsOf(op Op) []Call {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var calls []Call
	for _, call := range r.calls {
		if call.Op == op {
			calls = append(calls, call)
		}
	}
	return calls
}

// Ops returns the method of every call recorded so far, in order
func (r *Recorder) Ops() []Op {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ops := make([]Op, len(r.calls))
	for i, call := range r.calls {
		ops[i] = call.Op
	}
	return ops
}

// LiveBlocks returns the number of blocks that were allocated and not yet released
func (r *Recorder) LiveBlocks() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.live)
}

// LiveLayout returns the layout a live block was last allocated or grown with
func (r *Recorder) LiveLayout(block unsafe.Pointer) (layout.Layout, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	l, ok := r.live[block]
	return l, ok
}

// DropFailures returns every error reported through ReportDropFailure
func (r *Recorder) DropFailures() []error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	failures := make([]error, len(r.dropFailures))
	copy(failures, r.dropFailures)
	return failures
}

func injectedFailure(op Op, n int) error {
	return cerrors.Mark(cerrors.Wrapf(ErrInjectedFailure, "%s call %d", op, n), alloc.ErrAllocationFailure)
}
