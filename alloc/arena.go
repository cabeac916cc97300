package alloc

import (
	"context"
	"math"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/edsrzf/mmap-go"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/thinvec/layout"
	"github.com/vkngwrapper/thinvec/memutils"
	"github.com/vkngwrapper/thinvec/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// maxArenaAlignment is the alignment of the start of every arena slab, and so the largest block
	// alignment an arena can satisfy
	maxArenaAlignment uint = 4096
	maxArenaSize      int  = 1 << 40
)

// ArenaCreateOptions contains optional settings when creating an arena
type ArenaCreateOptions struct {
	// Size is the size of the slab in bytes. If it is 0, a 1MiB slab is used.
	Size int
	// Strategy chooses where new blocks are placed within the slab. AllocationStrategyMinOffset
	// leaves the most room for blocks to grow in place.
	Strategy metadata.AllocationStrategy
	// UseMmap backs the slab with an anonymous memory mapping rather than a buffer on the Go heap
	UseMmap bool
	// Logger receives reports of blocks that were never released. If it is nil, slog.Default is used.
	Logger *slog.Logger
}

// Arena carves blocks out of a single fixed-size slab, using two-level segregated fit metadata to
// track which parts of the slab are in use. When a block is grown and the region physically after it
// is free, the block is extended in place rather than copied.
//
// The slab is never scanned by the garbage collector, so Arena rejects layouts whose element type
// contains pointers. Arena is safe for concurrent use.
type Arena struct {
	mutex    sync.Mutex
	logger   *slog.Logger
	strategy metadata.AllocationStrategy

	slab     []byte
	base     unsafe.Pointer
	mapping  mmap.MMap
	metadata metadata.BlockMetadata
	handles  *swiss.Map[int, metadata.BlockAllocationHandle]
}

var _ Allocator = &Arena{}

func NewArena(options ArenaCreateOptions) (*Arena, error) {
	size := options.Size
	if size == 0 {
		size = defaultArenaSize
	}
	if size < 0 || size > maxArenaSize {
		return nil, errors.Errorf("arena size must be between 1 and %d bytes, got %d", maxArenaSize, size)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	arena := &Arena{
		logger:   logger,
		strategy: options.Strategy,
		metadata: metadata.NewTLSFBlockMetadata(),
		handles:  swiss.NewMap[int, metadata.BlockAllocationHandle](42),
	}

	if options.UseMmap {
		mapping, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			return nil, allocationFailure(err, "failed to map a %d byte arena slab", size)
		}
		arena.mapping = mapping
		arena.slab = mapping
	} else {
		buffer := make([]byte, size+int(maxArenaAlignment)-1)
		base := uintptr(unsafe.Pointer(unsafe.SliceData(buffer)))
		start := memutils.AlignUp(int(base), maxArenaAlignment) - int(base)
		arena.slab = buffer[start : start+size : start+size]
	}

	arena.base = unsafe.Pointer(unsafe.SliceData(arena.slab))
	arena.metadata.Init(size)

	return arena, nil
}

func (a *Arena) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	if err := a.checkLayout(l); err != nil {
		return nil, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateLocked(l)
}

func (a *Arena) Deallocate(block unsafe.Pointer, l layout.Layout) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.freeLocked(block); err != nil {
		panic(err)
	}
}

func (a *Arena) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	if err := a.checkLayout(newLayout); err != nil {
		return nil, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	offset := a.offsetOf(block)
	handle, ok := a.handles.Get(offset)
	if !ok {
		return nil, allocationFailure(ErrUnsupportedLayout, "block %p was not allocated from this arena", block)
	}

	if memutils.IsAligned(block, newLayout.Align) {
		extended, err := a.metadata.TryExtend(handle, newLayout.Size)
		if err != nil {
			return nil, allocationFailure(err, "failed to extend the block at offset %d", offset)
		}

		if extended {
			if err := a.metadata.SetAllocationUserData(handle, newLayout); err != nil {
				return nil, allocationFailure(err, "failed to extend the block at offset %d", offset)
			}
			zeroTail(block, oldLayout.Size, newLayout.Size)
			memutils.WriteMagicValue(a.base, offset+newLayout.Size)
			return block, nil
		}
	}

	newBlock, err := a.allocateLocked(newLayout)
	if err != nil {
		return nil, err
	}

	copy(bytesOf(newBlock, oldLayout.Size), bytesOf(block, oldLayout.Size))

	if err := a.freeLocked(block); err != nil {
		return nil, allocationFailure(err, "failed to release the block at offset %d after relocating it", offset)
	}

	return newBlock, nil
}

func (a *Arena) allocateLocked(l layout.Layout) (unsafe.Pointer, error) {
	if !a.metadata.MayHaveFreeBlock(l.Size + memutils.DebugMargin) {
		return nil, allocationFailure(ErrArenaExhausted, "no free region for %s, %d of %d bytes are free",
			l, a.metadata.SumFreeSize(), a.metadata.Size())
	}

	success, request, err := a.metadata.CreateAllocationRequest(l.Size, l.Align, a.strategy, math.MaxInt)
	if err != nil {
		return nil, allocationFailure(err, "failed to place %s", l)
	}
	if !success {
		return nil, allocationFailure(ErrArenaExhausted, "no free region for %s", l)
	}

	if err := a.metadata.Alloc(request, l); err != nil {
		return nil, allocationFailure(err, "failed to place %s", l)
	}

	offset, err := a.metadata.AllocationOffset(request.BlockAllocationHandle)
	if err != nil {
		return nil, allocationFailure(err, "failed to place %s", l)
	}

	a.handles.Put(offset, request.BlockAllocationHandle)

	block := unsafe.Add(a.base, offset)
	clear(bytesOf(block, l.Size))
	memutils.WriteMagicValue(a.base, offset+l.Size)

	return block, nil
}

func (a *Arena) freeLocked(block unsafe.Pointer) error {
	offset := a.offsetOf(block)
	handle, ok := a.handles.Get(offset)
	if !ok {
		return errors.Errorf("attempted to release block %p, which was not allocated from this arena", block)
	}

	if err := a.metadata.Free(handle); err != nil {
		return err
	}

	a.handles.Delete(offset)
	return nil
}

func (a *Arena) offsetOf(block unsafe.Pointer) int {
	return int(uintptr(block) - uintptr(a.base))
}

func (a *Arena) checkLayout(l layout.Layout) error {
	if l.Pointers {
		return unsupportedLayout(l, "arena memory is not scanned by the garbage collector")
	}
	if l.Align > maxArenaAlignment {
		return unsupportedLayout(l, "alignment exceeds the arena slab alignment")
	}
	return nil
}

// Statistics adds the arena's slab and blocks to stats
func (a *Arena) Statistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.metadata.AddStatistics(stats)
}

// DetailedStatistics adds the arena's slab, blocks, and free regions to stats
func (a *Arena) DetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.metadata.AddDetailedStatistics(stats)
}

// Reset releases every block in the arena at once. Vectors whose blocks came from the arena must
// not be used afterward, not even to Drop them.
func (a *Arena) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.base == nil {
		return
	}

	a.metadata.Clear()
	a.handles.Clear()
}

// Validate checks the consistency of the arena's metadata
func (a *Arena) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.base == nil {
		return errors.New("the arena has been closed")
	}
	if a.handles.Count() != a.metadata.AllocationCount() {
		return errors.Errorf("the arena tracks %d blocks but its metadata holds %d allocations", a.handles.Count(), a.metadata.AllocationCount())
	}

	return a.metadata.Validate()
}

// CheckCorruption verifies the guard bytes written after every block. Guard bytes are only written
// when the debug_mem_utils build tag is present; otherwise this always succeeds.
func (a *Arena) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.metadata.CheckCorruption(a.base)
}

// BuildStatsString returns a JSON document describing the arena. When detailed is true, it includes
// every region of the slab.
func (a *Arena) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)

	statsObj := root.Name("Total").Object()
	stats.WriteJson(&statsObj)
	statsObj.End()

	root.Name("Strategy").String(a.strategy.String())
	root.Name("FreeRegions").Int(a.metadata.FreeRegionsCount())

	slabObj := root.Name("Slab").Object()
	a.metadata.BlockJsonData(&slabObj)
	if detailed {
		a.printRegions(&slabObj)
	}
	slabObj.End()

	root.End()
	return string(writer.Bytes())
}

func (a *Arena) printRegions(json *jwriter.ObjectState) {
	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, region metadata.Suballocation, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(region.Offset)
		obj.Name("Size").Int(region.Size)
		obj.Name("Free").Bool(free)

		if l, ok := region.UserData.(layout.Layout); ok && !free {
			obj.Name("Capacity").Int(l.Capacity)
			if l.Element != nil {
				obj.Name("Element").String(l.Element.String())
			}
		}

		return nil
	})
}

// Close releases the slab. Blocks that are still allocated are logged and reported as an error,
// and the slab is kept alive so that the vectors holding them remain usable.
func (a *Arena) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.base == nil {
		return nil
	}

	if !a.metadata.IsEmpty() {
		if err := a.logUnreleasedBlocks(); err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased blocks",
				slog.Any("error", err))
		}

		return errors.Errorf("%d blocks were not released before the arena was closed", a.metadata.AllocationCount())
	}

	var err error
	if a.mapping != nil {
		err = a.mapping.Unmap()
	}

	a.mapping = nil
	a.slab = nil
	a.base = nil
	a.handles.Clear()
	return err
}

func (a *Arena) logUnreleasedBlocks() error {
	handle, err := a.metadata.AllocationListBegin()
	if err != nil {
		return err
	}

	for handle != metadata.NoAllocation {
		offset, err := a.metadata.AllocationOffset(handle)
		if err != nil {
			return err
		}
		size, err := a.metadata.AllocationSize(handle)
		if err != nil {
			return err
		}
		userData, err := a.metadata.AllocationUserData(handle)
		if err != nil {
			return err
		}

		shape := "unknown"
		if l, ok := userData.(layout.Layout); ok {
			shape = l.String()
		}

		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased block",
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.String("layout", shape),
		)

		handle, err = a.metadata.FindNextAllocation(handle)
		if err != nil {
			return err
		}
	}

	return nil
}
