package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/thinvec/memutils"
)

// BlockMetadata tracks the suballocations carved out of a single contiguous region of memory. It
// does not touch the memory itself: consumers translate the offsets it hands out into addresses.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. size is the number of bytes in the region
	// that will be managed.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block.
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block. Adjacent free
	// regions are always merged, so this is also the number of gaps between live suballocations.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block.
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether an allocation of the provided size could
	// possibly succeed. It never produces false negatives, but may produce false positives.
	MayHaveFreeBlock(size int) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each suballocation and free region in
	// the block. This walks every region and should only be used for diagnostics.
	VisitAllRegions(handleRegion func(handle BlockAllocationHandle, region Suballocation, free bool) error) error
	// AllocationListBegin retrieves the handle of the first live suballocation in the block, or
	// NoAllocation if there are none.
	AllocationListBegin() (BlockAllocationHandle, error)
	// FindNextAllocation accepts the handle of a live suballocation and returns the handle of the next
	// live suballocation, or NoAllocation if there are none.
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)

	// AllocationOffset returns the offset in bytes of a live region within the block
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size in bytes of a live suballocation
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when the suballocation was made
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData value of a live suballocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all suballocations
	Clear()
	// BlockJsonData populates a json object with summary information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the memory managed by this block and verifies that the
	// guard markers written after every suballocation are intact. Markers are only written when built
	// with the debug_mem_utils build tag, and it is the consumer's responsibility to write them with
	// memutils.WriteMagicValue after each allocation.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds a place for an allocation of allocSize bytes aligned to allocAlignment,
	// without committing it. The returned AllocationRequest can be passed to Alloc. The boolean return
	// is false when no suitable region exists. maxOffset is usually math.MaxInt; the allocation will
	// not be placed at an offset greater than it.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		strategy AllocationStrategy,
		maxOffset int,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It returns an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) error
	// TryExtend attempts to grow a live suballocation in place to newSize bytes, by absorbing the
	// free region that immediately follows it. It returns false without changing anything if there is
	// not enough free space directly after the suballocation.
	TryExtend(allocHandle BlockAllocationHandle, newSize int) (bool, error)

	// Free frees a suballocation within the block, causing it to become a free region once again.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase provides the fields & methods that every BlockMetadata implementation shares
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) writeBlockJson(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
