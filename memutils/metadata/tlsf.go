package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/thinvec/memutils"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift
)

var regionPool = sync.Pool{
	New: func() any {
		return &tlsfRegion{}
	},
}

// tlsfRegion is one physical region of the block, either free or taken. Physical neighbors are
// linked by offset: prevPhysical has the lower offset. Free regions other than the null region are
// additionally linked into one of the segregated free lists.
type tlsfRegion struct {
	offset       int
	size         int
	prevPhysical *tlsfRegion
	nextPhysical *tlsfRegion

	prevFree *tlsfRegion
	nextFree *tlsfRegion

	userData any
	handle   BlockAllocationHandle
}

func (r *tlsfRegion) MarkFree() {
	r.prevFree = nil
}

func (r *tlsfRegion) MarkTaken() {
	r.prevFree = r
}

func (r *tlsfRegion) IsFree() bool {
	return r.prevFree != r
}

// TLSFBlockMetadata is a two-level segregated fit implementation of BlockMetadata. Allocation and
// free are O(1). The highest-offset free region (the null region) is kept out of the free lists so
// that the tail of the block can always be handed out or absorbed cheaply.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	regionsFreeCount  int
	regionsFreeSize   int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextHandle BlockAllocationHandle
	handleKey  *swiss.Map[BlockAllocationHandle, *tlsfRegion]
	freeList   []*tlsfRegion
	nullRegion *tlsfRegion
	tailRegion *tlsfRegion
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata() *TLSFBlockMetadata {
	return &TLSFBlockMetadata{}
}

func (m *TLSFBlockMetadata) allocateRegion() *tlsfRegion {
	r := regionPool.Get().(*tlsfRegion)
	*r = tlsfRegion{}
	m.nextHandle++
	r.handle = m.nextHandle
	m.handleKey.Put(r.handle, r)
	return r
}

func (m *TLSFBlockMetadata) freeRegion(r *tlsfRegion) {
	m.handleKey.Delete(r.handle)
	*r = tlsfRegion{}
	regionPool.Put(r)
}

func (m *TLSFBlockMetadata) getRegion(handle BlockAllocationHandle) (*tlsfRegion, error) {
	region, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Errorf("received handle %d, which is not known to this metadata", handle)
	}
	return region, nil
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *tlsfRegion](42)

	m.nullRegion = m.allocateRegion()
	m.nullRegion.size = size
	m.nullRegion.MarkFree()
	m.tailRegion = m.nullRegion
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfRegion, listSize)
}

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullRegion.size
	calculatedFreeSize := m.nullRegion.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		region := m.freeList[listIndex]
		if region == nil {
			continue
		}

		if !region.IsFree() {
			return errors.Errorf("region at offset %d is in the free list but is not free", region.offset)
		}

		if region.prevFree != nil {
			return errors.Errorf("region at offset %d is the head of a free list but has a previous region", region.offset)
		}

		freeListCount++
		for region.nextFree != nil {
			if !region.nextFree.IsFree() {
				return errors.Errorf("region at offset %d is in the free list but it is not free", region.nextFree.offset)
			}
			if region.nextFree.prevFree != region {
				return errors.Errorf("region at offset %d lists the region at offset %d as its next region, but the reverse reference is broken", region.offset, region.nextFree.offset)
			}

			freeListCount++
			region = region.nextFree
		}
	}

	if m.nullRegion.nextPhysical != nil {
		return errors.New("null region must be the last region in the block")
	}

	if m.nullRegion.prevPhysical != nil && m.nullRegion.prevPhysical.nextPhysical != m.nullRegion {
		return errors.New("null region has a physical region before it, but the reverse reference is broken")
	}

	nextOffset := m.nullRegion.offset

	for prev := m.nullRegion.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical region at offset %d does not end at the next region's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("region at offset %d has a previous physical region, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free regions in the physical list and the number of regions in the free list do not match! free list size: %d, physical list free regions: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical region should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.regionsFreeCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were only %d free regions", m.regionsFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullRegion.size > 0 {
		stats.AddUnusedRange(m.nullRegion.size)
	}

	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if region.IsFree() {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	count := m.regionsFreeCount
	if m.nullRegion.size > 0 {
		count++
	}
	return count
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.regionsFreeSize + m.nullRegion.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *TLSFBlockMetadata) MayHaveFreeBlock(size int) bool {
	if m.nullRegion.size >= size {
		return true
	}

	region, _ := m.findFreeRegion(size)
	return region != nil
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *TLSFBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	allocSize += memutils.DebugMargin

	// Is the block big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free regions apart from the null region?
	if m.regionsFreeCount == 0 {
		success := m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest)
		return success, allocRequest, nil
	}

	// Round up to the next list
	sizeForNextList := allocSize

	smallSizeStep := SmallBufferSize / 4
	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		sizeForNextList = SmallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	nextListIndex := 0
	prevListIndex := 0
	doFullSearch := false
	var nextListRegion, prevListRegion *tlsfRegion

	if strategy&AllocationStrategyMinTime != 0 {
		// Check larger lists first
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		if nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		for nextListRegion != nil {
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		// Best fit list
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	} else if strategy&AllocationStrategyMinMemory != 0 {
		// Best fit list
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	} else if strategy&AllocationStrategyMinOffset != 0 {
		// Walk the physical chain from the lowest offset rather than collecting candidates
		// into a slice
		if m.minOffsetCheckRegions(allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		return false, allocRequest, nil
	} else {
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	}

	if !doFullSearch {
		return false, allocRequest, nil
	}

	// Worst case, full search has to be done
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		nextListRegion = m.freeList[nextListIndex]
		for nextListRegion != nil {
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	}

	return false, allocRequest, nil
}

func (m *TLSFBlockMetadata) minOffsetCheckRegions(
	allocSize int,
	allocAlignment uint,
	maxOffset int,
	allocRequest *AllocationRequest,
) bool {
	for region := m.tailRegion; region != nil; region = region.nextPhysical {
		if region.IsFree() && region.size >= allocSize && region != m.nullRegion {
			if m.checkRegion(region, m.getListIndexFromSize(region.size), allocSize, allocAlignment, maxOffset, allocRequest) {
				return true
			}
		}
	}

	return false
}

func (m *TLSFBlockMetadata) checkRegion(
	region *tlsfRegion,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	maxOffset int,
	allocRequest *AllocationRequest,
) bool {
	if !region.IsFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", region.offset))
	}

	alignedOffset := memutils.AlignUp(region.offset, allocAlignment)

	if region.size < allocSize+alignedOffset-region.offset {
		return false
	}

	if alignedOffset > maxOffset {
		return false
	}

	allocRequest.Type = AllocationRequestTLSF
	allocRequest.BlockAllocationHandle = region.handle
	allocRequest.Size = allocSize - memutils.DebugMargin
	allocRequest.AlgorithmData = uint64(alignedOffset)

	// Move the region to the head of its list so Alloc can pop it cheaply
	if listIndex != len(m.freeList) && region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
		if region.nextFree != nil {
			region.nextFree.prevFree = region.prevFree
		}

		region.prevFree = nil
		region.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = region
		if region.nextFree != nil {
			region.nextFree.prevFree = region
		}
	}

	return true
}

func (m *TLSFBlockMetadata) findFreeRegion(size int) (*tlsfRegion, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available regions
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free regions, but no regions were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.writeBlockJson(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *TLSFBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if !region.IsFree() {
			if !memutils.ValidateMagicValue(blockData, region.offset+region.size) {
				return errors.Errorf("memory corruption detected after the allocation at offset %d", region.offset)
			}
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestTLSF {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	currentRegion, err := m.getRegion(req.BlockAllocationHandle)
	if err != nil {
		return err
	}

	offset := int(req.AlgorithmData)
	if currentRegion.offset > offset {
		return errors.New("allocation request had a region handle that was incompatible with the requested offset")
	}

	if !currentRegion.IsFree() {
		return errors.New("allocation request targets a region that is no longer free")
	}

	if currentRegion != m.nullRegion {
		m.removeFreeRegion(currentRegion)
	}

	missingAlignment := offset - currentRegion.offset

	// Append missing alignment to the previous region or create a new one
	if missingAlignment != 0 {
		prevRegion := currentRegion.prevPhysical

		if prevRegion == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if prevRegion.IsFree() && prevRegion.size != memutils.DebugMargin {
			oldListIndex := m.getListIndexFromSize(prevRegion.size)
			prevRegion.size += missingAlignment

			if oldListIndex != m.getListIndexFromSize(prevRegion.size) {
				prevRegion.size -= missingAlignment
				m.removeFreeRegion(prevRegion)

				prevRegion.size += missingAlignment
				m.insertFreeRegion(prevRegion)
			} else {
				m.regionsFreeSize += missingAlignment
			}
		} else {
			newRegion := m.allocateRegion()
			currentRegion.prevPhysical = newRegion
			prevRegion.nextPhysical = newRegion
			newRegion.prevPhysical = prevRegion
			newRegion.nextPhysical = currentRegion
			newRegion.size = missingAlignment
			newRegion.offset = currentRegion.offset
			newRegion.MarkTaken()

			m.insertFreeRegion(newRegion)
		}

		currentRegion.size -= missingAlignment
		currentRegion.offset += missingAlignment
	}

	size := req.Size + memutils.DebugMargin
	if currentRegion.size == size {
		if currentRegion == m.nullRegion {
			// The null region was consumed exactly, so start an empty one after it
			m.nullRegion = m.allocateRegion()
			m.nullRegion.size = 0
			m.nullRegion.offset = currentRegion.offset + size
			m.nullRegion.prevPhysical = currentRegion
			m.nullRegion.nextPhysical = nil
			m.nullRegion.MarkFree()
			currentRegion.nextPhysical = m.nullRegion
		}
		currentRegion.MarkTaken()
	} else if currentRegion.size < size {
		return errors.New("allocation request targets a region that is too small for the request")
	} else {
		// Split the remainder off into a new free region
		newRegion := m.allocateRegion()
		newRegion.size = currentRegion.size - size
		newRegion.offset = currentRegion.offset + size
		newRegion.prevPhysical = currentRegion
		newRegion.nextPhysical = currentRegion.nextPhysical
		currentRegion.nextPhysical = newRegion
		currentRegion.size = size

		if currentRegion == m.nullRegion {
			m.nullRegion = newRegion
			m.nullRegion.MarkFree()
		} else {
			newRegion.nextPhysical.prevPhysical = newRegion
			newRegion.MarkTaken()
			m.insertFreeRegion(newRegion)
		}
		currentRegion.MarkTaken()
	}

	currentRegion.userData = userData

	if memutils.DebugMargin > 0 {
		currentRegion.size -= memutils.DebugMargin
		newRegion := m.allocateRegion()
		newRegion.size = memutils.DebugMargin
		newRegion.offset = currentRegion.offset + currentRegion.size
		newRegion.prevPhysical = currentRegion
		newRegion.nextPhysical = currentRegion.nextPhysical
		newRegion.MarkTaken()
		currentRegion.nextPhysical.prevPhysical = newRegion
		currentRegion.nextPhysical = newRegion
		m.insertFreeRegion(newRegion)
	}

	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) TryExtend(allocHandle BlockAllocationHandle, newSize int) (bool, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return false, err
	}
	if region.IsFree() {
		return false, errors.New("cannot extend a free region")
	}
	if newSize < region.size {
		return false, errors.Errorf("cannot extend a region of %d bytes to %d bytes", region.size, newSize)
	}
	if newSize == region.size {
		return true, nil
	}

	// Guard margins sit directly after every allocation, so there is never a free neighbor
	if memutils.DebugMargin > 0 {
		return false, nil
	}

	next := region.nextPhysical
	needed := newSize - region.size
	if next == nil || !next.IsFree() || next.size < needed {
		return false, nil
	}

	if next == m.nullRegion {
		next.offset += needed
		next.size -= needed
		region.size = newSize
		return true, nil
	}

	m.removeFreeRegion(next)
	region.size = newSize

	if next.size == needed {
		// next is not the null region, so something always follows it
		region.nextPhysical = next.nextPhysical
		region.nextPhysical.prevPhysical = region
		m.freeRegion(next)
	} else {
		next.offset += needed
		next.size -= needed
		m.insertFreeRegion(next)
	}

	memutils.DebugValidate(m)
	return true, nil
}

func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return err
	}
	if region.IsFree() {
		return errors.New("region is already free")
	}

	next := region.nextPhysical
	m.allocCount--
	region.userData = nil

	if memutils.DebugMargin > 0 {
		m.removeFreeRegion(next)
		m.mergeRegion(next, region)

		region = next
		next = next.nextPhysical
	}

	// Try merging with the lower neighbor
	prev := region.prevPhysical
	if prev != nil && prev.IsFree() && prev.size != memutils.DebugMargin {
		m.removeFreeRegion(prev)
		m.mergeRegion(region, prev)
	}

	if !next.IsFree() {
		m.insertFreeRegion(region)
	} else if next == m.nullRegion {
		m.mergeRegion(m.nullRegion, region)
	} else {
		m.removeFreeRegion(next)
		m.mergeRegion(next, region)

		m.insertFreeRegion(next)
	}

	return nil
}

func (m *TLSFBlockMetadata) removeFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot remove the null region")
	}
	if !region.IsFree() {
		panic("provided region is not free")
	}

	if region.nextFree != nil {
		region.nextFree.prevFree = region.prevFree
	}
	if region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
	} else {
		memClass := m.sizeToMemoryClass(region.size)
		secondIndex := m.sizeToSecondIndex(region.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != region {
			panic("region was not in the free list at the expected location")
		}
		m.freeList[index] = region.nextFree
		if region.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(1 << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(1 << memClass)
			}
		}
	}

	region.MarkTaken()
	region.nextFree = nil
	region.userData = nil
	m.regionsFreeCount--
	m.regionsFreeSize -= region.size
}

func (m *TLSFBlockMetadata) insertFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot insert the null region")
	}

	if region.IsFree() {
		panic("region is already free")
	}

	memClass := m.sizeToMemoryClass(region.size)
	secondIndex := m.sizeToSecondIndex(region.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for region")
	}

	region.prevFree = nil
	region.nextFree = m.freeList[index]
	m.freeList[index] = region
	if region.nextFree != nil {
		region.nextFree.prevFree = region
	} else {
		m.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memClass
	}
	m.regionsFreeCount++
	m.regionsFreeSize += region.size
}

// mergeRegion folds prev, the physical predecessor of region, into region
func (m *TLSFBlockMetadata) mergeRegion(region *tlsfRegion, prev *tlsfRegion) {
	if region.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a region that belongs to the free list")
	}

	region.offset = prev.offset
	region.size += prev.size
	region.prevPhysical = prev.prevPhysical
	if region.prevPhysical != nil {
		region.prevPhysical.nextPhysical = region
	} else {
		m.tailRegion = region
	}

	m.freeRegion(prev)
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, region Suballocation, free bool) error) error {
	for region := m.tailRegion; region != nil; region = region.nextPhysical {
		if region == m.nullRegion && region.size == 0 {
			continue
		}

		err := handleRegion(region.handle, Suballocation{
			Offset:   region.offset,
			Size:     region.size,
			UserData: region.userData,
		}, region.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	if m.allocCount == 0 {
		return NoAllocation, nil
	}

	for region := m.tailRegion; region != nil; region = region.nextPhysical {
		if !region.IsFree() {
			return region.handle, nil
		}
	}

	return NoAllocation, errors.New("the metadata has an allocation but none could be found in the physical regions")
}

func (m *TLSFBlockMetadata) FindNextAllocation(alloc BlockAllocationHandle) (BlockAllocationHandle, error) {
	startRegion, err := m.getRegion(alloc)
	if err != nil {
		return NoAllocation, err
	}
	if startRegion.IsFree() {
		return NoAllocation, errors.New("provided region cannot be free")
	}

	for region := startRegion.nextPhysical; region != nil; region = region.nextPhysical {
		if !region.IsFree() {
			return region.handle, nil
		}
	}

	return NoAllocation, nil
}

func (m *TLSFBlockMetadata) Clear() {
	m.allocCount = 0
	m.regionsFreeCount = 0
	m.regionsFreeSize = 0
	m.isFreeBitmap = 0
	m.nullRegion.offset = 0
	m.nullRegion.size = m.size
	region := m.nullRegion.prevPhysical
	m.nullRegion.prevPhysical = nil
	m.tailRegion = m.nullRegion

	for region != nil {
		prev := region.prevPhysical
		m.freeRegion(region)
		region = prev
	}

	m.freeList = make([]*tlsfRegion, len(m.freeList))
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

func (m *TLSFBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return 0, err
	}

	return region.offset, nil
}

func (m *TLSFBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return 0, err
	}

	if region.IsFree() {
		return 0, errors.New("size cannot be retrieved for a free region")
	}

	return region.size, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return nil, err
	}

	if region.IsFree() {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return region.userData, nil
}

func (m *TLSFBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return err
	}

	if region.IsFree() {
		return errors.New("user data cannot be set for a free region")
	}

	region.userData = userData
	return nil
}
