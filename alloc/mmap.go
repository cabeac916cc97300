package alloc

import (
	"os"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/thinvec/layout"
	"github.com/vkngwrapper/thinvec/memutils"
)

var pageSize = os.Getpagesize()

// mappedRegion is one mapping spanning whole pages. data must stay exactly as it was mapped for
// Unmap to find the mapping, and size is the part of it the block currently uses.
type mappedRegion struct {
	data mmap.MMap
	size int
}

// Mmap places every block in its own anonymous memory mapping, outside of the Go heap. Blocks are
// page aligned, and a block grows in place while it still fits in the pages it was mapped with.
//
// The garbage collector does not scan mapped memory, so Mmap rejects layouts whose element type
// contains pointers.
type Mmap struct {
	mutex   sync.Mutex
	regions *swiss.Map[uintptr, mappedRegion]
}

var _ Allocator = &Mmap{}

func NewMmap() *Mmap {
	return &Mmap{
		regions: swiss.NewMap[uintptr, mappedRegion](16),
	}
}

func (m *Mmap) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	if err := m.checkLayout(l); err != nil {
		return nil, err
	}

	region, err := mapRegion(l.Size)
	if err != nil {
		return nil, err
	}

	block := unsafe.Pointer(unsafe.SliceData(region.data))

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.regions.Put(uintptr(block), region)
	return block, nil
}

func (m *Mmap) Deallocate(block unsafe.Pointer, l layout.Layout) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	region, ok := m.regions.Get(uintptr(block))
	if !ok {
		panic(errors.Errorf("attempted to deallocate block %p, which was not mapped by this allocator", block))
	}

	m.regions.Delete(uintptr(block))
	if err := region.data.Unmap(); err != nil {
		panic(errors.Wrapf(err, "failed to unmap block %p", block))
	}
}

func (m *Mmap) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	if err := m.checkLayout(newLayout); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	region, ok := m.regions.Get(uintptr(block))
	if !ok {
		return nil, allocationFailure(ErrUnsupportedLayout, "block %p was not mapped by this allocator", block)
	}

	if newLayout.Size <= len(region.data) {
		// Bytes past the old size were never handed out, so they are still zero
		region.size = newLayout.Size
		m.regions.Put(uintptr(block), region)
		return block, nil
	}

	newRegion, err := mapRegion(newLayout.Size)
	if err != nil {
		return nil, err
	}

	copy(newRegion.data, region.data[:min(oldLayout.Size, region.size)])
	if err := region.data.Unmap(); err != nil {
		_ = newRegion.data.Unmap()
		return nil, allocationFailure(err, "failed to unmap block %p while growing it", block)
	}

	newBlock := unsafe.Pointer(unsafe.SliceData(newRegion.data))
	m.regions.Delete(uintptr(block))
	m.regions.Put(uintptr(newBlock), newRegion)
	return newBlock, nil
}

// MappedBytes returns the total number of bytes reserved by live mappings
func (m *Mmap) MappedBytes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var total int
	m.regions.Iter(func(_ uintptr, region mappedRegion) bool {
		total += len(region.data)
		return false
	})
	return total
}

func (m *Mmap) checkLayout(l layout.Layout) error {
	if l.Pointers {
		return unsupportedLayout(l, "mapped memory is not scanned by the garbage collector")
	}
	if int(l.Align) > pageSize {
		return unsupportedLayout(l, "alignment exceeds the page size")
	}
	return nil
}

func mapRegion(size int) (mappedRegion, error) {
	reserved := memutils.AlignUp(size, uint(pageSize))
	data, err := mmap.MapRegion(nil, reserved, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return mappedRegion{}, allocationFailure(err, "failed to map %d bytes", reserved)
	}

	return mappedRegion{data: data, size: size}, nil
}
