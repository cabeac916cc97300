package alloc

import (
	"reflect"
	"unsafe"

	"github.com/vkngwrapper/thinvec/layout"
	"github.com/vkngwrapper/thinvec/memutils"
)

// Heap is the default allocator. It places blocks in memory owned by the Go garbage collector, so
// Deallocate only has to drop the reference and the collector reclaims the block later.
//
// Blocks for element types that contain pointers are allocated as a typed struct holding the header
// words followed by an array of elements, so the collector traces every slot. Blocks for pointer-free
// element types are plain byte buffers, which lets Heap honor any declared element alignment.
// Pointer-bearing element types cannot declare an alignment larger than Go's own alignment for them.
type Heap struct{}

var _ Allocator = Heap{}

func (Heap) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	if l.Pointers {
		blockType, err := typedBlockType(l)
		if err != nil {
			return nil, err
		}
		return reflect.New(blockType).UnsafePointer(), nil
	}

	return allocateRaw(l), nil
}

func (Heap) Deallocate(block unsafe.Pointer, l layout.Layout) {}

func (h Heap) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	if newLayout.Size < oldLayout.Size {
		return nil, allocationFailure(ErrUnsupportedLayout, "cannot shrink %s to %s", oldLayout, newLayout)
	}

	if !newLayout.Pointers {
		newBlock := allocateRaw(newLayout)
		copy(bytesOf(newBlock, oldLayout.Size), bytesOf(block, oldLayout.Size))
		return newBlock, nil
	}

	oldType, err := typedBlockType(oldLayout)
	if err != nil {
		return nil, err
	}
	newType, err := typedBlockType(newLayout)
	if err != nil {
		return nil, err
	}

	// Copy through reflect so the collector's write barriers see every pointer that moves
	oldBlock := reflect.NewAt(oldType, block).Elem()
	newBlock := reflect.New(newType)
	newBlock.Elem().Field(0).Set(oldBlock.Field(0))
	reflect.Copy(newBlock.Elem().Field(1), oldBlock.Field(1))

	return newBlock.UnsafePointer(), nil
}

var headerType = reflect.TypeOf([2]uintptr{})

func typedBlockType(l layout.Layout) (reflect.Type, error) {
	if l.Element == nil {
		return nil, unsupportedLayout(l, "pointer-bearing blocks need an element type")
	}

	blockType := reflect.StructOf([]reflect.StructField{
		{Name: "Header", Type: headerType},
		{Name: "Slots", Type: reflect.ArrayOf(l.Capacity, l.Element)},
	})

	if blockType.Field(1).Offset != uintptr(l.ElementOffset) || uint(blockType.Align()) < l.Align {
		return nil, unsupportedLayout(l, "element alignment is stricter than the garbage-collected heap provides")
	}

	return blockType, nil
}

// allocateRaw returns a zeroed byte buffer aligned to l.Align. The returned pointer may point into
// the middle of the buffer, which keeps the whole buffer alive.
func allocateRaw(l layout.Layout) unsafe.Pointer {
	padding := 0
	if l.Align > memutils.WordAlign {
		padding = int(l.Align) - 1
	}

	buffer := make([]byte, l.Size+padding)
	base := unsafe.Pointer(unsafe.SliceData(buffer))
	offset := memutils.AlignUp(int(uintptr(base)), l.Align) - int(uintptr(base))

	return unsafe.Add(base, offset)
}
