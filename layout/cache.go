package layout

import (
	"reflect"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinvec/memutils"
)

type typeInfo struct {
	typ      reflect.Type
	size     int
	align    uint
	offset   int
	pointers bool
}

var typeCache sync.Map // reflect.Type -> typeInfo

func infoFor[T any]() (typeInfo, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if cached, ok := typeCache.Load(typ); ok {
		return cached.(typeInfo), nil
	}

	var zero T
	align := uint(unsafe.Alignof(zero))

	if aligned, ok := any(zero).(Aligned); ok {
		declared := aligned.Alignment()
		if err := memutils.CheckPow2(declared, typ.String()+" alignment"); err != nil {
			return typeInfo{}, cerrors.Mark(err, ErrInvalidAlignment)
		}
		align = max(align, uint(declared))
	}

	info := typeInfo{
		typ:      typ,
		size:     int(unsafe.Sizeof(zero)),
		align:    align,
		offset:   memutils.AlignUp(HeaderSize, align),
		pointers: HasPointers(typ),
	}

	typeCache.Store(typ, info)
	return info, nil
}

func mustInfoFor[T any]() typeInfo {
	info, err := infoFor[T]()
	if err != nil {
		panic(err)
	}
	return info
}

// HasPointers reports whether values of typ contain anything the garbage collector must trace
func HasPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typ.Len() > 0 && HasPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if HasPointers(typ.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		// Pointer, UnsafePointer, String, Slice, Map, Chan, Func, Interface
		return true
	}
}
