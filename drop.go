package thinvec

import (
	"io"
	"reflect"

	cerrors "github.com/cockroachdb/errors"
)

// Dropper is implemented by element types that hold resources which must be released when the Vec
// holding them is dropped.
//
// Vec.Drop releases an element by calling Drop on it if the element or a pointer to it implements
// Dropper. Otherwise it calls Close if the element or a pointer to it implements io.Closer. Either
// way the slot is then zeroed so the garbage collector can reclaim anything it referenced. Nil
// pointer elements are only zeroed.
type Dropper interface {
	Drop()
}

// dropElements releases each element in order, carrying on past failures, and returns every
// failure combined into one error
func dropElements[T any](elements []T) error {
	var errs error
	for i := range elements {
		if err := dropElement(&elements[i]); err != nil {
			errs = cerrors.CombineErrors(errs, cerrors.Wrapf(err, "element %d", i))
		}
	}

	return errs
}

func dropElement[T any](element *T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}

		var zero T
		*element = zero
	}()

	switch e := any(element).(type) {
	case Dropper:
		e.Drop()
		return nil
	case io.Closer:
		return e.Close()
	}

	value := any(*element)
	if isNil(value) {
		return nil
	}

	switch e := value.(type) {
	case Dropper:
		e.Drop()
	case io.Closer:
		return e.Close()
	}

	return nil
}

func isNil(value any) bool {
	if value == nil {
		return true
	}

	switch v := reflect.ValueOf(value); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return cerrors.Wrap(err, "panic")
	}

	return cerrors.Newf("panic: %v", r)
}
