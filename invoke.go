package kload

import (
	"runtime"
	"unsafe"
)

// Invoker calls loaded code. Both calls block until the callee returns.
type Invoker interface {
	// CallMain calls an executable entry as func(argc int32, argv **byte).
	CallMain(entry uintptr, argv []string) error
	// CallInit calls a module entry as func().
	CallInit(entry uintptr) error
}

// NativeInvoker jumps to the entry on the calling goroutine.
//
// This is the only place a raw address becomes a callable value. The callee must follow
// the Go internal ABI of the declared signature.
type NativeInvoker struct{}

func (NativeInvoker) CallMain(entry uintptr, argv []string) error {
	if entry == 0 {
		return ErrInvalidEntry
	}
	bufs := make([][]byte, len(argv))
	ptrs := make([]*byte, len(argv)+1)
	for i, a := range argv {
		bufs[i] = append([]byte(a), 0)
		ptrs[i] = &bufs[i][0]
	}
	as[func(int32, **byte)](entry)(int32(len(argv)), &ptrs[0])
	runtime.KeepAlive(bufs)
	runtime.KeepAlive(ptrs)
	return nil
}

func (NativeInvoker) CallInit(entry uintptr) error {
	if entry == 0 {
		return ErrInvalidEntry
	}
	as[func()](entry)()
	return nil
}

// as builds a func value of type T whose code pointer is entry: a func value points at a
// word holding the code address.
func as[T any](entry uintptr) T {
	code := entry
	closure := unsafe.Pointer(&code)
	return *(*T)(unsafe.Pointer(&closure))
}
