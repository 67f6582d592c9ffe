//go:build linux && cgo

package main

/*
#cgo LDFLAGS: -ldl
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vtcp/pkg/resolve"
)

// libcNative calls the next definition of each intercepted symbol, normally
// the C library's.
type libcNative struct {
	cache *resolve.Cache
}

func newLibcNative() *libcNative {
	return &libcNative{cache: resolve.NewCache(nextSymbol)}
}

func nextSymbol(name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	p := C.vs_next(cname)
	if p == nil {
		return nil, errors.Errorf("dlsym(RTLD_NEXT, %q): not found", name)
	}
	return p, nil
}

func (n *libcNative) Call(sym resolve.Symbol, args ...uintptr) (uintptr, unix.Errno) {
	p, err := n.cache.Get(sym)
	if err != nil {
		Logger().Error("unresolved symbol", zap.Stringer("symbol", sym), zap.Error(err))
		return ^uintptr(0), unix.ENOSYS
	}
	var a [6]C.long
	for i, v := range args {
		a[i] = C.long(v)
	}
	var (
		r C.long
		e C.int
	)
	switch sym {
	case resolve.Send, resolve.Recv, resolve.Sendto, resolve.Recvfrom,
		resolve.Sendmsg, resolve.Recvmsg, resolve.Read, resolve.Write:
		r = C.vs_call_long(p, a[0], a[1], a[2], a[3], a[4], a[5], &e)
	case resolve.Fcntl:
		r = C.vs_call_fcntl(p, C.int(a[0]), C.int(a[1]), C.ulong(a[2]), &e)
	default:
		r = C.vs_call_int(p, a[0], a[1], a[2], a[3], a[4], a[5], &e)
	}
	return uintptr(r), unix.Errno(e)
}
