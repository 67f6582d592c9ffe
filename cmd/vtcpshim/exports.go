//go:build linux && cgo

package main

/*
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The entry points in entry.c carry the C library's names and prototypes and
// call these with an errno out parameter; err is written only on failure.

func ret(r int, errno unix.Errno) (C.long, unix.Errno) {
	return C.long(r), errno
}

func out(r C.long, errno unix.Errno, err *C.int) C.long {
	if errno != 0 {
		*err = C.int(errno)
	}
	return r
}

func lenp(p *C.uint) *uint32 {
	return (*uint32)(unsafe.Pointer(p))
}

//export vs_socket
func vs_socket(domain, typ, protocol C.int, err *C.int) C.long {
	r, errno := ret(current().Socket(int(domain), int(typ), int(protocol)))
	return out(r, errno, err)
}

//export vs_bind
func vs_bind(fd C.int, addr unsafe.Pointer, addrlen C.uint, err *C.int) C.long {
	r, errno := ret(current().Bind(int(fd), addr, uint32(addrlen)))
	return out(r, errno, err)
}

//export vs_listen
func vs_listen(fd, backlog C.int, err *C.int) C.long {
	r, errno := ret(current().Listen(int(fd), int(backlog)))
	return out(r, errno, err)
}

//export vs_connect
func vs_connect(fd C.int, addr unsafe.Pointer, addrlen C.uint, err *C.int) C.long {
	r, errno := ret(current().Connect(int(fd), addr, uint32(addrlen)))
	return out(r, errno, err)
}

//export vs_accept
func vs_accept(fd C.int, addr unsafe.Pointer, addrlen *C.uint, err *C.int) C.long {
	r, errno := ret(current().Accept(int(fd), addr, lenp(addrlen)))
	return out(r, errno, err)
}

//export vs_accept4
func vs_accept4(fd C.int, addr unsafe.Pointer, addrlen *C.uint, flags C.int, err *C.int) C.long {
	r, errno := ret(current().Accept4(int(fd), addr, lenp(addrlen), int(flags)))
	return out(r, errno, err)
}

//export vs_send
func vs_send(fd C.int, buf unsafe.Pointer, n C.size_t, flags C.int, err *C.int) C.long {
	r, errno := ret(current().Send(int(fd), buf, uint(n), int(flags)))
	return out(r, errno, err)
}

//export vs_recv
func vs_recv(fd C.int, buf unsafe.Pointer, n C.size_t, flags C.int, err *C.int) C.long {
	r, errno := ret(current().Recv(int(fd), buf, uint(n), int(flags)))
	return out(r, errno, err)
}

//export vs_sendto
func vs_sendto(fd C.int, buf unsafe.Pointer, n C.size_t, flags C.int, addr unsafe.Pointer, addrlen C.uint, err *C.int) C.long {
	r, errno := ret(current().Sendto(int(fd), buf, uint(n), int(flags), addr, uint32(addrlen)))
	return out(r, errno, err)
}

//export vs_recvfrom
func vs_recvfrom(fd C.int, buf unsafe.Pointer, n C.size_t, flags C.int, addr unsafe.Pointer, addrlen *C.uint, err *C.int) C.long {
	r, errno := ret(current().Recvfrom(int(fd), buf, uint(n), int(flags), addr, lenp(addrlen)))
	return out(r, errno, err)
}

//export vs_sendmsg
func vs_sendmsg(fd C.int, msg unsafe.Pointer, flags C.int, err *C.int) C.long {
	r, errno := ret(current().Sendmsg(int(fd), (*unix.Msghdr)(msg), int(flags)))
	return out(r, errno, err)
}

//export vs_recvmsg
func vs_recvmsg(fd C.int, msg unsafe.Pointer, flags C.int, err *C.int) C.long {
	r, errno := ret(current().Recvmsg(int(fd), (*unix.Msghdr)(msg), int(flags)))
	return out(r, errno, err)
}

//export vs_read
func vs_read(fd C.int, buf unsafe.Pointer, n C.size_t, err *C.int) C.long {
	r, errno := ret(current().Read(int(fd), buf, uint(n)))
	return out(r, errno, err)
}

//export vs_write
func vs_write(fd C.int, buf unsafe.Pointer, n C.size_t, err *C.int) C.long {
	r, errno := ret(current().Write(int(fd), buf, uint(n)))
	return out(r, errno, err)
}

//export vs_close
func vs_close(fd C.int, err *C.int) C.long {
	r, errno := ret(current().Close(int(fd)))
	return out(r, errno, err)
}

//export vs_getsockopt
func vs_getsockopt(fd, level, name C.int, val unsafe.Pointer, vallen *C.uint, err *C.int) C.long {
	r, errno := ret(current().Getsockopt(int(fd), int(level), int(name), val, lenp(vallen)))
	return out(r, errno, err)
}

//export vs_setsockopt
func vs_setsockopt(fd, level, name C.int, val unsafe.Pointer, vallen C.uint, err *C.int) C.long {
	r, errno := ret(current().Setsockopt(int(fd), int(level), int(name), val, uint32(vallen)))
	return out(r, errno, err)
}

//export vs_getsockname
func vs_getsockname(fd C.int, addr unsafe.Pointer, addrlen *C.uint, err *C.int) C.long {
	r, errno := ret(current().Getsockname(int(fd), addr, lenp(addrlen)))
	return out(r, errno, err)
}

//export vs_getpeername
func vs_getpeername(fd C.int, addr unsafe.Pointer, addrlen *C.uint, err *C.int) C.long {
	r, errno := ret(current().Getpeername(int(fd), addr, lenp(addrlen)))
	return out(r, errno, err)
}

//export vs_shutdown
func vs_shutdown(fd, how C.int, err *C.int) C.long {
	r, errno := ret(current().Shutdown(int(fd), int(how)))
	return out(r, errno, err)
}

//export vs_fcntl
func vs_fcntl(fd, cmd C.int, arg C.ulong, err *C.int) C.long {
	r, errno := ret(current().Fcntl(int(fd), int(cmd), uintptr(arg)))
	return out(r, errno, err)
}

//export vs_poll
func vs_poll(fds unsafe.Pointer, nfds C.ulong, timeout C.int, err *C.int) C.long {
	r, errno := ret(current().Poll(fds, uint64(nfds), int(timeout)))
	return out(r, errno, err)
}

//export vs_select
func vs_select(nfds C.int, rd, wr, ex, tv unsafe.Pointer, err *C.int) C.long {
	r, errno := ret(current().Select(int(nfds), (*unix.FdSet)(rd), (*unix.FdSet)(wr), (*unix.FdSet)(ex), (*unix.Timeval)(tv)))
	return out(r, errno, err)
}

//export vs_epoll_create
func vs_epoll_create(size C.int, err *C.int) C.long {
	r, errno := ret(current().EpollCreate(int(size)))
	return out(r, errno, err)
}

//export vs_epoll_create1
func vs_epoll_create1(flags C.int, err *C.int) C.long {
	r, errno := ret(current().EpollCreate1(int(flags)))
	return out(r, errno, err)
}

//export vs_epoll_ctl
func vs_epoll_ctl(epfd, op, fd C.int, event unsafe.Pointer, err *C.int) C.long {
	r, errno := ret(current().EpollCtl(int(epfd), int(op), int(fd), (*unix.EpollEvent)(event)))
	return out(r, errno, err)
}

//export vs_epoll_wait
func vs_epoll_wait(epfd C.int, events unsafe.Pointer, maxevents, timeout C.int, err *C.int) C.long {
	r, errno := ret(current().EpollWait(int(epfd), (*unix.EpollEvent)(events), int(maxevents), int(timeout)))
	return out(r, errno, err)
}
