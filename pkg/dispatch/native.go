//go:build linux

package dispatch

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"vtcp/pkg/resolve"
)

// Native performs the kernel version of an intercepted call. Arguments are
// passed exactly as the application supplied them and the result is the raw
// return value with the errno the call left behind.
type Native interface {
	Call(sym resolve.Symbol, args ...uintptr) (uintptr, unix.Errno)
}

// SyscallNative implements Native with direct system calls. It serves
// processes that link the dispatcher without interposition, and tests.
type SyscallNative struct{}

func (SyscallNative) Call(sym resolve.Symbol, args ...uintptr) (uintptr, unix.Errno) {
	var a [6]uintptr
	copy(a[:], args)
	switch sym {
	case resolve.Socket:
		return syscall6(unix.SYS_SOCKET, a)
	case resolve.Bind:
		return syscall6(unix.SYS_BIND, a)
	case resolve.Listen:
		return syscall6(unix.SYS_LISTEN, a)
	case resolve.Connect:
		return syscall6(unix.SYS_CONNECT, a)
	case resolve.Accept:
		a[3] = 0
		return syscall6(unix.SYS_ACCEPT4, a)
	case resolve.Accept4:
		return syscall6(unix.SYS_ACCEPT4, a)
	case resolve.Send:
		// send(fd, buf, len, flags) is sendto without an address
		a[4], a[5] = 0, 0
		return syscall6(unix.SYS_SENDTO, a)
	case resolve.Recv:
		a[4], a[5] = 0, 0
		return syscall6(unix.SYS_RECVFROM, a)
	case resolve.Sendto:
		return syscall6(unix.SYS_SENDTO, a)
	case resolve.Recvfrom:
		return syscall6(unix.SYS_RECVFROM, a)
	case resolve.Sendmsg:
		return syscall6(unix.SYS_SENDMSG, a)
	case resolve.Recvmsg:
		return syscall6(unix.SYS_RECVMSG, a)
	case resolve.Read:
		return syscall6(unix.SYS_READ, a)
	case resolve.Write:
		return syscall6(unix.SYS_WRITE, a)
	case resolve.Close:
		return syscall6(unix.SYS_CLOSE, a)
	case resolve.Getsockopt:
		return syscall6(unix.SYS_GETSOCKOPT, a)
	case resolve.Setsockopt:
		return syscall6(unix.SYS_SETSOCKOPT, a)
	case resolve.Getsockname:
		return syscall6(unix.SYS_GETSOCKNAME, a)
	case resolve.Getpeername:
		return syscall6(unix.SYS_GETPEERNAME, a)
	case resolve.Shutdown:
		return syscall6(unix.SYS_SHUTDOWN, a)
	case resolve.Fcntl:
		return syscall6(unix.SYS_FCNTL, a)
	case resolve.Poll:
		// poll(fds, nfds, ms) as ppoll with a relative timespec
		var ts *unix.Timespec
		if ms := int(a[2]); ms >= 0 {
			t := unix.NsecToTimespec(int64(ms) * 1e6)
			ts = &t
		}
		r, _, errno := unix.Syscall6(unix.SYS_PPOLL, a[0], a[1], uintptr(unsafe.Pointer(ts)), 0, 0, 0)
		return result(r, errno)
	case resolve.Select:
		// The timeval must be read and written back; see Select.
		return ^uintptr(0), unix.ENOSYS
	case resolve.EpollCreate:
		if int(a[0]) <= 0 {
			return ^uintptr(0), unix.EINVAL
		}
		a[0] = 0
		return syscall6(unix.SYS_EPOLL_CREATE1, a)
	case resolve.EpollCreate1:
		return syscall6(unix.SYS_EPOLL_CREATE1, a)
	case resolve.EpollCtl:
		return syscall6(unix.SYS_EPOLL_CTL, a)
	case resolve.EpollWait:
		a[4], a[5] = 0, 0
		return syscall6(unix.SYS_EPOLL_PWAIT, a)
	}
	return ^uintptr(0), unix.ENOSYS
}

// Select runs select(2) as pselect6, converting the timeval and writing
// the remaining time back.
func (SyscallNative) Select(nfds int, r, w, e *unix.FdSet, tv *unix.Timeval) (int, unix.Errno) {
	var ts *unix.Timespec
	if tv != nil {
		t := unix.NsecToTimespec(tv.Nano())
		ts = &t
	}
	n, _, errno := unix.Syscall6(unix.SYS_PSELECT6, uintptr(nfds), uintptr(unsafe.Pointer(r)), uintptr(unsafe.Pointer(w)),
		uintptr(unsafe.Pointer(e)), uintptr(unsafe.Pointer(ts)), 0)
	if tv != nil {
		*tv = unix.NsecToTimeval(ts.Nano())
	}
	if errno != 0 {
		return -1, errno
	}
	return int(n), 0
}

func syscall6(trap uintptr, a [6]uintptr) (uintptr, unix.Errno) {
	r, _, errno := unix.Syscall6(trap, a[0], a[1], a[2], a[3], a[4], a[5])
	return result(r, errno)
}

func result(r uintptr, errno unix.Errno) (uintptr, unix.Errno) {
	if errno != 0 {
		return ^uintptr(0), errno
	}
	return r, 0
}
