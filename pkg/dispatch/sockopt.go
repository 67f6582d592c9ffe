//go:build linux

package dispatch

import (
	"encoding/binary"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"vtcp/pkg/resolve"
	"vtcp/pkg/socket"
)

func intOpt(v int32) []byte {
	return binary.NativeEndian.AppendUint32(nil, uint32(v))
}

func timevalOpt(d time.Duration) []byte {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(&tv)), unsafe.Sizeof(tv))...)
}

func boolOpt(b bool) []byte {
	if b {
		return intOpt(1)
	}
	return intOpt(0)
}

// Getsockopt answers SO_ERROR, the socket identity options and the timeouts
// from the virtual socket; any other option reads back what was set, or zero.
func (d *Dispatcher) Getsockopt(fd, level, name int, val unsafe.Pointer, vallen *uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Getsockopt, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), uintptr(unsafe.Pointer(vallen)))
	}
	if val == nil || vallen == nil {
		return -1, unix.EFAULT
	}
	var out []byte
	switch {
	case level == unix.SOL_SOCKET && name == unix.SO_ERROR:
		out = intOpt(int32(s.TakeError()))
	case level == unix.SOL_SOCKET && name == unix.SO_TYPE:
		out = intOpt(unix.SOCK_STREAM)
	case level == unix.SOL_SOCKET && name == unix.SO_DOMAIN:
		out = intOpt(unix.AF_INET)
	case level == unix.SOL_SOCKET && name == unix.SO_PROTOCOL:
		out = intOpt(unix.IPPROTO_TCP)
	case level == unix.SOL_SOCKET && name == unix.SO_ACCEPTCONN:
		out = boolOpt(s.State() == socket.Listening)
	case level == unix.SOL_SOCKET && name == unix.SO_RCVTIMEO:
		out = timevalOpt(s.Timeout(true))
	case level == unix.SOL_SOCKET && name == unix.SO_SNDTIMEO:
		out = timevalOpt(s.Timeout(false))
	default:
		if v, ok := s.Option(level, name); ok {
			out = v
		} else {
			out = intOpt(0)
		}
	}
	n := min(int(*vallen), len(out))
	copy(unsafe.Slice((*byte)(val), n), out)
	*vallen = uint32(n)
	return 0, 0
}

func (d *Dispatcher) Setsockopt(fd, level, name int, val unsafe.Pointer, vallen uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Setsockopt, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), uintptr(vallen))
	}
	if val == nil && vallen > 0 {
		return -1, unix.EFAULT
	}
	if level == unix.SOL_SOCKET && (name == unix.SO_RCVTIMEO || name == unix.SO_SNDTIMEO) {
		if uintptr(vallen) < unsafe.Sizeof(unix.Timeval{}) {
			return -1, unix.EINVAL
		}
		tv := *(*unix.Timeval)(val)
		if tv.Sec < 0 || tv.Usec < 0 || tv.Usec >= 1e6 {
			return -1, unix.EDOM
		}
		s.SetTimeout(name == unix.SO_RCVTIMEO, time.Duration(tv.Nano()))
		return 0, 0
	}
	if level == unix.SOL_SOCKET && name == unix.SO_ERROR {
		return -1, unix.ENOPROTOOPT
	}
	var v []byte
	if vallen > 0 {
		v = unsafe.Slice((*byte)(val), vallen)
	}
	s.SetOption(level, name, v)
	return 0, 0
}

// Fcntl emulates O_NONBLOCK for virtual sockets. Descriptor flags apply to
// the reserved kernel descriptor; other commands are rejected.
func (d *Dispatcher) Fcntl(fd, cmd int, arg uintptr) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Fcntl, uintptr(fd), uintptr(cmd), arg)
	}
	switch cmd {
	case unix.F_GETFL:
		fl := unix.O_RDWR
		if s.NonBlocking() {
			fl |= unix.O_NONBLOCK
		}
		return fl, 0
	case unix.F_SETFL:
		s.SetNonBlocking(arg&unix.O_NONBLOCK != 0)
		return 0, 0
	case unix.F_GETFD, unix.F_SETFD:
		return d.call(resolve.Fcntl, uintptr(fd), uintptr(cmd), arg)
	}
	return -1, unix.EINVAL
}
