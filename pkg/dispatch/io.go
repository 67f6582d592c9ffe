//go:build linux

package dispatch

import (
	"context"
	"unsafe"

	"golang.org/x/sys/unix"

	"vtcp/pkg/resolve"
	"vtcp/pkg/socket"
)

func ioFlags(flags int) (socket.IOFlags, unix.Errno) {
	if flags&unix.MSG_OOB != 0 {
		return socket.IOFlags{}, unix.EOPNOTSUPP
	}
	// MSG_NOSIGNAL and MSG_MORE need no action: virtual sockets never raise
	// SIGPIPE and every send is pushed at once.
	return socket.IOFlags{
		DontWait: flags&unix.MSG_DONTWAIT != 0,
		Peek:     flags&unix.MSG_PEEK != 0,
		WaitAll:  flags&unix.MSG_WAITALL != 0,
	}, 0
}

func (d *Dispatcher) send(s *socket.VirtualSocket, buf unsafe.Pointer, n uint, flags int) (int, unix.Errno) {
	f, errno := ioFlags(flags)
	if errno != 0 {
		return -1, errno
	}
	if buf == nil && n > 0 {
		return -1, unix.EFAULT
	}
	var data []byte
	if n > 0 {
		data = unsafe.Slice((*byte)(buf), n)
	}
	sent, err := s.Send(context.Background(), data, f)
	if err != nil {
		return d.drained(s, epollOut, err)
	}
	return sent, 0
}

func (d *Dispatcher) recv(s *socket.VirtualSocket, buf unsafe.Pointer, n uint, flags int) (int, unix.Errno) {
	f, errno := ioFlags(flags)
	if errno != 0 {
		return -1, errno
	}
	if buf == nil && n > 0 {
		return -1, unix.EFAULT
	}
	data, err := s.Recv(context.Background(), int(n), f)
	if err != nil {
		return d.drained(s, epollIn, err)
	}
	if len(data) > 0 {
		copy(unsafe.Slice((*byte)(buf), n), data)
	}
	return len(data), 0
}

func (d *Dispatcher) Send(fd int, buf unsafe.Pointer, n uint, flags int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Send, uintptr(fd), uintptr(buf), uintptr(n), uintptr(flags))
	}
	return d.send(s, buf, n, flags)
}

func (d *Dispatcher) Recv(fd int, buf unsafe.Pointer, n uint, flags int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Recv, uintptr(fd), uintptr(buf), uintptr(n), uintptr(flags))
	}
	return d.recv(s, buf, n, flags)
}

// Sendto on a virtual socket ignores the destination, as Linux does for a
// connected stream socket.
func (d *Dispatcher) Sendto(fd int, buf unsafe.Pointer, n uint, flags int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Sendto, uintptr(fd), uintptr(buf), uintptr(n), uintptr(flags), uintptr(addr), uintptr(addrlen))
	}
	return d.send(s, buf, n, flags)
}

// Recvfrom on a virtual socket reports no source address: *addrlen is set
// to zero, as for a kernel TCP socket.
func (d *Dispatcher) Recvfrom(fd int, buf unsafe.Pointer, n uint, flags int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Recvfrom, uintptr(fd), uintptr(buf), uintptr(n), uintptr(flags), uintptr(addr), uintptr(unsafe.Pointer(addrlen)))
	}
	r, errno := d.recv(s, buf, n, flags)
	if errno == 0 && addrlen != nil {
		*addrlen = 0
	}
	return r, errno
}

func (d *Dispatcher) Read(fd int, buf unsafe.Pointer, n uint) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Read, uintptr(fd), uintptr(buf), uintptr(n))
	}
	return d.recv(s, buf, n, 0)
}

func (d *Dispatcher) Write(fd int, buf unsafe.Pointer, n uint) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Write, uintptr(fd), uintptr(buf), uintptr(n))
	}
	return d.send(s, buf, n, 0)
}

func iovecs(msg *unix.Msghdr) []unix.Iovec {
	if msg.Iov == nil || msg.Iovlen == 0 {
		return nil
	}
	return unsafe.Slice(msg.Iov, msg.Iovlen)
}

// Sendmsg gathers the iovecs into one send. Ancillary data is ignored.
func (d *Dispatcher) Sendmsg(fd int, msg *unix.Msghdr, flags int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Sendmsg, uintptr(fd), uintptr(unsafe.Pointer(msg)), uintptr(flags))
	}
	if msg == nil {
		return -1, unix.EFAULT
	}
	iov := iovecs(msg)
	if len(iov) == 1 {
		return d.send(s, unsafe.Pointer(iov[0].Base), uint(iov[0].Len), flags)
	}
	var buf []byte
	for _, v := range iov {
		if v.Len > 0 {
			buf = append(buf, unsafe.Slice(v.Base, v.Len)...)
		}
	}
	if len(buf) == 0 {
		return d.send(s, nil, 0, flags)
	}
	return d.send(s, unsafe.Pointer(&buf[0]), uint(len(buf)), flags)
}

// Recvmsg scatters one receive over the iovecs. No address or ancillary data
// is returned.
func (d *Dispatcher) Recvmsg(fd int, msg *unix.Msghdr, flags int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Recvmsg, uintptr(fd), uintptr(unsafe.Pointer(msg)), uintptr(flags))
	}
	if msg == nil {
		return -1, unix.EFAULT
	}
	iov := iovecs(msg)
	var total uint
	for _, v := range iov {
		total += uint(v.Len)
	}
	f, errno := ioFlags(flags)
	if errno != 0 {
		return -1, errno
	}
	data, err := s.Recv(context.Background(), int(total), f)
	if err != nil {
		return d.drained(s, epollIn, err)
	}
	n := len(data)
	for _, v := range iov {
		if len(data) == 0 {
			break
		}
		if v.Len > 0 {
			data = data[copy(unsafe.Slice(v.Base, v.Len), data):]
		}
	}
	msg.Namelen = 0
	msg.Controllen = 0
	msg.Flags = 0
	return n, 0
}
