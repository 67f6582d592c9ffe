//go:build linux

// Package dispatch routes every intercepted socket call either to the kernel
// or to a virtual socket.
//
// Methods take the C arguments of the libc function they stand in for and
// return the value the function returns together with the errno to leave
// behind. A native descriptor is passed to Native with the caller's arguments
// unchanged, and its result comes back verbatim. The native/virtual decision
// is made once by socket(); later calls only look the descriptor up.
package dispatch

import (
	"context"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vtcp/pkg/classify"
	"vtcp/pkg/config"
	"vtcp/pkg/resolve"
	"vtcp/pkg/sockerr"
	"vtcp/pkg/socket"
)

type Dispatcher struct {
	native Native
	table  *socket.Table
	cfg    config.Config

	epollMu sync.Mutex
	epolls  map[int]*epollSet
}

func New(native Native, table *socket.Table) *Dispatcher {
	return &Dispatcher{
		native: native,
		table:  table,
		cfg:    table.Config(),
		epolls: make(map[int]*epollSet),
	}
}

func (d *Dispatcher) Table() *socket.Table { return d.table }

func (d *Dispatcher) virtual(fd int) (*socket.VirtualSocket, bool) {
	if fd < 0 {
		return nil, false
	}
	return d.table.Lookup(fd)
}

func (d *Dispatcher) call(sym resolve.Symbol, args ...uintptr) (int, unix.Errno) {
	r, errno := d.native.Call(sym, args...)
	return int(r), errno
}

func fail(err error) (int, unix.Errno) {
	return -1, sockerr.Errno(err)
}

func done(err error) (int, unix.Errno) {
	if err != nil {
		return fail(err)
	}
	return 0, 0
}

func (d *Dispatcher) Socket(domain, typ, protocol int) (int, unix.Errno) {
	if classify.Classify(domain, typ, protocol) == classify.Native {
		return d.call(resolve.Socket, uintptr(domain), uintptr(typ), uintptr(protocol))
	}
	_, nonBlock, _ := classify.SplitType(typ)
	s, err := d.table.Create(context.Background(), nonBlock)
	if err != nil {
		Logger().Warn("virtual socket not created", zap.Error(err))
		return fail(err)
	}
	Logger().Debug("virtual socket created", zap.Int("fd", s.FD()), zap.Bool("nonblock", nonBlock))
	return s.FD(), 0
}

func (d *Dispatcher) Bind(fd int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Bind, uintptr(fd), uintptr(addr), uintptr(addrlen))
	}
	ap, errno := readAddr(addr, addrlen)
	if errno != 0 {
		return -1, errno
	}
	return done(s.Bind(context.Background(), ap))
}

func (d *Dispatcher) Listen(fd, backlog int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Listen, uintptr(fd), uintptr(backlog))
	}
	return done(s.Listen(context.Background(), backlog))
}

func (d *Dispatcher) Connect(fd int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Connect, uintptr(fd), uintptr(addr), uintptr(addrlen))
	}
	ap, errno := readAddr(addr, addrlen)
	if errno != 0 {
		return -1, errno
	}
	return done(s.Connect(context.Background(), ap))
}

func (d *Dispatcher) Accept(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Accept, uintptr(fd), uintptr(addr), uintptr(unsafe.Pointer(addrlen)))
	}
	return d.accept(s, addr, addrlen, 0)
}

func (d *Dispatcher) Accept4(fd int, addr unsafe.Pointer, addrlen *uint32, flags int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Accept4, uintptr(fd), uintptr(addr), uintptr(unsafe.Pointer(addrlen)), uintptr(flags))
	}
	return d.accept(s, addr, addrlen, flags)
}

func (d *Dispatcher) accept(l *socket.VirtualSocket, addr unsafe.Pointer, addrlen *uint32, flags int) (int, unix.Errno) {
	if flags&^(unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC) != 0 {
		return -1, unix.EINVAL
	}
	s, err := d.table.Accept(context.Background(), l, flags&unix.SOCK_NONBLOCK != 0)
	if err != nil {
		return d.drained(l, epollIn, err)
	}
	writeAddr(addr, addrlen, s.RemoteAddr())
	Logger().Debug("accepted", zap.Int("listener", l.FD()), zap.Int("fd", s.FD()), zap.Stringer("remote", s.RemoteAddr()))
	return s.FD(), 0
}

func (d *Dispatcher) Getsockname(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Getsockname, uintptr(fd), uintptr(addr), uintptr(unsafe.Pointer(addrlen)))
	}
	if addr == nil || addrlen == nil {
		return -1, unix.EFAULT
	}
	writeAddr(addr, addrlen, s.LocalAddr())
	return 0, 0
}

func (d *Dispatcher) Getpeername(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Getpeername, uintptr(fd), uintptr(addr), uintptr(unsafe.Pointer(addrlen)))
	}
	if s.State() != socket.Connected {
		return -1, unix.ENOTCONN
	}
	if addr == nil || addrlen == nil {
		return -1, unix.EFAULT
	}
	writeAddr(addr, addrlen, s.RemoteAddr())
	return 0, 0
}

func (d *Dispatcher) Shutdown(fd, how int) (int, unix.Errno) {
	s, ok := d.virtual(fd)
	if !ok {
		return d.call(resolve.Shutdown, uintptr(fd), uintptr(how))
	}
	return done(s.Shutdown(context.Background(), how))
}

// Close closes a virtual socket or passes fd to the kernel. Either way fd
// leaves every emulated epoll interest list, and an epoll descriptor drops
// its emulated list. Closing a virtual socket twice succeeds.
func (d *Dispatcher) Close(fd int) (int, unix.Errno) {
	d.forgetEpoll(fd)
	if _, ok := d.virtual(fd); ok {
		err := d.table.Close(context.Background(), fd)
		Logger().Debug("virtual socket closed", zap.Int("fd", fd), zap.Error(err))
		return done(err)
	}
	if d.table.Released(fd) {
		// A released number the kernel has not handed out again is a
		// repeated close of the virtual socket.
		if _, errno := d.call(resolve.Fcntl, uintptr(fd), unix.F_GETFD, 0); errno == unix.EBADF {
			return 0, 0
		}
		d.table.Forget(fd)
	}
	return d.call(resolve.Close, uintptr(fd))
}
