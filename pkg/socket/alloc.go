package socket

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Allocator hands out descriptor numbers for virtual sockets. release is
// called once the socket has left the table.
type Allocator interface {
	Allocate() (fd int, release func(), err error)
}

// ReservedAllocator backs every virtual descriptor with a kernel descriptor
// on a harmless file, so the kernel never hands the same number to a native
// socket while the virtual one is alive.
type ReservedAllocator struct {
	Path string
}

func (a ReservedAllocator) Allocate() (int, func(), error) {
	path := a.Path
	if path == "" {
		path = "/dev/null"
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, nil, errors.Wrapf(err, "reserve descriptor on %s", path)
	}
	return fd, func() { unix.Close(fd) }, nil
}

// SequenceAllocator counts up from a base and never reuses a number.
type SequenceAllocator struct {
	next atomic.Int64
}

func NewSequenceAllocator(base int) *SequenceAllocator {
	a := &SequenceAllocator{}
	a.next.Store(int64(base))
	return a
}

func (a *SequenceAllocator) Allocate() (int, func(), error) {
	return int(a.next.Add(1) - 1), func() {}, nil
}
