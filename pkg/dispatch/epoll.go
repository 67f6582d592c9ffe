//go:build linux

package dispatch

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vtcp/pkg/orderedmap"
	"vtcp/pkg/resolve"
	"vtcp/pkg/socket"
)

// interest is one virtual descriptor registered with an epoll instance.
type interest struct {
	ev unix.EpollEvent
	// last is the readiness reported by the previous wait, for EPOLLET.
	last uint32
	// disarmed is set after an EPOLLONESHOT report until the next MOD.
	disarmed bool
}

// epollSet is the emulated interest list of one kernel epoll descriptor.
// Native descriptors stay registered with the kernel.
type epollSet struct {
	mu  sync.Mutex
	fds *orderedmap.OrderedMap[int, *interest]
}

const epollFlags = unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLEXCLUSIVE | unix.EPOLLWAKEUP

const (
	epollIn  = unix.EPOLLIN | unix.EPOLLRDNORM
	epollOut = unix.EPOLLOUT | unix.EPOLLWRNORM
)

func epollEvents(r socket.Ready, want uint32) uint32 {
	var out uint32
	if r&socket.ReadyRead != 0 {
		out |= want & epollIn
	}
	if r&socket.ReadyWrite != 0 {
		out |= want & epollOut
	}
	if r&socket.ReadyHup != 0 {
		out |= unix.EPOLLHUP | want&unix.EPOLLRDHUP
	}
	if r&socket.ReadyErr != 0 {
		out |= unix.EPOLLERR
	}
	return out
}

func (d *Dispatcher) epollSet(epfd int, create bool) *epollSet {
	d.epollMu.Lock()
	defer d.epollMu.Unlock()
	set, ok := d.epolls[epfd]
	if !ok && create {
		set = &epollSet{fds: orderedmap.NewOrderedMap[int, *interest]()}
		d.epolls[epfd] = set
	}
	return set
}

// forgetEpoll drops fd from every emulated interest list and, if fd is an
// epoll descriptor, its own list.
func (d *Dispatcher) forgetEpoll(fd int) {
	d.epollMu.Lock()
	defer d.epollMu.Unlock()
	delete(d.epolls, fd)
	for _, set := range d.epolls {
		set.mu.Lock()
		set.fds.Delete(fd)
		set.mu.Unlock()
	}
}

// rearm clears the mask bits of the edge state of fd in every interest list,
// so the next time they become ready an edge-triggered wait reports them.
func (d *Dispatcher) rearm(fd int, mask uint32) {
	d.epollMu.Lock()
	defer d.epollMu.Unlock()
	for _, set := range d.epolls {
		set.mu.Lock()
		if in, ok := set.fds.Get(fd); ok {
			in.last &^= mask
		}
		set.mu.Unlock()
	}
}

// drained reports err for an operation on s. EAGAIN means the caller has
// exhausted the mask direction, which rearms it.
func (d *Dispatcher) drained(s *socket.VirtualSocket, mask uint32, err error) (int, unix.Errno) {
	r, errno := fail(err)
	if errno == unix.EAGAIN {
		d.rearm(s.FD(), mask)
	}
	return r, errno
}

func (d *Dispatcher) EpollCreate(size int) (int, unix.Errno) {
	return d.call(resolve.EpollCreate, uintptr(size))
}

func (d *Dispatcher) EpollCreate1(flags int) (int, unix.Errno) {
	return d.call(resolve.EpollCreate1, uintptr(flags))
}

// EpollCtl registers virtual descriptors with the emulated list of epfd and
// passes native ones to the kernel.
func (d *Dispatcher) EpollCtl(epfd, op, fd int, event *unix.EpollEvent) (int, unix.Errno) {
	if _, ok := d.virtual(fd); !ok {
		return d.call(resolve.EpollCtl, uintptr(epfd), uintptr(op), uintptr(fd), uintptr(unsafe.Pointer(event)))
	}
	if epfd == fd {
		return -1, unix.EINVAL
	}
	if _, ok := d.virtual(epfd); ok {
		return -1, unix.EINVAL
	}
	if op != unix.EPOLL_CTL_DEL && event == nil {
		return -1, unix.EFAULT
	}
	set := d.epollSet(epfd, op == unix.EPOLL_CTL_ADD)
	if set == nil {
		return -1, unix.ENOENT
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	_, exists := set.fds.Get(fd)
	switch op {
	case unix.EPOLL_CTL_ADD:
		if exists {
			return -1, unix.EEXIST
		}
		set.fds.Set(fd, &interest{ev: *event})
	case unix.EPOLL_CTL_MOD:
		if !exists {
			return -1, unix.ENOENT
		}
		set.fds.Set(fd, &interest{ev: *event})
	case unix.EPOLL_CTL_DEL:
		if !exists {
			return -1, unix.ENOENT
		}
		set.fds.Delete(fd)
	default:
		return -1, unix.EINVAL
	}
	Logger().Debug("epoll interest", zap.Int("epfd", epfd), zap.Int("fd", fd), zap.Int("op", op))
	return 0, 0
}

// collect writes the ready virtual interests of set into out. Interests are
// level-triggered unless registered with EPOLLET, in which case only newly
// raised events are reported.
func (set *epollSet) collect(ctx context.Context, d *Dispatcher, out []unix.EpollEvent) int {
	set.mu.Lock()
	defer set.mu.Unlock()
	set.fds.DeleteFunc(func(fd int, _ *interest) bool {
		_, ok := d.virtual(fd)
		return !ok
	})
	n := 0
	set.fds.Range(func(fd int, in *interest) bool {
		if n == len(out) {
			return false
		}
		s, ok := d.virtual(fd)
		if !ok || in.disarmed {
			return true
		}
		want := in.ev.Events &^ epollFlags
		ready := epollEvents(s.Readiness(ctx), want)
		report := ready
		if in.ev.Events&unix.EPOLLET != 0 {
			report = ready &^ in.last
		}
		in.last = ready
		if report == 0 {
			return true
		}
		out[n] = in.ev
		out[n].Events = report
		n++
		if in.ev.Events&unix.EPOLLONESHOT != 0 {
			in.disarmed = true
		}
		return true
	})
	return n
}

// EpollWait reports ready virtual interests of epfd first and fills the rest
// of events from the kernel. Without virtual interests the call goes to the
// kernel unchanged.
func (d *Dispatcher) EpollWait(epfd int, events *unix.EpollEvent, maxevents, timeout int) (int, unix.Errno) {
	set := d.epollSet(epfd, false)
	if set == nil || set.len() == 0 {
		return d.call(resolve.EpollWait, uintptr(epfd), uintptr(unsafe.Pointer(events)), uintptr(maxevents), uintptr(timeout))
	}
	if maxevents <= 0 {
		return -1, unix.EINVAL
	}
	if events == nil {
		return -1, unix.EFAULT
	}
	out := unsafe.Slice(events, maxevents)
	ctx := context.Background()
	w := newWaiter(time.Duration(timeout)*time.Millisecond, d.cfg.PollInterval)
	for {
		n := set.collect(ctx, d, out)
		if n == len(out) {
			return n, 0
		}
		var wait time.Duration
		if n == 0 {
			wait = w.slice()
		}
		nn, errno := d.call(resolve.EpollWait, uintptr(epfd), uintptr(unsafe.Pointer(&out[n])), uintptr(len(out)-n), uintptr(millis(wait)))
		if errno != 0 {
			if n > 0 {
				return n, 0
			}
			return -1, errno
		}
		if n+nn > 0 || w.expired() {
			return n + nn, 0
		}
	}
}

func (set *epollSet) len() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.fds.Len()
}
