//go:build linux

package dispatch

import (
	"context"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"vtcp/pkg/resolve"
	"vtcp/pkg/socket"
)

// waiter tracks the timeout of one multiplexing call. A negative timeout
// waits forever.
type waiter struct {
	forever  bool
	deadline time.Time
	interval time.Duration
}

func newWaiter(timeout, interval time.Duration) waiter {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	w := waiter{forever: timeout < 0, interval: interval}
	if !w.forever {
		w.deadline = time.Now().Add(timeout)
	}
	return w
}

func (w waiter) expired() bool {
	return !w.forever && !time.Now().Before(w.deadline)
}

func (w waiter) remaining() time.Duration {
	if w.forever {
		return -1
	}
	return max(0, time.Until(w.deadline))
}

// slice is how long the next native wait may block.
func (w waiter) slice() time.Duration {
	if w.forever {
		return w.interval
	}
	return min(w.interval, max(0, time.Until(w.deadline)))
}

func millis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}

func pollEvents(r socket.Ready, events int16) int16 {
	var out int16
	if r&socket.ReadyRead != 0 {
		out |= events & (unix.POLLIN | unix.EPOLLRDNORM)
	}
	if r&socket.ReadyWrite != 0 {
		out |= events & (unix.POLLOUT | unix.EPOLLWRNORM)
	}
	if r&socket.ReadyHup != 0 {
		out |= unix.POLLHUP
	}
	if r&socket.ReadyErr != 0 {
		out |= unix.POLLERR
	}
	return out
}

// Poll polls virtual entries from their state and native entries through the
// kernel, merging both into the caller's array. Without virtual entries the
// call goes to the kernel unchanged.
func (d *Dispatcher) Poll(fds unsafe.Pointer, nfds uint64, timeout int) (int, unix.Errno) {
	var pfds []unix.PollFd
	if fds != nil && nfds > 0 {
		pfds = unsafe.Slice((*unix.PollFd)(fds), nfds)
	}
	var (
		virt      []*socket.VirtualSocket
		virtIdx   []int
		native    []unix.PollFd
		nativeIdx []int
	)
	for i := range pfds {
		fd := int(pfds[i].Fd)
		if s, ok := d.virtual(fd); ok {
			virt = append(virt, s)
			virtIdx = append(virtIdx, i)
		} else if fd >= 0 {
			native = append(native, pfds[i])
			nativeIdx = append(nativeIdx, i)
		} else {
			pfds[i].Revents = 0
		}
	}
	if len(virt) == 0 {
		return d.call(resolve.Poll, uintptr(fds), uintptr(nfds), uintptr(timeout))
	}

	ctx := context.Background()
	w := newWaiter(time.Duration(timeout)*time.Millisecond, d.cfg.PollInterval)
	for {
		n := 0
		for j, s := range virt {
			i := virtIdx[j]
			pfds[i].Revents = pollEvents(s.Readiness(ctx), pfds[i].Events)
			if pfds[i].Revents != 0 {
				n++
			}
		}
		var wait time.Duration
		if n == 0 {
			wait = w.slice()
		}
		nn, errno := d.pollNative(native, wait)
		if errno != 0 {
			return -1, errno
		}
		if n+nn > 0 || w.expired() {
			for j, i := range nativeIdx {
				pfds[i].Revents = native[j].Revents
			}
			return n + nn, 0
		}
	}
}

func (d *Dispatcher) pollNative(fds []unix.PollFd, wait time.Duration) (int, unix.Errno) {
	if len(fds) == 0 {
		if wait > 0 {
			time.Sleep(wait)
		}
		return 0, 0
	}
	for i := range fds {
		fds[i].Revents = 0
	}
	return d.call(resolve.Poll, uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), uintptr(millis(wait)))
}

func isSet(set *unix.FdSet, fd int) bool {
	return set != nil && set.IsSet(fd)
}

// Select follows Poll: virtual descriptors are answered from their state,
// the rest go to the kernel in slices.
func (d *Dispatcher) Select(nfds int, r, w, e *unix.FdSet, tv *unix.Timeval) (int, unix.Errno) {
	if nfds < 0 || nfds > unix.FD_SETSIZE {
		return -1, unix.EINVAL
	}
	var virt []int
	for fd := range nfds {
		if !isSet(r, fd) && !isSet(w, fd) && !isSet(e, fd) {
			continue
		}
		if _, ok := d.virtual(fd); ok {
			virt = append(virt, fd)
		}
	}
	if len(virt) == 0 {
		return d.selectNative(nfds, r, w, e, tv)
	}

	// in holds the caller's sets with the virtual descriptors removed.
	var in [3]unix.FdSet
	user := [3]*unix.FdSet{r, w, e}
	hasNative := false
	for k, set := range user {
		if set == nil {
			continue
		}
		in[k] = *set
		for _, fd := range virt {
			in[k].Clear(fd)
		}
		for fd := range nfds {
			if in[k].IsSet(fd) {
				hasNative = true
				break
			}
		}
	}

	timeout := time.Duration(-1)
	if tv != nil {
		timeout = time.Duration(tv.Nano())
	}
	ctx := context.Background()
	wt := newWaiter(timeout, d.cfg.PollInterval)
	for {
		var out [3]unix.FdSet
		n := 0
		for _, fd := range virt {
			s, ok := d.virtual(fd)
			if !ok {
				continue
			}
			rd := s.Readiness(ctx)
			if isSet(r, fd) && rd&(socket.ReadyRead|socket.ReadyHup|socket.ReadyErr) != 0 {
				out[0].Set(fd)
				n++
			}
			if isSet(w, fd) && rd&(socket.ReadyWrite|socket.ReadyErr) != 0 {
				out[1].Set(fd)
				n++
			}
		}
		var wait time.Duration
		if n == 0 {
			wait = wt.slice()
		}
		var nn int
		if hasNative {
			nat := in
			var sets [3]*unix.FdSet
			for k := range user {
				if user[k] != nil {
					sets[k] = &nat[k]
				}
			}
			ntv := unix.NsecToTimeval(wait.Nanoseconds())
			var errno unix.Errno
			nn, errno = d.selectNative(nfds, sets[0], sets[1], sets[2], &ntv)
			if errno != 0 {
				return -1, errno
			}
			for k := range out {
				for fd := range nfds {
					if nat[k].IsSet(fd) {
						out[k].Set(fd)
					}
				}
			}
		} else if wait > 0 {
			time.Sleep(wait)
		}
		if n+nn > 0 || wt.expired() {
			for k, set := range user {
				if set != nil {
					*set = out[k]
				}
			}
			if tv != nil {
				*tv = unix.NsecToTimeval(wt.remaining().Nanoseconds())
			}
			return n + nn, 0
		}
	}
}

// selector is a Native that takes the select arguments typed.
type selector interface {
	Select(nfds int, r, w, e *unix.FdSet, tv *unix.Timeval) (int, unix.Errno)
}

func (d *Dispatcher) selectNative(nfds int, r, w, e *unix.FdSet, tv *unix.Timeval) (int, unix.Errno) {
	if n, ok := d.native.(selector); ok {
		return n.Select(nfds, r, w, e, tv)
	}
	return d.call(resolve.Select, uintptr(nfds), uintptr(unsafe.Pointer(r)), uintptr(unsafe.Pointer(w)),
		uintptr(unsafe.Pointer(e)), uintptr(unsafe.Pointer(tv)))
}
