package socket

import (
	"time"

	"golang.org/x/sys/unix"
)

type optKey struct {
	level, name int
}

func (s *VirtualSocket) SetNonBlocking(nb bool) { s.nonBlocking.Store(nb) }

func (s *VirtualSocket) NonBlocking() bool { return s.nonBlocking.Load() }

// SetTimeout sets SO_RCVTIMEO (recv) or SO_SNDTIMEO. Zero means no limit.
func (s *VirtualSocket) SetTimeout(recv bool, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if recv {
		s.rcvTimeo.Store(int64(d))
	} else {
		s.sndTimeo.Store(int64(d))
	}
}

func (s *VirtualSocket) Timeout(recv bool) time.Duration {
	if recv {
		return time.Duration(s.rcvTimeo.Load())
	}
	return time.Duration(s.sndTimeo.Load())
}

// TakeError returns and clears the pending SO_ERROR.
func (s *VirtualSocket) TakeError() unix.Errno {
	return unix.Errno(s.soError.Swap(0))
}

// SetOption stores an option the stack does not act on, so that a later
// getsockopt returns what the application set.
func (s *VirtualSocket) SetOption(level, name int, val []byte) {
	s.optMu.Lock()
	defer s.optMu.Unlock()
	if s.sockopts == nil {
		s.sockopts = make(map[optKey][]byte)
	}
	s.sockopts[optKey{level, name}] = append([]byte(nil), val...)
}

func (s *VirtualSocket) Option(level, name int) ([]byte, bool) {
	s.optMu.Lock()
	defer s.optMu.Unlock()
	v, ok := s.sockopts[optKey{level, name}]
	return v, ok
}
