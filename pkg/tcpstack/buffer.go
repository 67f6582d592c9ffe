package tcpstack

import (
	"sync"
	"time"
)

// BUFSIZE is a power of two so that ring indexes stay contiguous when the
// sequence counters wrap.
const BUFSIZE = 1 << 16

// RecvBuffer holds bytes written by the peer and not yet read. LBR is the
// last byte read and NXT the next byte expected, both as sequence numbers.
type RecvBuffer struct {
	Buf  []byte
	LBR  uint32
	NXT  uint32
	Lock sync.Mutex
	Cond *sync.Cond

	fin    bool // peer will not send more
	reset  bool
	closed bool // owner closed or shut down reading
}

func (rb *RecvBuffer) init(isn uint32) {
	rb.Buf = make([]byte, BUFSIZE)
	rb.LBR = isn
	rb.NXT = isn
	rb.Cond = sync.NewCond(&rb.Lock)
}

func (rb *RecvBuffer) avail() uint32 { return rb.NXT - rb.LBR }

func (rb *RecvBuffer) space() uint32 { return BUFSIZE - rb.avail() }

// write copies as much of data as fits and returns the count.
func (rb *RecvBuffer) write(data []byte) int {
	n := min(uint32(len(data)), rb.space())
	s := rb.NXT % BUFSIZE
	e := (s + n) % BUFSIZE
	if e > s || n == 0 {
		copy(rb.Buf[s:s+n], data[:n])
	} else {
		firstPart := BUFSIZE - s
		copy(rb.Buf[s:], data[:firstPart])
		copy(rb.Buf[:e], data[firstPart:n])
	}
	rb.NXT += n
	return int(n)
}

// read copies up to len(message) bytes out of the buffer, consuming them
// unless peek is set.
func (rb *RecvBuffer) read(message []byte, peek bool) int {
	read := min(rb.avail(), uint32(len(message)))
	s := rb.LBR % BUFSIZE
	e := (s + read) % BUFSIZE
	if e > s || read == 0 {
		copy(message, rb.Buf[s:s+read])
	} else {
		firstPart := BUFSIZE - s
		copy(message[:firstPart], rb.Buf[s:])
		copy(message[firstPart:read], rb.Buf[:e])
	}
	if !peek {
		rb.LBR += read
	}
	return int(read)
}

// deadline converts a wait into an absolute deadline. block is false when the
// caller must not wait at all; a zero deadline with block set means forever.
func deadline(wait time.Duration) (dl time.Time, block bool) {
	switch {
	case wait == 0:
		return time.Time{}, false
	case wait < 0:
		return time.Time{}, true
	}
	return time.Now().Add(wait), true
}

// waitUntil waits on c, whose lock is held, until it is signalled or dl
// passes. It returns false once dl has passed.
func waitUntil(c *sync.Cond, dl time.Time) bool {
	if dl.IsZero() {
		c.Wait()
		return true
	}
	d := time.Until(dl)
	if d <= 0 {
		return false
	}
	t := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	c.Wait()
	t.Stop()
	return true
}

func expired(dl time.Time) bool {
	return !dl.IsZero() && !time.Now().Before(dl)
}
