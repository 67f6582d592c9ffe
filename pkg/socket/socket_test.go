package socket

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"vtcp/pkg/bridge"
	"vtcp/pkg/sockerr"
)

func wantErrno(t *testing.T, what string, err error, errno unix.Errno) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: got nil error, want %v", what, errno)
		return
	}
	if got := sockerr.Errno(err); got != errno {
		t.Errorf("%s: errno = %v (%v), want %v", what, got, err, errno)
	}
}

// connected returns a socket that completed a blocking connect.
func connected(t *testing.T, tbl *Table, d *fakeDialer) (*VirtualSocket, *fakeChannel) {
	t.Helper()
	s, ch := create(t, tbl, d)
	if err := s.Connect(context.Background(), netip.MustParseAddrPort("10.0.0.2:80")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, ch
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Created, Bound, true},
		{Created, Connecting, true},
		{Created, Listening, false},
		{Bound, Listening, true},
		{Listening, Listening, true},
		{Listening, Connecting, false},
		{Connecting, Connected, true},
		{Connecting, Bound, true},
		{Connected, Bound, false},
		{Connected, Closing, true},
		{Closing, Closed, true},
		{Closed, Created, false},
		{Closed, Closing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("State(42).String() = %q", got)
	}
}

func TestIllegalSequencesFailLocally(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	tbl := newTestTable(d, nil)
	s, ch := create(t, tbl, d)

	wantErrno(t, "listen before bind", s.Listen(ctx, 1), unix.EINVAL)
	_, err := s.Send(ctx, []byte("x"), IOFlags{})
	wantErrno(t, "send before connect", err, unix.EPIPE)
	_, err = s.Recv(ctx, 10, IOFlags{})
	wantErrno(t, "recv before connect", err, unix.ENOTCONN)
	wantErrno(t, "shutdown before connect", s.Shutdown(ctx, unix.SHUT_RDWR), unix.ENOTCONN)
	_, err = tbl.Accept(ctx, s, false)
	wantErrno(t, "accept before listen", err, unix.EINVAL)
	if calls := ch.Calls(); len(calls) != 0 {
		t.Fatalf("illegal calls reached the stack: %v", calls)
	}

	if err := s.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:12345")); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	wantErrno(t, "second bind", s.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:1")), unix.EINVAL)
	if err := s.Listen(ctx, 1); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	wantErrno(t, "connect on listener", s.Connect(ctx, netip.MustParseAddrPort("10.0.0.2:80")), unix.EISCONN)
	if got := ch.Calls(); !slices.Equal(got, []string{"bind", "listen"}) {
		t.Fatalf("calls = %v", got)
	}

	if err := tbl.Close(ctx, s.FD()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	before := len(ch.Calls())
	wantErrno(t, "bind after close", s.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:1")), unix.EBADF)
	wantErrno(t, "connect after close", s.Connect(ctx, netip.MustParseAddrPort("10.0.0.2:80")), unix.EBADF)
	_, err = s.Send(ctx, []byte("x"), IOFlags{})
	wantErrno(t, "send after close", err, unix.EPIPE)
	_, err = s.Recv(ctx, 10, IOFlags{})
	wantErrno(t, "recv after close", err, unix.EBADF)
	_, err = tbl.Accept(ctx, s, false)
	wantErrno(t, "accept after close", err, unix.EBADF)
	if after := len(ch.Calls()); after != before {
		t.Errorf("operations after close reached the stack: %v", ch.Calls()[before:])
	}
}

func TestTransitionsObserved(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	var log transitionLog
	tbl := newTestTable(d, log.record)

	l, _ := create(t, tbl, d)
	if err := l.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:12345")); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := l.Listen(ctx, 1); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := tbl.Close(ctx, l.FD()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"created>bound", "bound>listening", "listening>closing", "closing>closed"}
	if got := log.get(); !slices.Equal(got, want) {
		t.Errorf("listener transitions = %v, want %v", got, want)
	}

	n := len(log.get())
	c, _ := connected(t, tbl, d)
	want = []string{"created>connecting", "connecting>connected"}
	if got := log.get()[n:]; !slices.Equal(got, want) {
		t.Errorf("client transitions = %v, want %v", got, want)
	}
	if got := c.RemoteAddr(); got != netip.MustParseAddrPort("10.0.0.2:80") {
		t.Errorf("RemoteAddr = %s", got)
	}
	if got := c.LocalAddr(); got != netip.MustParseAddrPort("10.0.0.1:40000") {
		t.Errorf("LocalAddr = %s", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	var log transitionLog
	tbl := newTestTable(d, log.record)
	s, ch := connected(t, tbl, d)
	other, _ := create(t, tbl, d)

	if err := tbl.Close(ctx, s.FD()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	n := len(log.get())
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := tbl.Close(ctx, s.FD()); err != nil {
		t.Errorf("Close of released fd = %v", err)
	}
	if !tbl.Released(s.FD()) {
		t.Error("released fd not remembered")
	}
	err := tbl.Close(ctx, 4242)
	if !errors.Is(err, sockerr.KindBadDescriptor) {
		t.Errorf("Close of unknown fd = %v", err)
	}
	if got := len(log.get()); got != n {
		t.Errorf("second close produced transitions: %v", log.get()[n:])
	}
	if got := s.State(); got != Closed {
		t.Errorf("State = %s", got)
	}
	if !ch.Closed() {
		t.Error("channel not closed")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
	if got, ok := tbl.Lookup(other.FD()); !ok || got != other {
		t.Error("unrelated socket lost from table")
	}
}

func TestConcurrentCloseReleasesOnce(t *testing.T) {
	ctx := context.Background()
	alloc := &fixedAllocator{fd: 9}
	d := &fakeDialer{}
	tbl := NewTable(Options{Config: testConfig(), Dialer: d, Allocator: alloc})
	s, err := tbl.Create(ctx, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Close(ctx, s.FD())
		}()
	}
	wg.Wait()
	if got := alloc.released.Load(); got != 1 {
		t.Errorf("released %d times", got)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestCloseWaitsForFirstCloser(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	gate := make(chan struct{})
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.onClose = func() {
			close(entered)
			<-gate
		}
		return ch
	}}
	alloc := &fixedAllocator{fd: 11}
	tbl := NewTable(Options{Config: testConfig(), Dialer: d, Allocator: alloc})
	s, err := tbl.Create(ctx, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- tbl.Close(ctx, s.FD()) }()
	<-entered
	second := make(chan error, 1)
	go func() { second <- tbl.Close(ctx, s.FD()) }()

	select {
	case err := <-second:
		t.Fatalf("second Close = %v while the first was still closing", err)
	case <-time.After(50 * time.Millisecond):
	}
	if got := alloc.released.Load(); got != 0 {
		t.Errorf("released %d times before the channel closed", got)
	}
	if _, ok := tbl.Lookup(s.FD()); !ok {
		t.Error("socket removed before its channel closed")
	}

	close(gate)
	for _, c := range []chan error{first, second} {
		select {
		case err := <-c:
			if err != nil {
				t.Errorf("Close = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Close did not return")
		}
	}
	if got := alloc.released.Load(); got != 1 {
		t.Errorf("released %d times", got)
	}
	if tbl.Len() != 0 || s.State() != Closed {
		t.Errorf("Len = %d, State = %s", tbl.Len(), s.State())
	}
}

func TestCloseThroughSocketThenTable(t *testing.T) {
	ctx := context.Background()
	alloc := &fixedAllocator{fd: 12}
	tbl := NewTable(Options{Config: testConfig(), Dialer: &fakeDialer{}, Allocator: alloc})
	s, err := tbl.Create(ctx, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tbl.Close(ctx, s.FD()); err != nil {
		t.Fatalf("table Close = %v", err)
	}
	if got := alloc.released.Load(); got != 1 {
		t.Errorf("released %d times", got)
	}
	if _, ok := tbl.Lookup(s.FD()); ok {
		t.Error("closed socket left in table")
	}
}

func TestReleasedForgottenOnReuse(t *testing.T) {
	ctx := context.Background()
	alloc := &fixedAllocator{fd: 13}
	tbl := NewTable(Options{Config: testConfig(), Dialer: &fakeDialer{}, Allocator: alloc})
	s, err := tbl.Create(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Close(ctx, s.FD()); err != nil {
		t.Fatal(err)
	}
	again, err := tbl.Create(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Released(again.FD()) {
		t.Error("reissued fd still marked released")
	}
	tbl.Close(ctx, again.FD())
	tbl.Forget(again.FD())
	if tbl.Released(again.FD()) {
		t.Error("Forget kept the fd")
	}
	if err := tbl.Close(ctx, again.FD()); !errors.Is(err, sockerr.KindBadDescriptor) {
		t.Errorf("Close after Forget = %v", err)
	}
}

type fixedAllocator struct {
	fd       int
	released atomic.Int32
}

func (a *fixedAllocator) Allocate() (int, func(), error) {
	return a.fd, func() { a.released.Add(1) }, nil
}

func TestStackUnavailable(t *testing.T) {
	alloc := NewSequenceAllocator(1000)
	d := &fakeDialer{err: errors.New("dial unix /tmp/missing: connect: no such file or directory")}
	tbl := NewTable(Options{Config: testConfig(), Dialer: d, Allocator: alloc})

	_, err := tbl.Create(context.Background(), false)
	if !errors.Is(err, sockerr.KindStackUnavailable) {
		t.Fatalf("Create = %v", err)
	}
	wantErrno(t, "create", err, unix.ENOBUFS)
	if tbl.Len() != 0 {
		t.Errorf("Len = %d after failed create", tbl.Len())
	}
	if fd, _, _ := alloc.Allocate(); fd != 1000 {
		t.Errorf("descriptor consumed by failed create: next = %d", fd)
	}
}

func TestDuplicateDescriptor(t *testing.T) {
	ctx := context.Background()
	alloc := &fixedAllocator{fd: 7}
	d := &fakeDialer{}
	tbl := NewTable(Options{Config: testConfig(), Dialer: d, Allocator: alloc})

	first, err := tbl.Create(ctx, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = tbl.Create(ctx, false)
	if !errors.Is(err, sockerr.KindDuplicateDescriptor) {
		t.Fatalf("second Create = %v", err)
	}
	wantErrno(t, "duplicate", err, unix.ENOTRECOVERABLE)
	if !d.opened[1].Closed() {
		t.Error("channel of rejected socket left open")
	}
	if alloc.released.Load() != 1 {
		t.Errorf("released = %d", alloc.released.Load())
	}
	if got, ok := tbl.Lookup(7); !ok || got != first {
		t.Error("existing entry replaced")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestListenBacklogClamped(t *testing.T) {
	ctx := context.Background()
	var backlogs []int
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.listen = func(b int) error {
			backlogs = append(backlogs, b)
			return nil
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, _ := create(t, tbl, d)
	if err := s.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:80")); err != nil {
		t.Fatal(err)
	}
	for _, b := range []int{-1, 100, 3} {
		if err := s.Listen(ctx, b); err != nil {
			t.Fatalf("Listen(%d): %v", b, err)
		}
	}
	if want := []int{8, 8, 3}; !slices.Equal(backlogs, want) {
		t.Errorf("backlogs = %v, want %v", backlogs, want)
	}
}

func TestConnectNonBlocking(t *testing.T) {
	ctx := context.Background()
	var done atomic.Bool
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.connect = func(addr netip.AddrPort, wait time.Duration) (netip.AddrPort, error) {
			if wait != 0 {
				t.Errorf("non-blocking connect waited %s", wait)
			}
			return netip.MustParseAddrPort("10.0.0.1:50000"), sockerr.New("connect", sockerr.KindInProgress)
		}
		ch.poll = func() bridge.PollResult {
			if done.Load() {
				return bridge.PollResult{Events: bridge.EventConnected | bridge.EventWritable}
			}
			return bridge.PollResult{}
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, err := tbl.Create(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	dst := netip.MustParseAddrPort("10.0.0.2:80")

	wantErrno(t, "first connect", s.Connect(ctx, dst), unix.EINPROGRESS)
	if s.State() != Connecting {
		t.Fatalf("State = %s", s.State())
	}
	if r := s.Readiness(ctx); r != 0 {
		t.Errorf("Readiness while connecting = %b", r)
	}
	wantErrno(t, "repeated connect", s.Connect(ctx, dst), unix.EALREADY)

	done.Store(true)
	if err := s.Connect(ctx, dst); err != nil {
		t.Fatalf("connect after completion = %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("State = %s", s.State())
	}
	if r := s.Readiness(ctx); r&ReadyWrite == 0 {
		t.Errorf("Readiness = %b, want writable", r)
	}
	if got := s.RemoteAddr(); got != dst {
		t.Errorf("RemoteAddr = %s", got)
	}
	wantErrno(t, "connect when connected", s.Connect(ctx, dst), unix.EISCONN)
}

func TestConnectFailureReverts(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.connect = func(netip.AddrPort, time.Duration) (netip.AddrPort, error) {
			return netip.AddrPort{}, sockerr.New("connect", sockerr.KindConnectionRefused)
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, _ := create(t, tbl, d)
	if err := s.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:5000")); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, "refused", s.Connect(ctx, netip.MustParseAddrPort("10.0.0.2:1")), unix.ECONNREFUSED)
	if s.State() != Bound {
		t.Errorf("State after refused connect = %s, want bound", s.State())
	}
}

func TestConnectNonBlockingFailure(t *testing.T) {
	for _, tc := range []struct {
		name string
		// collect reads SO_ERROR before the repeated connect.
		collect bool
		want    unix.Errno
	}{
		{name: "reported by connect", want: unix.ECONNREFUSED},
		{name: "collected through SO_ERROR", collect: true, want: unix.EINPROGRESS},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			d := &fakeDialer{newChan: func() *fakeChannel {
				ch := newFakeChannel()
				ch.connect = func(netip.AddrPort, time.Duration) (netip.AddrPort, error) {
					return netip.AddrPort{}, sockerr.New("connect", sockerr.KindInProgress)
				}
				ch.poll = func() bridge.PollResult {
					return bridge.PollResult{Events: bridge.EventError}
				}
				return ch
			}}
			tbl := newTestTable(d, nil)
			s, err := tbl.Create(ctx, true)
			if err != nil {
				t.Fatal(err)
			}
			dst := netip.MustParseAddrPort("10.0.0.2:1")
			wantErrno(t, "first connect", s.Connect(ctx, dst), unix.EINPROGRESS)

			if tc.collect {
				if r := s.Readiness(ctx); r&ReadyErr == 0 {
					t.Errorf("Readiness after failed handshake = %b", r)
				}
				if got := s.TakeError(); got != unix.ECONNREFUSED {
					t.Errorf("SO_ERROR = %v", got)
				}
			}
			wantErrno(t, "repeated connect", s.Connect(ctx, dst), tc.want)
			if got := s.TakeError(); got != 0 {
				t.Errorf("SO_ERROR left at %v", got)
			}
			if tc.collect {
				return
			}
			if s.State() != Created {
				t.Errorf("State = %s, want created", s.State())
			}
			wantErrno(t, "fresh attempt", s.Connect(ctx, dst), unix.EINPROGRESS)
		})
	}
}

func TestConnectTimeout(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.connect = func(_ netip.AddrPort, wait time.Duration) (netip.AddrPort, error) {
			return netip.AddrPort{}, ch.block(wait)
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, _ := create(t, tbl, d)
	s.SetTimeout(false, 30*time.Millisecond)

	start := time.Now()
	wantErrno(t, "timeout", s.Connect(ctx, netip.MustParseAddrPort("10.0.0.2:80")), unix.ETIMEDOUT)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %s", elapsed)
	}
	if s.State() != Created {
		t.Errorf("State = %s, want created", s.State())
	}
}

func TestConcurrentAcceptExactlyOnce(t *testing.T) {
	ctx := context.Background()
	const conns = 20
	var qmu sync.Mutex
	queue := make([]bridge.Pending, conns)
	for i := range queue {
		queue[i] = bridge.Pending{
			Token:  uint64(i + 1),
			Remote: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(50000+i)),
			Local:  netip.MustParseAddrPort("127.0.0.1:12345"),
		}
	}
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.accept = func(wait time.Duration, max int) ([]bridge.Pending, error) {
			qmu.Lock()
			defer qmu.Unlock()
			if len(queue) == 0 {
				return nil, sockerr.New("accept", sockerr.KindWouldBlock)
			}
			n := min(max, 3, len(queue))
			got := queue[:n:n]
			queue = queue[n:]
			return got, nil
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	l, _ := create(t, tbl, d)
	if err := l.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:12345")); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen(ctx, conns); err != nil {
		t.Fatal(err)
	}
	l.SetNonBlocking(true)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		remotes []netip.AddrPort
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, err := tbl.Accept(ctx, l, false)
				if err != nil {
					if sockerr.Errno(err) != unix.EAGAIN {
						t.Errorf("Accept: %v", err)
					}
					return
				}
				if s.State() != Connected {
					t.Errorf("accepted socket in %s", s.State())
				}
				mu.Lock()
				remotes = append(remotes, s.RemoteAddr())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(remotes) != conns {
		t.Fatalf("accepted %d connections, want %d", len(remotes), conns)
	}
	slices.SortFunc(remotes, func(a, b netip.AddrPort) int { return a.Compare(b) })
	if len(slices.Compact(remotes)) != conns {
		t.Error("a connection was delivered twice")
	}
	d.mu.Lock()
	adopted := slices.Clone(d.adopted)
	d.mu.Unlock()
	slices.Sort(adopted)
	for i, tok := range adopted {
		if tok != uint64(i+1) {
			t.Fatalf("adopted tokens = %v", adopted)
		}
	}
	if tbl.Len() != conns+1 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestAcceptBuffersExtraPending(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		served := false
		ch.accept = func(time.Duration, int) ([]bridge.Pending, error) {
			if served {
				return nil, sockerr.New("accept", sockerr.KindWouldBlock)
			}
			served = true
			return []bridge.Pending{{Token: 1}, {Token: 2}, {Token: 3}}, nil
		}
		ch.poll = func() bridge.PollResult { return bridge.PollResult{} }
		return ch
	}}
	tbl := newTestTable(d, nil)
	l, ch := create(t, tbl, d)
	if err := l.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:80")); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Accept(ctx, l, false); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if n := l.PendingLen(); n != 2 {
		t.Fatalf("PendingLen = %d", n)
	}
	if r := l.Readiness(ctx); r&ReadyRead == 0 {
		t.Errorf("Readiness with buffered connections = %b", r)
	}
	accepts := func() int {
		n := 0
		for _, c := range ch.Calls() {
			if c == "accept" {
				n++
			}
		}
		return n
	}
	before := accepts()
	for range 2 {
		if _, err := tbl.Accept(ctx, l, false); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	if accepts() != before {
		t.Error("buffered connections fetched from the stack again")
	}
	if got := d.adopted; !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Errorf("adopted = %v", got)
	}
}

func TestAcceptAdoptFailure(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.accept = func(time.Duration, int) ([]bridge.Pending, error) {
			return []bridge.Pending{{Token: 5}}, nil
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	l, _ := create(t, tbl, d)
	if err := l.Bind(ctx, netip.MustParseAddrPort("0.0.0.0:80")); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen(ctx, 1); err != nil {
		t.Fatal(err)
	}
	d.err = errors.New("stack gone")
	_, err := tbl.Accept(ctx, l, false)
	wantErrno(t, "adopt failure", err, unix.ECONNABORTED)
	if tbl.Len() != 1 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestSendChunks(t *testing.T) {
	ctx := context.Background()
	var chunks []int
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.send = func(data []byte, wait time.Duration) (int, error) {
			chunks = append(chunks, len(data))
			return len(data), nil
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, _ := connected(t, tbl, d)

	data := make([]byte, 3*bridge.MaxData+10)
	n, err := s.Send(ctx, data, IOFlags{})
	if err != nil || n != len(data) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	want := []int{bridge.MaxData, bridge.MaxData, bridge.MaxData, 10}
	if !slices.Equal(chunks, want) {
		t.Errorf("chunks = %v, want %v", chunks, want)
	}
}

func TestSendNonBlocking(t *testing.T) {
	ctx := context.Background()
	room := 100
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.send = func(data []byte, wait time.Duration) (int, error) {
			if room == 0 {
				return 0, sockerr.New("send", sockerr.KindWouldBlock)
			}
			n := min(room, len(data))
			room -= n
			return n, nil
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, _ := connected(t, tbl, d)

	n, err := s.Send(ctx, make([]byte, 300), IOFlags{DontWait: true})
	if err != nil || n != 100 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	_, err = s.Send(ctx, make([]byte, 300), IOFlags{DontWait: true})
	wantErrno(t, "full", err, unix.EAGAIN)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	tbl := newTestTable(d, nil)
	s, _ := connected(t, tbl, d)

	wantErrno(t, "bad how", s.Shutdown(ctx, 7), unix.EINVAL)
	if err := s.Shutdown(ctx, unix.SHUT_WR); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := s.Send(ctx, []byte("x"), IOFlags{})
	wantErrno(t, "send after SHUT_WR", err, unix.EPIPE)
	if err := s.Shutdown(ctx, unix.SHUT_RD); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if data, err := s.Recv(ctx, 10, IOFlags{}); data != nil || err != nil {
		t.Errorf("Recv after SHUT_RD = %q, %v", data, err)
	}
}

func TestRecvWaitAllAndEOF(t *testing.T) {
	ctx := context.Background()
	replies := [][]byte{[]byte("ab"), []byte("cd")}
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.receive = func(max int, wait time.Duration, peek bool) ([]byte, bool, error) {
			if len(replies) == 0 {
				return nil, true, nil
			}
			r := replies[0]
			replies = replies[1:]
			return r, false, nil
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	s, ch := connected(t, tbl, d)

	data, err := s.Recv(ctx, 4, IOFlags{WaitAll: true})
	if err != nil || string(data) != "abcd" {
		t.Fatalf("Recv = %q, %v", data, err)
	}
	data, err = s.Recv(ctx, 4, IOFlags{})
	if err != nil || data != nil {
		t.Fatalf("Recv at end of stream = %q, %v", data, err)
	}
	n := len(ch.Calls())
	data, err = s.Recv(ctx, 4, IOFlags{})
	if err != nil || data != nil {
		t.Errorf("Recv after end of stream = %q, %v", data, err)
	}
	if len(ch.Calls()) != n {
		t.Error("Recv after end of stream reached the stack")
	}
}

func TestRecvWouldBlock(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	tbl := newTestTable(d, nil)
	s, _ := connected(t, tbl, d)

	_, err := s.Recv(ctx, 10, IOFlags{DontWait: true})
	wantErrno(t, "MSG_DONTWAIT", err, unix.EAGAIN)

	s.SetTimeout(true, 30*time.Millisecond)
	start := time.Now()
	_, err = s.Recv(ctx, 10, IOFlags{})
	wantErrno(t, "SO_RCVTIMEO", err, unix.EAGAIN)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %s", elapsed)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BlockSlice = time.Minute
	d := &fakeDialer{}
	tbl := NewTable(Options{Config: cfg, Dialer: d, Allocator: NewSequenceAllocator(3)})
	s, ch := connected(t, tbl, d)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Recv(ctx, 10, IOFlags{})
		errc <- err
	}()
	for !slices.Contains(ch.Calls(), "receive") {
		time.Sleep(time.Millisecond)
	}
	if err := tbl.Close(ctx, s.FD()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errc:
		wantErrno(t, "recv during close", err, unix.EBADF)
	case <-time.After(2 * time.Second):
		t.Fatal("recv still blocked after close")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestReadinessByState(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{newChan: func() *fakeChannel {
		ch := newFakeChannel()
		ch.poll = func() bridge.PollResult {
			return bridge.PollResult{Events: bridge.EventReadable | bridge.EventWritable}
		}
		return ch
	}}
	tbl := newTestTable(d, nil)
	fresh, _ := create(t, tbl, d)
	if r := fresh.Readiness(ctx); r != ReadyWrite|ReadyHup {
		t.Errorf("created readiness = %b", r)
	}
	c, _ := connected(t, tbl, d)
	if r := c.Readiness(ctx); r != ReadyRead|ReadyWrite {
		t.Errorf("connected readiness = %b", r)
	}
	tbl.Close(ctx, c.FD())
	if r := c.Readiness(ctx); r != ReadyHup {
		t.Errorf("closed readiness = %b", r)
	}
}

func TestOptions(t *testing.T) {
	d := &fakeDialer{}
	tbl := newTestTable(d, nil)
	s, _ := create(t, tbl, d)

	s.SetOption(unix.SOL_SOCKET, unix.SO_KEEPALIVE, []byte{1, 0, 0, 0})
	if v, ok := s.Option(unix.SOL_SOCKET, unix.SO_KEEPALIVE); !ok || v[0] != 1 {
		t.Errorf("Option = %v, %v", v, ok)
	}
	if _, ok := s.Option(unix.SOL_SOCKET, unix.SO_LINGER); ok {
		t.Error("unset option reported")
	}
	s.SetTimeout(true, -time.Second)
	if s.Timeout(true) != 0 {
		t.Errorf("negative timeout stored as %s", s.Timeout(true))
	}
	s.soError.Store(int32(unix.ECONNREFUSED))
	if e := s.TakeError(); e != unix.ECONNREFUSED {
		t.Errorf("TakeError = %v", e)
	}
	if e := s.TakeError(); e != 0 {
		t.Errorf("TakeError did not clear: %v", e)
	}
}

func TestAllocators(t *testing.T) {
	seq := NewSequenceAllocator(5)
	for want := 5; want < 8; want++ {
		if fd, _, _ := seq.Allocate(); fd != want {
			t.Errorf("Allocate = %d, want %d", fd, want)
		}
	}

	fd, release, err := ReservedAllocator{}.Allocate()
	if err != nil {
		t.Fatalf("ReservedAllocator: %v", err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("F_GETFD: %v", err)
	}
	if flags&unix.FD_CLOEXEC == 0 {
		t.Error("reserved descriptor not close-on-exec")
	}
	release()

	if _, _, err := (ReservedAllocator{Path: "/nonexistent/reserve"}).Allocate(); err == nil {
		t.Error("Allocate on missing path succeeded")
	}
}
