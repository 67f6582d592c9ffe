package socket

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"vtcp/pkg/bridge"
	"vtcp/pkg/config"
	"vtcp/pkg/sockerr"
)

var errTornDown = errors.New("fake: channel torn down")

// fakeChannel answers exchanges from function hooks and records the op
// names it served.
type fakeChannel struct {
	mu     sync.Mutex
	calls  []string
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool

	bind    func(addr netip.AddrPort) (netip.AddrPort, error)
	listen  func(backlog int) error
	connect func(addr netip.AddrPort, wait time.Duration) (netip.AddrPort, error)
	accept  func(wait time.Duration, max int) ([]bridge.Pending, error)
	send    func(data []byte, wait time.Duration) (int, error)
	receive func(max int, wait time.Duration, peek bool) ([]byte, bool, error)
	poll    func() bridge.PollResult
	onClose func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (f *fakeChannel) record(op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	if f.closed.Load() {
		return errTornDown
	}
	return nil
}

func (f *fakeChannel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// block waits for wait or teardown, whichever comes first.
func (f *fakeChannel) block(wait time.Duration) error {
	if wait == 0 {
		return sockerr.New("fake", sockerr.KindWouldBlock)
	}
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-f.done:
		return errTornDown
	case <-timeout:
		return sockerr.New("fake", sockerr.KindWouldBlock)
	}
}

func (f *fakeChannel) Bind(_ context.Context, addr netip.AddrPort) (netip.AddrPort, error) {
	if err := f.record("bind"); err != nil {
		return netip.AddrPort{}, err
	}
	if f.bind != nil {
		return f.bind(addr)
	}
	return addr, nil
}

func (f *fakeChannel) Listen(_ context.Context, backlog int) error {
	if err := f.record("listen"); err != nil {
		return err
	}
	if f.listen != nil {
		return f.listen(backlog)
	}
	return nil
}

func (f *fakeChannel) Connect(_ context.Context, addr netip.AddrPort, wait time.Duration) (netip.AddrPort, error) {
	if err := f.record("connect"); err != nil {
		return netip.AddrPort{}, err
	}
	if f.connect != nil {
		return f.connect(addr, wait)
	}
	return netip.MustParseAddrPort("10.0.0.1:40000"), nil
}

func (f *fakeChannel) Accept(_ context.Context, wait time.Duration, max int) ([]bridge.Pending, error) {
	if err := f.record("accept"); err != nil {
		return nil, err
	}
	if f.accept != nil {
		return f.accept(wait, max)
	}
	return nil, f.block(wait)
}

func (f *fakeChannel) Send(_ context.Context, data []byte, wait time.Duration) (int, error) {
	if err := f.record("send"); err != nil {
		return 0, err
	}
	if f.send != nil {
		return f.send(data, wait)
	}
	return len(data), nil
}

func (f *fakeChannel) Receive(_ context.Context, max int, wait time.Duration, peek bool) ([]byte, bool, error) {
	if err := f.record("receive"); err != nil {
		return nil, false, err
	}
	if f.receive != nil {
		return f.receive(max, wait, peek)
	}
	return nil, false, f.block(wait)
}

func (f *fakeChannel) Poll(context.Context) (bridge.PollResult, bool, error) {
	if err := f.record("poll"); err != nil {
		return bridge.PollResult{}, true, err
	}
	if f.poll != nil {
		return f.poll(), true, nil
	}
	return bridge.PollResult{}, true, nil
}

func (f *fakeChannel) Shutdown(context.Context, int) error {
	return f.record("shutdown")
}

func (f *fakeChannel) Close(context.Context) error {
	f.record("close")
	if f.onClose != nil {
		f.onClose()
	}
	f.once.Do(func() {
		f.closed.Store(true)
		close(f.done)
	})
	return nil
}

func (f *fakeChannel) Closed() bool { return f.closed.Load() }

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	newChan func() *fakeChannel
	opened  []*fakeChannel
	adopted []uint64
}

func (d *fakeDialer) Open(context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	if d.newChan != nil {
		ch = d.newChan()
	}
	d.opened = append(d.opened, ch)
	return ch, nil
}

func (d *fakeDialer) Adopt(_ context.Context, token uint64) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.adopted = append(d.adopted, token)
	ch := newFakeChannel()
	d.opened = append(d.opened, ch)
	return ch, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BlockSlice = 5 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.CloseTimeout = 100 * time.Millisecond
	cfg.MaxPending = 8
	return cfg
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (l *transitionLog) record(fd int, from, to State) {
	l.mu.Lock()
	l.log = append(l.log, from.String()+">"+to.String())
	l.mu.Unlock()
}

func (l *transitionLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

func newTestTable(d *fakeDialer, hook func(int, State, State)) *Table {
	return NewTable(Options{
		Config:       testConfig(),
		Dialer:       d,
		Allocator:    NewSequenceAllocator(1000),
		OnTransition: hook,
	})
}

// create returns a fresh socket and the fake channel behind it.
func create(t interface {
	Helper()
	Fatalf(string, ...any)
}, tbl *Table, d *fakeDialer) (*VirtualSocket, *fakeChannel) {
	t.Helper()
	s, err := tbl.Create(context.Background(), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.mu.Lock()
	ch := d.opened[len(d.opened)-1]
	d.mu.Unlock()
	return s, ch
}
