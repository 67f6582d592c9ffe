package socket

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vtcp/pkg/config"
	"vtcp/pkg/sockerr"
)

type Options struct {
	Config    config.Config
	Dialer    Dialer
	Allocator Allocator
	// OnTransition, if set, observes every state change.
	OnTransition func(fd int, from, to State)
}

func (o *Options) observe(fd int, from, to State) {
	Logger().Debug("transition", zap.Int("fd", fd), zap.Stringer("from", from), zap.Stringer("to", to))
	if o.OnTransition != nil {
		o.OnTransition(fd, from, to)
	}
}

// Table maps descriptors to virtual sockets. Lookups take no lock.
type Table struct {
	socks sync.Map // int -> *VirtualSocket
	count atomic.Int64
	opts  Options

	// released holds descriptors of closed sockets until the number is
	// registered again.
	released sync.Map // int -> struct{}
}

func NewTable(opts Options) *Table {
	if opts.Allocator == nil {
		opts.Allocator = ReservedAllocator{}
	}
	if opts.Config == (config.Config{}) {
		opts.Config = config.Default()
	}
	return &Table{opts: opts}
}

func (t *Table) Config() config.Config { return t.opts.Config }

// Create opens a channel to the stack and registers a socket in Created.
// When the stack is unreachable nothing is registered.
func (t *Table) Create(ctx context.Context, nonBlock bool) (*VirtualSocket, error) {
	ch, err := t.opts.Dialer.Open(ctx)
	if err != nil {
		if sockerr.KindOf(err) == "" {
			err = sockerr.Wrap(err, "socket", sockerr.KindStackUnavailable)
		}
		return nil, err
	}
	return t.register(ctx, ch, "socket", Created, nonBlock)
}

func (t *Table) register(ctx context.Context, ch Channel, op string, state State, nonBlock bool) (*VirtualSocket, error) {
	fd, release, err := t.opts.Allocator.Allocate()
	if err != nil {
		ch.Close(ctx)
		return nil, &sockerr.Error{Op: op, Kind: sockerr.KindStackUnavailable, Errno: unix.EMFILE, Cause: err}
	}
	s := newVirtualSocket(fd, ch, &t.opts, release, state, nonBlock)
	if err := t.Insert(s); err != nil {
		ch.Close(ctx)
		release()
		return nil, err
	}
	return s, nil
}

// Insert adds s under its descriptor. An existing entry is never replaced.
func (t *Table) Insert(s *VirtualSocket) error {
	if _, loaded := t.socks.LoadOrStore(s.fd, s); loaded {
		Logger().Error("descriptor already registered", zap.Int("fd", s.fd))
		return sockerr.New("socket", sockerr.KindDuplicateDescriptor)
	}
	t.released.Delete(s.fd)
	t.count.Add(1)
	return nil
}

func (t *Table) Lookup(fd int) (*VirtualSocket, bool) {
	v, ok := t.socks.Load(fd)
	if !ok {
		return nil, false
	}
	return v.(*VirtualSocket), true
}

func (t *Table) Remove(fd int) {
	if _, ok := t.socks.LoadAndDelete(fd); ok {
		t.count.Add(-1)
	}
}

// Released reports whether fd belonged to a socket that was closed and has
// not been registered since.
func (t *Table) Released(fd int) bool {
	_, ok := t.released.Load(fd)
	return ok
}

// Forget drops the record of a released descriptor, for when the number
// has been reused outside the table.
func (t *Table) Forget(fd int) { t.released.Delete(fd) }

func (t *Table) Len() int { return int(t.count.Load()) }

func (t *Table) Range(f func(fd int, s *VirtualSocket) bool) {
	t.socks.Range(func(k, v any) bool {
		return f(k.(int), v.(*VirtualSocket))
	})
}

// Accept takes one completed connection from listener l and registers it
// as a new socket in Connected.
func (t *Table) Accept(ctx context.Context, l *VirtualSocket, nonBlock bool) (*VirtualSocket, error) {
	const op = "accept"
	p, err := l.nextPending(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := t.opts.Dialer.Adopt(ctx, p.Token)
	if err != nil {
		Logger().Warn("adopting accepted connection failed", zap.Int("listener", l.fd), zap.Error(err))
		return nil, &sockerr.Error{Op: op, Kind: sockerr.KindConnectionReset, Errno: unix.ECONNABORTED, Cause: err}
	}
	s, err := t.register(ctx, ch, op, Connected, nonBlock)
	if err != nil {
		return nil, err
	}
	s.setAddrs(p.Local, p.Remote)
	return s, nil
}

// Close closes the socket at fd, removes it and releases its descriptor, in
// that order. Only the first Close does that work; concurrent ones return
// after it has finished. Closing a released descriptor again succeeds.
func (t *Table) Close(ctx context.Context, fd int) error {
	s, ok := t.Lookup(fd)
	if !ok {
		if t.Released(fd) {
			return nil
		}
		return sockerr.New("close", sockerr.KindBadDescriptor)
	}
	won, err := s.shut(ctx)
	switch {
	case won:
		defer s.finish()
	case err != nil:
		return err
	}
	if won {
		t.released.Store(fd, struct{}{})
	}
	if t.socks.CompareAndDelete(fd, s) {
		t.count.Add(-1)
		t.released.Store(fd, struct{}{})
		s.release()
	}
	return err
}
