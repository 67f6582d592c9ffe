// Package socket implements virtual IPv4/TCP sockets: the lifecycle state
// machine, the descriptor table and the translation of stack replies into the
// results a kernel socket would give.
//
// Every operation is checked against the current state before anything is
// sent to the stack, so illegal call sequences fail locally. Blocking calls
// wait in slices of Config.BlockSlice and release the socket between slices,
// which lets another thread send while a receive is pending.
package socket

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vtcp/pkg/bridge"
	"vtcp/pkg/sockerr"
)

// Ready is the readiness of a virtual socket in poll terms.
type Ready uint8

const (
	ReadyRead Ready = 1 << iota
	ReadyWrite
	ReadyHup
	ReadyErr
)

// IOFlags are the per-call flags of send and recv.
type IOFlags struct {
	DontWait bool
	Peek     bool
	WaitAll  bool
}

type VirtualSocket struct {
	fd      int
	ch      Channel
	opts    *Options
	release func()

	state atomic.Uint32
	// mu serializes exchanges on the channel and guards pending.
	mu      sync.Mutex
	pending []bridge.Pending

	addrMu     sync.Mutex
	local      netip.AddrPort
	remote     netip.AddrPort
	connectTo  netip.AddrPort
	preConnect State

	nonBlocking atomic.Bool
	readShut    atomic.Bool
	writeShut   atomic.Bool
	eof         atomic.Bool
	soError     atomic.Int32
	rcvTimeo    atomic.Int64
	sndTimeo    atomic.Int64
	lastReady   atomic.Uint32

	optMu    sync.Mutex
	sockopts map[optKey][]byte

	// closed is closed once the first Close has finished.
	closed    chan struct{}
	closeOnce sync.Once
}

func newVirtualSocket(fd int, ch Channel, opts *Options, release func(), state State, nonBlock bool) *VirtualSocket {
	s := &VirtualSocket{
		fd:      fd,
		ch:      ch,
		opts:    opts,
		release: release,
		closed:  make(chan struct{}),
	}
	s.state.Store(uint32(state))
	s.nonBlocking.Store(nonBlock)
	return s
}

func (s *VirtualSocket) FD() int { return s.fd }

func (s *VirtualSocket) State() State { return State(s.state.Load()) }

func (s *VirtualSocket) LocalAddr() netip.AddrPort {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.local
}

func (s *VirtualSocket) RemoteAddr() netip.AddrPort {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.remote
}

func (s *VirtualSocket) setAddrs(local, remote netip.AddrPort) {
	s.addrMu.Lock()
	if local.IsValid() {
		s.local = local
	}
	if remote.IsValid() {
		s.remote = remote
	}
	s.addrMu.Unlock()
}

// transition moves to `to` from whatever the current state is, if the
// transition table allows it.
func (s *VirtualSocket) transition(to State) bool {
	for {
		from := s.State()
		if !CanTransition(from, to) {
			return false
		}
		if s.state.CompareAndSwap(uint32(from), uint32(to)) {
			s.opts.observe(s.fd, from, to)
			return true
		}
	}
}

// transitionFrom moves from -> to only if the socket is still in from.
func (s *VirtualSocket) transitionFrom(from, to State) bool {
	if !CanTransition(from, to) || !s.state.CompareAndSwap(uint32(from), uint32(to)) {
		return false
	}
	s.opts.observe(s.fd, from, to)
	return true
}

func closedErr(op string) error {
	return sockerr.WithErrno(op, sockerr.KindInvalidState, unix.EBADF)
}

// exchangeErr reports a failed exchange. Stack statuses pass through; a
// broken channel is reported as closedErr when the socket is being closed
// and as a reset otherwise.
func (s *VirtualSocket) exchangeErr(op string, err error, whenClosed error) error {
	if sockerr.KindOf(err) != "" {
		return err
	}
	if s.State() >= Closing {
		return whenClosed
	}
	Logger().Debug("exchange failed", zap.Int("fd", s.fd), zap.String("op", op), zap.Error(err))
	return sockerr.Wrap(err, op, sockerr.KindConnectionReset)
}

func (s *VirtualSocket) deadline(timeo *atomic.Int64) time.Time {
	if d := time.Duration(timeo.Load()); d > 0 {
		return time.Now().Add(d)
	}
	return time.Time{}
}

// slice is how long the next blocking exchange may wait.
func (s *VirtualSocket) slice(deadline time.Time) time.Duration {
	w := s.opts.Config.BlockSlice
	if !deadline.IsZero() {
		if rem := time.Until(deadline); rem < w {
			return rem
		}
	}
	return w
}

func (s *VirtualSocket) Bind(ctx context.Context, addr netip.AddrPort) error {
	const op = "bind"
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case Created:
	case Closing, Closed:
		return closedErr(op)
	default:
		return sockerr.New(op, sockerr.KindInvalidState)
	}
	local, err := s.ch.Bind(ctx, addr)
	if err != nil {
		return s.exchangeErr(op, err, closedErr(op))
	}
	if !s.transitionFrom(Created, Bound) {
		return closedErr(op)
	}
	s.setAddrs(local, netip.AddrPort{})
	return nil
}

func (s *VirtualSocket) Listen(ctx context.Context, backlog int) error {
	const op = "listen"
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.State()
	switch from {
	case Bound, Listening:
	case Closing, Closed:
		return closedErr(op)
	default:
		return sockerr.New(op, sockerr.KindInvalidState)
	}
	if max := s.opts.Config.MaxPending; backlog < 0 || backlog > max {
		backlog = max
	}
	if err := s.ch.Listen(ctx, backlog); err != nil {
		return s.exchangeErr(op, err, closedErr(op))
	}
	if !s.transitionFrom(from, Listening) {
		return closedErr(op)
	}
	return nil
}

// Connect connects to addr. A non-blocking socket returns an InProgress
// error while the handshake is outstanding; completion is observed by
// Readiness or a repeated Connect.
func (s *VirtualSocket) Connect(ctx context.Context, addr netip.AddrPort) error {
	const op = "connect"
	s.mu.Lock()
	from := s.State()
	switch from {
	case Created, Bound:
		if errno := s.TakeError(); errno != 0 {
			s.mu.Unlock()
			return sockerr.WithErrno(op, sockerr.KindConnectionRefused, errno)
		}
	case Connecting:
		s.mu.Unlock()
		if !s.nonBlocking.Load() {
			return sockerr.WithErrno(op, sockerr.KindInvalidState, unix.EALREADY)
		}
		switch s.pollConnect(ctx) {
		case Connected:
			return nil
		case Created, Bound:
			// The handshake failed; report it, or start over if the
			// error was already collected through SO_ERROR.
			return s.Connect(ctx, addr)
		}
		return sockerr.WithErrno(op, sockerr.KindInvalidState, unix.EALREADY)
	case Connected, Listening:
		s.mu.Unlock()
		return sockerr.WithErrno(op, sockerr.KindInvalidState, unix.EISCONN)
	default:
		s.mu.Unlock()
		return closedErr(op)
	}
	if !s.transitionFrom(from, Connecting) {
		s.mu.Unlock()
		return closedErr(op)
	}
	s.addrMu.Lock()
	s.connectTo = addr
	s.preConnect = from
	s.addrMu.Unlock()

	if s.nonBlocking.Load() {
		local, err := s.ch.Connect(ctx, addr, 0)
		s.mu.Unlock()
		switch {
		case err == nil:
			return s.completeConnect(local, addr)
		case sockerr.KindOf(err) == sockerr.KindInProgress:
			s.setAddrs(local, netip.AddrPort{})
			return sockerr.New(op, sockerr.KindInProgress)
		}
		s.transitionFrom(Connecting, from)
		return s.exchangeErr(op, err, closedErr(op))
	}
	s.mu.Unlock()

	timeout := time.Duration(s.sndTimeo.Load())
	if timeout <= 0 {
		timeout = s.opts.Config.ConnectTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		wait := s.slice(deadline)
		if wait <= 0 {
			s.transitionFrom(Connecting, from)
			return sockerr.New(op, sockerr.KindTimeout)
		}
		s.mu.Lock()
		if s.State() != Connecting {
			s.mu.Unlock()
			return closedErr(op)
		}
		local, err := s.ch.Connect(ctx, addr, wait)
		s.mu.Unlock()
		if err == nil {
			return s.completeConnect(local, addr)
		}
		switch sockerr.KindOf(err) {
		case sockerr.KindInProgress, sockerr.KindTimeout, sockerr.KindWouldBlock:
			continue
		}
		s.transitionFrom(Connecting, from)
		return s.exchangeErr(op, err, closedErr(op))
	}
}

func (s *VirtualSocket) completeConnect(local, remote netip.AddrPort) error {
	if !s.transitionFrom(Connecting, Connected) {
		return closedErr("connect")
	}
	s.setAddrs(local, remote)
	return nil
}

// pollConnect checks an outstanding non-blocking connect and returns the
// resulting state.
func (s *VirtualSocket) pollConnect(ctx context.Context) State {
	if !s.mu.TryLock() {
		return s.State()
	}
	defer s.mu.Unlock()
	if s.State() != Connecting {
		return s.State()
	}
	res, ok, err := s.ch.Poll(ctx)
	if !ok {
		return Connecting
	}
	s.addrMu.Lock()
	remote, from := s.connectTo, s.preConnect
	s.addrMu.Unlock()
	switch {
	case err == nil && res.Events&bridge.EventConnected != 0:
		s.completeConnect(netip.AddrPort{}, remote)
	case err != nil || res.Events&bridge.EventError != 0:
		s.soError.CompareAndSwap(0, int32(unix.ECONNREFUSED))
		s.transitionFrom(Connecting, from)
	}
	return s.State()
}

// nextPending returns one completed connection, from the local queue when
// it is not empty and from the stack otherwise.
func (s *VirtualSocket) nextPending(ctx context.Context) (bridge.Pending, error) {
	const op = "accept"
	deadline := s.deadline(&s.rcvTimeo)
	for {
		s.mu.Lock()
		switch s.State() {
		case Listening:
		case Closing, Closed:
			s.mu.Unlock()
			return bridge.Pending{}, closedErr(op)
		default:
			s.mu.Unlock()
			return bridge.Pending{}, sockerr.New(op, sockerr.KindInvalidState)
		}
		if p, ok := s.popPendingLocked(); ok {
			s.mu.Unlock()
			return p, nil
		}
		nb := s.nonBlocking.Load()
		var wait time.Duration
		if !nb {
			if wait = s.slice(deadline); wait <= 0 {
				s.mu.Unlock()
				return bridge.Pending{}, sockerr.New(op, sockerr.KindWouldBlock)
			}
		}
		got, err := s.ch.Accept(ctx, wait, max(1, s.opts.Config.MaxPending))
		s.pending = append(s.pending, got...)
		p, ok := s.popPendingLocked()
		s.mu.Unlock()
		if ok {
			return p, nil
		}
		if err != nil {
			switch sockerr.KindOf(err) {
			case sockerr.KindWouldBlock, sockerr.KindTimeout:
			default:
				return bridge.Pending{}, s.exchangeErr(op, err, closedErr(op))
			}
		}
		if nb {
			return bridge.Pending{}, sockerr.New(op, sockerr.KindWouldBlock)
		}
	}
}

func (s *VirtualSocket) popPendingLocked() (bridge.Pending, bool) {
	if len(s.pending) == 0 {
		return bridge.Pending{}, false
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, true
}

// PendingLen is the number of connections buffered locally.
func (s *VirtualSocket) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Send sends data in chunks the wire accepts. A blocking send returns once
// everything is sent or SO_SNDTIMEO expires; a non-blocking one returns what
// the stack took.
func (s *VirtualSocket) Send(ctx context.Context, data []byte, flags IOFlags) (int, error) {
	const op = "send"
	switch s.State() {
	case Connected:
	case Closing, Closed:
		return 0, sockerr.New(op, sockerr.KindBrokenPipe)
	default:
		return 0, sockerr.WithErrno(op, sockerr.KindInvalidState, unix.EPIPE)
	}
	if s.writeShut.Load() {
		return 0, sockerr.New(op, sockerr.KindBrokenPipe)
	}
	if len(data) == 0 {
		return 0, nil
	}
	nb := flags.DontWait || s.nonBlocking.Load()
	deadline := s.deadline(&s.sndTimeo)
	sent := 0
	for sent < len(data) {
		chunk := data[sent:]
		if len(chunk) > bridge.MaxData {
			chunk = chunk[:bridge.MaxData]
		}
		var wait time.Duration
		if !nb {
			if wait = s.slice(deadline); wait <= 0 {
				break
			}
		}
		s.mu.Lock()
		if s.State() != Connected {
			s.mu.Unlock()
			if sent > 0 {
				return sent, nil
			}
			return 0, sockerr.New(op, sockerr.KindBrokenPipe)
		}
		n, err := s.ch.Send(ctx, chunk, wait)
		s.mu.Unlock()
		sent += n
		if err != nil {
			switch sockerr.KindOf(err) {
			case sockerr.KindWouldBlock, sockerr.KindTimeout:
				if nb {
					return s.partial(op, sent)
				}
				continue
			}
			if sent > 0 {
				return sent, nil
			}
			return 0, s.exchangeErr(op, err, sockerr.New(op, sockerr.KindBrokenPipe))
		}
		if nb && n < len(chunk) {
			break
		}
	}
	return s.partial(op, sent)
}

func (s *VirtualSocket) partial(op string, n int) (int, error) {
	if n == 0 {
		return 0, sockerr.New(op, sockerr.KindWouldBlock)
	}
	return n, nil
}

// Recv reads up to max bytes. A nil slice with a nil error is end of stream.
func (s *VirtualSocket) Recv(ctx context.Context, max int, flags IOFlags) ([]byte, error) {
	const op = "recv"
	switch s.State() {
	case Connected:
	case Closing, Closed:
		return nil, closedErr(op)
	default:
		return nil, sockerr.WithErrno(op, sockerr.KindInvalidState, unix.ENOTCONN)
	}
	if max <= 0 || s.readShut.Load() || s.eof.Load() {
		return nil, nil
	}
	nb := flags.DontWait || s.nonBlocking.Load()
	deadline := s.deadline(&s.rcvTimeo)
	var out []byte
	for {
		var wait time.Duration
		if !nb {
			if wait = s.slice(deadline); wait <= 0 {
				if len(out) > 0 {
					return out, nil
				}
				return nil, sockerr.New(op, sockerr.KindWouldBlock)
			}
		}
		s.mu.Lock()
		if s.State() != Connected {
			s.mu.Unlock()
			if len(out) > 0 {
				return out, nil
			}
			return nil, closedErr(op)
		}
		data, eof, err := s.ch.Receive(ctx, min(max-len(out), bridge.MaxData), wait, flags.Peek)
		s.mu.Unlock()
		if err != nil {
			switch sockerr.KindOf(err) {
			case sockerr.KindWouldBlock, sockerr.KindTimeout:
				if !nb {
					continue
				}
				if len(out) > 0 {
					return out, nil
				}
				return nil, sockerr.New(op, sockerr.KindWouldBlock)
			}
			if len(out) > 0 {
				return out, nil
			}
			return nil, s.exchangeErr(op, err, closedErr(op))
		}
		if eof {
			s.eof.Store(true)
			return out, nil
		}
		out = append(out, data...)
		if !flags.WaitAll || flags.Peek || nb || len(out) >= max {
			return out, nil
		}
	}
}

// Shutdown follows shutdown(2) for SHUT_RD, SHUT_WR and SHUT_RDWR.
func (s *VirtualSocket) Shutdown(ctx context.Context, how int) error {
	const op = "shutdown"
	switch s.State() {
	case Connected:
	case Closing, Closed:
		return closedErr(op)
	default:
		return sockerr.WithErrno(op, sockerr.KindNotConnected, unix.ENOTCONN)
	}
	if how != unix.SHUT_RD && how != unix.SHUT_WR && how != unix.SHUT_RDWR {
		return sockerr.New(op, sockerr.KindInvalidArgument)
	}
	s.mu.Lock()
	err := s.ch.Shutdown(ctx, how)
	s.mu.Unlock()
	if err != nil {
		return s.exchangeErr(op, err, closedErr(op))
	}
	if how != unix.SHUT_WR {
		s.readShut.Store(true)
	}
	if how != unix.SHUT_RD {
		s.writeShut.Store(true)
	}
	return nil
}

// Close moves the socket to Closed and releases its channel. A Close that
// finds the socket already closing waits for the first one to finish and
// then succeeds without doing anything.
func (s *VirtualSocket) Close(ctx context.Context) error {
	won, err := s.shut(ctx)
	if won {
		s.finish()
	}
	return err
}

// shut drives the socket to Closed. Only the caller that moved it to
// Closing gets won; the others return once finish has been called or ctx
// is done.
func (s *VirtualSocket) shut(ctx context.Context) (won bool, err error) {
	for {
		from := s.State()
		if from == Closing || from == Closed {
			select {
			case <-s.closed:
				return false, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		if s.state.CompareAndSwap(uint32(from), uint32(Closing)) {
			s.opts.observe(s.fd, from, Closing)
			break
		}
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.Config.CloseTimeout)
	defer cancel()
	if err := s.ch.Close(cctx); err != nil {
		Logger().Debug("close not acknowledged", zap.Int("fd", s.fd), zap.Error(err))
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.transitionFrom(Closing, Closed)
	return true, nil
}

func (s *VirtualSocket) finish() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Readiness reports what a poll on the socket would return. It never waits
// behind an operation in progress; in that case the last known readiness is
// reported.
func (s *VirtualSocket) Readiness(ctx context.Context) Ready {
	switch s.State() {
	case Created, Bound:
		if s.soError.Load() != 0 {
			return ReadyErr | ReadyWrite | ReadyHup
		}
		return ReadyWrite | ReadyHup
	case Closing, Closed:
		return ReadyHup
	case Connecting:
		switch s.pollConnect(ctx) {
		case Connecting:
			return 0
		case Created, Bound:
			return ReadyErr | ReadyWrite | ReadyHup
		}
	}
	if !s.mu.TryLock() {
		return Ready(s.lastReady.Load())
	}
	defer s.mu.Unlock()

	state := s.State()
	var r Ready
	if state == Listening && len(s.pending) > 0 {
		r |= ReadyRead
	}
	res, ok, err := s.ch.Poll(ctx)
	switch {
	case !ok:
		return Ready(s.lastReady.Load())
	case err != nil:
		r |= ReadyErr | ReadyHup
	case state == Listening:
		if res.Pending > 0 || res.Events&bridge.EventReadable != 0 {
			r |= ReadyRead
		}
	case state == Connected:
		if res.Events&bridge.EventReadable != 0 || s.readShut.Load() || s.eof.Load() {
			r |= ReadyRead
		}
		if res.Events&bridge.EventWritable != 0 && !s.writeShut.Load() {
			r |= ReadyWrite
		}
		if res.Events&bridge.EventHup != 0 {
			r |= ReadyHup
		}
		if res.Events&bridge.EventError != 0 {
			r |= ReadyErr
			s.soError.CompareAndSwap(0, int32(unix.ECONNRESET))
		}
	}
	s.lastReady.Store(uint32(r))
	return r
}
