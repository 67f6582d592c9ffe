package bridge

import (
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Engine is the stack behind a Server. Each channel owns at most one
// endpoint, created by Open or, for accepted connections, by Adopt.
type Engine interface {
	Open() (Endpoint, *tcpip.Error)
	Adopt(token uint64) (Endpoint, *tcpip.Error)
}

// Endpoint is one socket inside the engine. Wait arguments follow
// Frame.Wait: zero returns immediately, negative blocks without limit.
type Endpoint interface {
	ID() uint64
	Bind(addr netip.AddrPort) (netip.AddrPort, *tcpip.Error)
	Listen(backlog int) *tcpip.Error
	Connect(addr netip.AddrPort, wait time.Duration) (netip.AddrPort, *tcpip.Error)
	Accept(wait time.Duration, max int) ([]Pending, *tcpip.Error)
	Send(data []byte, wait time.Duration) (int, *tcpip.Error)
	Receive(max int, wait time.Duration, peek bool) ([]byte, bool, *tcpip.Error)
	Poll() PollResult
	Shutdown(how int) *tcpip.Error
	Close()
}

// Server accepts channels on the rendezvous endpoint and serves each one on
// its own goroutine.
type Server struct {
	engine Engine

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func NewServer(engine Engine) *Server {
	return &Server{
		engine: engine,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the unix socket at path, replacing a stale socket file left
// by a previous run.
func (s *Server) Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrapf(err, "remove stale %s", path)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", path)
	}
	return ln, nil
}

func (s *Server) ListenAndServe(path string) error {
	ln, err := s.Listen(path)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts channels until ln fails or the server is closed. It returns
// nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	Logger().Info("serving", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "accept channel")
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

// Close stops accepting, disconnects every channel and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	var ep Endpoint
	defer func() {
		if ep != nil {
			ep.Close()
		}
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !s.closed.Load() {
				Logger().Debug("channel read failed", zap.Error(err))
			}
			return
		}
		if req.Reply {
			Logger().Warn("dropping channel that sent a reply frame", zap.Stringer("op", req.Op))
			return
		}
		rep := &Frame{Op: req.Op, Reply: true, Seq: req.Seq}
		ep = s.handle(ep, req, rep)
		if err := WriteFrame(conn, rep); err != nil {
			Logger().Debug("channel write failed", zap.Error(err))
			return
		}
	}
}

// handle serves one request and returns the endpoint now owned by the
// channel.
func (s *Server) handle(ep Endpoint, req, rep *Frame) Endpoint {
	switch req.Op {
	case OpSocket, OpAttach:
		if ep != nil {
			rep.Status = StatusInvalidState
			return ep
		}
		var terr *tcpip.Error
		if req.Op == OpSocket {
			ep, terr = s.engine.Open()
		} else {
			ep, terr = s.engine.Adopt(req.Token)
		}
		if terr != nil {
			rep.Status = statusFor(terr)
			return nil
		}
		rep.Token = ep.ID()
		return ep
	}
	if ep == nil {
		rep.Status = StatusInvalidState
		return nil
	}

	var terr *tcpip.Error
	switch req.Op {
	case OpBind:
		rep.Local, terr = ep.Bind(req.Local)
	case OpListen:
		terr = ep.Listen(int(req.Backlog))
	case OpConnect:
		rep.Local, terr = ep.Connect(req.Remote, req.Wait())
	case OpAcceptNotify:
		rep.Pending, terr = ep.Accept(req.Wait(), int(req.Count))
	case OpSend:
		var n int
		n, terr = ep.Send(req.Data, req.Wait())
		rep.Count = uint32(n)
	case OpReceive:
		max := int(req.MaxLen)
		if max == 0 || max > MaxData {
			max = MaxData
		}
		var eof bool
		rep.Data, eof, terr = ep.Receive(max, req.Wait(), req.Flags&FlagPeek != 0)
		if eof {
			rep.Events |= EventHup
		}
	case OpPoll:
		res := ep.Poll()
		rep.Events, rep.Readable, rep.Count = res.Events, res.Readable, res.Pending
	case OpShutdown:
		terr = ep.Shutdown(int(req.How))
	case OpClose:
		ep.Close()
		return nil
	default:
		rep.Status = StatusUnsupported
		return ep
	}
	if terr != nil {
		rep.Status = statusFor(terr)
	}
	return ep
}

func statusFor(err *tcpip.Error) Status {
	switch err {
	case nil:
		return StatusOK
	case tcpip.ErrPortInUse:
		return StatusAddressInUse
	case tcpip.ErrConnectionRefused:
		return StatusConnectionRefused
	case tcpip.ErrConnectionReset, tcpip.ErrConnectionAborted, tcpip.ErrAborted:
		return StatusConnectionReset
	case tcpip.ErrClosedForSend:
		return StatusBrokenPipe
	case tcpip.ErrTimeout:
		return StatusTimeout
	case tcpip.ErrWouldBlock:
		return StatusWouldBlock
	case tcpip.ErrConnectStarted, tcpip.ErrAlreadyConnecting:
		return StatusInProgress
	case tcpip.ErrNotConnected:
		return StatusNotConnected
	case tcpip.ErrBadLocalAddress, tcpip.ErrNoPortAvailable:
		return StatusAddressNotAvailable
	case tcpip.ErrNotSupported:
		return StatusUnsupported
	}
	return StatusInvalidState
}
