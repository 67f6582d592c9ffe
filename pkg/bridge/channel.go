package bridge

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vtcp/pkg/sockerr"
)

// DefaultEndpoint is the rendezvous path of the external stack.
const DefaultEndpoint = "/tmp/wtfistcp_unix_socket"

const defaultGrace = time.Second

var ErrClosed = errors.New("bridge: channel closed")

// Dialer opens channels to the external stack.
type Dialer struct {
	Path string
	// Timeout bounds dialing and the extra time a reply may take beyond the
	// wait the request asked for.
	Timeout time.Duration
}

// Open dials the rendezvous endpoint and registers a new endpoint on it.
// Every failure is reported as StackUnavailable.
func (d *Dialer) Open(ctx context.Context) (*Channel, error) {
	c, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	rep, err := c.Exchange(ctx, &Frame{Op: OpSocket})
	if err == nil {
		err = rep.Status.Err("socket")
	}
	if err != nil {
		c.Teardown()
		return nil, sockerr.Wrap(err, "socket", sockerr.KindStackUnavailable)
	}
	c.id = rep.Token
	Logger().Debug("channel opened", zap.String("path", d.Path), zap.Uint64("endpoint", c.id))
	return c, nil
}

// Adopt dials a fresh channel and attaches it to a connection the stack
// queued on a listening endpoint.
func (d *Dialer) Adopt(ctx context.Context, token uint64) (*Channel, error) {
	c, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	rep, err := c.Exchange(ctx, &Frame{Op: OpAttach, Token: token})
	if err == nil {
		err = rep.Status.Err("accept")
	}
	if err != nil {
		c.Teardown()
		return nil, err
	}
	c.id = rep.Token
	Logger().Debug("channel adopted", zap.Uint64("token", token), zap.Uint64("endpoint", c.id))
	return c, nil
}

func (d *Dialer) dial(ctx context.Context) (*Channel, error) {
	path := d.Path
	if path == "" {
		path = DefaultEndpoint
	}
	grace := d.Timeout
	if grace <= 0 {
		grace = defaultGrace
	}
	dctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dctx, "unix", path)
	if err != nil {
		return nil, sockerr.Wrap(errors.Wrapf(err, "dial %s", path), "socket", sockerr.KindStackUnavailable)
	}
	return &Channel{conn: conn, grace: grace}, nil
}

// PollResult is the stack's view of an endpoint's readiness.
type PollResult struct {
	Events   Events
	Readable uint32
	Pending  uint32
}

// Channel is one socket's connection to the external stack. Exchanges are
// strictly request/reply; concurrent callers queue on the channel.
type Channel struct {
	conn      net.Conn
	mu        sync.Mutex
	seq       uint32
	id        uint64
	grace     time.Duration
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewChannel wraps an established connection. Used by tests and by callers
// that manage dialing themselves.
func NewChannel(conn net.Conn, grace time.Duration) *Channel {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Channel{conn: conn, grace: grace}
}

// ID is the endpoint identifier the stack assigned to this channel.
func (c *Channel) ID() uint64 { return c.id }

func (c *Channel) Closed() bool { return c.closed.Load() }

// Exchange sends req and waits for its reply.
func (c *Channel) Exchange(ctx context.Context, req *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange(ctx, req)
}

// TryExchange is Exchange unless another exchange is in flight, in which case
// it returns ok == false without sending anything.
func (c *Channel) TryExchange(ctx context.Context, req *Frame) (rep *Frame, ok bool, err error) {
	if !c.mu.TryLock() {
		return nil, false, nil
	}
	defer c.mu.Unlock()
	rep, err = c.exchange(ctx, req)
	return rep, true, err
}

func (c *Channel) exchange(ctx context.Context, req *Frame) (*Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.seq++
	req.Seq = c.seq
	req.Reply = false

	deadline := time.Now().Add(c.grace)
	if w := req.Wait(); w > 0 {
		deadline = deadline.Add(w)
	} else if w < 0 {
		deadline = time.Time{}
	}
	if dl, ok := ctx.Deadline(); ok && req.Wait() == 0 && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteFrame(c.conn, req); err != nil {
		return nil, c.fail(err)
	}
	rep, err := ReadFrame(c.conn)
	if err != nil {
		if ctx.Err() != nil {
			c.Teardown()
			return nil, errors.Wrap(ctx.Err(), "bridge exchange")
		}
		return nil, c.fail(err)
	}
	if !rep.Reply || rep.Op != req.Op || rep.Seq != req.Seq {
		c.Teardown()
		return nil, errors.Errorf("bridge: reply %s/%d does not match request %s/%d", rep.Op, rep.Seq, req.Op, req.Seq)
	}
	return rep, nil
}

// fail tears the channel down: after a failed write or read the stream
// position of the next reply is unknown.
func (c *Channel) fail(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.Teardown()
	return errors.Wrap(err, "bridge exchange")
}

// Close releases the endpoint. An idle channel sends Close and waits for the
// acknowledgement; a busy one is torn down so that the in-flight exchange
// fails immediately.
func (c *Channel) Close(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}
	if !c.mu.TryLock() {
		Logger().Debug("tearing down busy channel", zap.Uint64("endpoint", c.id))
		c.Teardown()
		return nil
	}
	defer c.mu.Unlock()
	rep, err := c.exchange(ctx, &Frame{Op: OpClose})
	c.Teardown()
	if err != nil {
		return err
	}
	return rep.Status.Err("close")
}

// Teardown closes the connection without telling the stack; the stack treats
// the disconnect as a close.
func (c *Channel) Teardown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

func (c *Channel) Bind(ctx context.Context, addr netip.AddrPort) (netip.AddrPort, error) {
	rep, err := c.Exchange(ctx, &Frame{Op: OpBind, Local: addr})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := rep.Status.Err("bind"); err != nil {
		return netip.AddrPort{}, err
	}
	return rep.Local, nil
}

func (c *Channel) Listen(ctx context.Context, backlog int) error {
	rep, err := c.Exchange(ctx, &Frame{Op: OpListen, Backlog: uint32(backlog)})
	if err != nil {
		return err
	}
	return rep.Status.Err("listen")
}

// Connect asks the stack to connect to addr, waiting up to wait for the
// handshake. It returns the local address the stack picked.
func (c *Channel) Connect(ctx context.Context, addr netip.AddrPort, wait time.Duration) (netip.AddrPort, error) {
	req := &Frame{Op: OpConnect, Remote: addr}
	setWait(req, wait)
	rep, err := c.Exchange(ctx, req)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := rep.Status.Err("connect"); err != nil {
		return rep.Local, err
	}
	return rep.Local, nil
}

// Accept collects up to max connections queued on a listening endpoint.
func (c *Channel) Accept(ctx context.Context, wait time.Duration, max int) ([]Pending, error) {
	req := &Frame{Op: OpAcceptNotify, Count: uint32(max)}
	setWait(req, wait)
	rep, err := c.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := rep.Status.Err("accept"); err != nil {
		return nil, err
	}
	return rep.Pending, nil
}

// Send hands at most MaxData bytes to the stack and returns how many it took.
func (c *Channel) Send(ctx context.Context, data []byte, wait time.Duration) (int, error) {
	if len(data) > MaxData {
		data = data[:MaxData]
	}
	req := &Frame{Op: OpSend, Data: data}
	setWait(req, wait)
	rep, err := c.Exchange(ctx, req)
	if err != nil {
		return 0, err
	}
	if err := rep.Status.Err("send"); err != nil {
		return 0, err
	}
	return int(rep.Count), nil
}

// Receive reads up to max bytes. eof reports that the peer finished sending
// and no more data will arrive.
func (c *Channel) Receive(ctx context.Context, max int, wait time.Duration, peek bool) (data []byte, eof bool, err error) {
	req := &Frame{Op: OpReceive, MaxLen: uint32(min(max, MaxData))}
	if peek {
		req.Flags |= FlagPeek
	}
	setWait(req, wait)
	rep, err := c.Exchange(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if err := rep.Status.Err("recv"); err != nil {
		return nil, false, err
	}
	return rep.Data, rep.Events&EventHup != 0, nil
}

// Poll queries readiness without blocking behind another exchange; ok is
// false when the channel was busy.
func (c *Channel) Poll(ctx context.Context) (res PollResult, ok bool, err error) {
	rep, ok, err := c.TryExchange(ctx, &Frame{Op: OpPoll})
	if !ok || err != nil {
		return PollResult{}, ok, err
	}
	if err := rep.Status.Err("poll"); err != nil {
		return PollResult{}, true, err
	}
	return PollResult{Events: rep.Events, Readable: rep.Readable, Pending: rep.Count}, true, nil
}

func (c *Channel) Shutdown(ctx context.Context, how int) error {
	rep, err := c.Exchange(ctx, &Frame{Op: OpShutdown, How: uint8(how)})
	if err != nil {
		return err
	}
	return rep.Status.Err("shutdown")
}

func setWait(req *Frame, wait time.Duration) {
	switch {
	case wait == 0:
	case wait < 0:
		req.Flags |= FlagWait
	default:
		req.Flags |= FlagWait
		req.Timeout = max(wait, time.Millisecond)
	}
}
