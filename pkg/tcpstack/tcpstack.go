// Loopback TCP engine served to interposed processes over the rendezvous
// channel. Connections are paired in memory; no packets are produced.
package tcpstack

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/netstack/tcpip"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"vtcp/pkg/bridge"
	"vtcp/pkg/orderedmap"
)

const (
	CLOSED       TCPState = 0
	LISTEN       TCPState = 1
	SYN_SENT     TCPState = 2
	SYN_RECEIVED TCPState = 3
	ESTABLISHED  TCPState = 4
	FIN_WAIT_1   TCPState = 5
	FIN_WAIT_2   TCPState = 6
	CLOSING      TCPState = 7
	TIME_WAIT    TCPState = 8
	CLOSE_WAIT   TCPState = 9
	LAST_ACK     TCPState = 10
	BOUND        TCPState = 11

	EphemeralLow  = 49152
	EphemeralHigh = 65535
	MaxBacklog    = 4096
	portAttempts  = 64
)

var stateNames = map[TCPState]string{
	CLOSED:       "CLOSED",
	LISTEN:       "LISTEN",
	SYN_SENT:     "SYN_SENT",
	SYN_RECEIVED: "SYN_RECEIVED",
	ESTABLISHED:  "ESTABLISHED",
	FIN_WAIT_1:   "FIN_WAIT_1",
	FIN_WAIT_2:   "FIN_WAIT_2",
	CLOSING:      "CLOSING",
	TIME_WAIT:    "TIME_WAIT",
	CLOSE_WAIT:   "CLOSE_WAIT",
	LAST_ACK:     "LAST_ACK",
	BOUND:        "BOUND",
}

func (s TCPState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

type (
	TCPState  int
	TCPSocket struct {
		SID         uint64
		InitSeqNum  uint32
		LocIP       netip.Addr
		LocPort     uint16
		RemIP       netip.Addr
		RemPort     uint16
		State       int32
		Backlog     int
		Token       uint64 // set while queued on a listener and not yet adopted
		AcceptQueue Accept
		RecvBuf     RecvBuffer

		stack     *TCPStack
		peer      *TCPSocket
		writeShut atomic.Bool
		removed   atomic.Bool
	}
	Accept struct {
		Queue  []*TCPSocket
		Lock   sync.Mutex
		Cond   *sync.Cond
		closed bool
	}
	TCPStack struct {
		Socks     *orderedmap.OrderedMap[uint64, *TCPSocket]
		SocksLock sync.Mutex
		NextSock  uint64
		LocalIP   netip.Addr

		ports   map[uint16]*TCPSocket
		pending map[uint64]*TCPSocket
		closed  bool
	}
	// SocketInfo is a point-in-time view of a socket for listings.
	SocketInfo struct {
		ID     uint64
		Local  netip.AddrPort
		Remote netip.AddrPort
		State  TCPState
	}
)

// New creates an engine whose connections originate from localIP.
func New(localIP netip.Addr) *TCPStack {
	if !localIP.IsValid() {
		localIP = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return &TCPStack{
		Socks:    orderedmap.NewOrderedMap[uint64, *TCPSocket](),
		NextSock: 1,
		LocalIP:  localIP,
		ports:    make(map[uint16]*TCPSocket),
		pending:  make(map[uint64]*TCPSocket),
	}
}

// newSocketLocked registers a fresh socket. SocksLock must be held.
func (tcpStack *TCPStack) newSocketLocked(state TCPState) *TCPSocket {
	socket := &TCPSocket{
		SID:        tcpStack.NextSock,
		InitSeqNum: rand.Uint32(),
		State:      int32(state),
		stack:      tcpStack,
	}
	socket.RecvBuf.init(socket.InitSeqNum)
	socket.AcceptQueue.Cond = sync.NewCond(&socket.AcceptQueue.Lock)
	tcpStack.NextSock += 1
	tcpStack.Socks.Set(socket.SID, socket)
	return socket
}

// Open implements bridge.Engine.
func (tcpStack *TCPStack) Open() (bridge.Endpoint, *tcpip.Error) {
	tcpStack.SocksLock.Lock()
	defer tcpStack.SocksLock.Unlock()
	if tcpStack.closed {
		return nil, tcpip.ErrAborted
	}
	return tcpStack.newSocketLocked(CLOSED), nil
}

// Adopt implements bridge.Engine: it hands a connection queued on a listener
// to the channel that accepted it.
func (tcpStack *TCPStack) Adopt(token uint64) (bridge.Endpoint, *tcpip.Error) {
	tcpStack.SocksLock.Lock()
	defer tcpStack.SocksLock.Unlock()
	socket, ok := tcpStack.pending[token]
	if !ok {
		return nil, tcpip.ErrInvalidEndpointState
	}
	delete(tcpStack.pending, token)
	socket.Token = 0
	return socket, nil
}

// PortOpen reports whether a socket is bound to port.
func (tcpStack *TCPStack) PortOpen(port uint16) bool {
	tcpStack.SocksLock.Lock()
	defer tcpStack.SocksLock.Unlock()
	_, ok := tcpStack.ports[port]
	return ok
}

// Snapshot lists every socket in creation order.
func (tcpStack *TCPStack) Snapshot() []SocketInfo {
	tcpStack.SocksLock.Lock()
	defer tcpStack.SocksLock.Unlock()
	infos := make([]SocketInfo, 0, tcpStack.Socks.Len())
	tcpStack.Socks.Range(func(id uint64, sock *TCPSocket) bool {
		infos = append(infos, SocketInfo{
			ID:     id,
			Local:  netip.AddrPortFrom(addrOrAny(sock.LocIP), sock.LocPort),
			Remote: netip.AddrPortFrom(addrOrAny(sock.RemIP), sock.RemPort),
			State:  sock.GetState(),
		})
		return true
	})
	return infos
}

// CloseSocket closes the socket with the given ID, as if its channel had
// closed it.
func (tcpStack *TCPStack) CloseSocket(id uint64) error {
	tcpStack.SocksLock.Lock()
	sock, ok := tcpStack.Socks.Get(id)
	tcpStack.SocksLock.Unlock()
	if !ok {
		return fmt.Errorf("socket %d doesn't exist", id)
	}
	sock.Close()
	return nil
}

// Close closes every socket and refuses new ones.
func (tcpStack *TCPStack) Close() {
	tcpStack.SocksLock.Lock()
	tcpStack.closed = true
	socks := make([]*TCPSocket, 0, tcpStack.Socks.Len())
	tcpStack.Socks.Range(func(_ uint64, sock *TCPSocket) bool {
		socks = append(socks, sock)
		return true
	})
	tcpStack.SocksLock.Unlock()
	for _, sock := range socks {
		sock.Close()
	}
}

// ID implements bridge.Endpoint.
func (socket *TCPSocket) ID() uint64 { return socket.SID }

// isLocal reports whether addr names this host.
func (tcpStack *TCPStack) isLocal(addr netip.Addr) bool {
	return addr.IsUnspecified() || addr.IsLoopback() || addr == tcpStack.LocalIP
}

func (tcpStack *TCPStack) ephemeralPortLocked() (uint16, *tcpip.Error) {
	for range portAttempts {
		port := uint16(EphemeralLow + rand.Intn(EphemeralHigh-EphemeralLow+1))
		if _, used := tcpStack.ports[port]; !used {
			return port, nil
		}
	}
	for port := EphemeralLow; port <= EphemeralHigh; port++ {
		if _, used := tcpStack.ports[uint16(port)]; !used {
			return uint16(port), nil
		}
	}
	return 0, tcpip.ErrNoPortAvailable
}

func (socket *TCPSocket) Bind(addr netip.AddrPort) (netip.AddrPort, *tcpip.Error) {
	stack := socket.stack
	ip := addr.Addr().Unmap()
	if !ip.Is4() || !stack.isLocal(ip) {
		return netip.AddrPort{}, tcpip.ErrBadLocalAddress
	}
	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	if socket.GetState() != CLOSED || socket.LocPort != 0 || socket.removed.Load() {
		return netip.AddrPort{}, tcpip.ErrAlreadyBound
	}
	port := addr.Port()
	if port == 0 {
		var err *tcpip.Error
		if port, err = stack.ephemeralPortLocked(); err != nil {
			return netip.AddrPort{}, err
		}
	} else if _, used := stack.ports[port]; used {
		return netip.AddrPort{}, tcpip.ErrPortInUse
	}
	stack.ports[port] = socket
	socket.LocIP = ip
	socket.LocPort = port
	socket.setState(BOUND)
	Logger().Debug("bound", zap.Uint64("socket", socket.SID), zap.Stringer("local", netip.AddrPortFrom(ip, port)))
	return netip.AddrPortFrom(ip, port), nil
}

func (socket *TCPSocket) Listen(backlog int) *tcpip.Error {
	switch socket.GetState() {
	case BOUND, LISTEN:
	default:
		return tcpip.ErrInvalidEndpointState
	}
	backlog = max(1, min(backlog, MaxBacklog))
	socket.AcceptQueue.Lock.Lock()
	socket.Backlog = backlog
	socket.AcceptQueue.Lock.Unlock()
	if socket.GetState() != LISTEN {
		socket.setState(LISTEN)
		Logger().Info("listening", zap.Uint64("socket", socket.SID), zap.Uint16("port", socket.LocPort))
	}
	return nil
}

// Connect pairs socket with a new connection queued on the listener for
// addr. Loopback connections complete immediately, so wait is unused.
func (socket *TCPSocket) Connect(addr netip.AddrPort, wait time.Duration) (netip.AddrPort, *tcpip.Error) {
	switch socket.GetState() {
	case CLOSED, BOUND:
	case ESTABLISHED, CLOSE_WAIT, FIN_WAIT_2:
		// a repeated connect to the same peer reports the completed handshake
		if socket.peer != nil && socket.RemPort == addr.Port() && socket.RemIP == addr.Addr().Unmap() {
			return netip.AddrPortFrom(socket.LocIP, socket.LocPort), nil
		}
		return netip.AddrPort{}, tcpip.ErrAlreadyConnected
	default:
		return netip.AddrPort{}, tcpip.ErrInvalidEndpointState
	}
	stack := socket.stack
	dst := addr.Addr().Unmap()
	if !dst.Is4() {
		return netip.AddrPort{}, tcpip.ErrBadAddress
	}
	if !stack.isLocal(dst) {
		return netip.AddrPort{}, tcpip.ErrConnectionRefused
	}
	if dst.IsUnspecified() {
		dst = stack.LocalIP
	}

	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	listenSocket, ok := stack.ports[addr.Port()]
	if !ok || listenSocket.GetState() != LISTEN ||
		!(listenSocket.LocIP.IsUnspecified() || listenSocket.LocIP == dst || (dst.IsLoopback() && listenSocket.LocIP.IsLoopback())) {
		return netip.AddrPort{}, tcpip.ErrConnectionRefused
	}

	listenSocket.AcceptQueue.Lock.Lock()
	defer listenSocket.AcceptQueue.Lock.Unlock()
	if listenSocket.AcceptQueue.closed || len(listenSocket.AcceptQueue.Queue) >= listenSocket.Backlog {
		return netip.AddrPort{}, tcpip.ErrConnectionRefused
	}

	if socket.LocPort == 0 {
		port, err := stack.ephemeralPortLocked()
		if err != nil {
			return netip.AddrPort{}, err
		}
		stack.ports[port] = socket
		socket.LocPort = port
	}
	if !socket.LocIP.IsValid() || socket.LocIP.IsUnspecified() {
		socket.LocIP = dst
	}
	socket.RemIP = dst
	socket.RemPort = addr.Port()

	newSocket := stack.newSocketLocked(ESTABLISHED)
	newSocket.LocIP = dst
	newSocket.LocPort = addr.Port()
	newSocket.RemIP = socket.LocIP
	newSocket.RemPort = socket.LocPort
	newSocket.peer = socket
	socket.peer = newSocket
	for newSocket.Token == 0 {
		if token := rand.Uint64(); stack.pending[token] == nil && token != 0 {
			newSocket.Token = token
		}
	}
	stack.pending[newSocket.Token] = newSocket
	socket.setState(ESTABLISHED)

	listenSocket.AcceptQueue.Queue = append(listenSocket.AcceptQueue.Queue, newSocket)
	listenSocket.AcceptQueue.Cond.Broadcast()
	Logger().Info("connection established",
		zap.Uint64("socket", socket.SID),
		zap.Stringer("local", netip.AddrPortFrom(socket.LocIP, socket.LocPort)),
		zap.Stringer("remote", addr))
	return netip.AddrPortFrom(socket.LocIP, socket.LocPort), nil
}

// Accept pops up to max queued connections.
func (listenSocket *TCPSocket) Accept(wait time.Duration, max int) ([]bridge.Pending, *tcpip.Error) {
	if listenSocket.GetState() != LISTEN {
		return nil, tcpip.ErrInvalidEndpointState
	}
	max = maxOne(max)
	dl, block := deadline(wait)
	q := &listenSocket.AcceptQueue
	q.Lock.Lock()
	defer q.Lock.Unlock()
	for len(q.Queue) == 0 {
		if q.closed {
			return nil, tcpip.ErrInvalidEndpointState
		}
		if !block || expired(dl) || !waitUntil(q.Cond, dl) {
			return nil, tcpip.ErrWouldBlock
		}
	}
	n := min(max, len(q.Queue))
	out := make([]bridge.Pending, 0, n)
	for _, s := range q.Queue[:n] {
		out = append(out, bridge.Pending{
			Token:  s.Token,
			Remote: netip.AddrPortFrom(s.RemIP, s.RemPort),
			Local:  netip.AddrPortFrom(s.LocIP, s.LocPort),
		})
	}
	q.Queue = q.Queue[n:]
	return out, nil
}

func (socket *TCPSocket) Send(data []byte, wait time.Duration) (int, *tcpip.Error) {
	switch socket.GetState() {
	case ESTABLISHED, CLOSE_WAIT:
	case FIN_WAIT_2, LAST_ACK:
		return 0, tcpip.ErrClosedForSend
	case LISTEN:
		return 0, tcpip.ErrInvalidEndpointState
	default:
		return 0, tcpip.ErrNotConnected
	}
	if socket.writeShut.Load() {
		return 0, tcpip.ErrClosedForSend
	}
	peer := socket.peer
	dl, block := deadline(wait)
	rb := &peer.RecvBuf
	rb.Lock.Lock()
	defer rb.Lock.Unlock()
	written := 0
	for written < len(data) {
		if rb.closed || rb.reset || peer.removed.Load() {
			if written > 0 {
				break
			}
			return 0, tcpip.ErrConnectionReset
		}
		if rb.space() == 0 {
			if written > 0 || !block || expired(dl) || !waitUntil(rb.Cond, dl) {
				break
			}
			continue
		}
		written += rb.write(data[written:])
		rb.Cond.Broadcast()
	}
	if written == 0 && len(data) > 0 {
		return 0, tcpip.ErrWouldBlock
	}
	return written, nil
}

// Receive returns buffered data. The bool result reports end of stream and
// is only set when no data is returned.
func (socket *TCPSocket) Receive(max int, wait time.Duration, peek bool) ([]byte, bool, *tcpip.Error) {
	switch socket.GetState() {
	case ESTABLISHED, CLOSE_WAIT, FIN_WAIT_2, LAST_ACK, TIME_WAIT:
	case LISTEN:
		return nil, false, tcpip.ErrInvalidEndpointState
	default:
		return nil, false, tcpip.ErrNotConnected
	}
	dl, block := deadline(wait)
	rb := &socket.RecvBuf
	rb.Lock.Lock()
	defer rb.Lock.Unlock()
	for rb.avail() == 0 {
		switch {
		case rb.reset:
			return nil, false, tcpip.ErrConnectionReset
		case rb.fin, rb.closed:
			return nil, true, nil
		}
		if !block || expired(dl) || !waitUntil(rb.Cond, dl) {
			return nil, false, tcpip.ErrWouldBlock
		}
	}
	message := make([]byte, min(maxOne(max), int(rb.avail())))
	n := rb.read(message, peek)
	if !peek {
		rb.Cond.Broadcast()
	}
	return message[:n], false, nil
}

func (socket *TCPSocket) Poll() bridge.PollResult {
	var res bridge.PollResult
	state := socket.GetState()
	switch state {
	case LISTEN:
		socket.AcceptQueue.Lock.Lock()
		res.Pending = uint32(len(socket.AcceptQueue.Queue))
		socket.AcceptQueue.Lock.Unlock()
		if res.Pending > 0 {
			res.Events |= bridge.EventReadable
		}
		return res
	case ESTABLISHED, CLOSE_WAIT, FIN_WAIT_2, LAST_ACK, TIME_WAIT:
		res.Events |= bridge.EventConnected
	default:
		return res
	}

	rb := &socket.RecvBuf
	rb.Lock.Lock()
	res.Readable = rb.avail()
	if res.Readable > 0 || rb.fin || rb.closed {
		res.Events |= bridge.EventReadable
	}
	if rb.reset {
		res.Events |= bridge.EventError | bridge.EventHup
	}
	fin := rb.fin
	rb.Lock.Unlock()

	if peer := socket.peer; peer != nil && !socket.writeShut.Load() {
		prb := &peer.RecvBuf
		prb.Lock.Lock()
		if prb.space() > 0 || prb.closed || peer.removed.Load() {
			res.Events |= bridge.EventWritable
		}
		prb.Lock.Unlock()
	}
	if fin && socket.writeShut.Load() {
		res.Events |= bridge.EventHup
	}
	return res
}

// Shutdown follows shutdown(2): 0 stops reading, 1 stops writing, 2 both.
func (socket *TCPSocket) Shutdown(how int) *tcpip.Error {
	if how < 0 || how > 2 {
		return tcpip.ErrInvalidOptionValue
	}
	switch socket.GetState() {
	case ESTABLISHED, CLOSE_WAIT, FIN_WAIT_2, LAST_ACK, TIME_WAIT:
	default:
		return tcpip.ErrNotConnected
	}
	if how != 1 {
		rb := &socket.RecvBuf
		rb.Lock.Lock()
		rb.closed = true
		rb.Cond.Broadcast()
		rb.Lock.Unlock()
	}
	if how != 0 && !socket.writeShut.Swap(true) {
		socket.sendFin()
		switch socket.GetState() {
		case ESTABLISHED:
			socket.setState(FIN_WAIT_2)
		case CLOSE_WAIT:
			socket.setState(LAST_ACK)
		}
	}
	return nil
}

// sendFin tells the peer no more data follows.
func (socket *TCPSocket) sendFin() {
	peer := socket.peer
	if peer == nil {
		return
	}
	rb := &peer.RecvBuf
	rb.Lock.Lock()
	rb.fin = true
	rb.Cond.Broadcast()
	rb.Lock.Unlock()
	switch peer.GetState() {
	case ESTABLISHED:
		peer.setState(CLOSE_WAIT)
	case FIN_WAIT_2:
		peer.setState(TIME_WAIT)
	}
}

func (socket *TCPSocket) sendReset() {
	peer := socket.peer
	if peer == nil {
		return
	}
	rb := &peer.RecvBuf
	rb.Lock.Lock()
	rb.reset = true
	rb.Cond.Broadcast()
	rb.Lock.Unlock()
}

// Close releases the socket. It is idempotent.
func (socket *TCPSocket) Close() {
	if socket.removed.Swap(true) {
		return
	}
	state := socket.GetState()
	var orphans []*TCPSocket
	if state == LISTEN {
		q := &socket.AcceptQueue
		q.Lock.Lock()
		q.closed = true
		orphans = q.Queue
		q.Queue = nil
		q.Cond.Broadcast()
		q.Lock.Unlock()
	}
	socket.removeFromTable()

	rb := &socket.RecvBuf
	rb.Lock.Lock()
	unread := rb.avail() > 0
	rb.closed = true
	rb.Cond.Broadcast()
	rb.Lock.Unlock()

	if unread {
		socket.sendReset()
	} else if !socket.writeShut.Swap(true) {
		socket.sendFin()
	}
	socket.setState(CLOSED)
	for _, orphan := range orphans {
		orphan.sendReset()
		orphan.Close()
	}
	Logger().Debug("closed", zap.Uint64("socket", socket.SID), zap.Stringer("was", state))
}

func (socket *TCPSocket) removeFromTable() {
	stack := socket.stack
	stack.SocksLock.Lock()
	defer stack.SocksLock.Unlock()
	stack.Socks.Delete(socket.SID)
	if stack.ports[socket.LocPort] == socket {
		delete(stack.ports, socket.LocPort)
	}
	if socket.Token != 0 {
		delete(stack.pending, socket.Token)
	}
}

func (socket *TCPSocket) GetState() TCPState {
	return TCPState(atomic.LoadInt32(&socket.State))
}

func (socket *TCPSocket) setState(state TCPState) {
	atomic.StoreInt32(&socket.State, int32(state))
}

func maxOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func addrOrAny(a netip.Addr) netip.Addr {
	if !a.IsValid() {
		return netip.IPv4Unspecified()
	}
	return a
}
