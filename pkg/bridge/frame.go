// Wire format spoken on the rendezvous channel.
// Every frame is a 16 byte header followed by TLV attributes.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	Magic      uint16 = 0x5653 // "VS"
	Version    uint8  = 1
	HeaderLen         = 16
	MaxPayload        = 1 << 20
	MaxData           = 65535 // largest Data attribute
	replyBit          = 0x80
	addrLen           = 6
	pendingLen        = 8 + 2*addrLen
)

type Op uint8

const (
	OpConnect      Op = 1
	OpSend         Op = 2
	OpReceive      Op = 3
	OpClose        Op = 4
	OpAcceptNotify Op = 5
	OpListen       Op = 6
	OpBind         Op = 7
	OpSocket       Op = 8
	OpAttach       Op = 9
	OpPoll         Op = 10
	OpShutdown     Op = 11
)

var opNames = map[Op]string{
	OpConnect:      "connect",
	OpSend:         "send",
	OpReceive:      "receive",
	OpClose:        "close",
	OpAcceptNotify: "accept",
	OpListen:       "listen",
	OpBind:         "bind",
	OpSocket:       "socket",
	OpAttach:       "attach",
	OpPoll:         "poll",
	OpShutdown:     "shutdown",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

type Status uint8

const (
	StatusOK Status = iota
	StatusInvalidState
	StatusAddressInUse
	StatusConnectionRefused
	StatusConnectionReset
	StatusBrokenPipe
	StatusTimeout
	StatusWouldBlock
	StatusInProgress
	StatusNotConnected
	StatusBadFrame
	StatusUnsupported
	StatusAddressNotAvailable
)

type Flags uint8

const (
	FlagWait Flags = 1 << iota // block up to Timeout, forever when Timeout is zero
	FlagPeek
)

// Events is the readiness of an endpoint as reported by Poll and Receive.
type Events uint8

const (
	EventReadable Events = 1 << iota
	EventWritable
	EventHup
	EventError
	EventConnected
)

type attr uint8

const (
	attrLocal attr = iota + 1
	attrRemote
	attrData
	attrBacklog
	attrTimeout
	attrMaxLen
	attrToken
	attrCount
	attrReadable
	attrEvents
	attrHow
	attrPending
)

var (
	ErrBadMagic   = errors.New("bridge: bad frame magic")
	ErrVersion    = errors.New("bridge: unsupported frame version")
	ErrChecksum   = errors.New("bridge: frame checksum mismatch")
	ErrTooLarge   = errors.New("bridge: frame payload too large")
	ErrTruncated  = errors.New("bridge: truncated attribute")
	ErrNotIPv4    = errors.New("bridge: address is not IPv4")
	ErrDataTooBig = errors.New("bridge: data attribute exceeds 65535 bytes")
)

// Pending is a connection the stack completed on a listening endpoint and
// that has not been attached to a channel yet.
type Pending struct {
	Token  uint64
	Remote netip.AddrPort
	Local  netip.AddrPort
}

// Frame is one request or reply. Zero-valued fields are not encoded.
type Frame struct {
	Op       Op
	Reply    bool
	Status   Status
	Flags    Flags
	Seq      uint32
	Local    netip.AddrPort
	Remote   netip.AddrPort
	Data     []byte
	Backlog  uint32
	Timeout  time.Duration
	MaxLen   uint32
	Token    uint64
	Count    uint32
	Readable uint32
	Events   Events
	How      uint8
	Pending  []Pending
}

// Wait is how long the receiver may block serving the request: zero for no
// wait, negative for no limit.
func (f *Frame) Wait() time.Duration {
	if f.Flags&FlagWait == 0 {
		return 0
	}
	if f.Timeout <= 0 {
		return -1
	}
	return f.Timeout
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	payload, err := f.appendAttrs(make([]byte, 0, 64+len(f.Data)))
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayload {
		return nil, ErrTooLarge
	}
	buf := make([]byte, HeaderLen, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(f.Op)
	if f.Reply {
		buf[3] |= replyBit
	}
	buf[4] = uint8(f.Status)
	buf[5] = uint8(f.Flags)
	binary.BigEndian.PutUint32(buf[8:12], f.Seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	buf = append(buf, payload...)
	binary.BigEndian.PutUint16(buf[6:8], computeChecksum(buf))
	return buf, nil
}

func (f *Frame) appendAttrs(b []byte) ([]byte, error) {
	var err error
	if f.Local.IsValid() {
		if b, err = appendAddr(b, attrLocal, f.Local); err != nil {
			return nil, err
		}
	}
	if f.Remote.IsValid() {
		if b, err = appendAddr(b, attrRemote, f.Remote); err != nil {
			return nil, err
		}
	}
	if len(f.Data) > 0 {
		if len(f.Data) > MaxData {
			return nil, ErrDataTooBig
		}
		b = appendAttr(b, attrData, f.Data)
	}
	b = appendUint32(b, attrBacklog, f.Backlog)
	b = appendUint32(b, attrTimeout, uint32(f.Timeout/time.Millisecond))
	b = appendUint32(b, attrMaxLen, f.MaxLen)
	if f.Token != 0 {
		b = appendAttr(b, attrToken, binary.BigEndian.AppendUint64(nil, f.Token))
	}
	b = appendUint32(b, attrCount, f.Count)
	b = appendUint32(b, attrReadable, f.Readable)
	if f.Events != 0 {
		b = appendAttr(b, attrEvents, []byte{uint8(f.Events)})
	}
	if f.How != 0 {
		b = appendAttr(b, attrHow, []byte{f.How})
	}
	for _, p := range f.Pending {
		v := binary.BigEndian.AppendUint64(make([]byte, 0, pendingLen), p.Token)
		if v, err = putAddr(v, p.Remote); err != nil {
			return nil, err
		}
		if v, err = putAddr(v, p.Local); err != nil {
			return nil, err
		}
		b = appendAttr(b, attrPending, v)
	}
	return b, nil
}

func appendAttr(b []byte, typ attr, v []byte) []byte {
	b = append(b, uint8(typ))
	b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
	return append(b, v...)
}

func appendUint32(b []byte, typ attr, v uint32) []byte {
	if v == 0 {
		return b
	}
	return appendAttr(b, typ, binary.BigEndian.AppendUint32(nil, v))
}

func appendAddr(b []byte, typ attr, ap netip.AddrPort) ([]byte, error) {
	v, err := putAddr(make([]byte, 0, addrLen), ap)
	if err != nil {
		return nil, err
	}
	return appendAttr(b, typ, v), nil
}

func putAddr(b []byte, ap netip.AddrPort) ([]byte, error) {
	if !ap.IsValid() {
		return append(b, 0, 0, 0, 0, 0, 0), nil
	}
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return nil, ErrNotIPv4
	}
	a4 := addr.As4()
	b = append(b, a4[:]...)
	return binary.BigEndian.AppendUint16(b, ap.Port()), nil
}

func getAddr(v []byte) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(v[0:4])), binary.BigEndian.Uint16(v[4:6]))
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLen {
		return io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint16(b[0:2]) != Magic {
		return ErrBadMagic
	}
	if b[2] != Version {
		return errors.Wrapf(ErrVersion, "got %d, want %d", b[2], Version)
	}
	n := binary.BigEndian.Uint32(b[12:16])
	if n > MaxPayload {
		return ErrTooLarge
	}
	if uint32(len(b)-HeaderLen) != n {
		return io.ErrUnexpectedEOF
	}
	if !validChecksum(b) {
		return ErrChecksum
	}
	*f = Frame{
		Op:     Op(b[3] &^ replyBit),
		Reply:  b[3]&replyBit != 0,
		Status: Status(b[4]),
		Flags:  Flags(b[5]),
		Seq:    binary.BigEndian.Uint32(b[8:12]),
	}
	return f.parseAttrs(b[HeaderLen:])
}

func (f *Frame) parseAttrs(p []byte) error {
	for len(p) > 0 {
		if len(p) < 3 {
			return ErrTruncated
		}
		typ := attr(p[0])
		n := int(binary.BigEndian.Uint16(p[1:3]))
		p = p[3:]
		if len(p) < n {
			return ErrTruncated
		}
		v := p[:n]
		p = p[n:]
		if want := attrSize(typ); want > 0 && n != want {
			return errors.Wrapf(ErrTruncated, "attribute %d has %d bytes, want %d", typ, n, want)
		}
		switch typ {
		case attrLocal:
			f.Local = getAddr(v)
		case attrRemote:
			f.Remote = getAddr(v)
		case attrData:
			f.Data = v
		case attrBacklog:
			f.Backlog = binary.BigEndian.Uint32(v)
		case attrTimeout:
			f.Timeout = time.Duration(binary.BigEndian.Uint32(v)) * time.Millisecond
		case attrMaxLen:
			f.MaxLen = binary.BigEndian.Uint32(v)
		case attrToken:
			f.Token = binary.BigEndian.Uint64(v)
		case attrCount:
			f.Count = binary.BigEndian.Uint32(v)
		case attrReadable:
			f.Readable = binary.BigEndian.Uint32(v)
		case attrEvents:
			f.Events = Events(v[0])
		case attrHow:
			f.How = v[0]
		case attrPending:
			f.Pending = append(f.Pending, Pending{
				Token:  binary.BigEndian.Uint64(v[0:8]),
				Remote: getAddr(v[8:14]),
				Local:  getAddr(v[14:20]),
			})
		}
		// attributes from newer peers are skipped
	}
	return nil
}

func attrSize(typ attr) int {
	switch typ {
	case attrLocal, attrRemote:
		return addrLen
	case attrBacklog, attrTimeout, attrMaxLen, attrCount, attrReadable:
		return 4
	case attrToken:
		return 8
	case attrEvents, attrHow:
		return 1
	case attrPending:
		return pendingLen
	}
	return 0
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[12:16])
	if binary.BigEndian.Uint16(hdr[0:2]) != Magic {
		return nil, ErrBadMagic
	}
	if n > MaxPayload {
		return nil, ErrTooLarge
	}
	buf := make([]byte, HeaderLen+int(n))
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	f := new(Frame)
	if err := f.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFrame encodes f and writes it to w in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func computeChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

func validChecksum(b []byte) bool {
	return header.Checksum(b, 0) == 0xffff
}
