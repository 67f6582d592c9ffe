// Package sockerr is the error vocabulary of virtual sockets.
//
// Every failure on the virtual path is an *Error carrying a Kind and the errno
// a kernel socket would have produced for the same call, so callers never see a
// different vocabulary for native and virtual descriptors:
//
//	err := sockerr.New("connect", sockerr.KindConnectionRefused)
//	errors.Is(err, sockerr.KindConnectionRefused) // true
//	sockerr.Errno(err)                            // ECONNREFUSED
//
// The errno can be overridden where the kernel picks a call-specific value,
// e.g. InvalidState is EPIPE for send but ENOTCONN for recv.
package sockerr

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidState        Kind = "invalid_state"
	KindAddressInUse        Kind = "address_in_use"
	KindConnectionRefused   Kind = "connection_refused"
	KindConnectionReset     Kind = "connection_reset"
	KindBrokenPipe          Kind = "broken_pipe"
	KindTimeout             Kind = "timeout"
	KindWouldBlock          Kind = "would_block"
	KindStackUnavailable    Kind = "stack_unavailable"
	KindDuplicateDescriptor Kind = "duplicate_descriptor"
	KindInProgress          Kind = "in_progress"
	KindNotConnected        Kind = "not_connected"
	KindAddressNotAvailable Kind = "address_not_available"
	KindInvalidArgument     Kind = "invalid_argument"
	KindBadDescriptor       Kind = "bad_descriptor"
)

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

var defaultErrno = map[Kind]unix.Errno{
	KindInvalidState:        unix.EINVAL,
	KindAddressInUse:        unix.EADDRINUSE,
	KindConnectionRefused:   unix.ECONNREFUSED,
	KindConnectionReset:     unix.ECONNRESET,
	KindBrokenPipe:          unix.EPIPE,
	KindTimeout:             unix.ETIMEDOUT,
	KindWouldBlock:          unix.EAGAIN,
	KindStackUnavailable:    unix.ENOBUFS,
	KindDuplicateDescriptor: unix.ENOTRECOVERABLE,
	KindInProgress:          unix.EINPROGRESS,
	KindNotConnected:        unix.ENOTCONN,
	KindAddressNotAvailable: unix.EADDRNOTAVAIL,
	KindInvalidArgument:     unix.EINVAL,
	KindBadDescriptor:       unix.EBADF,
}

// Error is a failed operation on a virtual socket.
type Error struct {
	Cause error
	Op    string
	Kind  Kind
	Errno unix.Errno
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Errno != 0 {
		b.WriteString(" (")
		b.WriteString(e.Errno.Error())
		b.WriteByte(')')
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same Kind, or a bare Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New returns an error of the given kind with the kind's default errno.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind, Errno: defaultErrno[kind]}
}

// WithErrno returns an error whose errno differs from the kind's default.
func WithErrno(op string, kind Kind, errno unix.Errno) *Error {
	return &Error{Op: op, Kind: kind, Errno: errno}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(cause error, op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind, Errno: defaultErrno[kind], Cause: cause}
}

// Errno translates any error on the virtual path into the errno returned to
// the application. Unknown errors become EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Errno != 0 {
			return se.Errno
		}
		if errno, ok := defaultErrno[se.Kind]; ok {
			return errno
		}
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// KindOf returns the Kind of err, or "" when err is not a socket error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
