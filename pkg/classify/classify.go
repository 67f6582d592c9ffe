// Package classify decides, once per socket() call, whether a socket is handled
// by the kernel or redirected to the external stack.
package classify

import "golang.org/x/sys/unix"

type Class uint8

const (
	Native Class = iota
	Virtual
)

func (c Class) String() string {
	switch c {
	case Native:
		return "native"
	case Virtual:
		return "virtual"
	}
	return "unknown"
}

// creation flags Linux accepts or'd into the type argument
const typeFlags = unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

// Classify returns Virtual only for IPv4 stream sockets speaking TCP (or the
// default protocol). Every other combination, valid or not, is Native so the
// kernel can reject it with its own errno.
func Classify(domain, typ, protocol int) Class {
	if domain != unix.AF_INET {
		return Native
	}
	if base, _, _ := SplitType(typ); base != unix.SOCK_STREAM {
		return Native
	}
	if protocol != 0 && protocol != unix.IPPROTO_TCP {
		return Native
	}
	return Virtual
}

// SplitType separates the socket type from the SOCK_NONBLOCK and SOCK_CLOEXEC
// creation flags.
func SplitType(typ int) (base int, nonBlock, cloExec bool) {
	return typ &^ typeFlags, typ&unix.SOCK_NONBLOCK != 0, typ&unix.SOCK_CLOEXEC != 0
}
