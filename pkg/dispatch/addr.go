//go:build linux

package dispatch

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// readAddr decodes the sockaddr an application passed to bind or connect.
func readAddr(addr unsafe.Pointer, addrlen uint32) (netip.AddrPort, unix.Errno) {
	if addr == nil {
		return netip.AddrPort{}, unix.EFAULT
	}
	if addrlen < 2 {
		return netip.AddrPort{}, unix.EINVAL
	}
	rsa := (*unix.RawSockaddr)(addr)
	if rsa.Family != unix.AF_INET {
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
	if addrlen < unix.SizeofSockaddrInet4 {
		return netip.AddrPort{}, unix.EINVAL
	}
	rsa4 := (*unix.RawSockaddrInet4)(addr)
	p := (*[2]byte)(unsafe.Pointer(&rsa4.Port))
	port := uint16(p[0])<<8 | uint16(p[1])
	return netip.AddrPortFrom(netip.AddrFrom4(rsa4.Addr), port), 0
}

// writeAddr stores ap into the caller's sockaddr buffer, truncating to the
// space it offered, and sets *addrlen to the full size. Null buffers are
// allowed and left alone.
func writeAddr(addr unsafe.Pointer, addrlen *uint32, ap netip.AddrPort) unix.Errno {
	if addr == nil || addrlen == nil {
		return 0
	}
	rsa := unix.RawSockaddrInet4{Family: unix.AF_INET}
	p := (*[2]byte)(unsafe.Pointer(&rsa.Port))
	p[0], p[1] = byte(ap.Port()>>8), byte(ap.Port())
	if a := ap.Addr(); a.Is4() {
		rsa.Addr = a.As4()
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(&rsa)), unix.SizeofSockaddrInet4)
	n := min(int(*addrlen), unix.SizeofSockaddrInet4)
	copy(unsafe.Slice((*byte)(addr), n), src[:n])
	*addrlen = unix.SizeofSockaddrInet4
	return 0
}
