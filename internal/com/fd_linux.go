//go:build linux

package com

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"
)

// setTransparent sets IP_TRANSPARENT so the listening socket can accept
// connections whose original destination is not a locally-assigned
// address, per spec §6.
func setTransparent(fd int) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_IP, syscallIPTransparent, 1); err != nil {
		return fmt.Errorf("setsockopt IP_TRANSPARENT: %w", err)
	}
	return nil
}

// syscallIPTransparent is IP_TRANSPARENT, which lets a listening socket
// accept connections whose destination is not a locally-assigned
// address — required to terminate a transparently redirected flow.
const syscallIPTransparent = 19

// soOriginalDst is SO_ORIGINAL_DST; IP6T_SO_ORIGINAL_DST shares the
// same numeric value for the IPv6 netfilter module.
const soOriginalDst = 80

type sockaddrIn struct {
	family uint16
	port   uint16
	addr   [4]byte
	zero   [8]uint8
}

type sockaddrIn6 struct {
	family   uint16
	port     uint16
	flowinfo uint32
	addr     [16]byte
	scopeID  uint32
}

// originalDstFromFD recovers the pre-redirect destination recorded by
// netfilter's TPROXY/REDIRECT targets via SO_ORIGINAL_DST (v4) and its
// IPv6 counterpart, falling back from v4 to v6 on failure.
func originalDstFromFD(fd int) (host string, port int, ok bool) {
	var sin sockaddrIn
	size := uint32(unsafe.Sizeof(sin))
	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		syscall.SOL_IP,
		soOriginalDst,
		uintptr(unsafe.Pointer(&sin)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno == 0 {
		ip := net.IPv4(sin.addr[0], sin.addr[1], sin.addr[2], sin.addr[3])
		return ip.String(), int(ntohs(sin.port)), true
	}

	var sin6 sockaddrIn6
	size6 := uint32(unsafe.Sizeof(sin6))
	_, _, errno6 := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		syscall.IPPROTO_IPV6,
		soOriginalDst,
		uintptr(unsafe.Pointer(&sin6)),
		uintptr(unsafe.Pointer(&size6)),
		0,
	)
	if errno6 == 0 {
		return net.IP(sin6.addr[:]).String(), int(ntohs(sin6.port)), true
	}

	return "", 0, false
}

func ntohs(v uint16) uint16 {
	return (v&0xff)<<8 | (v&0xff00)>>8
}
