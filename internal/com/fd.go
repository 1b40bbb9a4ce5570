package com

import (
	"net"
	"syscall"
)

// rawFD extracts the underlying file descriptor of a connection via its
// syscall.Conn, for registration with the poller and for the raw
// peek/getsockopt operations the com layer needs (ClientHello pre-peek,
// SO_ORIGINAL_DST).
func rawFD(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	}); err != nil {
		return -1, err
	}
	return fd, nil
}

func rawListenerFD(ln interface{ SyscallConn() (syscall.RawConn, error) }) (int, error) {
	raw, err := ln.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	err = raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// resolveOriginalDst recovers the pre-NAT destination of a transparently
// redirected TCP connection. On Linux this is SO_ORIGINAL_DST; other
// platforms have no equivalent facility and report !ok.
func resolveOriginalDst(conn *net.TCPConn) (host string, port int, ok bool) {
	fd, err := rawFD(conn)
	if err != nil {
		return "", 0, false
	}
	return originalDstFromFD(fd)
}
