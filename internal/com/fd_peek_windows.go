//go:build windows

package com

import "errors"

// peekFD has no portable implementation against the plain syscall
// package on windows; a real port would use golang.org/x/sys/windows'
// WSARecv with MSG_PEEK. TLS ClientHello pre-peek is unavailable on
// this platform until that lands.
func peekFD(fd int, buf []byte) (int, error) {
	return 0, errors.New("com: peek is not supported on windows")
}
