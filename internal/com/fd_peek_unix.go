//go:build !windows

package com

import "syscall"

// peekFD performs a MSG_PEEK read directly on the raw descriptor,
// leaving the bytes available for a subsequent real read. This backs
// the TLS com's ClientHello pre-peek (spec §4.7).
func peekFD(fd int, buf []byte) (int, error) {
	n, _, err := syscall.Recvfrom(fd, buf, syscall.MSG_PEEK)
	if err != nil {
		return 0, err
	}
	return n, nil
}
