//go:build !linux

package com

import "fmt"

// syscallIPTransparent has no portable equivalent; IP_TRANSPARENT is a
// Linux-only facility (spec §6). setTransparent reports an error on
// every other platform rather than silently accepting non-transparent
// listeners.
const syscallIPTransparent = 0

// originalDstFromFD: SO_ORIGINAL_DST is a Linux netfilter extension.
// Transparent redirect is out of reach on other platforms, so this
// always reports !ok.
func originalDstFromFD(fd int) (host string, port int, ok bool) {
	return "", 0, false
}

var errTransparentUnsupported = fmt.Errorf("com: transparent listeners are only supported on linux")

func setTransparent(fd int) error {
	return errTransparentUnsupported
}
