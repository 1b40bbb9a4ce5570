//go:build !linux && !windows

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// portableBackend backs the readiness poller with select(2) on
// platforms without epoll (BSD, Darwin). It is a correctness fallback,
// not a performance target: select's O(n) fd-set scan and FD_SETSIZE
// ceiling are accepted trade-offs outside the Linux hot path.
type portableBackend struct {
	in  map[int]struct{}
	out map[int]struct{}
}

func newPortableBackend(opts Options) (backend, error) {
	return &portableBackend{
		in:  make(map[int]struct{}),
		out: make(map[int]struct{}),
	}, nil
}

func platformDefaultBackend(opts Options) (backend, error) {
	return newPortableBackend(opts)
}

func newEpollBackend(opts Options) (backend, error) {
	return nil, fmt.Errorf("poller: epoll backend is only available on linux")
}

func (b *portableBackend) add(fd int, mask Mask) error {
	b.setMask(fd, mask)
	return nil
}

func (b *portableBackend) modify(fd int, mask Mask) error {
	b.setMask(fd, mask)
	return nil
}

func (b *portableBackend) setMask(fd int, mask Mask) {
	if mask&MaskIn != 0 {
		b.in[fd] = struct{}{}
	} else {
		delete(b.in, fd)
	}
	if mask&MaskOut != 0 {
		b.out[fd] = struct{}{}
	} else {
		delete(b.out, fd)
	}
}

func (b *portableBackend) del(fd int) {
	delete(b.in, fd)
	delete(b.out, fd)
}

func (b *portableBackend) wait(timeout time.Duration) (in, out, errFds []int, err error) {
	if len(b.in) == 0 && len(b.out) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil, nil, nil
	}

	var rfds, wfds, efds unix.FdSet
	maxFD := 0
	for fd := range b.in {
		fdSet(&rfds, fd)
		fdSet(&efds, fd)
		if fd > maxFD {
			maxFD = fd
		}
	}
	for fd := range b.out {
		fdSet(&wfds, fd)
		fdSet(&efds, fd)
		if fd > maxFD {
			maxFD = fd
		}
	}

	tv := timevalFromDuration(timeout)
	var tvPtr *unix.Timeval
	if timeout >= 0 {
		tvPtr = &tv
	}

	n, serr := unix.Select(maxFD+1, &rfds, &wfds, &efds, tvPtr)
	if serr != nil {
		if serr == unix.EINTR {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("select: %w", serr)
	}
	if n == 0 {
		return nil, nil, nil, nil
	}

	for fd := range b.in {
		if fdIsSet(&rfds, fd) {
			in = append(in, fd)
		}
	}
	for fd := range b.out {
		if fdIsSet(&wfds, fd) {
			out = append(out, fd)
		}
	}
	seen := make(map[int]struct{})
	for fd := range b.in {
		if fdIsSet(&efds, fd) {
			if _, ok := seen[fd]; !ok {
				errFds = append(errFds, fd)
				seen[fd] = struct{}{}
			}
		}
	}
	for fd := range b.out {
		if fdIsSet(&efds, fd) {
			if _, ok := seen[fd]; !ok {
				errFds = append(errFds, fd)
				seen[fd] = struct{}{}
			}
		}
	}

	return in, out, errFds, nil
}

func (b *portableBackend) close() error {
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

func timevalFromDuration(d time.Duration) unix.Timeval {
	if d < 0 {
		d = 0
	}
	return unix.NsecToTimeval(d.Nanoseconds())
}
