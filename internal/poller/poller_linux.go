//go:build linux

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend backs the readiness poller with Linux epoll. One
// epollBackend owns exactly one epoll fd and must be driven from a
// single goroutine, mirroring the reference core's one-poller-per-thread
// rule.
type epollBackend struct {
	epfd      int
	maxEvents int
	events    []unix.EpollEvent

	// autoEPOLLOUTRemove mirrors the reference poller's
	// auto_epollout_remove option: once a fd has fired EPOLLOUT, its
	// registered mask is reduced to read-only so the next round does
	// not immediately re-fire on the same writable condition.
	autoEPOLLOUTRemove bool
	masks              map[int]Mask
}

func newEpollBackend(opts Options) (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{
		epfd:               epfd,
		maxEvents:          opts.MaxEvents,
		events:             make([]unix.EpollEvent, opts.MaxEvents),
		autoEPOLLOUTRemove: true,
		masks:              make(map[int]Mask),
	}, nil
}

func platformDefaultBackend(opts Options) (backend, error) {
	return newEpollBackend(opts)
}

func toEpollEvents(mask Mask) uint32 {
	var events uint32
	if mask&MaskIn != 0 {
		events |= unix.EPOLLIN
	}
	if mask&MaskOut != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (b *epollBackend) add(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if err == unix.EEXIST {
			return b.modify(fd, mask)
		}
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	b.masks[fd] = mask
	return nil
}

func (b *epollBackend) modify(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		if err == unix.ENOENT {
			return b.add(fd, mask)
		}
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", fd, err)
	}
	b.masks[fd] = mask
	return nil
}

func (b *epollBackend) del(fd int) {
	// Linux ignores the event argument for EPOLL_CTL_DEL but older
	// kernels require a non-nil pointer; pass a zero value for safety.
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	delete(b.masks, fd)
}

func (b *epollBackend) wait(timeout time.Duration) (in, out, errFds []int, err error) {
	ms := epollTimeoutMillis(timeout)

	n, werr := unix.EpollWait(b.epfd, b.events, ms)
	if werr != nil {
		if werr == unix.EINTR {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("epoll_wait: %w", werr)
	}

	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Fd)

		switch {
		case ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
			errFds = append(errFds, fd)
		default:
			if ev.Events&unix.EPOLLIN != 0 {
				in = append(in, fd)
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				out = append(out, fd)
				if b.autoEPOLLOUTRemove {
					if mask, ok := b.masks[fd]; ok && mask&MaskOut != 0 {
						_ = b.modify(fd, mask&^MaskOut)
					}
				}
			}
		}
	}

	return in, out, errFds, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}

// epollTimeoutMillis converts a Go duration to the millisecond timeout
// epoll_wait expects: 0 means non-blocking, negative blocks forever.
func epollTimeoutMillis(timeout time.Duration) int {
	switch {
	case timeout == 0:
		return 0
	case timeout < 0:
		return -1
	default:
		ms := timeout.Milliseconds()
		if ms <= 0 {
			return 1
		}
		return int(ms)
	}
}
