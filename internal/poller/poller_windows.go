//go:build windows

package poller

import (
	"fmt"
	"time"
)

// stubBackend exists so the module builds on Windows. The readiness
// core targets the transparent-redirect deployment model (Linux
// epoll/SO_ORIGINAL_DST, BSD/Darwin select), which has no Windows
// equivalent; a real Windows backend would need IOCP and is out of
// scope for this core.
type stubBackend struct{}

func newPortableBackend(opts Options) (backend, error) {
	return stubBackend{}, nil
}

func platformDefaultBackend(opts Options) (backend, error) {
	return newPortableBackend(opts)
}

func newEpollBackend(opts Options) (backend, error) {
	return nil, fmt.Errorf("poller: epoll backend is not available on windows")
}

func (stubBackend) add(fd int, mask Mask) error { return nil }

func (stubBackend) modify(fd int, mask Mask) error { return nil }

func (stubBackend) del(fd int) {}

func (stubBackend) wait(timeout time.Duration) (in, out, errFds []int, err error) {
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return nil, nil, nil, nil
}

func (stubBackend) close() error { return nil }
