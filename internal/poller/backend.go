package poller

import "fmt"

// newBackend dispatches to the platform-specific constructors in
// poller_linux.go / poller_select.go / poller_windows.go based on
// opts.Backend, falling back
// to platformDefaultBackend() for an empty string.
func newBackend(opts Options) (backend, error) {
	switch opts.Backend {
	case "":
		return platformDefaultBackend(opts)
	case "epoll":
		return newEpollBackend(opts)
	case "portable":
		return newPortableBackend(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
