// Package poller implements the readiness-based I/O engine the rest of
// the proxy core is built on: a wait() call that populates per-round
// in/out/idle/err descriptor sets, a deferred rescan mechanism, an
// enforce-in override for upper layers that already have buffered data,
// and a hint descriptor for non-socket event sources such as the UDP
// virtual-socket demultiplexer.
//
// A Poller is single-threaded per instance: a proxy must not call Wait
// concurrently with Add/Modify/Del/rescan/idle mutation from another
// goroutine without its own synchronization.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mask selects which readiness directions a descriptor is registered for.
type Mask uint8

const (
	// MaskIn registers interest in read-readiness.
	MaskIn Mask = 1 << iota
	// MaskOut registers interest in write-readiness.
	MaskOut
)

// HandlerFence is the integrity constant every registered Handler must
// report from Fence. The master proxy checks it before dispatching to a
// sub-proxy's handler; a mismatch is treated as fatal for that
// descriptor, mirroring the 24-bit fence check in the reference core.
const HandlerFence uint32 = 0xcaba1a

// Handler is the capability object a descriptor is registered with. The
// poller itself never calls into a Handler — Wait only reports which
// descriptors are ready; the owning proxy looks up the Handler via
// HandlerFor and dispatches to it. Fence lets the dispatcher assert it
// is holding the object it thinks it is before using it.
type Handler interface {
	Fence() uint32
}

// ErrUnknownBackend is returned by New when an explicit backend name is
// requested that this build does not support.
var ErrUnknownBackend = errors.New("poller: unknown backend")

// Round is one Wait() result: the four membership sets for this pass.
// Descriptors due from the rescan-in/rescan-out sets are merged into
// In/Out before Wait returns; Round has no separate rescan fields.
type Round struct {
	In   []int
	Out  []int
	Idle []int
	Err  []int
}

// backend is the OS-specific half of the engine: raw registration and
// the blocking wait syscall. Everything else (enforce-in, rescan,
// idle, hint, handler map) is shared logic in Poller.
type backend interface {
	add(fd int, mask Mask) error
	modify(fd int, mask Mask) error
	del(fd int)
	wait(timeout time.Duration) (in, out, errFds []int, err error)
	close() error
}

// Options configures a Poller at construction time.
type Options struct {
	// Backend selects "epoll" or "portable"; empty auto-selects the
	// best backend for the current platform.
	Backend string

	// RescanInterval is the granularity of the deferred rescan timer.
	RescanInterval time.Duration

	// IdleTimeout is how long a watched fd may go without activity
	// before it is placed in the idle set.
	IdleTimeout time.Duration

	// MaxEvents bounds how many ready descriptors one wait() call may
	// report; 0 means 256. Only the epoll backend applies the bound.
	MaxEvents int
}

func (o Options) withDefaults() Options {
	if o.RescanInterval <= 0 {
		o.RescanInterval = time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Hour
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = 256
	}
	return o
}

// Poller is the engine described in SYSTEM OVERVIEW / COMPONENT DESIGN
// §4.1. It owns the OS readiness facility (via backend), the deferred
// rescan sets with their timer, idle bookkeeping, an enforce-in
// override set, a hint descriptor, and the descriptor-to-handler map.
type Poller struct {
	mu sync.Mutex

	backend backend
	opts    Options

	handlers map[int]Handler

	enforceIn map[int]struct{}

	rescanIn   map[int]struct{}
	rescanOut  map[int]struct{}
	rescanTick time.Time

	idleWatched map[int]struct{}
	idleSince   map[int]time.Time
	lastActive  map[int]time.Time

	hintFD int
	hasHint bool
}

// New constructs a Poller using the platform's default backend (epoll on
// Linux, a portable select-based backend elsewhere), or the backend
// named in opts.Backend if set.
func New(opts Options) (*Poller, error) {
	opts = opts.withDefaults()

	b, err := newBackend(opts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Poller{
		backend:     b,
		opts:        opts,
		handlers:    make(map[int]Handler),
		enforceIn:   make(map[int]struct{}),
		rescanIn:    make(map[int]struct{}),
		rescanOut:   make(map[int]struct{}),
		rescanTick:  now,
		idleWatched: make(map[int]struct{}),
		idleSince:   make(map[int]time.Time),
		lastActive:  make(map[int]time.Time),
	}, nil
}

// Add registers fd for the given readiness directions and associates it
// with h. Add is idempotent: adding an already-registered fd behaves
// like Modify.
func (p *Poller) Add(fd int, mask Mask, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[fd]; exists {
		if err := p.backend.modify(fd, mask); err != nil {
			return err
		}
		p.handlers[fd] = h
		return nil
	}

	if err := p.backend.add(fd, mask); err != nil {
		return err
	}
	p.handlers[fd] = h
	p.lastActive[fd] = time.Now()
	return nil
}

// Modify changes the readiness directions fd is registered for. Modify
// on an unknown fd falls through to Add with a nil handler.
func (p *Poller) Modify(fd int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[fd]; !exists {
		if err := p.backend.add(fd, mask); err != nil {
			return err
		}
		p.handlers[fd] = nil
		p.lastActive[fd] = time.Now()
		return nil
	}
	return p.backend.modify(fd, mask)
}

// Del removes fd from the poller. Del on an unknown fd is a no-op.
func (p *Poller) Del(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[fd]; !exists {
		return
	}
	p.backend.del(fd)
	delete(p.handlers, fd)
	delete(p.enforceIn, fd)
	delete(p.rescanIn, fd)
	delete(p.rescanOut, fd)
	delete(p.idleWatched, fd)
	delete(p.idleSince, fd)
	delete(p.lastActive, fd)
	if p.hasHint && fd == p.hintFD {
		p.hasHint = false
	}
}

// HandlerFor looks up the handler registered for fd.
func (p *Poller) HandlerFor(fd int) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[fd]
	return h, ok && h != nil
}

// EnforceIn guarantees fd will be present in the next round's In set
// even if the OS reports no readiness for it, for use when an upper
// layer already holds buffered data that process() has not drained yet.
func (p *Poller) EnforceIn(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enforceIn[fd] = struct{}{}
}

// RescanIn defers fd: it is re-added to the In set only when the rescan
// timer elapses, instead of on every round.
func (p *Poller) RescanIn(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rescanIn[fd] = struct{}{}
}

// RescanOut defers fd for the Out set; see RescanIn.
func (p *Poller) RescanOut(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rescanOut[fd] = struct{}{}
}

// CancelRescanIn removes fd from the deferred rescan-in set.
func (p *Poller) CancelRescanIn(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rescanIn, fd)
}

// CancelRescanOut removes fd from the deferred rescan-out set.
func (p *Poller) CancelRescanOut(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rescanOut, fd)
}

// IdleWatch opts fd into idle detection: each round without observed
// activity counts toward Options.IdleTimeout.
func (p *Poller) IdleWatch(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleWatched[fd] = struct{}{}
	p.idleSince[fd] = time.Now()
}

// ClearIdleWatch removes fd from idle detection.
func (p *Poller) ClearIdleWatch(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.idleWatched, fd)
	delete(p.idleSince, fd)
}

// HintSocket designates fd as the hint descriptor: a non-handler
// readiness source (e.g. the UDP virtual-flow wakeup) whose readiness
// is reported in In but which has no Handler of its own — the owning
// proxy checks for it explicitly and runs its own dispatch in response.
func (p *Poller) HintSocket(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hintFD = fd
	p.hasHint = true
}

// HintFD returns the current hint descriptor, if one has been set.
func (p *Poller) HintFD() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hintFD, p.hasHint
}

// Wait blocks for at most timeout (0 = non-blocking, negative = block
// until any event) and returns one round's membership sets, applying
// enforce-in promotion, rescan-timer merges, and idle bookkeeping on
// top of the backend's raw readiness report.
func (p *Poller) Wait(timeout time.Duration) (*Round, error) {
	in, out, errFds, err := p.backend.wait(timeout)
	if err != nil {
		return nil, fmt.Errorf("poller wait: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	inSet := make(map[int]struct{}, len(in)+len(p.enforceIn))
	for _, fd := range in {
		inSet[fd] = struct{}{}
	}
	for fd := range p.enforceIn {
		inSet[fd] = struct{}{}
	}
	p.enforceIn = make(map[int]struct{})

	outSet := make(map[int]struct{}, len(out))
	for _, fd := range out {
		outSet[fd] = struct{}{}
	}

	if now.Sub(p.rescanTick) >= p.opts.RescanInterval {
		for fd := range p.rescanIn {
			inSet[fd] = struct{}{}
		}
		for fd := range p.rescanOut {
			outSet[fd] = struct{}{}
		}
		p.rescanIn = make(map[int]struct{})
		p.rescanOut = make(map[int]struct{})
		p.rescanTick = now
	}

	for fd := range inSet {
		p.lastActive[fd] = now
	}
	for fd := range outSet {
		p.lastActive[fd] = now
	}

	var idle []int
	for fd := range p.idleWatched {
		last, ok := p.lastActive[fd]
		if !ok {
			last = p.idleSince[fd]
		}
		if now.Sub(last) >= p.opts.IdleTimeout {
			idle = append(idle, fd)
		}
	}

	round := &Round{
		In:   setToSlice(inSet),
		Out:  setToSlice(outSet),
		Idle: idle,
		Err:  errFds,
	}
	return round, nil
}

// Close releases the backend's OS resources.
func (p *Poller) Close() error {
	return p.backend.close()
}

func setToSlice(m map[int]struct{}) []int {
	if len(m) == 0 {
		return nil
	}
	out := make([]int, 0, len(m))
	for fd := range m {
		out = append(out, fd)
	}
	return out
}
