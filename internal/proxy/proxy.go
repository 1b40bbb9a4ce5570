// Package proxy implements the base proxy core, spec §2/§4.3/§4.4: a
// set of host contexts (internal/cx) organized into four per-side
// vectors — bound-listening, accepted, permanent-connect, and
// delayed-accept — driven one round at a time off a shared
// internal/poller.Poller. A master proxy owns the poller; sub-proxies
// share it, so one readiness loop drives many proxies (spec §4.4).
package proxy

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayforge/proxycore/internal/com"
	"github.com/relayforge/proxycore/internal/cx"
	"github.com/relayforge/proxycore/internal/logging"
	"github.com/relayforge/proxycore/internal/poller"
	"github.com/relayforge/proxycore/internal/sessionkey"
)

// isVirtualFD reports whether fd is a UDP virtual flow id (spec §4.5,
// §6) rather than a real kernel descriptor. Virtual flows are never
// registered with the poller backend — their readiness comes from the
// threaded receiver's demux drain via Proxy.EnforceIn, so reads and
// writes against them are always attempted rather than gated on
// round.In/round.Out membership.
func isVirtualFD(fd int) bool {
	return fd >= 0 && sessionkey.IsVirtual(uint32(fd))
}

// clickerInterval is the 1-second timer tick spec §3/§4.3 describes.
const clickerInterval = time.Second

// defaultReconnectDelay mirrors cx's own default; a permanent-connect
// slot waits this long after an error before redialing (spec §4.2,
// §8 scenario 4).
const defaultReconnectDelay = 7 * time.Second

type category int

const (
	catListening category = iota
	catAccepted
	catDelayed
)

func (c category) String() string {
	switch c {
	case catListening:
		return "listening"
	case catAccepted:
		return "accepted"
	case catDelayed:
		return "delayed"
	default:
		return "permanent"
	}
}

// fdEntry is what the proxy looks up a ready fd against.
type fdEntry struct {
	c    *cx.CX
	side com.Side
	cat  category
}

// permSlot is a permanent-connect CX plus the redial policy spec §4.2's
// reconnect_delay governs (spec §8 scenario 4).
type permSlot struct {
	c         *cx.CX
	host      string
	port      int
	mkCom     func() com.Com
	hooks     cx.Hooks
	connected bool
	errorAt   time.Time
}

// delaySlot is an accepted CX held back from the normal accepted
// vector until ready() reports true (spec §4.3's delayed-accept
// promotion step).
type delaySlot struct {
	c     *cx.CX
	ready func() bool
}

// Config constructs a Proxy.
type Config struct {
	Name   string
	Logger *slog.Logger

	// ReconnectDelay overrides the default 7s permanent-connect redial
	// delay (spec §4.2).
	ReconnectDelay time.Duration

	// OnBottleneck is called whenever a side's write bottleneck state
	// transitions (spec §4.3's "Bottleneck / backpressure"): active=true
	// the instant a write on that side goes partial — which also pauses
	// every CX's read on the opposite side until the buffer drains —
	// active=false once the side's writes fully drain again. Optional.
	OnBottleneck func(side com.Side, active bool)

	// OnPermanentRestore is called on a permanent-connect CX's first
	// successful read or write after a (re)dial, exactly when its
	// opening flag clears (spec §4.2, §4.3 step 4, §8 scenario 4's
	// on_{left,right}_pc_restore). Optional.
	OnPermanentRestore func(side com.Side, c *cx.CX)
}

// Proxy is the base proxy core described in spec §2/§4.3. The zero
// value is not usable; construct with NewMaster or NewSub.
type Proxy struct {
	mu sync.Mutex

	name               string
	logger             *slog.Logger
	reconnectDelay     time.Duration
	onBottleneck       func(side com.Side, active bool)
	onPermanentRestore func(side com.Side, c *cx.CX)

	poller *poller.Poller
	master *Proxy // nil for the master itself
	subs   []*Proxy

	listening map[com.Side][]*cx.CX
	accepted  map[com.Side][]*cx.CX
	delayed   map[com.Side][]*delaySlot
	permanent map[com.Side][]*permSlot

	// bottleneck tracks each side's write_<side>_bottleneck state (spec
	// §4.3, §8's quantified invariant).
	bottleneck map[com.Side]bool

	byFD map[int]*fdEntry

	// acceptLocks is the per-fd mutex registry guarding concurrent
	// accept() against a listening descriptor shared across sub-proxies
	// (spec §5's "shared resources"). Only ever consulted on the
	// master, via acceptRegistry.
	acceptLocksMu    sync.Mutex
	acceptLocks      map[int]*sync.Mutex
	acceptViolations uint64

	trashcan  []*cx.CX
	lastClick time.Time
}

// Fence implements poller.Handler; every proxy reports the same
// integrity constant so a master can assert it is dispatching to a
// proxy object and not something else sharing the fd-keyed handler map
// (spec §4.4).
func (p *Proxy) Fence() uint32 { return poller.HandlerFence }

func newEmpty(cfg Config) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &Proxy{
		name:               cfg.Name,
		logger:             logger,
		reconnectDelay:     reconnectDelay,
		onBottleneck:       cfg.OnBottleneck,
		onPermanentRestore: cfg.OnPermanentRestore,
		listening:          make(map[com.Side][]*cx.CX),
		accepted:           make(map[com.Side][]*cx.CX),
		delayed:            make(map[com.Side][]*delaySlot),
		permanent:          make(map[com.Side][]*permSlot),
		bottleneck:         make(map[com.Side]bool),
		byFD:               make(map[int]*fdEntry),
		acceptLocks:        make(map[int]*sync.Mutex),
		lastClick:          time.Now(),
	}
}

// NewMaster constructs a master proxy that owns a fresh poller.
func NewMaster(cfg Config, opts poller.Options) (*Proxy, error) {
	p := newEmpty(cfg)
	pl, err := poller.New(opts)
	if err != nil {
		return nil, fmt.Errorf("proxy: new master: %w", err)
	}
	p.poller = pl
	return p, nil
}

// NewSub constructs a sub-proxy sharing master's poller and readiness
// loop, per spec §4.4's master/sub-proxy model. The master drives all
// of its sub-proxies' rounds from a single Round call.
func (master *Proxy) NewSub(cfg Config) (*Proxy, error) {
	master.mu.Lock()
	defer master.mu.Unlock()
	if master.master != nil {
		return nil, fmt.Errorf("proxy: NewSub must be called on the master, not a sub-proxy")
	}
	p := newEmpty(cfg)
	p.poller = master.poller
	p.master = master
	master.subs = append(master.subs, p)
	return p, nil
}

// NotifyError implements cx.Owner: the first time a CX errors, it is
// queued in the trashcan that the last step of Round reaps (spec §4.2,
// §8 scenario 6).
func (p *Proxy) NotifyError(side com.Side, c *cx.CX) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trashcan = append(p.trashcan, c)
}

// PairPeers links two CXs as each other's relay partner, spec §3's
// "relations: peer CX ref". Bytes read from one side are pumped to the
// other via the default process hook AddAccepted installs.
func PairPeers(a, b *cx.CX) {
	a.SetPeer(b)
	b.SetPeer(a)
}

// pumpProcess is the default Process hook every accepted/delayed CX
// gets unless the caller supplies its own: it forwards every byte read
// straight to the peer's write buffer, implementing the "pumps bytes
// across peer pairs" behavior of spec §4.3.
func pumpProcess(c *cx.CX, data []byte) int {
	if peer := c.Peer(); peer != nil {
		peer.Enqueue(data)
	}
	return len(data)
}

func withPump(h cx.Hooks) cx.Hooks {
	if h.Process == nil {
		h.Process = pumpProcess
	}
	return h
}

// AddListening registers a bound, listening com under side (L or R by
// convention; spec §3 reserves upper-case side tags for bound
// sockets).
func (p *Proxy) AddListening(side com.Side, listenCom com.Com) *cx.CX {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := cx.New(cx.Config{Com: listenCom, Side: side, Name: "listen", Logger: p.logger})
	c.SetOwner(p)
	p.listening[side] = append(p.listening[side], c)
	p.byFD[listenCom.FD()] = &fdEntry{c: c, side: side, cat: catListening}
	if err := p.poller.Add(listenCom.FD(), poller.MaskIn, p); err != nil {
		p.logger.Error("proxy: register listening fd", logging.KeyError, err)
	}
	return c
}

// AddAccepted registers an already-connected com as an accepted CX
// (spec §3's lower-case accepted side tags). hooks.Process defaults to
// the byte-pump behavior if not set.
func (p *Proxy) AddAccepted(side com.Side, conn com.Com, hooks cx.Hooks) *cx.CX {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addAcceptedLocked(side, conn, hooks)
}

func (p *Proxy) addAcceptedLocked(side com.Side, conn com.Com, hooks cx.Hooks) *cx.CX {
	c := cx.New(cx.Config{Com: conn, Side: side, Hooks: withPump(hooks), Logger: p.logger})
	c.SetOwner(p)
	p.accepted[side] = append(p.accepted[side], c)
	fd := conn.FD()
	p.byFD[fd] = &fdEntry{c: c, side: side, cat: catAccepted}
	if !isVirtualFD(fd) {
		if err := p.poller.Add(fd, poller.MaskIn|poller.MaskOut, p); err != nil {
			p.logger.Error("proxy: register accepted fd", logging.KeyError, err)
		}
	}
	return c
}

// AddDelayed registers an accepted com whose promotion into the normal
// accepted vector is gated on ready() reporting true (spec §4.3's
// delayed-accept step) — e.g. waiting for the other side's
// permanent-connect dial to complete before pumping bytes.
func (p *Proxy) AddDelayed(side com.Side, conn com.Com, hooks cx.Hooks, ready func() bool) *cx.CX {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := cx.New(cx.Config{Com: conn, Side: side, Hooks: withPump(hooks), Logger: p.logger})
	c.SetOwner(p)
	p.delayed[side] = append(p.delayed[side], &delaySlot{c: c, ready: ready})
	return c
}

// AddPermanent registers a permanent-connect slot (spec §4.2/§8
// scenario 4): the proxy dials host:port, retrying every
// reconnectDelay after a failure or a post-connect error, for as long
// as the slot is registered. mkCom must build a fresh, unconnected com
// each call (its Replicate() method is a natural fit).
func (p *Proxy) AddPermanent(side com.Side, host string, port int, mkCom func() com.Com, hooks cx.Hooks) *cx.CX {
	p.mu.Lock()
	defer p.mu.Unlock()

	comm := mkCom()
	c := cx.New(cx.Config{Com: comm, Side: side, Hooks: withPump(hooks), Logger: p.logger, ReconnectDelay: p.reconnectDelay})
	c.SetOwner(p)
	c.SetPermanent(true)
	c.SetOpening(true)

	slot := &permSlot{c: c, host: host, port: port, mkCom: mkCom, hooks: hooks}
	p.permanent[side] = append(p.permanent[side], slot)
	return c
}

// Round drives exactly one pass of the core loop, spec §4.3's ordering:
// timers, then reads (L, l, R, r), then writes (L, l, R, r), then
// permanent-connect
// I/O, then accepts, then delayed-accept promotion, then reaping.
// Round must be called on the master; it also drives every attached
// sub-proxy from the same Wait() result.
func (p *Proxy) Round(timeout time.Duration) error {
	if p.master != nil {
		return fmt.Errorf("proxy: Round must be called on the master proxy")
	}

	round, err := p.poller.Wait(timeout)
	if err != nil {
		return err
	}

	inSet := toSet(round.In)
	outSet := toSet(round.Out)
	errSet := toSet(round.Err)

	all := append([]*Proxy{p}, p.subs...)

	// Forced-I/O flags are strictly single-shot per round (spec §9 Open
	// Question #1): clear them before this round's dispatch so a flag
	// set mid-handshake last round never leaks into the next one.
	for _, sp := range all {
		sp.clearForcedFlags()
	}

	now := time.Now()
	if now.Sub(p.lastClick) >= clickerInterval {
		for _, sp := range all {
			sp.runClicker()
		}
		p.lastClick = now
	}

	for _, side := range []com.Side{com.SideL, com.Sidel, com.SideR, com.Sider} {
		for _, sp := range all {
			sp.processReads(side, inSet, errSet)
		}
	}
	for _, side := range []com.Side{com.SideL, com.Sidel, com.SideR, com.Sider} {
		for _, sp := range all {
			sp.processWrites(side, outSet, errSet)
		}
	}
	for _, sp := range all {
		sp.processPermanent(inSet, outSet, errSet)
	}
	for _, sp := range all {
		sp.processAccepts(inSet)
	}
	for _, sp := range all {
		sp.processDelayed()
	}
	for _, sp := range all {
		sp.reapTrashcan()
	}
	return nil
}

// clearForcedFlags clears the one-shot forced-I/O override on every
// com this proxy owns, once per round (spec §9 Open Question #1).
func (p *Proxy) clearForcedFlags() {
	p.mu.Lock()
	var coms []com.Com
	for _, list := range p.accepted {
		for _, c := range list {
			coms = append(coms, c.Com())
		}
	}
	for _, slots := range p.permanent {
		for _, s := range slots {
			coms = append(coms, s.c.Com())
		}
	}
	p.mu.Unlock()

	for _, c := range coms {
		c.ClearForcedFlags()
	}
}

func (p *Proxy) runClicker() {
	p.mu.Lock()
	var all []*cx.CX
	for _, v := range p.accepted {
		all = append(all, v...)
	}
	for _, v := range p.permanent {
		for _, s := range v {
			all = append(all, s.c)
		}
	}
	p.mu.Unlock()

	for _, c := range all {
		c.RunTimer()
		if c.OpeningTimeout() {
			c.Error()
		}
	}
}

func (p *Proxy) processReads(side com.Side, inSet, errSet map[int]struct{}) {
	p.mu.Lock()
	list := append([]*cx.CX(nil), p.accepted[side]...)
	p.mu.Unlock()

	for _, c := range list {
		if c.Erred() {
			continue
		}
		fd := c.Com().FD()
		if _, bad := errSet[fd]; bad {
			c.Error()
			continue
		}
		if !isVirtualFD(fd) {
			if _, ready := inSet[fd]; !ready {
				continue
			}
		}
		_, err := c.Read()
		switch err {
		case nil, cx.ErrDeferred:
		default:
			// c.Error() already ran inside Read(); nothing else to do.
		}
	}
}

func (p *Proxy) processWrites(side com.Side, outSet, errSet map[int]struct{}) {
	p.mu.Lock()
	list := append([]*cx.CX(nil), p.accepted[side]...)
	p.mu.Unlock()

	for _, c := range list {
		if c.Erred() {
			continue
		}
		fd := c.Com().FD()
		if _, bad := errSet[fd]; bad {
			c.Error()
			continue
		}
		if c.PendingWrite() == 0 {
			continue
		}
		if !isVirtualFD(fd) {
			if _, ready := outSet[fd]; !ready {
				continue
			}
		}
		if _, err := c.Write(); err != nil && err != cx.ErrDeferred {
			// c.Error() already ran inside Write().
			continue
		}
		if c.PendingWrite() > 0 {
			p.engageBottleneck(side)
		} else {
			p.releaseBottleneck(side)
		}
	}
}

// oppositeSide maps a side to its relay partner per spec §3's
// left/right pairing: L<->R, l<->r, x<->y.
func oppositeSide(side com.Side) com.Side {
	switch side {
	case com.SideL:
		return com.SideR
	case com.SideR:
		return com.SideL
	case com.Sidel:
		return com.Sider
	case com.Sider:
		return com.Sidel
	case com.SideX:
		return com.SideY
	case com.SideY:
		return com.SideX
	default:
		return side
	}
}

// Bottleneck reports side's current write_<side>_bottleneck state
// (spec §4.3, §8's quantified invariant).
func (p *Proxy) Bottleneck(side com.Side) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bottleneck[side]
}

// engageBottleneck marks side's write as backpressured and pauses
// every CX's read on the opposite side until the buffer drains (spec
// §4.3 "Bottleneck / backpressure", §8's quantified invariant: "∀
// proxy p with write_left_bottleneck=true: every CX on the right side
// has read-waiting-for-peercom=true"). A no-op past the first call
// while the side is already engaged.
func (p *Proxy) engageBottleneck(side com.Side) {
	p.mu.Lock()
	already := p.bottleneck[side]
	p.bottleneck[side] = true
	peers := append([]*cx.CX(nil), p.accepted[oppositeSide(side)]...)
	p.mu.Unlock()

	for _, c := range peers {
		c.SetReadWaitingForPeer(true)
		c.Com().SetMonitor(false, true)
	}

	if !already && p.onBottleneck != nil {
		p.onBottleneck(side, true)
	}
}

// releaseBottleneck clears side's write bottleneck and resumes reads
// on the opposite side, once its buffer has fully drained.
func (p *Proxy) releaseBottleneck(side com.Side) {
	p.mu.Lock()
	was := p.bottleneck[side]
	p.bottleneck[side] = false
	peers := append([]*cx.CX(nil), p.accepted[oppositeSide(side)]...)
	p.mu.Unlock()

	for _, c := range peers {
		c.SetReadWaitingForPeer(false)
		c.Com().SetMonitor(true, true)
	}

	if was && p.onBottleneck != nil {
		p.onBottleneck(side, false)
	}
}

func (p *Proxy) processPermanent(inSet, outSet, errSet map[int]struct{}) {
	p.mu.Lock()
	sides := make([]com.Side, 0, len(p.permanent))
	for side := range p.permanent {
		sides = append(sides, side)
	}
	p.mu.Unlock()

	for _, side := range sides {
		p.mu.Lock()
		slots := append([]*permSlot(nil), p.permanent[side]...)
		p.mu.Unlock()

		for _, slot := range slots {
			p.stepPermanentSlot(side, slot, inSet, outSet, errSet)
		}
	}
}

func (p *Proxy) stepPermanentSlot(side com.Side, slot *permSlot, inSet, outSet, errSet map[int]struct{}) {
	if slot.c.Erred() {
		if slot.errorAt.IsZero() {
			slot.errorAt = time.Now()
		}
		if time.Since(slot.errorAt) < p.reconnectDelay {
			return
		}
		p.redialPermanent(side, slot)
		return
	}

	if !slot.connected {
		if err := slot.c.Com().Connect(slot.host, slot.port); err != nil {
			if slot.c.OpeningTimeout() {
				slot.c.Error()
			}
			return
		}
		// The non-blocking connect() completing is not itself a
		// successful read or write; opening stays true until the slot's
		// first successful I/O (spec §4.2, §8 scenario 4), handled below
		// via clearOpening.
		slot.connected = true
		fd := slot.c.Com().FD()
		p.mu.Lock()
		p.byFD[fd] = &fdEntry{c: slot.c, side: side, cat: -1}
		p.mu.Unlock()
		if err := p.poller.Add(fd, poller.MaskIn|poller.MaskOut, p); err != nil {
			p.logger.Error("proxy: register permanent-connect fd", logging.KeyError, err)
		}
		return
	}

	fd := slot.c.Com().FD()
	if _, bad := errSet[fd]; bad {
		slot.c.Error()
		return
	}
	if _, ready := inSet[fd]; ready {
		if n, err := slot.c.Read(); err == nil && n > 0 {
			p.clearOpening(side, slot.c)
		}
	}
	if slot.c.PendingWrite() > 0 {
		if _, ready := outSet[fd]; ready {
			if n, err := slot.c.Write(); err == nil && n > 0 {
				p.clearOpening(side, slot.c)
			}
			if slot.c.PendingWrite() > 0 {
				p.engageBottleneck(side)
			} else {
				p.releaseBottleneck(side)
			}
		}
	}
}

// clearOpening transitions a permanent-connect CX out of its opening
// state on the first successful read or write after a (re)dial (spec
// §4.2 "opening clears on first successful read or write", §4.3 step
// 4, §8 scenario 4) and fires the restore callback exactly once per
// transition.
func (p *Proxy) clearOpening(side com.Side, c *cx.CX) {
	if !c.Opening() {
		return
	}
	c.SetOpening(false)
	if p.onPermanentRestore != nil {
		p.onPermanentRestore(side, c)
	}
}

func (p *Proxy) redialPermanent(side com.Side, slot *permSlot) {
	p.mu.Lock()
	delete(p.byFD, slot.c.Com().FD())
	p.mu.Unlock()
	p.poller.Del(slot.c.Com().FD())

	newCom := slot.mkCom()
	newC := cx.New(cx.Config{Com: newCom, Side: side, Hooks: withPump(slot.hooks), Logger: p.logger, ReconnectDelay: p.reconnectDelay})
	newC.SetOwner(p)
	newC.SetPermanent(true)
	newC.SetOpening(true)
	if peer := slot.c.Peer(); peer != nil {
		PairPeers(newC, peer)
	}

	slot.c = newC
	slot.connected = false
	slot.errorAt = time.Time{}
}

func (p *Proxy) processAccepts(inSet map[int]struct{}) {
	p.mu.Lock()
	sides := make([]com.Side, 0, len(p.listening))
	for side := range p.listening {
		sides = append(sides, side)
	}
	p.mu.Unlock()

	for _, side := range sides {
		p.mu.Lock()
		listeners := append([]*cx.CX(nil), p.listening[side]...)
		p.mu.Unlock()

		for _, lc := range listeners {
			fd := lc.Com().FD()
			if _, ready := inSet[fd]; !ready {
				continue
			}

			lock := p.acceptLockFor(fd)
			held := lock.TryLock()
			if !held {
				atomic.AddUint64(&p.acceptRegistry().acceptViolations, 1)
				p.logger.Warn("proxy: accept attempted without per-fd lock", "fd", fd)
			}

			conn, err := lc.Com().Accept()

			if held {
				lock.Unlock()
			}

			if err != nil {
				continue
			}
			acceptedSide := acceptedSideFor(side)
			p.mu.Lock()
			c := p.addAcceptedLocked(acceptedSide, conn, cx.Hooks{})
			p.mu.Unlock()
			c.RunAcceptSocket()
		}
	}
}

func acceptedSideFor(listening com.Side) com.Side {
	switch listening {
	case com.SideL:
		return com.Sidel
	case com.SideR:
		return com.Sider
	default:
		return listening
	}
}

func (p *Proxy) processDelayed() {
	p.mu.Lock()
	sides := make([]com.Side, 0, len(p.delayed))
	for side := range p.delayed {
		sides = append(sides, side)
	}
	p.mu.Unlock()

	for _, side := range sides {
		p.mu.Lock()
		slots := p.delayed[side]
		var remaining []*delaySlot
		var promoted []*delaySlot
		for _, s := range slots {
			if s.ready != nil && s.ready() {
				promoted = append(promoted, s)
			} else {
				remaining = append(remaining, s)
			}
		}
		p.delayed[side] = remaining
		p.mu.Unlock()

		for _, s := range promoted {
			s.c.RunAcceptSocket()
			p.mu.Lock()
			p.accepted[side] = append(p.accepted[side], s.c)
			p.byFD[s.c.Com().FD()] = &fdEntry{c: s.c, side: side, cat: catAccepted}
			p.mu.Unlock()
			if err := p.poller.Add(s.c.Com().FD(), poller.MaskIn|poller.MaskOut, p); err != nil {
				p.logger.Error("proxy: register delayed-accept fd", logging.KeyError, err)
			}
		}
		for _, s := range remaining {
			s.c.RunDelaySocket()
		}
	}
}

// reapTrashcan closes and deregisters every CX that transitioned to
// the error state this round (spec §8 scenario 6, §9's owning-destroys
// note).
func (p *Proxy) reapTrashcan() {
	p.mu.Lock()
	dead := p.trashcan
	p.trashcan = nil
	p.mu.Unlock()

	for _, c := range dead {
		fd := c.Com().FD()
		p.mu.Lock()
		delete(p.byFD, fd)
		for side, list := range p.accepted {
			p.accepted[side] = removeCX(list, c)
		}
		p.mu.Unlock()
		p.poller.Del(fd)
		c.Close()
	}
}

func removeCX(list []*cx.CX, target *cx.CX) []*cx.CX {
	out := list[:0]
	for _, c := range list {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// Accepted returns a snapshot of the accepted vector for side, for
// tests and introspection.
func (p *Proxy) Accepted(side com.Side) []*cx.CX {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*cx.CX(nil), p.accepted[side]...)
}

// Permanent returns the current CX for each permanent-connect slot on
// side, for tests and introspection.
func (p *Proxy) Permanent(side com.Side) []*cx.CX {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*cx.CX, 0, len(p.permanent[side]))
	for _, s := range p.permanent[side] {
		out = append(out, s.c)
	}
	return out
}

// LookupFD returns the CX and side registered for fd, for introspection
// and tests (spec §5's object registry is explicitly introspection-only
// and never consulted on the data path; this mirrors that contract at
// the proxy level).
func (p *Proxy) LookupFD(fd int) (*cx.CX, com.Side, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byFD[fd]
	if !ok {
		return nil, 0, false
	}
	return e.c, e.side, true
}

// acceptRegistry returns the proxy that owns the shared per-fd accept
// lock registry. Every sub-proxy shares its master's poller and fd
// space (spec §4.4), so the registry itself lives only on the master
// (spec §5's "per-fd mutex registry").
func (p *Proxy) acceptRegistry() *Proxy {
	if p.master != nil {
		return p.master
	}
	return p
}

// acceptLockFor returns (creating it if necessary) the mutex guarding
// concurrent accept() against fd across every sub-proxy sharing this
// listening descriptor.
func (p *Proxy) acceptLockFor(fd int) *sync.Mutex {
	root := p.acceptRegistry()
	root.acceptLocksMu.Lock()
	defer root.acceptLocksMu.Unlock()
	m, ok := root.acceptLocks[fd]
	if !ok {
		m = &sync.Mutex{}
		root.acceptLocks[fd] = m
	}
	return m
}

// AcceptInvariantViolations reports how many times an accept on a
// shared listening descriptor proceeded without holding its per-fd
// lock (spec §5, §7's "accept without per-fd lock" row: "attempted
// anyway" rather than unwound, with an assertable signal for tests —
// spec §9's "reimplement as an explicit error return and an assertable
// counter; do not unwind").
func (p *Proxy) AcceptInvariantViolations() uint64 {
	return atomic.LoadUint64(&p.acceptRegistry().acceptViolations)
}

// EnforceIn guarantees fd appears in the next round's read set regardless
// of what the OS reports, for sources the poller cannot observe directly
// — e.g. a UDP virtual flow whose readiness is driven by the threaded
// receiver's demux drain rather than epoll (spec §4.5).
func (p *Proxy) EnforceIn(fd int) {
	p.poller.EnforceIn(fd)
}

// Close releases the poller. Only the master should call Close.
func (p *Proxy) Close() error {
	if p.master != nil {
		return fmt.Errorf("proxy: Close must be called on the master proxy")
	}
	return p.poller.Close()
}

func toSet(fds []int) map[int]struct{} {
	m := make(map[int]struct{}, len(fds))
	for _, fd := range fds {
		m[fd] = struct{}{}
	}
	return m
}
