package proxy

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayforge/proxycore/internal/com"
	"github.com/relayforge/proxycore/internal/cx"
	"github.com/relayforge/proxycore/internal/poller"
)

// fakeCom is a hand-written in-memory Com double, avoiding any real
// socket or poller dependency so these tests stay deterministic and
// runnable without a live OS readiness backend.
type fakeCom struct {
	fd int

	readQueue [][]byte
	readErr   error

	writeCap int
	written  []byte

	connectErr  error
	connectFn   func() error
	connectHits int

	acceptFn func() (com.Com, error)
}

func newFakeCom(fd int) *fakeCom { return &fakeCom{fd: fd} }

func (f *fakeCom) FD() int { return f.fd }
func (f *fakeCom) Connect(host string, port int) error {
	f.connectHits++
	if f.connectFn != nil {
		return f.connectFn()
	}
	return f.connectErr
}
func (f *fakeCom) Bind(addr string) error { return nil }
func (f *fakeCom) Accept() (com.Com, error) {
	if f.acceptFn != nil {
		return f.acceptFn()
	}
	return nil, errors.New("fakeCom: no accept configured")
}
func (f *fakeCom) Shutdown() error                        { return nil }
func (f *fakeCom) Close() error                           { return nil }
func (f *fakeCom) Readable() bool                         { return true }
func (f *fakeCom) Writable() bool                         { return true }
func (f *fakeCom) SetMonitor(in, out bool)                {}
func (f *fakeCom) ChangeMonitor(in, out bool)              {}
func (f *fakeCom) UnsetMonitor()                           {}
func (f *fakeCom) RescanRead()                             {}
func (f *fakeCom) RescanWrite()                            {}
func (f *fakeCom) ForcedFlags() com.ForcedFlag              { return 0 }
func (f *fakeCom) SetForcedFlag(flag com.ForcedFlag)        {}
func (f *fakeCom) ClearForcedFlags()                        {}
func (f *fakeCom) TranslateSocket(virtual int) (int, bool) { return virtual, true }
func (f *fakeCom) NonlocalDst() (string, int, bool)        { return "", 0, false }
func (f *fakeCom) ResolveSrc() (string, int, error)        { return "127.0.0.1", 1111, nil }
func (f *fakeCom) ResolveDst() (string, int, error)        { return "127.0.0.1", 2222, nil }
func (f *fakeCom) L3Proto() string                         { return "ip" }
func (f *fakeCom) L4Proto() string                         { return "tcp" }
func (f *fakeCom) Shortname() string                       { return "fake" }
func (f *fakeCom) Replicate() com.Com                      { return newFakeCom(f.fd) }

func (f *fakeCom) Read(buf []byte, flags com.ReadFlag) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.readQueue) == 0 {
		return 0, com.ErrWouldBlock
	}
	next := f.readQueue[0]
	f.readQueue = f.readQueue[1:]
	return copy(buf, next), nil
}

func (f *fakeCom) Write(buf []byte, flags com.WriteFlag) (int, error) {
	n := len(buf)
	if f.writeCap > 0 && n > f.writeCap {
		n = f.writeCap
	}
	f.written = append(f.written, buf[:n]...)
	return n, nil
}

// newTestProxy builds a master proxy with a real poller (for its
// Add/Del tolerance of arbitrary fd numbers) so the proxy's
// registration calls never nil-dereference, while every test below
// drives the round's sub-steps directly rather than through Round /
// Wait to keep behavior independent of real OS readiness timing.
func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	p, err := NewMaster(Config{Name: "test"}, poller.Options{})
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func setOf(fds ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(fds))
	for _, fd := range fds {
		m[fd] = struct{}{}
	}
	return m
}

// TestProxyPumpsBytesBetweenPeers is spec §8 scenario 1 (TCP
// echo-through), exercised at the CX-pump level: a byte chunk read from
// one side's com lands directly in the other side's pending write.
func TestProxyPumpsBytesBetweenPeers(t *testing.T) {
	p := newTestProxy(t)

	lCom := newFakeCom(10)
	lCom.readQueue = [][]byte{[]byte("hello")}
	rCom := newFakeCom(11)

	lc := cx.New(cx.Config{Com: lCom, Side: com.SideL, Hooks: cx.Hooks{Process: pumpProcess}})
	rc := cx.New(cx.Config{Com: rCom, Side: com.Sider, Hooks: cx.Hooks{Process: pumpProcess}})
	lc.SetOwner(p)
	rc.SetOwner(p)
	PairPeers(lc, rc)

	p.accepted[com.SideL] = []*cx.CX{lc}
	p.accepted[com.Sider] = []*cx.CX{rc}

	p.processReads(com.SideL, setOf(10), nil)

	if rc.PendingWrite() != len("hello") {
		t.Fatalf("PendingWrite() = %d, want %d", rc.PendingWrite(), len("hello"))
	}
}

// TestProxyReadDefersWhenPeerBacklogged is spec §4.2's coarse
// 200000-byte peer-write-backlog push-back: a separate, lower safety
// net from the side-level write bottleneck in §4.3 — it defers a read
// outright once the peer's own write buffer is already far beyond
// anything a single round would drain.
func TestProxyReadDefersWhenPeerBacklogged(t *testing.T) {
	p := newTestProxy(t)

	lCom := newFakeCom(20)
	lCom.readQueue = [][]byte{[]byte("more data")}
	rCom := newFakeCom(21)

	lc := cx.New(cx.Config{Com: lCom, Side: com.SideL, Hooks: cx.Hooks{Process: pumpProcess}})
	rc := cx.New(cx.Config{Com: rCom, Side: com.Sider})
	PairPeers(lc, rc)
	rc.Enqueue(make([]byte, 200001))

	p.accepted[com.SideL] = []*cx.CX{lc}

	p.processReads(com.SideL, setOf(20), nil)

	if len(lCom.readQueue) != 1 {
		t.Error("the pending read chunk was consumed despite being deferred")
	}
}

// TestProxyWriteBottleneckPausesAndResumesPeerReads is spec §8
// scenario 2's literal setup (12B write through a 4B/round sink): the
// instant the write goes partial, write_right_bottleneck engages and
// every CX on the opposite (left) side gets read-waiting-for-peercom,
// per §8's quantified invariant; once the buffer fully drains, both
// clear and the hook observes both transitions.
func TestProxyWriteBottleneckPausesAndResumesPeerReads(t *testing.T) {
	p := newTestProxy(t)

	var transitions []string
	p.onBottleneck = func(side com.Side, active bool) {
		state := "off"
		if active {
			state = "on"
		}
		transitions = append(transitions, side.String()+"="+state)
	}

	lCom := newFakeCom(70)
	rCom := newFakeCom(71)
	rCom.writeCap = 4

	lc := cx.New(cx.Config{Com: lCom, Side: com.Sidel, Hooks: cx.Hooks{Process: pumpProcess}})
	rc := cx.New(cx.Config{Com: rCom, Side: com.Sider})
	PairPeers(lc, rc)
	rc.Enqueue([]byte("ABCDEFGHIJKL"))

	p.accepted[com.Sidel] = []*cx.CX{lc}
	p.accepted[com.Sider] = []*cx.CX{rc}

	p.processWrites(com.Sider, setOf(71), nil)
	if !p.Bottleneck(com.Sider) {
		t.Fatal("write_right_bottleneck should engage after a partial write")
	}
	if !lc.ReadWaitingForPeer() {
		t.Fatal("the opposite side's CX should have read-waiting-for-peercom set")
	}

	p.processWrites(com.Sider, setOf(71), nil)
	if !p.Bottleneck(com.Sider) {
		t.Fatal("write_right_bottleneck should still be engaged mid-drain")
	}

	p.processWrites(com.Sider, setOf(71), nil)
	if p.Bottleneck(com.Sider) {
		t.Fatal("write_right_bottleneck should clear once the buffer fully drains")
	}
	if lc.ReadWaitingForPeer() {
		t.Fatal("read-waiting-for-peercom should clear once the buffer fully drains")
	}
	if string(rCom.written) != "ABCDEFGHIJKL" {
		t.Errorf("written = %q, want %q", rCom.written, "ABCDEFGHIJKL")
	}
	if len(transitions) != 2 || transitions[0] != "r=on" || transitions[1] != "r=off" {
		t.Errorf("onBottleneck transitions = %v, want [r=on r=off]", transitions)
	}
}

// TestProxyWriteDrainsOverRounds is spec §8 scenario 2's literal byte
// count: a 12-byte chunk through a com that only accepts 4 bytes per
// round drains across exactly three rounds.
func TestProxyWriteDrainsOverRounds(t *testing.T) {
	p := newTestProxy(t)

	rCom := newFakeCom(30)
	rCom.writeCap = 4
	rc := cx.New(cx.Config{Com: rCom, Side: com.Sider})
	rc.Enqueue([]byte("ABCDEFGHIJKL"))

	p.accepted[com.Sider] = []*cx.CX{rc}

	for round := 0; round < 3; round++ {
		p.processWrites(com.Sider, setOf(30), nil)
	}

	if rc.PendingWrite() != 0 {
		t.Errorf("PendingWrite() = %d after 3 rounds, want 0", rc.PendingWrite())
	}
	if string(rCom.written) != "ABCDEFGHIJKL" {
		t.Errorf("written = %q, want %q", rCom.written, "ABCDEFGHIJKL")
	}
}

// TestProxyPermanentConnectRetriesThenSucceeds is spec §8 scenario 4:
// a permanent-connect slot whose first dial fails keeps retrying and
// eventually connects.
func TestProxyPermanentConnectRetriesThenSucceeds(t *testing.T) {
	p := newTestProxy(t)

	attempt := 0
	mkCom := func() com.Com {
		fc := newFakeCom(40)
		fc.connectFn = func() error {
			attempt++
			if attempt == 1 {
				return errors.New("connection refused")
			}
			return nil
		}
		return fc
	}

	c := p.AddPermanent(com.SideX, "127.0.0.1", 9999, mkCom, cx.Hooks{})
	slot := p.permanent[com.SideX][0]
	if slot.c != c {
		t.Fatal("AddPermanent returned a CX that isn't the slot's own")
	}

	p.processPermanent(nil, nil, nil)
	if slot.connected {
		t.Fatal("slot reports connected after a failed dial")
	}

	p.processPermanent(nil, nil, nil)
	if !slot.connected {
		t.Fatal("slot did not connect on the second attempt")
	}
	if attempt != 2 {
		t.Errorf("connect was attempted %d times, want 2", attempt)
	}
}

// TestProxyPermanentConnectRestoreFiresOnFirstSuccessfulIO is spec §8
// scenario 4: opening only clears, and on_{side}_pc_restore only
// fires, on the slot's first successful read or write after a
// (re)dial — not the instant the non-blocking connect() itself
// succeeds.
func TestProxyPermanentConnectRestoreFiresOnFirstSuccessfulIO(t *testing.T) {
	p := newTestProxy(t)

	var restoredSide com.Side
	var restoredCX *cx.CX
	p.onPermanentRestore = func(side com.Side, c *cx.CX) {
		restoredSide = side
		restoredCX = c
	}

	mkCom := func() com.Com {
		fc := newFakeCom(60)
		fc.readQueue = [][]byte{[]byte("data")}
		return fc
	}

	c := p.AddPermanent(com.SideX, "127.0.0.1", 9999, mkCom, cx.Hooks{})
	slot := p.permanent[com.SideX][0]

	p.processPermanent(nil, nil, nil)
	if !slot.connected {
		t.Fatal("slot did not connect on the first attempt")
	}
	if !c.Opening() {
		t.Fatal("opening cleared before any successful read or write")
	}
	if restoredCX != nil {
		t.Fatal("restore callback fired before any successful read or write")
	}

	fd := c.Com().FD()
	p.processPermanent(setOf(fd), nil, nil)
	if c.Opening() {
		t.Fatal("opening was not cleared after the first successful read")
	}
	if restoredCX != c || restoredSide != com.SideX {
		t.Fatalf("restore callback = (%v, %v), want (%v, %v)", restoredSide, restoredCX, com.SideX, c)
	}
}

// TestProxyPermanentConnectRedialsAfterError covers the reconnect_delay
// policy: once connected, an error puts the slot through a full
// redial after the delay elapses, not before.
func TestProxyPermanentConnectRedialsAfterError(t *testing.T) {
	p := newTestProxy(t)
	p.reconnectDelay = 10 * time.Millisecond

	rebuilds := 0
	mkCom := func() com.Com {
		rebuilds++
		return newFakeCom(50 + rebuilds)
	}

	orig := p.AddPermanent(com.SideX, "127.0.0.1", 9999, mkCom, cx.Hooks{})
	slot := p.permanent[com.SideX][0]
	slot.connected = true // simulate an already-established connection

	orig.Error()
	p.processPermanent(nil, nil, nil)
	if slot.c != orig {
		t.Fatal("slot was redialed before reconnectDelay elapsed")
	}

	time.Sleep(15 * time.Millisecond)
	p.processPermanent(nil, nil, nil)
	if slot.c == orig {
		t.Fatal("slot was not redialed with a fresh CX after reconnectDelay elapsed")
	}
}

// TestProxyReapsErroredCX is spec §8 scenario 6: a CX that transitions
// to error is removed from its accepted vector and its fd bookkeeping
// on the next reap pass.
func TestProxyReapsErroredCX(t *testing.T) {
	p := newTestProxy(t)

	fc := newFakeCom(60)
	c := cx.New(cx.Config{Com: fc, Side: com.Sidel})
	c.SetOwner(p)

	p.accepted[com.Sidel] = []*cx.CX{c}
	p.byFD[60] = &fdEntry{c: c, side: com.Sidel, cat: catAccepted}

	c.Error()
	p.reapTrashcan()

	if len(p.accepted[com.Sidel]) != 0 {
		t.Errorf("accepted[l] = %v, want empty after reaping", p.accepted[com.Sidel])
	}
	if _, ok := p.byFD[60]; ok {
		t.Error("byFD[60] still present after reaping")
	}
}

// TestProxyProcessAcceptsPromotesNewConnection covers the accept step:
// a listening com with a pending connection hands out a fresh com that
// becomes a new accepted CX.
func TestProxyProcessAcceptsPromotesNewConnection(t *testing.T) {
	p := newTestProxy(t)

	listenCom := newFakeCom(70)
	acceptedCom := newFakeCom(71)
	listenCom.acceptFn = func() (com.Com, error) { return acceptedCom, nil }

	listenCX := cx.New(cx.Config{Com: listenCom, Side: com.SideL})
	p.listening[com.SideL] = []*cx.CX{listenCX}

	p.processAccepts(setOf(70))

	accepted := p.accepted[com.Sidel]
	if len(accepted) != 1 {
		t.Fatalf("accepted[l] has %d entries, want 1", len(accepted))
	}
	if accepted[0].Com() != acceptedCom {
		t.Error("the promoted CX does not wrap the com Accept() returned")
	}
	if _, ok := p.byFD[71]; !ok {
		t.Error("byFD[71] missing after accept")
	}
}

// TestProxyAcceptWithoutPerFDLockRecordsViolation is spec §5's shared
// per-fd accept lock registry and §7's "accept without per-fd lock"
// row: two sub-proxies racing an accept against the same shared
// listening descriptor still both proceed (accept is attempted
// anyway, never unwound), but the loser is recorded as an assertable
// invariant violation rather than silently passing.
func TestProxyAcceptWithoutPerFDLockRecordsViolation(t *testing.T) {
	master, err := NewMaster(Config{Name: "master"}, poller.Options{})
	if err != nil {
		t.Fatalf("NewMaster() error = %v", err)
	}
	t.Cleanup(func() { master.Close() })

	sub1, err := master.NewSub(Config{Name: "sub1"})
	if err != nil {
		t.Fatalf("NewSub() error = %v", err)
	}
	sub2, err := master.NewSub(Config{Name: "sub2"})
	if err != nil {
		t.Fatalf("NewSub() error = %v", err)
	}

	var nextFD int32 = 100
	acceptFn := func() (com.Com, error) {
		time.Sleep(15 * time.Millisecond)
		fd := int(atomic.AddInt32(&nextFD, 1))
		return newFakeCom(fd), nil
	}

	listenCom1 := newFakeCom(90)
	listenCom1.acceptFn = acceptFn
	listenCom2 := newFakeCom(90)
	listenCom2.acceptFn = acceptFn

	sub1.listening[com.SideL] = []*cx.CX{cx.New(cx.Config{Com: listenCom1, Side: com.SideL})}
	sub2.listening[com.SideL] = []*cx.CX{cx.New(cx.Config{Com: listenCom2, Side: com.SideL})}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sub1.processAccepts(setOf(90)) }()
	go func() { defer wg.Done(); sub2.processAccepts(setOf(90)) }()
	wg.Wait()

	if got := master.AcceptInvariantViolations(); got == 0 {
		t.Error("AcceptInvariantViolations() = 0, want at least 1 from the contended accept")
	}
	if got := sub1.AcceptInvariantViolations(); got != master.AcceptInvariantViolations() {
		t.Error("a sub-proxy's AcceptInvariantViolations() should read through to the master's shared registry")
	}
}

// TestProxyDelayedPromotionWaitsForReady covers the delayed-accept
// promotion step: a CX stays out of the accepted vector until its
// ready callback reports true.
func TestProxyDelayedPromotionWaitsForReady(t *testing.T) {
	p := newTestProxy(t)

	readyNow := false
	fc := newFakeCom(80)
	c := p.AddDelayed(com.Sidel, fc, cx.Hooks{}, func() bool { return readyNow })

	p.processDelayed()
	if len(p.delayed[com.Sidel]) != 1 {
		t.Fatal("CX was promoted before ready() reported true")
	}
	if len(p.accepted[com.Sidel]) != 0 {
		t.Fatal("CX appeared in accepted before ready() reported true")
	}

	readyNow = true
	p.processDelayed()
	if len(p.delayed[com.Sidel]) != 0 {
		t.Fatal("CX still in delayed after ready() reported true")
	}
	accepted := p.accepted[com.Sidel]
	if len(accepted) != 1 || accepted[0] != c {
		t.Fatal("CX was not promoted into accepted after ready() reported true")
	}
}

func TestProxyClickerTriggersOpeningTimeout(t *testing.T) {
	p := newTestProxy(t)

	fc := newFakeCom(90)
	c := cx.New(cx.Config{Com: fc, Side: com.SideX, ReconnectDelay: 5 * time.Millisecond})
	c.SetOwner(p)
	c.SetOpening(true)
	p.accepted[com.SideX] = []*cx.CX{c}

	time.Sleep(10 * time.Millisecond)
	p.runClicker()

	if !c.Erred() {
		t.Error("CX did not transition to error after exceeding its reconnect delay")
	}
}
