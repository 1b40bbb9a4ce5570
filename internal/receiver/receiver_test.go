package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relayforge/proxycore/internal/com"
	"github.com/relayforge/proxycore/internal/poller"
	"github.com/relayforge/proxycore/internal/proxy"
	"github.com/relayforge/proxycore/internal/sessionkey"
)

// fakeCom is a hand-written in-memory Com double, in the teacher's
// no-testify test style, standing in for an accepted connection or a
// listening socket.
type fakeCom struct {
	fd int

	origDst     string
	origPort    int
	hasOrigDst  bool
	resolvedSrc string
	srcPort     int
	resolvedDst string
	dstPort     int
	resolveErr  error

	acceptFn func() (com.Com, error)

	closed bool
}

func (f *fakeCom) FD() int                             { return f.fd }
func (f *fakeCom) Connect(host string, port int) error { return nil }
func (f *fakeCom) Bind(addr string) error              { return nil }
func (f *fakeCom) Accept() (com.Com, error) {
	if f.acceptFn != nil {
		return f.acceptFn()
	}
	return nil, com.ErrWouldBlock
}
func (f *fakeCom) Read(buf []byte, flags com.ReadFlag) (int, error)   { return 0, com.ErrWouldBlock }
func (f *fakeCom) Write(buf []byte, flags com.WriteFlag) (int, error) { return len(buf), nil }
func (f *fakeCom) Shutdown() error                                    { return nil }
func (f *fakeCom) Close() error                                       { f.closed = true; return nil }
func (f *fakeCom) Readable() bool                                     { return false }
func (f *fakeCom) Writable() bool                                     { return false }
func (f *fakeCom) SetMonitor(in, out bool)                            {}
func (f *fakeCom) ChangeMonitor(in, out bool)                         {}
func (f *fakeCom) UnsetMonitor()                                      {}
func (f *fakeCom) RescanRead()                                        {}
func (f *fakeCom) RescanWrite()                                       {}
func (f *fakeCom) ForcedFlags() com.ForcedFlag                        { return 0 }
func (f *fakeCom) SetForcedFlag(flag com.ForcedFlag)                  {}
func (f *fakeCom) ClearForcedFlags()                                  {}
func (f *fakeCom) TranslateSocket(virtual int) (int, bool)            { return virtual, true }
func (f *fakeCom) NonlocalDst() (string, int, bool)                   { return f.origDst, f.origPort, f.hasOrigDst }
func (f *fakeCom) ResolveSrc() (string, int, error)                   { return f.resolvedSrc, f.srcPort, f.resolveErr }
func (f *fakeCom) ResolveDst() (string, int, error)                   { return f.resolvedDst, f.dstPort, nil }
func (f *fakeCom) L3Proto() string                                    { return "ip" }
func (f *fakeCom) L4Proto() string                                    { return "tcp" }
func (f *fakeCom) Shortname() string                                  { return "fake" }
func (f *fakeCom) Replicate() com.Com                                 { return &fakeCom{} }

// newTestWorkers builds n workers, each its own independent master proxy
// with its own poller — spec §4.5's "workers are threaded sub-proxies
// that own their own poller", one per simulated worker thread.
func newTestWorkers(t *testing.T, n int) []*Worker {
	t.Helper()
	workers := make([]*Worker, n)
	for i := 0; i < n; i++ {
		p, err := proxy.NewMaster(proxy.Config{Name: "recv-test-worker"}, poller.Options{})
		if err != nil {
			t.Fatalf("NewMaster() error = %v", err)
		}
		t.Cleanup(func() { p.Close() })
		workers[i] = NewWorker(p, 8)
	}
	return workers
}

func TestDispatchStreamUsesTransparentOriginalDestination(t *testing.T) {
	workers := newTestWorkers(t, 4)
	r := New(Config{}, workers)

	conn := &fakeCom{
		fd: 10, hasOrigDst: true, origDst: "10.0.0.7", origPort: 53,
		resolvedSrc: "10.0.0.1", srcPort: 5000,
	}
	r.DispatchStream(com.Sidel, conn)

	found := false
	for _, w := range workers {
		select {
		case job := <-w.Jobs:
			found = true
			if job.Host != "10.0.0.7" || job.Port != 53 {
				t.Errorf("job dest = %s:%d, want 10.0.0.7:53", job.Host, job.Port)
			}
		default:
		}
	}
	if !found {
		t.Fatal("no worker received the dispatched job")
	}
}

func TestDispatchStreamFallsBackToResolveDstWithoutTransparency(t *testing.T) {
	workers := newTestWorkers(t, 2)
	r := New(Config{}, workers)

	conn := &fakeCom{
		fd: 11, hasOrigDst: false,
		resolvedDst: "93.184.216.34", dstPort: 443,
		resolvedSrc: "10.0.0.1", srcPort: 5001,
	}
	r.DispatchStream(com.Sidel, conn)

	var got *Job
	for _, w := range workers {
		select {
		case job := <-w.Jobs:
			j := job
			got = &j
		default:
		}
	}
	if got == nil {
		t.Fatal("no worker received the dispatched job")
	}
	if got.Host != "93.184.216.34" || got.Port != 443 {
		t.Errorf("job dest = %s:%d, want 93.184.216.34:443", got.Host, got.Port)
	}
}

func TestDispatchStreamAppliesRedirectTable(t *testing.T) {
	workers := newTestWorkers(t, 2)
	r := New(Config{Redirects: RedirectTable{53: {Host: "192.168.1.1", Port: 5353}}}, workers)

	conn := &fakeCom{
		fd: 12, hasOrigDst: true, origDst: "10.0.0.7", origPort: 53,
		resolvedSrc: "10.0.0.1", srcPort: 5002,
	}
	r.DispatchStream(com.Sidel, conn)

	var got *Job
	for _, w := range workers {
		select {
		case job := <-w.Jobs:
			j := job
			got = &j
		default:
		}
	}
	if got == nil {
		t.Fatal("no worker received the dispatched job")
	}
	if got.Host != "192.168.1.1" || got.Port != 5353 {
		t.Errorf("job dest = %s:%d, want redirect target 192.168.1.1:5353", got.Host, got.Port)
	}
}

func TestDispatchStreamIsStableAcrossRepeatedTuples(t *testing.T) {
	workers := newTestWorkers(t, 8)
	r := New(Config{}, workers)

	workerOf := func() int {
		conn := &fakeCom{
			fd: 13, hasOrigDst: true, origDst: "10.0.0.7", origPort: 53,
			resolvedSrc: "10.0.0.5", srcPort: 9000,
		}
		r.DispatchStream(com.Sidel, conn)
		for i, w := range workers {
			select {
			case <-w.Jobs:
				return i
			default:
			}
		}
		t.Fatal("no worker received the dispatched job")
		return -1
	}

	first := workerOf()
	for i := 0; i < 5; i++ {
		if got := workerOf(); got != first {
			t.Errorf("dispatch %d landed on worker %d, want %d (same tuple, stable hash)", i, got, first)
		}
	}
}

func TestDispatchStreamDropsOnFullQueue(t *testing.T) {
	workers := newTestWorkers(t, 1)
	r := New(Config{}, workers)

	// Fill the single worker's queue.
	for i := 0; i < 8; i++ {
		workers[0].Jobs <- Job{}
	}

	conn := &fakeCom{fd: 14, resolvedSrc: "10.0.0.1", srcPort: 1, resolvedDst: "10.0.0.2", dstPort: 2}
	r.DispatchStream(com.Sidel, conn)

	if !conn.closed {
		t.Error("connection was not closed when the worker queue was full")
	}
}

func TestDrainUDPRoutesSameTupleToSameWorker(t *testing.T) {
	workers := newTestWorkers(t, 4)
	hasher := sessionkey.Default()
	r := New(Config{Hasher: hasher}, workers)

	demux, err := com.NewUDPVirtualDemux("127.0.0.1:0", hasher)
	if err != nil {
		t.Fatalf("NewUDPVirtualDemux: %v", err)
	}
	defer demux.Close()

	serverAddr := demux.LocalAddr().String()
	client, err := net.Dial("udp", serverAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	client.Write([]byte("query-1"))
	deadline := time.Now().Add(2 * time.Second)
	demux.SetReadDeadline(deadline)

	touched, err := r.DrainUDP(com.Sidel, demux, 2048)
	if err != nil {
		t.Fatalf("DrainUDP: %v", err)
	}
	if len(touched) != 1 {
		t.Fatalf("DrainUDP() touched %d keys, want 1", len(touched))
	}

	var ownerIdx int
	found := false
	for i, w := range workers {
		select {
		case <-w.Jobs:
			ownerIdx = i
			found = true
		default:
		}
	}
	if !found {
		t.Fatal("no worker received the UDP flow job")
	}

	client.Write([]byte("query-2"))
	demux.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.DrainUDP(com.Sidel, demux, 2048); err != nil {
		t.Fatalf("second DrainUDP: %v", err)
	}

	for i, w := range workers {
		select {
		case <-w.Jobs:
			if i != ownerIdx {
				t.Errorf("second datagram of the same flow dispatched a new job to worker %d, want none (flow %d already owns it)", i, ownerIdx)
			} else {
				t.Error("an already-dispatched flow should not enqueue a second job, it should use EnforceIn")
			}
		default:
		}
	}
}

func TestAcceptLoopStopsOnContextCancel(t *testing.T) {
	workers := newTestWorkers(t, 1)
	r := New(Config{}, workers)

	ctx, cancel := context.WithCancel(context.Background())
	listenCom := &fakeCom{fd: 20}

	done := make(chan struct{})
	go func() {
		r.AcceptLoop(ctx, com.Sidel, listenCom)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptLoop did not return after context cancellation")
	}
}

func TestRunWorkerDrainsJobsIntoProxy(t *testing.T) {
	workers := newTestWorkers(t, 1)
	w := workers[0]

	conn := &fakeCom{fd: 30, resolvedSrc: "10.0.0.1", srcPort: 1, resolvedDst: "10.0.0.2", dstPort: 2}
	w.Jobs <- Job{Com: conn, Side: com.Sidel}

	DrainJobs(w, nil)

	accepted := w.Proxy.Accepted(com.Sidel)
	if len(accepted) != 1 {
		t.Fatalf("Accepted(Sidel) has %d entries, want 1", len(accepted))
	}
}
