// Package receiver implements the threaded accept/datagram fan-out
// described in spec §4.5: a single listening or datagram socket feeds a
// fixed pool of worker proxies, each a threaded sub-proxy with its own
// poller, selected by a stable hash of the session's flow tuple (spec
// §6). The originating accept's transparent-redirect ancillary data
// (original destination) is extracted and optionally rewritten through
// a redirect-target table before the job reaches its worker.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/relayforge/proxycore/internal/com"
	"github.com/relayforge/proxycore/internal/cx"
	"github.com/relayforge/proxycore/internal/logging"
	"github.com/relayforge/proxycore/internal/proxy"
	"github.com/relayforge/proxycore/internal/recovery"
	"github.com/relayforge/proxycore/internal/sessionkey"
)

// Job is one accept-side unit of work handed from the receiver thread
// to a worker's own thread for registration.
type Job struct {
	Com  com.Com
	Side com.Side
	Host string
	Port int
}

// RedirectTarget is the rewritten <host, port> a redirect rule maps an
// original destination port to (spec §4.5).
type RedirectTarget struct {
	Host string
	Port int
}

// RedirectTable maps an original destination port to a rewritten
// destination, applied to every job before it is enqueued.
type RedirectTable map[int]RedirectTarget

// Rewrite returns the redirect target for port if one is configured,
// otherwise host/port unchanged.
func (t RedirectTable) Rewrite(host string, port int) (string, int) {
	if t == nil {
		return host, port
	}
	if target, ok := t[port]; ok {
		return target.Host, target.Port
	}
	return host, port
}

// Worker is one worker proxy plus the job queue the receiver fans
// connections and flows into. Its own goroutine/thread drains Jobs
// between Round calls; see RunWorker. The queue is the "fd queue" spec
// §4.5 describes.
type Worker struct {
	Proxy *proxy.Proxy
	Jobs  chan Job
}

// NewWorker constructs a worker around an already-built proxy, with a
// job queue of the given depth (spec §C's "workers: pool size, queue
// depth" configuration knob).
func NewWorker(p *proxy.Proxy, queueDepth int) *Worker {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Worker{Proxy: p, Jobs: make(chan Job, queueDepth)}
}

// Config configures a Receiver.
type Config struct {
	Logger *slog.Logger

	// Hasher derives the session key jobs are hashed on; defaults to
	// sessionkey.Default().
	Hasher *sessionkey.Hasher

	// Redirects rewrites an original destination port to a different
	// <host, port> before worker selection and job dispatch.
	Redirects RedirectTable
}

// Receiver fans accepted connections and UDP flows out to a fixed pool
// of worker proxies, per spec §4.5.
type Receiver struct {
	logger    *slog.Logger
	hasher    *sessionkey.Hasher
	redirects RedirectTable
	workers   []*Worker

	mu      sync.Mutex
	ownerOf map[uint32]*Worker // UDP flow keys already dispatched to a worker
}

// New constructs a Receiver fanning out to workers. workers must be
// non-empty.
func New(cfg Config, workers []*Worker) *Receiver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = sessionkey.Default()
	}
	return &Receiver{
		logger:    logger,
		hasher:    hasher,
		redirects: cfg.Redirects,
		workers:   workers,
		ownerOf:   make(map[uint32]*Worker),
	}
}

// AcceptLoop runs the accept-side fan-out for a bound, listening com
// (TCP or UNIX) until ctx is canceled. Each accepted connection's
// original destination is extracted (the transparent-redirect ancillary
// data spec §4.5 describes), rewritten through the redirect table,
// hashed into a session key, and handed to the worker that key selects.
func (r *Receiver) AcceptLoop(ctx context.Context, side com.Side, listenCom com.Com) {
	defer recovery.RecoverWithLog(r.logger, "receiver-accept")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := listenCom.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("receiver: accept failed", logging.KeyError, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r.DispatchStream(side, conn)
	}
}

// DispatchStream extracts conn's original destination, rewrites it
// through the redirect table, and enqueues it to the worker its session
// key selects. Exported so tests and non-loop callers (e.g. one-shot
// acceptance in a UNIX listener) can dispatch a single connection
// without running AcceptLoop.
func (r *Receiver) DispatchStream(side com.Side, conn com.Com) {
	host, port, ok := conn.NonlocalDst()
	if !ok {
		host, port, _ = conn.ResolveDst()
	}
	host, port = r.redirects.Rewrite(host, port)

	srcHost, srcPort, err := conn.ResolveSrc()
	if err != nil {
		r.logger.Error("receiver: resolve source failed", logging.KeyError, err)
		conn.Close()
		return
	}

	key := r.key(srcHost, srcPort, host, port)
	r.enqueue(key, Job{Com: conn, Side: side, Host: host, Port: port})
}

// DrainUDP runs one fan-out pass over a UDP virtual demux: it calls the
// demux's Drain, which reads datagrams until a read fails (normally the
// read deadline the caller set on the demux), and, for each
// session key seen for the first time, hands the flow's virtual com to
// the worker the key selects (spec §4.5, §8 scenario 5 — "subsequent
// datagrams with the same tuple land on the same worker"). Datagrams
// for an already-dispatched flow stay queued in the demux for that
// flow's worker CX to read; the worker is woken via Proxy.EnforceIn
// since a virtual flow id carries no real poller registration.
func (r *Receiver) DrainUDP(side com.Side, demux *com.UDPVirtualDemux, maxDatagramSize int) ([]uint32, error) {
	touched, err := demux.Drain(maxDatagramSize)
	if err != nil {
		return nil, err
	}

	for _, key := range touched {
		r.mu.Lock()
		w, known := r.ownerOf[key]
		r.mu.Unlock()

		if known {
			w.Proxy.EnforceIn(int(key))
			continue
		}
		r.dispatchFlow(side, demux, key)
	}
	return touched, nil
}

func (r *Receiver) dispatchFlow(side com.Side, demux *com.UDPVirtualDemux, key uint32) {
	flow := demux.Flow(key)
	host, port, _ := flow.NonlocalDst()
	host, port = r.redirects.Rewrite(host, port)

	idx := sessionkey.WorkerIndex(key, len(r.workers))
	w := r.workers[idx]

	r.mu.Lock()
	r.ownerOf[key] = w
	r.mu.Unlock()

	r.send(w, Job{Com: flow, Side: side, Host: host, Port: port})
	w.Proxy.EnforceIn(int(key))
}

func (r *Receiver) enqueue(key uint32, job Job) {
	idx := sessionkey.WorkerIndex(key, len(r.workers))
	r.send(r.workers[idx], job)
}

func (r *Receiver) send(w *Worker, job Job) {
	select {
	case w.Jobs <- job:
	default:
		r.logger.Warn("receiver: worker queue full, dropping connection",
			logging.KeyAddress, fmt.Sprintf("%s:%d", job.Host, job.Port))
		job.Com.Close()
	}
}

func (r *Receiver) key(srcHost string, srcPort int, dstHost string, dstPort int) uint32 {
	src, err := netip.ParseAddr(srcHost)
	if err != nil {
		src = netip.IPv4Unspecified()
	}
	dst, err := netip.ParseAddr(dstHost)
	if err != nil {
		dst = netip.IPv4Unspecified()
	}
	return r.hasher.Key(src, dst, uint16(srcPort), uint16(dstPort))
}

// HooksFor builds the cx.Hooks a newly-registered job is given. nil
// installs the zero value, which leaves the proxy's default byte-pump
// Process hook in place (see proxy.withPump).
type HooksFor func(Job) cx.Hooks

// RunWorker drains w's job queue into the proxy's accepted vector and
// runs its round loop until ctx is canceled, meant to run on its own
// goroutine — spec §4.5's "workers are threaded sub-proxies that own
// their own poller and run the core loop". hooksFor may be nil.
func RunWorker(ctx context.Context, w *Worker, roundTimeout time.Duration, hooksFor HooksFor, logger *slog.Logger) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	// A panic here would otherwise skip draining w.Jobs, leaking every
	// com still queued for registration; abort by closing them instead
	// of leaving their fds to the GC.
	defer recovery.RecoverAndAbort(logger, "receiver-worker", func() {
		for {
			select {
			case job := <-w.Jobs:
				job.Com.Close()
			default:
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		DrainJobs(w, hooksFor)

		if err := w.Proxy.Round(roundTimeout); err != nil {
			logger.Error("receiver: worker round failed", logging.KeyError, err)
			return
		}
	}
}

// DrainJobs pulls every job currently queued for w and registers it
// with w's proxy as an accepted CX, without blocking. Exposed
// separately from RunWorker so tests can drive registration
// deterministically, one job at a time.
func DrainJobs(w *Worker, hooksFor HooksFor) {
	for {
		select {
		case job := <-w.Jobs:
			var hooks cx.Hooks
			if hooksFor != nil {
				hooks = hooksFor(job)
			}
			c := w.Proxy.AddAccepted(job.Side, job.Com, hooks)
			c.RunAcceptSocket()
		default:
			return
		}
	}
}
