// Package cx implements the host context: the owner of one endpoint,
// its read/write buffers, lifecycle flags, activity timestamps, and
// the hook points a proxy installs to react to accept/read/write/timer
// events (spec §3, §4.2).
package cx

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/relayforge/proxycore/internal/com"
	"github.com/relayforge/proxycore/internal/logging"
	"github.com/relayforge/proxycore/internal/traflog"
)

const (
	initialReadBufCap = 1024             // 1 KiB, spec §3
	maxReadBufCap     = 1024 * 1024       // 1 MiB cap, spec §3
	peerWriteBacklog   = 200000           // spec §4.2's write() push-back threshold
)

// defaultReconnectDelay / defaultIdleDelay mirror spec §4.2's constants
// for permanent-connect CXes.
const (
	defaultReconnectDelay = 7 * time.Second
	defaultIdleDelay      = 3600 * time.Second
)

// ErrDeferred signals that Read/Write made no progress this round
// because of a push-back or peer-not-ready condition; it is not an
// error in the proxy's on-error sense.
var ErrDeferred = fmt.Errorf("cx: deferred")

// Hooks are the lifecycle callbacks spec §4.2/§4.3 describe. Every
// field is optional; a nil hook is simply skipped.
type Hooks struct {
	PreRead        func(c *CX)
	PostRead       func(c *CX, n int)
	PreWrite       func(c *CX)
	PostWrite      func(c *CX, n int)
	OnAcceptSocket func(c *CX)
	OnDelaySocket  func(c *CX)
	OnTimer        func(c *CX)

	// Process consumes bytes out of the read buffer and returns how
	// many were consumed. When Process is nil, everything read is
	// consumed only if AutoFinish is set; otherwise the bytes stay in
	// the read buffer.
	Process func(c *CX, data []byte) int
}

// Config constructs a CX around an already-live com.
type Config struct {
	Com  com.Com
	Side com.Side
	Name string

	Hooks   Hooks
	Sink    traflog.Sink
	Limiter *rate.Limiter // caps each Write at Burst() bytes; the rate is not consulted; nil leaves writes uncapped
	Logger  *slog.Logger

	ReconnectDelay time.Duration
	IdleDelay      time.Duration
	AutoFinish     bool
}

// CX is a managed endpoint: one descriptor (via its com), two buffers,
// lifecycle flags, and the hook points a proxy installs. Per spec §9,
// a CX holds a non-owning reference to its peer and to the proxy/side
// it belongs to; the owning proxy alone destroys it.
type CX struct {
	com  com.Com
	side com.Side
	name string

	hooks   Hooks
	sink    traflog.Sink
	limiter *rate.Limiter
	logger  *slog.Logger

	readBuf    []byte
	readUsed   int
	nextReadLimit int // 0 = unbounded

	writeBuf []byte

	// Flags, spec §3.
	opening            bool
	erred              bool
	permanent          bool
	autoFinish         bool
	closeAfterWrite    bool
	readWaitForPeer    bool
	writeWaitForPeer   bool
	rescanOut          bool

	// Counters, spec §3.
	bytesRead    uint64
	bytesWritten uint64
	opsRead      uint64
	opsWritten   uint64

	lastRead  time.Time
	lastWrite time.Time
	openedAt  time.Time

	reconnectDelay time.Duration
	idleDelay      time.Duration

	peer  *CX
	owner Owner
}

// Owner is the minimal surface a proxy exposes back to its CXes, kept
// intentionally small to avoid an import cycle between cx and proxy.
type Owner interface {
	// NotifyError is called once when a CX transitions to its error
	// state, so the owning proxy can run its on-{side}-error path.
	NotifyError(side com.Side, c *CX)
}

// New constructs a CX. SetOwner/SetPeer are called by the owning proxy
// once the CX has been placed into one of its per-side vectors.
func New(cfg Config) *CX {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = traflog.Default
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}
	idleDelay := cfg.IdleDelay
	if idleDelay == 0 {
		idleDelay = defaultIdleDelay
	}

	return &CX{
		com:            cfg.Com,
		side:           cfg.Side,
		name:           cfg.Name,
		hooks:          cfg.Hooks,
		sink:           sink,
		limiter:        cfg.Limiter,
		logger:         logger,
		readBuf:        make([]byte, initialReadBufCap),
		autoFinish:     cfg.AutoFinish,
		reconnectDelay: reconnectDelay,
		idleDelay:      idleDelay,
	}
}

func (c *CX) Com() com.Com    { return c.com }
func (c *CX) Side() com.Side  { return c.side }
func (c *CX) Name() string    { return c.name }
func (c *CX) String() string  { return fmt.Sprintf("cx{%s side=%s name=%s}", c.com.Shortname(), c.side, c.name) }

func (c *CX) SetPeer(peer *CX) { c.peer = peer }
func (c *CX) Peer() *CX        { return c.peer }

func (c *CX) SetOwner(owner Owner) { c.owner = owner }

func (c *CX) SetNextReadLimit(n int) { c.nextReadLimit = n }

// Flags.
func (c *CX) Opening() bool         { return c.opening }
func (c *CX) SetOpening(v bool)     { c.opening = v; if v { c.openedAt = time.Now() } }
func (c *CX) Erred() bool           { return c.erred }
func (c *CX) Permanent() bool       { return c.permanent }
func (c *CX) SetPermanent(v bool)   { c.permanent = v }
func (c *CX) CloseAfterWrite() bool { return c.closeAfterWrite }
func (c *CX) SetCloseAfterWrite(v bool) { c.closeAfterWrite = v }
func (c *CX) ReadWaitingForPeer() bool      { return c.readWaitForPeer }
func (c *CX) SetReadWaitingForPeer(v bool)  { c.readWaitForPeer = v }
func (c *CX) WriteWaitingForPeer() bool     { return c.writeWaitForPeer }
func (c *CX) SetWriteWaitingForPeer(v bool) { c.writeWaitForPeer = v }
func (c *CX) RescanOut() bool               { return c.rescanOut }

// Error marks the CX broken and, on the first transition, notifies the
// owning proxy so it can run its per-side on-error path (spec §4.2,
// §7's error-propagation table).
func (c *CX) Error() {
	if c.erred {
		return
	}
	c.erred = true
	if c.owner != nil {
		c.owner.NotifyError(c.side, c)
	}
}

// OpeningTimeout reports whether this CX has been opening for longer
// than its reconnect delay (spec §4.2/§8's opening-timeout invariant).
func (c *CX) OpeningTimeout() bool {
	return c.opening && time.Since(c.openedAt) > c.reconnectDelay
}

func (c *CX) BytesRead() uint64    { return c.bytesRead }
func (c *CX) BytesWritten() uint64 { return c.bytesWritten }
func (c *CX) OpsRead() uint64      { return c.opsRead }
func (c *CX) OpsWritten() uint64   { return c.opsWritten }
func (c *CX) LastRead() time.Time  { return c.lastRead }
func (c *CX) LastWrite() time.Time { return c.lastWrite }

// PendingWrite is the number of unwritten bytes queued on this CX,
// used by the proxy to evaluate the 200000-byte bottleneck threshold
// against a peer (spec §4.2, §4.3).
func (c *CX) PendingWrite() int { return len(c.writeBuf) }

// Enqueue appends data to the write buffer (unbounded append, spec
// §3). The proxy calls this to hand bytes read from one side to the
// other side's CX.
func (c *CX) Enqueue(data []byte) {
	c.writeBuf = append(c.writeBuf, data...)
}

// Read performs one round's worth of reading, per spec §4.2. It
// returns the number of bytes read from the wire this call, which may
// be 0 without error when the com would block or the read buffer is
// full; a round deferred for peer backpressure returns ErrDeferred.
func (c *CX) Read() (int, error) {
	if c.readWaitForPeer {
		return 0, ErrDeferred
	}
	if c.peer != nil && c.peer.PendingWrite() > peerWriteBacklog {
		c.com.RescanRead()
		return 0, ErrDeferred
	}

	if c.hooks.PreRead != nil {
		c.hooks.PreRead(c)
	}

	if c.readUsed == len(c.readBuf) {
		if !c.growReadBuf() {
			// At cap with a full buffer and no consumer progress;
			// stop reading this round rather than drop data.
			return 0, nil
		}
	}

	limit := len(c.readBuf) - c.readUsed
	if c.nextReadLimit > 0 && limit > c.nextReadLimit {
		limit = c.nextReadLimit
	}

	n, err := c.com.Read(c.readBuf[c.readUsed:c.readUsed+limit], 0)
	if err == com.ErrWouldBlock {
		return 0, nil
	}
	if err != nil {
		c.Error()
		return 0, err
	}
	if n == 0 {
		// Stream EOF, spec §4.2/§7.
		c.Error()
		return 0, fmt.Errorf("cx: peer closed the connection")
	}

	c.readUsed += n
	c.bytesRead += uint64(n)
	c.opsRead++
	c.lastRead = time.Now()
	c.sink.OnBytes(c.side, c.readBuf[c.readUsed-n:c.readUsed])

	consumed := n
	if c.hooks.Process != nil {
		consumed = c.hooks.Process(c, c.readBuf[:c.readUsed])
	} else if c.autoFinish {
		consumed = c.readUsed
	} else {
		consumed = 0
	}
	if consumed > 0 {
		copy(c.readBuf, c.readBuf[consumed:c.readUsed])
		c.readUsed -= consumed
	}

	if c.hooks.PostRead != nil {
		c.hooks.PostRead(c, n)
	}
	return n, nil
}

// growReadBuf doubles the read buffer's capacity up to maxReadBufCap,
// per spec §3 ("geometric growth -> 1 MiB cap"). Returns false if
// already at cap.
func (c *CX) growReadBuf() bool {
	if len(c.readBuf) >= maxReadBufCap {
		return false
	}
	newCap := len(c.readBuf) * 2
	if newCap > maxReadBufCap {
		newCap = maxReadBufCap
	}
	grown := make([]byte, newCap)
	copy(grown, c.readBuf[:c.readUsed])
	c.readBuf = grown
	return true
}

// PeekBuffer exposes the unconsumed read buffer, e.g. for a TLS com's
// ClientHello pre-peek staging area reused by higher layers.
func (c *CX) PeekBuffer() []byte { return c.readBuf[:c.readUsed] }

// Write drains as much of the write buffer as the com accepts this
// round, per spec §4.2.
func (c *CX) Write() (int, error) {
	if c.writeWaitForPeer {
		return 0, ErrDeferred
	}
	if len(c.writeBuf) == 0 {
		if c.closeAfterWrite {
			return 0, c.Shutdown()
		}
		return 0, nil
	}

	if c.hooks.PreWrite != nil {
		c.hooks.PreWrite(c)
	}

	chunk := c.writeBuf
	if c.limiter != nil {
		if burst := c.limiter.Burst(); burst > 0 && len(chunk) > burst {
			chunk = chunk[:burst]
		}
	}

	n, err := c.com.Write(chunk, com.WriteFlagNoSignal)
	if err == com.ErrWouldBlock || (err == nil && n < len(chunk)) {
		c.writeBuf = c.writeBuf[n:]
		c.rescanOut = true
		c.com.RescanWrite()
		c.com.SetMonitor(true, true)
		if n > 0 {
			c.bytesWritten += uint64(n)
			c.opsWritten++
			c.lastWrite = time.Now()
			c.sink.OnBytes(c.side, chunk[:n])
		}
		return n, nil
	}
	if err != nil {
		c.Error()
		return n, err
	}

	c.writeBuf = c.writeBuf[n:]
	c.bytesWritten += uint64(n)
	c.opsWritten++
	c.lastWrite = time.Now()
	c.rescanOut = false
	c.sink.OnBytes(c.side, chunk[:n])

	if c.hooks.PostWrite != nil {
		c.hooks.PostWrite(c, n)
	}

	if len(c.writeBuf) == 0 && c.closeAfterWrite {
		return n, c.Shutdown()
	}
	return n, nil
}

// RunTimer fires the CX's on_timer hook; the owning proxy calls this
// once per 1-second clicker tick (spec §4.3).
func (c *CX) RunTimer() {
	if c.hooks.OnTimer != nil {
		c.hooks.OnTimer(c)
	}
}

// RunAcceptSocket / RunDelaySocket fire the matching lifecycle hook,
// called by the owning proxy's accept-handling step (spec §4.3).
func (c *CX) RunAcceptSocket() {
	if c.hooks.OnAcceptSocket != nil {
		c.hooks.OnAcceptSocket(c)
	}
}

func (c *CX) RunDelaySocket() {
	if c.hooks.OnDelaySocket != nil {
		c.hooks.OnDelaySocket(c)
	}
}

// Shutdown tears the CX down locally: it shuts down the com and clears
// the peer back-reference. The owning proxy is responsible for moving
// the CX into its trashcan for deferred destruction (spec §4.2, §9).
func (c *CX) Shutdown() error {
	err := c.com.Shutdown()
	c.peer = nil
	c.owner = nil
	return err
}

// Close releases the underlying com outright, for use once a CX has
// been reaped out of the proxy's trashcan.
func (c *CX) Close() error {
	return c.com.Close()
}
