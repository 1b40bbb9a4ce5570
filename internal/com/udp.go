package com

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/relayforge/proxycore/internal/sessionkey"
)

// udpFlow is one demultiplexed UDP conversation: the src/dst tuple that
// produced a session key, plus the datagrams queued for it that have
// not yet been drained by a Read.
type udpFlow struct {
	src, dst netip.Addr
	sport    int
	dport    int

	pending [][]byte
}

// UDPVirtualDemux owns a single bound datagram socket and multiplexes
// it into per-flow virtual coms keyed by sessionkey.Key, per spec
// §4.5/§6: "the session key is stable across packets of a flow, used
// to coalesce UDP datagrams into a single CX". The demux itself is the
// hint-descriptor source registered with the poller (spec §4.1); each
// wakeup drains the real socket and fans datagrams out to flow queues.
type UDPVirtualDemux struct {
	conn   *net.UDPConn
	fd     int
	hasher *sessionkey.Hasher

	mu    sync.Mutex
	flows map[uint32]*udpFlow
}

// NewUDPVirtualDemux binds addr and returns a demux ready to be
// registered with a poller as a hint socket.
func NewUDPVirtualDemux(addr string, hasher *sessionkey.Hasher) (*UDPVirtualDemux, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp demux: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp demux: %w", err)
	}
	fd, err := rawListenerFD(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("udp demux: %w", err)
	}
	if hasher == nil {
		hasher = sessionkey.Default()
	}
	return &UDPVirtualDemux{
		conn:   conn,
		fd:     fd,
		hasher: hasher,
		flows:  make(map[uint32]*udpFlow),
	}, nil
}

// FD is the real descriptor registered as the poller's hint socket.
func (d *UDPVirtualDemux) FD() int { return d.fd }

// LocalAddr returns the bound socket's local address.
func (d *UDPVirtualDemux) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// SetReadDeadline bounds how long Drain may block reading the next
// datagram; a zero value clears any existing deadline.
func (d *UDPVirtualDemux) SetReadDeadline(t time.Time) error {
	return d.conn.SetReadDeadline(t)
}

// Close releases the underlying socket.
func (d *UDPVirtualDemux) Close() error { return d.conn.Close() }

// Drain reads datagrams from the real socket and files each into its
// flow queue until a read fails — normally because the deadline set
// with SetReadDeadline has passed — and returns the session key of
// every datagram it filed, in arrival order (a flow that received
// several datagrams appears once per datagram). The socket is in Go's
// blocking mode, so without a read deadline Drain does not return until
// the socket is closed. Read errors end the drain and are not reported.
func (d *UDPVirtualDemux) Drain(maxDatagramSize int) ([]uint32, error) {
	var touched []uint32
	buf := make([]byte, maxDatagramSize)
	for {
		n, srcAddr, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			// Any other read error (e.g. the socket was closed) also
			// ends the drain without being treated as fatal.
			break
		}
		if n == 0 {
			break
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		localAddr := d.conn.LocalAddr().(*net.UDPAddr)
		localIP, _ := netip.AddrFromSlice(localAddr.IP)
		srcIP := srcAddr.Addr()

		key := d.hasher.Key(srcIP, localIP, srcAddr.Port(), uint16(localAddr.Port))

		d.mu.Lock()
		flow, ok := d.flows[key]
		if !ok {
			flow = &udpFlow{
				src:   srcIP,
				dst:   localIP,
				sport: int(srcAddr.Port()),
				dport: localAddr.Port,
			}
			d.flows[key] = flow
		}
		flow.pending = append(flow.pending, datagram)
		d.mu.Unlock()

		touched = append(touched, key)
	}
	return touched, nil
}

// Flow returns the virtual com for a session key. It does not create a
// flow entry: until Drain has filed a datagram under key, the com's
// Read reports ErrWouldBlock and its Write, NonlocalDst and Resolve*
// methods report the flow as unknown.
func (d *UDPVirtualDemux) Flow(key uint32) *UDPVirtualCom {
	return &UDPVirtualCom{demux: d, key: key}
}

func (d *UDPVirtualDemux) popDatagram(key uint32) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	flow, ok := d.flows[key]
	if !ok || len(flow.pending) == 0 {
		return nil, false
	}
	datagram := flow.pending[0]
	flow.pending = flow.pending[1:]
	return datagram, true
}

func (d *UDPVirtualDemux) flowAddr(key uint32) (*udpFlow, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	flow, ok := d.flows[key]
	return flow, ok
}

// UDPVirtualCom is one flow's Com, backed by UDPVirtualDemux. Its FD()
// returns the virtual id (the session key, with VirtualBit set), not a
// kernel descriptor; TranslateSocket maps it back to the real socket.
type UDPVirtualCom struct {
	baseCom

	demux *UDPVirtualDemux
	key   uint32
}

func (c *UDPVirtualCom) FD() int { return int(c.key) }

func (c *UDPVirtualCom) Connect(host string, port int) error {
	return fmt.Errorf("udp virtual com: Connect is not meaningful on a demultiplexed flow")
}

func (c *UDPVirtualCom) Bind(addr string) error {
	return fmt.Errorf("udp virtual com: Bind is not meaningful on a demultiplexed flow")
}

func (c *UDPVirtualCom) Accept() (Com, error) {
	return nil, fmt.Errorf("udp virtual com: Accept is not meaningful on a demultiplexed flow")
}

func (c *UDPVirtualCom) Read(buf []byte, flags ReadFlag) (int, error) {
	datagram, ok := c.demux.popDatagram(c.key)
	if !ok {
		return 0, ErrWouldBlock
	}
	n := copy(buf, datagram)
	return n, nil
}

func (c *UDPVirtualCom) Write(buf []byte, flags WriteFlag) (int, error) {
	flow, ok := c.demux.flowAddr(c.key)
	if !ok {
		return 0, fmt.Errorf("udp virtual com: unknown flow %#x", c.key)
	}
	dstPort := flow.sport // reply goes back to the flow's originator
	addrPort := netip.AddrPortFrom(flow.src, uint16(dstPort))
	n, err := c.demux.conn.WriteToUDPAddrPort(buf, addrPort)
	return n, err
}

func (c *UDPVirtualCom) Shutdown() error { return nil }
func (c *UDPVirtualCom) Close() error    { return nil }

func (c *UDPVirtualCom) Readable() bool {
	flow, ok := c.demux.flowAddr(c.key)
	return ok && len(flow.pending) > 0
}
func (c *UDPVirtualCom) Writable() bool { return true }

// TranslateSocket maps the virtual flow id back to the real socket
// descriptor backing this demux, per spec §2/§6.
func (c *UDPVirtualCom) TranslateSocket(virtual int) (int, bool) {
	if virtual != int(c.key) {
		return virtual, false
	}
	return c.demux.FD(), true
}

func (c *UDPVirtualCom) NonlocalDst() (string, int, bool) {
	flow, ok := c.demux.flowAddr(c.key)
	if !ok {
		return "", 0, false
	}
	return flow.dst.String(), flow.dport, true
}

func (c *UDPVirtualCom) ResolveSrc() (string, int, error) {
	flow, ok := c.demux.flowAddr(c.key)
	if !ok {
		return "", 0, fmt.Errorf("udp virtual com: unknown flow %#x", c.key)
	}
	return flow.src.String(), flow.sport, nil
}

func (c *UDPVirtualCom) ResolveDst() (string, int, error) {
	flow, ok := c.demux.flowAddr(c.key)
	if !ok {
		return "", 0, fmt.Errorf("udp virtual com: unknown flow %#x", c.key)
	}
	return flow.dst.String(), flow.dport, nil
}

func (c *UDPVirtualCom) L3Proto() string { return "ip" }
func (c *UDPVirtualCom) L4Proto() string { return "udp" }
func (c *UDPVirtualCom) Shortname() string {
	return fmt.Sprintf("udp-flow:%#x", c.key)
}

func (c *UDPVirtualCom) Replicate() Com {
	return &UDPVirtualCom{demux: c.demux}
}
