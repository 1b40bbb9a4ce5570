package com

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// tlsPhase mirrors the state machine in spec §4.8:
// INIT -> OPENING(handshake) -> CONNECTED -> IO <-> IO -> CLOSING -> CLOSED.
type tlsPhase int

const (
	tlsPhaseInit tlsPhase = iota
	tlsPhaseOpening
	tlsPhaseConnected
	tlsPhaseClosing
	tlsPhaseClosed
)

// errWantRead / errWantWrite are returned by the net.Conn adapter when
// the wrapped Com would block; crypto/tls propagates whatever its
// underlying net.Conn returns without retrying, which is exactly the
// non-blocking want-read/want-write signal spec §4.7/§4.8 call for.
var (
	errWantRead  = errors.New("com: tls handshake wants read")
	errWantWrite = errors.New("com: tls handshake wants write")
)

// comConnAdapter lets a Com stand in for the net.Conn crypto/tls drives
// its handshake and record layer over.
type comConnAdapter struct {
	inner Com
}

func (a *comConnAdapter) Read(p []byte) (int, error) {
	n, err := a.inner.Read(p, 0)
	if err == ErrWouldBlock {
		return 0, errWantRead
	}
	return n, err
}

func (a *comConnAdapter) Write(p []byte) (int, error) {
	n, err := a.inner.Write(p, WriteFlagNoSignal)
	if err == ErrWouldBlock {
		return n, errWantWrite
	}
	return n, err
}

func (a *comConnAdapter) Close() error                       { return a.inner.Shutdown() }
func (a *comConnAdapter) LocalAddr() net.Addr                { return tlsAdapterAddr{} }
func (a *comConnAdapter) RemoteAddr() net.Addr                { return tlsAdapterAddr{} }
func (a *comConnAdapter) SetDeadline(t time.Time) error       { return nil }
func (a *comConnAdapter) SetReadDeadline(t time.Time) error   { return nil }
func (a *comConnAdapter) SetWriteDeadline(t time.Time) error  { return nil }

type tlsAdapterAddr struct{}

func (tlsAdapterAddr) Network() string { return "com" }
func (tlsAdapterAddr) String() string  { return "com" }

// TLSCom is the TLS-wrapping communicator variant, spec §4.7. It holds
// a reference to an inner com of any kind and drives the handshake
// around it without ever blocking the caller.
type TLSCom struct {
	baseCom

	inner    Com
	adapter  *comConnAdapter
	config   *tls.Config
	conn     *tls.Conn
	isServer bool

	phase tlsPhase
	sni   string
	peeked bool

	readBlockedOnWrite bool
	writeBlockedOnRead bool

	// Profiling counters, spec §4.7.
	AcceptCount    int
	ConnectCount   int
	WantReadCount  int
	WantWriteCount int
}

// NewTLSServerCom wraps inner (already-accepted) in a server-mode TLS
// com. config.GetCertificate is expected to be wired by the caller to
// the certificate factory's spoof/lookup path; crypto/tls calls it with
// the server name it parses from the ClientHello itself, not with the
// SNI this com records during PeekClientHello (see SNI).
func NewTLSServerCom(inner Com, config *tls.Config) *TLSCom {
	adapter := &comConnAdapter{inner: inner}
	return &TLSCom{
		inner:    inner,
		adapter:  adapter,
		config:   config,
		conn:     tls.Server(adapter, config),
		isServer: true,
		phase:    tlsPhaseInit,
	}
}

// NewTLSClientCom wraps inner in a client-mode TLS com.
func NewTLSClientCom(inner Com, config *tls.Config) *TLSCom {
	adapter := &comConnAdapter{inner: inner}
	return &TLSCom{
		inner:   inner,
		adapter: adapter,
		config:  config,
		conn:    tls.Client(adapter, config),
		phase:   tlsPhaseInit,
	}
}

func (c *TLSCom) FD() int { return c.inner.FD() }

func (c *TLSCom) Connect(host string, port int) error {
	if err := c.inner.Connect(host, port); err != nil {
		return err
	}
	c.phase = tlsPhaseOpening
	return nil
}

func (c *TLSCom) Bind(addr string) error { return c.inner.Bind(addr) }

func (c *TLSCom) Accept() (Com, error) {
	acceptedInner, err := c.inner.Accept()
	if err != nil {
		return nil, err
	}
	accepted := NewTLSServerCom(acceptedInner, c.config)
	accepted.phase = tlsPhaseInit
	return accepted, nil
}

// PeekClientHello reads (without consuming) up to 1500 bytes off the
// inner com and extracts the SNI extension, per spec §4.7/§4.8: the
// factory needs the queried name before the handshake proper begins so
// it mints the right leaf. Safe to call repeatedly; once SNI is found
// it is cached on the com.
func (c *TLSCom) PeekClientHello() (sni string, ok bool, err error) {
	if c.peeked {
		return c.sni, c.sni != "", nil
	}
	buf := make([]byte, 1500)
	n, readErr := c.inner.Read(buf, ReadFlagPeek)
	if readErr == ErrWouldBlock {
		return "", false, nil
	}
	if readErr != nil {
		return "", false, readErr
	}
	name, found := parseClientHelloSNI(buf[:n])
	if found {
		c.sni = name
		c.peeked = true
	}
	return name, found, nil
}

// ContinueHandshake drives one non-blocking step of the TLS handshake.
// It must be called from the proxy's round loop whenever the CX's
// readiness says to retry (spec §4.7's per-round handshake algorithm).
func (c *TLSCom) ContinueHandshake() error {
	if c.phase == tlsPhaseConnected {
		return nil
	}
	c.phase = tlsPhaseOpening
	if c.isServer {
		c.AcceptCount++
	} else {
		c.ConnectCount++
	}

	err := c.conn.Handshake()
	switch {
	case err == nil:
		c.phase = tlsPhaseConnected
		c.readBlockedOnWrite = false
		c.writeBlockedOnRead = false
		if info := c.conn.ConnectionState().ServerName; info != "" {
			c.sni = info
		}
		return nil
	case errors.Is(err, errWantRead):
		c.WantReadCount++
		c.readBlockedOnWrite = true
		c.writeBlockedOnRead = false
		c.SetForcedFlag(ForcedReadOnWrite)
		return ErrWouldBlock
	case errors.Is(err, errWantWrite):
		c.WantWriteCount++
		c.writeBlockedOnRead = true
		c.readBlockedOnWrite = false
		c.SetForcedFlag(ForcedWriteOnRead)
		return ErrWouldBlock
	default:
		c.phase = tlsPhaseClosing
		return fmt.Errorf("tls com: handshake: %w", err)
	}
}

func (c *TLSCom) Read(buf []byte, flags ReadFlag) (int, error) {
	if c.phase != tlsPhaseConnected {
		return 0, ErrWouldBlock
	}
	n, err := c.conn.Read(buf)
	if errors.Is(err, errWantRead) || errors.Is(err, errWantWrite) {
		return 0, ErrWouldBlock
	}
	return n, err
}

func (c *TLSCom) Write(buf []byte, flags WriteFlag) (int, error) {
	if c.phase != tlsPhaseConnected {
		return 0, ErrWouldBlock
	}
	n, err := c.conn.Write(buf)
	if errors.Is(err, errWantRead) || errors.Is(err, errWantWrite) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (c *TLSCom) Shutdown() error {
	c.phase = tlsPhaseClosing
	err := c.conn.Close()
	c.phase = tlsPhaseClosed
	return err
}

func (c *TLSCom) Close() error { return c.inner.Close() }

func (c *TLSCom) Readable() bool { return c.monitorIn || c.writeBlockedOnRead }
func (c *TLSCom) Writable() bool { return c.monitorOut || c.readBlockedOnWrite }

func (c *TLSCom) TranslateSocket(virtual int) (int, bool) { return c.inner.TranslateSocket(virtual) }
func (c *TLSCom) NonlocalDst() (string, int, bool)        { return c.inner.NonlocalDst() }
func (c *TLSCom) ResolveSrc() (string, int, error)        { return c.inner.ResolveSrc() }
func (c *TLSCom) ResolveDst() (string, int, error)        { return c.inner.ResolveDst() }

func (c *TLSCom) L3Proto() string { return c.inner.L3Proto() }
func (c *TLSCom) L4Proto() string { return "tls" }
func (c *TLSCom) Shortname() string {
	return fmt.Sprintf("tls(%s)", c.inner.Shortname())
}

func (c *TLSCom) Replicate() Com {
	return &TLSCom{inner: c.inner.Replicate(), config: c.config, isServer: c.isServer}
}

// SNI returns the server name recorded by PeekClientHello or, once the
// handshake completes, by the negotiated connection state.
func (c *TLSCom) SNI() (string, bool) { return c.sni, c.sni != "" }

// parseClientHelloSNI walks a raw TLS record looking for a ClientHello
// carrying a server_name (SNI) extension, per spec §4.7's pre-peek
// algorithm: content type 22 (handshake), handshake type 1
// (client_hello), extension type 0 (server_name), name type 0 (host_name).
func parseClientHelloSNI(record []byte) (string, bool) {
	const (
		contentTypeHandshake  = 22
		handshakeTypeClientHi = 1
		extTypeServerName     = 0
		sniTypeHostName       = 0
	)

	if len(record) < 5 || record[0] != contentTypeHandshake {
		return "", false
	}
	recordLen := int(binary.BigEndian.Uint16(record[3:5]))
	body := record[5:]
	if len(body) > recordLen {
		body = body[:recordLen]
	}

	if len(body) < 4 || body[0] != handshakeTypeClientHi {
		return "", false
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	hs := body[4:]
	if len(hs) > hsLen {
		hs = hs[:hsLen]
	}

	// client_version(2) + random(32)
	if len(hs) < 34 {
		return "", false
	}
	pos := 34

	// session_id
	if pos >= len(hs) {
		return "", false
	}
	sidLen := int(hs[pos])
	pos++
	pos += sidLen
	if pos+2 > len(hs) {
		return "", false
	}

	// cipher_suites
	csLen := int(binary.BigEndian.Uint16(hs[pos : pos+2]))
	pos += 2 + csLen
	if pos+1 > len(hs) {
		return "", false
	}

	// compression_methods
	cmLen := int(hs[pos])
	pos += 1 + cmLen
	if pos+2 > len(hs) {
		return "", false
	}

	// extensions
	extTotalLen := int(binary.BigEndian.Uint16(hs[pos : pos+2]))
	pos += 2
	end := pos + extTotalLen
	if end > len(hs) {
		end = len(hs)
	}

	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(hs[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(hs[pos+2 : pos+4]))
		pos += 4
		if pos+extLen > end {
			break
		}
		extData := hs[pos : pos+extLen]
		pos += extLen

		if extType != extTypeServerName {
			continue
		}
		if len(extData) < 2 {
			continue
		}
		listLen := int(binary.BigEndian.Uint16(extData[0:2]))
		entries := extData[2:]
		if listLen > len(entries) {
			listLen = len(entries)
		}
		entries = entries[:listLen]
		for len(entries) >= 3 {
			nameType := entries[0]
			nameLen := int(binary.BigEndian.Uint16(entries[1:3]))
			entries = entries[3:]
			if nameLen > len(entries) {
				break
			}
			name := entries[:nameLen]
			entries = entries[nameLen:]
			if nameType == sniTypeHostName {
				return string(name), true
			}
		}
	}
	return "", false
}
