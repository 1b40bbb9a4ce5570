package com

import (
	"crypto/x509"
	"errors"
	"fmt"

	utls "github.com/refraction-networking/utls"
)

// UTLSCom is the outbound, client-mode TLS com variant that drives a
// github.com/refraction-networking/utls handshake instead of
// crypto/tls, so the proxy's own connect-side ClientHello carries a
// realistic browser fingerprint rather than Go's. It wraps an inner
// com the same way TLSCom does (comConnAdapter, errWantRead/
// errWantWrite), so it drives its handshake from the proxy's own round
// loop exactly like the server-side variant (spec §4.7's non-blocking
// want-read/want-write handshake driving).
type UTLSCom struct {
	baseCom

	inner   Com
	adapter *comConnAdapter
	conn    *utls.UConn

	phase tlsPhase
}

// NewUTLSClientCom wraps inner in a client-mode uTLS com that presents
// helloID's ClientHello fingerprint when it connects to serverName.
func NewUTLSClientCom(inner Com, serverName string, helloID utls.ClientHelloID) *UTLSCom {
	adapter := &comConnAdapter{inner: inner}
	cfg := &utls.Config{ServerName: serverName}
	return &UTLSCom{
		inner:   inner,
		adapter: adapter,
		conn:    utls.UClient(adapter, cfg, helloID),
		phase:   tlsPhaseInit,
	}
}

func (c *UTLSCom) FD() int { return c.inner.FD() }

func (c *UTLSCom) Connect(host string, port int) error {
	if err := c.inner.Connect(host, port); err != nil {
		return err
	}
	c.phase = tlsPhaseOpening
	return nil
}

func (c *UTLSCom) Bind(addr string) error { return c.inner.Bind(addr) }

func (c *UTLSCom) Accept() (Com, error) {
	return nil, fmt.Errorf("utls com: server-mode accept is not supported, use TLSCom")
}

// ContinueHandshake drives one non-blocking step of the uTLS
// handshake, mirroring TLSCom.ContinueHandshake.
func (c *UTLSCom) ContinueHandshake() error {
	if c.phase == tlsPhaseConnected {
		return nil
	}
	c.phase = tlsPhaseOpening

	err := c.conn.Handshake()
	switch {
	case err == nil:
		c.phase = tlsPhaseConnected
		return nil
	case errors.Is(err, errWantRead):
		c.SetForcedFlag(ForcedReadOnWrite)
		return ErrWouldBlock
	case errors.Is(err, errWantWrite):
		c.SetForcedFlag(ForcedWriteOnRead)
		return ErrWouldBlock
	default:
		c.phase = tlsPhaseClosing
		return fmt.Errorf("utls com: handshake: %w", err)
	}
}

// PeerCertificates returns the real origin's certificate chain once
// the handshake has completed, for certfactory.Spoof's Leaf input.
func (c *UTLSCom) PeerCertificates() []*x509.Certificate {
	return c.conn.ConnectionState().PeerCertificates
}

func (c *UTLSCom) Read(buf []byte, flags ReadFlag) (int, error) {
	if c.phase != tlsPhaseConnected {
		return 0, ErrWouldBlock
	}
	n, err := c.conn.Read(buf)
	if errors.Is(err, errWantRead) || errors.Is(err, errWantWrite) {
		return 0, ErrWouldBlock
	}
	return n, err
}

func (c *UTLSCom) Write(buf []byte, flags WriteFlag) (int, error) {
	if c.phase != tlsPhaseConnected {
		return 0, ErrWouldBlock
	}
	n, err := c.conn.Write(buf)
	if errors.Is(err, errWantRead) || errors.Is(err, errWantWrite) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (c *UTLSCom) Shutdown() error {
	c.phase = tlsPhaseClosing
	err := c.conn.Close()
	c.phase = tlsPhaseClosed
	return err
}

func (c *UTLSCom) Close() error { return c.inner.Close() }

func (c *UTLSCom) Readable() bool { return c.monitorIn }
func (c *UTLSCom) Writable() bool { return c.monitorOut }

func (c *UTLSCom) TranslateSocket(virtual int) (int, bool) { return c.inner.TranslateSocket(virtual) }
func (c *UTLSCom) NonlocalDst() (string, int, bool)        { return c.inner.NonlocalDst() }
func (c *UTLSCom) ResolveSrc() (string, int, error)        { return c.inner.ResolveSrc() }
func (c *UTLSCom) ResolveDst() (string, int, error)        { return c.inner.ResolveDst() }

func (c *UTLSCom) L3Proto() string   { return c.inner.L3Proto() }
func (c *UTLSCom) L4Proto() string   { return "utls" }
func (c *UTLSCom) Shortname() string { return fmt.Sprintf("utls:%s", c.inner.Shortname()) }

// Replicate is not meaningful for an already-handshaking uTLS com; the
// permanent-connect slot model (spec §4.2) does not apply to
// per-accept outbound legs, which are dialed once in OnAcceptSocket.
func (c *UTLSCom) Replicate() Com { return nil }
