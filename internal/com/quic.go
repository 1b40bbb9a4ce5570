package com

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// QUICCom adapts a QUIC connection's single primary stream to the Com
// contract, so the proxy core can shuttle bytes over QUIC the same way
// it does TCP, wiring github.com/quic-go/quic-go per SPEC_FULL.md's
// domain-stack section. One QUICCom corresponds to one stream; a fresh
// QUICCom is handed out per accepted/opened stream, mirroring how
// TCPCom hands out one com per accepted connection.
type QUICCom struct {
	baseCom

	listener *quic.Listener
	conn     quic.Connection
	stream   quic.Stream
	config   *tls.Config
	quicConf *quic.Config
}

// NewQUICListenerCom binds addr for incoming QUIC connections.
func NewQUICListenerCom(addr string, tlsConf *tls.Config, quicConf *quic.Config) (*QUICCom, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic com: %w", err)
	}
	return &QUICCom{listener: ln, config: tlsConf, quicConf: quicConf}, nil
}

func (c *QUICCom) FD() int {
	// QUIC has no kernel descriptor of its own at this layer; the
	// underlying UDP socket is not exposed by quic-go, so this variant
	// is never registered with the poller directly — quic-go runs its
	// own internal read loop on the UDP socket it owns.
	return -1
}

func (c *QUICCom) Connect(host string, port int) error {
	ctx := context.Background()
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := quic.DialAddr(ctx, addr, c.config, c.quicConf)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	c.conn, c.stream = conn, stream
	return nil
}

func (c *QUICCom) Bind(addr string) error {
	ln, err := quic.ListenAddr(addr, c.config, c.quicConf)
	if err != nil {
		return err
	}
	c.listener = ln
	return nil
}

func (c *QUICCom) Accept() (Com, error) {
	if c.listener == nil {
		return nil, fmt.Errorf("quic com: not a listening com")
	}
	ctx := context.Background()
	conn, err := c.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICCom{conn: conn, stream: stream, config: c.config, quicConf: c.quicConf}, nil
}

func (c *QUICCom) Read(buf []byte, flags ReadFlag) (int, error) {
	if c.stream == nil {
		return 0, ErrClosed
	}
	if flags&ReadFlagPeek != 0 {
		return 0, fmt.Errorf("quic com: peek is not supported on QUIC streams")
	}
	return c.stream.Read(buf)
}

func (c *QUICCom) Write(buf []byte, flags WriteFlag) (int, error) {
	if c.stream == nil {
		return 0, ErrClosed
	}
	return c.stream.Write(buf)
}

func (c *QUICCom) Shutdown() error {
	if c.stream != nil {
		return c.stream.Close()
	}
	return nil
}

func (c *QUICCom) Close() error {
	if c.conn != nil {
		return c.conn.CloseWithError(0, "closed")
	}
	if c.listener != nil {
		return c.listener.Close()
	}
	return nil
}

func (c *QUICCom) Readable() bool { return c.monitorIn }
func (c *QUICCom) Writable() bool { return c.monitorOut }

func (c *QUICCom) ResolveSrc() (string, int, error) {
	if c.conn == nil {
		return "", 0, fmt.Errorf("quic com: not connected")
	}
	return hostPortFromNetAddr(c.conn.LocalAddr())
}

func (c *QUICCom) ResolveDst() (string, int, error) {
	if c.conn == nil {
		return "", 0, fmt.Errorf("quic com: not connected")
	}
	return hostPortFromNetAddr(c.conn.RemoteAddr())
}

func (c *QUICCom) L3Proto() string { return "ip" }
func (c *QUICCom) L4Proto() string { return "quic" }
func (c *QUICCom) Shortname() string {
	if c.conn != nil {
		return fmt.Sprintf("quic:%s", c.conn.RemoteAddr())
	}
	return "quic:listener"
}

func (c *QUICCom) Replicate() Com {
	return &QUICCom{config: c.config, quicConf: c.quicConf}
}

func hostPortFromNetAddr(addr net.Addr) (string, int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return "", 0, fmt.Errorf("quic com: unexpected address type %T", addr)
	}
	return udpAddr.IP.String(), udpAddr.Port, nil
}
