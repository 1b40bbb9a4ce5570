package com

import (
	"fmt"
	"net"
)

// UnixCom is the UNIX-domain socket communicator variant. Per spec §1
// its listener setup is out of core scope (owned by config/CLI); this
// type only implements the Com contract an accepted or dialed
// connection needs once it exists.
type UnixCom struct {
	baseCom

	conn     *net.UnixConn
	listener *net.UnixListener
	fd       int
	path     string
}

// NewUnixCom wraps an already-established UNIX-domain connection.
func NewUnixCom(conn *net.UnixConn) (*UnixCom, error) {
	fd, err := rawFD(conn)
	if err != nil {
		return nil, fmt.Errorf("unix com: %w", err)
	}
	return &UnixCom{conn: conn, fd: fd}, nil
}

// NewUnixListenerCom wraps a bound UNIX-domain listener.
func NewUnixListenerCom(ln *net.UnixListener, path string) (*UnixCom, error) {
	fd, err := rawListenerFD(ln)
	if err != nil {
		return nil, fmt.Errorf("unix listener com: %w", err)
	}
	return &UnixCom{listener: ln, fd: fd, path: path}, nil
}

func (c *UnixCom) FD() int { return c.fd }

func (c *UnixCom) Connect(host string, port int) error {
	// host carries the socket path; port is unused for this transport.
	addr, err := net.ResolveUnixAddr("unix", host)
	if err != nil {
		return err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return err
	}
	fd, err := rawFD(conn)
	if err != nil {
		return err
	}
	c.conn, c.fd, c.path = conn, fd, host
	return nil
}

func (c *UnixCom) Bind(addr string) error {
	unixAddr, err := net.ResolveUnixAddr("unix", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", unixAddr)
	if err != nil {
		return err
	}
	fd, err := rawListenerFD(ln)
	if err != nil {
		return err
	}
	c.listener, c.fd, c.path = ln, fd, addr
	return nil
}

func (c *UnixCom) Accept() (Com, error) {
	if c.listener == nil {
		return nil, fmt.Errorf("unix com: not a listening com")
	}
	conn, err := c.listener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewUnixCom(conn)
}

func (c *UnixCom) Read(buf []byte, flags ReadFlag) (int, error) {
	if c.conn == nil {
		return 0, ErrClosed
	}
	if flags&ReadFlagPeek != 0 {
		return peekFD(c.fd, buf)
	}
	return c.conn.Read(buf)
}

func (c *UnixCom) Write(buf []byte, flags WriteFlag) (int, error) {
	if c.conn == nil {
		return 0, ErrClosed
	}
	return c.conn.Write(buf)
}

func (c *UnixCom) Shutdown() error {
	if c.conn != nil {
		return c.conn.CloseWrite()
	}
	return nil
}

func (c *UnixCom) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	if c.listener != nil {
		return c.listener.Close()
	}
	return nil
}

func (c *UnixCom) Readable() bool { return c.monitorIn }
func (c *UnixCom) Writable() bool { return c.monitorOut }

func (c *UnixCom) ResolveSrc() (string, int, error) { return c.path, 0, nil }
func (c *UnixCom) ResolveDst() (string, int, error) { return c.path, 0, nil }

func (c *UnixCom) L3Proto() string { return "unix" }
func (c *UnixCom) L4Proto() string { return "stream" }
func (c *UnixCom) Shortname() string {
	return fmt.Sprintf("unix:%s", c.path)
}

func (c *UnixCom) Replicate() Com {
	return &UnixCom{path: c.path}
}
