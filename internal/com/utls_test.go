package com

import (
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"
)

// newTestUTLSClientCom builds a client-mode UTLSCom the same way
// NewUTLSClientCom does, except with InsecureSkipVerify set so the
// test's throwaway self-signed leaf (see selfSignedCert in
// tls_test.go) verifies; production dials (run.go) rely on the real
// origin chaining to a trusted root instead.
func newTestUTLSClientCom(inner Com, serverName string) *UTLSCom {
	adapter := &comConnAdapter{inner: inner}
	cfg := &utls.Config{ServerName: serverName, InsecureSkipVerify: true}
	return &UTLSCom{
		inner:   inner,
		adapter: adapter,
		conn:    utls.UClient(adapter, cfg, utls.HelloChrome_Auto),
		phase:   tlsPhaseInit,
	}
}

func TestUTLSComHandshakeAndReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)

	cert := selfSignedCert(t, "example.test")
	serverConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	var wg sync.WaitGroup
	wg.Add(2)

	serverErrCh := make(chan error, 1)
	serverMsgCh := make(chan string, 1)

	go func() {
		defer wg.Done()
		conn, err := tcpLn.Accept()
		if err != nil {
			serverErrCh <- err
			return
		}
		innerCom, err := NewTCPCom(conn.(*net.TCPConn))
		if err != nil {
			serverErrCh <- err
			return
		}
		serverCom := NewTLSServerCom(innerCom, serverConfig)
		for {
			if err := serverCom.ContinueHandshake(); err == nil {
				break
			} else if err != ErrWouldBlock {
				serverErrCh <- err
				return
			}
		}
		buf := make([]byte, 64)
		n, err := serverCom.Read(buf, 0)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverMsgCh <- string(buf[:n])
		serverErrCh <- nil
	}()

	go func() {
		defer wg.Done()
		addr := tcpLn.Addr().(*net.TCPAddr)
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			t.Errorf("client dial: %v", err)
			return
		}
		innerCom, err := NewTCPCom(conn.(*net.TCPConn))
		if err != nil {
			t.Errorf("NewTCPCom: %v", err)
			return
		}
		clientCom := newTestUTLSClientCom(innerCom, "example.test")
		for {
			if err := clientCom.ContinueHandshake(); err == nil {
				break
			} else if err != ErrWouldBlock {
				t.Errorf("client handshake: %v", err)
				return
			}
		}
		if _, err := clientCom.Write([]byte("hello-utls"), 0); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()

	wg.Wait()

	select {
	case err := <-serverErrCh:
		if err != nil {
			t.Fatalf("server goroutine error: %v", err)
		}
	default:
	}

	select {
	case msg := <-serverMsgCh:
		if msg != "hello-utls" {
			t.Errorf("server received %q, want %q", msg, "hello-utls")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the message")
	}
}

func TestUTLSComShortnameAndProto(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)

	listenerCom, err := NewTCPListenerCom(tcpLn, false)
	if err != nil {
		t.Fatalf("NewTCPListenerCom: %v", err)
	}
	uCom := NewUTLSClientCom(listenerCom, "example.test", utls.HelloChrome_Auto)
	if got, want := uCom.Shortname(), "utls:tcp:listener"; got != want {
		t.Errorf("Shortname() = %q, want %q", got, want)
	}
	if uCom.L4Proto() != "utls" {
		t.Errorf("L4Proto() = %q, want %q", uCom.L4Proto(), "utls")
	}
	if _, err := uCom.Accept(); err == nil {
		t.Error("Accept() on a client-mode utls com should fail")
	}
}
