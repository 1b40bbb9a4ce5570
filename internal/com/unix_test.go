package com

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestUnixComConnectAcceptReadWrite(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "proxycore-test.sock")

	unixAddr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		t.Fatalf("ResolveUnixAddr: %v", err)
	}
	ln, err := net.ListenUnix("unix", unixAddr)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer ln.Close()
	defer os.Remove(sockPath)

	listenerCom, err := NewUnixListenerCom(ln, sockPath)
	if err != nil {
		t.Fatalf("NewUnixListenerCom: %v", err)
	}
	if got := listenerCom.Shortname(); got != "unix:"+sockPath {
		t.Errorf("Shortname() = %q, want %q", got, "unix:"+sockPath)
	}

	clientConn, err := net.DialUnix("unix", nil, unixAddr)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	defer clientConn.Close()

	acceptedCom, err := listenerCom.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer acceptedCom.Close()

	if acceptedCom.L3Proto() != "unix" {
		t.Errorf("L3Proto() = %q, want %q", acceptedCom.L3Proto(), "unix")
	}

	want := []byte("hello-unix")
	if _, err := clientConn.Write(want); err != nil {
		t.Fatalf("client write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := acceptedCom.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(want) {
		t.Errorf("Read() = %q, want %q", buf[:n], want)
	}
}

func TestUnixComReplicatePreservesPath(t *testing.T) {
	c := &UnixCom{path: "/tmp/example.sock"}
	sibling := c.Replicate()
	siblingUnix, ok := sibling.(*UnixCom)
	if !ok {
		t.Fatalf("Replicate() returned %T, want *UnixCom", sibling)
	}
	if siblingUnix.path != c.path {
		t.Errorf("Replicate() path = %q, want %q", siblingUnix.path, c.path)
	}
}
