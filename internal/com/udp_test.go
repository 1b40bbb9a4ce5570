package com

import (
	"net"
	"testing"
	"time"

	"github.com/relayforge/proxycore/internal/sessionkey"
)

func TestUDPVirtualDemuxDrainAndRead(t *testing.T) {
	demux, err := NewUDPVirtualDemux("127.0.0.1:0", sessionkey.Default())
	if err != nil {
		t.Fatalf("NewUDPVirtualDemux: %v", err)
	}
	defer demux.Close()

	if demux.FD() <= 0 {
		t.Errorf("FD() = %d, want a positive descriptor", demux.FD())
	}

	serverAddr := demux.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.Dial("udp", serverAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload := []byte("hello-flow")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("client write: %v", err)
	}

	// Give the datagram time to land before draining.
	deadline := time.Now().Add(2 * time.Second)
	demux.conn.SetReadDeadline(deadline)

	keys, err := demux.Drain(2048)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Drain() returned %d keys, want 1", len(keys))
	}

	key := keys[0]
	if !sessionkey.IsVirtual(key) {
		t.Error("session key does not have the virtual bit set")
	}

	flowCom := demux.Flow(key)
	if flowCom.FD() != int(key) {
		t.Errorf("FD() = %d, want %d", flowCom.FD(), key)
	}

	buf := make([]byte, 64)
	n, err := flowCom.Read(buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("Read() = %q, want %q", buf[:n], payload)
	}

	// Second read on an empty queue must report would-block, not panic
	// or return stale data.
	if _, err := flowCom.Read(buf, 0); err != ErrWouldBlock {
		t.Errorf("second Read() error = %v, want ErrWouldBlock", err)
	}
}

func TestUDPVirtualDemuxSameTupleSameKey(t *testing.T) {
	demux, err := NewUDPVirtualDemux("127.0.0.1:0", sessionkey.Default())
	if err != nil {
		t.Fatalf("NewUDPVirtualDemux: %v", err)
	}
	defer demux.Close()

	serverAddr := demux.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.Dial("udp", serverAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	client.Write([]byte("first"))
	client.Write([]byte("second"))

	demux.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	keys, err := demux.Drain(2048)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Drain() returned %d keys, want 2 datagrams from one flow", len(keys))
	}
	if keys[0] != keys[1] {
		t.Errorf("same tuple produced different keys: %#x != %#x", keys[0], keys[1])
	}
}

func TestUDPVirtualComReplyWritesBack(t *testing.T) {
	demux, err := NewUDPVirtualDemux("127.0.0.1:0", sessionkey.Default())
	if err != nil {
		t.Fatalf("NewUDPVirtualDemux: %v", err)
	}
	defer demux.Close()

	serverAddr := demux.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()

	if _, err := client.WriteToUDP([]byte("ping"), serverAddr); err != nil {
		t.Fatalf("client write: %v", err)
	}

	demux.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	keys, err := demux.Drain(2048)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Drain() returned %d keys, want 1", len(keys))
	}

	flowCom := demux.Flow(keys[0])
	if _, err := flowCom.Write([]byte("pong"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("client received %q, want %q", buf[:n], "pong")
	}
}

func TestUDPVirtualComTranslateSocket(t *testing.T) {
	demux, err := NewUDPVirtualDemux("127.0.0.1:0", sessionkey.Default())
	if err != nil {
		t.Fatalf("NewUDPVirtualDemux: %v", err)
	}
	defer demux.Close()

	flowCom := demux.Flow(0x80000001)
	real, ok := flowCom.TranslateSocket(0x80000001)
	if !ok {
		t.Fatal("TranslateSocket() reported not ok for the flow's own key")
	}
	if real != demux.FD() {
		t.Errorf("TranslateSocket() = %d, want %d", real, demux.FD())
	}

	if _, ok := flowCom.TranslateSocket(0x80000002); ok {
		t.Error("TranslateSocket() reported ok for a mismatched virtual id")
	}
}
