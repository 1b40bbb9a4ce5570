// Package traflog specifies the out-of-core-scope traffic logging
// contract (spec §1, §6; SPEC_FULL.md §C): a CX hands every read/write
// chunk to a Sink, and nothing downstream of that call is this
// package's concern. PCAP writers, rotating file sinks, and the like
// are left to the caller of this library.
package traflog

import "github.com/relayforge/proxycore/internal/com"

// Sink receives a (side, bytes) callback per CX read and per CX write,
// per spec §6.
type Sink interface {
	OnBytes(side com.Side, data []byte)
}

// NopSink discards everything; it is the default wired into a CX that
// was not given an explicit sink.
type NopSink struct{}

func (NopSink) OnBytes(side com.Side, data []byte) {}

// Default is the shared no-op sink, to avoid allocating one per CX.
var Default Sink = NopSink{}
