// Package sessionkey derives the 32-bit session identifier used to
// coalesce UDP datagrams into a single CX and to hash-select a worker
// proxy. The identifier is deterministic for a given flow tuple and
// reserves its high bit to mark it as a virtual flow id rather than a
// real kernel descriptor.
package sessionkey

import (
	"encoding/binary"
	"hash/fnv"
	"net/netip"
)

// VirtualBit marks a Key as a virtual flow identifier. Real file
// descriptors are small non-negative integers and never set this bit,
// so the poller and worker-selection code can tell the two apart when
// both live in the same descriptor-shaped id space.
const VirtualBit uint32 = 1 << 31

// DefaultSeed is used when no explicit seed is supplied. Production
// deployments that care about resistance to off-path key-guessing
// should supply their own random per-process seed via NewHasher.
const DefaultSeed uint64 = 0x9e3779b97f4a7c15

// Hasher derives session keys using a fixed seed, so that two hashers
// constructed with the same seed agree on the same flow's key.
type Hasher struct {
	seed uint64
}

// NewHasher returns a Hasher seeded with seed.
func NewHasher(seed uint64) *Hasher {
	return &Hasher{seed: seed}
}

// Default returns a Hasher using DefaultSeed.
func Default() *Hasher {
	return NewHasher(DefaultSeed)
}

// Key computes the 32-bit session key for a (src, dst, sport, dport)
// tuple. IPv4 and IPv6 addresses are both supported via netip.Addr; each
// address is folded into the hash in its 16-byte form (IPv4 as an
// IPv4-mapped IPv6 address) along with the ports. The result always has
// VirtualBit set.
func (h *Hasher) Key(src, dst netip.Addr, sport, dport uint16) uint32 {
	sum := fnv.New64a()

	var seedBuf [8]byte
	binary.BigEndian.PutUint64(seedBuf[:], h.seed)
	sum.Write(seedBuf[:])

	src16 := src.As16()
	dst16 := dst.As16()
	sum.Write(src16[:])
	sum.Write(dst16[:])

	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], sport)
	binary.BigEndian.PutUint16(portBuf[2:4], dport)
	sum.Write(portBuf[:])

	hash := uint32(sum.Sum64() & 0x7fffffff)
	return hash | VirtualBit
}

// IsVirtual reports whether key was produced by Key (as opposed to being
// a real kernel file descriptor).
func IsVirtual(key uint32) bool {
	return key&VirtualBit != 0
}

// WorkerIndex hash-selects a worker in [0, numWorkers) for the given
// session key. numWorkers must be positive.
func WorkerIndex(key uint32, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	return int(key&0x7fffffff) % numWorkers
}
