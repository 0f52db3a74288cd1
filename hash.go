package cmsketch

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
)

// FNV-1 constants, as in hash/fnv.
const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// HashKind selects the 64-bit hash a Hasher applies to keys.
type HashKind uint8

const (
	// FNV1 is the 64-bit FNV-1 hash. It is the default.
	FNV1 HashKind = iota
	// SipHash24 is SipHash-2-4 keyed with the Hasher's K0 and K1. Use it when
	// keys come from untrusted sources that could aim for collisions.
	SipHash24
	// XXHash64 is the xxHash64 hash.
	XXHash64
)

func (k HashKind) String() string {
	switch k {
	case FNV1:
		return "fnv1"
	case SipHash24:
		return "siphash24"
	case XXHash64:
		return "xxhash64"
	default:
		return fmt.Sprintf("HashKind(%d)", uint8(k))
	}
}

// A Hasher maps keys to the per-row column indices of a sketch. The zero
// value hashes with FNV1.
//
// Hashers are plain values so that they can be gob-encoded along with the
// counters they address.
type Hasher struct {
	Kind HashKind
	K0   uint64 // SipHash24 key, low half
	K1   uint64 // SipHash24 key, high half
}

// Sum64 returns the 64-bit hash of key.
func (h Hasher) Sum64(key []byte) uint64 {
	switch h.Kind {
	case SipHash24:
		return siphash.Hash(h.K0, h.K1, key)
	case XXHash64:
		return xxhash.Sum64(key)
	default:
		return fnv1(key)
	}
}

// Indices appends one column index per row for key to dst and returns the
// extended slice. Every index is below width.
func (h Hasher) Indices(key []byte, width, depth uint32, dst []uint32) []uint32 {
	k := hashKernel(h.Sum64(key))
	for i := uint32(0); i < depth; i++ {
		dst = append(dst, uint32(k.hash(i)%uint64(width)))
	}
	return dst
}

// hashKernel derives any number of hashes from one 64-bit hash by double
// hashing (Kirsch and Mitzenmacher): g_i(x) = h1(x) + i*h2(x).
type hashKernel uint64

func (k hashKernel) hash(i uint32) uint64 {
	v := uint64(k)
	return (v & 0xffffffff) + (v>>32)*uint64(i)
}

func fnv1(key []byte) uint64 {
	k := uint64(fnvOffset64)
	for _, b := range key {
		k *= fnvPrime64
		k ^= uint64(b)
	}
	return k
}
