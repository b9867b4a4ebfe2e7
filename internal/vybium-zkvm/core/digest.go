// Package core provides the field, digest and hashing primitives shared by
// every layer of the zkVM: memory commitments, trace commitments and the
// commitment derivations exposed to verifiers.
package core

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// Chunk is the width of a Merkle leaf and of a digest, in field elements.
const Chunk = 8

// Digest is a Chunk-wide vector of field elements produced by a Hasher.
type Digest [Chunk]field.Element

// bn254Order is the scalar field order of BN254, little-endian limbs.
// It is the modulus used to fold a digest into 32 bytes.
var bn254Order = uint256.Int{
	0x43e1f593f0000001,
	0x2833e84879b97091,
	0xb85045b68181585d,
	0x30644e72e131a029,
}

// ZeroDigest returns the all-zero digest.
func ZeroDigest() Digest {
	var d Digest
	for i := range d {
		d[i] = field.Zero
	}
	return d
}

// DigestFromSlice copies the first Chunk elements of values into a digest.
func DigestFromSlice(values []field.Element) (Digest, error) {
	var d Digest
	if len(values) < Chunk {
		return d, fmt.Errorf("digest needs %d elements, got %d", Chunk, len(values))
	}
	copy(d[:], values[:Chunk])
	return d, nil
}

// PaddedDigest returns [v, 0, ..., 0].
func PaddedDigest(v field.Element) Digest {
	d := ZeroDigest()
	d[0] = v
	return d
}

// Elements returns the digest as a freshly allocated slice.
func (d Digest) Elements() []field.Element {
	out := make([]field.Element, Chunk)
	copy(out, d[:])
	return out
}

// Equal reports whether two digests are identical.
func (d Digest) Equal(other Digest) bool {
	for i := range d {
		if !d[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// IsZero reports whether every element is zero.
func (d Digest) IsZero() bool {
	for i := range d {
		if !d[i].IsZero() {
			return false
		}
	}
	return true
}

// Bytes encodes the digest as little-endian 64-bit words.
func (d Digest) Bytes() []byte {
	out := make([]byte, 8*Chunk)
	for i, e := range d {
		binary.LittleEndian.PutUint64(out[8*i:], e.Value())
	}
	return out
}

// ToU256 folds the digest into a single BN254 scalar:
// acc = acc * p + d[i] (mod r), most significant element first.
func (d Digest) ToU256() *uint256.Int {
	p := uint256.NewInt(field.P)
	acc := new(uint256.Int)
	for i := Chunk - 1; i >= 0; i-- {
		acc.MulMod(acc, p, &bn254Order)
		acc.AddMod(acc, uint256.NewInt(d[i].Value()), &bn254Order)
	}
	return acc
}

// Commit32 returns the 32-byte big-endian form of ToU256.
func (d Digest) Commit32() [32]byte {
	return d.ToU256().Bytes32()
}

// String renders the digest in base58 for logs and CLI output.
func (d Digest) String() string {
	return base58.Encode(d.Bytes())
}

// Uint32s returns the digest elements as u32 values, failing if any element
// does not fit.
func (d Digest) Uint32s() ([Chunk]uint32, error) {
	var out [Chunk]uint32
	for i, e := range d {
		v := e.Value()
		if v > 0xffffffff {
			return out, fmt.Errorf("digest element %d (%d) exceeds u32", i, v)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// FromU32 lifts a u32 into the field.
func FromU32(v uint32) field.Element {
	return field.New(uint64(v))
}

// FromUint64 lifts an arbitrary u64 into the field, reducing modulo p.
func FromUint64(v uint64) field.Element {
	return field.New(v % field.P)
}

// ToU32 converts a field element to a u32, reporting whether it fits.
func ToU32(e field.Element) (uint32, bool) {
	v := e.Value()
	if v > 0xffffffff {
		return 0, false
	}
	return uint32(v), true
}

// Zeros returns n zero elements.
func Zeros(n int) []field.Element {
	out := make([]field.Element, n)
	for i := range out {
		out[i] = field.Zero
	}
	return out
}
