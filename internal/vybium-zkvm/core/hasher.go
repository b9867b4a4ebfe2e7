package core

import (
	"encoding/binary"
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/hash"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hasher is the chunk hash and two-to-one compression used for every Merkle
// tree in the system.
type Hasher interface {
	// Hash maps one Chunk-wide leaf to a digest.
	Hash(chunk [Chunk]field.Element) Digest

	// Compress maps two digests to their parent digest.
	Compress(left, right Digest) Digest
}

// HasherKind names a Hasher implementation.
type HasherKind string

const (
	// HasherTip5 derives digests from the Tip5 sponge.
	HasherTip5 HasherKind = "tip5"

	// HasherSHA3 derives digests from SHAKE256.
	HasherSHA3 HasherKind = "sha3"

	// HasherBlake3 derives digests from the BLAKE3 XOF.
	HasherBlake3 HasherKind = "blake3"
)

// Domain tags keep leaf hashing and compression from colliding.
const (
	domainLeaf     uint64 = 1
	domainCompress uint64 = 3
)

// NewHasher creates the hasher named by kind.
func NewHasher(kind HasherKind) (Hasher, error) {
	switch kind {
	case HasherTip5, "":
		return Tip5Hasher{}, nil
	case HasherSHA3:
		return SHA3Hasher{}, nil
	case HasherBlake3:
		return Blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", kind)
	}
}

// ============================================================================
// Tip5
// ============================================================================

// Tip5Hasher widens two domain-separated Tip5 variable-length hashes into a
// Chunk-wide digest.
type Tip5Hasher struct{}

// Hash implements Hasher.
func (Tip5Hasher) Hash(chunk [Chunk]field.Element) Digest {
	return tip5Wide(domainLeaf, chunk[:])
}

// Compress implements Hasher.
func (Tip5Hasher) Compress(left, right Digest) Digest {
	input := make([]field.Element, 0, 2*Chunk)
	input = append(input, left[:]...)
	input = append(input, right[:]...)
	return tip5Wide(domainCompress, input)
}

func tip5Wide(domain uint64, input []field.Element) Digest {
	buf := make([]field.Element, 0, len(input)+1)
	buf = append(buf, field.New(domain))
	buf = append(buf, input...)
	first := hash.HashVarlen(buf)

	buf[0] = field.New(domain + 1)
	second := hash.HashVarlen(buf)

	var d Digest
	n := copy(d[:], first[:])
	copy(d[n:], second[:])
	return d
}

// ============================================================================
// SHAKE256 and BLAKE3
// ============================================================================

// SHA3Hasher squeezes digests out of SHAKE256.
type SHA3Hasher struct{}

// Hash implements Hasher.
func (SHA3Hasher) Hash(chunk [Chunk]field.Element) Digest {
	shake := sha3.NewShake256()
	writeElements(shake, domainLeaf, chunk[:])
	return readDigest(shake)
}

// Compress implements Hasher.
func (SHA3Hasher) Compress(left, right Digest) Digest {
	shake := sha3.NewShake256()
	writeElements(shake, domainCompress, append(left.Elements(), right[:]...))
	return readDigest(shake)
}

// Blake3Hasher squeezes digests out of the BLAKE3 extendable output.
type Blake3Hasher struct{}

// Hash implements Hasher.
func (Blake3Hasher) Hash(chunk [Chunk]field.Element) Digest {
	h := blake3.New()
	writeElements(h, domainLeaf, chunk[:])
	return readDigest(h.Digest())
}

// Compress implements Hasher.
func (Blake3Hasher) Compress(left, right Digest) Digest {
	h := blake3.New()
	writeElements(h, domainCompress, append(left.Elements(), right[:]...))
	return readDigest(h.Digest())
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

type byteReader interface {
	Read(p []byte) (int, error)
}

func writeElements(w byteWriter, domain uint64, values []field.Element) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], domain)
	_, _ = w.Write(buf[:])
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:], v.Value())
		_, _ = w.Write(buf[:])
	}
}

func readDigest(r byteReader) Digest {
	var out [8 * Chunk]byte
	_, _ = r.Read(out[:])
	var d Digest
	for i := range d {
		d[i] = FromUint64(binary.LittleEndian.Uint64(out[8*i:]))
	}
	return d
}

// ============================================================================
// Derived helpers
// ============================================================================

// HashDigest hashes a digest as a leaf, H(d).
func HashDigest(h Hasher, d Digest) Digest {
	return h.Hash([Chunk]field.Element(d))
}

// HashSlice hashes an arbitrary-length sequence. The values are split into
// zero-padded chunks, absorbed left to right with Compress, and the length
// is bound in a final compression.
func HashSlice(h Hasher, values []field.Element) Digest {
	acc := ZeroDigest()
	for start := 0; start < len(values); start += Chunk {
		var chunk [Chunk]field.Element
		for i := range chunk {
			chunk[i] = field.Zero
		}
		copy(chunk[:], values[start:min(start+Chunk, len(values))])
		acc = h.Compress(acc, h.Hash(chunk))
	}
	return h.Compress(acc, PaddedDigest(field.New(uint64(len(values)))))
}
