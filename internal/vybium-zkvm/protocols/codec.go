package protocols

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// maxCollectionLen bounds arrays and maps on decode. Flattened traces and
// aggregation batches run far past the library defaults.
const maxCollectionLen = 1<<31 - 1

var (
	// cborEncMode encodes canonically so that equal values always produce
	// equal bytes.
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocols: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		MaxArrayElements: maxCollectionLen,
		MaxMapPairs:      maxCollectionLen,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocols: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return cborDecMode.Unmarshal(data, v)
}

// Compress compresses data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed data.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}

// MarshalCompressed encodes v as canonical CBOR and compresses the result.
func MarshalCompressed(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// UnmarshalCompressed reverses MarshalCompressed.
func UnmarshalCompressed(data []byte, v any) error {
	raw, err := Decompress(data)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return Unmarshal(raw, v)
}

// EncodeProof serializes a proof.
func EncodeProof(p *Proof) ([]byte, error) {
	return MarshalCompressed(p.toWire())
}

// DecodeProof deserializes a proof.
func DecodeProof(data []byte) (*Proof, error) {
	var w wireProof
	if err := UnmarshalCompressed(data, &w); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return proofFromWire(&w)
}
