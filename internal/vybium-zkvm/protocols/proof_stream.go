package protocols

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/hash"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
)

// ProofStreamError represents errors that can occur while driving the transcript
type ProofStreamError struct {
	Type    ProofStreamErrorType
	Message string
}

type ProofStreamErrorType int

const (
	ProofStreamErrorInvalidBound ProofStreamErrorType = iota
	ProofStreamErrorEncodingFailed
	ProofStreamErrorDegenerateChallenge
)

func (e ProofStreamError) Error() string {
	return fmt.Sprintf("ProofStream error [%d]: %s", e.Type, e.Message)
}

// BFieldCodec is implemented by values absorbed into the transcript.
type BFieldCodec interface {
	Encode() ([]field.Element, error)
}

// ProofStream is the Fiat-Shamir transcript shared by prover and verifier.
// Both sides absorb the same items in the same order and therefore sample
// the same challenges.
type ProofStream struct {
	Sponge *hash.Tip5

	// absorbed counts field elements fed to the sponge.
	absorbed int
}

// NewProofStream creates a transcript with a fresh Tip5 sponge.
func NewProofStream() *ProofStream {
	return &ProofStream{Sponge: hash.Init()}
}

// AbsorbElements feeds raw field elements to the sponge.
func (ps *ProofStream) AbsorbElements(values ...field.Element) {
	if len(values) == 0 {
		return
	}
	ps.Sponge.PadAndAbsorbAll(values)
	ps.absorbed += len(values)
}

// AbsorbDigest feeds a digest to the sponge.
func (ps *ProofStream) AbsorbDigest(d core.Digest) {
	ps.AbsorbElements(d[:]...)
}

// AlterFiatShamirStateWith absorbs the encoding of item.
func (ps *ProofStream) AlterFiatShamirStateWith(item BFieldCodec) error {
	encoded, err := item.Encode()
	if err != nil {
		return ProofStreamError{Type: ProofStreamErrorEncodingFailed, Message: err.Error()}
	}
	ps.AbsorbElements(encoded...)
	return nil
}

// TranscriptLength returns the number of field elements absorbed so far.
func (ps *ProofStream) TranscriptLength() int {
	return ps.absorbed
}

// SampleIndices produces numIndices uniform numbers in [0, upperBound).
// The upperBound must be a power of 2.
func (ps *ProofStream) SampleIndices(upperBound int, numIndices int) ([]int, error) {
	if upperBound == 0 || (upperBound&(upperBound-1)) != 0 {
		return nil, ProofStreamError{
			Type:    ProofStreamErrorInvalidBound,
			Message: fmt.Sprintf("upperBound must be a power of 2, got %d", upperBound),
		}
	}
	if uint64(upperBound) > 1<<31 {
		return nil, ProofStreamError{
			Type:    ProofStreamErrorInvalidBound,
			Message: fmt.Sprintf("upperBound %d exceeds 2^31", upperBound),
		}
	}

	indices := ps.Sponge.SampleIndices(uint32(upperBound), numIndices)
	result := make([]int, len(indices))
	for i, idx := range indices {
		result[i] = int(idx)
	}
	return result, nil
}

// SampleChallenges draws n field challenges of 62 bits each by joining two
// 31-bit indices. Zero challenges are rejected.
func (ps *ProofStream) SampleChallenges(n int) ([]field.Element, error) {
	indices, err := ps.SampleIndices(1<<31, 2*n)
	if err != nil {
		return nil, err
	}
	out := make([]field.Element, n)
	for i := range out {
		v := uint64(indices[2*i])<<31 | uint64(indices[2*i+1])
		if v == 0 {
			return nil, ProofStreamError{Type: ProofStreamErrorDegenerateChallenge, Message: "sampled zero challenge"}
		}
		out[i] = field.New(v)
	}
	return out, nil
}

// SampleDigest squeezes a digest out of the transcript state.
func (ps *ProofStream) SampleDigest() (core.Digest, error) {
	challenges, err := ps.SampleChallenges(core.Chunk)
	if err != nil {
		return core.Digest{}, err
	}
	return core.DigestFromSlice(challenges)
}
