package protocols

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
)

// AirProofInput is the prover-side data of one AIR instance.
type AirProofInput struct {
	AirID        int
	Cached       *Trace
	Main         *Trace
	PublicValues []field.Element
}

// AirProof is the committed data of one AIR instance inside a Proof.
type AirProof struct {
	AirID        int
	Height       int
	CachedCommit core.Digest
	MainCommit   core.Digest
	Cached       *Trace
	Main         *Trace
	PublicValues []field.Element
}

// Proof is the output of the transparent backend.
type Proof struct {
	// VkCommit binds the proof to the verifying key it was produced for.
	VkCommit core.Digest

	// PerAir holds one entry per AIR with a non-empty trace or public values,
	// in increasing AirID order.
	PerAir []AirProof

	// AirPermutation lists PerAir indices sorted by descending height.
	AirPermutation []int

	// TraceRoot is the Tip5 Merkle root over the per-AIR commitments.
	TraceRoot []field.Element

	// Seal is squeezed from the transcript after every commitment and
	// public value has been absorbed.
	Seal core.Digest
}

// PublicValuesOf returns the public values of the given AIR, or nil when the
// AIR is absent from the proof.
func (p *Proof) PublicValuesOf(airID int) []field.Element {
	for i := range p.PerAir {
		if p.PerAir[i].AirID == airID {
			return p.PerAir[i].PublicValues
		}
	}
	return nil
}

// AirProofOf returns the entry of the given AIR.
func (p *Proof) AirProofOf(airID int) (*AirProof, bool) {
	for i := range p.PerAir {
		if p.PerAir[i].AirID == airID {
			return &p.PerAir[i], true
		}
	}
	return nil, false
}

// Clone deep-copies the proof.
func (p *Proof) Clone() *Proof {
	out := &Proof{
		VkCommit:       p.VkCommit,
		PerAir:         make([]AirProof, len(p.PerAir)),
		AirPermutation: append([]int(nil), p.AirPermutation...),
		TraceRoot:      append([]field.Element(nil), p.TraceRoot...),
		Seal:           p.Seal,
	}
	for i, ap := range p.PerAir {
		ap.Cached = ap.Cached.Clone()
		ap.Main = ap.Main.Clone()
		ap.PublicValues = append([]field.Element(nil), ap.PublicValues...)
		out.PerAir[i] = ap
	}
	return out
}

// ============================================================================
// Wire form
// ============================================================================

type wireTrace struct {
	Width  int      `cbor:"1,keyasint"`
	Values []uint64 `cbor:"2,keyasint"`
}

type wireAirProof struct {
	AirID        int        `cbor:"1,keyasint"`
	Height       int        `cbor:"2,keyasint"`
	CachedCommit [8]uint64  `cbor:"3,keyasint"`
	MainCommit   [8]uint64  `cbor:"4,keyasint"`
	Cached       *wireTrace `cbor:"5,keyasint,omitempty"`
	Main         *wireTrace `cbor:"6,keyasint,omitempty"`
	PublicValues []uint64   `cbor:"7,keyasint"`
}

type wireProof struct {
	VkCommit       [8]uint64      `cbor:"1,keyasint"`
	PerAir         []wireAirProof `cbor:"2,keyasint"`
	AirPermutation []int          `cbor:"3,keyasint"`
	TraceRoot      []uint64       `cbor:"4,keyasint"`
	Seal           [8]uint64      `cbor:"5,keyasint"`
}

// ElementsToU64 converts field elements to their canonical values.
func ElementsToU64(values []field.Element) []uint64 {
	out := make([]uint64, len(values))
	for i, v := range values {
		out[i] = v.Value()
	}
	return out
}

// U64ToElements lifts canonical values back into the field, rejecting
// non-canonical input.
func U64ToElements(values []uint64) ([]field.Element, error) {
	out := make([]field.Element, len(values))
	for i, v := range values {
		if v >= field.P {
			return nil, fmt.Errorf("value %d is not a canonical field element", v)
		}
		out[i] = field.New(v)
	}
	return out, nil
}

// DigestToU64 converts a digest to its canonical values.
func DigestToU64(d core.Digest) [8]uint64 {
	var out [8]uint64
	for i, v := range d {
		out[i] = v.Value()
	}
	return out
}

// U64ToDigest lifts canonical values into a digest.
func U64ToDigest(values [8]uint64) (core.Digest, error) {
	elems, err := U64ToElements(values[:])
	if err != nil {
		return core.Digest{}, err
	}
	return core.DigestFromSlice(elems)
}

func traceToWire(t *Trace) *wireTrace {
	if t == nil {
		return nil
	}
	return &wireTrace{Width: t.Width, Values: ElementsToU64(t.Values)}
}

func traceFromWire(w *wireTrace) (*Trace, error) {
	if w == nil {
		return nil, nil
	}
	if w.Width < 0 || (w.Width > 0 && len(w.Values)%w.Width != 0) || (w.Width == 0 && len(w.Values) != 0) {
		return nil, fmt.Errorf("trace of width %d has %d values", w.Width, len(w.Values))
	}
	values, err := U64ToElements(w.Values)
	if err != nil {
		return nil, err
	}
	return &Trace{Width: w.Width, Values: values}, nil
}

func (p *Proof) toWire() *wireProof {
	w := &wireProof{
		VkCommit:       DigestToU64(p.VkCommit),
		PerAir:         make([]wireAirProof, len(p.PerAir)),
		AirPermutation: p.AirPermutation,
		TraceRoot:      ElementsToU64(p.TraceRoot),
		Seal:           DigestToU64(p.Seal),
	}
	for i, ap := range p.PerAir {
		w.PerAir[i] = wireAirProof{
			AirID:        ap.AirID,
			Height:       ap.Height,
			CachedCommit: DigestToU64(ap.CachedCommit),
			MainCommit:   DigestToU64(ap.MainCommit),
			Cached:       traceToWire(ap.Cached),
			Main:         traceToWire(ap.Main),
			PublicValues: ElementsToU64(ap.PublicValues),
		}
	}
	return w
}

func proofFromWire(w *wireProof) (*Proof, error) {
	var err error
	p := &Proof{
		PerAir:         make([]AirProof, len(w.PerAir)),
		AirPermutation: w.AirPermutation,
	}
	if p.VkCommit, err = U64ToDigest(w.VkCommit); err != nil {
		return nil, err
	}
	if p.Seal, err = U64ToDigest(w.Seal); err != nil {
		return nil, err
	}
	if p.TraceRoot, err = U64ToElements(w.TraceRoot); err != nil {
		return nil, err
	}
	for i, wa := range w.PerAir {
		ap := AirProof{AirID: wa.AirID, Height: wa.Height}
		if ap.CachedCommit, err = U64ToDigest(wa.CachedCommit); err != nil {
			return nil, err
		}
		if ap.MainCommit, err = U64ToDigest(wa.MainCommit); err != nil {
			return nil, err
		}
		if ap.Cached, err = traceFromWire(wa.Cached); err != nil {
			return nil, fmt.Errorf("air %d cached trace: %w", wa.AirID, err)
		}
		if ap.Main, err = traceFromWire(wa.Main); err != nil {
			return nil, fmt.Errorf("air %d main trace: %w", wa.AirID, err)
		}
		if ap.PublicValues, err = U64ToElements(wa.PublicValues); err != nil {
			return nil, err
		}
		p.PerAir[i] = ap
	}
	return p, nil
}
