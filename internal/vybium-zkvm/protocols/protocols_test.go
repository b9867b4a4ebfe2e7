package protocols

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// limbAir range-checks its single column and exposes the column sum as a
// public value.
type limbAir struct{}

func (limbAir) Name() string          { return "Limbs" }
func (limbAir) Width() int            { return 1 }
func (limbAir) NumPublicValues() int  { return 1 }
func (limbAir) ConstraintDegree() int { return 1 }

func (a limbAir) Eval(trace *Trace, pvs []field.Element) error {
	sum := field.Zero
	for i := 0; i < trace.Height(); i++ {
		sum = sum.Add(trace.Row(i)[0])
	}
	if !sum.Equal(pvs[0]) {
		return Violation(a.Name(), -1, "sum mismatch")
	}
	return nil
}

func (limbAir) Interactions(row []field.Element) []Interaction {
	return RangeSends(row[:1])
}

// writerAir sends one memory message per row and nothing receives it unless
// the row's second column cancels it.
type writerAir struct{}

func (writerAir) Name() string          { return "Writer" }
func (writerAir) Width() int            { return 2 }
func (writerAir) NumPublicValues() int  { return 0 }
func (writerAir) ConstraintDegree() int { return 1 }

func (writerAir) Eval(*Trace, []field.Element) error { return nil }

func (writerAir) Interactions(row []field.Element) []Interaction {
	return []Interaction{
		Send(MemoryBus, field.One, row[0]),
		Receive(MemoryBus, field.One, row[1]),
	}
}

func testBackend(t *testing.T) *TransparentBackend {
	t.Helper()
	return NewTransparentBackend(core.Tip5Hasher{}, utils.DefaultVmConfig(), nil)
}

func column(values ...uint64) *Trace {
	t := &Trace{Width: 1}
	for _, v := range values {
		t.Values = append(t.Values, field.New(v))
	}
	return t
}

func limbInputs(t *testing.T, values ...uint64) []AirProofInput {
	t.Helper()
	rc := NewRangeCheckerChip(8)
	sum := uint64(0)
	for _, v := range values {
		require.NoError(t, rc.Add(uint32(v)))
		sum += v
	}
	return []AirProofInput{
		{AirID: 0, Main: column(values...), PublicValues: []field.Element{field.New(sum)}},
		{AirID: 1, Main: rc.GenerateTrace()},
	}
}

func TestProveVerifyRoundTrip(t *testing.T) {
	backend := testBackend(t)
	pk, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(8)})
	require.NoError(t, err)

	proof, err := backend.Prove(pk, limbInputs(t, 1, 2, 200, 2))
	require.NoError(t, err)
	require.NoError(t, backend.Verify(pk.VK, proof))

	// Larger range table first.
	assert.Equal(t, 1, proof.PerAir[proof.AirPermutation[0]].AirID)

	encoded, err := EncodeProof(proof)
	require.NoError(t, err)
	decoded, err := DecodeProof(encoded)
	require.NoError(t, err)
	require.NoError(t, backend.Verify(pk.VK, decoded))
}

func TestProofIsDeterministic(t *testing.T) {
	backend := testBackend(t)
	pk, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(8)})
	require.NoError(t, err)

	a, err := backend.Prove(pk, limbInputs(t, 3, 4, 5))
	require.NoError(t, err)
	b, err := backend.Prove(pk, limbInputs(t, 3, 4, 5))
	require.NoError(t, err)

	encA, err := EncodeProof(a)
	require.NoError(t, err)
	encB, err := EncodeProof(b)
	require.NoError(t, err)
	require.Equal(t, encA, encB)
}

func TestVerifyRejectsTampering(t *testing.T) {
	backend := testBackend(t)
	pk, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(8)})
	require.NoError(t, err)
	proof, err := backend.Prove(pk, limbInputs(t, 7, 8))
	require.NoError(t, err)

	t.Run("flipped trace cell", func(t *testing.T) {
		bad := proof.Clone()
		bad.PerAir[0].Main.Values[0] = field.New(9)
		err := backend.Verify(pk.VK, bad)
		require.ErrorIs(t, err, ErrBackendVerifyFailure)
	})

	t.Run("flipped public value", func(t *testing.T) {
		bad := proof.Clone()
		bad.PerAir[0].PublicValues[0] = bad.PerAir[0].PublicValues[0].Add(field.One)
		require.ErrorIs(t, backend.Verify(pk.VK, bad), ErrBackendVerifyFailure)
	})

	t.Run("flipped seal", func(t *testing.T) {
		bad := proof.Clone()
		bad.Seal[3] = bad.Seal[3].Add(field.One)
		require.ErrorIs(t, backend.Verify(pk.VK, bad), ErrBackendVerifyFailure)
	})

	t.Run("missing air with public values", func(t *testing.T) {
		bad := proof.Clone()
		bad.PerAir = bad.PerAir[1:]
		bad.AirPermutation = []int{0}
		require.ErrorIs(t, backend.Verify(pk.VK, bad), ErrBackendVerifyFailure)
	})

	t.Run("reproved unbalanced range bus", func(t *testing.T) {
		inputs := limbInputs(t, 7, 8)
		inputs[1].Main.Values[7] = field.Zero
		bad, err := backend.Prove(pk, inputs)
		require.NoError(t, err)
		err = backend.Verify(pk.VK, bad)
		require.ErrorIs(t, err, ErrBackendVerifyFailure)
		require.False(t, errors.Is(err, ErrUnsoundMemoryAccess))
	})
}

func TestMemoryImbalanceIsUnsound(t *testing.T) {
	backend := testBackend(t)
	pk, err := backend.Keygen([]Air{writerAir{}})
	require.NoError(t, err)

	balanced := &Trace{Width: 2, Values: []field.Element{field.New(1), field.New(2), field.New(2), field.New(1)}}
	proof, err := backend.Prove(pk, []AirProofInput{{AirID: 0, Main: balanced}})
	require.NoError(t, err)
	require.NoError(t, backend.Verify(pk.VK, proof))

	unbalanced := balanced.Clone()
	unbalanced.Values[3] = field.New(5)
	proof, err = backend.Prove(pk, []AirProofInput{{AirID: 0, Main: unbalanced}})
	require.NoError(t, err)
	require.ErrorIs(t, backend.Verify(pk.VK, proof), ErrUnsoundMemoryAccess)
}

func TestProveRejectsBadShapes(t *testing.T) {
	backend := testBackend(t)
	pk, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(8)})
	require.NoError(t, err)

	_, err = backend.Prove(pk, []AirProofInput{{AirID: 0, Main: column(1)}})
	require.ErrorIs(t, err, ErrBackendProveFailure)

	_, err = backend.Prove(pk, []AirProofInput{{AirID: 5, Main: column(1)}})
	require.ErrorIs(t, err, ErrBackendProveFailure)

	_, err = backend.Prove(pk, []AirProofInput{{AirID: 1, Main: column(1, 2)}})
	require.ErrorIs(t, err, ErrBackendProveFailure)
}

func TestKeygen(t *testing.T) {
	backend := testBackend(t)

	_, err := backend.Keygen([]Air{limbAir{}, limbAir{}})
	require.Error(t, err)

	low := NewTransparentBackend(core.Tip5Hasher{}, utils.DefaultVmConfig().WithMaxConstraintDegree(3), nil)
	_, err = low.Keygen([]Air{NewHashAir(core.Tip5Hasher{})})
	require.Error(t, err)

	a, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(8)})
	require.NoError(t, err)
	b, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(4)})
	require.NoError(t, err)
	require.False(t, a.VK.Commit().Equal(b.VK.Commit()))

	id, ok := a.VK.AirID("RangeChecker")
	require.True(t, ok)
	require.Equal(t, 1, id)
}

func TestHashChipAndAir(t *testing.T) {
	h := core.SHA3Hasher{}
	chip := NewHashChip(h)

	var chunk [core.Chunk]field.Element
	for i := range chunk {
		chunk[i] = field.New(uint64(i))
	}
	leaf := chip.Hash(chunk)
	chip.Hash(chunk)
	parent := chip.Compress(leaf, leaf)
	require.True(t, parent.Equal(h.Compress(leaf, leaf)))
	require.Equal(t, 2, chip.Len())

	trace := chip.GenerateTrace()
	require.Equal(t, 2, trace.Height())
	require.Equal(t, uint64(2), trace.Row(0)[HashAirWidth-1].Value())

	air := NewHashAir(h)
	require.NoError(t, air.Eval(trace, nil))

	bad := trace.Clone()
	bad.Row(1)[HashAirWidth-2] = bad.Row(1)[HashAirWidth-2].Add(field.One)
	require.Error(t, air.Eval(bad, nil))

	fields := LeafHashFields(chunk[:], leaf)
	in := air.Interactions(trace.Row(0))
	require.Len(t, in, 1)
	require.True(t, EqualSlices(fields, in[0].Fields))

	chip.Reset()
	require.Equal(t, 0, chip.Len())
}

func TestRangeDecomposition(t *testing.T) {
	rc := NewRangeCheckerChip(8)
	limbs, err := rc.Decompose(0x01_02_03, 3)
	require.NoError(t, err)
	require.Equal(t, []uint32{3, 2, 1}, limbs)

	_, err = rc.Decompose(1<<24, 3)
	require.Error(t, err)
	require.Error(t, rc.Add(256))

	elems := []field.Element{field.New(3), field.New(2), field.New(1)}
	require.Equal(t, uint64(0x010203), RecomposeLimbs(elems, 8).Value())

	trace := rc.GenerateTrace()
	require.Equal(t, uint64(1), trace.Values[2].Value())
	rc.Reset()
	require.True(t, rc.GenerateTrace().Values[2].IsZero())
}

func TestProofStreamSampling(t *testing.T) {
	a, b := NewProofStream(), NewProofStream()
	a.AbsorbElements(field.New(1), field.New(2))
	b.AbsorbElements(field.New(1), field.New(2))

	ca, err := a.SampleChallenges(3)
	require.NoError(t, err)
	cb, err := b.SampleChallenges(3)
	require.NoError(t, err)
	require.True(t, EqualSlices(ca, cb))
	require.Equal(t, 2, a.TranscriptLength())

	c := NewProofStream()
	c.AbsorbElements(field.New(1), field.New(3))
	cc, err := c.SampleChallenges(3)
	require.NoError(t, err)
	require.False(t, EqualSlices(ca, cc))

	_, err = a.SampleIndices(100, 1)
	require.Error(t, err)
	_, err = a.SampleIndices(1<<32, 1)
	require.Error(t, err)
}

func TestJoinedTrace(t *testing.T) {
	a := column(1, 2)
	b := &Trace{Width: 2, Values: []field.Element{field.New(3), field.New(4), field.New(5), field.New(6)}}
	j, err := JoinedTrace(a, nil, b)
	require.NoError(t, err)
	require.Equal(t, 3, j.Width)
	require.Equal(t, uint64(5), j.Row(1)[1].Value())

	_, err = JoinedTrace(a, column(1))
	require.Error(t, err)
}

func TestCodecLargeCollections(t *testing.T) {
	const n = 150_000

	values := make([]uint64, n)
	for i := range values {
		values[i] = uint64(i)
	}
	data, err := MarshalCompressed(wireTrace{Width: 1, Values: values})
	require.NoError(t, err)
	var w wireTrace
	require.NoError(t, UnmarshalCompressed(data, &w))
	assert.Equal(t, values, w.Values)

	backend := testBackend(t)
	pk, err := backend.Keygen([]Air{limbAir{}, NewRangeCheckerAir(8)})
	require.NoError(t, err)
	limbs := make([]uint64, n)
	for i := range limbs {
		limbs[i] = uint64(i % 256)
	}
	proof, err := backend.Prove(pk, limbInputs(t, limbs...))
	require.NoError(t, err)

	encoded, err := EncodeProof(proof)
	require.NoError(t, err)
	decoded, err := DecodeProof(encoded)
	require.NoError(t, err)
	require.NoError(t, backend.Verify(pk.VK, decoded))
}
