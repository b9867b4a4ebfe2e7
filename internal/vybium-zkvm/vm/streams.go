package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// Streams holds the nondeterministic inputs of a run: a queue of input
// vectors and the hint stream fed from it by phantom instructions. It is
// owned by the run and outlives segments.
type Streams struct {
	input [][]field.Element
	hint  []field.Element
}

// NewStreams copies inputs into a fresh input queue.
func NewStreams(inputs [][]field.Element) *Streams {
	s := &Streams{input: make([][]field.Element, len(inputs))}
	for i, vec := range inputs {
		s.input[i] = append([]field.Element(nil), vec...)
	}
	return s
}

// ReadVec pops the next input vector.
func (s *Streams) ReadVec() ([]field.Element, error) {
	if len(s.input) == 0 {
		return nil, fmt.Errorf("%w: input stream is empty", ErrHintOutOfBounds)
	}
	vec := s.input[0]
	s.input = s.input[1:]
	return vec, nil
}

// NextHint pops one hint word.
func (s *Streams) NextHint() (field.Element, error) {
	if len(s.hint) == 0 {
		return field.Zero, fmt.Errorf("%w: hint stream is empty", ErrHintOutOfBounds)
	}
	w := s.hint[0]
	s.hint = s.hint[1:]
	return w, nil
}

// SetHint replaces the hint stream.
func (s *Streams) SetHint(words []field.Element) {
	s.hint = append([]field.Element(nil), words...)
}

// PushHint appends words to the hint stream.
func (s *Streams) PushHint(words ...field.Element) {
	s.hint = append(s.hint, words...)
}

// DrainHint empties the hint stream and returns its words.
func (s *Streams) DrainHint() []field.Element {
	out := s.hint
	s.hint = nil
	return out
}

// HintLen returns the number of pending hint words.
func (s *Streams) HintLen() int {
	return len(s.hint)
}

// InputLen returns the number of pending input vectors.
func (s *Streams) InputLen() int {
	return len(s.input)
}
