package core

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// bytesPerWord is the number of bytes packed into one field element. Seven
// bytes always fit below the Goldilocks modulus.
const bytesPerWord = 7

// PackBytes encodes data as field words: the byte length followed by
// little-endian 7-byte groups.
func PackBytes(data []byte) []field.Element {
	words := make([]field.Element, 0, 1+(len(data)+bytesPerWord-1)/bytesPerWord)
	words = append(words, field.New(uint64(len(data))))
	for start := 0; start < len(data); start += bytesPerWord {
		var v uint64
		end := min(start+bytesPerWord, len(data))
		for i := end - 1; i >= start; i-- {
			v = v<<8 | uint64(data[i])
		}
		words = append(words, field.New(v))
	}
	return words
}

// UnpackBytes reverses PackBytes.
func UnpackBytes(words []field.Element) ([]byte, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("packed bytes: missing length word")
	}
	n := words[0].Value()
	need := (n + bytesPerWord - 1) / bytesPerWord
	if uint64(len(words)-1) != need {
		return nil, fmt.Errorf("packed bytes: length %d needs %d words, got %d", n, need, len(words)-1)
	}
	out := make([]byte, 0, n)
	for _, w := range words[1:] {
		v := w.Value()
		if v>>(8*bytesPerWord) != 0 {
			return nil, fmt.Errorf("packed bytes: word %d out of range", v)
		}
		for i := 0; i < bytesPerWord && uint64(len(out)) < n; i++ {
			out = append(out, byte(v))
			v >>= 8
		}
	}
	return out, nil
}
