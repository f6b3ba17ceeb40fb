package tx

import (
	"bytes"
	"testing"
)

// FuzzDecodeWire checks that arbitrary input never panics the decoder and
// that anything it accepts re-encodes to the same bytes.
func FuzzDecodeWire(f *testing.F) {
	seed := NewBuilder().
		AddInput(testOutpoint(1, 0)).
		AddOutput(100, testScript(0xaa)).
		Build()
	f.Add(seed.WireBytes())
	f.Add([]byte{})
	f.Add([]byte{0x01, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		decoded, err := DecodeWire(data)
		if err != nil {
			return
		}
		if !bytes.Equal(decoded.WireBytes(), data) {
			t.Errorf("accepted input does not round-trip")
		}
	})
}
