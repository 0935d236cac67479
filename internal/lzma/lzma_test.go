package lzma

import (
	"bytes"
	"testing"
)

func TestDecodeProps(t *testing.T) {
	b := []byte{0x5D, 0x00, 0x00, 0x10, 0x00}
	p, ok := DecodeProps(b)
	if !ok {
		t.Fatal("expected ok")
	}
	if p.LC != 3 || p.LP != 0 || p.PB != 2 {
		t.Fatalf("got %+v", p)
	}
	if p.DictSize != 0x00100000 {
		t.Fatalf("dict size = %x", p.DictSize)
	}
}

func TestDecodePropsTruncated(t *testing.T) {
	if _, ok := DecodeProps([]byte{0x5D, 0x00}); ok {
		t.Fatal("expected not ok on truncated props")
	}
}

func TestDecodePropsRejectsOutOfRangeByte(t *testing.T) {
	if _, ok := DecodeProps([]byte{0xFF, 0, 0, 0, 0}); ok {
		t.Fatal("expected not ok for a properties byte beyond 9*5*5")
	}
}

func TestDecodeTruncatedNeverPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Decode panicked: %v", r)
		}
	}()
	out := Decode([]byte{0x5D, 0x00, 0x00, 0x10, 0x00, 0x00, 0x01, 0x02}, 1024)
	if len(out) > 1024 {
		t.Fatalf("produced more than requested: %d", len(out))
	}
}

func TestDecodeEmptySrc(t *testing.T) {
	if out := Decode(nil, 16); out != nil {
		t.Fatalf("expected nil output for empty input, got %v", out)
	}
}

func TestDecodeLZMA2EmptyStream(t *testing.T) {
	out := DecodeLZMA2([]byte{0x00}, 4096)
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d bytes", len(out))
	}
}

func TestDecodeLZMA2Uncompressed(t *testing.T) {
	payload := []byte("hello, firmware image")
	var stream []byte
	stream = append(stream, 0x01) // uncompressed, dict reset
	stream = append(stream, byte((len(payload)-1)>>8), byte((len(payload)-1)&0xFF))
	stream = append(stream, payload...)
	stream = append(stream, 0x00)

	got := DecodeLZMA2(stream, 4096)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestDecodeLZMA2TwoUncompressedChunks(t *testing.T) {
	a := []byte("first chunk ")
	b := []byte("second chunk")
	var stream []byte
	stream = append(stream, 0x01, byte((len(a)-1)>>8), byte((len(a)-1)&0xFF))
	stream = append(stream, a...)
	stream = append(stream, 0x02, byte((len(b)-1)>>8), byte((len(b)-1)&0xFF))
	stream = append(stream, b...)
	stream = append(stream, 0x00)

	got := DecodeLZMA2(stream, 4096)
	want := append(append([]byte{}, a...), b...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDecodeLZMA2TruncatedNeverPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("DecodeLZMA2 panicked: %v", r)
		}
	}()
	stream := []byte{0x01, 0x00, 0x05, 'a', 'b'} // declares 6 bytes, has 2
	out := DecodeLZMA2(stream, 4096)
	if len(out) > 2 {
		t.Fatalf("got more bytes than were actually present: %d", len(out))
	}
}

func TestDecodeLZMA2UnknownControlByteStops(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("DecodeLZMA2 panicked: %v", r)
		}
	}()
	// 0x03 is not a valid uncompressed-chunk control byte.
	out := DecodeLZMA2([]byte{0x03, 0x00, 0x00}, 4096)
	if len(out) != 0 {
		t.Fatalf("expected no output for invalid control byte, got %d bytes", len(out))
	}
}

func TestRangeDecoderNeverPanicsOnShortInput(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("range decoder panicked: %v", r)
		}
	}()
	rd := newRangeDecoder([]byte{0x00, 0x01})
	probs := make([]prob, 8)
	for i := range probs {
		probs[i] = newProb()
	}
	for i := 0; i < 100; i++ {
		_ = rd.decodeBit(&probs[i%len(probs)])
	}
	if rd.ok {
		t.Fatal("expected ok to be false after exhausting a short input")
	}
}

func TestBitTreeDecodeNeverPanics(t *testing.T) {
	rd := newRangeDecoder(bytes.Repeat([]byte{0xFF}, 8))
	probs := make([]prob, 1<<6)
	for i := range probs {
		probs[i] = newProb()
	}
	v := bitTreeDecode(rd, probs, 6)
	if v < 0 || v >= 1<<6 {
		t.Fatalf("decoded value out of range: %d", v)
	}
}
