package container

import (
	"bytes"
	"testing"
)

type memWriterAt struct{ buf []byte }

func (m *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func TestWriteThenPeekRoundTrip(t *testing.T) {
	w := &memWriterAt{}
	if err := WriteHeader(w, 2, 1234); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	h, ok, err := Peek(bytes.NewReader(w.buf))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ok {
		t.Fatalf("Peek: expected ok=true")
	}
	if h.Codec != 2 || h.Size != 1234 {
		t.Fatalf("got %+v", h)
	}
}

func TestPeekRawFile(t *testing.T) {
	h, ok, err := Peek(bytes.NewReader([]byte("hello, world")))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if ok {
		t.Fatalf("Peek: expected ok=false for raw content, got %+v", h)
	}
}

func TestPeekShortFile(t *testing.T) {
	_, ok, err := Peek(bytes.NewReader([]byte{0x1F, 0x5D}))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if ok {
		t.Fatalf("Peek: expected ok=false for truncated file")
	}
}

func TestReadHeaderBroken(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("not a container header!")))
	if err != ErrBrokenHeader {
		t.Fatalf("ReadHeader: got %v, want ErrBrokenHeader", err)
	}
}

func TestWriteHeaderRewriteInPlace(t *testing.T) {
	w := &memWriterAt{}
	if err := WriteHeader(w, 1, UnknownSize); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := WriteHeader(w, 1, 99); err != nil {
		t.Fatalf("WriteHeader (rewrite): %v", err)
	}
	h, ok, err := Peek(bytes.NewReader(w.buf))
	if err != nil || !ok {
		t.Fatalf("Peek after rewrite: ok=%v err=%v", ok, err)
	}
	if h.Size != 99 {
		t.Fatalf("got size %d, want 99", h.Size)
	}
}
