package gzipcodec

import (
	"bytes"
	"context"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	var c gzipCodec
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	var compressed bytes.Buffer
	if err := c.Compress(context.Background(), bytes.NewReader(original), &compressed); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if compressed.Len() >= len(original) {
		t.Fatalf("compressed size %d should be smaller than original %d", compressed.Len(), len(original))
	}

	var out bytes.Buffer
	if err := c.Decompress(context.Background(), bytes.NewReader(compressed.Bytes()), &out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), original) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", out.Len(), len(original))
	}
}

func TestCanEncode(t *testing.T) {
	var c gzipCodec
	if !c.CanEncode() {
		t.Fatalf("gzip codec should report CanEncode() == true")
	}
}
