package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hexxellor/fusecompress/codec"
	_ "github.com/hexxellor/fusecompress/codec/gzipcodec"
	"github.com/hexxellor/fusecompress/container"
)

func writeCompressed(t *testing.T, path string, payload []byte) {
	t.Helper()
	cd, err := codec.Default().ByID(codec.Gzip)
	if err != nil {
		t.Fatalf("ByID(Gzip): %v", err)
	}
	var body bytes.Buffer
	w, err := cd.OpenWriter(&body, 0)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	hdr, err := container.Encode(byte(codec.Gzip), int64(len(payload)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, append(hdr, body.Bytes()...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestCheckFileAcceptsValidCompressedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "good")
	writeCompressed(t, path, []byte("hello world, checked offline"))

	c := &checker{registry: codec.Default()}
	c.checkFile(path)

	if c.errorsFound != 0 {
		t.Fatalf("errorsFound = %d, want 0", c.errorsFound)
	}
}

func TestCheckFileSkipsUncompressedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw")
	if err := os.WriteFile(path, []byte("plain bytes, no header"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &checker{registry: codec.Default()}
	c.checkFile(path)

	if c.errorsFound != 0 {
		t.Fatalf("errorsFound = %d, want 0", c.errorsFound)
	}
}

func writeUnknownCodec(t *testing.T, path string) {
	t.Helper()
	hdr, err := container.Encode(0x7F, 4)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, append(hdr, []byte("body")...), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckFileFlagsUnknownCodec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken")
	writeUnknownCodec(t, path)

	c := &checker{registry: codec.Default()}
	c.checkFile(path)

	if c.errorsFound == 0 {
		t.Fatalf("expected an unknown-codec error to be flagged")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should survive when -d was not passed: %v", err)
	}
}

func TestCheckFileRemovesBrokenFileWhenFixEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken")
	writeUnknownCodec(t, path)

	old := *fix
	*fix = true
	defer func() { *fix = old }()

	c := &checker{registry: codec.Default()}
	c.checkFile(path)

	if c.errorsFound != 1 || c.errorsFixed != 1 {
		t.Fatalf("errorsFound=%d errorsFixed=%d, want 1,1", c.errorsFound, c.errorsFixed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected broken file to be removed, stat err = %v", err)
	}
}

func TestCheckFileFlagsStaleRenameioTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".renameio-12345")
	if err := os.WriteFile(path, []byte("leftover"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &checker{registry: codec.Default()}
	c.checkFile(path)

	if c.errorsFound != 1 {
		t.Fatalf("errorsFound = %d, want 1", c.errorsFound)
	}
}
