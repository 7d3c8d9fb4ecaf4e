package dedup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDedupLinksIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	content := []byte("identical payload for both files")
	if err := os.WriteFile(a, content, 0o644); err != nil {
		t.Fatalf("WriteFile a: %v", err)
	}
	if err := os.WriteFile(b, content, 0o644); err != nil {
		t.Fatalf("WriteFile b: %v", err)
	}

	idx := NewIndex()
	if err := idx.Dedup(a); err != nil {
		t.Fatalf("Dedup(a): %v", err)
	}
	if err := idx.Dedup(b); err != nil {
		t.Fatalf("Dedup(b): %v", err)
	}

	sa, err := os.Stat(a)
	if err != nil {
		t.Fatalf("Stat a: %v", err)
	}
	sb, err := os.Stat(b)
	if err != nil {
		t.Fatalf("Stat b: %v", err)
	}
	if !os.SameFile(sa, sb) {
		t.Fatalf("a and b should be hardlinked after deduping identical content")
	}
}

func TestDedupLeavesDistinctContentAlone(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("content one"), 0o644); err != nil {
		t.Fatalf("WriteFile a: %v", err)
	}
	if err := os.WriteFile(b, []byte("content two, quite different"), 0o644); err != nil {
		t.Fatalf("WriteFile b: %v", err)
	}

	idx := NewIndex()
	if err := idx.Dedup(a); err != nil {
		t.Fatalf("Dedup(a): %v", err)
	}
	if err := idx.Dedup(b); err != nil {
		t.Fatalf("Dedup(b): %v", err)
	}

	sa, _ := os.Stat(a)
	sb, _ := os.Stat(b)
	if os.SameFile(sa, sb) {
		t.Fatalf("distinct content must not be hardlinked together")
	}
}

func TestUndedupRestoresPrivateCopy(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	content := []byte("shared content")
	if err := os.WriteFile(a, content, 0o644); err != nil {
		t.Fatalf("WriteFile a: %v", err)
	}
	if err := os.WriteFile(b, content, 0o644); err != nil {
		t.Fatalf("WriteFile b: %v", err)
	}

	idx := NewIndex()
	if err := idx.Dedup(a); err != nil {
		t.Fatalf("Dedup(a): %v", err)
	}
	if err := idx.Dedup(b); err != nil {
		t.Fatalf("Dedup(b): %v", err)
	}

	if err := idx.Undedup(b); err != nil {
		t.Fatalf("Undedup(b): %v", err)
	}

	sa, _ := os.Stat(a)
	sb, _ := os.Stat(b)
	if os.SameFile(sa, sb) {
		t.Fatalf("Undedup should have given b its own inode")
	}
	got, err := os.ReadFile(b)
	if err != nil {
		t.Fatalf("ReadFile b: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Undedup should preserve content: got %q, want %q", got, content)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "dedup.db")

	idx := NewIndex()
	idx.Insert([MD5Size]byte{1, 2, 3}, "/path/one")
	idx.Insert([MD5Size]byte{4, 5, 6}, "/path/two")

	if err := idx.Save(snapshot); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadAndDelete(snapshot)
	if err != nil {
		t.Fatalf("LoadAndDelete: %v", err)
	}
	if _, err := os.Stat(snapshot); !os.IsNotExist(err) {
		t.Fatalf("LoadAndDelete should remove the on-disk snapshot")
	}

	if path, ok := loaded.Lookup([MD5Size]byte{1, 2, 3}, ""); !ok || path != "/path/one" {
		t.Fatalf("Lookup after reload = (%q, %v), want (/path/one, true)", path, ok)
	}
	if path, ok := loaded.Lookup([MD5Size]byte{4, 5, 6}, ""); !ok || path != "/path/two" {
		t.Fatalf("Lookup after reload = (%q, %v), want (/path/two, true)", path, ok)
	}
}

func TestLoadAndDeleteRemovesCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "dedup.db")

	idx := NewIndex()
	idx.Insert([MD5Size]byte{1}, "/path/one")
	if err := idx.Save(snapshot); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Truncate mid-record so Load fails after the magic/version check.
	full, err := os.ReadFile(snapshot)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(snapshot, full[:len(full)-4], 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadAndDelete(snapshot); err == nil {
		t.Fatalf("LoadAndDelete should fail on a truncated snapshot")
	}
	if _, err := os.Stat(snapshot); !os.IsNotExist(err) {
		t.Fatalf("LoadAndDelete should delete a corrupt snapshot, stat err = %v", err)
	}
}

func TestLoadAndDeleteMissingFileReportsNotExist(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadAndDelete(filepath.Join(dir, "nope.db")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadAndDelete on a missing file = %v, want IsNotExist", err)
	}
}

func TestDiscardAndRename(t *testing.T) {
	idx := NewIndex()
	idx.Insert([MD5Size]byte{9}, "/a")

	idx.Rename("/a", "/b")
	if _, ok := idx.Lookup([MD5Size]byte{9}, ""); !ok {
		t.Fatalf("entry should still be found by MD5 after rename")
	}
	if path, ok := idx.Lookup([MD5Size]byte{9}, "/unused"); !ok || path != "/b" {
		t.Fatalf("Lookup after rename = (%q, %v), want (/b, true)", path, ok)
	}

	idx.Discard("/b")
	if _, ok := idx.Lookup([MD5Size]byte{9}, ""); ok {
		t.Fatalf("entry should be gone after Discard")
	}
}
