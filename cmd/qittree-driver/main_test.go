package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/nearsort/qittree/config"
	"github.com/nearsort/qittree/tree"
)

func TestReadTextKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	if err := os.WriteFile(path, []byte("10\n20\n\n30\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	keys, err := readKeys(path, "text")
	if err != nil {
		t.Fatalf("readKeys() error = %v", err)
	}
	want := []uint64{10, 20, 30}
	if len(keys) != len(want) {
		t.Fatalf("readKeys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %d, want %d", i, keys[i], want[i])
		}
	}
}

func TestReadTextKeys_InvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	if err := os.WriteFile(path, []byte("10\nnotanumber\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := readKeys(path, "text"); err == nil {
		t.Fatal("readKeys() with a malformed line: error = nil, want non-nil")
	}
}

func TestReadBinaryKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.bin")
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 1)
	binary.LittleEndian.PutUint32(buf[4:8], 2)
	binary.LittleEndian.PutUint32(buf[8:12], 3)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	keys, err := readKeys(path, "binary")
	if err != nil {
		t.Fatalf("readKeys() error = %v", err)
	}
	want := []uint64{1, 2, 3}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %d, want %d", i, keys[i], want[i])
		}
	}
}

func TestReadKeys_UnrecognizedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	os.WriteFile(path, []byte("1\n"), 0o644)

	if _, err := readKeys(path, "xml"); err == nil {
		t.Fatal("readKeys() with an unrecognized format: error = nil, want non-nil")
	}
}

func TestSortedPolicy(t *testing.T) {
	withDetector := config.Default()
	withDetector.EnableLazyMove = true
	withDetector.OutlierDetectorTypeRaw = "DIST"
	if got := sortedPolicy(withDetector); got != tree.PolicyTail {
		t.Errorf("sortedPolicy() = %v, want PolicyTail when lazy-move and a detector are both configured", got)
	}

	noDetector := config.Default()
	noDetector.EnableLazyMove = true
	if got := sortedPolicy(noDetector); got != tree.PolicyNone {
		t.Errorf("sortedPolicy() = %v, want PolicyNone without a detector", got)
	}
}
