// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.json")

	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":2}`), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}

	data, err := ReadFileSafely(path)
	if err != nil {
		t.Fatalf("ReadFileSafely() error = %v", err)
	}
	if string(data) != `{"a":2}` {
		t.Errorf("content = %s, want overwritten value", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("perm = %o, want 600", perm)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, temp file left behind", len(entries))
	}
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "device.json")
	if err := WriteFileAtomic(path, []byte("x"), 0600); err == nil {
		t.Error("WriteFileAtomic() should fail when the directory does not exist")
	}
}

func TestReadFileSafely_Missing(t *testing.T) {
	if _, err := ReadFileSafely(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("ReadFileSafely() should fail for a missing file")
	}
}
