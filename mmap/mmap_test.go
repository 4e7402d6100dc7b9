package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "map.dat"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestReadBack(t *testing.T) {
	f := tempFile(t, 0)
	payload := []byte("entry table bytes under test")
	if _, err := f.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}

	m, err := New(int(f.Fd()), 0, len(payload), false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if !bytes.Equal(m.Data(), payload) {
		t.Fatalf("Data = %q, want %q", m.Data(), payload)
	}
	if m.Size() != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", m.Size(), len(payload))
	}
}

func TestWriteThroughAndSync(t *testing.T) {
	f := tempFile(t, 4096)

	m, err := New(int(f.Fd()), 0, 4096, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	copy(m.Data(), []byte("written through the window"))
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	disk := make([]byte, 26)
	if _, err := f.ReadAt(disk, 0); err != nil {
		t.Fatal(err)
	}
	if string(disk) != "written through the window" {
		t.Fatalf("on-disk bytes = %q", disk)
	}
}

func TestRemapPreservesLowerHalf(t *testing.T) {
	f := tempFile(t, 4096)

	m, err := New(int(f.Fd()), 0, 4096, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	copy(m.Data(), []byte("survives the grow"))

	// Grow the file first, the way a doubling hash table does, then remap.
	if err := GrowFile(f, 8192); err != nil {
		t.Fatalf("GrowFile: %v", err)
	}
	if err := m.Remap(8192); err != nil {
		t.Fatalf("Remap: %v", err)
	}

	if m.Size() != 8192 {
		t.Fatalf("Size after remap = %d, want 8192", m.Size())
	}
	if !bytes.HasPrefix(m.Data(), []byte("survives the grow")) {
		t.Fatal("lower-half bytes lost across remap")
	}

	copy(m.Data()[4096:], []byte("upper half"))
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync after remap: %v", err)
	}
}

func TestGrowFile(t *testing.T) {
	f := tempFile(t, 0)

	if err := GrowFile(f, 1024); err != nil {
		t.Fatalf("GrowFile: %v", err)
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 1024 {
		t.Fatalf("size after grow = %d, want 1024", fi.Size())
	}

	// Shrinking is never requested; a smaller target is a no-op.
	if err := GrowFile(f, 512); err != nil {
		t.Fatalf("GrowFile(no-op): %v", err)
	}
	fi, _ = f.Stat()
	if fi.Size() != 1024 {
		t.Fatalf("no-op grow changed size to %d", fi.Size())
	}

	if err := GrowFile(f, 0); err != ErrInvalidSize {
		t.Fatalf("GrowFile(0) = %v, want ErrInvalidSize", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := tempFile(t, 4096)

	m, err := New(int(f.Fd()), 0, 4096, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Data() != nil {
		t.Fatal("Data should be nil after Close")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := m.Sync(); err != ErrNotMapped {
		t.Fatalf("Sync after Close = %v, want ErrNotMapped", err)
	}
}

func TestInvalidSize(t *testing.T) {
	f := tempFile(t, 4096)

	for _, n := range []int{0, -1} {
		if _, err := New(int(f.Fd()), 0, n, false); err != ErrInvalidSize {
			t.Fatalf("New(length=%d) = %v, want ErrInvalidSize", n, err)
		}
	}
}

func TestAdviseHints(t *testing.T) {
	f := tempFile(t, 4096)

	m, err := New(int(f.Fd()), 0, 4096, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.AdviseSequential(); err != nil {
		t.Fatalf("AdviseSequential: %v", err)
	}
	if err := m.AdviseRandom(); err != nil {
		t.Fatalf("AdviseRandom: %v", err)
	}
}
