package segstore

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"
)

// row32 builds a 32-byte record whose first 8 bytes are the big-endian
// value v, replicated so the remaining 24 bytes are the same 8-byte group
// repeated three more times (matching S1/S2's "value i+23 replicated 8x"
// shape generalized to a 32-byte record: four 8-byte repeats).
func row32(v uint64) []byte {
	buf := make([]byte, 32)
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func cmpRow32(a, b []byte) int { return bytes.Compare(a, b) }

func TestListAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenList(filepath.Join(dir, "s1.list"), 32)
	if err != nil {
		t.Fatalf("OpenList: %v", err)
	}
	defer l.Close()

	if err := l.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	for i := 0; i < 100; i++ {
		pos, err := l.AddR(row32(uint64(i + 23)))
		if err != nil {
			t.Fatalf("AddR(%d): %v", i, err)
		}
		if pos != int64(i) {
			t.Fatalf("AddR(%d) returned pos %d, want %d", i, pos, i)
		}
	}
	if err := l.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := l.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer l.Lock(LockUN)

	if got := l.LengthR(); got != 100 {
		t.Fatalf("LengthR = %d, want 100", got)
	}

	if err := l.RewindR(); err != nil {
		t.Fatalf("RewindR: %v", err)
	}
	out := make([]byte, 32)
	for i := 0; i < 100; i++ {
		ok, err := l.NextValueR(out)
		if err != nil {
			t.Fatalf("NextValueR(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("NextValueR(%d): unexpected EOF", i)
		}
		if !bytes.Equal(out, row32(uint64(i+23))) {
			t.Fatalf("row %d mismatch: got %x", i, out)
		}
	}
	ok, err := l.NextValueR(out)
	if err != nil || ok {
		t.Fatalf("expected EOF after 100 rows, got ok=%v err=%v", ok, err)
	}

	for i := 0; i < 100; i++ {
		if err := l.GetR(int64(i), out); err != nil {
			t.Fatalf("GetR(%d): %v", i, err)
		}
		if !bytes.Equal(out, row32(uint64(i+23))) {
			t.Fatalf("GetR(%d) mismatch: got %x", i, out)
		}
	}

	if err := l.GetR(100, out); err == nil {
		t.Fatal("GetR(100) on a 100-row list should be out of range")
	}
}

func TestListSortUniqSmall(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenList(filepath.Join(dir, "s2.list"), 32)
	if err != nil {
		t.Fatalf("OpenList: %v", err)
	}
	defer l.Close()

	if err := l.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	for i := 0; i < 100; i++ {
		if _, err := l.AddR(row32(uint64(i + 23))); err != nil {
			t.Fatalf("AddR(%d): %v", i, err)
		}
	}
	if err := l.SortChunkedR(cmpRow32); err != nil {
		t.Fatalf("SortChunkedR: %v", err)
	}

	out := make([]byte, 32)
	var seen [][]byte
	for {
		ok, err := l.NextSortUniqedR(cmpRow32, out)
		if err != nil {
			t.Fatalf("NextSortUniqedR: %v", err)
		}
		if !ok {
			break
		}
		cp := append([]byte(nil), out...)
		seen = append(seen, cp)
	}
	if len(seen) != 100 {
		t.Fatalf("emitted %d rows, want 100", len(seen))
	}
	for i, row := range seen {
		if !bytes.Equal(row, row32(uint64(i+23))) {
			t.Fatalf("row %d out of order: got %x", i, row)
		}
	}
	if err := l.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}
}

func TestListSortUniqWithDuplicatesAndChunking(t *testing.T) {
	dir := t.TempDir()
	// Small chunk size forces multiple chunks to exercise the k-way merge.
	l, err := OpenListChunk(filepath.Join(dir, "dup.list"), 32, 32*8)
	if err != nil {
		t.Fatalf("OpenListChunk: %v", err)
	}
	defer l.Close()

	rng := rand.New(rand.NewSource(1))
	input := make(map[uint64]bool)
	const n = 400
	if err := l.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	for i := 0; i < n; i++ {
		v := uint64(rng.Intn(50))
		input[v] = true
		if _, err := l.AddR(row32(v)); err != nil {
			t.Fatalf("AddR: %v", err)
		}
	}
	if err := l.SortChunkedR(cmpRow32); err != nil {
		t.Fatalf("SortChunkedR: %v", err)
	}

	out := make([]byte, 32)
	var prev []byte
	count := 0
	for {
		ok, err := l.NextSortUniqedR(cmpRow32, out)
		if err != nil {
			t.Fatalf("NextSortUniqedR: %v", err)
		}
		if !ok {
			break
		}
		if prev != nil && cmpRow32(prev, out) >= 0 {
			t.Fatalf("merge not strictly increasing: prev=%x cur=%x", prev, out)
		}
		prev = append([]byte(nil), out...)
		v := binary.BigEndian.Uint64(out[:8])
		if !input[v] {
			t.Fatalf("emitted value %d never inserted", v)
		}
		count++
	}
	if count != len(input) {
		t.Fatalf("emitted %d distinct rows, want %d", count, len(input))
	}
	if err := l.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}
}

func TestListLockDiscipline(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenList(filepath.Join(dir, "lock.list"), 32)
	if err != nil {
		t.Fatalf("OpenList: %v", err)
	}
	defer l.Close()

	if err := l.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	if err := l.Lock(LockEX); err == nil {
		t.Fatal("double-lock EX should fail")
	}
	if !l.Test(LockEX) {
		t.Fatal("lock state should remain EX after rejected double-lock")
	}
	if err := l.Lock(LockSH); err == nil {
		t.Fatal("EX -> SH upgrade/downgrade through the API should fail")
	}
	if err := l.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := l.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	if err := l.Lock(LockEX); err == nil {
		t.Fatal("SH -> EX upgrade through the API should fail")
	}
	if err := l.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}
}

func TestListTruncate(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenList(filepath.Join(dir, "trunc.list"), 16)
	if err != nil {
		t.Fatalf("OpenList: %v", err)
	}
	defer l.Close()

	if err := l.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	if _, err := l.AddR(make([]byte, 16)); err != nil {
		t.Fatalf("AddR: %v", err)
	}
	if err := l.TruncateR(); err != nil {
		t.Fatalf("TruncateR: %v", err)
	}
	if got := l.LengthR(); got != 0 {
		t.Fatalf("LengthR after truncate = %d, want 0", got)
	}
	if err := l.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}
}
