package segstore

import (
	"encoding/binary"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func openTestResourceHash(t *testing.T) *ResourceHash {
	t.Helper()
	dir := t.TempDir()
	rh, err := OpenResourceHash(filepath.Join(dir, "res.rhash"))
	if err != nil {
		t.Fatalf("OpenResourceHash: %v", err)
	}
	return rh
}

func TestResourceHashInlineUTF8RoundTrip(t *testing.T) {
	rh := openTestResourceHash(t)
	defer rh.Close()

	rid := MakeRid(KindLiteral, 1)
	if err := rh.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	if err := rh.PutR(rid, 99, "short"); err != nil {
		t.Fatalf("PutR: %v", err)
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer rh.Lock(LockUN)

	got, err := rh.GetR(rid)
	if err != nil {
		t.Fatalf("GetR: %v", err)
	}
	if !got.Found || got.Lex != "short" || got.Attr != 99 {
		t.Fatalf("GetR = %+v, want lex=short attr=99 found=true", got)
	}
}

// dispOf scans the mapped entry table for rid and returns the on-disk
// disposition byte, or 0 if rid is absent.
func dispOf(rh *ResourceHash, rid uint64) byte {
	total := rh.totalEntries()
	for idx := uint32(0); idx < total; idx++ {
		buf := rh.entryBytes(idx)
		if buf[entryDispOff] == 0 {
			continue
		}
		if binary.NativeEndian.Uint64(buf[entryRidOff:entryRidOff+8]) == rid {
			return buf[entryDispOff]
		}
	}
	return 0
}

// TestResourceHashDispositionMatrix is scenario S5/S6 widened to the inline
// UTF-8, numeric and date dispositions and the external raw and zlib ones
// (the prefix-coded ones need an installed prefix and are not covered here):
// each case round-trips through put then get, and the
// entry's on-disk disposition byte is the expected one.
func TestResourceHashDispositionMatrix(t *testing.T) {
	rh := openTestResourceHash(t)
	defer rh.Close()

	long := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 4)
	cases := []struct {
		name string
		rid  uint64
		attr uint64
		lex  string
		disp byte
	}{
		{"inline-utf8", MakeRid(KindLiteral, 1), 1, "abc", dispInlineUTF8},
		{"inline-numeric", MakeRid(KindLiteral, 2), 2, "3.14159265358979", dispInlineNumeric},
		{"inline-date", MakeRid(KindLiteral, 3), 3, "2024-01-02T03:04:05Z", dispInlineDate},
		{"external-utf8-short", MakeRid(KindLiteral, 4), 4, "this string is definitely longer than fifteen bytes", dispExternalUTF8},
		{"external-zlib", MakeRid(KindLiteral, 5), 5, long, dispExternalZlib},
		{"uri-no-prefix-match", MakeRid(KindURI, 6), 6, "http://example.org/resource/6", dispExternalUTF8},
	}

	if err := rh.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	for _, c := range cases {
		if err := rh.PutR(c.rid, c.attr, c.lex); err != nil {
			t.Fatalf("PutR(%s): %v", c.name, err)
		}
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer rh.Lock(LockUN)

	if rh.Count() != uint32(len(cases)) {
		t.Fatalf("Count() = %d, want %d", rh.Count(), len(cases))
	}

	for _, c := range cases {
		got, err := rh.GetR(c.rid)
		if err != nil {
			t.Fatalf("GetR(%s): %v", c.name, err)
		}
		if !got.Found {
			t.Fatalf("GetR(%s): not found", c.name)
		}
		if got.Lex != c.lex {
			t.Fatalf("GetR(%s) lex = %q, want %q", c.name, got.Lex, c.lex)
		}
		if got.Attr != c.attr {
			t.Fatalf("GetR(%s) attr = %d, want %d", c.name, got.Attr, c.attr)
		}
		if d := dispOf(rh, c.rid); d != c.disp {
			t.Fatalf("%s: on-disk disposition = %q, want %q", c.name, d, c.disp)
		}
	}
}

func TestResourceHashIdempotentPut(t *testing.T) {
	rh := openTestResourceHash(t)
	defer rh.Close()

	rid := MakeRid(KindLiteral, 42)
	if err := rh.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	if err := rh.PutR(rid, 1, "first"); err != nil {
		t.Fatalf("PutR: %v", err)
	}
	countAfterFirst := rh.Count()
	if err := rh.PutR(rid, 2, "second"); err != nil {
		t.Fatalf("PutR(again): %v", err)
	}
	if rh.Count() != countAfterFirst {
		t.Fatalf("Count changed on repeat put: %d -> %d", countAfterFirst, rh.Count())
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer rh.Lock(LockUN)
	got, err := rh.GetR(rid)
	if err != nil {
		t.Fatalf("GetR: %v", err)
	}
	if got.Lex != "first" || got.Attr != 1 {
		t.Fatalf("GetR = %+v, want unchanged first put", got)
	}
}

// TestResourceHashGrowthPreservesContents starts from a deliberately tiny
// table so the inserts overflow their probe windows and force repeated
// doubling, then verifies every entry still round-trips. The rids differ
// in the bits above the bucket mask, so each doubling actually separates
// the colliding keys.
func TestResourceHashGrowthPreservesContents(t *testing.T) {
	dir := t.TempDir()
	rh, err := OpenResourceHash(filepath.Join(dir, "grow.rhash"), WithResourceHashTableSize(16))
	if err != nil {
		t.Fatalf("OpenResourceHash: %v", err)
	}
	defer rh.Close()

	const n = 3000
	if err := rh.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	for i := 0; i < n; i++ {
		rid := MakeRid(KindLiteral, uint64(i)<<10)
		if err := rh.PutR(rid, uint64(i), "v"); err != nil {
			t.Fatalf("PutR(%d): %v", i, err)
		}
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer rh.Lock(LockUN)

	if rh.Size() <= 16 {
		t.Fatalf("Size() = %d, want growth beyond the initial 16 buckets", rh.Size())
	}
	for i := 0; i < n; i++ {
		rid := MakeRid(KindLiteral, uint64(i)<<10)
		got, err := rh.GetR(rid)
		if err != nil {
			t.Fatalf("GetR(%d): %v", i, err)
		}
		if !got.Found || got.Attr != uint64(i) {
			t.Fatalf("GetR(%d) = %+v, want attr=%d found=true", i, got, i)
		}
	}
	if rh.Count() != n {
		t.Fatalf("Count() = %d, want %d", rh.Count(), n)
	}
}

// TestResourceHashPrefixDictionaryInstallation drives the discovery trie to
// saturation with many shared-prefix URIs and checks that a prefix gets
// installed and that every URI, stored before or after the installation,
// still round-trips.
func TestResourceHashPrefixDictionaryInstallation(t *testing.T) {
	rh := openTestResourceHash(t)
	defer rh.Close()

	if err := rh.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}

	base := "http://example.org/very/long/shared/path/segment/that/repeats/a/lot/"
	var rids []uint64
	const n = 5000
	for i := 0; i < n; i++ {
		rid := MakeRid(KindURI, uint64(i+1)<<10)
		lex := base + strconv.Itoa(i)
		if err := rh.PutR(rid, 0, lex); err != nil {
			t.Fatalf("PutR(%d): %v", i, err)
		}
		rids = append(rids, rid)
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer rh.Lock(LockUN)

	if len(rh.prefixByCode) == 0 {
		t.Fatalf("expected at least one installed prefix after %d shared-prefix URIs", len(rids))
	}

	for i, rid := range rids {
		got, err := rh.GetR(rid)
		if err != nil {
			t.Fatalf("GetR(%d): %v", i, err)
		}
		want := base + strconv.Itoa(i)
		if !got.Found || got.Lex != want {
			t.Fatalf("GetR(%d) = %+v, want lex=%q", i, got, want)
		}
	}
}

func TestResourceHashLockDiscipline(t *testing.T) {
	rh := openTestResourceHash(t)
	defer rh.Close()

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	if err := rh.Lock(LockSH); err == nil || !IsUsage(err) {
		t.Fatalf("double-lock should be a usage error, got %v", err)
	}
	if err := rh.Lock(LockEX); err == nil || !IsUsage(err) {
		t.Fatalf("lock-upgrade should be a usage error, got %v", err)
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}
}

func TestResourceHashMultiBatch(t *testing.T) {
	rh := openTestResourceHash(t)
	defer rh.Close()

	resources := []Resource{
		{Rid: MakeRid(KindLiteral, 1), Attr: 10, Lex: "one"},
		{Rid: MakeRid(KindLiteral, 2), Attr: 20, Lex: "two"},
		{Rid: MakeRid(KindLiteral, 3), Attr: 30, Lex: "three"},
		{Rid: MakeRid(KindLiteral, 2), Attr: 999, Lex: "duplicate-should-be-dropped"},
	}

	if err := rh.Lock(LockEX); err != nil {
		t.Fatalf("Lock(EX): %v", err)
	}
	if err := rh.PutMultiR(resources); err != nil {
		t.Fatalf("PutMultiR: %v", err)
	}
	if err := rh.Lock(LockUN); err != nil {
		t.Fatalf("Lock(UN): %v", err)
	}

	if err := rh.Lock(LockSH); err != nil {
		t.Fatalf("Lock(SH): %v", err)
	}
	defer rh.Lock(LockUN)

	got, err := rh.GetMultiR([]uint64{
		MakeRid(KindLiteral, 3),
		MakeRid(KindLiteral, 1),
		MakeRid(KindLiteral, 2),
	})
	if err != nil {
		t.Fatalf("GetMultiR: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetMultiR returned %d results, want 3", len(got))
	}
	if got[0].Lex != "three" || got[1].Lex != "one" || got[2].Lex != "two" {
		t.Fatalf("GetMultiR = %+v, want [three one two] preserving input order", got)
	}
	if got[2].Attr != 20 {
		t.Fatalf("duplicate rid in PutMultiR overwrote original: Attr = %d, want 20", got[2].Attr)
	}
}
