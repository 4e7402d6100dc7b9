package segstore

import (
	"context"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/jxrdf/segstore/mmap"
)

const (
	resourceHashMagic int32 = 0x4a585230 // "JXR0"
	resourceHeaderSize      = 512
	resourceEntrySize       = 32

	resourceDefaultBucketCount = 65536
	resourceDefaultSearchDist  = 32
	resourceDefaultBucketSize  = 16

	maxPrefixCodes   = 256
	prefixTrieBudget = defaultTrieCapacity

	// prefixRecordSize is the sibling prefix List's fixed record width:
	// a 4-byte code followed by a 508-byte NUL-terminated prefix.
	prefixRecordSize = 512
	prefixMaxLen     = prefixRecordSize - 4 - 1
)

func init() {
	if resourceEntrySize != 8+8+15+1 {
		panic("segstore: resourcehash entry size assumption violated")
	}
}

// Entry byte offsets within a 32-byte packed ResourceHash slot.
const (
	entryRidOff  = 0
	entryAvalOff = 8
	entryValOff  = 16
	entryDispOff = 31
)

const (
	dispInlineUTF8     byte = 'i'
	dispInlineNumeric  byte = 'N'
	dispInlineDate     byte = 'D'
	dispInlinePrefix   byte = 'p'
	dispExternalUTF8   byte = 'f'
	dispExternalPrefix byte = 'P'
	dispExternalZlib   byte = 'Z'
)

// ResourceHash is a persistent open-addressed map from a 64-bit resource id
// to a (attr, lex) pair, with aggressive inline packing, an append-only lex
// spill file for long or unrecognized strings, and a prefix dictionary for
// URI compression. It is bucketed: entries are grouped bucketSize at a
// time, though probing runs flat across bucket boundaries.
type ResourceHash struct {
	lf      *LockableFile
	mapping *mmap.Map

	size       uint32 // bucket count, power of two
	count      uint32
	searchDist uint32
	bucketSize uint32
	revision   uint32

	lex      *lexFile
	prefixes *List

	prefixByCode []string
	prefixCode   map[string]uint8
	trie         *PrefixTrie

	log  *zap.Logger
	path string
}

// ResourceHashOption configures a ResourceHash at open time.
type ResourceHashOption func(*ResourceHash)

// WithResourceHashLogger attaches a structured logger.
func WithResourceHashLogger(log *zap.Logger) ResourceHashOption {
	return func(rh *ResourceHash) {
		if log != nil {
			rh.log = log
		}
	}
}

// WithResourceHashTrieBudget overrides the discovery trie's node budget.
func WithResourceHashTrieBudget(n int) ResourceHashOption {
	return func(rh *ResourceHash) {
		rh.trie = NewPrefixTrie(n)
	}
}

// WithResourceHashTableSize overrides the initial bucket count (must be a
// power of two, at least 1) for freshly created files. Ignored if the file
// already exists.
func WithResourceHashTableSize(buckets uint32) ResourceHashOption {
	return func(rh *ResourceHash) {
		if buckets > 0 {
			rh.size = buckets
		}
	}
}

// OpenResourceHash opens or creates the three-file group (<path>, <path>.lex,
// <path>.prefixes) rooted at path.
func OpenResourceHash(path string, opts ...ResourceHashOption) (*ResourceHash, error) {
	rh := &ResourceHash{
		size:       resourceDefaultBucketCount,
		searchDist: resourceDefaultSearchDist,
		bucketSize: resourceDefaultBucketSize,
		revision:   1,
		log:        zap.NewNop(),
		trie:       NewPrefixTrie(prefixTrieBudget),
		prefixCode: make(map[string]uint8),
		path:       path,
	}
	for _, o := range opts {
		o(rh)
	}

	lex, err := openLexFile(path + ".lex")
	if err != nil {
		return nil, err
	}
	rh.lex = lex

	prefixes, err := OpenList(path+".prefixes", prefixRecordSize, WithListLogger(rh.log))
	if err != nil {
		lex.close()
		return nil, err
	}
	rh.prefixes = prefixes

	lf, err := newLockableFile(path, false, rh, rh.log)
	if err != nil {
		prefixes.Close()
		lex.close()
		return nil, err
	}
	rh.lf = lf

	if err := lf.Init(false); err != nil {
		prefixes.Close()
		lex.close()
		return nil, err
	}

	return rh, nil
}

func (rh *ResourceHash) totalEntries() uint32 { return rh.size * rh.bucketSize }

func (rh *ResourceHash) fileSize() int64 {
	return int64(resourceHeaderSize) + int64(rh.totalEntries())*resourceEntrySize
}

// readMetadata loads the 512-byte header and (re)establishes the mmap
// window over the whole file if the size changed.
func (rh *ResourceHash) readMetadata() error {
	hdr := make([]byte, resourceHeaderSize)
	if _, err := rh.lf.file.ReadAt(hdr, 0); err != nil {
		return err
	}
	magic := int32(binary.NativeEndian.Uint32(hdr[0:4]))
	if magic != resourceHashMagic {
		return formatErr("bad-magic", rh.lf.path, nil)
	}
	rh.size = binary.NativeEndian.Uint32(hdr[4:8])
	rh.count = binary.NativeEndian.Uint32(hdr[8:12])
	rh.searchDist = binary.NativeEndian.Uint32(hdr[12:16])
	rh.bucketSize = binary.NativeEndian.Uint32(hdr[16:20])
	rh.revision = binary.NativeEndian.Uint32(hdr[20:24])

	if err := rh.remap(); err != nil {
		return err
	}
	return rh.reloadPrefixDict()
}

// writeMetadata serializes the header and ensures the file is physically
// large enough for the current table size.
func (rh *ResourceHash) writeMetadata() error {
	wantSize := rh.fileSize()
	if err := mmap.GrowFile(rh.lf.file, wantSize); err != nil {
		return ioErr("grow", rh.lf.path, err)
	}

	hdr := make([]byte, resourceHeaderSize)
	binary.NativeEndian.PutUint32(hdr[0:4], uint32(resourceHashMagic))
	binary.NativeEndian.PutUint32(hdr[4:8], rh.size)
	binary.NativeEndian.PutUint32(hdr[8:12], rh.count)
	binary.NativeEndian.PutUint32(hdr[12:16], rh.searchDist)
	binary.NativeEndian.PutUint32(hdr[16:20], rh.bucketSize)
	binary.NativeEndian.PutUint32(hdr[20:24], rh.revision)
	if _, err := rh.lf.file.WriteAt(hdr, 0); err != nil {
		return err
	}

	if rh.lex != nil {
		if err := rh.lex.sync(); err != nil {
			return err
		}
	}
	return nil
}

// remap (re)establishes the mmap window over the whole file [0, fileSize).
// The header lives in data[0:512]; entry idx lives at
// data[512+idx*32 : 512+(idx+1)*32].
func (rh *ResourceHash) remap() error {
	want := rh.fileSize()
	if err := mmap.GrowFile(rh.lf.file, want); err != nil {
		return ioErr("grow", rh.lf.path, err)
	}

	if rh.mapping == nil {
		m, err := mmap.New(int(rh.lf.file.Fd()), 0, int(want), true)
		if err != nil {
			return ioErr("mmap", rh.lf.path, err)
		}
		// Probe sequences land at scattered bucket offsets.
		m.AdviseRandom()
		rh.mapping = m
		return nil
	}
	if rh.mapping.Size() == want {
		return nil
	}
	if err := rh.mapping.Remap(want); err != nil {
		return ioErr("mmap-remap", rh.lf.path, err)
	}
	return nil
}

func (rh *ResourceHash) entryBytes(idx uint32) []byte {
	off := int64(resourceHeaderSize) + int64(idx)*resourceEntrySize
	return rh.mapping.Data()[off : off+resourceEntrySize]
}

// Lock acquires or releases the advisory lock on the primary file and, in
// lockstep, the sibling prefix list: acquire order is primary then prefix;
// release order is prefix then primary, so a single call locks both.
func (rh *ResourceHash) Lock(op LockMode) error {
	if op == LockUN {
		if err := rh.prefixes.Lock(LockUN); err != nil {
			return err
		}
		return rh.lf.Lock(LockUN)
	}
	if err := rh.lf.Lock(op); err != nil {
		return err
	}
	if err := rh.prefixes.Lock(op); err != nil {
		rh.lf.Lock(LockUN)
		return err
	}
	// The prefix List revalidates its own row count as part of the lock it
	// just took, which happens after the primary file's readMetadata ran.
	// A length mismatch therefore means another process appended prefixes;
	// rebuild the dictionary now that both locks are held.
	if int64(len(rh.prefixByCode)) != rh.prefixes.LengthR() {
		if err := rh.reloadPrefixDict(); err != nil {
			rh.prefixes.Lock(LockUN)
			rh.lf.Lock(LockUN)
			return err
		}
	}
	return nil
}

// LockCtx is Lock with a cancellation check before blocking on either
// file's flock.
func (rh *ResourceHash) LockCtx(ctx context.Context, op LockMode) error {
	if err := ctx.Err(); err != nil {
		return ioErr("lock-canceled", rh.lf.path, err)
	}
	return rh.Lock(op)
}

// Test reports whether the current lock state matches op.
func (rh *ResourceHash) Test(op LockMode) bool { return rh.lf.Test(op) }

// Close releases the mapping and all three underlying file handles. The
// caller must not hold a lock.
func (rh *ResourceHash) Close() error {
	if rh.mapping != nil {
		if err := rh.mapping.Close(); err != nil {
			return ioErr("munmap", rh.lf.path, err)
		}
		rh.mapping = nil
	}
	if err := rh.prefixes.Close(); err != nil {
		return err
	}
	if err := rh.lex.close(); err != nil {
		return err
	}
	return rh.lf.Close()
}

// Unlink removes all three files on disk. The caller must not hold a lock.
func (rh *ResourceHash) Unlink() error {
	if err := rh.prefixes.Unlink(); err != nil {
		return err
	}
	if err := rh.lex.unlink(); err != nil {
		return err
	}
	return rh.lf.Unlink()
}

// Count returns the number of entries, read from the header under
// whichever lock the caller holds.
func (rh *ResourceHash) Count() uint32 { return rh.count }

// Size returns the current bucket count.
func (rh *ResourceHash) Size() uint32 { return rh.size }

func (rh *ResourceHash) home(rid uint64) uint32 {
	bucket := uint32((rid >> 10) & uint64(rh.size-1))
	return bucket * rh.bucketSize
}

// reloadPrefixDict rebuilds the in-memory prefix dictionary from the
// sibling prefix List. Invoked from readMetadata after a remap, and from
// Lock when the prefix file's row count moved underneath us, so the
// dictionary always reflects the prefix file's contents as of the most
// recent lock acquisition. Rebuilding discards the discovery trie: any
// prefix it was converging on may have just been registered by another
// writer.
func (rh *ResourceHash) reloadPrefixDict() error {
	n := rh.prefixes.LengthR()
	byCode := make([]string, n)
	byStr := make(map[string]uint8, n)
	rec := make([]byte, prefixRecordSize)
	for i := int64(0); i < n; i++ {
		if err := rh.prefixes.GetR(i, rec); err != nil {
			return err
		}
		code := binary.NativeEndian.Uint32(rec[0:4])
		end := 4
		for end < prefixRecordSize && rec[end] != 0 {
			end++
		}
		prefix := string(rec[4:end])
		if int(code) < len(byCode) {
			byCode[code] = prefix
		}
		byStr[prefix] = uint8(code)
	}
	rh.prefixByCode = byCode
	rh.prefixCode = byStr
	rh.trie.Reset()
	return nil
}

// matchPrefix returns the longest registered dictionary prefix of lex, if
// any.
func (rh *ResourceHash) matchPrefix(lex string) (code uint8, suffix string, ok bool) {
	bestLen := -1
	var bestCode uint8
	for p, c := range rh.prefixCode {
		if len(p) == 0 || len(p) > len(lex) {
			continue
		}
		if lex[:len(p)] == p && len(p) > bestLen {
			bestLen = len(p)
			bestCode = c
		}
	}
	if bestLen < 0 {
		return 0, "", false
	}
	return bestCode, lex[bestLen:], true
}

// installPrefixR appends a new prefix to the sibling List and the
// in-memory dictionary, assigning it the next available code. The caller
// must already hold EX on both the primary file and the prefix list (true
// whenever this runs from within a put under ResourceHash.Lock(EX)).
func (rh *ResourceHash) installPrefixR(prefix string) error {
	if len(rh.prefixByCode) >= maxPrefixCodes {
		return saturationErr("prefix-dictionary-full", rh.lf.path)
	}
	if len(prefix) > prefixMaxLen {
		// The 512-byte record must still fit the code and a NUL terminator.
		return saturationErr("prefix-too-long", rh.lf.path)
	}
	code := uint32(len(rh.prefixByCode))
	rec := make([]byte, prefixRecordSize)
	binary.NativeEndian.PutUint32(rec[0:4], code)
	copy(rec[4:], prefix)
	if _, err := rh.prefixes.AddR(rec); err != nil {
		return err
	}
	rh.prefixByCode = append(rh.prefixByCode, prefix)
	rh.prefixCode[prefix] = uint8(code)
	return nil
}
