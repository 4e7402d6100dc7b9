package segstore

import (
	"context"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/jxrdf/segstore/mmap"
)

// DefaultChunkSize is the default external-sort chunk size: 128 Ki pages of
// 4 KiB each, i.e. 512 MiB. Implementers embedding this package in
// memory-constrained environments may pass a smaller chunk size to
// OpenListChunk; it only needs to be a multiple of the record width.
const DefaultChunkSize = 128 * 1024 * 4096

// listBufferCap is the maximum number of unflushed rows held in RAM before
// they are written out in a single pwrite.
const listBufferCap = 256

// Compare orders two w-byte records, following the bytes.Compare contract:
// negative if a < b, zero if equal, positive if a > b. Implementations
// should place the bytes that define row equality first in the record, since
// NextSortUniqedR uses byte-exact equality on the whole record to drive
// its uniq step.
type Compare func(a, b []byte) int

type listSortState int

const (
	listUnsorted listSortState = iota
	listChunkSorted
	listSorted
)

// List is a fixed-width, append-only record file: buffered appends, random
// reads, and an external-memory chunked sort with k-way merge/uniq
// iteration, all built on LockableFile.
type List struct {
	lf *LockableFile

	w         int
	chunkSize int64

	offset int64 // on-disk row count
	buf    []byte

	readPos int64 // current stream position for NextValueR

	sortState listSortState

	merge *mergeState

	log *zap.Logger
}

type mergeState struct {
	view     *mmap.Map
	cursors  []mergeCursor
	last     []byte
	haveLast bool
	cmp      Compare
}

type mergeCursor struct {
	pos int64 // byte offset of the next unread record
	end int64 // byte offset one past the chunk's last record
}

// OpenList opens or creates a List of width w bytes at path.
func OpenList(path string, w int, opts ...ListOption) (*List, error) {
	return OpenListChunk(path, w, DefaultChunkSize, opts...)
}

// OpenListChunk is OpenList with an explicit chunk size, which must be a
// positive multiple of w.
func OpenListChunk(path string, w int, chunkSize int64, opts ...ListOption) (*List, error) {
	if w <= 0 {
		return nil, usageErr("invalid-record-width", path)
	}
	if chunkSize <= 0 || chunkSize%int64(w) != 0 {
		return nil, usageErr("chunk-size-not-multiple-of-width", path)
	}

	l := &List{
		w:         w,
		chunkSize: chunkSize,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}

	lf, err := newLockableFile(path, false, l, l.log)
	if err != nil {
		return nil, err
	}
	l.lf = lf
	if err := lf.Init(false); err != nil {
		return nil, err
	}
	return l, nil
}

// ListOption configures a List at open time.
type ListOption func(*List)

// WithListLogger attaches a structured logger used for the one warning this
// component emits (iteration over an unsorted list). Short reads are
// returned as errors, not logged.
func WithListLogger(log *zap.Logger) ListOption {
	return func(l *List) {
		if log != nil {
			l.log = log
		}
	}
}

// readMetadata implements metadataOps. List has no on-disk header: the row
// count is simply the file size divided by the record width.
func (l *List) readMetadata() error {
	fi, err := l.lf.file.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size%int64(l.w) != 0 {
		return formatErr("list-length-not-multiple-of-width", l.lf.path, nil)
	}
	l.offset = size / int64(l.w)
	return nil
}

// writeMetadata implements metadataOps. List carries no header, but the
// "flush the append buffer before any lock release" invariant is
// implemented here, since writeMetadata is exactly the hook LockableFile
// calls on EX->UN.
func (l *List) writeMetadata() error {
	return l.flushBuffer()
}

// Width returns the fixed record width in bytes.
func (l *List) Width() int { return l.w }

// Lock acquires or releases the container's advisory lock; see LockableFile.Lock.
func (l *List) Lock(op LockMode) error { return l.lf.Lock(op) }

// LockCtx is Lock with a cancellation check before blocking.
func (l *List) LockCtx(ctx context.Context, op LockMode) error { return l.lf.LockCtx(ctx, op) }

// Test reports whether the current lock state matches op.
func (l *List) Test(op LockMode) bool { return l.lf.Test(op) }

// Close releases the OS file handle. The caller must not hold a lock.
func (l *List) Close() error { return l.lf.Close() }

// Unlink removes the file from disk. The caller must not hold a lock.
func (l *List) Unlink() error { return l.lf.Unlink() }

// flushBuffer writes any buffered rows to the end of the file in a single
// pwrite and clears the buffer. It is idempotent.
func (l *List) flushBuffer() error {
	if len(l.buf) == 0 {
		return nil
	}
	if _, err := l.lf.file.WriteAt(l.buf, l.offset*int64(l.w)); err != nil {
		return ioErr("pwrite", l.lf.path, err)
	}
	l.offset += int64(len(l.buf)) / int64(l.w)
	l.buf = l.buf[:0]
	return nil
}

// Add appends data (exactly w bytes) under an acquired exclusive lock,
// returning the new record's zero-based position.
func (l *List) Add(data []byte) (int64, error) {
	if err := l.lf.Lock(LockEX); err != nil {
		return 0, err
	}
	defer l.lf.Lock(LockUN)
	return l.AddR(data)
}

// AddR appends data; the caller must already hold EX.
func (l *List) AddR(data []byte) (int64, error) {
	if len(data) != l.w {
		return 0, usageErr("wrong-record-width", l.lf.path)
	}
	pos := l.offset + int64(len(l.buf))/int64(l.w)
	l.buf = append(l.buf, data...)
	l.sortState = listUnsorted
	if len(l.buf)/l.w >= listBufferCap {
		if err := l.flushBuffer(); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

// Get reads the record at pos under an acquired shared lock.
func (l *List) Get(pos int64, out []byte) error {
	if err := l.lf.Lock(LockSH); err != nil {
		return err
	}
	defer l.lf.Lock(LockUN)
	return l.GetR(pos, out)
}

// GetR reads the record at pos; the caller must already hold SH or EX.
func (l *List) GetR(pos int64, out []byte) error {
	if len(out) != l.w {
		return usageErr("wrong-record-width", l.lf.path)
	}
	bufRows := int64(len(l.buf)) / int64(l.w)
	if pos < 0 || pos >= l.offset+bufRows {
		return usageErr("get-out-of-range", l.lf.path)
	}
	if pos < l.offset {
		n, err := l.lf.file.ReadAt(out, pos*int64(l.w))
		if err != nil || n != l.w {
			return ioErr("pread", l.lf.path, err)
		}
		return nil
	}
	off := (pos - l.offset) * int64(l.w)
	copy(out, l.buf[off:off+int64(l.w)])
	return nil
}

// LengthR returns the logical row count (on-disk plus buffered). The caller
// must already hold SH or EX.
func (l *List) LengthR() int64 {
	return l.offset + int64(len(l.buf))/int64(l.w)
}

// RewindR seeks the file back to the first record, a precondition for
// streaming via NextValueR. The caller must already hold SH or EX.
func (l *List) RewindR() error {
	if err := l.flushBuffer(); err != nil {
		return err
	}
	l.readPos = 0
	return nil
}

// NextValueR reads the next w-byte record from the current stream position.
// It returns true on success, false at EOF. Behavior is undefined outside a
// held lock, and callers must not interleave it with AddR in the same run.
func (l *List) NextValueR(out []byte) (bool, error) {
	if len(out) != l.w {
		return false, usageErr("wrong-record-width", l.lf.path)
	}
	if l.readPos >= l.offset {
		return false, nil
	}
	n, err := l.lf.file.ReadAt(out, l.readPos*int64(l.w))
	if err != nil || n != l.w {
		return false, ioErr("pread", l.lf.path, err)
	}
	l.readPos++
	return true, nil
}

// TruncateR discards all records: file length, row count, and buffer all
// reset to empty. The caller must already hold EX.
func (l *List) TruncateR() error {
	l.buf = l.buf[:0]
	l.offset = 0
	l.readPos = 0
	l.sortState = listUnsorted
	if err := l.lf.file.Truncate(0); err != nil {
		return ioErr("ftruncate", l.lf.path, err)
	}
	return nil
}

// SortR flushes the buffer and sorts the entire file in place via mmap,
// using cmp as the record comparator. The caller must already hold EX.
func (l *List) SortR(cmp Compare) error {
	if err := l.flushBuffer(); err != nil {
		return err
	}
	if l.offset == 0 {
		l.sortState = listSorted
		return nil
	}
	if err := l.sortRegion(0, l.offset*int64(l.w), cmp); err != nil {
		return err
	}
	l.sortState = listSorted
	return nil
}

// SortChunkedR flushes the buffer and sorts each chunkSize-byte window of
// the file independently in place. If the whole file fits in one chunk the
// result is fully sorted; otherwise the file is left chunk-sorted, a
// precondition for NextSortUniqedR. The caller must already hold EX.
func (l *List) SortChunkedR(cmp Compare) error {
	if err := l.flushBuffer(); err != nil {
		return err
	}
	totalBytes := l.offset * int64(l.w)
	if totalBytes == 0 {
		l.sortState = listSorted
		return nil
	}

	nChunks := (totalBytes + l.chunkSize - 1) / l.chunkSize
	for i := int64(0); i < nChunks; i++ {
		start := i * l.chunkSize
		end := start + l.chunkSize
		if end > totalBytes {
			end = totalBytes
		}
		if err := l.sortRegion(start, end, cmp); err != nil {
			return err
		}
	}

	if nChunks <= 1 {
		l.sortState = listSorted
	} else {
		l.sortState = listChunkSorted
	}
	return nil
}

// sortRegion mmaps the [start,end) byte window and introsorts it in place as
// a sequence of w-byte rows.
func (l *List) sortRegion(start, end int64, cmp Compare) error {
	if end == start {
		return nil
	}
	// mmap offsets must be page-aligned; chunk boundaries only need to be
	// record-aligned, so map from the containing page and sort the tail of
	// the window.
	pageSize := int64(os.Getpagesize())
	base := start - start%pageSize
	m, err := mmap.New(int(l.lf.file.Fd()), base, int(end-base), true)
	if err != nil {
		return ioErr("mmap", l.lf.path, err)
	}
	defer m.Close()

	rv := &rowsView{data: m.Data()[start-base:], w: l.w, cmp: cmp, tmp: make([]byte, l.w)}
	sort.Sort(rv)

	if err := m.Sync(); err != nil {
		return ioErr("msync", l.lf.path, err)
	}
	return nil
}

// rowsView adapts a flat byte slice of fixed-width rows to sort.Interface.
type rowsView struct {
	data []byte
	w    int
	cmp  Compare
	tmp  []byte
}

func (r *rowsView) Len() int { return len(r.data) / r.w }

func (r *rowsView) row(i int) []byte { return r.data[i*r.w : (i+1)*r.w] }

func (r *rowsView) Less(i, j int) bool { return r.cmp(r.row(i), r.row(j)) < 0 }

func (r *rowsView) Swap(i, j int) {
	if i == j {
		return
	}
	copy(r.tmp, r.row(i))
	copy(r.row(i), r.row(j))
	copy(r.row(j), r.tmp)
}

// NextSortUniqedR streams the sorted-unique sequence over a chunk-sorted
// file via k-way merge. Cursors are initialized lazily on the first call; a
// single mmap view covers the whole file for their lifetime. Returns true
// per emitted record, false at end-of-merge (after which cursors are freed
// and the mapping released). Calling this on a list that was never sorted
// logs a warning and returns false immediately. The caller must already
// hold SH or EX and must not interleave this with AddR.
func (l *List) NextSortUniqedR(cmp Compare, out []byte) (bool, error) {
	if len(out) != l.w {
		return false, usageErr("wrong-record-width", l.lf.path)
	}
	if l.sortState == listUnsorted {
		l.log.Warn("next_sort_uniqed_r called on unsorted list", zap.String("path", l.lf.path))
		return false, nil
	}

	if l.merge == nil {
		if err := l.initMerge(cmp); err != nil {
			return false, err
		}
	}

	for {
		best := -1
		for i := range l.merge.cursors {
			c := &l.merge.cursors[i]
			if c.pos >= c.end {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			bc := &l.merge.cursors[best]
			if l.mergeCmpRow(c.pos, bc.pos) < 0 {
				best = i
			}
		}
		if best == -1 {
			l.closeMerge()
			return false, nil
		}

		bc := &l.merge.cursors[best]
		row := l.merge.view.Data()[bc.pos : bc.pos+int64(l.w)]
		bc.pos += int64(l.w)

		if l.merge.haveLast && bytesEqual(l.merge.last, row) {
			continue
		}
		copy(l.merge.last, row)
		l.merge.haveLast = true
		copy(out, row)
		return true, nil
	}
}

// mergeCmpRow compares the records at two byte offsets of the merge view,
// using the comparator captured in mergeState at initMerge time rather
// than any process-wide sort state.
func (l *List) mergeCmpRow(a, b int64) int {
	data := l.merge.view.Data()
	return l.merge.cmp(data[a:a+int64(l.w)], data[b:b+int64(l.w)])
}

func (l *List) initMerge(cmp Compare) error {
	totalBytes := l.offset * int64(l.w)
	if totalBytes == 0 {
		l.merge = &mergeState{cursors: nil, last: make([]byte, l.w), cmp: cmp}
		return nil
	}
	m, err := mmap.New(int(l.lf.file.Fd()), 0, int(totalBytes), false)
	if err != nil {
		return ioErr("mmap", l.lf.path, err)
	}
	// Merge cursors walk each chunk front to back.
	m.AdviseSequential()

	nChunks := (totalBytes + l.chunkSize - 1) / l.chunkSize
	cursors := make([]mergeCursor, 0, nChunks)
	for i := int64(0); i < nChunks; i++ {
		start := i * l.chunkSize
		end := start + l.chunkSize
		if end > totalBytes {
			end = totalBytes
		}
		cursors = append(cursors, mergeCursor{pos: start, end: end})
	}

	l.merge = &mergeState{
		view:    m,
		cursors: cursors,
		last:    make([]byte, l.w),
		cmp:     cmp,
	}
	return nil
}

func (l *List) closeMerge() {
	if l.merge != nil && l.merge.view != nil {
		l.merge.view.Close()
	}
	l.merge = nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
