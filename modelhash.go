package segstore

import (
	"context"
	"encoding/binary"

	"go.uber.org/zap"
)

const (
	modelHashMagic  int32 = 0x4a584d30 // "JXM0"
	modelHeaderSize       = 512
	modelEntrySize        = 12

	modelDefaultTableSize  = 4096
	modelDefaultSearchDist = 16
)

func init() {
	// Entry sizes are load-bearing for the on-disk format; verify at
	// startup rather than trusting the struct below to stay in sync.
	if modelEntrySize != 8+4 {
		panic("segstore: modelhash entry size assumption violated")
	}
}

// modelEntry is the packed on-disk representation of one ModelHash slot:
// an 8-byte rid and a 4-byte value, 12 bytes total.
type modelEntry struct {
	rid uint64
	val uint32
}

func (e modelEntry) empty() bool { return e.val == 0 }

func encodeModelEntry(buf []byte, e modelEntry) {
	binary.NativeEndian.PutUint64(buf[0:8], e.rid)
	binary.NativeEndian.PutUint32(buf[8:12], e.val)
}

func decodeModelEntry(buf []byte) modelEntry {
	return modelEntry{
		rid: binary.NativeEndian.Uint64(buf[0:8]),
		val: binary.NativeEndian.Uint32(buf[8:12]),
	}
}

// ChainChecker is the external triple-chain collaborator ModelHash consults
// when verifying structural consistency. Nothing in this package implements
// it; it is supplied by the caller.
type ChainChecker interface {
	// CheckChain is invoked once per populated ModelHash entry.
	CheckChain(rid uint64, val uint32) error
}

// ModelHash is a persistent open-addressed map from a 64-bit resource id to
// a 32-bit index ("index node"), used for small key sets such as models.
type ModelHash struct {
	lf *LockableFile

	size       int32
	count      int32
	searchDist int32

	log *zap.Logger
}

// ModelHashOption configures a ModelHash at open time.
type ModelHashOption func(*ModelHash)

// WithModelHashLogger attaches a structured logger.
func WithModelHashLogger(log *zap.Logger) ModelHashOption {
	return func(m *ModelHash) {
		if log != nil {
			m.log = log
		}
	}
}

// OpenModelHash opens or creates the hash at path.
func OpenModelHash(path string, opts ...ModelHashOption) (*ModelHash, error) {
	m := &ModelHash{
		size:       modelDefaultTableSize,
		searchDist: modelDefaultSearchDist,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}

	lf, err := newLockableFile(path, false, m, m.log)
	if err != nil {
		return nil, err
	}
	m.lf = lf
	if err := lf.Init(false); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ModelHash) readMetadata() error {
	hdr := make([]byte, modelHeaderSize)
	if _, err := m.lf.file.ReadAt(hdr, 0); err != nil {
		return err
	}
	magic := int32(binary.NativeEndian.Uint32(hdr[0:4]))
	if magic != modelHashMagic {
		return formatErr("bad-magic", m.lf.path, nil)
	}
	m.size = int32(binary.NativeEndian.Uint32(hdr[4:8]))
	m.count = int32(binary.NativeEndian.Uint32(hdr[8:12]))
	m.searchDist = int32(binary.NativeEndian.Uint32(hdr[12:16]))
	return nil
}

func (m *ModelHash) writeMetadata() error {
	hdr := make([]byte, modelHeaderSize)
	binary.NativeEndian.PutUint32(hdr[0:4], uint32(modelHashMagic))
	binary.NativeEndian.PutUint32(hdr[4:8], uint32(m.size))
	binary.NativeEndian.PutUint32(hdr[8:12], uint32(m.count))
	binary.NativeEndian.PutUint32(hdr[12:16], uint32(m.searchDist))
	if _, err := m.lf.file.WriteAt(hdr, 0); err != nil {
		return err
	}
	fileSize := int64(modelHeaderSize) + int64(m.size)*modelEntrySize
	fi, err := m.lf.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < fileSize {
		if _, err := m.lf.file.WriteAt([]byte{0}, fileSize-1); err != nil {
			return err
		}
	}
	return nil
}

// Lock acquires or releases the container's advisory lock.
func (m *ModelHash) Lock(op LockMode) error { return m.lf.Lock(op) }

// LockCtx is Lock with a cancellation check before blocking.
func (m *ModelHash) LockCtx(ctx context.Context, op LockMode) error { return m.lf.LockCtx(ctx, op) }

// Test reports whether the current lock state matches op.
func (m *ModelHash) Test(op LockMode) bool { return m.lf.Test(op) }

// Close releases the OS file handle. The caller must not hold a lock.
func (m *ModelHash) Close() error { return m.lf.Close() }

// Unlink removes the file from disk. The caller must not hold a lock.
func (m *ModelHash) Unlink() error { return m.lf.Unlink() }

// Count returns the number of non-tombstoned entries, read from the header
// under whichever lock the caller holds.
func (m *ModelHash) Count() int32 { return m.count }

// Size returns the current table size (a power of two).
func (m *ModelHash) Size() int32 { return m.size }

func (m *ModelHash) entryOffset(idx int32) int64 {
	return int64(modelHeaderSize) + int64(idx)*modelEntrySize
}

func (m *ModelHash) readEntry(idx int32) (modelEntry, error) {
	buf := make([]byte, modelEntrySize)
	if _, err := m.lf.file.ReadAt(buf, m.entryOffset(idx)); err != nil {
		return modelEntry{}, ioErr("pread", m.lf.path, err)
	}
	return decodeModelEntry(buf), nil
}

func (m *ModelHash) writeEntry(idx int32, e modelEntry) error {
	buf := make([]byte, modelEntrySize)
	encodeModelEntry(buf, e)
	if _, err := m.lf.file.WriteAt(buf, m.entryOffset(idx)); err != nil {
		return ioErr("pwrite", m.lf.path, err)
	}
	return nil
}

func (m *ModelHash) home(rid uint64) int32 {
	return int32((rid >> 10) & uint64(m.size-1))
}

// Put acquires EX, calls PutR, releases.
func (m *ModelHash) Put(rid uint64, val uint32) error {
	if err := m.lf.Lock(LockEX); err != nil {
		return err
	}
	defer m.lf.Lock(LockUN)
	return m.PutR(rid, val)
}

// PutR inserts or updates rid -> val. A val of 0 tombstones the key: the
// count is decremented only if the previous value was non-zero. The caller
// must already hold EX.
func (m *ModelHash) PutR(rid uint64, val uint32) error {
	for {
		h := m.home(rid)
		maxIdx := h + m.searchDist
		if maxIdx > m.size {
			maxIdx = m.size
		}

		candidate := int32(-1)
		for idx := h; idx < maxIdx; idx++ {
			e, err := m.readEntry(idx)
			if err != nil {
				return err
			}
			if !e.empty() && e.rid == rid {
				old := e.val
				if err := m.writeEntry(idx, modelEntry{rid: rid, val: val}); err != nil {
					return err
				}
				if old != 0 && val == 0 {
					m.count--
				} else if old == 0 && val != 0 {
					m.count++
				}
				return nil
			}
			if e.empty() && candidate == -1 {
				candidate = idx
			}
		}

		if candidate != -1 {
			if err := m.writeEntry(candidate, modelEntry{rid: rid, val: val}); err != nil {
				return err
			}
			if val != 0 {
				m.count++
			}
			return nil
		}

		if err := m.doubleR(); err != nil {
			return err
		}
	}
}

// Get acquires SH, calls GetR, releases.
func (m *ModelHash) Get(rid uint64) (uint32, error) {
	if err := m.lf.Lock(LockSH); err != nil {
		return 0, err
	}
	defer m.lf.Lock(LockUN)
	return m.GetR(rid)
}

// GetR looks up rid, probing up to searchDist slots with wrap-around; it
// returns 0 both for a genuinely absent key and for a tombstoned one. The
// caller must already hold SH or EX.
func (m *ModelHash) GetR(rid uint64) (uint32, error) {
	h := m.home(rid)
	idx := h
	for i := int32(0); i < m.searchDist; i++ {
		if i > 0 && idx == 0 {
			break
		}
		e, err := m.readEntry(idx)
		if err != nil {
			return 0, err
		}
		if !e.empty() && e.rid == rid {
			return e.val, nil
		}
		idx = (idx + 1) % m.size
	}
	return 0, nil
}

// GetKeysR scans every entry and returns the rids of all non-tombstoned
// ones. The caller must already hold SH or EX.
func (m *ModelHash) GetKeysR() ([]uint64, error) {
	keys := make([]uint64, 0, m.count)
	for idx := int32(0); idx < m.size; idx++ {
		e, err := m.readEntry(idx)
		if err != nil {
			return nil, err
		}
		if !e.empty() {
			keys = append(keys, e.rid)
		}
	}
	return keys, nil
}

// GetKeys acquires SH, calls GetKeysR, releases.
func (m *ModelHash) GetKeys() ([]uint64, error) {
	if err := m.lf.Lock(LockSH); err != nil {
		return nil, err
	}
	defer m.lf.Lock(LockUN)
	return m.GetKeysR()
}

// doubleR doubles the table size in place. search_dist becomes 2*d+1; every
// occupied slot whose new home falls in the upper half is moved to the
// mirrored index i+oldSize, leaving other entries untouched. The file is
// pre-grown by a single byte write at the last byte of the new logical end
// before any entry is moved.
func (m *ModelHash) doubleR() error {
	oldSize := m.size
	newSize := oldSize * 2
	newFileSize := int64(modelHeaderSize) + int64(newSize)*modelEntrySize
	if _, err := m.lf.file.WriteAt([]byte{0}, newFileSize-1); err != nil {
		return ioErr("pwrite", m.lf.path, err)
	}

	m.size = newSize
	for i := int32(0); i < oldSize; i++ {
		e, err := m.readEntry(i)
		if err != nil {
			return err
		}
		if e.empty() {
			continue
		}
		newHome := m.home(e.rid)
		if newHome >= oldSize {
			if err := m.writeEntry(i+oldSize, e); err != nil {
				return err
			}
			if err := m.writeEntry(i, modelEntry{}); err != nil {
				return err
			}
		}
	}

	m.searchDist = 2*m.searchDist + 1
	m.log.Debug("model hash doubled", zap.Int32("old_size", oldSize), zap.Int32("new_size", newSize))
	return nil
}

// CheckChainR scans every populated entry and invokes tbc's consistency
// check, returning the number of entries scanned and an error if the
// header's count disagrees with the scan. The caller must already hold SH
// or EX.
func (m *ModelHash) CheckChainR(tbc ChainChecker) (int32, error) {
	var scanned int32
	for idx := int32(0); idx < m.size; idx++ {
		e, err := m.readEntry(idx)
		if err != nil {
			return scanned, err
		}
		if e.empty() {
			continue
		}
		if err := tbc.CheckChain(e.rid, e.val); err != nil {
			return scanned, err
		}
		scanned++
	}
	if scanned != m.count {
		m.log.Warn("model hash count mismatch",
			zap.Int32("header_count", m.count), zap.Int32("scanned_count", scanned))
		return scanned, formatErr("count-mismatch", m.lf.path, nil)
	}
	return scanned, nil
}
