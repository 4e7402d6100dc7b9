//go:build unix

package mmap

import "golang.org/x/sys/unix"

// New maps length bytes of fd starting at offset, which must be
// page-aligned. The containers in this module always map from offset 0
// (their 512-byte headers are not page-aligned, so the header is simply
// part of the window) except List chunk sorts, which map from the start of
// the page containing the chunk's first byte for exactly this reason.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{data: data, fd: fd, size: int64(length), writable: writable}, nil
}

// Sync flushes the window's dirty pages to disk synchronously.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return &Error{Op: "msync", Err: err}
	}
	return nil
}

// Close releases the mapping. Closing an already-closed Map is a no-op.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// Remap resizes the window to newSize, using mremap where the platform has
// it and falling back to munmap+mmap where it does not. The fallback is the
// discipline the doubled-table growth path expects: the old window is gone
// before the new one exists, so callers must not hold slices into Data
// across a Remap.
func (m *Map) Remap(newSize int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if newSize <= 0 {
		return ErrInvalidSize
	}
	if newSize == m.size {
		return nil
	}

	if data, err := m.tryMremap(int(newSize)); err == nil {
		m.data = data
		m.size = newSize
		return nil
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}

	if err := unix.Munmap(m.data); err != nil {
		return &Error{Op: "munmap for remap", Err: err}
	}

	data, err := unix.Mmap(m.fd, 0, int(newSize), prot, unix.MAP_SHARED)
	if err != nil {
		m.data = nil
		m.size = 0
		return &Error{Op: "mmap for remap", Err: err}
	}

	m.data = data
	m.size = newSize
	return nil
}

// AdviseSequential hints that the window will be read front to back, the
// access pattern of a List merge pass.
func (m *Map) AdviseSequential() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, unix.MADV_SEQUENTIAL)
}

// AdviseRandom hints that the window will be probed at scattered offsets,
// the access pattern of an open-addressed hash table.
func (m *Map) AdviseRandom() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, unix.MADV_RANDOM)
}
