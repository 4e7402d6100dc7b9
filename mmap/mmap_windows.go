//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func protAccess(writable bool) (uint32, uint32) {
	if writable {
		return windows.PAGE_READWRITE, windows.FILE_MAP_WRITE
	}
	return windows.PAGE_READONLY, windows.FILE_MAP_READ
}

func mapView(handle windows.Handle, offset int64, length int, writable bool) (windows.Handle, []byte, error) {
	prot, access := protAccess(writable)

	mapping, err := windows.CreateFileMapping(handle, nil, prot,
		uint32(uint64(length)>>32), uint32(length), nil)
	if err != nil {
		return 0, nil, &Error{Op: "CreateFileMapping", Err: err}
	}

	addr, err := windows.MapViewOfFile(mapping, access,
		uint32(uint64(offset)>>32), uint32(offset), uintptr(length))
	if err != nil {
		windows.CloseHandle(mapping)
		return 0, nil, &Error{Op: "MapViewOfFile", Err: err}
	}

	return mapping, unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

// New maps length bytes of fd starting at offset.
func New(fd int, offset int64, length int, writable bool) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	handle := windows.Handle(fd)
	mapping, data, err := mapView(handle, offset, length, writable)
	if err != nil {
		return nil, err
	}

	return &Map{
		data:     data,
		fd:       fd,
		size:     int64(length),
		writable: writable,
		handle:   uintptr(handle),
		mapping:  uintptr(mapping),
	}, nil
}

// Sync flushes the view's dirty pages to disk.
func (m *Map) Sync() error {
	if m.data == nil {
		return ErrNotMapped
	}
	if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(m.size)); err != nil {
		return &Error{Op: "FlushViewOfFile", Err: err}
	}
	return nil
}

// Close releases the view and the mapping object. Closing an
// already-closed Map is a no-op.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0])))
	if m.mapping != 0 {
		windows.CloseHandle(windows.Handle(m.mapping))
		m.mapping = 0
	}
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "UnmapViewOfFile", Err: err}
	}
	return nil
}

// Remap resizes the view. Windows has no mremap, so the old view and
// mapping object are always torn down and recreated from the saved file
// handle.
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

	if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0]))); err != nil {
		return &Error{Op: "UnmapViewOfFile for remap", Err: err}
	}
	if m.mapping != 0 {
		windows.CloseHandle(windows.Handle(m.mapping))
		m.mapping = 0
	}

	mapping, data, err := mapView(windows.Handle(m.handle), 0, int(newSize), m.writable)
	if err != nil {
		m.data = nil
		m.size = 0
		return err
	}

	m.data = data
	m.size = newSize
	m.mapping = uintptr(mapping)
	return nil
}

// AdviseSequential is a no-op: Windows has no madvise.
func (m *Map) AdviseSequential() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return nil
}

// AdviseRandom is a no-op: Windows has no madvise.
func (m *Map) AdviseRandom() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return nil
}
