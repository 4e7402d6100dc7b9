// Package mmap provides the memory-mapped windows backing this module's
// on-disk containers: the ResourceHash entry table and the List's sort and
// merge views. One Map type wraps the platform mapping primitives; GrowFile
// is the grow-then-remap helper run before a doubled hash table is remapped.
package mmap

import "os"

// GrowFile extends f to newSize bytes by writing a single byte just before
// the new logical end, the pre-growth step required before a doubled table
// is remapped. A file already at least newSize bytes long is left untouched.
func GrowFile(f *os.File, newSize int64) error {
	if newSize <= 0 {
		return ErrInvalidSize
	}
	fi, err := f.Stat()
	if err != nil {
		return &Error{Op: "stat for grow", Err: err}
	}
	if fi.Size() >= newSize {
		return nil
	}
	if _, err := f.WriteAt([]byte{0}, newSize-1); err != nil {
		return &Error{Op: "pwrite for grow", Err: err}
	}
	return nil
}

// Map is one mapped window over a file region.
type Map struct {
	data     []byte
	fd       int
	size     int64
	writable bool

	// Remapping on Windows has to recreate the file-mapping object, so the
	// original handles are kept here; both stay zero on unix.
	handle  uintptr
	mapping uintptr
}

// Data returns the mapped byte slice, or nil after Close.
func (m *Map) Data() []byte { return m.data }

// Size returns the mapped length in bytes.
func (m *Map) Size() int64 { return m.size }

// Error is the error type returned by every operation in this package.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrInvalidSize = &Error{Op: "invalid size"}
	ErrNotMapped   = &Error{Op: "not mapped"}

	// errNoMremap makes Remap fall back to munmap+mmap on platforms
	// without an mremap syscall.
	errNoMremap = &Error{Op: "mremap unsupported"}
)
