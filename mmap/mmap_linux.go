//go:build linux

package mmap

import "golang.org/x/sys/unix"

// tryMremap resizes the mapping in place (or moves it) via mremap(2),
// avoiding the munmap+mmap window of the generic fallback.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	data, err := unix.Mremap(m.data, newSize, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, &Error{Op: "mremap", Err: err}
	}
	return data, nil
}
