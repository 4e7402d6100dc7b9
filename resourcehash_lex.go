package segstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
)

// lexFile is the auxiliary append-only spill file backing a ResourceHash's
// external dispositions ('f', 'Z', 'P'). Every record begins with one or
// two int32 length fields and ends with a NUL byte; the offset stored in
// an entry always points at the leading length field.
type lexFile struct {
	f    *os.File
	path string
}

func openLexFile(path string) (*lexFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	return &lexFile{f: f, path: path}, nil
}

func (lf *lexFile) close() error {
	if err := lf.f.Close(); err != nil {
		return ioErr("close", lf.path, err)
	}
	return nil
}

func (lf *lexFile) sync() error {
	if err := lf.f.Sync(); err != nil {
		return ioErr("fsync", lf.path, err)
	}
	return nil
}

func (lf *lexFile) unlink() error {
	if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) {
		return ioErr("unlink", lf.path, err)
	}
	return nil
}

// end returns the current end-of-file offset, the append point for a new
// record.
func (lf *lexFile) end() (int64, error) {
	fi, err := lf.f.Stat()
	if err != nil {
		return 0, ioErr("stat", lf.path, err)
	}
	return fi.Size(), nil
}

// appendRaw writes a {len:i32, bytes, '\0'} record ('f' disposition) and
// returns its offset.
func (lf *lexFile) appendRaw(s string) (int64, error) {
	off, err := lf.end()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 4+len(s)+1)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:4+len(s)], s)
	if _, err := lf.f.WriteAt(buf, off); err != nil {
		return 0, ioErr("pwrite", lf.path, err)
	}
	return off, nil
}

// appendPrefixSuffix writes a {suffix_len:i32, suffix, '\0'} record ('P'
// disposition) and returns its offset.
func (lf *lexFile) appendPrefixSuffix(suffix string) (int64, error) {
	return lf.appendRaw(suffix)
}

// appendCompressed writes a {comp_len:i32, uncomp_len:i32, comp, '\0'}
// record ('Z' disposition) and returns its offset.
func (lf *lexFile) appendCompressed(comp []byte, uncompLen int) (int64, error) {
	off, err := lf.end()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8+len(comp)+1)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(comp)))
	binary.NativeEndian.PutUint32(buf[4:8], uint32(uncompLen))
	copy(buf[8:8+len(comp)], comp)
	if _, err := lf.f.WriteAt(buf, off); err != nil {
		return 0, ioErr("pwrite", lf.path, err)
	}
	return off, nil
}

// readRaw reads back a 'f' or 'P' record at offset.
func (lf *lexFile) readRaw(offset int64) (string, error) {
	var lenBuf [4]byte
	if _, err := lf.f.ReadAt(lenBuf[:], offset); err != nil {
		return "", ioErr("pread", lf.path, err)
	}
	n := binary.NativeEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := lf.f.ReadAt(buf, offset+4); err != nil {
			return "", ioErr("pread", lf.path, err)
		}
	}
	return string(buf), nil
}

// readCompressed reads back a 'Z' record at offset and inflates it.
func (lf *lexFile) readCompressed(offset int64) (string, error) {
	var lenBuf [8]byte
	if _, err := lf.f.ReadAt(lenBuf[:], offset); err != nil {
		return "", ioErr("pread", lf.path, err)
	}
	compLen := binary.NativeEndian.Uint32(lenBuf[0:4])
	uncompLen := binary.NativeEndian.Uint32(lenBuf[4:8])
	comp := make([]byte, compLen)
	if compLen > 0 {
		if _, err := lf.f.ReadAt(comp, offset+8); err != nil {
			return "", ioErr("pread", lf.path, err)
		}
	}

	zr, err := zlib.NewReader(bytes.NewReader(comp))
	if err != nil {
		return "", compressionErr("zlib-reader", lf.path, err)
	}
	defer zr.Close()
	out := make([]byte, uncompLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return "", compressionErr("zlib-inflate", lf.path, err)
	}
	return string(out), nil
}

// tryCompress attempts to zlib-compress s, returning the compressed bytes
// only if compression is worthwhile (strictly shorter than len(s)-4); the
// second return reports whether compression should be used.
func tryCompress(s string) ([]byte, bool, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		zw.Close()
		return nil, false, compressionErr("zlib-deflate", "", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, compressionErr("zlib-deflate", "", err)
	}
	compressed := buf.Bytes()
	if len(compressed) == 0 || len(compressed) >= len(s)-4 {
		return nil, false, nil
	}
	return compressed, true, nil
}
