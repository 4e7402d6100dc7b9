package segstore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failure modes a container can report.
type ErrorKind int

const (
	// KindIO covers read/write/seek/stat/flock/mmap/fsync/ftruncate failures.
	KindIO ErrorKind = iota
	// KindFormat covers bad magic, bad entry size, and misaligned file length.
	KindFormat
	// KindUsage covers double-lock, upgrade/downgrade, and out-of-range access.
	KindUsage
	// KindCompression covers zlib failures.
	KindCompression
	// KindSaturation covers the prefix dictionary running out of codes, or a
	// prefix too long for its record. The discovery trie never reports it,
	// and hash growth is not a KindSaturation failure:
	// it always succeeds by doubling.
	KindSaturation
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindUsage:
		return "usage"
	case KindCompression:
		return "compression"
	case KindSaturation:
		return "saturation"
	default:
		return "unknown"
	}
}

// StoreError is the error type returned by every operation in this package.
// It names the failing file, the operation being attempted, and the kind of
// failure.
type StoreError struct {
	Kind ErrorKind
	Path string
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		if e.Path != "" {
			return fmt.Sprintf("segstore: %s: %s: %v", e.Op, e.Path, e.Err)
		}
		return fmt.Sprintf("segstore: %s: %v", e.Op, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("segstore: %s: %s", e.Op, e.Path)
	}
	return fmt.Sprintf("segstore: %s", e.Op)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// newErr builds a StoreError for the given kind/op/path, wrapping cause.
func newErr(kind ErrorKind, op, path string, cause error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Path: path, Err: cause}
}

func ioErr(op, path string, cause error) *StoreError {
	return newErr(KindIO, op, path, cause)
}

func formatErr(op, path string, cause error) *StoreError {
	return newErr(KindFormat, op, path, cause)
}

func usageErr(op, path string) *StoreError {
	return newErr(KindUsage, op, path, nil)
}

func compressionErr(op, path string, cause error) *StoreError {
	return newErr(KindCompression, op, path, cause)
}

func saturationErr(op, path string) *StoreError {
	return newErr(KindSaturation, op, path, nil)
}

// Is reports whether err is a StoreError of the given kind.
func Is(err error, kind ErrorKind) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsUsage reports whether err is a usage error (double-lock, upgrade,
// downgrade, or out-of-range access). Iterating an unsorted list is not an
// error: it logs a warning and yields nothing.
func IsUsage(err error) bool { return Is(err, KindUsage) }

// IsSaturation reports whether err is a saturation error: the prefix
// dictionary has no codes left, or a prefix does not fit its record.
func IsSaturation(err error) bool { return Is(err, KindSaturation) }

// IsFormat reports whether err indicates the on-disk file is malformed.
func IsFormat(err error) bool { return Is(err, KindFormat) }

// NotFoundLex builds the synthetic lex value substituted by
// ResourceHash.GetR for an rid with no matching entry, so batch callers
// always receive a well-formed resource. Callers should check the Found
// flag rather than parse this text.
func NotFoundLex(rid uint64) string {
	return fmt.Sprintf("¡resource %d not found!", rid)
}
